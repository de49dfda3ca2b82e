package call

import (
	"sort"
	"sync"

	"github.com/ranbirkapoor-1/p2p/internal/session"
)

// MediaState is the advertised mute state of one participant.
type MediaState struct {
	AudioMuted bool
	VideoOff   bool
}

// CallSession is one active call: its participant set and the session set
// scoped to it. Call sessions are fully independent of the chat sessions —
// a call peer connection failing never touches the chat channel.
type CallSession struct {
	id    string
	video bool

	// sessions is the per-call session manager; its scope is the call ID,
	// so call signaling never collides with chat signaling.
	sessions *session.Manager
	feed     MediaFeed

	mu           sync.Mutex
	participants map[string]struct{} // includes self
	remoteMedia  map[string]MediaState

	ended sync.Once
}

func newCallSession(id string, video bool, mgr *session.Manager, feed MediaFeed, members []string) *CallSession {
	cs := &CallSession{
		id:           id,
		video:        video,
		sessions:     mgr,
		feed:         feed,
		participants: make(map[string]struct{}, len(members)),
		remoteMedia:  make(map[string]MediaState),
	}
	for _, m := range members {
		cs.participants[m] = struct{}{}
	}
	return cs
}

// ID returns the call identifier.
func (cs *CallSession) ID() string { return cs.id }

// Video reports whether the call was started with video.
func (cs *CallSession) Video() bool { return cs.video }

// Participants returns the current member set, self included, sorted.
func (cs *CallSession) Participants() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, 0, len(cs.participants))
	for id := range cs.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Size returns the participant count, self included.
func (cs *CallSession) Size() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.participants)
}

// has reports membership without copying the set.
func (cs *CallSession) has(peerID string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.participants[peerID]
	return ok
}

// add inserts a participant. Returns false when already present —
// join notifications can arrive from several members at once and must be
// idempotent.
func (cs *CallSession) add(peerID string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.participants[peerID]; ok {
		return false
	}
	cs.participants[peerID] = struct{}{}
	return true
}

// remove drops a participant and returns how many members are left.
func (cs *CallSession) remove(peerID string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.participants, peerID)
	delete(cs.remoteMedia, peerID)
	return len(cs.participants)
}

// setRemoteMedia records a participant's advertised mute state.
func (cs *CallSession) setRemoteMedia(peerID string, st MediaState) {
	cs.mu.Lock()
	cs.remoteMedia[peerID] = st
	cs.mu.Unlock()
}

// RemoteMedia returns the advertised mute state for peerID.
func (cs *CallSession) RemoteMedia(peerID string) MediaState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.remoteMedia[peerID]
}

// Converged reports whether this node holds a connected session to every
// other participant. Each node can only verify its own edges of the mesh.
func (cs *CallSession) Converged() bool {
	cs.mu.Lock()
	want := len(cs.participants) - 1
	cs.mu.Unlock()
	return cs.sessions.ConnectedCount() >= want
}
