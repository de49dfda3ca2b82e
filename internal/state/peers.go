// Package state holds the participant roster for one room. The table is
// owned by the orchestrator; other components only read it or subscribe.
package state

import (
	"sync"
	"time"
)

// Participant is one remote room member as learned from presence.
type Participant struct {
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`

	// Reachable means a direct session to this participant is currently
	// connected. Presence alone does not make a peer reachable.
	Reachable    bool      `json:"reachable"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

// Event is emitted to roster subscribers.
type Event struct {
	Type   string       `json:"type"` // "update" | "remove"
	PeerID string       `json:"peer_id"`
	Peer   *Participant `json:"peer,omitempty"`
}

// PeerTable tracks room participants and fans out changes to listeners.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]Participant
	listeners []chan Event
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     map[string]Participant{},
		listeners: make([]chan Event, 0),
	}
}

// Upsert records a participant seen via presence. Keeps the original
// JoinedAt and reachability across repeated announcements.
func (t *PeerTable) Upsert(id, displayName string, joinedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := Participant{
		DisplayName: displayName,
		JoinedAt:    joinedAt,
		LastSeen:    time.Now(),
	}
	if existing, ok := t.peers[id]; ok {
		p.JoinedAt = existing.JoinedAt
		p.Reachable = existing.Reachable
		p.OfflineSince = existing.OfflineSince
	}
	t.peers[id] = p
	t.notifyListeners(Event{Type: "update", PeerID: id, Peer: &p})
}

func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.LastSeen = time.Now()
	t.peers[id] = p
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(Event{Type: "remove", PeerID: id})
}

// SetReachable flips the direct-session indicator for a participant.
func (t *PeerTable) SetReachable(id string, reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	if p.Reachable == reachable {
		return
	}
	p.Reachable = reachable
	if reachable {
		p.OfflineSince = time.Time{}
	} else {
		p.OfflineSince = time.Now()
	}
	t.peers[id] = p
	t.notifyListeners(Event{Type: "update", PeerID: id, Peer: &p})
}

func (t *PeerTable) Get(id string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *PeerTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// Counts returns (total known peers, peers with an open session). The status
// line shown to users is derived purely from these two numbers.
func (t *PeerTable) Counts() (known, connected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		known++
		if p.Reachable {
			connected++
		}
	}
	return known, connected
}

func (t *PeerTable) Snapshot() map[string]Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Participant, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves participants whose presence expired before ttlCutoff to
// offline, then removes offline participants whose grace expired before
// graceCutoff.
func (t *PeerTable) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if p.OfflineSince.IsZero() {
			if p.LastSeen.Before(ttlCutoff) {
				p.Reachable = false
				p.OfflineSince = time.Now()
				t.peers[id] = p
				t.notifyListeners(Event{Type: "update", PeerID: id, Peer: &p})
			}
		} else if p.OfflineSince.Before(graceCutoff) {
			delete(t.peers, id)
			t.notifyListeners(Event{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
