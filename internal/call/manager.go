// Package call manages audio/video calls on top of the session layer. A call
// is a full mesh: every participant holds a direct session to every other,
// scoped by call ID so call signaling and chat signaling stay independent.
// The mesh is capped; capacity is enforced before any session is attempted.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/ranbirkapoor-1/p2p/internal/proto"
	"github.com/ranbirkapoor-1/p2p/internal/session"
	"github.com/ranbirkapoor-1/p2p/internal/util"
)

var log = logging.Logger("call")

// pliInterval paces keyframe requests for inbound video tracks.
const pliInterval = 3 * time.Second

// EventKind classifies call events delivered to subscribers.
type EventKind string

const (
	EventIncoming          EventKind = "incoming"
	EventStarted           EventKind = "started"
	EventRejected          EventKind = "rejected"
	EventRingTimeout       EventKind = "ring-timeout"
	EventParticipantJoined EventKind = "participant-joined"
	EventParticipantLeft   EventKind = "participant-left"
	EventPeerConnected     EventKind = "peer-connected"
	EventPeerDisconnected  EventKind = "peer-disconnected"
	EventMediaChanged      EventKind = "media-changed"
	EventEnded             EventKind = "ended"
)

// Event is fanned out to subscribers on call lifecycle changes.
type Event struct {
	Kind   EventKind
	CallID string
	PeerID string
	Invite *Invite
	Media  MediaState
}

// Invite is an inbound call offer awaiting a local accept/reject decision.
// Exactly one of Accept or Reject may be called, once.
type Invite struct {
	CallID       string
	From         string
	Participants []string // complete initial set, self included
	Video        bool

	// direct marks a 1:1 ring; it is answered with call control, not
	// group-call control.
	direct bool

	mgr  *Manager
	once sync.Once
}

// Recorder persists call lifecycle records. Optional; nil disables it.
type Recorder interface {
	RecordCallStart(callID string, participants []string, video bool) error
	RecordCallEnd(callID string) error
}

// Config carries the call manager tunables. SessionConfig is the template
// for each per-call session manager.
type Config struct {
	MaxParticipants int
	RingTimeout     time.Duration
	SessionConfig   session.Config
}

// Manager owns at most one active call and routes call control and
// call-scoped signaling. The capture device is a singleton, so a second
// concurrent call is rejected, not queued.
type Manager struct {
	selfID string
	sig    session.Signaler
	cfg    Config
	source MediaSource
	sink   MediaSink
	rec    Recorder

	mu       sync.Mutex
	active   *CallSession
	outgoing *pendingCall       // 1:1 request awaiting accept/reject
	invites  map[string]*Invite // inbound, by call ID
	closed   bool

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// pendingCall is an outgoing 1:1 request that has not been answered yet.
type pendingCall struct {
	callID    string
	peerID    string
	video     bool
	ringTimer *time.Timer
}

func New(selfID string, sig session.Signaler, source MediaSource, sink MediaSink, rec Recorder, cfg Config) *Manager {
	return &Manager{
		selfID:    selfID,
		sig:       sig,
		cfg:       cfg,
		source:    source,
		sink:      sink,
		rec:       rec,
		invites:   make(map[string]*Invite),
		listeners: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel of call events and a cancel func.
func (m *Manager) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()
	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(evt Event) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// Active returns the call in progress, if any.
func (m *Manager) Active() *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ─── Starting calls ──────────────────────────────────────────────────────────

// StartCall starts a mesh call with targets. The invite each target receives
// carries the complete initial participant set, so acceptors open sessions
// to every member, not just us. Capacity is checked before anything is
// dialed or acquired.
func (m *Manager) StartCall(ctx context.Context, targets []string, video bool) (*CallSession, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("call: no targets")
	}
	if len(targets)+1 > m.cfg.MaxParticipants {
		return nil, fmt.Errorf("%w: %d participants, limit %d",
			ErrCapacityExceeded, len(targets)+1, m.cfg.MaxParticipants)
	}

	m.mu.Lock()
	if m.active != nil || m.outgoing != nil {
		m.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	m.mu.Unlock()

	feed, err := m.source.Acquire(ctx, video)
	if err != nil {
		return nil, fmt.Errorf("acquire media: %w", err)
	}

	callID := util.NewID()
	members := append([]string{m.selfID}, targets...)
	cs := m.buildCall(callID, video, feed, members)

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		cs.sessions.CloseAll()
		feed.Close()
		return nil, ErrDeviceBusy
	}
	m.active = cs
	m.mu.Unlock()

	m.recordStart(cs)

	invite := proto.GroupCall{
		Kind:         "invite",
		CallID:       callID,
		Participants: members,
		Video:        video,
	}
	for _, peer := range targets {
		if err := m.sendControl(ctx, peer, invite); err != nil {
			log.Warnf("invite to %s: %v", short(peer), err)
		}
		cs.sessions.MaybeConnect(ctx, peer, false)
	}

	log.Infof("call %s started with %d participants (video=%v)", short(callID), len(members), video)
	m.publish(Event{Kind: EventStarted, CallID: callID})
	return cs, nil
}

// StartDirectCall rings a single peer. The call session is only built once
// the peer accepts; until then the request can be answered, rejected, or
// time out ringing.
func (m *Manager) StartDirectCall(ctx context.Context, peerID string, video bool) (string, error) {
	m.mu.Lock()
	if m.active != nil || m.outgoing != nil {
		m.mu.Unlock()
		return "", ErrDeviceBusy
	}
	callID := util.NewID()
	p := &pendingCall{callID: callID, peerID: peerID, video: video}
	if m.cfg.RingTimeout > 0 {
		p.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() { m.ringExpired(callID) })
	}
	m.outgoing = p
	m.mu.Unlock()

	err := m.sendControl(ctx, peerID, proto.CallControl{Kind: "request", CallID: callID, Video: video})
	if err != nil {
		m.clearOutgoing(callID)
		return "", err
	}
	log.Infof("ringing %s (call %s)", short(peerID), short(callID))
	return callID, nil
}

func (m *Manager) ringExpired(callID string) {
	p := m.clearOutgoing(callID)
	if p == nil {
		return
	}
	log.Infof("call %s to %s rang out", short(callID), short(p.peerID))
	_ = m.sendControl(context.Background(), p.peerID, proto.CallControl{Kind: "hangup", CallID: callID})
	m.publish(Event{Kind: EventRingTimeout, CallID: callID, PeerID: p.peerID})
}

func (m *Manager) clearOutgoing(callID string) *pendingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.outgoing
	if p == nil || p.callID != callID {
		return nil
	}
	if p.ringTimer != nil {
		p.ringTimer.Stop()
	}
	m.outgoing = nil
	return p
}

// buildCall wires a per-call session manager: its scope is the call ID, its
// peer connections carry the local feed's tracks, and inbound tracks are
// pumped to the sink.
func (m *Manager) buildCall(callID string, video bool, feed MediaFeed, members []string) *CallSession {
	mgr := session.New(m.selfID, callID, m.sig, m.cfg.SessionConfig)
	cs := newCallSession(callID, video, mgr, feed, members)

	mgr.SetConfigurePeerConnection(func(peerID string, pc *webrtc.PeerConnection) {
		for _, track := range feed.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				log.Warnf("add track for %s: %v", short(peerID), err)
			}
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			m.pumpTrack(pc, peerID, track)
		})
	})

	events, cancel := mgr.Subscribe()
	go func() {
		defer cancel()
		for evt := range events {
			switch evt.Type {
			case session.EventPeerConnected:
				m.publish(Event{Kind: EventPeerConnected, CallID: callID, PeerID: evt.PeerID})
			case session.EventPeerDisconnected:
				m.publish(Event{Kind: EventPeerDisconnected, CallID: callID, PeerID: evt.PeerID})
			}
		}
	}()
	return cs
}

// pumpTrack forwards one remote track to the sink, requesting keyframes for
// video at a fixed pace so late joiners and loss recover quickly.
func (m *Manager) pumpTrack(pc *webrtc.PeerConnection, peerID string, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for range ticker.C {
				err := pc.WriteRTCP([]rtcp.Packet{
					&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
				})
				if err != nil {
					return
				}
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if m.sink != nil {
			m.sink.Deliver(peerID, track.Kind(), pkt)
		}
	}
}

// ─── Inbound control ─────────────────────────────────────────────────────────

// HandleCallControl routes 1:1 call control from a peer.
func (m *Manager) HandleCallControl(ctx context.Context, from string, cc proto.CallControl) {
	switch cc.Kind {
	case "request":
		m.onRequest(from, cc)
	case "accept":
		m.onAccept(ctx, from, cc)
	case "reject":
		m.onReject(from, cc)
	case "hangup":
		m.onHangup(ctx, from, cc.CallID)
	}
}

func (m *Manager) onRequest(from string, cc proto.CallControl) {
	m.mu.Lock()
	busy := m.active != nil || m.outgoing != nil || m.closed
	m.mu.Unlock()
	if busy {
		// Rejected, not queued.
		_ = m.sendControl(context.Background(), from, proto.CallControl{Kind: "reject", CallID: cc.CallID})
		return
	}
	m.surfaceInvite(&Invite{
		CallID:       cc.CallID,
		From:         from,
		Participants: []string{from, m.selfID},
		Video:        cc.Video,
		direct:       true,
		mgr:          m,
	})
}

func (m *Manager) onAccept(ctx context.Context, from string, cc proto.CallControl) {
	p := m.clearOutgoing(cc.CallID)
	if p == nil || p.peerID != from {
		return
	}

	feed, err := m.source.Acquire(ctx, p.video)
	if err != nil {
		log.Warnf("acquire media after accept: %v", err)
		_ = m.sendControl(ctx, from, proto.CallControl{Kind: "hangup", CallID: cc.CallID})
		return
	}

	cs := m.buildCall(cc.CallID, p.video, feed, []string{m.selfID, from})
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		cs.sessions.CloseAll()
		feed.Close()
		return
	}
	m.active = cs
	m.mu.Unlock()

	m.recordStart(cs)
	cs.sessions.MaybeConnect(ctx, from, false)
	m.publish(Event{Kind: EventStarted, CallID: cc.CallID})
}

func (m *Manager) onReject(from string, cc proto.CallControl) {
	p := m.clearOutgoing(cc.CallID)
	if p == nil || p.peerID != from {
		return
	}
	log.Infof("call %s rejected by %s", short(cc.CallID), short(from))
	m.publish(Event{Kind: EventRejected, CallID: cc.CallID, PeerID: from})
}

func (m *Manager) onHangup(ctx context.Context, from, callID string) {
	if p := m.clearOutgoing(callID); p != nil {
		m.publish(Event{Kind: EventEnded, CallID: callID, PeerID: from})
		return
	}
	m.mu.Lock()
	cs := m.active
	m.mu.Unlock()
	if cs == nil || cs.id != callID {
		return
	}
	// 1:1 hangup is equivalent to the remote side leaving.
	m.participantLeft(cs, from)
}

// HandleGroupControl routes mesh call control from a peer.
func (m *Manager) HandleGroupControl(ctx context.Context, from string, gc proto.GroupCall) {
	switch gc.Kind {
	case "invite":
		m.onInvite(from, gc)
	case "join":
		m.onJoin(ctx, from, gc)
	case "leave":
		m.onLeave(from, gc)
	case "end":
		m.onEnd(from, gc)
	case "media":
		m.onMedia(from, gc)
	}
}

func (m *Manager) onInvite(from string, gc proto.GroupCall) {
	m.mu.Lock()
	busy := m.active != nil || m.outgoing != nil || m.closed
	m.mu.Unlock()

	decline := func() {
		_ = m.sendControl(context.Background(), from, proto.GroupCall{
			Kind: "leave", CallID: gc.CallID, PeerID: m.selfID,
		})
	}
	if busy {
		decline()
		return
	}
	if len(gc.Participants) > m.cfg.MaxParticipants {
		log.Warnf("invite %s exceeds capacity (%d), declining", short(gc.CallID), len(gc.Participants))
		decline()
		return
	}

	m.surfaceInvite(&Invite{
		CallID:       gc.CallID,
		From:         from,
		Participants: gc.Participants,
		Video:        gc.Video,
		mgr:          m,
	})
}

func (m *Manager) surfaceInvite(iv *Invite) {
	m.mu.Lock()
	m.invites[iv.CallID] = iv
	m.mu.Unlock()
	m.publish(Event{Kind: EventIncoming, CallID: iv.CallID, PeerID: iv.From, Invite: iv})
}

func (m *Manager) takeInvite(callID string) *Invite {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv := m.invites[callID]
	delete(m.invites, callID)
	return iv
}

// Accept answers the invite: acquires media, builds the call seeded with the
// invite's participant set, announces itself to every member, and opens a
// session to each one the election rule says we dial.
func (iv *Invite) Accept(ctx context.Context) (*CallSession, error) {
	var (
		cs  *CallSession
		err error
	)
	iv.once.Do(func() { cs, err = iv.mgr.acceptInvite(ctx, iv) })
	if cs == nil && err == nil {
		err = fmt.Errorf("call: invite %s already answered", iv.CallID)
	}
	return cs, err
}

// Reject declines the invite.
func (iv *Invite) Reject(ctx context.Context) {
	iv.once.Do(func() { iv.mgr.rejectInvite(ctx, iv) })
}

func (m *Manager) acceptInvite(ctx context.Context, iv *Invite) (*CallSession, error) {
	m.takeInvite(iv.CallID)

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	m.mu.Unlock()

	feed, err := m.source.Acquire(ctx, iv.Video)
	if err != nil {
		m.rejectInvite(ctx, iv)
		return nil, fmt.Errorf("acquire media: %w", err)
	}

	members := iv.Participants
	if !contains(members, m.selfID) {
		members = append(append([]string{}, members...), m.selfID)
	}
	cs := m.buildCall(iv.CallID, iv.Video, feed, members)

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		cs.sessions.CloseAll()
		feed.Close()
		return nil, ErrDeviceBusy
	}
	m.active = cs
	m.mu.Unlock()

	m.recordStart(cs)

	if iv.direct {
		// A 1:1 ring is answered with call control; the caller has no
		// active call yet and would drop a group join.
		if err := m.sendControl(ctx, iv.From, proto.CallControl{Kind: "accept", CallID: iv.CallID}); err != nil {
			log.Warnf("accept to %s: %v", short(iv.From), err)
		}
		cs.sessions.MaybeConnect(ctx, iv.From, false)
		m.publish(Event{Kind: EventStarted, CallID: iv.CallID})
		return cs, nil
	}

	// Announce to every member, then open toward each. The invite carried
	// the full set, so a late acceptor still reaches members the inviter
	// already connected.
	join := proto.GroupCall{Kind: "join", CallID: iv.CallID, PeerID: m.selfID}
	for _, peer := range members {
		if peer == m.selfID {
			continue
		}
		if err := m.sendControl(ctx, peer, join); err != nil {
			log.Debugf("join announce to %s: %v", short(peer), err)
		}
		cs.sessions.MaybeConnect(ctx, peer, false)
	}

	m.publish(Event{Kind: EventStarted, CallID: iv.CallID})
	return cs, nil
}

func (m *Manager) rejectInvite(ctx context.Context, iv *Invite) {
	m.takeInvite(iv.CallID)
	if iv.direct {
		_ = m.sendControl(ctx, iv.From, proto.CallControl{Kind: "reject", CallID: iv.CallID})
		return
	}
	_ = m.sendControl(ctx, iv.From, proto.GroupCall{Kind: "leave", CallID: iv.CallID, PeerID: m.selfID})
}

func (m *Manager) onJoin(ctx context.Context, from string, gc proto.GroupCall) {
	m.mu.Lock()
	cs := m.active
	m.mu.Unlock()
	if cs == nil || cs.id != gc.CallID {
		return
	}

	joined := gc.PeerID
	if joined == "" {
		joined = from
	}
	if joined == m.selfID || !cs.add(joined) {
		return
	}

	if cs.Size() > m.cfg.MaxParticipants {
		// Over-capacity join: drop the membership we just learned and do
		// not dial. The joiner's own capacity check should prevent this.
		cs.remove(joined)
		log.Warnf("join by %s would exceed capacity, ignored", short(joined))
		return
	}

	log.Infof("call %s: %s joined", short(cs.id), short(joined))
	cs.sessions.MaybeConnect(ctx, joined, false)

	// Self-healing: whoever first observes a new member tells the rest, so
	// a member that missed the announcement still converges. add() made
	// this non-looping — we only rebroadcast the first time we learn of
	// the peer.
	rebroadcast := proto.GroupCall{Kind: "join", CallID: cs.id, PeerID: joined}
	for _, peer := range cs.Participants() {
		if peer == m.selfID || peer == joined || peer == from {
			continue
		}
		if err := m.sendControl(ctx, peer, rebroadcast); err != nil {
			log.Debugf("join rebroadcast to %s: %v", short(peer), err)
		}
	}

	m.publish(Event{Kind: EventParticipantJoined, CallID: cs.id, PeerID: joined})
}

func (m *Manager) onLeave(from string, gc proto.GroupCall) {
	m.mu.Lock()
	cs := m.active
	m.mu.Unlock()
	if cs == nil || cs.id != gc.CallID {
		return
	}
	left := gc.PeerID
	if left == "" {
		left = from
	}
	m.participantLeft(cs, left)
}

func (m *Manager) participantLeft(cs *CallSession, peerID string) {
	if !cs.has(peerID) {
		return
	}
	remaining := cs.remove(peerID)
	cs.sessions.Close(peerID)
	log.Infof("call %s: %s left, %d remaining", short(cs.id), short(peerID), remaining)
	m.publish(Event{Kind: EventParticipantLeft, CallID: cs.id, PeerID: peerID})

	// Last one in the room: the call is over.
	if remaining <= 1 {
		m.teardown(cs)
	}
}

func (m *Manager) onEnd(from string, gc proto.GroupCall) {
	m.mu.Lock()
	cs := m.active
	m.mu.Unlock()
	if cs == nil || cs.id != gc.CallID || !cs.has(from) {
		return
	}
	log.Infof("call %s ended by %s", short(cs.id), short(from))
	m.teardown(cs)
}

func (m *Manager) onMedia(from string, gc proto.GroupCall) {
	m.mu.Lock()
	cs := m.active
	m.mu.Unlock()
	if cs == nil || cs.id != gc.CallID || !cs.has(from) {
		return
	}
	st := MediaState{AudioMuted: gc.AudioMuted, VideoOff: gc.VideoOff}
	cs.setRemoteMedia(from, st)
	m.publish(Event{Kind: EventMediaChanged, CallID: cs.id, PeerID: from, Media: st})
}

// ─── Signaling and local controls ────────────────────────────────────────────

// HandleSignal routes a call-scoped signal to the active call's session set.
// Signals for an unknown or finished call are dropped.
func (m *Manager) HandleSignal(ctx context.Context, from string, sig proto.Signal) {
	m.mu.Lock()
	cs := m.active
	m.mu.Unlock()
	if cs == nil || sig.Scope != cs.id {
		return
	}
	cs.sessions.HandleSignal(ctx, from, sig)
}

// SetAudioMuted toggles the local audio track and advertises the state.
func (m *Manager) SetAudioMuted(ctx context.Context, muted bool) error {
	return m.setLocalMedia(ctx, func(cs *CallSession, st *MediaState) {
		cs.feed.SetAudioMuted(muted)
		st.AudioMuted = muted
	})
}

// SetVideoOff toggles the local video track and advertises the state.
func (m *Manager) SetVideoOff(ctx context.Context, off bool) error {
	return m.setLocalMedia(ctx, func(cs *CallSession, st *MediaState) {
		cs.feed.SetVideoOff(off)
		st.VideoOff = off
	})
}

func (m *Manager) setLocalMedia(ctx context.Context, apply func(*CallSession, *MediaState)) error {
	m.mu.Lock()
	cs := m.active
	m.mu.Unlock()
	if cs == nil {
		return ErrNoCall
	}

	cs.mu.Lock()
	st := cs.remoteMedia[m.selfID]
	cs.mu.Unlock()
	apply(cs, &st)
	cs.setRemoteMedia(m.selfID, st)

	media := proto.GroupCall{
		Kind: "media", CallID: cs.id,
		AudioMuted: st.AudioMuted, VideoOff: st.VideoOff,
	}
	for _, peer := range cs.Participants() {
		if peer == m.selfID {
			continue
		}
		if err := m.sendControl(ctx, peer, media); err != nil {
			log.Debugf("media state to %s: %v", short(peer), err)
		}
	}
	return nil
}

// Hangup leaves the active call: announces departure to every member, tears
// down the per-call sessions, and releases the capture device.
func (m *Manager) Hangup(ctx context.Context) error {
	m.mu.Lock()
	cs := m.active
	m.mu.Unlock()
	if cs == nil {
		if p := m.clearOutgoing(m.outgoingID()); p != nil {
			_ = m.sendControl(ctx, p.peerID, proto.CallControl{Kind: "hangup", CallID: p.callID})
			return nil
		}
		return ErrNoCall
	}

	leave := proto.GroupCall{Kind: "leave", CallID: cs.id, PeerID: m.selfID}
	for _, peer := range cs.Participants() {
		if peer == m.selfID {
			continue
		}
		if err := m.sendControl(ctx, peer, leave); err != nil {
			log.Debugf("leave to %s: %v", short(peer), err)
		}
	}
	m.teardown(cs)
	return nil
}

func (m *Manager) outgoingID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outgoing == nil {
		return ""
	}
	return m.outgoing.callID
}

// teardown releases everything the call holds. Idempotent.
func (m *Manager) teardown(cs *CallSession) {
	cs.ended.Do(func() {
		m.mu.Lock()
		if m.active == cs {
			m.active = nil
		}
		m.mu.Unlock()

		cs.sessions.CloseAll()
		if err := cs.feed.Close(); err != nil {
			log.Debugf("release media: %v", err)
		}
		if m.rec != nil {
			if err := m.rec.RecordCallEnd(cs.id); err != nil {
				log.Warnf("record call end: %v", err)
			}
		}
		log.Infof("call %s torn down", short(cs.id))
		m.publish(Event{Kind: EventEnded, CallID: cs.id})
	})
}

// Close hangs up any active call and stops accepting new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	cs := m.active
	p := m.outgoing
	m.outgoing = nil
	m.mu.Unlock()

	if p != nil && p.ringTimer != nil {
		p.ringTimer.Stop()
	}
	if cs != nil {
		m.teardown(cs)
	}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Event]struct{})
	m.listenerMu.Unlock()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (m *Manager) recordStart(cs *CallSession) {
	if m.rec == nil {
		return
	}
	if err := m.rec.RecordCallStart(cs.id, cs.Participants(), cs.video); err != nil {
		log.Warnf("record call start: %v", err)
	}
}

func (m *Manager) sendControl(ctx context.Context, to string, msg proto.Msg) error {
	envelope, err := proto.Encode(m.selfID, msg)
	if err != nil {
		return err
	}
	return m.sig.SendSignal(ctx, m.selfID, to, envelope)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
