// Package session brings exactly one direct transport session per remote
// peer to an "open, ready to carry data" state, and tears it down cleanly.
// It also owns initiator election and the join protocol: for every pair of
// participants exactly one side dials, chosen by a fixed total order over
// identities, so concurrent discovery never produces competing sessions.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/ranbirkapoor-1/p2p/internal/proto"
	"github.com/ranbirkapoor-1/p2p/internal/util"
)

var log = logging.Logger("session")

// dataChannelLabel is the single ordered, reliable channel each session
// carries for application payloads.
const dataChannelLabel = "chat"

// seenSignalCap bounds the duplicate-signal window. The mailbox can deliver
// an entry twice before its delete completes.
const seenSignalCap = 256

// Config carries the tunables the manager needs. Scope distinguishes the
// plain chat session set (empty) from per-call session sets (call ID) — the
// two are fully independent.
type Config struct {
	ICEServers []webrtc.ICEServer

	DisconnectGrace time.Duration
	BackgroundGrace time.Duration

	JoinAttempts   int
	JoinRetryPause time.Duration
	JoinObserve    time.Duration
	JoinJitterMax  time.Duration
}

// Manager owns the session map for one scope. All mutation of the map goes
// through its public operations; nothing reaches in directly.
type Manager struct {
	selfID string
	scope  string
	sig    Signaler
	cfg    Config

	iceMu      sync.RWMutex
	iceServers []webrtc.ICEServer

	mu           sync.Mutex
	sessions     map[string]*Session
	orphans      map[string][]webrtc.ICECandidateInit
	joining      map[string]bool
	backgrounded bool
	closed       bool

	seenSignals *util.SeenSet

	// configurePC, when set, runs on every new PeerConnection before
	// negotiation starts. The call layer uses it to attach media tracks.
	configurePC func(peerID string, pc *webrtc.PeerConnection)

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// New creates a session manager for one scope. It does not dial anything
// until MaybeConnect or Open is called.
func New(selfID, scope string, sig Signaler, cfg Config) *Manager {
	return &Manager{
		selfID:      selfID,
		scope:       scope,
		sig:         sig,
		cfg:         cfg,
		iceServers:  cfg.ICEServers,
		sessions:    make(map[string]*Session),
		orphans:     make(map[string][]webrtc.ICECandidateInit),
		joining:     make(map[string]bool),
		seenSignals: util.NewSeenSet(seenSignalCap),
		listeners:   make(map[chan Event]struct{}),
	}
}

// SelfID returns the local participant identity this manager signals as.
func (m *Manager) SelfID() string { return m.selfID }

// SetConfigurePeerConnection installs a hook run on every new
// PeerConnection before negotiation. Must be set before any session opens.
func (m *Manager) SetConfigurePeerConnection(fn func(peerID string, pc *webrtc.PeerConnection)) {
	m.configurePC = fn
}

// UpdateICEServers swaps the ICE server list for sessions opened from now
// on. Existing sessions keep their configuration.
func (m *Manager) UpdateICEServers(servers []webrtc.ICEServer) {
	m.iceMu.Lock()
	m.iceServers = servers
	m.iceMu.Unlock()
}

// Subscribe returns a channel of manager events and a cancel func.
func (m *Manager) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 64)
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

// ─── Opening sessions ────────────────────────────────────────────────────────

// Open constructs a new session for peerID in state negotiating. As
// initiator it creates the data channel and emits an offer; as responder it
// waits for the inbound offer. Returns ErrAlreadyOpen if a non-terminal
// session for the peer exists — the caller must Close first.
func (m *Manager) Open(ctx context.Context, peerID string, role Role) error {
	_, err := m.open(ctx, peerID, role)
	return err
}

func (m *Manager) open(ctx context.Context, peerID string, role Role) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := m.sessions[peerID]; ok {
		if !existing.terminal() {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, peerID)
		}
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()

	pc, err := m.newPeerConnection(peerID)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := newSession(peerID, role, pc)
	m.wire(s, pc)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pc.Close()
		return nil, ErrClosed
	}
	m.sessions[peerID] = s
	m.mu.Unlock()

	if role == RoleInitiator {
		if err := m.sendOffer(ctx, s); err != nil {
			m.retire(s)
			return nil, err
		}
	}

	log.Infof("session %s opened to %s as %s", m.scopeLabel(), short(peerID), role)
	return s, nil
}

func (m *Manager) sendOffer(ctx context.Context, s *Session) error {
	ordered := true
	dc, err := s.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	m.wireDataChannel(s, dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	return m.sendSignal(ctx, s.peerID, proto.Signal{
		ID:    util.NewID(),
		Kind:  proto.SignalOffer,
		Scope: m.scope,
		SDP:   offer.SDP,
	})
}

// ─── Inbound signals ─────────────────────────────────────────────────────────

// HandleSignal routes one decoded signal from a peer. Duplicate delivery and
// out-of-order arrival are expected; handling is idempotent and candidates
// that precede their offer are buffered, not lost.
func (m *Manager) HandleSignal(ctx context.Context, from string, sig proto.Signal) {
	if sig.Scope != m.scope {
		return
	}
	if sig.ID != "" && !m.seenSignals.Admit(sig.ID) {
		log.Debugf("duplicate signal %s from %s dropped", sig.ID, short(from))
		return
	}

	switch sig.Kind {
	case proto.SignalOffer:
		m.handleOffer(ctx, from, sig)
	case proto.SignalAnswer:
		m.handleAnswer(from, sig)
	case proto.SignalCandidate:
		m.handleCandidate(from, sig)
	default:
		log.Debugf("unknown signal kind %q from %s dropped", sig.Kind, short(from))
	}
}

func (m *Manager) handleOffer(ctx context.Context, from string, sig proto.Signal) {
	m.mu.Lock()
	existing, ok := m.sessions[from]
	m.mu.Unlock()

	if ok && !existing.terminal() {
		// Glare: both sides opened at once. The election rule settles it —
		// if we are the canonical initiator their offer loses.
		if ShouldInitiate(m.selfID, from) {
			log.Debugf("glare with %s: keeping our offer, dropping theirs", short(from))
			return
		}
		log.Debugf("glare with %s: they initiate, retiring our attempt", short(from))
		m.retire(existing)
	} else if ok {
		m.retire(existing)
	}

	s, err := m.open(ctx, from, RoleResponder)
	if err != nil {
		log.Warnf("responder open for %s: %v", short(from), err)
		return
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sig.SDP,
	}); err != nil {
		log.Warnf("set remote offer from %s: %v", short(from), err)
		m.retire(s)
		return
	}

	m.flushCandidates(s)

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		log.Warnf("create answer for %s: %v", short(from), err)
		m.retire(s)
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		log.Warnf("set local answer for %s: %v", short(from), err)
		m.retire(s)
		return
	}

	if err := m.sendSignal(ctx, from, proto.Signal{
		ID:    util.NewID(),
		Kind:  proto.SignalAnswer,
		Scope: m.scope,
		SDP:   answer.SDP,
	}); err != nil {
		log.Warnf("send answer to %s: %v", short(from), err)
	}
}

func (m *Manager) handleAnswer(from string, sig proto.Signal) {
	m.mu.Lock()
	s, ok := m.sessions[from]
	m.mu.Unlock()
	if !ok {
		log.Debugf("answer from %s with no session, dropped", short(from))
		return
	}

	// Stale or replayed answers arrive after reordering through the relay.
	// Only have-local-offer may accept one; anything else is logged and
	// dropped, never fatal.
	if s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Debugf("answer from %s in state %s, dropped", short(from), s.pc.SignalingState())
		return
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sig.SDP,
	}); err != nil {
		log.Warnf("set remote answer from %s: %v", short(from), err)
		return
	}
	m.flushCandidates(s)
}

func (m *Manager) handleCandidate(from string, sig proto.Signal) {
	if sig.Candidate == nil {
		return
	}
	mid := sig.Candidate.SDPMid
	idx := sig.Candidate.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     sig.Candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	m.mu.Lock()
	s, ok := m.sessions[from]
	if !ok {
		// No session yet — the offer may still be in flight behind this
		// candidate. Park it; capped like the per-session buffer.
		q := m.orphans[from]
		if len(q) >= maxPendingCandidates {
			q = q[1:]
		}
		m.orphans[from] = append(q, init)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if s.bufferCandidate(init) {
		return
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		log.Debugf("add candidate from %s: %v", short(from), err)
	}
}

// flushCandidates applies everything buffered before the remote description
// was set — both the session's own buffer and candidates that arrived before
// the session existed.
func (m *Manager) flushCandidates(s *Session) {
	m.mu.Lock()
	parked := m.orphans[s.peerID]
	delete(m.orphans, s.peerID)
	m.mu.Unlock()

	for _, c := range append(parked, s.takePending()...) {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Debugf("flush candidate for %s: %v", short(s.peerID), err)
		}
	}
}

// ─── Wiring ──────────────────────────────────────────────────────────────────

func (m *Manager) newPeerConnection(peerID string) (*webrtc.PeerConnection, error) {
	m.iceMu.RLock()
	cfg := webrtc.Configuration{ICEServers: m.iceServers}
	m.iceMu.RUnlock()

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	if m.configurePC != nil {
		m.configurePC(peerID, pc)
	}
	return pc, nil
}

func (m *Manager) wire(s *Session, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := proto.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		err := m.sendSignal(context.Background(), s.peerID, proto.Signal{
			ID:        util.NewID(),
			Kind:      proto.SignalCandidate,
			Scope:     m.scope,
			Candidate: &cand,
		})
		if err != nil {
			log.Debugf("send candidate to %s: %v", short(s.peerID), err)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		m.wireDataChannel(s, dc)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		m.handleConnectionState(s, st)
	})
}

func (m *Manager) wireDataChannel(s *Session, dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		log.Debugf("data channel open to %s", short(s.peerID))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
		m.publish(Event{Type: EventMessage, PeerID: s.peerID, Data: msg.Data})
	})
}

func (m *Manager) handleConnectionState(s *Session, st webrtc.PeerConnectionState) {
	log.Debugf("peer %s connection state %s", short(s.peerID), st)

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.markConnected() {
			log.Infof("session %s connected to %s", m.scopeLabel(), short(s.peerID))
			m.publish(Event{Type: EventPeerConnected, PeerID: s.peerID})
		}

	case webrtc.PeerConnectionStateDisconnected:
		m.scheduleGrace(s)

	case webrtc.PeerConnectionStateFailed:
		log.Warnf("session %s to %s failed", m.scopeLabel(), short(s.peerID))
		m.retire(s)
	}
}

// scheduleGrace enters the timed disconnecting state. The session survives
// transient flaps: a reconnect before the timer fires returns it to
// connected without an event.
func (m *Manager) scheduleGrace(s *Session) {
	grace := m.grace()
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	s.stopGraceTimer()
	s.graceTimer = time.AfterFunc(grace, func() { m.retire(s) })
	s.mu.Unlock()
	log.Infof("session to %s disconnected, %s grace", short(s.peerID), grace)
}

func (m *Manager) grace() time.Duration {
	m.mu.Lock()
	bg := m.backgrounded
	m.mu.Unlock()
	if bg {
		return m.cfg.BackgroundGrace
	}
	return m.cfg.DisconnectGrace
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// Close retires the session to peerID: cancels timers, closes the transport,
// drops bookkeeping, and emits peer-disconnected exactly once.
func (m *Manager) Close(peerID string) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	m.mu.Unlock()
	if ok {
		m.retire(s)
	}
}

func (m *Manager) retire(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.peerID]; ok && cur == s {
		delete(m.sessions, s.peerID)
	}
	delete(m.orphans, s.peerID)
	m.mu.Unlock()

	s.mu.Lock()
	s.stopGraceTimer()
	s.state = StateFailed
	s.pending = nil
	pc := s.pc
	s.mu.Unlock()

	if pc != nil {
		pc.Close()
	}

	s.gone.Do(func() {
		log.Infof("session %s to %s retired", m.scopeLabel(), short(s.peerID))
		m.publish(Event{Type: EventPeerDisconnected, PeerID: s.peerID})
	})
}

// CloseAll retires every session and marks the manager closed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.retire(s)
	}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Event]struct{})
	m.listenerMu.Unlock()
}

// ─── Data path ───────────────────────────────────────────────────────────────

// Send delivers data over the peer's data channel. ErrNotConnected means the
// caller should fall back to the relay path.
func (m *Manager) Send(peerID string, data []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	m.mu.Unlock()
	if !ok || !s.Connected() {
		return ErrNotConnected
	}

	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	return dc.Send(data)
}

// Broadcast sends data to every connected peer, returning how many sends
// succeeded.
func (m *Manager) Broadcast(data []byte) int {
	sent := 0
	for _, id := range m.ConnectedPeers() {
		if err := m.Send(id, data); err == nil {
			sent++
		}
	}
	return sent
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Get returns the live session for peerID, if any.
func (m *Manager) Get(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Connected reports whether a data-carrying session to peerID exists.
func (m *Manager) Connected(peerID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	m.mu.Unlock()
	return ok && s.Connected()
}

// ConnectedPeers lists peers with a connected session.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Connected() {
			out = append(out, id)
		}
	}
	return out
}

// ConnectedCount returns the number of connected sessions.
func (m *Manager) ConnectedCount() int { return len(m.ConnectedPeers()) }

// Peers lists every peer with a live (non-terminal) session.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// ─── Join protocol ───────────────────────────────────────────────────────────

// MaybeConnect runs the join protocol toward peerID if election says this
// side initiates. Idempotent: repeated notifications for the same peer (the
// rendezvous path can fire twice) never produce duplicate sessions or
// duplicate join loops. lateJoiner adds a 0–1 s jitter so a room full of
// existing peers doesn't storm one new arrival.
func (m *Manager) MaybeConnect(ctx context.Context, peerID string, lateJoiner bool) {
	if peerID == m.selfID || !ShouldInitiate(m.selfID, peerID) {
		return
	}

	m.mu.Lock()
	if m.closed || m.joining[peerID] {
		m.mu.Unlock()
		return
	}
	if s, ok := m.sessions[peerID]; ok && !s.terminal() {
		m.mu.Unlock()
		return
	}
	m.joining[peerID] = true
	m.mu.Unlock()

	go m.joinLoop(ctx, peerID, lateJoiner)
}

func (m *Manager) joinLoop(ctx context.Context, peerID string, lateJoiner bool) {
	defer func() {
		m.mu.Lock()
		delete(m.joining, peerID)
		m.mu.Unlock()
	}()

	if lateJoiner {
		if err := util.Sleep(ctx, util.Jitter(m.cfg.JoinJitterMax)); err != nil {
			return
		}
	}

	for attempt := 1; attempt <= m.cfg.JoinAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if m.Connected(peerID) {
			return
		}

		s, err := m.open(ctx, peerID, RoleInitiator)
		if err != nil {
			// A responder session may have appeared via glare; observe it.
			var ok bool
			if s, ok = m.Get(peerID); !ok {
				log.Warnf("join attempt %d to %s: %v", attempt, short(peerID), err)
				if err := util.Sleep(ctx, m.cfg.JoinRetryPause); err != nil {
					return
				}
				continue
			}
		}

		select {
		case <-s.Ready():
			return
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.JoinObserve):
		}

		if s.Connected() {
			return
		}
		log.Infof("join attempt %d to %s did not connect", attempt, short(peerID))
		m.retire(s)

		if err := util.Sleep(ctx, m.cfg.JoinRetryPause); err != nil {
			return
		}
	}

	log.Warnf("join to %s exhausted after %d attempts", short(peerID), m.cfg.JoinAttempts)
	m.publish(Event{Type: EventJoinFailed, PeerID: peerID})
}

// ─── Background handling ─────────────────────────────────────────────────────

// SetBackgrounded switches the disconnect grace between the normal and the
// extended schedule. Grace timers already running are rescheduled so a
// session does not get torn down mid-pause.
func (m *Manager) SetBackgrounded(backgrounded bool) {
	m.mu.Lock()
	if m.backgrounded == backgrounded {
		m.mu.Unlock()
		return
	}
	m.backgrounded = backgrounded
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	grace := m.grace()
	for _, s := range sessions {
		s.mu.Lock()
		if s.state == StateDisconnecting && s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = time.AfterFunc(grace, func() { m.retire(s) })
		}
		s.mu.Unlock()
	}
	log.Infof("backgrounded=%v, disconnect grace now %s", backgrounded, grace)
}

// VerifyLiveness re-checks every session after a resume. Connected sessions
// stay as they are; anything else gets exactly one rebuild attempt (not a
// full reconnection cycle — that belongs to the health monitor).
func (m *Manager) VerifyLiveness(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
			continue
		}
		peerID := s.peerID
		log.Infof("session to %s died during pause, rebuilding", short(peerID))
		m.retire(s)
		if ShouldInitiate(m.selfID, peerID) {
			if _, err := m.open(ctx, peerID, RoleInitiator); err != nil {
				log.Warnf("rebuild to %s: %v", short(peerID), err)
			}
		}
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (m *Manager) sendSignal(ctx context.Context, to string, sig proto.Signal) error {
	envelope, err := proto.Encode(m.selfID, sig)
	if err != nil {
		return err
	}
	return m.sig.SendSignal(ctx, m.selfID, to, envelope)
}

func (m *Manager) scopeLabel() string {
	if m.scope == "" {
		return "chat"
	}
	return m.scope
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
