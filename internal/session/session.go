package session

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// State is the per-session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	// StateDisconnecting is the timed grace state entered on transport
	// disconnect. The session is not yet lost: transient network flaps
	// recover back to StateConnected before the grace timer fires.
	StateDisconnecting
	// StateFailed is absorbing — reachable from negotiating or connected on
	// transport-level failure. Recovery happens by retiring the session and
	// opening a new one, never in place.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Role identifies which side opened the session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// maxPendingCandidates caps the per-session candidate buffer. The mailbox
// does not guarantee cross-signal ordering, so candidates can arrive before
// their offer; overflow drops the oldest.
const maxPendingCandidates = 50

// Session is one direct transport connection to a remote peer. Exclusively
// owned by the Manager; other components observe it through events.
type Session struct {
	peerID string
	role   Role

	mu            sync.Mutex
	state         State
	pc            *webrtc.PeerConnection
	dc            *webrtc.DataChannel
	pending       []webrtc.ICECandidateInit
	remoteSet     bool
	lastActivity  time.Time
	graceTimer    *time.Timer
	connectedOnce bool

	// connected is closed the first time the session reaches
	// StateConnected. The join protocol waits on it.
	connected chan struct{}

	// gone guards the exactly-once peer-disconnected event.
	gone sync.Once
}

func newSession(peerID string, role Role, pc *webrtc.PeerConnection) *Session {
	return &Session{
		peerID:       peerID,
		role:         role,
		state:        StateNegotiating,
		pc:           pc,
		lastActivity: time.Now(),
		connected:    make(chan struct{}),
	}
}

// PeerID returns the remote participant this session connects to.
func (s *Session) PeerID() string { return s.peerID }

// Role returns which side opened the session.
func (s *Session) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session currently carries data.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.dc != nil
}

// Ready returns a channel closed when the session first reaches connected.
func (s *Session) Ready() <-chan struct{} { return s.connected }

// LastActivity returns the time of the last observed transport activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// terminal reports whether the session can be silently replaced.
func (s *Session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateFailed || s.state == StateIdle
}

// bufferCandidate queues a candidate that arrived before the remote
// description. Returns false once the remote description is set, meaning
// the candidate should be applied directly instead.
func (s *Session) bufferCandidate(c webrtc.ICECandidateInit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteSet {
		return false
	}
	if len(s.pending) >= maxPendingCandidates {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, c)
	return true
}

// takePending marks the remote description set and drains the buffer.
func (s *Session) takePending() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSet = true
	p := s.pending
	s.pending = nil
	return p
}

func (s *Session) stopGraceTimer() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// markConnected transitions to StateConnected and reports whether this is
// the first time the session got there.
func (s *Session) markConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return false
	}
	s.stopGraceTimer()
	s.state = StateConnected
	s.lastActivity = time.Now()
	if !s.connectedOnce {
		s.connectedOnce = true
		close(s.connected)
		return true
	}
	return false
}
