// Package health watches session and signaling liveness for one room and
// drives automatic recovery. It distinguishes connectivity loss from normal
// teardown: peers are known to exist but no session is open, or the
// signaling channel reports offline while we are supposed to be in a room.
package health

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ranbirkapoor-1/p2p/internal/util"
)

var log = logging.Logger("health")

// Status is the reconnection state machine state.
type Status int

const (
	StatusIdle Status = iota
	StatusDetecting
	StatusReconnecting
	StatusWaiting
	StatusConnected
	// StatusFailed is terminal until an explicit Retry resets the attempt
	// counter and backoff. Never silently retried — prevents runaway
	// backoff loops.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDetecting:
		return "detecting"
	case StatusReconnecting:
		return "reconnecting"
	case StatusWaiting:
		return "waiting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Room is the surface the monitor needs from the orchestrator. Reconnect
// must re-establish signaling presence first (issuing a fresh identity when
// freshIdentity is set), then re-open sessions to previously known peers,
// and return nil once presence is confirmed and — if peers exist — at least
// one session reconnected. Partial success is success; the degraded
// indicator is derived elsewhere from the peer counts.
type Room interface {
	SignalingOnline() bool
	KnownPeers() int
	ConnectedSessions() int
	Reconnect(ctx context.Context, freshIdentity bool) error
}

// Config carries the monitor tunables.
type Config struct {
	CheckInterval time.Duration
	ConfirmDelay  time.Duration
	AutoDelay     time.Duration

	Attempts       int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Update is published on every status transition.
type Update struct {
	Status  Status
	Attempt int
}

// Monitor runs periodic health checks and the reconnection state machine.
type Monitor struct {
	room Room
	cfg  Config

	mu      sync.Mutex
	status  Status
	paused  bool
	retryCh chan struct{}

	listenerMu sync.RWMutex
	listeners  map[chan Update]struct{}
}

func New(room Room, cfg Config) *Monitor {
	return &Monitor{
		room:      room,
		cfg:       cfg,
		status:    StatusIdle,
		retryCh:   make(chan struct{}, 1),
		listeners: make(map[chan Update]struct{}),
	}
}

// Status returns the current machine state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetPaused suspends health checks while the process is backgrounded past
// the pause threshold. Sessions are not torn down during a pause; the
// session layer extends its grace separately.
func (m *Monitor) SetPaused(paused bool) {
	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
	log.Infof("health checks paused=%v", paused)
}

// Retry leaves the terminal failed state, resetting attempts and backoff.
// No-op in any other state.
func (m *Monitor) Retry() {
	m.mu.Lock()
	if m.status != StatusFailed {
		m.mu.Unlock()
		return
	}
	m.status = StatusIdle
	m.mu.Unlock()

	select {
	case m.retryCh <- struct{}{}:
	default:
	}
}

// Subscribe returns a channel of status updates and a cancel func.
func (m *Monitor) Subscribe() (chan Update, func()) {
	ch := make(chan Update, 16)
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

func (m *Monitor) setStatus(s Status, attempt int) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()

	log.Infof("status → %s (attempt %d)", s, attempt)
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- Update{Status: s, Attempt: attempt}:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// healthy is the connectivity predicate: signaling reachable and, when
// peers are known to exist, at least one open session.
func (m *Monitor) healthy() bool {
	if !m.room.SignalingOnline() {
		return false
	}
	if m.room.KnownPeers() > 0 && m.room.ConnectedSessions() == 0 {
		return false
	}
	return true
}

// Run drives the periodic check loop until ctx is cancelled. Blocks; run on
// its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.retryCh:
			m.recover(ctx)
		case <-ticker.C:
			m.mu.Lock()
			skip := m.paused || m.status == StatusFailed
			m.mu.Unlock()
			if skip {
				continue
			}
			if m.healthy() {
				m.setStatus(StatusConnected, 0)
				continue
			}
			m.recover(ctx)
		}
	}
}

// recover runs one full detect → confirm → reconnect-with-backoff cycle.
func (m *Monitor) recover(ctx context.Context) {
	m.setStatus(StatusDetecting, 0)

	// Confirmation delay filters transient blips.
	if err := util.Sleep(ctx, m.cfg.ConfirmDelay); err != nil {
		return
	}
	if m.healthy() {
		m.setStatus(StatusConnected, 0)
		return
	}

	// Extra settle time lets momentary flaps self-heal before we start
	// tearing things down.
	if m.cfg.AutoDelay > 0 {
		if err := util.Sleep(ctx, m.cfg.AutoDelay); err != nil {
			return
		}
		if m.healthy() {
			m.setStatus(StatusConnected, 0)
			return
		}
	}

	backoff := util.NewBackoff(m.cfg.BackoffInitial, m.cfg.BackoffMax, m.cfg.Attempts)
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		m.setStatus(StatusReconnecting, attempt)

		// A lost signaling channel means our old presence entry may
		// linger server-side as a ghost; a fresh identity sidesteps it.
		fresh := !m.room.SignalingOnline()
		err := m.room.Reconnect(ctx, fresh)
		if err == nil {
			m.setStatus(StatusConnected, attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Warnf("reconnect attempt %d failed: %v", attempt, err)

		if attempt == m.cfg.Attempts {
			break
		}
		delay, ok := backoff.Next()
		if !ok {
			break
		}
		m.setStatus(StatusWaiting, attempt)
		if err := util.Sleep(ctx, delay); err != nil {
			return
		}
	}

	m.setStatus(StatusFailed, m.cfg.Attempts)
}
