package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRoom struct {
	mu        sync.Mutex
	online    bool
	known     int
	connected int

	failures   int // reconnect attempts that fail before one succeeds
	reconnects int
	freshSeen  []bool
}

func (r *fakeRoom) SignalingOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

func (r *fakeRoom) KnownPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known
}

func (r *fakeRoom) ConnectedSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRoom) Reconnect(_ context.Context, fresh bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
	r.freshSeen = append(r.freshSeen, fresh)
	if r.reconnects <= r.failures {
		return errors.New("reconnect failed")
	}
	r.online = true
	r.connected = r.known
	return nil
}

func testCfg(attempts int) Config {
	return Config{
		CheckInterval:  10 * time.Millisecond,
		ConfirmDelay:   time.Millisecond,
		AutoDelay:      time.Millisecond,
		Attempts:       attempts,
		BackoffInitial: time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
	}
}

func TestRecoverSucceedsAfterRetries(t *testing.T) {
	room := &fakeRoom{known: 2, failures: 2}
	m := New(room, testCfg(5))

	m.recover(context.Background())

	if m.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", m.Status())
	}
	if room.reconnects != 3 {
		t.Fatalf("reconnect attempts = %d, want 3", room.reconnects)
	}
}

func TestRecoverBoundedThenFailed(t *testing.T) {
	room := &fakeRoom{known: 2, failures: 100}
	m := New(room, testCfg(3))

	m.recover(context.Background())

	if m.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", m.Status())
	}
	if room.reconnects != 3 {
		t.Fatalf("reconnect attempts = %d, want exactly 3 (never unbounded)", room.reconnects)
	}

	// Failed is terminal: the check loop must not silently retry.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	if room.reconnects != 3 {
		t.Fatalf("reconnects after failed = %d, want still 3", room.reconnects)
	}
}

func TestTransientBlipNeedsNoReconnect(t *testing.T) {
	room := &fakeRoom{known: 2, connected: 2, online: true}
	m := New(room, testCfg(3))

	m.recover(context.Background())

	if m.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", m.Status())
	}
	if room.reconnects != 0 {
		t.Fatalf("reconnects = %d, want 0 for a self-healed blip", room.reconnects)
	}
}

func TestFreshIdentityWhenSignalingLost(t *testing.T) {
	room := &fakeRoom{known: 1, online: false}
	m := New(room, testCfg(2))

	m.recover(context.Background())

	if len(room.freshSeen) == 0 || !room.freshSeen[0] {
		t.Fatal("signaling loss must request a fresh identity")
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	room := &fakeRoom{known: 1, failures: 100}
	m := New(room, testCfg(1))

	// Not failed yet: Retry is a no-op.
	m.Retry()
	select {
	case <-m.retryCh:
		t.Fatal("retry must not fire outside failed state")
	default:
	}

	m.recover(context.Background())
	if m.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", m.Status())
	}

	m.Retry()
	select {
	case <-m.retryCh:
	default:
		t.Fatal("retry from failed must signal the run loop")
	}
	if m.Status() != StatusIdle {
		t.Fatalf("status after retry = %s, want idle", m.Status())
	}
}

func TestPausedSkipsChecks(t *testing.T) {
	room := &fakeRoom{known: 1, failures: 100}
	m := New(room, testCfg(3))
	m.SetPaused(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if room.reconnects != 0 {
		t.Fatalf("reconnects while paused = %d, want 0", room.reconnects)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	room := &fakeRoom{known: 1, failures: 1}
	m := New(room, testCfg(3))
	updates, cancel := m.Subscribe()
	defer cancel()

	m.recover(context.Background())

	seen := map[Status]bool{}
	for drained := false; !drained; {
		select {
		case u := <-updates:
			seen[u.Status] = true
		default:
			drained = true
		}
	}
	for _, want := range []Status{StatusDetecting, StatusReconnecting, StatusConnected} {
		if !seen[want] {
			t.Fatalf("missing %s transition, saw %v", want, seen)
		}
	}
}
