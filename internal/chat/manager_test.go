package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ranbirkapoor-1/p2p/internal/proto"
)

type fakeDirect struct {
	mu        sync.Mutex
	connected []string
	fail      map[string]bool
	sent      map[string]int
}

func (f *fakeDirect) Send(peerID string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peerID] {
		return errors.New("not connected")
	}
	if f.sent == nil {
		f.sent = map[string]int{}
	}
	f.sent[peerID]++
	return nil
}

func (f *fakeDirect) ConnectedPeers() []string { return f.connected }

type fakeRelay struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRelay) SendRelay(context.Context, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeRelay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRoster struct{ ids []string }

func (f fakeRoster) IDs() []string { return f.ids }

func TestSendDirectOnlyWhenAllReachable(t *testing.T) {
	direct := &fakeDirect{connected: []string{"b", "c"}}
	relay := &fakeRelay{}
	m := New("a", direct, relay, fakeRoster{ids: []string{"b", "c"}})

	msg, err := m.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Path != PathDirect {
		t.Fatalf("path = %s, want direct", msg.Path)
	}
	if relay.count() != 0 {
		t.Fatal("relay must not be used when every known peer is direct")
	}
	if direct.sent["b"] != 1 || direct.sent["c"] != 1 {
		t.Fatalf("direct sends = %v", direct.sent)
	}
}

func TestSendAddsRelayWhenPartiallyReachable(t *testing.T) {
	direct := &fakeDirect{connected: []string{"b"}}
	relay := &fakeRelay{}
	m := New("a", direct, relay, fakeRoster{ids: []string{"b", "c"}})

	msg, err := m.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Path != PathDirect {
		t.Fatalf("path = %s, want direct (direct succeeded for someone)", msg.Path)
	}
	if relay.count() != 1 {
		t.Fatalf("relay calls = %d, want 1 for the unreachable peer", relay.count())
	}
}

func TestSendRelayOnlyWhenNobodyDirect(t *testing.T) {
	direct := &fakeDirect{}
	relay := &fakeRelay{}
	m := New("a", direct, relay, fakeRoster{ids: []string{"b"}})

	msg, err := m.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Path != PathRelay {
		t.Fatalf("path = %s, want relay", msg.Path)
	}
	if relay.count() != 1 {
		t.Fatalf("relay calls = %d, want 1", relay.count())
	}
}

func TestSendFailsWhenBothPathsDown(t *testing.T) {
	direct := &fakeDirect{}
	relay := &fakeRelay{err: errors.New("service down")}
	m := New("a", direct, relay, fakeRoster{ids: []string{"b"}})

	if _, err := m.Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected error when no path delivers")
	}
}

func TestReceiveDeduplicatesAcrossPaths(t *testing.T) {
	m := New("a", &fakeDirect{}, &fakeRelay{}, fakeRoster{})
	events := m.Subscribe()

	c := proto.Chat{MessageID: "m-1", Text: "hello"}
	if !m.Receive("b", c, PathDirect) {
		t.Fatal("first delivery must be admitted")
	}
	// The same message arrives again via relay, and again, and again.
	for i := 0; i < 5; i++ {
		if m.Receive("b", c, PathRelay) {
			t.Fatalf("duplicate delivery %d must be dropped", i)
		}
	}

	if got := len(m.History()); got != 1 {
		t.Fatalf("history entries = %d, want 1", got)
	}
	delivered := 0
	for drained := false; !drained; {
		select {
		case evt := <-events:
			if evt.Kind == EventMessage {
				delivered++
			}
		default:
			drained = true
		}
	}
	if delivered != 1 {
		t.Fatalf("message events = %d, want 1", delivered)
	}
}

func TestOwnRelayEchoDropped(t *testing.T) {
	direct := &fakeDirect{}
	relay := &fakeRelay{}
	m := New("a", direct, relay, fakeRoster{ids: []string{"b"}})

	msg, err := m.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	// The relay fans our own message back to us.
	if m.Receive("a", proto.Chat{MessageID: msg.ID, Text: "hi"}, PathRelay) {
		t.Fatal("own echo must be dropped")
	}
	if got := len(m.History()); got != 1 {
		t.Fatalf("history entries = %d, want 1", got)
	}
}

func TestReceiveEmptyIDDropped(t *testing.T) {
	m := New("a", &fakeDirect{}, &fakeRelay{}, fakeRoster{})
	if m.Receive("b", proto.Chat{Text: "no id"}, PathDirect) {
		t.Fatal("message without id must be dropped")
	}
}

func TestTypingExemptFromDedup(t *testing.T) {
	m := New("a", &fakeDirect{}, &fakeRelay{}, fakeRoster{})
	events := m.Subscribe()

	m.ReceiveTyping("b", proto.Typing{Active: true})
	m.ReceiveTyping("b", proto.Typing{Active: true})

	got := 0
	for drained := false; !drained; {
		select {
		case evt := <-events:
			if evt.Kind == EventTyping {
				got++
			}
		default:
			drained = true
		}
	}
	if got != 2 {
		t.Fatalf("typing events = %d, want 2 (no dedup)", got)
	}
}

func TestFileOfferDeduplicated(t *testing.T) {
	m := New("a", &fakeDirect{}, &fakeRelay{}, fakeRoster{})

	offer := proto.FileOffer{MessageID: "f-1", Name: "pic.png", Size: 42, Chunks: 1}
	if !m.ReceiveFileOffer("b", offer) {
		t.Fatal("first offer must be admitted")
	}
	if m.ReceiveFileOffer("b", offer) {
		t.Fatal("duplicate offer must be dropped")
	}
}
