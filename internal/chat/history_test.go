package chat

import (
	"fmt"
	"testing"

	"github.com/ranbirkapoor-1/p2p/internal/proto"
)

func TestHistoryOrderAndDisplacement(t *testing.T) {
	h := newHistory(3)

	for i := 0; i < 5; i++ {
		h.add(&Message{ID: fmt.Sprintf("m%d", i)})
	}
	if h.len() != 3 {
		t.Fatalf("len = %d, want 3", h.len())
	}

	got := h.list()
	want := []string{"m2", "m3", "m4"}
	for i, m := range got {
		if m.ID != want[i] {
			t.Fatalf("history = %v..., want oldest-first %v", m.ID, want)
		}
	}
}

func TestHistoryCapBound(t *testing.T) {
	m := New("a", &fakeDirect{}, &fakeRelay{}, fakeRoster{})
	for i := 0; i < historyCap+20; i++ {
		m.Receive("b", proto.Chat{MessageID: fmt.Sprintf("id-%d", i), Text: "x"}, PathDirect)
	}
	if got := len(m.History()); got != historyCap {
		t.Fatalf("history entries = %d, want the cap %d", got, historyCap)
	}
}
