package util

import (
	"fmt"
	"testing"
)

func TestSeenSetAdmitOnce(t *testing.T) {
	s := NewSeenSet(8)

	if !s.Admit("a") {
		t.Fatal("first admit should succeed")
	}
	for i := 0; i < 10; i++ {
		if s.Admit("a") {
			t.Fatalf("duplicate admit %d should fail", i)
		}
	}
	if !s.Contains("a") {
		t.Fatal("expected a to be present")
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := NewSeenSet(3)
	for i := 0; i < 3; i++ {
		s.Admit(fmt.Sprintf("k%d", i))
	}
	// Capacity reached: the next admit evicts k0.
	s.Admit("k3")

	if s.Contains("k0") {
		t.Fatal("k0 should have been evicted")
	}
	if !s.Contains("k3") || !s.Contains("k1") || !s.Contains("k2") {
		t.Fatal("newer keys should remain")
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}

	// An evicted key admits again — the window is bounded, not a permanent
	// record.
	if !s.Admit("k0") {
		t.Fatal("evicted key should admit again")
	}
}
