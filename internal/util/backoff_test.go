package util

import (
	"context"
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 6)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
	}
	for i, w := range want {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: schedule exhausted early", i)
		}
		if d != w {
			t.Fatalf("attempt %d: delay = %s, want %s", i, d, w)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatal("expected schedule exhausted after max attempts")
	}
	if b.Attempt() != 6 {
		t.Fatalf("attempts = %d, want 6", b.Attempt())
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second, 2)
	b.Next()
	b.Next()
	if _, ok := b.Next(); ok {
		t.Fatal("expected exhausted")
	}

	b.Reset()
	d, ok := b.Next()
	if !ok || d != time.Second {
		t.Fatalf("after reset: got (%s, %v), want (1s, true)", d, ok)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
}
