package util

import (
	"testing"
	"time"
)

func TestValidateDisplayName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"alice", "alice", false},
		{"  alice  ", "alice", false},
		{"", "", true},
		{"   ", "", true},
		{"a/b", "", true},
		{`a\b`, "", true},
		{"a..b", "", true},
	}
	for _, c := range cases {
		got, err := ValidateDisplayName(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("%q: err = %v, wantErr %v", c.in, err, c.wantErr)
		}
		if err == nil && got != c.want {
			t.Fatalf("%q: got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	if Jitter(0) != 0 {
		t.Fatal("zero max should yield zero")
	}
	for i := 0; i < 100; i++ {
		d := Jitter(time.Second)
		if d < 0 || d >= time.Second {
			t.Fatalf("jitter %s out of [0, 1s)", d)
		}
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty id %q", id)
		}
		seen[id] = true
	}
}
