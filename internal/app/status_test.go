package app

import "testing"

func TestStatusLine(t *testing.T) {
	cases := []struct {
		known, connected int
		want             string
	}{
		{0, 0, "alone"},
		{1, 0, "connecting"},
		{3, 0, "connecting"},
		{2, 1, "degraded"},
		{3, 2, "degraded"},
		{1, 1, "connected"},
		{3, 3, "connected"},
	}
	for _, c := range cases {
		if got := StatusLine(c.known, c.connected); got != c.want {
			t.Fatalf("StatusLine(%d, %d) = %q, want %q", c.known, c.connected, got, c.want)
		}
	}
}
