package chat

import "sync"

// history is the bounded in-memory message buffer for one room. It holds the
// most recent messages only; when full, a new message displaces the oldest.
// Nothing is persisted — losing the process loses the history.
type history struct {
	mu    sync.RWMutex
	msgs  []*Message
	start int
	n     int
}

func newHistory(capacity int) *history {
	return &history{msgs: make([]*Message, capacity)}
}

func (h *history) add(m *Message) {
	h.mu.Lock()
	h.msgs[(h.start+h.n)%len(h.msgs)] = m
	if h.n == len(h.msgs) {
		h.start = (h.start + 1) % len(h.msgs)
	} else {
		h.n++
	}
	h.mu.Unlock()
}

// list returns the buffered messages, oldest first.
func (h *history) list() []*Message {
	h.mu.RLock()
	out := make([]*Message, h.n)
	for i := range out {
		out[i] = h.msgs[(h.start+i)%len(h.msgs)]
	}
	h.mu.RUnlock()
	return out
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}
