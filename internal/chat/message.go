package chat

import (
	"time"

	"github.com/ranbirkapoor-1/p2p/internal/util"
)

// DeliveryPath records which path carried a message. Observability only —
// correctness never depends on it.
type DeliveryPath string

const (
	PathDirect  DeliveryPath = "direct"
	PathRelay   DeliveryPath = "relay"
	PathUnknown DeliveryPath = "unknown"
)

// Message is one chat message as seen by the application layer. Immutable
// once created; deduplicated by ID at every receiver regardless of how many
// paths deliver it.
type Message struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	Text      string       `json:"text"`
	CreatedAt int64        `json:"created_at"`
	Path      DeliveryPath `json:"path"`
	Outgoing  bool         `json:"outgoing"`
}

func newMessage(selfID, text string) *Message {
	return &Message{
		ID:        util.NewID(),
		From:      selfID,
		Text:      text,
		CreatedAt: time.Now().UnixMilli(),
		Outgoing:  true,
	}
}
