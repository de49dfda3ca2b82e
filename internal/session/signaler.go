package session

import "context"

// Signaler is the only surface the session layer needs from the rendezvous
// path: deliver an encoded envelope to one peer's mailbox. Satisfied by
// rendezvous.Client in production and by an in-process loopback in tests.
type Signaler interface {
	SendSignal(ctx context.Context, selfID, to string, envelope []byte) error
}

// EventType classifies manager events.
type EventType string

const (
	// EventPeerConnected fires the first time a session to a peer reaches
	// connected state.
	EventPeerConnected EventType = "peer-connected"

	// EventPeerDisconnected fires exactly once per session lifetime when
	// the session is retired — clean close, grace expiry, or failure.
	EventPeerDisconnected EventType = "peer-disconnected"

	// EventJoinFailed fires when the join protocol exhausts its attempts
	// for a peer. Further recovery belongs to the health monitor.
	EventJoinFailed EventType = "join-failed"

	// EventMessage carries one inbound data channel payload.
	EventMessage EventType = "message"
)

// Event is published to manager subscribers.
type Event struct {
	Type   EventType
	PeerID string
	Data   []byte
}
