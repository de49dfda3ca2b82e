// Package chat is the dual-path message layer: application messages go over
// a direct session when one is connected and fall back to the rendezvous
// relay otherwise, and every receiver admits a given message ID exactly once
// no matter how many paths deliver it.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ranbirkapoor-1/p2p/internal/proto"
	"github.com/ranbirkapoor-1/p2p/internal/util"
)

var log = logging.Logger("chat")

const (
	// seenCap sizes the recently-seen id set: large enough to cover
	// realistic relay replay windows, not a permanent record.
	seenCap = 200

	// historyCap is the in-memory message ring.
	historyCap = 100
)

// Direct is the direct-delivery surface, satisfied by session.Manager.
type Direct interface {
	Send(peerID string, data []byte) error
	ConnectedPeers() []string
}

// Relay is the fallback path, satisfied by rendezvous.Client.
type Relay interface {
	SendRelay(ctx context.Context, selfID string, envelope []byte) error
}

// Roster supplies the known-peer list, satisfied by state.PeerTable.
type Roster interface {
	IDs() []string
}

// EventKind classifies chat events delivered to subscribers.
type EventKind string

const (
	EventMessage   EventKind = "message"
	EventTyping    EventKind = "typing"
	EventFileOffer EventKind = "file-offer"
)

// Event is fanned out to subscribers for every admitted inbound item and
// every outgoing message.
type Event struct {
	Kind    EventKind        `json:"kind"`
	From    string           `json:"from"`
	Message *Message         `json:"message,omitempty"`
	Typing  bool             `json:"typing,omitempty"`
	Offer   *proto.FileOffer `json:"offer,omitempty"`
}

// Manager owns the recently-seen id set and the message history for one
// room. Both are mutated only through its operations.
type Manager struct {
	selfID string
	direct Direct
	relay  Relay
	roster Roster

	seen    *util.SeenSet
	history *history

	mu        sync.RWMutex
	listeners []chan Event
}

func New(selfID string, direct Direct, relay Relay, roster Roster) *Manager {
	return &Manager{
		selfID:  selfID,
		direct:  direct,
		relay:   relay,
		roster:  roster,
		seen:    util.NewSeenSet(seenCap),
		history: newHistory(historyCap),
	}
}

// Send assigns a fresh message ID and delivers text to the room: direct to
// every peer with a connected session, relay when anyone is out of direct
// reach. Receiver-side dedup absorbs the overlap.
func (m *Manager) Send(ctx context.Context, text string) (*Message, error) {
	msg := newMessage(m.selfID, text)

	envelope, err := proto.Encode(m.selfID, proto.Chat{MessageID: msg.ID, Text: text})
	if err != nil {
		return nil, err
	}

	// Our own ID goes into the seen set up front so a relay echo of our
	// message is dropped on arrival.
	m.seen.Admit(msg.ID)

	directCount := 0
	for _, peerID := range m.direct.ConnectedPeers() {
		if err := m.direct.Send(peerID, envelope); err == nil {
			directCount++
		} else {
			log.Debugf("direct send to %s: %v", peerID, err)
		}
	}

	known := len(m.roster.IDs())
	needRelay := directCount < known || known == 0

	switch {
	case directCount > 0 && !needRelay:
		msg.Path = PathDirect
	case directCount > 0:
		msg.Path = PathDirect
		if err := m.relay.SendRelay(ctx, m.selfID, envelope); err != nil {
			log.Warnf("relay send: %v", err)
		}
	default:
		msg.Path = PathRelay
		if err := m.relay.SendRelay(ctx, m.selfID, envelope); err != nil {
			return nil, fmt.Errorf("no direct session and relay failed: %w", err)
		}
	}

	m.history.add(msg)
	m.notify(Event{Kind: EventMessage, From: m.selfID, Message: msg})

	log.Debugf("sent %s via %s (%d direct)", msg.ID, msg.Path, directCount)
	return msg, nil
}

// SendTyping sends a typing indicator. Same path preference as messages but
// idempotent by nature: no dedup on receipt, no retry, errors ignored.
func (m *Manager) SendTyping(ctx context.Context, active bool) {
	envelope, err := proto.Encode(m.selfID, proto.Typing{Active: active})
	if err != nil {
		return
	}
	sent := 0
	for _, peerID := range m.direct.ConnectedPeers() {
		if err := m.direct.Send(peerID, envelope); err == nil {
			sent++
		}
	}
	if sent == 0 {
		_ = m.relay.SendRelay(ctx, m.selfID, envelope)
	}
}

// SendFileOffer announces a file over the same dual-path rule. Chunk
// transfer happens outside the core.
func (m *Manager) SendFileOffer(ctx context.Context, name string, size int64, chunks int) (*proto.FileOffer, error) {
	offer := proto.FileOffer{
		MessageID: util.NewID(),
		Name:      name,
		Size:      size,
		Chunks:    chunks,
	}
	envelope, err := proto.Encode(m.selfID, offer)
	if err != nil {
		return nil, err
	}
	m.seen.Admit(offer.MessageID)

	sent := 0
	for _, peerID := range m.direct.ConnectedPeers() {
		if err := m.direct.Send(peerID, envelope); err == nil {
			sent++
		}
	}
	if sent == 0 {
		if err := m.relay.SendRelay(ctx, m.selfID, envelope); err != nil {
			return nil, fmt.Errorf("no direct session and relay failed: %w", err)
		}
	}
	return &offer, nil
}

// Receive admits one inbound chat message. Returns false when the message
// ID was already seen — the duplicate is dropped silently.
func (m *Manager) Receive(from string, c proto.Chat, path DeliveryPath) bool {
	if c.MessageID == "" || !m.seen.Admit(c.MessageID) {
		return false
	}

	msg := &Message{
		ID:        c.MessageID,
		From:      from,
		Text:      c.Text,
		CreatedAt: time.Now().UnixMilli(),
		Path:      path,
	}
	m.history.add(msg)
	m.notify(Event{Kind: EventMessage, From: from, Message: msg})
	return true
}

// ReceiveTyping forwards a typing indicator. Exempt from dedup.
func (m *Manager) ReceiveTyping(from string, t proto.Typing) {
	m.notify(Event{Kind: EventTyping, From: from, Typing: t.Active})
}

// ReceiveFileOffer admits an inbound file offer, deduplicated like a
// message.
func (m *Manager) ReceiveFileOffer(from string, offer proto.FileOffer) bool {
	if offer.MessageID == "" || !m.seen.Admit(offer.MessageID) {
		return false
	}
	m.notify(Event{Kind: EventFileOffer, From: from, Offer: &offer})
	return true
}

// History returns the buffered messages, oldest first.
func (m *Manager) History() []*Message {
	return m.history.list()
}

// Subscribe returns a channel that receives chat events.
func (m *Manager) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(evt Event) {
	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- evt:
		default:
			// Listener buffer full, skip
		}
	}
	m.mu.RUnlock()
}

// Close shuts down the chat manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil
}
