// Package rendezvous is the client for the external presence/relay service.
// The core needs exactly three things from it: publish presence, send a
// signal to a peer's mailbox, and subscribe to its own mailbox. Presence and
// mailbox data live on the service; the service removes a participant's
// presence on disconnect, so clean-exit removal here is best effort only.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rendezvous")

// PresenceRecord is one entry of the room presence map.
type PresenceRecord struct {
	DisplayName string `json:"display_name"`
	JoinedAt    int64  `json:"joined_at"`
}

// Entry is one mailbox item: a write-once, delete-after-read envelope. The
// service may deliver the same entry twice before the ack lands — consumers
// must be idempotent.
type Entry struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
	SentAt  int64           `json:"sent_at"`
}

// ack is the frame sent back over the mailbox websocket to delete an entry.
type ack struct {
	Ack string `json:"ack"`
}

type Client struct {
	baseURL string
	roomID  string
	http    *http.Client

	online atomic.Bool
}

func NewClient(baseURL, roomID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		roomID:  roomID,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Online reports whether the mailbox subscription is currently established.
// The health monitor treats false as "signaling channel offline".
func (c *Client) Online() bool { return c.online.Load() }

func (c *Client) roomPath(parts ...string) string {
	p := c.baseURL + "/rooms/" + url.PathEscape(c.roomID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, u string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %s", method, u, resp.Status)
	}
	return nil
}

// PublishPresence announces (or refreshes) this participant in the room.
func (c *Client) PublishPresence(ctx context.Context, selfID, displayName string) error {
	return c.do(ctx, http.MethodPut, c.roomPath("presence", selfID), PresenceRecord{
		DisplayName: displayName,
		JoinedAt:    time.Now().UnixMilli(),
	})
}

// RemovePresence deletes this participant's presence record. Best effort:
// the service's on-disconnect cleanup is the authoritative removal path.
func (c *Client) RemovePresence(ctx context.Context, selfID string) error {
	return c.do(ctx, http.MethodDelete, c.roomPath("presence", selfID), nil)
}

// PurgeMailbox deletes every pending entry in a participant's mailbox. Used
// when a fresh identity is issued during reconnection, to clear the old
// identity's ghost entries.
func (c *Client) PurgeMailbox(ctx context.Context, participantID string) error {
	return c.do(ctx, http.MethodDelete, c.roomPath("mailbox", participantID), nil)
}

// Roster fetches the current presence map for the room.
func (c *Client) Roster(ctx context.Context) (map[string]PresenceRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.roomPath("presence"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("roster: status %s", resp.Status)
	}
	var out map[string]PresenceRecord
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendSignal appends an encoded envelope to one peer's mailbox.
func (c *Client) SendSignal(ctx context.Context, selfID, to string, envelope []byte) error {
	return c.do(ctx, http.MethodPost, c.roomPath("mailbox", to), Entry{
		From:    selfID,
		Payload: envelope,
		SentAt:  time.Now().UnixMilli(),
	})
}

// SendRelay fans an encoded envelope out to every other room member's
// mailbox. This is the fallback delivery path for application messages.
func (c *Client) SendRelay(ctx context.Context, selfID string, envelope []byte) error {
	return c.do(ctx, http.MethodPost, c.roomPath("relay"), Entry{
		From:    selfID,
		Payload: envelope,
		SentAt:  time.Now().UnixMilli(),
	})
}

// Subscribe opens the mailbox websocket for selfID and calls onEntry for
// each delivered entry, acking (deleting) it afterwards. It reconnects with
// a doubling backoff until ctx is cancelled. Blocks; run it on its own
// goroutine.
func (c *Client) Subscribe(ctx context.Context, selfID string, onEntry func(Entry)) {
	backoff := 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.subscribeOnce(ctx, selfID, onEntry); err != nil && ctx.Err() == nil {
			log.Debugf("mailbox stream closed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) subscribeOnce(ctx context.Context, selfID string, onEntry func(Entry)) error {
	wsURL, err := c.mailboxWSURL(selfID)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return err
	}
	defer conn.Close()

	c.online.Store(true)
	defer c.online.Store(false)
	log.Infof("mailbox subscribed for %s", selfID)

	// Close the socket when ctx is cancelled so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var e Entry
		if err := conn.ReadJSON(&e); err != nil {
			return err
		}
		if e.ID == "" {
			continue
		}
		onEntry(e)
		// Ack after processing: at-most-once consumption. If the ack is
		// lost the service redelivers and the consumer's idempotence
		// absorbs the duplicate.
		if err := conn.WriteJSON(ack{Ack: e.ID}); err != nil {
			return err
		}
	}
}

func (c *Client) mailboxWSURL(selfID string) (string, error) {
	u, err := url.Parse(c.roomPath("mailbox", selfID) + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
