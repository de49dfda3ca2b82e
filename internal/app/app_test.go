package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ranbirkapoor-1/p2p/internal/call"
	"github.com/ranbirkapoor-1/p2p/internal/chat"
	"github.com/ranbirkapoor-1/p2p/internal/config"
	"github.com/ranbirkapoor-1/p2p/internal/proto"
)

// newStubRendezvous serves just enough of the rendezvous surface for the
// orchestrator to join and reconnect: an empty roster and 2xx for presence
// and mailbox writes. The websocket mailbox is not served; the subscribe
// loop keeps retrying in the background, which the app tolerates.
func newStubRendezvous(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	srv := newStubRendezvous(t)

	cfg := config.Default()
	cfg.Room.RendezvousURL = srv.URL
	cfg.Room.RoomID = "room-1"
	cfg.Room.DisplayName = "tester"
	cfg.Storage.DataDir = ""

	a, err := New(cfg, "", call.NopSource{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestEventsSurviveFreshIdentityRebuild(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	if err := a.Join(ctx); err != nil {
		t.Fatal(err)
	}

	events, cancel := a.Events()
	defer cancel()

	oldID := a.SelfID()
	if err := a.Reconnect(ctx, true); err != nil {
		t.Fatal(err)
	}
	if a.SelfID() == oldID {
		t.Fatal("fresh reconnect must issue a new identity")
	}

	// A message arriving after the rebuild must reach the subscriber taken
	// before it.
	envelope, err := proto.Encode("peer-x", proto.Chat{MessageID: "m1", Text: "still here"})
	if err != nil {
		t.Fatal(err)
	}
	a.handleEnvelope(ctx, envelope, chat.PathRelay)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Chat != nil && evt.Chat.Kind == chat.EventMessage {
				if evt.Chat.Message.Text != "still here" {
					t.Fatalf("message = %+v", evt.Chat.Message)
				}
				return
			}
		case <-deadline:
			t.Fatal("no chat event reached the pre-rebuild subscriber")
		}
	}
}

func TestRebuildClosesReplacedManagers(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	if err := a.Join(ctx); err != nil {
		t.Fatal(err)
	}

	oldChatEvents := a.Chat().Subscribe()
	if err := a.Reconnect(ctx, true); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-oldChatEvents:
		if ok {
			t.Fatal("replaced manager must not keep delivering")
		}
	case <-time.After(time.Second):
		t.Fatal("replaced chat manager was not closed")
	}
}
