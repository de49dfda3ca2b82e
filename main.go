package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ranbirkapoor-1/p2p/internal/app"
	"github.com/ranbirkapoor-1/p2p/internal/call"
	"github.com/ranbirkapoor-1/p2p/internal/chat"
	"github.com/ranbirkapoor-1/p2p/internal/config"
	"github.com/ranbirkapoor-1/p2p/internal/health"
)

var (
	cfgPath  = flag.String("config", "p2p.json", "Path to the config file (created with defaults if missing)")
	roomID   = flag.String("room", "", "Override room id from config")
	name     = flag.String("name", "", "Override display name from config")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("p2p v%s\n", appVersion)
		return
	}
	if *showHelp {
		flag.Usage()
		return
	}

	absCfg, err := filepath.Abs(*cfgPath)
	if err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, created, err := config.Ensure(absCfg)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s — edit it and restart if needed.\n", absCfg)
	}
	if *roomID != "" {
		cfg.Room.RoomID = *roomID
	}
	if *name != "" {
		cfg.Room.DisplayName = *name
	}

	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nLeaving...")
		cancel()
	}()

	if err := run(ctx, cfg, absCfg); err != nil {
		log.Fatalf("p2p: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, cfgPath string) error {
	a, err := app.New(cfg, cfgPath, call.NopSource{}, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Join(ctx); err != nil {
		return err
	}
	defer func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = a.Leave(leaveCtx)
		leaveCancel()
	}()

	fmt.Printf("Joined %q as %s (%s). Type a message, or /help for commands.\n",
		cfg.Room.RoomID, cfg.Room.DisplayName, a.SelfID())

	ui := &console{app: a}
	go ui.pumpEvents(ctx)
	go ui.pumpHealth(ctx)

	return ui.readLoop(ctx)
}

// console is the line-oriented terminal frontend.
type console struct {
	app *app.App

	mu     sync.Mutex
	invite *call.Invite // most recent unanswered invite
}

// pumpEvents renders chat and call events. The app-level subscription is
// stable across reconnects, including a fresh-identity rebuild.
func (c *console) pumpEvents(ctx context.Context) {
	events, cancel := c.app.Events()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch {
			case evt.Chat != nil:
				c.renderChat(evt.Chat)
			case evt.Call != nil:
				c.renderCall(evt.Call)
			}
		}
	}
}

func (c *console) renderChat(evt *chat.Event) {
	switch evt.Kind {
	case chat.EventMessage:
		if evt.Message.Outgoing {
			return
		}
		fmt.Printf("[%s] %s  (%s)\n", shortID(evt.From), evt.Message.Text, evt.Message.Path)
	case chat.EventTyping:
		if evt.Typing {
			fmt.Printf("… %s is typing\n", shortID(evt.From))
		}
	case chat.EventFileOffer:
		fmt.Printf("[%s] offers file %s (%d bytes)\n", shortID(evt.From), evt.Offer.Name, evt.Offer.Size)
	}
}

func (c *console) renderCall(evt *call.Event) {
	switch evt.Kind {
	case call.EventIncoming:
		c.mu.Lock()
		c.invite = evt.Invite
		c.mu.Unlock()
		fmt.Printf("Incoming call from %s (%d participants). /answer or /reject\n",
			shortID(evt.PeerID), len(evt.Invite.Participants))
	case call.EventStarted:
		fmt.Println("Call started.")
	case call.EventParticipantJoined:
		fmt.Printf("%s joined the call.\n", shortID(evt.PeerID))
	case call.EventParticipantLeft:
		fmt.Printf("%s left the call.\n", shortID(evt.PeerID))
	case call.EventRejected:
		fmt.Printf("%s rejected the call.\n", shortID(evt.PeerID))
	case call.EventRingTimeout:
		fmt.Println("No answer.")
	case call.EventEnded:
		fmt.Println("Call ended.")
	}
}

func (c *console) pumpHealth(ctx context.Context) {
	updates, cancel := c.app.Health().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u.Status {
			case health.StatusReconnecting:
				fmt.Printf("Connection lost, reconnecting (attempt %d)...\n", u.Attempt)
			case health.StatusFailed:
				fmt.Println("Reconnection failed. /retry to try again.")
			}
		}
	}
}

func (c *console) readLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, line); quit {
				return nil
			}
			continue
		}
		if _, err := c.app.SendMessage(ctx, line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
	return scanner.Err()
}

// command handles one slash command; returns true on /quit.
func (c *console) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println(`Commands:
  /peers              list room participants
  /status             connectivity status
  /call <id> [<id>…]  start a call with the given peers
  /answer             accept the pending call invite
  /reject             decline the pending call invite
  /hangup             leave the current call
  /mute | /unmute     toggle local audio
  /bg | /fg           simulate backgrounding the process
  /retry              retry after reconnection gave up
  /quit               leave the room and exit`)

	case "/peers":
		snapshot := c.app.Peers().Snapshot()
		if len(snapshot) == 0 {
			fmt.Println("No one else here.")
			break
		}
		for id, p := range snapshot {
			marker := " "
			if p.Reachable {
				marker = "*"
			}
			fmt.Printf("%s %s  %s\n", marker, shortID(id), p.DisplayName)
		}

	case "/status":
		known, connected := c.app.Peers().Counts()
		fmt.Printf("%s (%d/%d peers direct, health: %s)\n",
			c.app.Status(), connected, known, c.app.Health().Status())

	case "/call":
		if len(fields) < 2 {
			fmt.Println("Usage: /call <peer-id> [<peer-id>…]")
			break
		}
		targets := c.resolvePeers(fields[1:])
		if len(targets) == 0 {
			break
		}
		if _, err := c.app.StartCall(ctx, targets, false); err != nil {
			fmt.Printf("call failed: %v\n", err)
		}

	case "/answer":
		iv := c.takeInvite()
		if iv == nil {
			fmt.Println("No pending invite.")
			break
		}
		if _, err := iv.Accept(ctx); err != nil {
			fmt.Printf("answer failed: %v\n", err)
		}

	case "/reject":
		iv := c.takeInvite()
		if iv == nil {
			fmt.Println("No pending invite.")
			break
		}
		iv.Reject(ctx)

	case "/hangup":
		if err := c.app.Hangup(ctx); err != nil {
			fmt.Printf("hangup: %v\n", err)
		}

	case "/mute":
		if err := c.app.Calls().SetAudioMuted(ctx, true); err != nil {
			fmt.Printf("mute: %v\n", err)
		}
	case "/unmute":
		if err := c.app.Calls().SetAudioMuted(ctx, false); err != nil {
			fmt.Printf("unmute: %v\n", err)
		}

	case "/bg":
		c.app.SetBackgrounded(true)
	case "/fg":
		c.app.SetBackgrounded(false)

	case "/retry":
		c.app.Health().Retry()

	case "/quit":
		return true

	default:
		fmt.Printf("Unknown command %s (try /help)\n", fields[0])
	}
	return false
}

// resolvePeers matches id prefixes or display names against the roster.
func (c *console) resolvePeers(args []string) []string {
	snapshot := c.app.Peers().Snapshot()
	var out []string
	for _, arg := range args {
		found := ""
		for id, p := range snapshot {
			if strings.HasPrefix(id, arg) || p.DisplayName == arg {
				found = id
				break
			}
		}
		if found == "" {
			fmt.Printf("No peer matching %q.\n", arg)
			return nil
		}
		out = append(out, found)
	}
	return out
}

func (c *console) takeInvite() *call.Invite {
	c.mu.Lock()
	defer c.mu.Unlock()
	iv := c.invite
	c.invite = nil
	return iv
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
