// Package app is the per-room orchestrator. It owns the identity, the peer
// table, the session manager, the chat and call layers, and the health
// monitor, and it is the single place where inbound envelopes are decoded
// and dispatched. Everything below it is mechanism; this is policy.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/ranbirkapoor-1/p2p/internal/call"
	"github.com/ranbirkapoor-1/p2p/internal/chat"
	"github.com/ranbirkapoor-1/p2p/internal/config"
	"github.com/ranbirkapoor-1/p2p/internal/health"
	"github.com/ranbirkapoor-1/p2p/internal/proto"
	"github.com/ranbirkapoor-1/p2p/internal/rendezvous"
	"github.com/ranbirkapoor-1/p2p/internal/session"
	"github.com/ranbirkapoor-1/p2p/internal/state"
	"github.com/ranbirkapoor-1/p2p/internal/storage"
	"github.com/ranbirkapoor-1/p2p/internal/util"
)

var log = logging.Logger("app")

var (
	ErrAlreadyJoined = errors.New("already joined a room")
	ErrNotJoined     = errors.New("not joined")

	// ErrRoomFull rejects a join that would push the room over its
	// participant ceiling. Checked before presence is published.
	ErrRoomFull = errors.New("room is full")
)

const (
	presenceInterval = 10 * time.Second
	presenceTTL      = 30 * time.Second
	offlineGrace     = 5 * time.Minute

	reconnectSettle = 10 * time.Second
)

// App wires one room. Construct with New, then Join.
type App struct {
	cfg     config.Config
	cfgPath string // watched for live ICE updates; empty disables the watch
	source  call.MediaSource
	sink    call.MediaSink

	rv      *rendezvous.Client
	peers   *state.PeerTable
	db      *storage.DB // nil when persistence is disabled
	monitor *health.Monitor

	mu           sync.Mutex
	selfID       string
	sessions     *session.Manager
	chat         *chat.Manager
	calls        *call.Manager
	stackCancel  context.CancelFunc // mailbox subscription + event pump
	joined       bool
	backgrounded bool
	bgTimer      *time.Timer

	runCtx    context.Context
	runCancel context.CancelFunc

	subMu sync.RWMutex
	subs  map[chan Event]struct{}
}

// Event is one orchestrator event: exactly one of Chat or Call is set.
// Unlike the per-manager subscriptions, this surface is stable across a
// fresh-identity rebuild — subscribers keep receiving from whichever
// managers are current.
type Event struct {
	Chat *chat.Event
	Call *call.Event
}

// New builds the orchestrator for one room. Nothing connects until Join.
// cfgPath, when non-empty, is watched for live ICE server updates.
func New(cfg config.Config, cfgPath string, source call.MediaSource, sink call.MediaSink) (*App, error) {
	a := &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		source:  source,
		sink:    sink,
		rv:      rendezvous.NewClient(cfg.Room.RendezvousURL, cfg.Room.RoomID),
		peers:   state.NewPeerTable(),
		subs:    make(map[chan Event]struct{}),
	}

	if cfg.Storage.DataDir != "" {
		db, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.db = db
	}

	a.monitor = health.New(a, health.Config{
		CheckInterval:  cfg.Health.CheckInterval(),
		ConfirmDelay:   cfg.Health.ConfirmDelay(),
		AutoDelay:      cfg.Health.AutoDelay(),
		Attempts:       cfg.Health.ReconnectAttempts,
		BackoffInitial: cfg.Health.BackoffInitial(),
		BackoffMax:     cfg.Health.BackoffMax(),
	})

	a.buildStack(util.NewID())
	return a, nil
}

// buildStack constructs the identity-bound components: session manager, chat
// layer, call layer. Called at startup and again when reconnection issues a
// fresh identity.
func (a *App) buildStack(selfID string) {
	sessCfg := a.sessionConfig()

	sessions := session.New(selfID, "", a.rv, sessCfg)
	chatMgr := chat.New(selfID, sessions, a.rv, a.peers)

	var rec call.Recorder
	if a.db != nil {
		rec = a.db
	}
	calls := call.New(selfID, a.rv, a.source, a.sink, rec, call.Config{
		MaxParticipants: a.cfg.Room.MaxParticipants,
		RingTimeout:     time.Duration(a.cfg.Call.RingTimeoutSec) * time.Second,
		SessionConfig:   sessCfg,
	})

	// Subscribed before the swap so nothing dispatched to the new managers
	// can slip past the forwarders.
	chatEvents := chatMgr.Subscribe()
	callEvents, callCancel := calls.Subscribe()
	go a.forwardChat(chatEvents)
	go a.forwardCalls(callEvents, callCancel)

	a.mu.Lock()
	oldChat, oldCalls := a.chat, a.calls
	a.selfID = selfID
	a.sessions = sessions
	a.chat = chatMgr
	a.calls = calls
	a.mu.Unlock()

	// The replaced managers still hold listener channels and, for calls,
	// timers. Closing them ends their forwarders.
	if oldChat != nil {
		oldChat.Close()
	}
	if oldCalls != nil {
		oldCalls.Close()
	}
}

// forwardChat pumps one chat manager's events to the app-level subscribers.
// Ends when the manager is closed, i.e. when a rebuild replaces it.
func (a *App) forwardChat(events <-chan chat.Event) {
	for evt := range events {
		a.publishEvent(Event{Chat: &evt})
	}
}

func (a *App) forwardCalls(events chan call.Event, cancel func()) {
	defer cancel()
	for evt := range events {
		a.publishEvent(Event{Call: &evt})
	}
}

// Events returns a channel of chat and call events and a cancel func. The
// subscription survives Reconnect, including a fresh-identity rebuild.
func (a *App) Events() (chan Event, func()) {
	ch := make(chan Event, 32)
	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()
	cancel := func() {
		a.subMu.Lock()
		if _, ok := a.subs[ch]; ok {
			delete(a.subs, ch)
			close(ch)
		}
		a.subMu.Unlock()
	}
	return ch, cancel
}

func (a *App) publishEvent(evt Event) {
	a.subMu.RLock()
	for ch := range a.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	a.subMu.RUnlock()
}

func (a *App) sessionConfig() session.Config {
	t := a.cfg.Transport
	return session.Config{
		ICEServers:      iceServers(t.ICEServers),
		DisconnectGrace: t.DisconnectGrace(),
		BackgroundGrace: t.BackgroundDisconnectGrace(),
		JoinAttempts:    t.JoinAttempts,
		JoinRetryPause:  t.JoinRetryPause(),
		JoinObserve:     t.JoinObserve(),
		JoinJitterMax:   t.JoinJitterMax(),
	}
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

func (a *App) SelfID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

func (a *App) Chat() *chat.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chat
}

func (a *App) Calls() *call.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *App) Peers() *state.PeerTable { return a.peers }
func (a *App) Health() *health.Monitor { return a.monitor }
func (a *App) Store() *storage.DB      { return a.db }

// Status derives the user-facing connectivity line from the peer counts.
func (a *App) Status() string {
	known, connected := a.peers.Counts()
	return StatusLine(known, connected)
}

// StatusLine maps (known peers, connected sessions) to a status string. Pure
// so the mapping is trivially testable.
func StatusLine(known, connected int) string {
	switch {
	case known == 0:
		return "alone"
	case connected == 0:
		return "connecting"
	case connected < known:
		return "degraded"
	default:
		return "connected"
	}
}

// ─── Join / Leave ────────────────────────────────────────────────────────────

// Join enters the room: checks capacity, publishes presence, subscribes the
// mailbox, starts the health monitor, and opens sessions toward everyone
// already present.
func (a *App) Join(ctx context.Context) error {
	a.mu.Lock()
	if a.joined {
		a.mu.Unlock()
		return ErrAlreadyJoined
	}
	a.mu.Unlock()

	roster, err := a.rv.Roster(ctx)
	if err != nil {
		return fmt.Errorf("fetch roster: %w", err)
	}
	if len(roster)+1 > a.cfg.Room.MaxParticipants {
		return fmt.Errorf("%w: %d present, limit %d", ErrRoomFull, len(roster), a.cfg.Room.MaxParticipants)
	}

	selfID := a.SelfID()
	if err := a.rv.PublishPresence(ctx, selfID, a.cfg.Room.DisplayName); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.joined = true
	a.runCtx = runCtx
	a.runCancel = runCancel
	a.mu.Unlock()

	a.startStack(runCtx)
	go a.presenceLoop(runCtx)
	go a.monitor.Run(runCtx)

	if a.cfgPath != "" {
		if err := config.Watch(runCtx, a.cfgPath, a.onConfigChange); err != nil {
			log.Warnf("config watch disabled: %v", err)
		}
	}

	// Dial everyone already in the room. We are the newcomer here, so no
	// jitter — the jitter belongs to the existing members reacting to us.
	for id, rec := range roster {
		a.learnPeer(runCtx, id, rec, false)
	}

	log.Infof("joined room %s as %s (%d already present)", a.cfg.Room.RoomID, selfID, len(roster))
	return nil
}

// startStack wires the current identity's mailbox subscription and session
// event pump under ctx, replacing any previous wiring.
func (a *App) startStack(parent context.Context) {
	a.mu.Lock()
	if a.stackCancel != nil {
		a.stackCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	a.stackCancel = cancel
	selfID := a.selfID
	sessions := a.sessions
	a.mu.Unlock()

	go a.rv.Subscribe(ctx, selfID, func(e rendezvous.Entry) {
		a.handleEnvelope(ctx, e.Payload, chat.PathRelay)
	})

	events, unsub := sessions.Subscribe()
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				a.handleSessionEvent(ctx, evt)
			}
		}
	}()
}

func (a *App) handleSessionEvent(ctx context.Context, evt session.Event) {
	switch evt.Type {
	case session.EventPeerConnected:
		a.peers.SetReachable(evt.PeerID, true)
		if a.db != nil {
			if err := a.db.TouchPeer(evt.PeerID); err != nil {
				log.Debugf("touch peer: %v", err)
			}
		}
	case session.EventPeerDisconnected:
		a.peers.SetReachable(evt.PeerID, false)
	case session.EventJoinFailed:
		log.Warnf("join protocol to %s exhausted; relay remains available", evt.PeerID)
	case session.EventMessage:
		a.handleEnvelope(ctx, evt.Data, chat.PathDirect)
	}
}

// handleEnvelope is the single decode point for inbound data, whichever path
// delivered it. Unknown types and malformed payloads are dropped here.
func (a *App) handleEnvelope(ctx context.Context, data []byte, path chat.DeliveryPath) {
	env, msg, err := proto.Decode(data)
	if err != nil {
		log.Debugf("bad envelope dropped: %v", err)
		return
	}
	if msg == nil || env.From == "" || env.From == a.SelfID() {
		return
	}

	a.mu.Lock()
	sessions, chatMgr, calls := a.sessions, a.chat, a.calls
	a.mu.Unlock()

	switch m := msg.(type) {
	case proto.Signal:
		if m.Scope == "" {
			sessions.HandleSignal(ctx, env.From, m)
		} else {
			calls.HandleSignal(ctx, env.From, m)
		}
	case proto.Chat:
		chatMgr.Receive(env.From, m, path)
	case proto.Typing:
		chatMgr.ReceiveTyping(env.From, m)
	case proto.FileOffer:
		chatMgr.ReceiveFileOffer(env.From, m)
	case proto.CallControl:
		calls.HandleCallControl(ctx, env.From, m)
	case proto.GroupCall:
		calls.HandleGroupControl(ctx, env.From, m)
	}
}

// Leave exits the room: hangs up any call, tears down sessions, removes
// presence (best effort) and stops the background loops.
func (a *App) Leave(ctx context.Context) error {
	a.mu.Lock()
	if !a.joined {
		a.mu.Unlock()
		return ErrNotJoined
	}
	a.joined = false
	runCancel := a.runCancel
	sessions := a.sessions
	calls := a.calls
	selfID := a.selfID
	if a.bgTimer != nil {
		a.bgTimer.Stop()
		a.bgTimer = nil
	}
	a.mu.Unlock()

	if err := calls.Hangup(ctx); err != nil && !errors.Is(err, call.ErrNoCall) {
		log.Debugf("hangup on leave: %v", err)
	}
	sessions.CloseAll()

	if err := a.rv.RemovePresence(ctx, selfID); err != nil {
		log.Debugf("remove presence: %v", err)
	}
	runCancel()
	log.Infof("left room %s", a.cfg.Room.RoomID)
	return nil
}

// Close releases everything the app holds.
func (a *App) Close() {
	a.mu.Lock()
	joined := a.joined
	a.mu.Unlock()
	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		_ = a.Leave(ctx)
		cancel()
	}

	a.Calls().Close()
	a.Chat().Close()

	a.subMu.Lock()
	for ch := range a.subs {
		close(ch)
	}
	a.subs = make(map[chan Event]struct{})
	a.subMu.Unlock()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Debugf("close storage: %v", err)
		}
	}
}

// ─── Presence loop ───────────────────────────────────────────────────────────

func (a *App) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		selfID := a.SelfID()
		if err := a.rv.PublishPresence(ctx, selfID, a.cfg.Room.DisplayName); err != nil {
			log.Debugf("presence refresh: %v", err)
		}

		roster, err := a.rv.Roster(ctx)
		if err != nil {
			log.Debugf("roster poll: %v", err)
			continue
		}
		for id, rec := range roster {
			// Peers that appear between polls get the late-joiner jitter so
			// the whole room doesn't storm them at once.
			a.learnPeer(ctx, id, rec, true)
		}

		now := time.Now()
		a.peers.PruneStale(now.Add(-presenceTTL), now.Add(-offlineGrace))
	}
}

// learnPeer records a roster entry and, when the election rule says we dial,
// kicks the join protocol toward it.
func (a *App) learnPeer(ctx context.Context, id string, rec rendezvous.PresenceRecord, lateJoiner bool) {
	selfID := a.SelfID()
	if id == selfID {
		return
	}

	_, known := a.peers.Get(id)
	a.peers.Upsert(id, rec.DisplayName, time.UnixMilli(rec.JoinedAt))
	if !known && a.db != nil {
		if err := a.db.UpsertPeer(id, rec.DisplayName, a.cfg.Room.RoomID); err != nil {
			log.Debugf("peer directory upsert: %v", err)
		}
	}

	a.mu.Lock()
	sessions := a.sessions
	a.mu.Unlock()
	sessions.MaybeConnect(ctx, id, lateJoiner)
}

// ─── Chat / call surface ─────────────────────────────────────────────────────

func (a *App) SendMessage(ctx context.Context, text string) (*chat.Message, error) {
	if !a.isJoined() {
		return nil, ErrNotJoined
	}
	return a.Chat().Send(ctx, text)
}

func (a *App) SendTyping(ctx context.Context, active bool) {
	if a.isJoined() {
		a.Chat().SendTyping(ctx, active)
	}
}

func (a *App) StartCall(ctx context.Context, targets []string, video bool) (*call.CallSession, error) {
	if !a.isJoined() {
		return nil, ErrNotJoined
	}
	return a.Calls().StartCall(ctx, targets, video)
}

func (a *App) StartDirectCall(ctx context.Context, peerID string, video bool) (string, error) {
	if !a.isJoined() {
		return "", ErrNotJoined
	}
	return a.Calls().StartDirectCall(ctx, peerID, video)
}

func (a *App) Hangup(ctx context.Context) error {
	return a.Calls().Hangup(ctx)
}

func (a *App) isJoined() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joined
}

// ─── Background handling ─────────────────────────────────────────────────────

// SetBackgrounded switches the whole stack between foreground and background
// schedules. Backgrounding never tears sessions down by itself: the session
// layer extends its disconnect grace, and health checks pause only after the
// configured threshold. Foregrounding resumes checks immediately and verifies
// that sessions survived the pause.
func (a *App) SetBackgrounded(backgrounded bool) {
	a.mu.Lock()
	if a.backgrounded == backgrounded {
		a.mu.Unlock()
		return
	}
	a.backgrounded = backgrounded
	sessions := a.sessions
	runCtx := a.runCtx
	if a.bgTimer != nil {
		a.bgTimer.Stop()
		a.bgTimer = nil
	}
	if backgrounded {
		a.bgTimer = time.AfterFunc(a.cfg.Health.BackgroundPause(), func() {
			a.monitor.SetPaused(true)
		})
	}
	a.mu.Unlock()

	sessions.SetBackgrounded(backgrounded)
	if !backgrounded {
		a.monitor.SetPaused(false)
		if runCtx != nil {
			go sessions.VerifyLiveness(runCtx)
		}
	}
	log.Infof("backgrounded=%v", backgrounded)
}

// ─── health.Room implementation ──────────────────────────────────────────────

func (a *App) SignalingOnline() bool { return a.rv.Online() }

func (a *App) KnownPeers() int {
	known, _ := a.peers.Counts()
	return known
}

func (a *App) ConnectedSessions() int {
	a.mu.Lock()
	sessions := a.sessions
	a.mu.Unlock()
	return sessions.ConnectedCount()
}

// Reconnect re-establishes signaling presence and re-opens sessions to known
// peers. With freshIdentity, the old identity is abandoned entirely: its
// mailbox is purged, a new ID is issued, and the identity-bound stack is
// rebuilt — the old presence record is left to expire server-side as a ghost
// we no longer answer to.
func (a *App) Reconnect(ctx context.Context, freshIdentity bool) error {
	a.mu.Lock()
	if !a.joined {
		a.mu.Unlock()
		return ErrNotJoined
	}
	runCtx := a.runCtx
	oldID := a.selfID
	a.mu.Unlock()

	if freshIdentity {
		if err := a.Calls().Hangup(ctx); err != nil && !errors.Is(err, call.ErrNoCall) {
			log.Debugf("hangup before identity rebuild: %v", err)
		}
		a.mu.Lock()
		a.sessions.CloseAll()
		a.mu.Unlock()

		if err := a.rv.PurgeMailbox(ctx, oldID); err != nil {
			log.Debugf("purge old mailbox: %v", err)
		}
		newID := util.NewID()
		log.Infof("fresh identity %s replaces %s", newID, oldID)
		a.buildStack(newID)
		a.startStack(runCtx)
	}

	selfID := a.SelfID()
	if err := a.rv.PublishPresence(ctx, selfID, a.cfg.Room.DisplayName); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}

	roster, err := a.rv.Roster(ctx)
	if err != nil {
		return fmt.Errorf("fetch roster: %w", err)
	}
	for id, rec := range roster {
		a.learnPeer(ctx, id, rec, false)
	}

	// Partial success is success: with peers present, one reconnected
	// session is enough. The degraded indicator covers the rest.
	if len(roster) == 0 || (len(roster) == 1 && hasKey(roster, selfID)) {
		return nil
	}
	deadline := time.Now().Add(reconnectSettle)
	for time.Now().Before(deadline) {
		if a.ConnectedSessions() > 0 {
			return nil
		}
		if err := util.Sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	return errors.New("no session re-established")
}

func hasKey(m map[string]rendezvous.PresenceRecord, k string) bool {
	_, ok := m[k]
	return ok
}

// ─── Config reload ───────────────────────────────────────────────────────────

// onConfigChange applies live-updatable fields. Only the ICE server list is
// honoured at runtime; everything else takes effect on restart.
func (a *App) onConfigChange(cfg config.Config) {
	a.mu.Lock()
	a.cfg.Transport.ICEServers = cfg.Transport.ICEServers
	sessions := a.sessions
	a.mu.Unlock()
	sessions.UpdateICEServers(iceServers(cfg.Transport.ICEServers))
	log.Infof("ICE server list updated (%d entries)", len(cfg.Transport.ICEServers))
}
