package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ranbirkapoor-1/p2p/internal/util"
)

type Config struct {
	Room      Room      `json:"room"`
	Transport Transport `json:"transport"`
	Health    Health    `json:"health"`
	Call      Call      `json:"call"`
	Storage   Storage   `json:"storage"`
	Log       Log       `json:"log"`
}

type Room struct {
	// Base URL of the rendezvous service, e.g. https://rv.example.org
	RendezvousURL string `json:"rendezvous_url"`

	// Room identifier shared by all participants.
	RoomID string `json:"room_id"`

	// Local display name announced with presence.
	DisplayName string `json:"display_name"`

	// Hard ceiling on mesh size. Joins and call invites that would exceed
	// this are rejected before any session is attempted.
	MaxParticipants int `json:"max_participants"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Transport struct {
	ICEServers []ICEServer `json:"ice_servers"`

	// Join protocol: attempts per peer, pause between attempts, and the
	// observation window in which an attempt must reach connected.
	JoinAttempts      int `json:"join_attempts"`
	JoinRetryPauseSec int `json:"join_retry_pause_sec"`
	JoinObserveSec    int `json:"join_observe_sec"`
	JoinJitterMaxMs   int `json:"join_jitter_max_ms"`

	// Grace before a disconnected session is declared lost, and the
	// extended grace applied while the process is backgrounded.
	DisconnectGraceSec           int `json:"disconnect_grace_sec"`
	BackgroundDisconnectGraceSec int `json:"background_disconnect_grace_sec"`
}

type Health struct {
	CheckIntervalSec int `json:"check_interval_sec"`
	ConfirmDelaySec  int `json:"confirm_delay_sec"`
	AutoDelaySec     int `json:"auto_delay_sec"`

	ReconnectAttempts  int `json:"reconnect_attempts"`
	BackoffInitialSec  int `json:"backoff_initial_sec"`
	BackoffMaxSec      int `json:"backoff_max_sec"`
	BackgroundPauseSec int `json:"background_pause_sec"`
}

type Call struct {
	// Ring timeout for unanswered invites.
	RingTimeoutSec int `json:"ring_timeout_sec"`
}

type Storage struct {
	// Directory for the local database. Empty disables persistence.
	DataDir string `json:"data_dir"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Room: Room{
			RendezvousURL:   "http://127.0.0.1:8787",
			RoomID:          "lobby",
			DisplayName:     "anonymous",
			MaxParticipants: 4,
		},
		Transport: Transport{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			JoinAttempts:                 3,
			JoinRetryPauseSec:            2,
			JoinObserveSec:               3,
			JoinJitterMaxMs:              1000,
			DisconnectGraceSec:           30,
			BackgroundDisconnectGraceSec: 300,
		},
		Health: Health{
			CheckIntervalSec:   5,
			ConfirmDelaySec:    2,
			AutoDelaySec:       5,
			ReconnectAttempts:  5,
			BackoffInitialSec:  1,
			BackoffMaxSec:      30,
			BackgroundPauseSec: 30,
		},
		Call: Call{
			RingTimeoutSec: 45,
		},
		Storage: Storage{
			DataDir: "data",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Room
	if err := validateRendezvousURL(c.Room.RendezvousURL); err != nil {
		return fmt.Errorf("room.rendezvous_url: %w", err)
	}
	if strings.TrimSpace(c.Room.RoomID) == "" {
		return errors.New("room.room_id is required")
	}
	if _, err := util.ValidateDisplayName(c.Room.DisplayName); err != nil {
		return fmt.Errorf("room.display_name: %w", err)
	}
	if c.Room.MaxParticipants < 2 || c.Room.MaxParticipants > 4 {
		return errors.New("room.max_participants must be 2..4")
	}

	// Transport
	if len(c.Transport.ICEServers) == 0 {
		return errors.New("transport.ice_servers must not be empty")
	}
	for _, s := range c.Transport.ICEServers {
		if len(s.URLs) == 0 {
			return errors.New("transport.ice_servers entries need at least one url")
		}
	}
	if c.Transport.JoinAttempts <= 0 {
		return errors.New("transport.join_attempts must be > 0")
	}
	if c.Transport.JoinRetryPauseSec <= 0 || c.Transport.JoinObserveSec <= 0 {
		return errors.New("transport join pause/observe must be > 0")
	}
	if c.Transport.JoinJitterMaxMs < 0 {
		return errors.New("transport.join_jitter_max_ms must be >= 0")
	}
	if c.Transport.DisconnectGraceSec <= 0 {
		return errors.New("transport.disconnect_grace_sec must be > 0")
	}
	if c.Transport.BackgroundDisconnectGraceSec < c.Transport.DisconnectGraceSec {
		return errors.New("transport.background_disconnect_grace_sec must be >= disconnect_grace_sec")
	}

	// Health
	if c.Health.CheckIntervalSec <= 0 {
		return errors.New("health.check_interval_sec must be > 0")
	}
	if c.Health.ConfirmDelaySec < 0 || c.Health.AutoDelaySec < 0 {
		return errors.New("health confirm/auto delays must be >= 0")
	}
	if c.Health.ReconnectAttempts <= 0 {
		return errors.New("health.reconnect_attempts must be > 0")
	}
	if c.Health.BackoffInitialSec <= 0 || c.Health.BackoffMaxSec < c.Health.BackoffInitialSec {
		return errors.New("health backoff schedule invalid")
	}
	if c.Health.BackgroundPauseSec <= 0 {
		return errors.New("health.background_pause_sec must be > 0")
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be > 0")
	}

	return nil
}

// Durations derived from the integer-second fields.

func (t Transport) DisconnectGrace() time.Duration {
	return time.Duration(t.DisconnectGraceSec) * time.Second
}

func (t Transport) BackgroundDisconnectGrace() time.Duration {
	return time.Duration(t.BackgroundDisconnectGraceSec) * time.Second
}

func (t Transport) JoinRetryPause() time.Duration {
	return time.Duration(t.JoinRetryPauseSec) * time.Second
}

func (t Transport) JoinObserve() time.Duration {
	return time.Duration(t.JoinObserveSec) * time.Second
}

func (t Transport) JoinJitterMax() time.Duration {
	return time.Duration(t.JoinJitterMaxMs) * time.Millisecond
}

func (h Health) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalSec) * time.Second
}

func (h Health) ConfirmDelay() time.Duration {
	return time.Duration(h.ConfirmDelaySec) * time.Second
}

func (h Health) AutoDelay() time.Duration {
	return time.Duration(h.AutoDelaySec) * time.Second
}

func (h Health) BackoffInitial() time.Duration {
	return time.Duration(h.BackoffInitialSec) * time.Second
}

func (h Health) BackoffMax() time.Duration {
	return time.Duration(h.BackoffMaxSec) * time.Second
}

func (h Health) BackgroundPause() time.Duration {
	return time.Duration(h.BackgroundPauseSec) * time.Second
}

func validateRendezvousURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
