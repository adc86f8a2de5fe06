package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tincan-im/tincan/internal/util"
)

type Config struct {
	Backend  Backend  `json:"backend"`
	Profile  Profile  `json:"profile"`
	Paths    Paths    `json:"paths"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
}

type Backend struct {
	// Base URL of the backend project, e.g. "https://abc.supabase.co"
	// or "http://127.0.0.1:54321" for a local dev stack.
	URL string `json:"url"`

	// Public API key sent as the "apikey" header on every request.
	AnonKey string `json:"anon_key"`

	// User access token (JWT) sent as the Authorization bearer. Obtaining
	// tokens is out of scope here; paste one from the auth flow of choice.
	AccessToken string `json:"access_token"`

	// UUID of the signed-in user. All stores filter and stamp rows with it.
	UserID string `json:"user_id"`
}

type Profile struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type Paths struct {
	DataDir   string `json:"data_dir"`
	CacheDB   string `json:"cache_db"`
	OutboxDir string `json:"outbox_dir"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`
	TTLSec       int `json:"ttl_seconds"`
}

type Call struct {
	// STUN/TURN URLs handed to the peer connection.
	ICEServers []string `json:"ice_servers"`

	// Hang up automatically if nobody answers (seconds, 0 = never).
	RingTimeoutSec int `json:"ring_timeout_seconds"`
}

type Viewer struct {
	HTTPAddr      string `json:"http_addr"`
	Debug         bool   `json:"debug"`
	Theme         string `json:"theme"`
	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"` // Disable video capture (e.g., headless boxes)
}

// DefaultICEServers mirrors the STUN set the hosted clients use.
func DefaultICEServers() []string {
	return []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
		"stun:stun3.l.google.com:19302",
		"stun:stun4.l.google.com:19302",
	}
}

func Default() Config {
	return Config{
		Backend: Backend{
			URL: "http://127.0.0.1:54321",
		},
		Profile: Profile{
			Username: "hello",
		},
		Paths: Paths{
			DataDir:   "data",
			CacheDB:   "data/cache.db",
			OutboxDir: "outbox",
		},
		Presence: Presence{
			HeartbeatSec: 30,
			TTLSec:       90,
		},
		Call: Call{
			ICEServers:     DefaultICEServers(),
			RingTimeoutSec: 60,
		},
		Viewer: Viewer{
			HTTPAddr: "",
			Debug:    false,
			Theme:    "dark",
		},
	}
}

func (c *Config) Validate() error {
	// Backend
	u := strings.TrimSpace(c.Backend.URL)
	if u == "" {
		return errors.New("backend.url is required")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("backend.url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("backend.url scheme must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("backend.url is missing a host")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.CacheDB) == "" {
		return errors.New("paths.cache_db is required")
	}
	if strings.TrimSpace(c.Paths.OutboxDir) == "" {
		return errors.New("paths.outbox_dir is required")
	}

	// Presence
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Call
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must not be empty")
	}
	for _, s := range c.Call.ICEServers {
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") &&
			!strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", s)
		}
	}
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
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

// LoadPartial reads a config file without validation. Useful for reading
// individual fields (like viewer.http_addr) when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
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
