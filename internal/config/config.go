package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/huddle/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Backend  Backend  `json:"backend"`
	Events   Events   `json:"events"`
	Media    Media    `json:"media"`
	Storage  Storage  `json:"storage"`
}

type Identity struct {
	// DisplayName is shown to other participants.
	DisplayName string `json:"display_name"`
	// TokenFile holds the backend API token. Relative to the data directory.
	TokenFile string `json:"token_file"`
}

type Backend struct {
	// BaseURL of the call service REST API, e.g. "https://calls.example.org".
	BaseURL string `json:"base_url"`

	// MetadataTTLSec controls how long cached call records stay fresh.
	// 0 = use default.
	MetadataTTLSec int `json:"metadata_ttl_seconds"`
}

type Events struct {
	// URL of the notification websocket. Empty derives it from the backend
	// base URL ("/v1/events").
	URL string `json:"url"`
}

type Media struct {
	// PreferredCam and PreferredMic pre-select capture devices by label.
	// Empty means first available.
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`

	// JoinMuted and JoinWithoutVideo shape the default join preferences.
	JoinMuted        bool `json:"join_muted"`
	JoinWithoutVideo bool `json:"join_without_video"`
}

type Storage struct {
	// DataDir holds the history database and token file. Relative paths
	// resolve against the working directory.
	DataDir string `json:"data_dir"`

	// HistoryLimit caps how many past calls are retained. 0 = use default.
	HistoryLimit int `json:"history_limit"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "me",
			TokenFile:   "token",
		},
		Backend: Backend{
			BaseURL:        "http://localhost:8900",
			MetadataTTLSec: 0,
		},
		Events: Events{
			URL: "",
		},
		Media: Media{
			JoinMuted:        false,
			JoinWithoutVideo: false,
		},
		Storage: Storage{
			DataDir:      "data",
			HistoryLimit: 200,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}
	if strings.TrimSpace(c.Identity.TokenFile) == "" {
		return errors.New("identity.token_file is required")
	}

	// Backend
	base := strings.TrimSpace(c.Backend.BaseURL)
	if base == "" {
		return errors.New("backend.base_url is required")
	}
	if err := validateHTTPURL(base); err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	if c.Backend.MetadataTTLSec < 0 {
		return errors.New("backend.metadata_ttl_seconds must be >= 0")
	}

	// Events
	if ev := strings.TrimSpace(c.Events.URL); ev != "" {
		u, err := url.Parse(ev)
		if err != nil {
			return fmt.Errorf("events.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("events.url scheme must be ws or wss")
		}
	}

	// Storage
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.Storage.HistoryLimit < 0 {
		return errors.New("storage.history_limit must be >= 0")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// EventsURL returns the notification socket URL, deriving it from the
// backend base URL when not set explicitly.
func (c *Config) EventsURL() string {
	if ev := strings.TrimSpace(c.Events.URL); ev != "" {
		return ev
	}
	base := strings.TrimSpace(c.Backend.BaseURL)
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return strings.TrimRight(base, "/") + "/v1/events"
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
