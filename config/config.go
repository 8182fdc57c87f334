package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "shipchat"
	// PushTransportWebSocket receives push events over a websocket.
	PushTransportWebSocket = "websocket"
	// PushTransportNATS receives push events from NATS subjects.
	PushTransportNATS = "nats"
	// DefaultAPIBaseURL is used when no API endpoint is configured.
	DefaultAPIBaseURL = "http://127.0.0.1:8080"
	// DefaultRequestTimeout bounds one request/response round trip.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultRequestsPerSecond limits outbound API calls.
	DefaultRequestsPerSecond = 10
	// DefaultRequestBurst is the limiter burst size.
	DefaultRequestBurst = 20
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Environment variables read by the client.
const (
	EnvDataDir = "SHIPCHAT_DATA_DIR"
	EnvUserID  = "SHIPCHAT_USER_ID"
	EnvToken   = "SHIPCHAT_TOKEN"
)

// ClientConfig contains persistent client settings.
//
// The bearer token is never persisted; see Token.
type ClientConfig struct {
	DeviceID          string   `json:"device_id"`
	UserID            string   `json:"user_id"`
	APIBaseURL        string   `json:"api_base_url"`
	PushURL           string   `json:"push_url"`
	PushTransport     string   `json:"push_transport"`
	NATSServers       []string `json:"nats_servers,omitempty"`
	RequestTimeoutMS  int      `json:"request_timeout_ms"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	RequestBurst      int      `json:"request_burst"`
	AutoReconnect     bool     `json:"auto_reconnect"`
	LogLevel          string   `json:"log_level"`
	CacheEnabled      bool     `json:"cache_enabled"`
}

// RequestTimeout returns the configured timeout as a duration.
func (c *ClientConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMS <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// Token returns the bearer token from the environment.
func Token() string {
	return strings.TrimSpace(os.Getenv(EnvToken))
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SHIPCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// SHIPCHAT_USER_ID overrides the stored user id without being persisted.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if override := strings.TrimSpace(os.Getenv(EnvUserID)); override != "" {
		cfg.UserID = override
	}

	return cfg, cfgPath, nil
}

// Validate checks the settings required to start a session.
func (c *ClientConfig) Validate() error {
	if c.UserID == "" {
		return errors.New("user_id is required")
	}
	if c.APIBaseURL == "" {
		return errors.New("api_base_url is required")
	}
	switch c.PushTransport {
	case PushTransportWebSocket:
		if c.PushURL == "" {
			return errors.New("push_url is required for the websocket transport")
		}
	case PushTransportNATS:
		if len(c.NATSServers) == 0 {
			return errors.New("nats_servers is required for the nats transport")
		}
	default:
		return fmt.Errorf("invalid push transport %q", c.PushTransport)
	}
	return nil
}

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		DeviceID:          uuid.NewString(),
		APIBaseURL:        DefaultAPIBaseURL,
		PushURL:           defaultPushURL(DefaultAPIBaseURL),
		PushTransport:     PushTransportWebSocket,
		RequestTimeoutMS:  int(DefaultRequestTimeout / time.Millisecond),
		RequestsPerSecond: DefaultRequestsPerSecond,
		RequestBurst:      DefaultRequestBurst,
		AutoReconnect:     true,
		LogLevel:          "info",
		CacheEnabled:      true,
	}
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
		updated = true
	}

	transport := normalizePushTransport(cfg.PushTransport)
	if transport == "" {
		if len(cfg.NATSServers) > 0 {
			transport = PushTransportNATS
		} else {
			transport = PushTransportWebSocket
		}
	}
	if cfg.PushTransport != transport {
		cfg.PushTransport = transport
		updated = true
	}

	if cfg.PushTransport == PushTransportWebSocket && cfg.PushURL == "" {
		cfg.PushURL = defaultPushURL(cfg.APIBaseURL)
		updated = true
	}

	if cfg.RequestTimeoutMS <= 0 {
		cfg.RequestTimeoutMS = int(DefaultRequestTimeout / time.Millisecond)
		updated = true
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
		updated = true
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = DefaultRequestBurst
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	return updated
}

func normalizePushTransport(transport string) string {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case PushTransportWebSocket:
		return PushTransportWebSocket
	case PushTransportNATS:
		return PushTransportNATS
	default:
		return ""
	}
}

// defaultPushURL derives the websocket endpoint from the API base URL.
func defaultPushURL(apiBaseURL string) string {
	base := strings.TrimRight(apiBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
