package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultEndpoint        = "http://127.0.0.1:9222"
	DefaultConnectTimeout  = 10 * time.Second
	DefaultCallTimeout     = 30 * time.Second
	DefaultRetryAttempts   = 2
	DefaultRetryBackoff    = 150 * time.Millisecond
	DefaultDragSteps       = 12
	DefaultFillCharDelay   = 25 * time.Millisecond
	DefaultMaxTextLength   = 120
	DefaultConsoleBuffer   = 200
	DefaultEventBuffer     = 64
	DefaultScreenshotKind  = "png"
	DefaultDialogPolicy    = DialogDismiss
	DefaultServerBind      = "127.0.0.1:9223"
	DefaultBusURL          = "nats://127.0.0.1:4222"
	DefaultLogLevel        = "info"
	DefaultCommandsPerSec  = 0 // 0 disables transport pacing
	DefaultNavigateTimeout = 20 * time.Second
)

// Dialog policies for unattended JavaScript dialogs.
const (
	DialogAccept  = "accept"
	DialogDismiss = "dismiss"
	DialogIgnore  = "ignore"
)

// Config represents the complete chauffeur configuration
type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Transport TransportConfig `yaml:"transport"`
	Actions   ActionsConfig   `yaml:"actions"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Dialogs   DialogsConfig   `yaml:"dialogs"`
	Bus       BusConfig       `yaml:"bus"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EndpointConfig locates the browser's debugging endpoint.
type EndpointConfig struct {
	// URL is either an http(s) discovery address (its /json/version endpoint
	// is consulted for the WebSocket URL) or a ws(s) URL used directly.
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TransportConfig tunes the DevTools connection.
type TransportConfig struct {
	// CallTimeout bounds each protocol round trip when the caller's context
	// carries no deadline of its own.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// CommandsPerSec paces outgoing protocol commands; zero disables pacing.
	// Useful against remote or proxied endpoints that throttle clients.
	CommandsPerSec float64 `yaml:"commands_per_sec"`
	// EventBuffer is the per-subscriber event channel depth. Subscribers
	// that fall further behind drop events rather than block the transport.
	EventBuffer int `yaml:"event_buffer"`
}

// ActionsConfig tunes the command dispatcher.
type ActionsConfig struct {
	// RetryAttempts bounds internal retries of not-interactable races.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryBackoff is the base delay between internal retries; attempt n
	// waits n times this value.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// DragSteps is the number of interpolated pointer moves in a drag.
	DragSteps int `yaml:"drag_steps"`
	// FillCharDelay is the per-character delay of the slow fill path.
	FillCharDelay time.Duration `yaml:"fill_char_delay"`
	// NavigateTimeout bounds waiting for a navigation to commit and load.
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
}

// SnapshotConfig tunes element index snapshots.
type SnapshotConfig struct {
	// MaxTextLength truncates element text in summaries and listings.
	MaxTextLength int `yaml:"max_text_length"`
	// ConsoleBuffer is the per-target console ring buffer size.
	ConsoleBuffer int `yaml:"console_buffer"`
}

// DialogsConfig controls unattended handling of JavaScript dialogs.
type DialogsConfig struct {
	// Policy is one of accept, dismiss, ignore.
	Policy string `yaml:"policy"`
	// PromptText is entered into window.prompt dialogs when accepting.
	PromptText string `yaml:"prompt_text"`
}

// BusConfig controls the optional NATS event bridge.
type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// StorageConfig controls the optional sqlite flight recorder.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig controls the optional debug HTTP server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	// TraceStdout enables the development stdout trace exporter.
	TraceStdout bool `yaml:"trace_stdout"`
}

// LoggingConfig controls the structured JSONL logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			URL:            DefaultEndpoint,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Transport: TransportConfig{
			CallTimeout:    DefaultCallTimeout,
			CommandsPerSec: DefaultCommandsPerSec,
			EventBuffer:    DefaultEventBuffer,
		},
		Actions: ActionsConfig{
			RetryAttempts:   DefaultRetryAttempts,
			RetryBackoff:    DefaultRetryBackoff,
			DragSteps:       DefaultDragSteps,
			FillCharDelay:   DefaultFillCharDelay,
			NavigateTimeout: DefaultNavigateTimeout,
		},
		Snapshot: SnapshotConfig{
			MaxTextLength: DefaultMaxTextLength,
			ConsoleBuffer: DefaultConsoleBuffer,
		},
		Dialogs: DialogsConfig{
			Policy: DefaultDialogPolicy,
		},
		Bus: BusConfig{
			URL: DefaultBusURL,
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		Server: ServerConfig{
			Bind: DefaultServerBind,
		},
		Logging: LoggingConfig{
			Dir:   defaultLogDir(),
			Level: DefaultLogLevel,
		},
	}
}

// Load reads ~/.chauffeur/config.yaml if present, applies environment
// overrides, and validates the result.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".chauffeur", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHAUFFEUR_ENDPOINT"); v != "" {
		cfg.Endpoint.URL = v
	}
	if v := os.Getenv("CHAUFFEUR_NATS_URL"); v != "" {
		cfg.Bus.URL = v
		cfg.Bus.Enabled = true
	}
	if v := os.Getenv("CHAUFFEUR_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
		cfg.Storage.Enabled = true
	}
	if v := os.Getenv("CHAUFFEUR_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("CHAUFFEUR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAUFFEUR_COMMANDS_PER_SEC")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Transport.CommandsPerSec = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHAUFFEUR_CALL_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Transport.CallTimeout = d
		}
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Endpoint.URL == "" {
		return fmt.Errorf("endpoint.url must not be empty")
	}
	if !strings.HasPrefix(c.Endpoint.URL, "http://") &&
		!strings.HasPrefix(c.Endpoint.URL, "https://") &&
		!strings.HasPrefix(c.Endpoint.URL, "ws://") &&
		!strings.HasPrefix(c.Endpoint.URL, "wss://") {
		return fmt.Errorf("endpoint.url must be http(s) or ws(s), got %q", c.Endpoint.URL)
	}
	if c.Transport.CallTimeout <= 0 {
		return fmt.Errorf("transport.call_timeout must be positive")
	}
	if c.Transport.CommandsPerSec < 0 {
		return fmt.Errorf("transport.commands_per_sec must not be negative")
	}
	if c.Actions.RetryAttempts < 0 {
		return fmt.Errorf("actions.retry_attempts must not be negative")
	}
	if c.Actions.DragSteps < 1 {
		return fmt.Errorf("actions.drag_steps must be at least 1")
	}
	switch c.Dialogs.Policy {
	case DialogAccept, DialogDismiss, DialogIgnore:
	default:
		return fmt.Errorf("dialogs.policy must be accept, dismiss or ignore, got %q", c.Dialogs.Policy)
	}
	if c.Bus.Enabled && c.Bus.URL == "" {
		return fmt.Errorf("bus.url required when bus.enabled")
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage.path required when storage.enabled")
	}
	if c.Server.Enabled && c.Server.Bind == "" {
		return fmt.Errorf("server.bind required when server.enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "chauffeur", "logs")
	}
	return filepath.Join(home, ".chauffeur", "logs")
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "chauffeur", "history.db")
	}
	return filepath.Join(home, ".chauffeur", "history.db")
}
