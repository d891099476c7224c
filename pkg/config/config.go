package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
	"github.com/odvcencio/browserrelay/pkg/logging"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind            = "127.0.0.1:8090"
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultReapInterval    = time.Minute
	DefaultAttachPolicy    = "preempt"
	DefaultJPEGQuality     = 50
	DefaultFrameInterval   = 100 * time.Millisecond
	DefaultViewportWidth   = 1280
	DefaultViewportHeight  = 720
	DefaultStartURL        = "about:blank"
	DefaultDriver          = DriverRod
	DefaultMaxInstances    = 16
	DefaultShutdownTimeout = 15 * time.Second
)

// Browser driver names.
const (
	DriverRod    = "rod"
	DriverMemory = "memory"
)

// Event bus kinds.
const (
	EventsNone   = ""
	EventsMemory = "memory"
	EventsNATS   = "nats"
)

// Config represents the complete relay configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Stream  StreamConfig  `yaml:"stream"`
	Browser BrowserConfig `yaml:"browser"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Events  EventsConfig  `yaml:"events"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig controls the HTTP and websocket listener.
type ServerConfig struct {
	Bind           string   `yaml:"bind"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxConnections caps concurrent websocket connections; zero is unlimited.
	MaxConnections int `yaml:"max_connections"`
	// CreateRate limits session creation per second; zero disables limiting.
	CreateRate      float64       `yaml:"create_rate"`
	CreateBurst     int           `yaml:"create_burst"`
	ReadLimitBytes  int64         `yaml:"read_limit_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RelayConfig controls session lifecycle.
type RelayConfig struct {
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	ReapInterval          time.Duration `yaml:"reap_interval"`
	AttachPolicy          string        `yaml:"attach_policy"`
	CloseGrace            time.Duration `yaml:"close_grace"`
	InputFailureThreshold int           `yaml:"input_failure_threshold"`
	DefaultWidth          int           `yaml:"default_width"`
	DefaultHeight         int           `yaml:"default_height"`
	MaxWidth              int           `yaml:"max_width"`
	MaxHeight             int           `yaml:"max_height"`
	StartURL              string        `yaml:"start_url"`
}

// StreamConfig controls frame capture and pacing.
type StreamConfig struct {
	Quality           int           `yaml:"quality"`
	BaseInterval      time.Duration `yaml:"base_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	SlowSendThreshold time.Duration `yaml:"slow_send_threshold"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// BrowserConfig selects and tunes the browser driver.
type BrowserConfig struct {
	Driver            string        `yaml:"driver"`
	Bin               string        `yaml:"bin"`
	ControlURL        string        `yaml:"control_url"`
	Headless          bool          `yaml:"headless"`
	MaxInstances      int           `yaml:"max_instances"`
	UserAgent         string        `yaml:"user_agent"`
	Locale            string        `yaml:"locale"`
	Timezone          string        `yaml:"timezone"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	CaptureTimeout    time.Duration `yaml:"capture_timeout"`
	IgnoreCertErrors  bool          `yaml:"ignore_cert_errors"`
	Flags             []string      `yaml:"flags"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
	// Output is "stdout", "stderr" or a file path.
	Output string `yaml:"output"`
}

// EventsConfig selects where lifecycle events are published.
type EventsConfig struct {
	Kind          string `yaml:"kind"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Token         string `yaml:"token"`
}

// StorageConfig controls the session journal. An empty path disables it.
type StorageConfig struct {
	Path string `yaml:"path"`
	// Retention drops journaled sessions closed longer ago; zero keeps all.
	Retention time.Duration `yaml:"retention"`
}

func defaultNATSURL() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "nats://nats:4222"
	}
	return "nats://127.0.0.1:4222"
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            DefaultBind,
			MaxConnections:  256,
			CreateRate:      2,
			CreateBurst:     10,
			ReadLimitBytes:  64 * 1024,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Relay: RelayConfig{
			IdleTimeout:           DefaultIdleTimeout,
			ReapInterval:          DefaultReapInterval,
			AttachPolicy:          DefaultAttachPolicy,
			CloseGrace:            2 * time.Second,
			InputFailureThreshold: 10,
			DefaultWidth:          DefaultViewportWidth,
			DefaultHeight:         DefaultViewportHeight,
			StartURL:              DefaultStartURL,
		},
		Stream: StreamConfig{
			Quality:           DefaultJPEGQuality,
			BaseInterval:      DefaultFrameInterval,
			MaxInterval:       2 * time.Second,
			SlowSendThreshold: 200 * time.Millisecond,
			RetryBackoff:      50 * time.Millisecond,
			FailureThreshold:  10,
			WriteTimeout:      10 * time.Second,
		},
		Browser: BrowserConfig{
			Driver:            DefaultDriver,
			Headless:          true,
			MaxInstances:      DefaultMaxInstances,
			NavigationTimeout: 30 * time.Second,
			CaptureTimeout:    5 * time.Second,
			IgnoreCertErrors:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "browserrelay",
			SampleRatio: 1,
			Output:      "stdout",
		},
		Storage: StorageConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Events: EventsConfig{
			Kind:          EventsMemory,
			URL:           defaultNATSURL(),
			SubjectPrefix: "browserrelay",
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load user config (~/.browserrelay/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".browserrelay", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, relayerrors.Wrap(err, relayerrors.ErrCodeConfigLoad, "loading user config").
				WithContext("path", userConfigPath)
		}
	}

	// Load project config (./.browserrelay/config.yaml)
	projectConfigPath := filepath.Join(".", ".browserrelay", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeConfigLoad, "loading project config").
			WithContext("path", projectConfigPath)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeConfigInvalid, "config validation")
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeConfigLoad, "loading config").
			WithContext("path", path)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeConfigInvalid, "config validation")
	}
	return cfg, nil
}

// applyEnvOverrides applies RELAY_* environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RELAY_BIND")); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}
	if n, ok := envInt("RELAY_MAX_CONNECTIONS"); ok {
		cfg.Server.MaxConnections = n
	}

	if d, ok := envDuration("RELAY_IDLE_TIMEOUT"); ok {
		cfg.Relay.IdleTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ATTACH_POLICY")); v != "" {
		cfg.Relay.AttachPolicy = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_START_URL")); v != "" {
		cfg.Relay.StartURL = v
	}

	if n, ok := envInt("RELAY_STREAM_QUALITY"); ok {
		cfg.Stream.Quality = n
	}
	if d, ok := envDuration("RELAY_STREAM_INTERVAL"); ok {
		cfg.Stream.BaseInterval = d
	}

	if v := strings.TrimSpace(os.Getenv("RELAY_BROWSER_DRIVER")); v != "" {
		cfg.Browser.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_BROWSER_BIN")); v != "" {
		cfg.Browser.Bin = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_BROWSER_CONTROL_URL")); v != "" {
		cfg.Browser.ControlURL = v
	}
	if n, ok := envInt("RELAY_BROWSER_MAX_INSTANCES"); ok {
		cfg.Browser.MaxInstances = n
	}
	if val, ok := envBool("RELAY_BROWSER_HEADLESS"); ok {
		cfg.Browser.Headless = val
	}

	if v := strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}
	if val, ok := envBool("RELAY_METRICS_ENABLED"); ok {
		cfg.Metrics.Enabled = val
	}
	if val, ok := envBool("RELAY_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = val
	}

	if v, ok := os.LookupEnv("RELAY_EVENTS_KIND"); ok {
		cfg.Events.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_NATS_URL")); v != "" {
		cfg.Events.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_NATS_TOKEN")); v != "" {
		cfg.Events.Token = v
	}

	if v, ok := os.LookupEnv("RELAY_STORAGE_PATH"); ok {
		cfg.Storage.Path = strings.TrimSpace(v)
	}
	if d, ok := envDuration("RELAY_STORAGE_RETENTION"); ok {
		cfg.Storage.Retention = d
	}
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server.bind is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("invalid server.bind %q: %w", c.Server.Bind, err)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be >= 0")
	}
	if c.Server.CreateRate < 0 {
		return fmt.Errorf("server.create_rate must be >= 0")
	}
	if c.Server.CreateRate > 0 && c.Server.CreateBurst < 1 {
		return fmt.Errorf("server.create_burst must be >= 1 when create_rate is set")
	}
	if c.Server.ReadLimitBytes <= 0 {
		return fmt.Errorf("server.read_limit_bytes must be positive")
	}

	if c.Relay.IdleTimeout <= 0 || c.Relay.ReapInterval <= 0 || c.Relay.CloseGrace <= 0 {
		return fmt.Errorf("relay timeouts must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Relay.AttachPolicy)) {
	case "preempt", "reject":
	default:
		return fmt.Errorf("invalid relay.attach_policy: %s (valid: preempt, reject)", c.Relay.AttachPolicy)
	}
	if c.Relay.InputFailureThreshold < 1 {
		return fmt.Errorf("relay.input_failure_threshold must be >= 1")
	}
	if c.Relay.DefaultWidth <= 0 || c.Relay.DefaultHeight <= 0 {
		return fmt.Errorf("relay default viewport must be positive")
	}
	if c.Relay.MaxWidth < 0 || c.Relay.MaxHeight < 0 {
		return fmt.Errorf("relay maximum viewport must not be negative")
	}
	if c.Relay.MaxWidth > 0 && c.Relay.MaxHeight > 0 &&
		(c.Relay.DefaultWidth > c.Relay.MaxWidth || c.Relay.DefaultHeight > c.Relay.MaxHeight) {
		return fmt.Errorf("relay default viewport %dx%d exceeds maximum %dx%d",
			c.Relay.DefaultWidth, c.Relay.DefaultHeight, c.Relay.MaxWidth, c.Relay.MaxHeight)
	}

	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		return fmt.Errorf("stream.quality must be between 1 and 100")
	}
	if c.Stream.BaseInterval <= 0 {
		return fmt.Errorf("stream.base_interval must be positive")
	}
	if c.Stream.MaxInterval < c.Stream.BaseInterval {
		return fmt.Errorf("stream.max_interval must be >= base_interval")
	}
	if c.Stream.FailureThreshold < 1 {
		return fmt.Errorf("stream.failure_threshold must be >= 1")
	}

	switch c.Browser.Driver {
	case DriverRod, DriverMemory:
	default:
		return fmt.Errorf("invalid browser.driver: %s (valid: rod, memory)", c.Browser.Driver)
	}
	if c.Browser.MaxInstances < 0 {
		return fmt.Errorf("browser.max_instances must be >= 0")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	switch logging.Format(strings.ToLower(c.Logging.Format)) {
	case logging.FormatJSON, logging.FormatText:
	default:
		return fmt.Errorf("invalid logging.format: %s (valid: json, text)", c.Logging.Format)
	}

	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must be >= 0")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	switch c.Events.Kind {
	case EventsNone, EventsMemory:
	case EventsNATS:
		if strings.TrimSpace(c.Events.URL) == "" {
			return fmt.Errorf("events.url is required for nats")
		}
	default:
		return fmt.Errorf("invalid events.kind: %s (valid: memory, nats)", c.Events.Kind)
	}
	return nil
}

// ValidationWarnings returns non-fatal configuration issues worth logging.
func (c *Config) ValidationWarnings() []string {
	var warnings []string
	if !isLoopbackBindAddress(c.Server.Bind) && len(c.Server.AllowedOrigins) == 0 {
		warnings = append(warnings, fmt.Sprintf("server.bind %s is not loopback and no allowed_origins are set; any origin may attach", c.Server.Bind))
	}
	if c.Server.MaxConnections == 0 {
		warnings = append(warnings, "server.max_connections is unlimited")
	}
	if c.Browser.Driver == DriverMemory {
		warnings = append(warnings, "browser.driver is memory; frames are synthetic")
	}
	if c.Browser.MaxInstances == 0 {
		warnings = append(warnings, "browser.max_instances is unlimited")
	}
	return warnings
}

// StoragePath returns the journal path with ~ expanded.
func (c *Config) StoragePath() string {
	return expandHomeDir(c.Storage.Path)
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
