package probe

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the reflect daemon configuration.
type Config struct {
	// Listen is the reflector's UDP bind address (e.g., ":7").
	Listen string `koanf:"listen"`

	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`

	// ReadBufferSize is the receive buffer length in bytes. Datagrams
	// longer than this are truncated by the kernel.
	ReadBufferSize int `koanf:"read_buffer_size"`

	// EchoLimit caps how many payload bytes are echoed back per
	// datagram. Zero echoes the full payload.
	EchoLimit int `koanf:"echo_limit"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables the endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The default listen address is the RFC 862 echo port; binding it
// requires CAP_NET_BIND_SERVICE, so pass a high port for unprivileged
// runs. The metrics endpoint stays disabled until an address is set.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":7",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		ReadBufferSize: 65535,
		EchoLimit:      0,
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for udpsas-probe
// configuration. Variables are named UDPSAS_<section>_<key>, e.g.,
// UDPSAS_LOG_LEVEL.
const envPrefix = "UDPSAS_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (UDPSAS_ prefix), and merges on top
// of DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	UDPSAS_LISTEN        -> listen
//	UDPSAS_LOG_LEVEL     -> log.level
//	UDPSAS_LOG_FORMAT    -> log.format
//	UDPSAS_METRICS_ADDR  -> metrics.addr
//	UDPSAS_METRICS_PATH  -> metrics.path
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// UDPSAS_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms UDPSAS_LOG_LEVEL -> log.level.
// Strips the UDPSAS_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen":           defaults.Listen,
		"log.level":        defaults.Log.Level,
		"log.format":       defaults.Log.Format,
		"metrics.addr":     defaults.Metrics.Addr,
		"metrics.path":     defaults.Metrics.Path,
		"read_buffer_size": defaults.ReadBufferSize,
		"echo_limit":       defaults.EchoLimit,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyListenAddr indicates the reflector listen address is empty.
	ErrEmptyListenAddr = errors.New("listen must not be empty")

	// ErrInvalidReadBufferSize indicates the receive buffer length is
	// zero or negative.
	ErrInvalidReadBufferSize = errors.New("read_buffer_size must be > 0")

	// ErrInvalidEchoLimit indicates a negative echo prefix limit.
	ErrInvalidEchoLimit = errors.New("echo_limit must be >= 0")

	// ErrEmptyMetricsPath indicates the metrics endpoint is enabled
	// without a URL path.
	ErrEmptyMetricsPath = errors.New("metrics.path must not be empty when metrics.addr is set")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen == "" {
		return ErrEmptyListenAddr
	}

	if cfg.ReadBufferSize < 1 {
		return ErrInvalidReadBufferSize
	}

	if cfg.EchoLimit < 0 {
		return ErrInvalidEchoLimit
	}

	if cfg.Metrics.Addr != "" && cfg.Metrics.Path == "" {
		return ErrEmptyMetricsPath
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
