package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
)

// LogLevel defines the minimum severity for logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Default values applied by ApplyDefaults.
const (
	DefaultAddress                 = ":7070"
	DefaultGracefulShutdownTimeout = 30 * time.Second
	DefaultLogTarget               = "stderr"
	DefaultLogFormat               = "json"

	DefaultTransactionLimit uint32 = 256
	DefaultBufferSize              = 16
	DefaultErrorFormat             = ErrorFormatPlain
)

// Error payload formats for synthesized error responses.
const (
	ErrorFormatPlain = "plain"
	ErrorFormatJSON  = "json"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Session *SessionConfig `json:"session,omitempty" toml:"session,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`

	// OriginalFilePath is the path the configuration was loaded from.
	OriginalFilePath string `json:"-" toml:"-"`
}

// ServerConfig holds listener and lifecycle settings.
type ServerConfig struct {
	Address                 *string   `json:"address,omitempty" toml:"address,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
	// MaxConnections caps concurrently served connections. Zero means unlimited.
	MaxConnections *int    `json:"max_connections,omitempty" toml:"max_connections,omitempty"`
	TLSCertFile    *string `json:"tls_cert_file,omitempty" toml:"tls_cert_file,omitempty"`
	TLSKeyFile     *string `json:"tls_key_file,omitempty" toml:"tls_key_file,omitempty"`
}

// SessionConfig holds the per-connection multiplexer settings.
type SessionConfig struct {
	NoDelay                                    *bool   `json:"no_delay,omitempty" toml:"no_delay,omitempty"`
	PerConnectionConcurrentTransactionLimit    *uint32 `json:"per_connection_concurrent_transaction_limit,omitempty" toml:"per_connection_concurrent_transaction_limit,omitempty"`
	PerConnectionResponseBufferSize            *int    `json:"per_connection_response_buffer_size,omitempty" toml:"per_connection_response_buffer_size,omitempty"`
	PerTransactionRequestBufferSize            *int    `json:"per_transaction_request_buffer_size,omitempty" toml:"per_transaction_request_buffer_size,omitempty"`
	PerTransactionResponseByteStreamBufferSize *int    `json:"per_transaction_response_byte_stream_buffer_size,omitempty" toml:"per_transaction_response_byte_stream_buffer_size,omitempty"`
	// ErrorFormat selects the payload of error responses: "plain" or "json".
	ErrorFormat *string `json:"error_format,omitempty" toml:"error_format,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route binds a (service, procedure) pair to a handler.
type Route struct {
	Service      uint16 `json:"service" toml:"service"`
	VersionMajor uint8  `json:"version_major" toml:"version_major"`
	Procedure    uint16 `json:"procedure" toml:"procedure"`
	HandlerType  string `json:"handler_type" toml:"handler_type"`
	// HandlerConfig is opaque to the router and decoded by the handler factory.
	HandlerConfig map[string]interface{} `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// HandlerConfigJSON re-encodes the opaque handler configuration as JSON so
// factories can unmarshal it into their own types regardless of file format.
func (r Route) HandlerConfigJSON() (json.RawMessage, error) {
	if r.HandlerConfig == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r.HandlerConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode handler_config for service %d procedure %d", r.Service, r.Procedure)
	}
	return raw, nil
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `json:"log_level,omitempty" toml:"log_level,omitempty"`
	// Target is "stdout", "stderr" or an absolute file path.
	Target string `json:"target,omitempty" toml:"target,omitempty"`
	// Format is "json" or "console".
	Format string `json:"format,omitempty" toml:"format,omitempty"`
}

// Duration is a time.Duration that decodes from strings like "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON and TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration file at
// path. The format is chosen by extension (.toml, .json); any other extension
// is tried as JSON and then as TOML. Environment overrides are applied after
// parsing and before validation.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %s", path)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration file %s", path)
	}
	cfg.OriginalFilePath = path

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Parse decodes data as TOML or JSON according to ext.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}

	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, errors.Wrap(err, "invalid TOML")
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "invalid JSON")
		}
	default:
		jsonErr := json.Unmarshal(data, cfg)
		if jsonErr == nil {
			return cfg, nil
		}
		cfg = &Config{}
		if _, tomlErr := toml.Decode(string(data), cfg); tomlErr != nil {
			return nil, fmt.Errorf("could not detect format (json: %v; toml: %v)", jsonErr, tomlErr)
		}
	}
	return cfg, nil
}

// envOverrides are read from the process environment.
type envOverrides struct {
	Address          string `env:"RPCMUX_ADDRESS"`
	LogLevel         string `env:"RPCMUX_LOG_LEVEL"`
	NoDelay          string `env:"RPCMUX_NO_DELAY"`
	TransactionLimit string `env:"RPCMUX_TRANSACTION_LIMIT"`
}

// ApplyEnv overrides fields of cfg from RPCMUX_* environment variables.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if err == envdecode.ErrNoTargetFieldsAreSet {
			return nil
		}
		return errors.Wrap(err, "failed to decode environment overrides")
	}

	if env.Address != "" {
		if cfg.Server == nil {
			cfg.Server = &ServerConfig{}
		}
		addr := env.Address
		cfg.Server.Address = &addr
	}
	if env.LogLevel != "" {
		if cfg.Logging == nil {
			cfg.Logging = &LoggingConfig{}
		}
		cfg.Logging.LogLevel = LogLevel(strings.ToUpper(env.LogLevel))
	}
	if env.NoDelay != "" || env.TransactionLimit != "" {
		if cfg.Session == nil {
			cfg.Session = &SessionConfig{}
		}
	}
	if env.NoDelay != "" {
		v, err := strconv.ParseBool(env.NoDelay)
		if err != nil {
			return errors.Wrapf(err, "invalid RPCMUX_NO_DELAY %q", env.NoDelay)
		}
		cfg.Session.NoDelay = &v
	}
	if env.TransactionLimit != "" {
		v, err := strconv.ParseUint(env.TransactionLimit, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid RPCMUX_TRANSACTION_LIMIT %q", env.TransactionLimit)
		}
		limit := uint32(v)
		cfg.Session.PerConnectionConcurrentTransactionLimit = &limit
	}
	return nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := DefaultAddress
		cfg.Server.Address = &addr
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = &Duration{DefaultGracefulShutdownTimeout}
	}
	if cfg.Server.MaxConnections == nil {
		unlimited := 0
		cfg.Server.MaxConnections = &unlimited
	}

	if cfg.Session == nil {
		cfg.Session = &SessionConfig{}
	}
	s := cfg.Session
	if s.NoDelay == nil {
		noDelay := false
		s.NoDelay = &noDelay
	}
	if s.PerConnectionConcurrentTransactionLimit == nil {
		limit := DefaultTransactionLimit
		s.PerConnectionConcurrentTransactionLimit = &limit
	}
	for _, p := range []**int{
		&s.PerConnectionResponseBufferSize,
		&s.PerTransactionRequestBufferSize,
		&s.PerTransactionResponseByteStreamBufferSize,
	} {
		if *p == nil {
			size := DefaultBufferSize
			*p = &size
		}
	}

	if s.ErrorFormat == nil {
		format := DefaultErrorFormat
		s.ErrorFormat = &format
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.Target == "" {
		cfg.Logging.Target = DefaultLogTarget
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
}

// Validate checks a defaulted configuration for consistency.
func Validate(cfg *Config) error {
	if cfg.Server == nil || cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return errors.New("server.address must not be empty")
	}
	if cfg.Server.GracefulShutdownTimeout != nil && cfg.Server.GracefulShutdownTimeout.Duration < 0 {
		return errors.New("server.graceful_shutdown_timeout must not be negative")
	}
	if cfg.Server.MaxConnections != nil && *cfg.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must not be negative")
	}
	hasCert := cfg.Server.TLSCertFile != nil && *cfg.Server.TLSCertFile != ""
	hasKey := cfg.Server.TLSKeyFile != nil && *cfg.Server.TLSKeyFile != ""
	if hasCert != hasKey {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}

	if s := cfg.Session; s != nil {
		sizes := map[string]*int{
			"per_connection_response_buffer_size":              s.PerConnectionResponseBufferSize,
			"per_transaction_request_buffer_size":              s.PerTransactionRequestBufferSize,
			"per_transaction_response_byte_stream_buffer_size": s.PerTransactionResponseByteStreamBufferSize,
		}
		for name, v := range sizes {
			if v != nil && *v <= 0 {
				return errors.Errorf("session.%s must be greater than zero, got %d", name, *v)
			}
		}
		if f := s.ErrorFormat; f != nil && *f != ErrorFormatPlain && *f != ErrorFormatJSON {
			return errors.Errorf("session.error_format %q must be plain or json", *f)
		}
	}

	if cfg.Routing != nil {
		seen := make(map[[3]uint32]int)
		for i, r := range cfg.Routing.Routes {
			if r.HandlerType == "" {
				return errors.Errorf("routing.routes[%d]: handler_type must not be empty", i)
			}
			key := [3]uint32{uint32(r.Service), uint32(r.VersionMajor), uint32(r.Procedure)}
			if prev, dup := seen[key]; dup {
				return errors.Errorf("routing.routes[%d]: duplicate route for service %d v%d procedure %d (first defined at routes[%d])",
					i, r.Service, r.VersionMajor, r.Procedure, prev)
			}
			seen[key] = i
		}
	}

	if l := cfg.Logging; l != nil {
		switch l.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return errors.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
		}
		if IsFilePath(l.Target) && !filepath.IsAbs(l.Target) {
			return errors.Errorf("logging.target %q must be stdout, stderr or an absolute file path", l.Target)
		}
		if l.Format != "json" && l.Format != "console" {
			return errors.Errorf("logging.format %q must be json or console", l.Format)
		}
	}
	return nil
}
