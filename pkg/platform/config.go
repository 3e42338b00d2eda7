// Package platform wires configuration, the session backend, the manager and
// its lifecycle into one runnable unit.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/mcp-sessions/pkg/protocol"
)

// Backend names accepted in storage.backend.
const (
	BackendMemory       = "memory"
	BackendEmbeddedFile = "embedded-file"
	BackendRelational   = "relational"
	BackendManagedKV    = "managed-kv"
)

// Backends lists the accepted backend names.
var Backends = []string{BackendMemory, BackendEmbeddedFile, BackendRelational, BackendManagedKV}

// Config holds the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Name         string        `yaml:"name"`
	Version      string        `yaml:"version"`
	Description  string        `yaml:"description"`
	Instructions string        `yaml:"instructions"` // sent to clients on initialize
	Address      string        `yaml:"address"`
	GracePeriod  time.Duration `yaml:"grace_period"` // time allowed for in-flight requests on shutdown
}

// StorageConfig selects and tunes the session backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`

	// ConnectionTarget is a DSN for relational, a file path for
	// embedded-file and a table name for managed-kv. Ignored for memory.
	ConnectionTarget string `yaml:"connection_target"`

	TTLSeconds           int   `yaml:"ttl_seconds"`
	SweepIntervalSeconds int   `yaml:"sweep_interval_seconds"`
	MaxEventsPerSession  int   `yaml:"max_events_per_session"`
	AutoCreateSchema     *bool `yaml:"auto_create_schema"` // default: true
	MaxOpenConns         int   `yaml:"max_open_conns"`

	BusyTimeout time.Duration  `yaml:"busy_timeout"` // embedded-file only
	Retry       RetryConfig    `yaml:"retry"`
	DynamoDB    DynamoDBConfig `yaml:"dynamodb"`
}

// RetryConfig bounds retries of transient backend failures.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
}

// DynamoDBConfig holds managed-kv client settings.
type DynamoDBConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // dynamodb-local or localstack
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ProtocolConfig configures version negotiation.
type ProtocolConfig struct {
	SupportedVersions []string `yaml:"supported_versions"`
	DefaultVersion    string   `yaml:"default_version"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TTL returns the session TTL.
func (s StorageConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// SweepInterval returns the period between expiry sweeps.
func (s StorageConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// AutoCreate reports whether missing schema should be created.
func (s StorageConfig) AutoCreate() bool {
	return s.AutoCreateSchema == nil || *s.AutoCreateSchema
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, expanding ${VAR} references and applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config. TTL and sweep
// defaults depend on the backend: durable shared backends keep sessions
// longer and sweep less often.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-sessions"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.GracePeriod == 0 {
		cfg.Server.GracePeriod = 25 * time.Second
	}

	st := &cfg.Storage
	if st.Backend == "" {
		st.Backend = BackendMemory
	}
	shared := st.Backend == BackendRelational || st.Backend == BackendManagedKV
	if st.TTLSeconds == 0 {
		st.TTLSeconds = 1800
		if shared {
			st.TTLSeconds = 3600
		}
	}
	if st.SweepIntervalSeconds == 0 {
		st.SweepIntervalSeconds = 300
		if shared {
			st.SweepIntervalSeconds = 600
		}
	}
	if st.MaxEventsPerSession == 0 {
		st.MaxEventsPerSession = 1000
	}
	if st.MaxOpenConns == 0 {
		st.MaxOpenConns = 25
	}
	if st.BusyTimeout == 0 {
		st.BusyTimeout = 5 * time.Second
	}
	if st.Retry.MaxAttempts == 0 {
		st.Retry.MaxAttempts = 3
	}
	if st.Retry.InitialInterval == 0 {
		st.Retry.InitialInterval = 100 * time.Millisecond
	}
	if st.ConnectionTarget == "" {
		switch st.Backend {
		case BackendEmbeddedFile:
			st.ConnectionTarget = "mcp-sessions.db"
		case BackendManagedKV:
			st.ConnectionTarget = "mcp-sessions"
		}
	}

	if len(cfg.Protocol.SupportedVersions) == 0 {
		cfg.Protocol.SupportedVersions = slices.Clone(protocol.DefaultSupportedVersions)
	}
	if cfg.Protocol.DefaultVersion == "" {
		cfg.Protocol.DefaultVersion = protocol.DefaultRequestedVersion
		if !slices.Contains(cfg.Protocol.SupportedVersions, protocol.DefaultRequestedVersion) {
			cfg.Protocol.DefaultVersion = cfg.Protocol.SupportedVersions[len(cfg.Protocol.SupportedVersions)-1]
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	st := c.Storage
	if !slices.Contains(Backends, st.Backend) {
		errs = append(errs, fmt.Sprintf("storage.backend %q is not one of %s", st.Backend, strings.Join(Backends, ", ")))
	}
	if st.Backend == BackendRelational && st.ConnectionTarget == "" {
		errs = append(errs, "storage.connection_target is required for the relational backend")
	}
	if st.TTLSeconds < 0 {
		errs = append(errs, "storage.ttl_seconds must be positive")
	}
	if st.SweepIntervalSeconds < 0 {
		errs = append(errs, "storage.sweep_interval_seconds must be positive")
	}
	if st.MaxEventsPerSession < 0 {
		errs = append(errs, "storage.max_events_per_session must be positive")
	}
	if st.Retry.MaxAttempts < 0 {
		errs = append(errs, "storage.retry.max_attempts must be positive")
	}

	if len(c.Protocol.SupportedVersions) == 0 {
		errs = append(errs, "protocol.supported_versions must not be empty")
	} else if !slices.Contains(c.Protocol.SupportedVersions, c.Protocol.DefaultVersion) {
		errs = append(errs, fmt.Sprintf("protocol.default_version %q is not in protocol.supported_versions", c.Protocol.DefaultVersion))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
