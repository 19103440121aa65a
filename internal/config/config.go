// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "COVEN_RELAY_CONFIG"

// Transport names accepted in agent.transport.
const (
	TransportGRPC    = "grpc"
	TransportProcess = "process"
)

// Default values applied by Load.
const (
	DefaultAddress            = "localhost:50051"
	DefaultCommand            = "claude"
	DefaultPermissionMode     = "bypassPermissions"
	DefaultConnectTimeout     = 10 * time.Second
	DefaultTurnTimeout        = 10 * time.Minute
	DefaultMaxConcurrentTurns = 32
	DefaultQueueSize          = 64
	DefaultConsoleUser        = "local"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent" toml:"agent"`
	Agents  AgentsConfig  `yaml:"agents" toml:"agents"`
	Matrix  MatrixConfig  `yaml:"matrix" toml:"matrix"`
	Console ConsoleConfig `yaml:"console" toml:"console"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// AgentConfig selects and configures the agent transport
type AgentConfig struct {
	Transport      string   `yaml:"transport" toml:"transport"`
	Address        string   `yaml:"address" toml:"address"`
	Command        string   `yaml:"command" toml:"command"`
	Args           []string `yaml:"args" toml:"args"`
	WorkingDir     string   `yaml:"working_dir" toml:"working_dir"`
	PermissionMode string   `yaml:"permission_mode" toml:"permission_mode"`
	TokenSecret    string   `yaml:"token_secret" toml:"token_secret"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout" toml:"connect_timeout"`
}

// AgentsConfig holds per-turn limits
type AgentsConfig struct {
	TurnTimeout        time.Duration `yaml:"-" toml:"-"`
	MaxConcurrentTurns int64         `yaml:"max_concurrent_turns" toml:"max_concurrent_turns"`
	QueueSize          int           `yaml:"queue_size" toml:"queue_size"`

	// Raw string values for unmarshaling
	TurnTimeoutRaw string `yaml:"turn_timeout" toml:"turn_timeout"`
}

// MatrixConfig holds Matrix frontend configuration
type MatrixConfig struct {
	Homeserver    string   `yaml:"homeserver" toml:"homeserver"`
	UserID        string   `yaml:"user_id" toml:"user_id"`
	AccessToken   string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms  []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	CommandPrefix string   `yaml:"command_prefix" toml:"command_prefix"`
}

// Enabled reports whether a homeserver is configured.
func (m MatrixConfig) Enabled() bool {
	return m.Homeserver != ""
}

// ConsoleConfig holds the local console frontend configuration
type ConsoleConfig struct {
	UserID    string `yaml:"user_id" toml:"user_id"`
	OutboxDir string `yaml:"outbox_dir" toml:"outbox_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config path: $COVEN_RELAY_CONFIG, then
// $XDG_CONFIG_HOME/coven/relay.yaml, then ~/.config/coven/relay.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "relay.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "coven", "relay.yaml")
	}
	return filepath.Join(home, ".config", "coven", "relay.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(filepath.Ext(path), data)
}

// Parse decodes raw config bytes. ext selects the format (".toml" or YAML).
func Parse(ext string, data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// running without a config file.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Agent.Transport == "" {
		c.Agent.Transport = TransportGRPC
	}
	if c.Agent.Address == "" {
		c.Agent.Address = DefaultAddress
	}
	if c.Agent.Command == "" {
		c.Agent.Command = DefaultCommand
	}
	if c.Agent.PermissionMode == "" {
		c.Agent.PermissionMode = DefaultPermissionMode
	}
	if c.Agent.ConnectTimeoutRaw == "" && c.Agent.ConnectTimeout == 0 {
		c.Agent.ConnectTimeout = DefaultConnectTimeout
	}
	// An explicit "0s" turn timeout disables the deadline.
	if c.Agents.TurnTimeoutRaw == "" && c.Agents.TurnTimeout == 0 {
		c.Agents.TurnTimeout = DefaultTurnTimeout
	}
	if c.Agents.MaxConcurrentTurns == 0 {
		c.Agents.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	if c.Agents.QueueSize == 0 {
		c.Agents.QueueSize = DefaultQueueSize
	}
	if c.Console.UserID == "" {
		c.Console.UserID = DefaultConsoleUser
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Agent.Transport {
	case TransportGRPC:
		if c.Agent.Address == "" {
			return errors.New("agent.address is required for the grpc transport")
		}
	case TransportProcess:
		if c.Agent.Command == "" {
			return errors.New("agent.command is required for the process transport")
		}
	default:
		return fmt.Errorf("agent.transport must be %q or %q, got %q", TransportGRPC, TransportProcess, c.Agent.Transport)
	}

	if c.Agent.ConnectTimeout < 0 {
		return errors.New("agent.connect_timeout must not be negative")
	}
	if c.Agents.TurnTimeout < 0 {
		return errors.New("agents.turn_timeout must not be negative")
	}
	if c.Agents.MaxConcurrentTurns < 0 {
		return errors.New("agents.max_concurrent_turns must not be negative")
	}
	if c.Agents.QueueSize < 0 {
		return errors.New("agents.queue_size must not be negative")
	}

	if c.Matrix.Enabled() {
		u, err := url.Parse(c.Matrix.Homeserver)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("matrix.homeserver is not a valid URL: %q", c.Matrix.Homeserver)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("matrix.homeserver must use http or https scheme")
		}
		if c.Matrix.UserID == "" {
			return errors.New("matrix.user_id is required")
		}
		if c.Matrix.AccessToken == "" {
			return errors.New("matrix.access_token is required")
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.ConnectTimeoutRaw != "" {
		cfg.Agent.ConnectTimeout, err = time.ParseDuration(cfg.Agent.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Agent.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Agents.TurnTimeoutRaw != "" {
		cfg.Agents.TurnTimeout, err = time.ParseDuration(cfg.Agents.TurnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing turn_timeout %q: %w", cfg.Agents.TurnTimeoutRaw, err)
		}
	}

	return nil
}
