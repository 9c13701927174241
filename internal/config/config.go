// Package config loads and validates nexus-dbg-mcp's runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the core subsystems need. Defaults mirror
// spec.md §5's timeout table.
type Config struct {
	Debugger  DebuggerConfig  `mapstructure:"debugger"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Session   SessionConfig   `mapstructure:"session"`
	Transport TransportConfig `mapstructure:"transport"`
}

// DebuggerConfig configures the process driver (component A).
type DebuggerConfig struct {
	// BinaryPath, if set, is tried first by the resolver chain.
	BinaryPath string `mapstructure:"binary_path"`

	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	StartupTimeout    time.Duration `mapstructure:"startup_timeout"`
	DisposalTimeout   time.Duration `mapstructure:"disposal_timeout"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
	OutputReadTimeout time.Duration `mapstructure:"output_read_timeout"`

	// BreakerFailureThreshold is the number of consecutive session-startup
	// failures against BinaryPath that trip the startup circuit breaker.
	// Zero disables the breaker.
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration `mapstructure:"breaker_reset_timeout"`
}

// QueueConfig configures per-session command queues (component C).
type QueueConfig struct {
	DefaultCommandTimeout time.Duration `mapstructure:"default_command_timeout"`
	MaxRetained           int           `mapstructure:"max_retained"`
	RetentionPeriod       time.Duration `mapstructure:"retention_period"`
}

// SessionConfig configures the session manager (component E).
type SessionConfig struct {
	MaxConcurrentSessions int64         `mapstructure:"max_concurrent_sessions"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
}

// TransportConfig configures the out-of-scope transport collaborators.
type TransportConfig struct {
	Kind    string `mapstructure:"kind"` // "stdio" | "http"
	Addr    string `mapstructure:"addr"`
	DevCORS bool   `mapstructure:"dev_cors"`
}

// Defaults applies spec.md §5's default timeouts to v before binding flags
// or a config file, so unset fields still validate.
func Defaults(v *viper.Viper) {
	v.SetDefault("debugger.command_timeout", 10*time.Minute)
	v.SetDefault("debugger.startup_timeout", 60*time.Second)
	v.SetDefault("debugger.disposal_timeout", 30*time.Second)
	v.SetDefault("debugger.startup_delay", 0)
	v.SetDefault("debugger.output_read_timeout", 10*time.Minute)
	v.SetDefault("debugger.breaker_failure_threshold", 5)
	v.SetDefault("debugger.breaker_reset_timeout", time.Minute)

	v.SetDefault("queue.default_command_timeout", 10*time.Minute)
	v.SetDefault("queue.max_retained", 1000)
	v.SetDefault("queue.retention_period", 15*time.Minute)

	v.SetDefault("session.max_concurrent_sessions", 10)
	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.cleanup_interval", 5*time.Minute)

	v.SetDefault("transport.kind", "stdio")
	v.SetDefault("transport.addr", "127.0.0.1:8787")
	v.SetDefault("transport.dev_cors", false)
}

// Load reads config from v (already populated by flags/env/file via the
// caller) into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces spec.md §5's "timeouts must be positive" invariant and
// the capacity/retention boundaries tested in §8.
func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"debugger.command_timeout":    c.Debugger.CommandTimeout,
		"debugger.startup_timeout":    c.Debugger.StartupTimeout,
		"debugger.disposal_timeout":   c.Debugger.DisposalTimeout,
		"debugger.output_read_timeout": c.Debugger.OutputReadTimeout,
		"queue.default_command_timeout": c.Queue.DefaultCommandTimeout,
		"session.idle_timeout":        c.Session.IdleTimeout,
		"session.cleanup_interval":    c.Session.CleanupInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s: ConfigInvalid: must be positive, got %s", name, d)
		}
	}
	if c.Debugger.StartupDelay < 0 {
		return fmt.Errorf("debugger.startup_delay: ConfigInvalid: must be non-negative")
	}
	if c.Session.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("session.max_concurrent_sessions: ConfigInvalid: must be positive")
	}
	if c.Queue.MaxRetained <= 0 {
		return fmt.Errorf("queue.max_retained: ConfigInvalid: must be positive")
	}
	if c.Queue.RetentionPeriod <= 0 {
		return fmt.Errorf("queue.retention_period: ConfigInvalid: must be positive")
	}
	switch c.Transport.Kind {
	case "stdio", "http":
	default:
		return fmt.Errorf("transport.kind: ConfigInvalid: must be %q or %q, got %q", "stdio", "http", c.Transport.Kind)
	}
	return nil
}
