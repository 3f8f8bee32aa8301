// Package gwconfig loads the gateway's own tunables: where workspaces live,
// how the agent binary is found, and how the process pool is timed. It
// follows the donor codebase's viper-based layered config (defaults, then
// config file, then environment) scoped down to what this core actually
// needs.
package gwconfig

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PoolConfig tunes the process pool's reaping behaviour.
type PoolConfig struct {
	MaxIdleTime     time.Duration `mapstructure:"max_idle_time"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LoggingConfig mirrors obslog.Config's mapstructure shape so it can be
// decoded straight out of viper.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Config is the gateway's complete set of ambient tunables.
type Config struct {
	WorkspacesRoot   string        `mapstructure:"workspaces_root"`
	AgentBinary      string        `mapstructure:"agent_binary"`
	DefaultTier      string        `mapstructure:"default_policy_tier"`
	SingleShotTimeout time.Duration `mapstructure:"single_shot_timeout"`
	Pool             PoolConfig    `mapstructure:"pool"`
	Logging          LoggingConfig `mapstructure:"logging"`
}

// Load builds a Config from defaults, an optional config file, and the
// environment (prefix GATEWAY_, e.g. GATEWAY_WORKSPACES_ROOT).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("workspaces_root", "/var/lib/agent-gateway/workspaces")
	v.SetDefault("agent_binary", "")
	v.SetDefault("default_policy_tier", "standard")
	v.SetDefault("single_shot_timeout", "120s")
	v.SetDefault("pool.max_idle_time", "300s")
	v.SetDefault("pool.cleanup_interval", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.AgentBinary == "" {
		if resolved, err := exec.LookPath("claude"); err == nil {
			cfg.AgentBinary = resolved
		} else {
			cfg.AgentBinary = "claude"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.WorkspacesRoot == "" {
		return fmt.Errorf("workspaces_root must not be empty")
	}
	switch c.DefaultTier {
	case "strict", "standard", "permissive":
	default:
		return fmt.Errorf("default_policy_tier must be one of strict|standard|permissive, got %q", c.DefaultTier)
	}
	if c.Pool.MaxIdleTime <= 0 {
		return fmt.Errorf("pool.max_idle_time must be positive")
	}
	if c.Pool.CleanupInterval <= 0 {
		return fmt.Errorf("pool.cleanup_interval must be positive")
	}
	return nil
}
