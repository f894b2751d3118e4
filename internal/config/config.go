// Package config loads flowgate settings from a YAML file, a .env file and
// FLOWGATE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fentz26/flowgate/internal/analysis"
	"github.com/fentz26/flowgate/internal/logging"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/scheduler"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Log      logging.Config `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
	Linear   LinearConfig   `mapstructure:"linear"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// URL is where CLI and TUI clients reach the API.
	URL string `mapstructure:"url"`
}

// DatabaseConfig selects and configures the workflow store.
type DatabaseConfig struct {
	Driver   string        `mapstructure:"driver"` // sqlite, postgres
	Path     string        `mapstructure:"path"`
	DSN      string        `mapstructure:"dsn"`
	MaxConns int32         `mapstructure:"max_conns"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

// AnalysisConfig configures the analysis loop.
type AnalysisConfig struct {
	scheduler.Config `mapstructure:",squash"`

	Enabled      bool   `mapstructure:"enabled"`
	FailureState string `mapstructure:"failure_state"`
}

// Worker returns the analysis worker settings.
func (c AnalysisConfig) Worker() analysis.Config {
	return analysis.Config{FailureState: models.State(c.FailureState)}
}

// DispatchConfig configures the dispatch loop.
type DispatchConfig struct {
	scheduler.Config `mapstructure:",squash"`

	Enabled     bool `mapstructure:"enabled"`
	MaxAttempts int  `mapstructure:"max_attempts"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SendGridConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Host    string        `mapstructure:"host"`
	From    string        `mapstructure:"from"`
	To      string        `mapstructure:"to"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LinearConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	APIURL  string        `mapstructure:"api_url"`
	TeamID  string        `mapstructure:"team_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// postgresReservedConns is pool headroom for API requests next to the loops.
const postgresReservedConns = 2

// providerEnv lists the unprefixed variable names the providers document.
var providerEnv = map[string]string{
	"openai.api_key":   "OPENAI_API_KEY",
	"sendgrid.api_key": "SENDGRID_API_KEY",
	"linear.api_key":   "LINEAR_API_KEY",
	"linear.team_id":   "LINEAR_TEAM_ID",
	"database.dsn":     "DATABASE_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("server.addr", "127.0.0.1:7466")
	v.SetDefault("server.url", "http://127.0.0.1:7466")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "flowgate.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.claim_ttl", "5m")

	loop := scheduler.DefaultConfig()
	for _, section := range []string{"analysis", "dispatch"} {
		v.SetDefault(section+".enabled", true)
		v.SetDefault(section+".concurrency", loop.Concurrency)
		v.SetDefault(section+".idle_interval", loop.IdleInterval)
		v.SetDefault(section+".error_backoff", loop.ErrorBackoff)
		v.SetDefault(section+".drain_pause", loop.DrainPause)
	}
	v.SetDefault("analysis.failure_state", string(models.StateAIFailed))
	v.SetDefault("dispatch.max_attempts", 1)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4.1-mini")
	v.SetDefault("openai.temperature", 0)
	v.SetDefault("openai.timeout", "60s")

	v.SetDefault("sendgrid.api_key", "")
	v.SetDefault("sendgrid.host", "https://api.sendgrid.com")
	v.SetDefault("sendgrid.from", "")
	v.SetDefault("sendgrid.to", "")
	v.SetDefault("sendgrid.timeout", "30s")

	v.SetDefault("linear.api_key", "")
	v.SetDefault("linear.api_url", "https://api.linear.app/graphql")
	v.SetDefault("linear.team_id", "")
	v.SetDefault("linear.timeout", "30s")
}

// Load reads the configuration. An empty path searches flowgate.yaml in the
// working directory, ./config and $HOME/.flowgate; a missing file is not an
// error in that case.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.flowgate")
	}

	v.SetEnvPrefix("FLOWGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range providerEnv {
		envName := "FLOWGATE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envName, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings every command depends on. Provider
// credentials are checked when the provider is built.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
		if c.Database.MaxConns < 1 {
			return errors.New("database.max_conns must be at least 1")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Database.ClaimTTL <= 0 {
		return errors.New("database.claim_ttl must be positive")
	}

	if err := c.Analysis.Worker().Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if err := c.Analysis.Config.Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if err := c.Dispatch.Config.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.max_attempts must be at least 1")
	}

	// A collaborator call must end before the claim it runs under can expire.
	for name, timeout := range map[string]time.Duration{
		"openai.timeout":   c.OpenAI.Timeout,
		"sendgrid.timeout": c.SendGrid.Timeout,
		"linear.timeout":   c.Linear.Timeout,
	} {
		if timeout <= 0 || timeout >= c.Database.ClaimTTL {
			return fmt.Errorf("%s must be positive and below database.claim_ttl (%s), got %s", name, c.Database.ClaimTTL, timeout)
		}
	}

	if c.Database.Driver == "postgres" {
		if need := c.PostgresConnsNeeded(); int(c.Database.MaxConns) < need {
			return fmt.Errorf("database.max_conns is %d but the enabled loops need at least %d", c.Database.MaxConns, need)
		}
	}
	return nil
}

// PostgresConnsNeeded is the smallest pool that cannot deadlock. Every
// claim holds a connection for its whole unit, and a dispatch unit needs
// a second one for ledger reads and writes.
func (c *Config) PostgresConnsNeeded() int {
	need := postgresReservedConns
	if c.Analysis.Enabled {
		need += c.Analysis.Concurrency
	}
	if c.Dispatch.Enabled {
		need += 2 * c.Dispatch.Concurrency
	}
	return need
}
