// Package config loads the daemon configuration from the environment,
// optionally overlaid with a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from the "300ms"/"3s" string
// form in both environment variables and YAML.
type Duration time.Duration

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(repl string) error {
	parsed, err := time.ParseDuration(repl)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration of the sync daemon.
type Config struct {
	Supabase SupabaseConfig `yaml:"supabase"`
	HTTP     HTTPConfig     `yaml:"http"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`
}

// SupabaseConfig identifies the backend project.
type SupabaseConfig struct {
	URL      string `env:"SUPABASE_URL,required" yaml:"url"`
	AnonKey  string `env:"SUPABASE_ANON_KEY,required" yaml:"anon_key"`
	Realtime bool   `env:"SUPABASE_REALTIME,default=true" yaml:"realtime"`
}

// HTTPConfig configures the gateway listener. AdvisorSecret signs the
// gateway-issued advisor tokens; when empty a random secret is used and
// advisor sessions do not survive a restart.
type HTTPConfig struct {
	Addr            string   `env:"HTTP_ADDR,default=:8080" yaml:"addr"`
	ReadTimeout     Duration `env:"HTTP_READ_TIMEOUT,default=15s" yaml:"read_timeout"`
	WriteTimeout    Duration `env:"HTTP_WRITE_TIMEOUT,default=30s" yaml:"write_timeout"`
	ShutdownTimeout Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=10s" yaml:"shutdown_timeout"`
	AdvisorSecret   string   `env:"GATEWAY_ADVISOR_SECRET" yaml:"advisor_secret"`
}

// SyncConfig tunes the synchronization layer.
type SyncConfig struct {
	PollInterval  Duration `env:"SYNC_POLL_INTERVAL,default=3s" yaml:"poll_interval"`
	SettleDelay   Duration `env:"SYNC_SETTLE_DELAY,default=300ms" yaml:"settle_delay"`
	RPCBaseDelay  Duration `env:"SYNC_RPC_BASE_DELAY,default=500ms" yaml:"rpc_base_delay"`
	ReconcileCron string   `env:"SYNC_RECONCILE_CRON,default=@every 5m" yaml:"reconcile_cron"`
}

// LogConfig selects the logger profile.
type LogConfig struct {
	Level       string `env:"LOG_LEVEL,default=info" yaml:"level"`
	Development bool   `env:"LOG_DEVELOPMENT,default=false" yaml:"development"`
}

// Load reads a .env file if present, decodes the environment, and
// applies overrides from the YAML file at path when path is non-empty.
// Values set in the file replace the environment-derived ones.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // allow .env for local runs

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks the fields envdecode cannot express constraints for.
func (c *Config) Validate() error {
	if c.Supabase.URL == "" {
		return fmt.Errorf("supabase url is required")
	}
	if c.Supabase.AnonKey == "" {
		return fmt.Errorf("supabase anon key is required")
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Sync.RPCBaseDelay <= 0 {
		return fmt.Errorf("rpc base delay must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
