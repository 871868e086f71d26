// Package config loads the tickvault YAML configuration and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tickvault/internal/domain"
)

// Config is the top-level configuration for the tickvault pipeline.
type Config struct {
	Storage  Storage             `yaml:"storage"`
	Alpaca   Alpaca              `yaml:"alpaca"`
	Logging  Logging             `yaml:"logging"`
	Ingest   Ingest              `yaml:"ingest"`
	Universe map[string]Category `yaml:"universe"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir      string `yaml:"data_dir"`
	RegistryPath string `yaml:"registry_path"`
}

// Alpaca holds credentials and endpoints for the market-data provider.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Ingest holds parameters for the download worker pool.
type Ingest struct {
	StartDate         string         `yaml:"start_date"`
	Workers           int            `yaml:"workers"`
	MaxAttempts       int            `yaml:"max_attempts"`
	BaseBackoffMS     int            `yaml:"base_backoff_ms"`
	MaxBackoffMS      int            `yaml:"max_backoff_ms"`
	CallsPerMinute    int            `yaml:"calls_per_minute"`
	CooldownMinutes   int            `yaml:"ratelimit_cooldown_minutes"`
	StaleClaimMinutes int            `yaml:"stale_claim_minutes"`
	Timeframes        []string       `yaml:"timeframes"`
	WindowDays        map[string]int `yaml:"window_days"`
}

// Category describes one symbol group. Symbols may be listed inline or read
// from a file with one symbol per line.
type Category struct {
	Symbols     []string `yaml:"symbols"`
	SymbolsFile string   `yaml:"symbols_file"`
}

// Load reads the YAML configuration file at the given path, parses it,
// applies environment overrides, and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Timeframes resolves the configured timeframe strings, falling back to the
// full supported set when none are configured.
func (c *Config) Timeframes() ([]domain.Timeframe, error) {
	if len(c.Ingest.Timeframes) == 0 {
		return domain.AllTimeframes, nil
	}
	out := make([]domain.Timeframe, 0, len(c.Ingest.Timeframes))
	for _, s := range c.Ingest.Timeframes {
		tf, err := domain.ParseTimeframe(s)
		if err != nil {
			return nil, fmt.Errorf("ingest.timeframes: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}

// WindowDays returns the maximum calendar days per provider call for the
// given timeframe, honouring config overrides.
func (c *Config) WindowDays(tf domain.Timeframe) int {
	if d, ok := c.Ingest.WindowDays[string(tf)]; ok && d > 0 {
		return d
	}
	return tf.DefaultWindowDays()
}

// Symbols resolves the symbol list for a category, reading the symbols file
// when configured. Inline symbols and file entries are combined, uppercased,
// and deduplicated in order.
func (c *Config) Symbols(category string) ([]string, error) {
	cat, ok := c.Universe[category]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", category)
	}

	var raw []string
	raw = append(raw, cat.Symbols...)

	if cat.SymbolsFile != "" {
		data, err := os.ReadFile(cat.SymbolsFile)
		if err != nil {
			return nil, fmt.Errorf("reading symbols file for %s: %w", category, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if sym := strings.TrimSpace(line); sym != "" {
				raw = append(raw, sym)
			}
		}
	}

	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, sym := range raw {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("REGISTRY_PATH"); v != "" {
		cfg.Storage.RegistryPath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills in sane defaults for any unset ingest parameters.
func applyDefaults(cfg *Config) {
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 8
	}
	if cfg.Ingest.MaxAttempts <= 0 {
		cfg.Ingest.MaxAttempts = 4
	}
	if cfg.Ingest.BaseBackoffMS <= 0 {
		cfg.Ingest.BaseBackoffMS = 500
	}
	if cfg.Ingest.MaxBackoffMS <= 0 {
		cfg.Ingest.MaxBackoffMS = 30_000
	}
	if cfg.Ingest.CallsPerMinute <= 0 {
		cfg.Ingest.CallsPerMinute = 200
	}
	if cfg.Ingest.CooldownMinutes <= 0 {
		cfg.Ingest.CooldownMinutes = 15
	}
	if cfg.Ingest.StaleClaimMinutes <= 0 {
		cfg.Ingest.StaleClaimMinutes = 30
	}
	if cfg.Ingest.StartDate == "" {
		cfg.Ingest.StartDate = "2015-01-01"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
