package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for dcad.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	FeeAsset      string          `yaml:"fee_asset" toml:"fee_asset"`
	Tokens        []Token         `yaml:"tokens" toml:"tokens"`
	Venue         VenueConfig     `yaml:"venue" toml:"venue"`
	Paper         PaperConfig     `yaml:"paper" toml:"paper"`
	EVM           EVMConfig       `yaml:"evm" toml:"evm"`
	Scheduler     SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Retry         RetryConfig     `yaml:"retry" toml:"retry"`
	Sweeper       SweeperConfig   `yaml:"sweeper" toml:"sweeper"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// AuthConfig controls owner bearer token validation.
type AuthConfig struct {
	Disabled   bool     `yaml:"disabled" toml:"disabled"`
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Token registers an asset with its venue address.
type Token struct {
	Symbol   string `yaml:"symbol" toml:"symbol"`
	Address  string `yaml:"address" toml:"address"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
}

// VenueConfig addresses the swap venues.
type VenueConfig struct {
	Mode            string   `yaml:"mode" toml:"mode"`
	PrimaryRouter   string   `yaml:"primary_router" toml:"primary_router"`
	Quoter          string   `yaml:"quoter" toml:"quoter"`
	SecondaryRouter string   `yaml:"secondary_router" toml:"secondary_router"`
	DefaultFeeTier  uint32   `yaml:"default_fee_tier" toml:"default_fee_tier"`
	Recipient       string   `yaml:"recipient" toml:"recipient"`
	PrecisionUnit   string   `yaml:"precision_unit" toml:"precision_unit"`
	Deadline        Duration `yaml:"deadline" toml:"deadline"`
	QuoteGas        uint64   `yaml:"quote_gas" toml:"quote_gas"`
	ApproveGas      uint64   `yaml:"approve_gas" toml:"approve_gas"`
	SwapGas         uint64   `yaml:"swap_gas" toml:"swap_gas"`
}

// PaperConfig drives the simulated venue. Rates are keyed "SRC/TGT" and
// express target units per source unit as decimals.
type PaperConfig struct {
	Rates                map[string]string `yaml:"rates" toml:"rates"`
	SecondaryDiscountBps uint32            `yaml:"secondary_discount_bps" toml:"secondary_discount_bps"`
	FailPrimary          bool              `yaml:"fail_primary" toml:"fail_primary"`
}

// EVMConfig connects the live router to a chain.
type EVMConfig struct {
	RPCURL         string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID        uint64   `yaml:"chain_id" toml:"chain_id"`
	KeystoreDir    string   `yaml:"keystore_dir" toml:"keystore_dir"`
	Account        string   `yaml:"account" toml:"account"`
	PassphraseEnv  string   `yaml:"passphrase_env" toml:"passphrase_env"`
	ReceiptTimeout Duration `yaml:"receipt_timeout" toml:"receipt_timeout"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// SchedulerConfig tunes the in-process scheduler and the tier plans use.
type SchedulerConfig struct {
	Priority     string   `yaml:"priority" toml:"priority"`
	Effort       uint64   `yaml:"effort" toml:"effort"`
	BaseFee      string   `yaml:"base_fee" toml:"base_fee"`
	PerEffortFee string   `yaml:"per_effort_fee" toml:"per_effort_fee"`
	Tick         Duration `yaml:"tick" toml:"tick"`
	LowTierDelay Duration `yaml:"low_tier_delay" toml:"low_tier_delay"`
	// EntryStore selects where pending registrations live: "database"
	// shares the plan database, "bolt" keeps them in EntryPath.
	EntryStore string `yaml:"entry_store" toml:"entry_store"`
	EntryPath  string `yaml:"entry_path" toml:"entry_path"`
}

// RetryConfig controls how failed runs are retried.
type RetryConfig struct {
	MaxRetries uint32   `yaml:"max_retries" toml:"max_retries"`
	Delay      Duration `yaml:"delay" toml:"delay"`
}

// SweeperConfig schedules the stalled-plan report.
type SweeperConfig struct {
	Spec string `yaml:"spec" toml:"spec"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML; everything else as YAML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes raw configuration in the format implied by ext, applies
// defaults and validates the result.
func Parse(data []byte, ext string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = "/var/data/dcad.sqlite"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.FeeAsset == "" {
		cfg.FeeAsset = "FLOW"
	}
	if cfg.Venue.Mode == "" {
		cfg.Venue.Mode = "paper"
	}
	if cfg.Venue.DefaultFeeTier == 0 {
		cfg.Venue.DefaultFeeTier = 3000
	}
	if cfg.Venue.PrecisionUnit == "" {
		cfg.Venue.PrecisionUnit = "10000000000"
	}
	if cfg.Venue.Deadline.Duration == 0 {
		cfg.Venue.Deadline.Duration = 5 * time.Minute
	}
	if cfg.EVM.ReceiptTimeout.Duration == 0 {
		cfg.EVM.ReceiptTimeout.Duration = 2 * time.Minute
	}
	if cfg.EVM.PollInterval.Duration == 0 {
		cfg.EVM.PollInterval.Duration = 2 * time.Second
	}
	if cfg.EVM.PassphraseEnv == "" {
		cfg.EVM.PassphraseEnv = "DCAD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Scheduler.Priority == "" {
		cfg.Scheduler.Priority = "medium"
	}
	if cfg.Scheduler.Effort == 0 {
		cfg.Scheduler.Effort = 1_000
	}
	if cfg.Scheduler.BaseFee == "" {
		cfg.Scheduler.BaseFee = "1000"
	}
	if cfg.Scheduler.PerEffortFee == "" {
		cfg.Scheduler.PerEffortFee = "1"
	}
	if cfg.Scheduler.Tick.Duration == 0 {
		cfg.Scheduler.Tick.Duration = time.Second
	}
	if cfg.Scheduler.LowTierDelay.Duration == 0 {
		cfg.Scheduler.LowTierDelay.Duration = time.Minute
	}
	if cfg.Scheduler.EntryStore == "" {
		cfg.Scheduler.EntryStore = "database"
	}
	if cfg.Retry.Delay.Duration == 0 {
		cfg.Retry.Delay.Duration = 5 * time.Minute
	}
	if cfg.Sweeper.Spec == "" {
		cfg.Sweeper.Spec = "@every 1m"
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database.dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if !cfg.Auth.Disabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured unless auth is disabled")
	}
	if len(cfg.Tokens) < 2 {
		return fmt.Errorf("at least two tokens must be configured")
	}
	for _, tok := range cfg.Tokens {
		if strings.TrimSpace(tok.Symbol) == "" {
			return fmt.Errorf("token symbol required")
		}
		if !common.IsHexAddress(tok.Address) {
			return fmt.Errorf("token %s address %q is not a hex address", tok.Symbol, tok.Address)
		}
	}
	switch cfg.Venue.Mode {
	case "paper":
		if len(cfg.Paper.Rates) == 0 {
			return fmt.Errorf("paper.rates must be configured in paper mode")
		}
	case "evm":
		if strings.TrimSpace(cfg.EVM.RPCURL) == "" {
			return fmt.Errorf("evm.rpc_url must be configured in evm mode")
		}
		if strings.TrimSpace(cfg.EVM.KeystoreDir) == "" || !common.IsHexAddress(cfg.EVM.Account) {
			return fmt.Errorf("evm.keystore_dir and evm.account must be configured in evm mode")
		}
	default:
		return fmt.Errorf("unsupported venue mode %q", cfg.Venue.Mode)
	}
	for field, addr := range map[string]string{
		"venue.primary_router":   cfg.Venue.PrimaryRouter,
		"venue.quoter":           cfg.Venue.Quoter,
		"venue.secondary_router": cfg.Venue.SecondaryRouter,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address", field)
		}
	}
	if cfg.Venue.Recipient != "" && !common.IsHexAddress(cfg.Venue.Recipient) {
		return fmt.Errorf("venue.recipient must be a hex address")
	}
	switch cfg.Scheduler.EntryStore {
	case "database":
	case "bolt":
		if strings.TrimSpace(cfg.Scheduler.EntryPath) == "" {
			return fmt.Errorf("scheduler.entry_path must be configured for the bolt entry store")
		}
	default:
		return fmt.Errorf("unsupported scheduler entry store %q", cfg.Scheduler.EntryStore)
	}
	return nil
}
