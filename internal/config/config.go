// Package config defines all configuration for the trading event core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ORION_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"orion/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Env        string           `mapstructure:"env"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	API        APIConfig        `mapstructure:"api"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Bus        BusConfig        `mapstructure:"bus"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Gate       GateConfig       `mapstructure:"gate"`
	RFQ        RFQConfig        `mapstructure:"rfq"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Seed       SeedConfig       `mapstructure:"seed"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the HTTP/WebSocket surface.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// StorageConfig selects the persistence backend. The memory driver backs
// tests and single-process runs; postgres backs deployments.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "memory" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// BusConfig selects the event log backend.
type BusConfig struct {
	Driver  string   `mapstructure:"driver"` // "memory" or "kafka"
	Brokers []string `mapstructure:"brokers"`
}

// RedisConfig enables the shared tick cache. When Addr is empty every
// instance keeps its own in-memory cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TickTTL  time.Duration `mapstructure:"tick_ttl"`
}

// GateConfig sets the default admission limits. Per-tenant and per-user
// overrides arrive later on the control stream.
//
//   - RFQPerSec / OrdersPerSec: sustained command rates.
//   - Burst: token bucket capacity on top of the sustained rate.
//   - MaxNotional: per-command notional ceiling in quote currency. 0 = unlimited.
type GateConfig struct {
	RFQPerSec    float64 `mapstructure:"rfq_per_sec"`
	OrdersPerSec float64 `mapstructure:"orders_per_sec"`
	Burst        float64 `mapstructure:"burst"`
	MaxNotional  float64 `mapstructure:"max_notional"`
}

// RFQConfig tunes the quote workflow.
//
//   - MaxExpiry: longest RFQ lifetime a requester may ask for.
//   - QuoteTolerance: off-market flag threshold as a fraction of the reference mid.
//   - LastLookTolerance: price drift beyond which the pre-trade check
//     rejects an acceptance. 0 disables the drift check.
type RFQConfig struct {
	MaxExpiry         time.Duration `mapstructure:"max_expiry"`
	QuoteTolerance    float64       `mapstructure:"quote_tolerance"`
	LastLookTolerance float64       `mapstructure:"last_look_tolerance"`
}

// RelayConfig tunes the outbox drain loop.
type RelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// SettlementConfig selects the settlement transport and its retry policy.
// Mode "sim" flips a weighted coin per attempt; "http" posts instructions
// to each venue's configured endpoint.
type SettlementConfig struct {
	Mode               string        `mapstructure:"mode"` // "sim" or "http"
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	FailureProbability float64       `mapstructure:"failure_probability"`
	SimSeed            int64         `mapstructure:"sim_seed"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffCap         time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	StuckAfter         time.Duration `mapstructure:"stuck_after"`
}

// MarketDataConfig selects the tick source and tunes the pipeline.
//
//   - Mode "sim" random-walks the seeded instruments; "replay" streams an
//     archive file; "none" runs without a feed (commands still work, quote
//     sanity checks are skipped).
//   - CoalesceInterval bounds the per-subscriber update rate.
type MarketDataConfig struct {
	Mode               string            `mapstructure:"mode"` // "sim", "replay", "none"
	TickInterval       time.Duration     `mapstructure:"tick_interval"`
	SimSeed            int64             `mapstructure:"sim_seed"`
	Instruments        []SimFeedConfig   `mapstructure:"instruments"`
	ArchivePath        string            `mapstructure:"archive_path"`
	ReplaySpeed        float64           `mapstructure:"replay_speed"`
	CoalesceInterval   time.Duration     `mapstructure:"coalesce_interval"`
	StalenessThreshold time.Duration     `mapstructure:"staleness_threshold"`
	LateThreshold      time.Duration     `mapstructure:"late_threshold"`
}

// SimFeedConfig seeds one simulated instrument feed.
type SimFeedConfig struct {
	InstrumentID string  `mapstructure:"instrument_id"`
	StartMid     float64 `mapstructure:"start_mid"`
	Spread       float64 `mapstructure:"spread"`
	Volatility   float64 `mapstructure:"volatility"`
}

// SeedConfig is the reference data loaded at startup. Control-stream
// updates take precedence once the core is running.
type SeedConfig struct {
	Instruments []InstrumentSeed `mapstructure:"instruments"`
	Venues      []VenueSeed      `mapstructure:"venues"`
	LPs         []LPSeed         `mapstructure:"lps"`
}

type InstrumentSeed struct {
	InstrumentID string  `mapstructure:"instrument_id"`
	AssetClass   string  `mapstructure:"asset_class"`
	MinSize      float64 `mapstructure:"min_size"`
	MaxSize      float64 `mapstructure:"max_size"`
	LotSize      float64 `mapstructure:"lot_size"`
	Active       bool    `mapstructure:"active"`
}

type VenueSeed struct {
	VenueID            string `mapstructure:"venue_id"`
	Name               string `mapstructure:"name"`
	SettlementEndpoint string `mapstructure:"settlement_endpoint"`
	MaxSettleAttempts  int    `mapstructure:"max_settle_attempts"`
	Active             bool   `mapstructure:"active"`
}

type LPSeed struct {
	LPID          string   `mapstructure:"lp_id"`
	Name          string   `mapstructure:"name"`
	Instruments   []string `mapstructure:"instruments"`
	Tenants       []string `mapstructure:"tenants"`
	MaxRFQsPerSec float64  `mapstructure:"max_rfqs_per_sec"`
	Active        bool     `mapstructure:"active"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ORION_STORAGE_DSN, ORION_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ORION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("ORION_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if pass := os.Getenv("ORION_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if env := os.Getenv("ORION_ENV"); env != "" {
		cfg.Env = env
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Env == "" {
		return fmt.Errorf("env is required (e.g. dev, staging, prod)")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be in (0, 65535]")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver is postgres (set ORION_STORAGE_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: memory, postgres")
	}
	switch c.Bus.Driver {
	case "memory":
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("bus.brokers is required when bus.driver is kafka")
		}
	default:
		return fmt.Errorf("bus.driver must be one of: memory, kafka")
	}
	switch c.Settlement.Mode {
	case "", "sim", "http":
	default:
		return fmt.Errorf("settlement.mode must be one of: sim, http")
	}
	switch c.MarketData.Mode {
	case "", "none", "sim":
	case "replay":
		if c.MarketData.ArchivePath == "" {
			return fmt.Errorf("marketdata.archive_path is required when marketdata.mode is replay")
		}
	default:
		return fmt.Errorf("marketdata.mode must be one of: none, sim, replay")
	}
	if c.Gate.RFQPerSec <= 0 {
		return fmt.Errorf("gate.rfq_per_sec must be > 0")
	}
	if c.Gate.OrdersPerSec <= 0 {
		return fmt.Errorf("gate.orders_per_sec must be > 0")
	}
	if c.Gate.MaxNotional < 0 {
		return fmt.Errorf("gate.max_notional must be >= 0")
	}
	if c.RFQ.QuoteTolerance < 0 || c.RFQ.QuoteTolerance >= 1 {
		return fmt.Errorf("rfq.quote_tolerance must be in [0, 1)")
	}
	for i, inst := range c.Seed.Instruments {
		if inst.InstrumentID == "" {
			return fmt.Errorf("seed.instruments[%d].instrument_id is required", i)
		}
		if inst.MinSize < 0 || (inst.MaxSize > 0 && inst.MaxSize < inst.MinSize) {
			return fmt.Errorf("seed.instruments[%d]: max_size must be >= min_size", i)
		}
	}
	return nil
}

// SeedInstruments converts the instrument seeds to registry entries.
func (c *Config) SeedInstruments() []types.Instrument {
	out := make([]types.Instrument, 0, len(c.Seed.Instruments))
	for _, s := range c.Seed.Instruments {
		out = append(out, types.Instrument{
			InstrumentID: s.InstrumentID,
			AssetClass:   s.AssetClass,
			MinSize:      decimal.NewFromFloat(s.MinSize),
			MaxSize:      decimal.NewFromFloat(s.MaxSize),
			LotSize:      decimal.NewFromFloat(s.LotSize),
			Active:       s.Active,
		})
	}
	return out
}

// SeedVenues converts the venue seeds to registry entries.
func (c *Config) SeedVenues() []types.Venue {
	out := make([]types.Venue, 0, len(c.Seed.Venues))
	for _, s := range c.Seed.Venues {
		out = append(out, types.Venue{
			VenueID:            s.VenueID,
			Name:               s.Name,
			SettlementEndpoint: s.SettlementEndpoint,
			MaxSettleAttempts:  s.MaxSettleAttempts,
			Active:             s.Active,
		})
	}
	return out
}

// SeedLPs converts the LP seeds to registry entries.
func (c *Config) SeedLPs() []types.LiquidityProvider {
	out := make([]types.LiquidityProvider, 0, len(c.Seed.LPs))
	for _, s := range c.Seed.LPs {
		out = append(out, types.LiquidityProvider{
			LPID:          s.LPID,
			Name:          s.Name,
			Instruments:   s.Instruments,
			Tenants:       s.Tenants,
			MaxRFQsPerSec: s.MaxRFQsPerSec,
			Active:        s.Active,
		})
	}
	return out
}
