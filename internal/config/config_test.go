package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
env: dev
api:
  port: 8080
storage:
  driver: memory
bus:
  driver: memory
gate:
  rfq_per_sec: 50
  orders_per_sec: 100
  burst: 20
  max_notional: 25000000
rfq:
  max_expiry: 120s
  quote_tolerance: 0.05
marketdata:
  mode: sim
  tick_interval: 200ms
  instruments:
    - instrument_id: EURUSD
      start_mid: 1.0850
      spread: 0.0002
      volatility: 0.0001
seed:
  instruments:
    - instrument_id: EURUSD
      asset_class: FX
      min_size: 1000
      max_size: 10000000
      lot_size: 1000
      active: true
  venues:
    - venue_id: XOTC
      name: OTC Desk
      active: true
  lps:
    - lp_id: lp-alpine
      active: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Env != "dev" || cfg.API.Port != 8080 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RFQ.MaxExpiry != 120*time.Second {
		t.Errorf("max_expiry = %v", cfg.RFQ.MaxExpiry)
	}
	if cfg.MarketData.TickInterval != 200*time.Millisecond {
		t.Errorf("tick_interval = %v", cfg.MarketData.TickInterval)
	}
	if len(cfg.Seed.Instruments) != 1 || cfg.Seed.Instruments[0].InstrumentID != "EURUSD" {
		t.Errorf("seed instruments = %+v", cfg.Seed.Instruments)
	}
}

func TestSeedConversions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	insts := cfg.SeedInstruments()
	if len(insts) != 1 || !insts[0].MinSize.Equal(insts[0].LotSize) {
		t.Errorf("instruments = %+v", insts)
	}
	if venues := cfg.SeedVenues(); len(venues) != 1 || venues[0].VenueID != "XOTC" {
		t.Errorf("venues = %+v", venues)
	}
	if lps := cfg.SeedLPs(); len(lps) != 1 || lps[0].LPID != "lp-alpine" {
		t.Errorf("lps = %+v", lps)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing env", func(c *Config) { c.Env = "" }},
		{"bad port", func(c *Config) { c.API.Port = 0 }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }},
		{"kafka without brokers", func(c *Config) { c.Bus.Driver = "kafka"; c.Bus.Brokers = nil }},
		{"replay without archive", func(c *Config) { c.MarketData.Mode = "replay"; c.MarketData.ArchivePath = "" }},
		{"zero rfq rate", func(c *Config) { c.Gate.RFQPerSec = 0 }},
		{"tolerance out of range", func(c *Config) { c.RFQ.QuoteTolerance = 1.5 }},
		{"instrument size inversion", func(c *Config) {
			c.Seed.Instruments[0].MinSize = 5000
			c.Seed.Instruments[0].MaxSize = 1000
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleYAML))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverridesDSN(t *testing.T) {
	t.Setenv("ORION_STORAGE_DSN", "postgres://core:secret@db:5432/orion")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DSN != "postgres://core:secret@db:5432/orion" {
		t.Errorf("dsn = %q", cfg.Storage.DSN)
	}
}
