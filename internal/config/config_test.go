package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"

	"yieldledger/internal/config"
)

// =============================================================================
// Load precedence
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PersistBatchSize != 50 {
		t.Errorf("batch size: got %d, want 50", cfg.PersistBatchSize)
	}
	if cfg.PersistFlushTimeout != 10*time.Millisecond {
		t.Errorf("flush timeout: got %v", cfg.PersistFlushTimeout)
	}
	if cfg.IdempotencyLRUCapacity != 1_000_000 {
		t.Errorf("lru capacity: got %d", cfg.IdempotencyLRUCapacity)
	}
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lend.yaml")
	body := []byte("grpc-addr: \":7000\"\nhttp-addr: \":7001\"\nmaturity: 5000\nsnapshot-interval: 10\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LEND_HTTP_ADDR", ":7101")
	t.Setenv("LEND_SNAPSHOT_INTERVAL", "20")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("snapshot-interval", "", "")
	if err := flags.Parse([]string{"--snapshot-interval=30"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GRPCAddr != ":7000" {
		t.Errorf("file value: got %q", cfg.GRPCAddr)
	}
	if cfg.HTTPAddr != ":7101" {
		t.Errorf("env over file: got %q", cfg.HTTPAddr)
	}
	if cfg.SnapshotInterval != 30 {
		t.Errorf("flag over env: got %d", cfg.SnapshotInterval)
	}
	if cfg.Maturity != 5000 {
		t.Errorf("maturity: got %d", cfg.Maturity)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}

// =============================================================================
// Genesis validation
// =============================================================================

func genesisConfig() config.Config {
	return config.Config{
		PoolAddress:            "0x00000000000000000000000000000000000000a1",
		SplitterAddress:        "0x00000000000000000000000000000000000000A2",
		Owner:                  "0x000000000000000000000000000000000000000f",
		Maturity:               2_000,
		GenesisTime:            1_000,
		IdempotencyLRUCapacity: 64,
	}
}

func TestEngineConfig(t *testing.T) {
	ec, err := genesisConfig().EngineConfig()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if ec.SplitterAddress != common.HexToAddress("0xa2") {
		t.Errorf("splitter: got %s", ec.SplitterAddress.Hex())
	}
	if ec.LRUCapacity != 64 || ec.Maturity != 2_000 || ec.GenesisTime != 1_000 {
		t.Errorf("unexpected engine config %+v", ec)
	}
}

func TestEngineConfig_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing pool", func(c *config.Config) { c.PoolAddress = "" }},
		{"bad owner", func(c *config.Config) { c.Owner = "0xnothex" }},
		{"no maturity", func(c *config.Config) { c.Maturity = 0 }},
		{"maturity before genesis", func(c *config.Config) { c.Maturity = 500 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := genesisConfig()
			tt.mutate(&cfg)
			if _, err := cfg.EngineConfig(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
