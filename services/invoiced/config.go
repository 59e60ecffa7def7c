package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the invoice sync daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Node          NodeConfig      `yaml:"node"`
	Sync          SyncConfig      `yaml:"sync"`
	Storage       StorageConfig   `yaml:"storage"`
	Auth          AuthConfig      `yaml:"auth"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// NodeConfig describes the ledger endpoint and the deployed invoice contract.
type NodeConfig struct {
	URL      string `yaml:"url"`
	ChainID  int64  `yaml:"chain_id"`
	Contract string `yaml:"contract"`
	// PrivateKey signs write calls. The INVOICED_PRIVATE_KEY environment
	// variable overrides it so deployments can keep the key out of the
	// config file. Empty means read-only mode.
	PrivateKey     string        `yaml:"private_key"`
	Confirmations  uint64        `yaml:"confirmations"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReadsPerSecond float64       `yaml:"reads_per_second"`
}

// SyncConfig tunes the discovery and mutation paths.
type SyncConfig struct {
	LookbackBlocks  uint64        `yaml:"lookback_blocks"`
	FixedFloor      uint64        `yaml:"fixed_floor"`
	ProbeMargin     uint64        `yaml:"probe_margin"`
	ReadConcurrency int           `yaml:"read_concurrency"`
	FinalityTimeout time.Duration `yaml:"finality_timeout"`
	ResyncInterval  time.Duration `yaml:"resync_interval"`
	// Owners lists the addresses the background warmer keeps fresh so
	// remote verifications and burns surface without a local mutation.
	Owners []string `yaml:"owners"`
}

// StorageConfig selects the optional cache snapshot database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig lists the bearer tokens accepted on the API.
type AuthConfig struct {
	APITokens []string `yaml:"api_tokens"`
}

// TelemetryConfig mirrors the OTLP exporter knobs.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	cfg.Node.URL = strings.TrimSpace(cfg.Node.URL)
	cfg.Node.Contract = strings.TrimSpace(cfg.Node.Contract)
	if key := strings.TrimSpace(os.Getenv("INVOICED_PRIVATE_KEY")); key != "" {
		cfg.Node.PrivateKey = key
	}
	cfg.Node.PrivateKey = strings.TrimSpace(cfg.Node.PrivateKey)
	if cfg.Sync.ResyncInterval <= 0 {
		cfg.Sync.ResyncInterval = 30 * time.Second
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	tokens := cfg.Auth.APITokens[:0]
	for _, token := range cfg.Auth.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	cfg.Auth.APITokens = tokens
}

func (cfg *Config) validate() error {
	if cfg.Node.URL == "" {
		return fmt.Errorf("node: url required")
	}
	if !common.IsHexAddress(cfg.Node.Contract) {
		return fmt.Errorf("node: contract must be a hex address")
	}
	if cfg.Node.PrivateKey != "" && cfg.Node.ChainID <= 0 {
		return fmt.Errorf("node: chain_id required when a signing key is configured")
	}
	for _, owner := range cfg.Sync.Owners {
		if !common.IsHexAddress(owner) {
			return fmt.Errorf("sync: owner %q is not a hex address", owner)
		}
	}
	return nil
}

// OwnerAddresses returns the configured warm-list as parsed addresses.
func (cfg Config) OwnerAddresses() []common.Address {
	owners := make([]common.Address, 0, len(cfg.Sync.Owners))
	for _, raw := range cfg.Sync.Owners {
		owners = append(owners, common.HexToAddress(raw))
	}
	return owners
}
