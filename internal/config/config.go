// Package config provides configuration loading and validation for the
// mining pool engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/basaltpool/stratum-engine/internal/address"
)

// Mode selects whether this process is a standalone pool, a replication
// primary, or a relay fed by a primary.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModePrimary    Mode = "primary"
	ModeRelay      Mode = "relay"
)

// Config represents the complete daemon configuration, loaded from a single
// top-level JSON object per the wire spec.
type Config struct {
	BTCNetwork      address.Network `json:"btc_network"`
	BitcoinRPCURL   string          `json:"bitcoin_rpc_url"`
	BitcoinRPCUser  string          `json:"bitcoin_rpc_user"`
	BitcoinRPCPass  string          `json:"bitcoin_rpc_pass"`
	ZMQURL          string          `json:"zmq_url"`
	RedisURL        string          `json:"redis_url"`
	NATSURL         string          `json:"nats_url"`
	EventSocketPath string          `json:"event_socket_path"`
	Region          string          `json:"region"`
	PoolSignature   string          `json:"pool_signature"`
	PayoutAddress   string          `json:"payout_address"`

	StratumPort int `json:"stratum_port"`
	MetricsPort int `json:"metrics_port"`
	HealthPort  int `json:"health_port"`
	RelayPort   int `json:"relay_port"`

	Mode             Mode   `json:"mode,omitempty"`
	PrimaryURL       string `json:"primary_url,omitempty"`
	FailoverTimeoutS int    `json:"failover_timeout_s"`

	VarDiff VarDiffConfig `json:"vardiff"`

	MinDiff     float64 `json:"min_diff"`
	MaxDiff     float64 `json:"max_diff"`
	MaxSessions int     `json:"max_sessions"`

	RateLimits RateLimitConfig `json:"rate_limits"`

	Logging LoggingConfig `json:"logging"`

	Postgres PostgresConfig `json:"postgres"`
}

// VarDiffConfig holds the variance difficulty engine's tunables, defaults
// per spec §4.4.
type VarDiffConfig struct {
	TargetIntervalS    float64 `json:"target_interval_s"`
	EMAAlpha           float64 `json:"ema_alpha"`
	DeadBandLow        float64 `json:"dead_band_low"`
	DeadBandHigh       float64 `json:"dead_band_high"`
	Dampening          float64 `json:"dampening"`
	CooldownS          float64 `json:"cooldown_s"`
	FastRampThreshold  float64 `json:"fast_ramp_threshold"`
	FastRampMaxJump    float64 `json:"fast_ramp_max_jump"`
	ReconnectTTLS      int64   `json:"reconnect_ttl_s"`
}

// RateLimitConfig holds per-session and per-IP token bucket settings.
type RateLimitConfig struct {
	MessagesPerSecond float64 `json:"messages_per_second"`
	ConnectsPerSecond float64 `json:"connects_per_second"`
}

// LoggingConfig mirrors the teacher's logging block; not in spec.md's wire
// keys but carried as ambient configuration the way the teacher does.
type LoggingConfig struct {
	Level    string `json:"level"`
	Format   string `json:"format"`
	Output   string `json:"output"`
	FilePath string `json:"file_path,omitempty"`
}

// PostgresConfig holds the solo-payout ledger's connection settings.
type PostgresConfig struct {
	DSN            string `json:"dsn"`
	MaxConnections int    `json:"max_connections"`
}

// Load reads, expands, parses, defaults, and validates the configuration
// file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BTCNetwork == "" {
		cfg.BTCNetwork = address.Mainnet
	}
	if cfg.StratumPort == 0 {
		cfg.StratumPort = 3333
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9100
	}
	if cfg.HealthPort == 0 {
		cfg.HealthPort = 8090
	}
	if cfg.RelayPort == 0 {
		cfg.RelayPort = 8881
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStandalone
	}
	if cfg.FailoverTimeoutS == 0 {
		cfg.FailoverTimeoutS = 10
	}

	if cfg.VarDiff.TargetIntervalS == 0 {
		cfg.VarDiff.TargetIntervalS = 10
	}
	if cfg.VarDiff.EMAAlpha == 0 {
		cfg.VarDiff.EMAAlpha = 0.3
	}
	if cfg.VarDiff.DeadBandLow == 0 {
		cfg.VarDiff.DeadBandLow = 0.8
	}
	if cfg.VarDiff.DeadBandHigh == 0 {
		cfg.VarDiff.DeadBandHigh = 1.2
	}
	if cfg.VarDiff.Dampening == 0 {
		cfg.VarDiff.Dampening = 0.5
	}
	if cfg.VarDiff.CooldownS == 0 {
		cfg.VarDiff.CooldownS = 30
	}
	if cfg.VarDiff.FastRampThreshold == 0 {
		cfg.VarDiff.FastRampThreshold = 4.0
	}
	if cfg.VarDiff.FastRampMaxJump == 0 {
		cfg.VarDiff.FastRampMaxJump = 64
	}
	if cfg.VarDiff.ReconnectTTLS == 0 {
		cfg.VarDiff.ReconnectTTLS = 86400
	}

	if cfg.MinDiff == 0 {
		cfg.MinDiff = 0.001
	}
	if cfg.MaxDiff == 0 {
		cfg.MaxDiff = 1000000.0
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 50000
	}

	if cfg.RateLimits.MessagesPerSecond == 0 {
		cfg.RateLimits.MessagesPerSecond = 100
	}
	if cfg.RateLimits.ConnectsPerSecond == 0 {
		cfg.RateLimits.ConnectsPerSecond = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
}

func validate(cfg *Config) error {
	switch cfg.BTCNetwork {
	case address.Mainnet, address.Testnet, address.Signet, address.Regtest:
	default:
		return fmt.Errorf("invalid btc_network: %q", cfg.BTCNetwork)
	}

	switch cfg.Mode {
	case ModeStandalone, ModePrimary, ModeRelay:
	default:
		return fmt.Errorf("invalid mode: %q", cfg.Mode)
	}
	if cfg.Mode == ModeRelay && cfg.PrimaryURL == "" {
		return fmt.Errorf("mode=relay requires primary_url")
	}

	if cfg.StratumPort < 1 || cfg.StratumPort > 65535 {
		return fmt.Errorf("invalid stratum_port: %d", cfg.StratumPort)
	}

	if cfg.BitcoinRPCURL == "" {
		return fmt.Errorf("bitcoin_rpc_url is required")
	}

	if cfg.PoolSignature != "" {
		if err := address.ValidateSignature(cfg.PoolSignature); err != nil {
			return fmt.Errorf("invalid pool_signature: %w", err)
		}
	}

	if cfg.PayoutAddress == "" {
		return fmt.Errorf("payout_address is required")
	}
	if _, err := address.Validate(cfg.PayoutAddress, cfg.BTCNetwork); err != nil {
		return fmt.Errorf("invalid payout_address: %w", err)
	}

	if cfg.MinDiff <= 0 || cfg.MinDiff > cfg.MaxDiff {
		return fmt.Errorf("min_diff must be positive and <= max_diff")
	}

	if cfg.VarDiff.DeadBandLow <= 0 || cfg.VarDiff.DeadBandLow >= cfg.VarDiff.DeadBandHigh {
		return fmt.Errorf("invalid vardiff dead band: [%f, %f]", cfg.VarDiff.DeadBandLow, cfg.VarDiff.DeadBandHigh)
	}

	return nil
}
