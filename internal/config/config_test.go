package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, obj map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func baseConfig() map[string]interface{} {
	return map[string]interface{}{
		"btc_network":     "mainnet",
		"bitcoin_rpc_url": "http://127.0.0.1:8332",
		"payout_address":  "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		"pool_signature":  "basalt/1.0",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, baseConfig())
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 3333, cfg.StratumPort)
	require.Equal(t, 9100, cfg.MetricsPort)
	require.Equal(t, 8090, cfg.HealthPort)
	require.Equal(t, 8881, cfg.RelayPort)
	require.Equal(t, ModeStandalone, cfg.Mode)
	require.Equal(t, 10, cfg.FailoverTimeoutS)
	require.Equal(t, 0.3, cfg.VarDiff.EMAAlpha)
	require.Equal(t, 0.8, cfg.VarDiff.DeadBandLow)
	require.Equal(t, 1.2, cfg.VarDiff.DeadBandHigh)
	require.Equal(t, int64(86400), cfg.VarDiff.ReconnectTTLS)
	require.Equal(t, 50000, cfg.MaxSessions)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	obj := baseConfig()
	obj["bitcoin_rpc_user"] = "$TEST_RPC_USER"
	path := writeTempConfig(t, obj)

	t.Setenv("TEST_RPC_USER", "alice")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.BitcoinRPCUser)
}

func TestLoadRejectsInvalidNetwork(t *testing.T) {
	obj := baseConfig()
	obj["btc_network"] = "moonnet"
	path := writeTempConfig(t, obj)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMismatchedPayoutAddress(t *testing.T) {
	obj := baseConfig()
	obj["btc_network"] = "testnet"
	path := writeTempConfig(t, obj)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsRelayWithoutPrimaryURL(t *testing.T) {
	obj := baseConfig()
	obj["mode"] = "relay"
	path := writeTempConfig(t, obj)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsOversizedSignature(t *testing.T) {
	obj := baseConfig()
	obj["pool_signature"] = "this-signature-is-far-too-long"
	path := writeTempConfig(t, obj)

	_, err := Load(path)
	require.Error(t, err)
}
