package utils

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/okx/surge/ledger"
)

const testKey = "0x815405dddb0e2a99b12af775fd2929e526704e1d1aea6a0b4e74dc33e2f7fcd2"

func loadTestConfig(t *testing.T, flags *pflag.FlagSet, path string) *Config {
	v, err := NewViper(flags)
	require.NoError(t, err)
	cfg, err := LoadConfig(v, path)
	require.NoError(t, err)
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := loadTestConfig(t, nil, "")
	require.Equal(t, 10, cfg.NumWallets)
	require.Equal(t, 100, cfg.TransactionsPerWallet)
	require.Equal(t, 1000, cfg.IntervalMs)
	require.Equal(t, uint64(21000), cfg.GasLimit)
	require.Equal(t, "0.0001ETH", cfg.TransactionAmount)
	require.Equal(t, DefaultReceiptTimeout, cfg.ReceiptTimeout)
	require.Equal(t, time.Second, cfg.Interval())
	require.Nil(t, cfg.GasPrice())
	require.Nil(t, cfg.FundCap())

	err := cfg.Validate()
	require.True(t, ledger.IsKind(err, ledger.KindConfigValidation))
	require.ErrorContains(t, err, "privateKey is required")
	require.ErrorContains(t, err, "rpcUrl is required")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("SURGE_RPC_URL", "http://localhost:8124")
	t.Setenv("NUM_WALLETS", "3")
	t.Setenv("SURGE_STOP_TIMEOUT", "30s")
	t.Setenv("GAS_PRICE_GWEI", "2.5")

	cfg := loadTestConfig(t, nil, "")
	require.NoError(t, cfg.Validate())
	require.Equal(t, 3, cfg.NumWallets)
	require.Equal(t, "http://localhost:8124", cfg.RpcURL)
	require.Equal(t, 30*time.Second, cfg.StopTimeout)
	require.Equal(t, big.NewInt(2_500_000_000), cfg.GasPrice())
}

func TestConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surge.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"privateKey": "`+testKey+`",
		"rpcUrl": "http://file:8545",
		"numWallets": 4,
		"fundAmount": "0.5ETH"
	}`), 0600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--num-wallets", "7", "--interval-ms", "0"}))

	cfg := loadTestConfig(t, flags, path)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 7, cfg.NumWallets)
	require.Equal(t, 0, cfg.IntervalMs)
	require.Equal(t, "http://file:8545", cfg.RpcURL)
	require.Equal(t, "500000000000000000", cfg.FundCap().String())
}

func TestConfigValidateBounds(t *testing.T) {
	base := Config{
		PrivateKey:            testKey,
		RpcURL:                "http://localhost:8545",
		NumWallets:            1,
		TransactionsPerWallet: 1,
		GasLimit:              21000,
		TransactionAmount:     "1ETH",
	}
	require.NoError(t, base.Validate())

	bad := []func(c *Config){
		func(c *Config) { c.NumWallets = 0 },
		func(c *Config) { c.TransactionsPerWallet = -1 },
		func(c *Config) { c.IntervalMs = -1 },
		func(c *Config) { c.GasLimit = 0 },
		func(c *Config) { c.TransactionAmount = "1" },
		func(c *Config) { c.FundAmount = "lots" },
		func(c *Config) { c.PrivateKey = "0x1234" },
		func(c *Config) { c.LogLevel = "loud" },
	}
	for i, mutate := range bad {
		c := base
		mutate(&c)
		err := c.Validate()
		require.Error(t, err, "case %d", i)
		require.True(t, ledger.IsFatal(err), "case %d", i)
	}
}

func TestConfigMissingFile(t *testing.T) {
	v, err := NewViper(nil)
	require.NoError(t, err)
	_, err = LoadConfig(v, filepath.Join(t.TempDir(), "missing.json"))
	require.True(t, ledger.IsKind(err, ledger.KindConfigValidation))
}

func TestRedacted(t *testing.T) {
	cfg := Config{PrivateKey: testKey}
	require.Equal(t, "0x8154...", cfg.Redacted().PrivateKey)
	require.Equal(t, testKey, cfg.PrivateKey)
}
