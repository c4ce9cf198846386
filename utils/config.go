package utils

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/okx/surge/ledger"
)

const EnvPrefix = "SURGE"

// Config is the run configuration. Values come from an optional config file,
// then environment variables, then command-line flags.
type Config struct {
	PrivateKey            string        `mapstructure:"privateKey"`
	RpcURL                string        `mapstructure:"rpcUrl"`
	NumWallets            int           `mapstructure:"numWallets"`
	TransactionsPerWallet int           `mapstructure:"transactionsPerWallet"`
	IntervalMs            int           `mapstructure:"intervalMs"`
	GasLimit              uint64        `mapstructure:"gasLimit"`
	GasPriceGwei          float64       `mapstructure:"gasPriceGwei"` // 0 means ask the node
	TransactionAmount     string        `mapstructure:"transactionAmount"`
	FundAmount            string        `mapstructure:"fundAmount"` // empty means split the whole balance
	TargetTPS             int           `mapstructure:"targetTPS"`  // 0 means no limit
	ReceiptTimeout        time.Duration `mapstructure:"receiptTimeout"`
	StopTimeout           time.Duration `mapstructure:"stopTimeout"` // 0 means wait for in-flight receipts
	MetricsAddr           string        `mapstructure:"metricsAddr"`
	AccountsFilePath      string        `mapstructure:"accountsFilePath"`
	ChainMonitor          bool          `mapstructure:"chainMonitor"`
	LogLevel              string        `mapstructure:"logLevel"`
}

type option struct {
	key   string
	flag  string
	env   string
	def   interface{}
	usage string
}

var options = []option{
	{"privateKey", "private-key", "PRIVATE_KEY", "", "Funding account private key (required)"},
	{"rpcUrl", "rpc-url", "RPC_URL", "", "Ledger JSON-RPC endpoint (required)"},
	{"numWallets", "num-wallets", "NUM_WALLETS", 10, "Number of worker accounts"},
	{"transactionsPerWallet", "transactions-per-wallet", "TRANSACTIONS_PER_WALLET", 100, "Transfers sent by each worker"},
	{"intervalMs", "interval-ms", "INTERVAL_MS", 1000, "Delay between two sends of the same worker, in milliseconds"},
	{"gasLimit", "gas-limit", "GAS_LIMIT", uint64(21000), "Gas limit of every transfer"},
	{"gasPriceGwei", "gas-price-gwei", "GAS_PRICE_GWEI", 0.0, "Gas price in gwei, 0 queries the node"},
	{"transactionAmount", "transaction-amount", "TRANSACTION_AMOUNT", "0.0001ETH", "Value of every load transfer"},
	{"fundAmount", "fund-amount", "FUND_AMOUNT", "", "Upper bound of funds sent to each worker, empty splits the whole balance"},
	{"targetTPS", "target-tps", "TARGET_TPS", 0, "Global send rate limit, 0 means unlimited"},
	{"receiptTimeout", "receipt-timeout", "RECEIPT_TIMEOUT", DefaultReceiptTimeout, "Maximum wait for a single receipt"},
	{"stopTimeout", "stop-timeout", "STOP_TIMEOUT", time.Duration(0), "Abort in-flight waits this long after a stop request, 0 waits"},
	{"metricsAddr", "metrics-addr", "METRICS_ADDR", "", "Serve Prometheus metrics on this address"},
	{"accountsFilePath", "accounts-file", "ACCOUNTS_FILE", "", "Save generated worker keys to this file"},
	{"chainMonitor", "chain-monitor", "CHAIN_MONITOR", false, "Log on-chain TPS from block contents"},
	{"logLevel", "log-level", "LOG_LEVEL", "info", "Log level: trace, debug, info, warn, error"},
}

// RegisterFlags adds one flag per option to flags
func RegisterFlags(flags *pflag.FlagSet) {
	for _, o := range options {
		switch d := o.def.(type) {
		case string:
			flags.String(o.flag, d, o.usage)
		case int:
			flags.Int(o.flag, d, o.usage)
		case uint64:
			flags.Uint64(o.flag, d, o.usage)
		case float64:
			flags.Float64(o.flag, d, o.usage)
		case bool:
			flags.Bool(o.flag, d, o.usage)
		case time.Duration:
			flags.Duration(o.flag, d, o.usage)
		}
	}
}

// NewViper returns a viper instance with defaults, env bindings and, when
// flags is non-nil, flag bindings for every option
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	for _, o := range options {
		v.SetDefault(o.key, o.def)
		if err := v.BindEnv(o.key, EnvPrefix+"_"+o.env, o.env); err != nil {
			return nil, err
		}
		if flags == nil {
			continue
		}
		if f := flags.Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// LoadConfig reads the optional config file into v and decodes the result
func LoadConfig(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, ledger.NewFatal(ledger.KindConfigValidation, fmt.Errorf("read config %s: %w", configPath, err))
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, ledger.NewFatal(ledger.KindConfigValidation, err)
	}
	return &cfg, nil
}

// Validate checks every option without touching the network
func (c *Config) Validate() error {
	var errs []error
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("privateKey is required"))
	} else if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x")); err != nil {
		errs = append(errs, fmt.Errorf("privateKey: %w", err))
	}
	if c.RpcURL == "" {
		errs = append(errs, errors.New("rpcUrl is required"))
	}
	if c.NumWallets <= 0 {
		errs = append(errs, fmt.Errorf("numWallets must be > 0, got %d", c.NumWallets))
	}
	if c.TransactionsPerWallet <= 0 {
		errs = append(errs, fmt.Errorf("transactionsPerWallet must be > 0, got %d", c.TransactionsPerWallet))
	}
	if c.IntervalMs < 0 {
		errs = append(errs, fmt.Errorf("intervalMs must be >= 0, got %d", c.IntervalMs))
	}
	if c.GasLimit == 0 {
		errs = append(errs, errors.New("gasLimit must be > 0"))
	}
	if c.GasPriceGwei < 0 {
		errs = append(errs, fmt.Errorf("gasPriceGwei must be >= 0, got %v", c.GasPriceGwei))
	}
	if _, err := ParseAmountWithETH(c.TransactionAmount); err != nil {
		errs = append(errs, fmt.Errorf("transactionAmount: %w", err))
	}
	if c.FundAmount != "" {
		if _, err := ParseAmountWithETH(c.FundAmount); err != nil {
			errs = append(errs, fmt.Errorf("fundAmount: %w", err))
		}
	}
	if c.TargetTPS < 0 {
		errs = append(errs, fmt.Errorf("targetTPS must be >= 0, got %d", c.TargetTPS))
	}
	if c.ReceiptTimeout < 0 || c.StopTimeout < 0 {
		errs = append(errs, errors.New("timeouts must be >= 0"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return ledger.NewFatal(ledger.KindConfigValidation, errors.Join(errs...))
	}
	return nil
}

// Interval is the per-worker send interval
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// TransferValue is the value of every load transfer in wei
func (c *Config) TransferValue() *big.Int {
	v, _ := ParseAmountWithETH(c.TransactionAmount)
	return v
}

// FundCap is the per-worker funding cap in wei, nil when unset
func (c *Config) FundCap() *big.Int {
	if c.FundAmount == "" {
		return nil
	}
	v, _ := ParseAmountWithETH(c.FundAmount)
	return v
}

// GasPrice is the configured gas price in wei, nil when the node should be asked
func (c *Config) GasPrice() *big.Int {
	if c.GasPriceGwei == 0 {
		return nil
	}
	return ParseGasPriceToBigInt(c.GasPriceGwei)
}

// Redacted returns the configuration with the private key masked, for logging
func (c *Config) Redacted() Config {
	cp := *c
	if len(cp.PrivateKey) > 6 {
		cp.PrivateKey = cp.PrivateKey[:6] + "..."
	}
	return cp
}
