package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/sedaprotocol/seda-overlay-prover/internal/types"
)

type Config struct {
	Redis   RedisConfig
	Server  ServerConfig
	Prover  ProverConfig
	Ledger  LedgerConfig
	Payout  PayoutConfig
	Genesis GenesisConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type ProverConfig struct {
	MaxBatchAge uint64 `mapstructure:"max_batch_age"`
}

type LedgerConfig struct {
	MinGasPrice      string `mapstructure:"min_gas_price"`
	MinExecGasLimit  uint64 `mapstructure:"min_exec_gas_limit"`
	MinTallyGasLimit uint64 `mapstructure:"min_tally_gas_limit"`
}

type PayoutConfig struct {
	RPCURL      string `mapstructure:"rpc_url"`
	OperatorKey string `mapstructure:"operator_key"`
	ChainID     int64  `mapstructure:"chain_id"`
}

// GenesisConfig seeds the first trusted batch when the store is empty.
type GenesisConfig struct {
	Height          uint64 `mapstructure:"height"`
	OriginHeight    uint64 `mapstructure:"origin_height"`
	ValidatorsRoot  string `mapstructure:"validators_root"`
	ResultsRoot     string `mapstructure:"results_root"`
	ProvingMetadata string `mapstructure:"proving_metadata"`
}

// Batch converts the genesis section into a types.Batch.
func (g GenesisConfig) Batch() types.Batch {
	return types.Batch{
		Height:          g.Height,
		OriginHeight:    g.OriginHeight,
		ValidatorsRoot:  common.HexToHash(g.ValidatorsRoot),
		ResultsRoot:     common.HexToHash(g.ResultsRoot),
		ProvingMetadata: common.HexToHash(g.ProvingMetadata),
	}
}

// MinGasPriceInt parses the configured minimum gas price.
func (l LedgerConfig) MinGasPriceInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(l.MinGasPrice, 10)
	if !ok {
		return nil, fmt.Errorf("invalid MIN_GAS_PRICE: %q", l.MinGasPrice)
	}
	return v, nil
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("prover.max_batch_age", 100)
	v.SetDefault("ledger.min_gas_price", "2000")
	v.SetDefault("ledger.min_exec_gas_limit", uint64(10_000_000_000_000))
	v.SetDefault("ledger.min_tally_gas_limit", uint64(10_000_000_000_000))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"server.port":                "PORT",
		"prover.max_batch_age":       "MAX_BATCH_AGE",
		"ledger.min_gas_price":       "MIN_GAS_PRICE",
		"ledger.min_exec_gas_limit":  "MIN_EXEC_GAS_LIMIT",
		"ledger.min_tally_gas_limit": "MIN_TALLY_GAS_LIMIT",
		"payout.rpc_url":             "PAYOUT_RPC_URL",
		"payout.operator_key":        "PAYOUT_OPERATOR_KEY",
		"payout.chain_id":            "PAYOUT_CHAIN_ID",
		"genesis.height":             "GENESIS_HEIGHT",
		"genesis.origin_height":      "GENESIS_ORIGIN_HEIGHT",
		"genesis.validators_root":    "GENESIS_VALIDATORS_ROOT",
		"genesis.results_root":       "GENESIS_RESULTS_ROOT",
		"genesis.proving_metadata":   "GENESIS_PROVING_METADATA",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Payout.RPCURL, "PAYOUT_RPC_URL"},
		{c.Payout.OperatorKey, "PAYOUT_OPERATOR_KEY"},
		{c.Genesis.ValidatorsRoot, "GENESIS_VALIDATORS_ROOT"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Payout.ChainID == 0 {
		return fmt.Errorf("required config missing: PAYOUT_CHAIN_ID")
	}
	if _, err := c.Ledger.MinGasPriceInt(); err != nil {
		return err
	}
	return nil
}
