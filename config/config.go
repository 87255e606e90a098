package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"gridsettle/core/types"
	nativecommon "gridsettle/native/common"
	"gridsettle/native/staking"
	"gridsettle/native/token"
	"gridsettle/native/trading"
)

// Config is the on-disk node configuration. Token amounts are decimal
// strings so operators never lose precision to TOML number parsing.
type Config struct {
	DataDir       string   `toml:"DataDir"`
	Environment   string   `toml:"Environment"`
	LogLevel      string   `toml:"LogLevel"`
	MetricsAddr   string   `toml:"MetricsAddress"`
	AdminAddress  string   `toml:"AdminAddress"`
	PausedModules []string `toml:"PausedModules"`

	Token     TokenConfig     `toml:"token"`
	Trading   TradingConfig   `toml:"trading"`
	Staking   StakingConfig   `toml:"staking"`
	Pricefeed PricefeedConfig `toml:"pricefeed"`
}

type TokenConfig struct {
	MaxSupply     string `toml:"MaxSupply"`
	TransferFeeBp uint32 `toml:"TransferFeeBp"`
	TradingFeeBp  uint32 `toml:"TradingFeeBp"`
	MaxFeeBp      uint32 `toml:"MaxFeeBp"`
	FeeCollector  string `toml:"FeeCollector"`
}

type TradingConfig struct {
	MinTradeAmount string `toml:"MinTradeAmount"`
	MaxTradeAmount string `toml:"MaxTradeAmount"`
	EscrowDelay    int64  `toml:"EscrowDelaySeconds"`
}

type StakingConfig struct {
	MinimumStake      string `toml:"MinimumStake"`
	MaximumValidators uint32 `toml:"MaximumValidators"`
	UnbondingPeriod   int64  `toml:"UnbondingPeriodSeconds"`
	SlashingBp        uint32 `toml:"SlashingBp"`
}

type PricefeedConfig struct {
	Freshness      int64  `toml:"FreshnessSeconds"`
	MaxDeviationBp uint64 `toml:"MaxDeviationBp"`
}

// Load reads the configuration from path, creating a default file when none
// exists, and validates it.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		DataDir:     "./gridsettle-data",
		Environment: "local",
		LogLevel:    "info",
		MetricsAddr: ":9464",
		Token: TokenConfig{
			MaxSupply:     "1000000000000000000000000000",
			TransferFeeBp: 0,
			TradingFeeBp:  25,
			MaxFeeBp:      500,
		},
		Trading: TradingConfig{
			MinTradeAmount: "1000000000000000000",
			MaxTradeAmount: "1000000000000000000000000",
			EscrowDelay:    3600,
		},
		Staking: StakingConfig{
			MinimumStake:      "1000000000000000000000",
			MaximumValidators: 100,
			UnbondingPeriod:   604800,
			SlashingBp:        1000,
		},
		Pricefeed: PricefeedConfig{
			Freshness:      900,
			MaxDeviationBp: 2000,
		},
	}
}

func writeDefault(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if c.AdminAddress != "" {
		if _, err := types.ParseAddress(c.AdminAddress); err != nil {
			return fmt.Errorf("config: AdminAddress: %w", err)
		}
	}
	if c.Token.MaxFeeBp > 10_000 {
		return fmt.Errorf("config: MaxFeeBp %d exceeds 10000", c.Token.MaxFeeBp)
	}
	if c.Token.TransferFeeBp > c.Token.MaxFeeBp {
		return fmt.Errorf("config: TransferFeeBp %d exceeds MaxFeeBp %d", c.Token.TransferFeeBp, c.Token.MaxFeeBp)
	}
	if c.Token.TradingFeeBp > c.Token.MaxFeeBp {
		return fmt.Errorf("config: TradingFeeBp %d exceeds MaxFeeBp %d", c.Token.TradingFeeBp, c.Token.MaxFeeBp)
	}
	if c.Token.FeeCollector != "" {
		if _, err := types.ParseAddress(c.Token.FeeCollector); err != nil {
			return fmt.Errorf("config: FeeCollector: %w", err)
		}
	}
	maxSupply, err := parseAmount("MaxSupply", c.Token.MaxSupply)
	if err != nil {
		return err
	}
	if maxSupply.Sign() <= 0 {
		return fmt.Errorf("config: MaxSupply must be positive")
	}
	minTrade, err := parseAmount("MinTradeAmount", c.Trading.MinTradeAmount)
	if err != nil {
		return err
	}
	maxTrade, err := parseAmount("MaxTradeAmount", c.Trading.MaxTradeAmount)
	if err != nil {
		return err
	}
	if minTrade.Sign() <= 0 {
		return fmt.Errorf("config: MinTradeAmount must be positive")
	}
	if maxTrade.Cmp(minTrade) < 0 {
		return fmt.Errorf("config: MaxTradeAmount below MinTradeAmount")
	}
	if c.Trading.EscrowDelay < 0 {
		return fmt.Errorf("config: EscrowDelaySeconds must not be negative")
	}
	minStake, err := parseAmount("MinimumStake", c.Staking.MinimumStake)
	if err != nil {
		return err
	}
	if minStake.Sign() <= 0 {
		return fmt.Errorf("config: MinimumStake must be positive")
	}
	if c.Staking.MaximumValidators == 0 {
		return fmt.Errorf("config: MaximumValidators must be positive")
	}
	if c.Staking.UnbondingPeriod < 0 {
		return fmt.Errorf("config: UnbondingPeriodSeconds must not be negative")
	}
	if c.Staking.SlashingBp > 5_000 {
		return fmt.Errorf("config: SlashingBp %d exceeds 5000", c.Staking.SlashingBp)
	}
	if c.Pricefeed.Freshness <= 0 {
		return fmt.Errorf("config: FreshnessSeconds must be positive")
	}
	for _, module := range c.PausedModules {
		switch module {
		case "token", "trading", "staking":
		default:
			return fmt.Errorf("config: unknown module %q in PausedModules", module)
		}
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("config: %s: invalid amount %q", field, raw)
	}
	return v, nil
}

// MaxSupplyAmount returns the parsed supply cap. Validate must have passed.
func (c *Config) MaxSupplyAmount() *big.Int {
	v, _ := new(big.Int).SetString(strings.TrimSpace(c.Token.MaxSupply), 10)
	return v
}

// FeeConfig builds the ledger fee configuration.
func (c *Config) FeeConfig() (token.FeeConfig, error) {
	cfg := token.FeeConfig{
		TransferFeeBp: c.Token.TransferFeeBp,
		TradingFeeBp:  c.Token.TradingFeeBp,
		MaxFeeBp:      c.Token.MaxFeeBp,
	}
	if c.Token.FeeCollector != "" {
		collector, err := types.ParseAddress(c.Token.FeeCollector)
		if err != nil {
			return token.FeeConfig{}, err
		}
		cfg.FeeCollector = collector
	}
	return cfg, nil
}

// TradingLimits builds the trade bounds for the trading engine.
func (c *Config) TradingLimits() trading.Limits {
	minTrade, _ := new(big.Int).SetString(strings.TrimSpace(c.Trading.MinTradeAmount), 10)
	maxTrade, _ := new(big.Int).SetString(strings.TrimSpace(c.Trading.MaxTradeAmount), 10)
	return trading.Limits{
		MinTradeAmount: minTrade,
		MaxTradeAmount: maxTrade,
		EscrowDelay:    c.Trading.EscrowDelay,
	}
}

// StakingParams builds the staking rules.
func (c *Config) StakingParams() staking.Params {
	minStake, _ := new(big.Int).SetString(strings.TrimSpace(c.Staking.MinimumStake), 10)
	return staking.Params{
		MinimumStake:      minStake,
		MaximumValidators: c.Staking.MaximumValidators,
		UnbondingPeriod:   c.Staking.UnbondingPeriod,
		SlashingBp:        c.Staking.SlashingBp,
	}
}

// Pauses builds the static pause view from PausedModules.
func (c *Config) Pauses() nativecommon.PauseView {
	paused := nativecommon.StaticPauses{}
	for _, module := range c.PausedModules {
		paused[module] = true
	}
	return paused
}
