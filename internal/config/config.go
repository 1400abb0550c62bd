// Package config defines all configuration for the active quoting engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	API         APIConfig         `mapstructure:"api"`
	Quote       QuoteConfig       `mapstructure:"quote"`
	Inventory   InventoryConfig   `mapstructure:"inventory"`
	Momentum    MomentumConfig    `mapstructure:"momentum"`
	OrderMgr    OrderManagerConfig `mapstructure:"order_manager"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Status      StatusConfig      `mapstructure:"status"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey      string `mapstructure:"private_key"`
	SignatureType   int    `mapstructure:"signature_type"`
	FunderAddress   string `mapstructure:"funder_address"`
	ChainID         int    `mapstructure:"chain_id"`
	ExchangeAddress string `mapstructure:"exchange_address"` // CTF exchange contract, verifyingContract for order EIP-712
}

// APIConfig holds exchange REST/WebSocket endpoints and optional pre-derived
// L2 credentials. If ApiKey/Secret/Passphrase are empty, the engine derives
// them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// QuoteConfig tunes the pricing rule: improve-when-wide, inventory skew,
// hysteresis and rate control (spec §4.5/§5/§6).
type QuoteConfig struct {
	OrderSizeUSDC           float64       `mapstructure:"order_size_usdc"`
	ImproveWhenSpreadTicks  int           `mapstructure:"improve_when_spread_ticks"`
	InventorySkewCoefficient float64      `mapstructure:"inventory_skew_coefficient"`
	RefreshThresholdTicks   int           `mapstructure:"refresh_threshold_ticks"`
	MinRefreshInterval      time.Duration `mapstructure:"min_refresh_interval_ms"`
	GlobalRefreshCapPerSec  int           `mapstructure:"global_refresh_cap_per_sec"`
}

// InventoryConfig tunes position tracking and reconciliation (spec §4.3).
type InventoryConfig struct {
	PendingFillTTL          time.Duration `mapstructure:"pending_fill_ttl_s"`
	ReconcileEpsilon        float64       `mapstructure:"reconcile_epsilon"`
	MaxPositionPerMarket    float64       `mapstructure:"max_position_per_market"`
	MaxLiabilityPerMarket   float64       `mapstructure:"max_liability_per_market"`
	MaxTotalLiability       float64       `mapstructure:"max_total_liability"`
}

// MomentumConfig tunes the momentum/sweep detector (spec §4.4).
type MomentumConfig struct {
	ThresholdTicks      int           `mapstructure:"momentum_threshold_ticks"`
	Window              time.Duration `mapstructure:"momentum_window_ms"`
	SweepDepthThreshold float64       `mapstructure:"sweep_depth_threshold"`
	DepthLevels         int           `mapstructure:"sweep_depth_levels"` // top-N levels summed per side for the sweep check
	CooldownSeconds     time.Duration `mapstructure:"cooldown_seconds"`
}

// OrderManagerConfig tunes order placement (spec §4.6).
type OrderManagerConfig struct {
	FeeCacheTTL time.Duration `mapstructure:"fee_cache_ttl_s"`
	BatchMax    int           `mapstructure:"batch_max"`
}

// RiskConfig sets the thresholds driving the NORMAL/WARNING/HALTED/RECOVERING
// state machine (spec §4.7).
type RiskConfig struct {
	MaxDrawdownPerMarket   float64       `mapstructure:"max_drawdown_per_market"`
	MaxDrawdownGlobal      float64       `mapstructure:"max_drawdown_global"`
	MaxLossPerTrade        float64       `mapstructure:"max_loss_per_trade"`
	MaxConsecutiveErrors   int           `mapstructure:"max_consecutive_errors"`
	MaxErrorsPerHour       int           `mapstructure:"max_errors_per_hour"`
	CircuitBreakerCooldown time.Duration `mapstructure:"circuit_breaker_cooldown_s"`
	CircuitBreakerRecovery time.Duration `mapstructure:"circuit_breaker_recovery_s"`
	AutoRecover            bool          `mapstructure:"auto_recover"`
	RequireManualReset     bool          `mapstructure:"require_manual_reset"`
	StaleFeedThreshold     time.Duration `mapstructure:"stale_feed_threshold_s"`
	HaltOnWSGaps           bool          `mapstructure:"halt_on_ws_gaps"`
	WSGapReconcileAttempts int           `mapstructure:"ws_gap_reconcile_attempts"`
	WSGapRecoveryInterval  time.Duration `mapstructure:"ws_gap_recovery_interval_s"`
	WarnConsecutiveErrors  int           `mapstructure:"warn_consecutive_errors"`
}

// DiscoveryConfig controls the external market-discovery lookup: hydrating
// static metadata (tick size, min order size, pair) for an operator-supplied
// asset list. It does not rank or select markets — that remains the
// discovery collaborator's job.
type DiscoveryConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	AssetIDs     []string      `mapstructure:"asset_ids"`
}

// StoreConfig sets where state is persisted (sqlite file).
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the operator JSON status/health endpoint.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// applyDefaults fills in the spec-prescribed defaults for anything the YAML
// file left at its zero value.
func applyDefaults(c *Config) {
	if c.Inventory.PendingFillTTL == 0 {
		c.Inventory.PendingFillTTL = 30 * time.Second
	}
	if c.Inventory.ReconcileEpsilon == 0 {
		c.Inventory.ReconcileEpsilon = 0.0001
	}
	if c.OrderMgr.FeeCacheTTL == 0 {
		c.OrderMgr.FeeCacheTTL = 300 * time.Second
	}
	if c.OrderMgr.BatchMax == 0 {
		c.OrderMgr.BatchMax = 15
	}
	if c.Momentum.Window == 0 {
		c.Momentum.Window = 500 * time.Millisecond
	}
	if c.Momentum.ThresholdTicks == 0 {
		c.Momentum.ThresholdTicks = 3
	}
	if c.Momentum.SweepDepthThreshold == 0 {
		c.Momentum.SweepDepthThreshold = 0.5
	}
	if c.Momentum.DepthLevels == 0 {
		c.Momentum.DepthLevels = 5
	}
	if c.Momentum.CooldownSeconds == 0 {
		c.Momentum.CooldownSeconds = 2 * time.Second
	}
	if c.Quote.ImproveWhenSpreadTicks == 0 {
		c.Quote.ImproveWhenSpreadTicks = 4
	}
	if c.Quote.RefreshThresholdTicks == 0 {
		c.Quote.RefreshThresholdTicks = 1
	}
	if c.Quote.InventorySkewCoefficient == 0 {
		c.Quote.InventorySkewCoefficient = 0.1
	}
	if c.Quote.GlobalRefreshCapPerSec == 0 {
		c.Quote.GlobalRefreshCapPerSec = 20
	}
	if c.Risk.StaleFeedThreshold == 0 {
		c.Risk.StaleFeedThreshold = 10 * time.Second
	}
	if c.Risk.WSGapReconcileAttempts == 0 {
		c.Risk.WSGapReconcileAttempts = 3
	}
	if c.Risk.CircuitBreakerCooldown == 0 {
		c.Risk.CircuitBreakerCooldown = 300 * time.Second
	}
	if c.Risk.WarnConsecutiveErrors == 0 {
		c.Risk.WarnConsecutiveErrors = 3
	}
	if c.Risk.MaxConsecutiveErrors == 0 {
		c.Risk.MaxConsecutiveErrors = 10
	}
	if c.Risk.MaxErrorsPerHour == 0 {
		c.Risk.MaxErrorsPerHour = 50
	}
	if c.Discovery.PollInterval == 0 {
		c.Discovery.PollInterval = 60 * time.Second
	}
	if c.Wallet.ExchangeAddress == "" {
		c.Wallet.ExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Quote.OrderSizeUSDC <= 0 {
		return fmt.Errorf("quote.order_size_usdc must be > 0")
	}
	if c.Inventory.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("inventory.max_position_per_market must be > 0")
	}
	if c.Inventory.MaxTotalLiability <= 0 {
		return fmt.Errorf("inventory.max_total_liability must be > 0")
	}
	if c.Risk.MaxDrawdownGlobal <= 0 {
		return fmt.Errorf("risk.max_drawdown_global must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}
