// Package config loads the environment-driven settings this core reads
// once at startup (spec §6's "Configuration" contract), overrides via
// environment. Grounded on the teacher's pkg/config/config.go: the
// godotenv-then-getEnv idiom is kept; the multi-tenant/multi-venue knobs
// (USDT/Coin futures toggles, python-worker flag, license server,
// language) are dropped along with the components they configured.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every environment-overridable setting for the execution
// core: the single pair, the venue credentials, and the per-component
// tunables spec §6 names explicitly.
type Config struct {
	Port string

	// Venue
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
	Symbol           string // single spot pair, e.g. "DOGEUSDT"
	BaseAsset        string // "DOGE"
	QuoteAsset       string // "USDT"

	// DLE
	DLETargetUtil     float64
	MakerGuardBase    int // ticks
	MakerGuardStress  int // ticks
	DLEPerPriceLimit  float64
	DLESoftCapNew     float64
	DLEHardCapNew     float64
	DLEPOVCapNotional float64 // AWG's 60s rolling POV notional ceiling

	// AWG budgets (per 10s unless noted)
	FillBudget10s      int
	CancelBudget10s    int
	RepriceBudget10s   int
	TTLCancelBudget10s int
	FillBurst          int
	CancelBurst        int
	RepriceBurst       int
	TTLCancelBurst     int
	AWGCap1s           int
	AWGCap10s          int
	AWGCap1m           int
	AWGErrorThreshold  int
	AWGRecoveryPeriod  int // seconds
	AWGThrottleFactor  float64
	AWGDegradeFactor   float64

	// Shadow Balance
	CushionUSDT   float64
	CushionDOGE   float64
	ReserveFactor float64

	// TWAP Rebalancer
	TWAPTargetDurationSec int
	TWAPSliceIntervalSec  int
	TWAPMaxSlicePct       float64
	TWAPSliceTimeoutSec   int
	TWAPSoftBandPct       float64
	TWAPPersistTicks      int
	TWAPMinImbalanceUSD   float64

	// Order Mirror / UDS
	MirrorSyncIntervalSec  int
	UDSKeepaliveSec        int
	UDSAuditSeedSuppressSec int

	// Persistence
	LedgerPath string
	MirrorPath string
	DBPath     string

	// Hedge bridge
	HedgeBridgeAddr string
	EnableHedge     bool

	// Ops API
	JWTSecret string

	// Dry-run / paper mode (kept from teacher's DryRun idiom; this core
	// always runs against a real or mock Exchange, dry-run just routes
	// to the Mock implementation instead of Binance).
	DryRun bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		BinanceTestnet:   getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		Symbol:           getEnv("SYMBOL", "DOGEUSDT"),
		BaseAsset:        getEnv("BASE_ASSET", "DOGE"),
		QuoteAsset:       getEnv("QUOTE_ASSET", "USDT"),

		DLETargetUtil:    getEnvFloat("DLE_TARGET_UTIL", 0.6),
		MakerGuardBase:   getEnvInt("MAKER_GUARD_BASE", 1),
		MakerGuardStress: getEnvInt("MAKER_GUARD_STRESS", 3),
		DLEPerPriceLimit:  getEnvFloat("DLE_PER_PRICE_LIMIT", 500),
		DLESoftCapNew:     getEnvFloat("DLE_SOFT_CAP_NEW", 2000),
		DLEHardCapNew:     getEnvFloat("DLE_HARD_CAP_NEW", 3000),
		DLEPOVCapNotional: getEnvFloat("DLE_POV_CAP_NOTIONAL", 5000),

		FillBudget10s:      getEnvInt("FILL_BUDGET_10S", 40),
		CancelBudget10s:    getEnvInt("CANCEL_BUDGET_10S", 40),
		RepriceBudget10s:   getEnvInt("REPRICE_BUDGET_10S", 30),
		TTLCancelBudget10s: getEnvInt("TTL_CANCEL_BUDGET_10S", 20),
		FillBurst:          getEnvInt("FILL_BURST", 10),
		CancelBurst:        getEnvInt("CANCEL_BURST", 10),
		RepriceBurst:       getEnvInt("REPRICE_BURST", 8),
		TTLCancelBurst:     getEnvInt("TTL_CANCEL_BURST", 5),
		AWGCap1s:           getEnvInt("AWG_CAP_1S", 10),
		AWGCap10s:          getEnvInt("AWG_CAP_10S", 80),
		AWGCap1m:           getEnvInt("AWG_CAP_1M", 1100),
		AWGErrorThreshold:  getEnvInt("AWG_ERROR_THRESHOLD", 5),
		AWGRecoveryPeriod:  getEnvInt("AWG_RECOVERY_PERIOD", 120),
		AWGThrottleFactor:  getEnvFloat("AWG_THROTTLE_FACTOR", 0.5),
		AWGDegradeFactor:   getEnvFloat("AWG_DEGRADE_FACTOR", 0.2),

		CushionUSDT:   getEnvFloat("CUSHION_USDT", 5),
		CushionDOGE:   getEnvFloat("CUSHION_DOGE", 50),
		ReserveFactor: getEnvFloat("RESERVE_FACTOR", 1.1),

		TWAPTargetDurationSec: getEnvInt("TWAP_TARGET_DURATION", 300),
		TWAPSliceIntervalSec:  getEnvInt("TWAP_SLICE_INTERVAL", 10),
		TWAPMaxSlicePct:       getEnvFloat("TWAP_MAX_SLICE_PCT", 0.1),
		TWAPSliceTimeoutSec:   getEnvInt("TWAP_SLICE_TIMEOUT", 30),
		TWAPSoftBandPct:       getEnvFloat("TWAP_SOFT_BAND_PCT", 0.1),
		TWAPPersistTicks:      getEnvInt("TWAP_PERSIST_TICKS", 3),
		TWAPMinImbalanceUSD:   getEnvFloat("TWAP_MIN_IMBALANCE_USD", 5),

		MirrorSyncIntervalSec:   getEnvInt("MIRROR_SYNC_INTERVAL", 60),
		UDSKeepaliveSec:         getEnvInt("UDS_KEEPALIVE_SEC", 1800),
		UDSAuditSeedSuppressSec: getEnvInt("UDS_AUDIT_SEED_SUPPRESS_SEC", 90),

		LedgerPath: getEnv("LEDGER_PATH", "./data/ledger.json"),
		MirrorPath: getEnv("MIRROR_PATH", "./data/mirror.json"),
		DBPath:     getEnv("DB_PATH", "./data/trading.db"),

		HedgeBridgeAddr: getEnv("HEDGE_BRIDGE_ADDR", "localhost:50051"),
		EnableHedge:     getEnv("ENABLE_HEDGE", "false") == "true",

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		DryRun: getEnv("DRY_RUN", "false") == "true",
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: SYMBOL must not be empty")
	}
	if !c.DryRun && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		return fmt.Errorf("config: BINANCE_API_KEY/BINANCE_API_SECRET required unless DRY_RUN=true")
	}
	if c.DLEHardCapNew < c.DLESoftCapNew {
		return fmt.Errorf("config: DLE_HARD_CAP_NEW must be >= DLE_SOFT_CAP_NEW")
	}
	if c.ReserveFactor < 1 {
		return fmt.Errorf("config: RESERVE_FACTOR must be >= 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

