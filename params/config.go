package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Feed holds price-feed aggregator tuning.
type Feed struct {
	StaleAfter       time.Duration // primary source age cutoff
	OutlierThreshold float64       // reject tick if |delta|/prev > this
	MarkPriceRule    string        // "LAST", "MID", "VWAP"
	ThrottleInterval time.Duration // price_update flush cadence
	HealthInterval   time.Duration // failover health-check cadence
}

// Session holds C12 fanout limits.
type Session struct {
	MaxSymbolsPerSession int
	MaxChannelsPerSession int
	MaxEventsPerSecond   int
	ThrottleMs           time.Duration
	SendQueueHighWater   int
}

// Risk holds margin/liquidation thresholds.
type Risk struct {
	MarginCallRatio     float64 // 0.70
	LiquidationRatio     float64 // 0.95
	ADLRatio             float64 // 0.98
	LiquidationFeeRate   float64 // 0.005
	InsuranceFundTarget  int64   // target balance, quote-asset cents
	MonitorInterval      time.Duration
	ProcessorInterval    time.Duration
	MaxConcurrentLiquidations int
}

// Trigger holds C7 polling cadence.
type Trigger struct {
	PollInterval time.Duration
}

// Order holds C6 timeouts.
type Order struct {
	PlacementTimeout time.Duration
}

type Config struct {
	Feed    Feed
	Session Session
	Risk    Risk
	Trigger Trigger
	Order   Order

	CatalogueFile string // YAML symbol/market catalogue
	PebblePath    string
	MySQLDSN      string
	ListenAddr    string
}

// Default returns the engine's baked-in defaults, matching spec.md's
// stated default cadences and thresholds.
func Default() Config {
	return Config{
		Feed: Feed{
			StaleAfter:       5 * time.Second,
			OutlierThreshold: 0.50,
			MarkPriceRule:    "MID",
			ThrottleInterval: time.Second,
			HealthInterval:   30 * time.Second,
		},
		Session: Session{
			MaxSymbolsPerSession:  50,
			MaxChannelsPerSession: 100,
			MaxEventsPerSecond:    100,
			ThrottleMs:            100 * time.Millisecond,
			SendQueueHighWater:    1000,
		},
		Risk: Risk{
			MarginCallRatio:           0.70,
			LiquidationRatio:          0.95,
			ADLRatio:                  0.98,
			LiquidationFeeRate:        0.005,
			InsuranceFundTarget:       10_000_000_00, // $10M in cents
			MonitorInterval:           time.Second,
			ProcessorInterval:         500 * time.Millisecond,
			MaxConcurrentLiquidations: 10,
		},
		Trigger: Trigger{
			PollInterval: 500 * time.Millisecond,
		},
		Order: Order{
			PlacementTimeout: 2 * time.Second,
		},
		CatalogueFile: "config/symbols.yaml",
		PebblePath:    "data/engine.pebble",
		ListenAddr:    ":8080",
	}
}

// LoadFromEnv loads a .env file (optional) then overlays environment
// variables on top of Default(). Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("FEED_STALE_AFTER_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Feed.StaleAfter = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FEED_OUTLIER_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Feed.OutlierThreshold = f
		}
	}
	if v := os.Getenv("FEED_MARK_PRICE_RULE"); v != "" {
		cfg.Feed.MarkPriceRule = v
	}
	if v := os.Getenv("SESSION_MAX_SYMBOLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxSymbolsPerSession = n
		}
	}
	if v := os.Getenv("SESSION_THROTTLE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Session.ThrottleMs = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RISK_LIQUIDATION_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.LiquidationRatio = f
		}
	}
	if v := os.Getenv("CATALOGUE_FILE"); v != "" {
		cfg.CatalogueFile = v
	}
	if v := os.Getenv("PEBBLE_PATH"); v != "" {
		cfg.PebblePath = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.MySQLDSN = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	return cfg
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
