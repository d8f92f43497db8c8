package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PriceRule selects the per-unit price a matched pair settles at
type PriceRule string

const (
	// SellerPrice settles at the resting sell order's limit (the lower of the two limits)
	SellerPrice PriceRule = "seller"
	// BuyerPrice settles at the buy order's limit
	BuyerPrice PriceRule = "buyer"
)

type Ledger struct {
	Path string // Pebble directory
}

type Settlement struct {
	Interval time.Duration // wait between cycles
	Workers  int           // assets settled concurrently within a cycle
	Price    PriceRule

	// ArchiveFilledSells moves a sell order that reaches zero into History
	// instead of deleting it from Outstanding.
	ArchiveFilledSells bool

	// Backoff while the ledger store cannot be read
	RetryInitial time.Duration
	RetryMax     time.Duration
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type Log struct {
	File  string // empty = stdout only
	Level string
}

type Config struct {
	Ledger     Ledger
	Settlement Settlement
	API        API
	Log        Log
}

func Default() Config {
	return Config{
		Ledger: Ledger{Path: "data/ledger"},
		Settlement: Settlement{
			Interval:     6 * time.Second,
			Workers:      4,
			Price:        SellerPrice,
			RetryInitial: 500 * time.Millisecond,
			RetryMax:     30 * time.Second,
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Log: Log{
			File:  "data/node.log",
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Ledger.Path = getEnv("LEDGER_DB_PATH", cfg.Ledger.Path)
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}

	if d, ok := envMillis("SETTLEMENT_INTERVAL_MS"); ok && d > 0 {
		cfg.Settlement.Interval = d
	}
	if n, err := strconv.Atoi(os.Getenv("SETTLEMENT_WORKERS")); err == nil && n > 0 {
		cfg.Settlement.Workers = n
	}
	switch PriceRule(strings.ToLower(os.Getenv("SETTLEMENT_PRICE_RULE"))) {
	case BuyerPrice:
		cfg.Settlement.Price = BuyerPrice
	case SellerPrice:
		cfg.Settlement.Price = SellerPrice
	}
	if archive := os.Getenv("ARCHIVE_FILLED_SELLS"); archive != "" {
		cfg.Settlement.ArchiveFilledSells = archive == "true"
	}
	if d, ok := envMillis("RETRY_INITIAL_MS"); ok && d > 0 {
		cfg.Settlement.RetryInitial = d
	}
	if d, ok := envMillis("RETRY_MAX_MS"); ok && d > 0 {
		cfg.Settlement.RetryMax = d
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envMillis(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
