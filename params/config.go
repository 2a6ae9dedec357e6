package params

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Market struct {
	DataDir        string // empty disables persistence
	MaxBidsPerLot  int
	MarketOperator string // address the token registry approvals point at
}

type Config struct {
	API     API
	Market  Market
	LogFile string
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Market: Market{
			DataDir:       "data/market",
			MaxBidsPerLot: 10_000,
		},
		LogFile: "data/marketd.log",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.API.Addr = addr
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Market.DataDir = dir
	}
	if maxBids := os.Getenv("MAX_BIDS_PER_LOT"); maxBids != "" {
		if n, err := strconv.Atoi(maxBids); err == nil && n > 0 {
			cfg.Market.MaxBidsPerLot = n
		}
	}
	if op := os.Getenv("MARKET_OPERATOR"); op != "" {
		cfg.Market.MarketOperator = op
	}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}

	return cfg
}
