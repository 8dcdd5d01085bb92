package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Storage struct {
	DBPath  string
	LogFile string
}

type Quote struct {
	// TTL after which a cached quote is reported stale
	TTL time.Duration
	// BinanceRESTURL enables the REST refresher when set
	BinanceRESTURL string
	// RefreshRPS paces upstream refresh requests
	RefreshRPS float64
}

type RateLimit struct {
	RPS   float64
	Burst int
	// Idle controls how long an unused bucket is kept before eviction
	Idle time.Duration
	// TrustedProxies are addresses or CIDR ranges allowed to set X-Forwarded-For
	TrustedProxies []string
}

type Bus struct {
	SubscriberBuffer int // lossy per-subscriber queue
	LaneDepth        int // non-lossy per-symbol lane
}

type Engine struct {
	StartingCash   decimal.Decimal
	CommissionRate decimal.Decimal
	MinCommission  decimal.Decimal
	Symbols        []string
}

type Feed struct {
	BinanceWSURL  string
	PolygonWSURL  string
	PolygonAPIKey string
	FinnhubWSURL  string
	FinnhubAPIKey string

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	EnableSimulator   bool
	SimulatorInterval time.Duration
}

type Redis struct {
	Addr string
}

type Kafka struct {
	Brokers    []string
	FillsTopic string
}

type Auth struct {
	// Tokens maps bearer token -> user id
	Tokens map[string]string
}

type Portfolio struct {
	EquityInterval time.Duration
}

type Config struct {
	API       API
	Storage   Storage
	Quote     Quote
	RateLimit RateLimit
	Bus       Bus
	Engine    Engine
	Feed      Feed
	Redis     Redis
	Kafka     Kafka
	Auth      Auth
	Portfolio Portfolio
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Storage: Storage{
			DBPath:  "data/papertrade.db",
			LogFile: "data/papertrade.log",
		},
		Quote: Quote{
			TTL:        60 * time.Second,
			RefreshRPS: 5,
		},
		RateLimit: RateLimit{
			RPS:   10,
			Burst: 20,
			Idle:  10 * time.Minute,
		},
		Bus: Bus{
			SubscriberBuffer: 64,
			LaneDepth:        1024,
		},
		Engine: Engine{
			StartingCash:   decimal.NewFromInt(100000),
			CommissionRate: decimal.Zero,
			MinCommission:  decimal.Zero,
			Symbols:        []string{"AAPL", "MSFT", "GOOGL", "BTCUSDT", "ETHUSDT"},
		},
		Feed: Feed{
			ReconnectMin:      1 * time.Second,
			ReconnectMax:      30 * time.Second,
			SimulatorInterval: 500 * time.Millisecond,
		},
		Kafka: Kafka{
			FillsTopic: "papertrade.fills",
		},
		Auth: Auth{
			Tokens: map[string]string{},
		},
		Portfolio: Portfolio{
			EquityInterval: 24 * time.Hour,
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

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.Storage.DBPath = getEnv("DB_PATH", cfg.Storage.DBPath)
	// LOG_FILE= (set but empty) logs to stdout only
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.Storage.LogFile = v
	}

	cfg.Quote.TTL = getEnvSeconds("QUOTE_TTL_SEC", cfg.Quote.TTL)
	cfg.Quote.BinanceRESTURL = getEnv("BINANCE_REST_URL", cfg.Quote.BinanceRESTURL)
	cfg.Quote.RefreshRPS = getEnvFloat("QUOTE_REFRESH_RPS", cfg.Quote.RefreshRPS)

	cfg.RateLimit.RPS = getEnvFloat("RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	cfg.RateLimit.Idle = getEnvSeconds("RATE_LIMIT_IDLE_SEC", cfg.RateLimit.Idle)
	if proxies := os.Getenv("TRUSTED_PROXIES"); proxies != "" {
		cfg.RateLimit.TrustedProxies = splitList(proxies)
	}

	cfg.Bus.SubscriberBuffer = getEnvInt("BUS_SUBSCRIBER_BUFFER", cfg.Bus.SubscriberBuffer)
	cfg.Bus.LaneDepth = getEnvInt("BUS_LANE_DEPTH", cfg.Bus.LaneDepth)

	cfg.Engine.StartingCash = getEnvDecimal("STARTING_CASH", cfg.Engine.StartingCash)
	cfg.Engine.CommissionRate = getEnvDecimal("COMMISSION_RATE", cfg.Engine.CommissionRate)
	cfg.Engine.MinCommission = getEnvDecimal("MIN_COMMISSION", cfg.Engine.MinCommission)
	if symbols := os.Getenv("SYMBOLS"); symbols != "" {
		cfg.Engine.Symbols = splitList(symbols)
	}

	cfg.Feed.BinanceWSURL = getEnv("BINANCE_WS_URL", cfg.Feed.BinanceWSURL)
	cfg.Feed.PolygonWSURL = getEnv("POLYGON_WS_URL", cfg.Feed.PolygonWSURL)
	cfg.Feed.PolygonAPIKey = getEnv("POLYGON_API_KEY", cfg.Feed.PolygonAPIKey)
	cfg.Feed.FinnhubWSURL = getEnv("FINNHUB_WS_URL", cfg.Feed.FinnhubWSURL)
	cfg.Feed.FinnhubAPIKey = getEnv("FINNHUB_API_KEY", cfg.Feed.FinnhubAPIKey)
	cfg.Feed.ReconnectMin = getEnvMillis("RECONNECT_MIN_MS", cfg.Feed.ReconnectMin)
	cfg.Feed.ReconnectMax = getEnvMillis("RECONNECT_MAX_MS", cfg.Feed.ReconnectMax)
	if sim := os.Getenv("ENABLE_SIMULATOR"); sim != "" {
		cfg.Feed.EnableSimulator = sim == "true"
	}
	cfg.Feed.SimulatorInterval = getEnvMillis("SIMULATOR_INTERVAL_MS", cfg.Feed.SimulatorInterval)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.FillsTopic = getEnv("KAFKA_FILLS_TOPIC", cfg.Kafka.FillsTopic)

	// Example: "tok-alice:alice,tok-bob:bob"
	if tokens := os.Getenv("AUTH_TOKENS"); tokens != "" {
		for _, pair := range splitList(tokens) {
			token, user, ok := strings.Cut(pair, ":")
			if !ok || token == "" || user == "" {
				continue
			}
			cfg.Auth.Tokens[token] = user
		}
	}

	cfg.Portfolio.EquityInterval = getEnvSeconds("EQUITY_SNAPSHOT_INTERVAL_SEC", cfg.Portfolio.EquityInterval)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
