package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinuteOfDay is a session boundary expressed as minutes since local midnight.
type MinuteOfDay int

// ParseMinuteOfDay parses "HH:MM" into a MinuteOfDay.
func ParseMinuteOfDay(s string) (MinuteOfDay, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return MinuteOfDay(h*60 + m), nil
}

type Session struct {
	Timezone string
	// Open is when entries and exits become permitted.
	Open MinuteOfDay
	// EntryCutoff is the last minute at which new positions may be opened.
	EntryCutoff MinuteOfDay
	// CloseWarning starts the forced-exit window before the session close.
	CloseWarning MinuteOfDay
	// Close ends the session.
	Close MinuteOfDay
}

type Movers struct {
	Enabled          bool
	BuyThresholdPct  float64 // minimum day gain to consider a symbol
	SellThresholdPct float64 // profit target
	InvestmentAmount float64 // notional per admission, in dollars
	PollInterval     time.Duration
	RecoveryInterval time.Duration // backoff after a failed poll iteration
	MaxPositions     int
	BenchmarkRuns    int // provider benchmark iterations at startup
}

type Engine struct {
	// LiveRouting sends orders to the brokerage venue instead of the
	// internal books. Requires broker credentials.
	LiveRouting bool
	// DispatchBackoff is the idle sleep of the dispatch loop.
	DispatchBackoff time.Duration
	APIAddr         string
	LogFile         string
}

type Alpaca struct {
	Key     string
	Secret  string
	BaseURL string
	DataURL string
}

type Polygon struct {
	Key     string
	BaseURL string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Config struct {
	Engine  Engine
	Movers  Movers
	Session Session
	Alpaca  Alpaca
	Polygon Polygon
	Redis   Redis
	Kafka   Kafka
}

func Default() Config {
	return Config{
		Engine: Engine{
			LiveRouting:     false,
			DispatchBackoff: 100 * time.Microsecond,
			APIAddr:         ":8080",
			LogFile:         "data/traderd.log",
		},
		Movers: Movers{
			Enabled:          false,
			BuyThresholdPct:  5.0,
			SellThresholdPct: 4.5,
			InvestmentAmount: 1000.0,
			PollInterval:     10 * time.Second,
			RecoveryInterval: 5 * time.Second,
			MaxPositions:     10,
			BenchmarkRuns:    10,
		},
		Session: Session{
			Timezone:     "America/Chicago",
			Open:         8*60 + 30,  // 08:30
			EntryCutoff:  9 * 60,     // 09:00
			CloseWarning: 15*60 + 50, // 15:50
			Close:        16 * 60,    // 16:00
		},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
		},
		Polygon: Polygon{
			BaseURL: "https://api.polygon.io",
		},
		Redis: Redis{
			Addr: "", // empty disables the redis store
			DB:   0,
		},
		Kafka: Kafka{
			Topic: "traderd.executions",
		},
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

	if v := os.Getenv("LIVE_ROUTING"); v != "" {
		cfg.Engine.LiveRouting = v == "true"
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Engine.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Engine.LogFile = v
	}
	if v := os.Getenv("DISPATCH_BACKOFF_US"); v != "" {
		if us, err := strconv.Atoi(v); err == nil {
			cfg.Engine.DispatchBackoff = time.Duration(us) * time.Microsecond
		}
	}

	if v := os.Getenv("MOVERS_ENABLED"); v != "" {
		cfg.Movers.Enabled = v == "true"
	}
	if v := os.Getenv("MOVERS_BUY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Movers.BuyThresholdPct = f
		}
	}
	if v := os.Getenv("MOVERS_SELL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Movers.SellThresholdPct = f
		}
	}
	if v := os.Getenv("MOVERS_INVESTMENT_AMOUNT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Movers.InvestmentAmount = f
		}
	}
	if v := os.Getenv("MOVERS_CHECK_INTERVAL"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Movers.PollInterval = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("MOVERS_MAX_POSITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Movers.MaxPositions = n
		}
	}

	if v := os.Getenv("SESSION_TIMEZONE"); v != "" {
		cfg.Session.Timezone = v
	}
	if v := os.Getenv("SESSION_OPEN"); v != "" {
		if m, err := ParseMinuteOfDay(v); err == nil {
			cfg.Session.Open = m
		}
	}
	if v := os.Getenv("SESSION_ENTRY_CUTOFF"); v != "" {
		if m, err := ParseMinuteOfDay(v); err == nil {
			cfg.Session.EntryCutoff = m
		}
	}
	if v := os.Getenv("SESSION_CLOSE_WARNING"); v != "" {
		if m, err := ParseMinuteOfDay(v); err == nil {
			cfg.Session.CloseWarning = m
		}
	}
	if v := os.Getenv("SESSION_CLOSE"); v != "" {
		if m, err := ParseMinuteOfDay(v); err == nil {
			cfg.Session.Close = m
		}
	}

	cfg.Alpaca.Key = os.Getenv("ALPACA_API_KEY")
	cfg.Alpaca.Secret = os.Getenv("ALPACA_API_SECRET")
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	cfg.Polygon.Key = os.Getenv("POLYGON_API_KEY")
	if v := os.Getenv("POLYGON_BASE_URL"); v != "" {
		cfg.Polygon.BaseURL = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}

	return cfg
}
