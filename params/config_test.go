package params

import (
	"testing"
	"time"
)

func TestParseMinuteOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    MinuteOfDay
		wantErr bool
	}{
		{"08:30", 8*60 + 30, false},
		{"00:00", 0, false},
		{"23:59", 23*60 + 59, false},
		{"16:00", 16 * 60, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"-1:30", 0, true},
		{"830", 0, true},
		{"", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMinuteOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err=%v, wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("%q: got %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Movers.BuyThresholdPct != 5.0 {
		t.Errorf("buy threshold: got %v", cfg.Movers.BuyThresholdPct)
	}
	if cfg.Movers.SellThresholdPct != 4.5 {
		t.Errorf("sell threshold: got %v", cfg.Movers.SellThresholdPct)
	}
	if cfg.Movers.InvestmentAmount != 1000 {
		t.Errorf("investment: got %v", cfg.Movers.InvestmentAmount)
	}
	if cfg.Movers.MaxPositions != 10 {
		t.Errorf("max positions: got %d", cfg.Movers.MaxPositions)
	}
	if cfg.Movers.PollInterval != 10*time.Second {
		t.Errorf("poll interval: got %v", cfg.Movers.PollInterval)
	}
	if cfg.Session.Timezone != "America/Chicago" {
		t.Errorf("timezone: got %q", cfg.Session.Timezone)
	}
	if cfg.Session.Open != 8*60+30 || cfg.Session.Close != 16*60 {
		t.Errorf("session bounds: open=%d close=%d", cfg.Session.Open, cfg.Session.Close)
	}
	if cfg.Engine.LiveRouting {
		t.Error("live routing must default off")
	}
	if cfg.Engine.DispatchBackoff != 100*time.Microsecond {
		t.Errorf("dispatch backoff: got %v", cfg.Engine.DispatchBackoff)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("LIVE_ROUTING", "true")
	t.Setenv("MOVERS_ENABLED", "true")
	t.Setenv("MOVERS_BUY_THRESHOLD", "7.5")
	t.Setenv("MOVERS_MAX_POSITIONS", "4")
	t.Setenv("MOVERS_CHECK_INTERVAL", "30")
	t.Setenv("SESSION_ENTRY_CUTOFF", "10:15")
	t.Setenv("ALPACA_API_KEY", "key123")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := LoadFromEnv("testdata/nonexistent.env")

	if !cfg.Engine.LiveRouting {
		t.Error("LIVE_ROUTING not applied")
	}
	if !cfg.Movers.Enabled {
		t.Error("MOVERS_ENABLED not applied")
	}
	if cfg.Movers.BuyThresholdPct != 7.5 {
		t.Errorf("buy threshold: got %v", cfg.Movers.BuyThresholdPct)
	}
	if cfg.Movers.MaxPositions != 4 {
		t.Errorf("max positions: got %d", cfg.Movers.MaxPositions)
	}
	if cfg.Movers.PollInterval != 30*time.Second {
		t.Errorf("poll interval: got %v", cfg.Movers.PollInterval)
	}
	if cfg.Session.EntryCutoff != 10*60+15 {
		t.Errorf("entry cutoff: got %d", cfg.Session.EntryCutoff)
	}
	if cfg.Alpaca.Key != "key123" {
		t.Errorf("alpaca key: got %q", cfg.Alpaca.Key)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr: got %q", cfg.Redis.Addr)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "k1:9092" {
		t.Errorf("kafka brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestInvalidEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("MOVERS_BUY_THRESHOLD", "not-a-number")
	t.Setenv("SESSION_OPEN", "25:99")
	t.Setenv("MOVERS_MAX_POSITIONS", "many")

	cfg := LoadFromEnv("testdata/nonexistent.env")
	def := Default()

	if cfg.Movers.BuyThresholdPct != def.Movers.BuyThresholdPct {
		t.Errorf("buy threshold: got %v", cfg.Movers.BuyThresholdPct)
	}
	if cfg.Session.Open != def.Session.Open {
		t.Errorf("session open: got %d", cfg.Session.Open)
	}
	if cfg.Movers.MaxPositions != def.Movers.MaxPositions {
		t.Errorf("max positions: got %d", cfg.Movers.MaxPositions)
	}
}
