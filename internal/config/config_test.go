package config

import (
	"testing"
	"time"
)

func TestLoadRaffleConfig_Defaults(t *testing.T) {
	for _, k := range []string{"TICKET_FIRST", "TICKET_LAST", "TICKET_WIDTH", "HOLD_TTL", "REAP_INTERVAL",
		"MAX_TICKETS_PER_HOLD", "TICKET_PRICE_CENTS", "TICKET_CURRENCY", "TICKET_TITLE"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadRaffleConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.First != 1 || cfg.Last != 100 || cfg.Width != 0 {
		t.Fatalf("unexpected range %+v", cfg)
	}
	if cfg.HoldTTL != 5*time.Minute || cfg.ReapInterval != time.Minute {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.MaxTicketsPerHold != 40 || cfg.PriceCents != 1000 || cfg.Currency != "BRL" {
		t.Fatalf("unexpected pricing %+v", cfg)
	}
}

func TestLoadRaffleConfig_Overrides(t *testing.T) {
	t.Setenv("TICKET_FIRST", "0")
	t.Setenv("TICKET_LAST", "9999")
	t.Setenv("HOLD_TTL", "90s")
	t.Setenv("TICKET_CURRENCY", "usd")
	cfg, err := LoadRaffleConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.First != 0 || cfg.Last != 9999 || cfg.HoldTTL != 90*time.Second || cfg.Currency != "USD" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRaffleConfig_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"reversed range": {"TICKET_LAST", "-5"},
		"zero ttl":       {"HOLD_TTL", "0s"},
		"zero max":       {"MAX_TICKETS_PER_HOLD", "0"},
		"free tickets":   {"TICKET_PRICE_CENTS", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := LoadRaffleConfig(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestLoadPaymentConfig(t *testing.T) {
	t.Setenv("MP_BASE_URL", "")
	t.Setenv("PUBLIC_BASE_URL", "https://raffle.example.com/")
	t.Setenv("PAYMENT_RETRIES", "0")
	t.Setenv("PAYMENT_TIMEOUT", "bogus")
	cfg := LoadPaymentConfig()
	if cfg.BaseURL != "https://api.mercadopago.com" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
	if cfg.PublicBaseURL != "https://raffle.example.com" {
		t.Fatalf("trailing slash must be trimmed, got %q", cfg.PublicBaseURL)
	}
	if cfg.MaxAttempts != 1 {
		t.Fatalf("attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.Timeout != 10*time.Second {
		t.Fatalf("bad duration must fall back to default, got %s", cfg.Timeout)
	}
}

func TestLoad_Bolt(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "BOLT")
	t.Setenv("BOLT_PATH", "/tmp/raffle-test.db")
	t.Setenv("QUEUE_ENABLED", "false")
	t.Setenv("RABBITMQ_URL", "amqp://broker/")
	cfg := Load()
	if cfg.StoreDriver != DriverBolt || cfg.BoltPath != "/tmp/raffle-test.db" {
		t.Fatalf("unexpected store config %+v", cfg)
	}
	if cfg.QueueEnabled {
		t.Fatalf("QUEUE_ENABLED=false must win over a broker url")
	}
	if cfg.Dev() {
		t.Fatalf("test env is not dev")
	}
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_BURST", "7")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "1m")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	cfg := LoadRateLimitConfig()
	if cfg.Capacity != 7 {
		t.Fatalf("burst must override capacity, got %d", cfg.Capacity)
	}
	if cfg.TTL != 5*time.Minute {
		t.Fatalf("ttl must cover five refill intervals, got %s", cfg.TTL)
	}
}

func TestLoadRedisConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("REDIS_PORT", "")
	if got := LoadRedisConfig().Addr; got != "cache:6380" {
		t.Fatalf("unexpected addr %q", got)
	}
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	if got := LoadRedisConfig().Addr; got != "redis:6379" {
		t.Fatalf("host/port must win, got %q", got)
	}
	t.Setenv("REDIS_ENABLED", "false")
	if NewRedisClient(LoadRedisConfig(), nil) != nil {
		t.Fatalf("disabled redis must return nil")
	}
}
