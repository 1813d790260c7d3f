// Package config loads application configuration from environment variables,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers understood by Load.
const (
	DriverMySQL = "mysql"
	DriverBolt  = "bolt"
)

// Config holds the process-wide settings.  Each field corresponds to an
// environment variable.
type Config struct {
	Env       string // application environment (dev, test, prod)
	Port      string // HTTP port to listen on
	JWTSecret string // secret used to sign operator tokens

	StoreDriver string // mysql or bolt
	DBUser      string
	DBPass      string
	DBHost      string
	DBPort      string
	DBName      string
	BoltPath    string

	QueueEnabled bool // publish notifications and events to RabbitMQ

	OperatorPasswordHash string // bcrypt hash checked by the operator login
	AccessTTLMin         int    // operator token lifetime in minutes
}

// Load reads the environment (after applying any .env file) and returns a
// Config.  Missing required variables are fatal.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Env:                  must("APP_ENV"),
		Port:                 must("APP_PORT"),
		JWTSecret:            must("JWT_SECRET"),
		StoreDriver:          strings.ToLower(envStr("STORE_DRIVER", DriverMySQL)),
		BoltPath:             envStr("BOLT_PATH", "raffle.db"),
		QueueEnabled:         envBool("QUEUE_ENABLED", os.Getenv("RABBITMQ_URL") != "" || os.Getenv("AMQP_URL") != ""),
		OperatorPasswordHash: os.Getenv("OPERATOR_PASSWORD_HASH"),
		AccessTTLMin:         envInt("ACCESS_TOKEN_TTL_MIN", 60),
	}
	switch cfg.StoreDriver {
	case DriverMySQL:
		cfg.DBUser = must("DB_USER")
		cfg.DBPass = os.Getenv("DB_PASS") // empty allowed
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = must("DB_PORT")
		cfg.DBName = must("DB_NAME")
	case DriverBolt:
	default:
		log.Fatalf("unknown STORE_DRIVER %q (want mysql or bolt)", cfg.StoreDriver)
	}
	return cfg
}

// Dev reports whether the process runs in a development environment.
func (c Config) Dev() bool {
	return c.Env == "" || c.Env == "dev" || c.Env == "development" || c.Env == "local"
}

// RaffleConfig describes the number pool and hold policy.
type RaffleConfig struct {
	First             int
	Last              int
	Width             int // zero derives the width from Last
	HoldTTL           time.Duration
	ReapInterval      time.Duration
	MaxTicketsPerHold int
	PriceCents        int64
	Currency          string
	Title             string
}

// LoadRaffleConfig reads the raffle settings, applying defaults for unset
// variables.  Inconsistent values are reported as an error.
func LoadRaffleConfig() (RaffleConfig, error) {
	cfg := RaffleConfig{
		First:             envInt("TICKET_FIRST", 1),
		Last:              envInt("TICKET_LAST", 100),
		Width:             envInt("TICKET_WIDTH", 0),
		HoldTTL:           envDur("HOLD_TTL", 5*time.Minute),
		ReapInterval:      envDur("REAP_INTERVAL", 60*time.Second),
		MaxTicketsPerHold: envInt("MAX_TICKETS_PER_HOLD", 40),
		PriceCents:        int64(envInt("TICKET_PRICE_CENTS", 1000)),
		Currency:          strings.ToUpper(envStr("TICKET_CURRENCY", "BRL")),
		Title:             envStr("TICKET_TITLE", "Raffle ticket"),
	}
	switch {
	case cfg.First < 0 || cfg.Last < cfg.First:
		return cfg, fmt.Errorf("invalid ticket range %d..%d", cfg.First, cfg.Last)
	case cfg.HoldTTL <= 0:
		return cfg, fmt.Errorf("HOLD_TTL must be positive, got %s", cfg.HoldTTL)
	case cfg.ReapInterval <= 0:
		return cfg, fmt.Errorf("REAP_INTERVAL must be positive, got %s", cfg.ReapInterval)
	case cfg.MaxTicketsPerHold < 1:
		return cfg, fmt.Errorf("MAX_TICKETS_PER_HOLD must be at least 1, got %d", cfg.MaxTicketsPerHold)
	case cfg.PriceCents <= 0:
		return cfg, fmt.Errorf("TICKET_PRICE_CENTS must be positive, got %d", cfg.PriceCents)
	}
	return cfg, nil
}

// PaymentConfig configures the payment processor client and the URLs the
// processor calls back.
type PaymentConfig struct {
	AccessToken   string
	BaseURL       string
	PublicBaseURL string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
}

// LoadPaymentConfig reads the payment processor settings.
func LoadPaymentConfig() PaymentConfig {
	cfg := PaymentConfig{
		AccessToken:   os.Getenv("MP_ACCESS_TOKEN"),
		BaseURL:       envStr("MP_BASE_URL", "https://api.mercadopago.com"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		Timeout:       envDur("PAYMENT_TIMEOUT", 10*time.Second),
		MaxAttempts:   envInt("PAYMENT_RETRIES", 3),
		Backoff:       envDur("PAYMENT_BACKOFF", 500*time.Millisecond),
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return cfg
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
