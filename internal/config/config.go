package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures runtime configuration of the gocoind service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":8080".
	ServerAddress string

	// DatabaseURL is the Postgres DSN of the ledger store.
	DatabaseURL string

	// StripeDisabled runs without a payment provider; checkout and webhook routes are not mounted.
	StripeDisabled      bool
	StripeAPIKey        string
	StripeWebhookSecret string

	// RedisAddr enables the distributed sweep lease when set.
	RedisAddr string

	SweepInterval    time.Duration
	SweepConcurrency int

	MessageCost     int64
	PhotoUnlockCost int64
	VIPBonusPercent int

	// GiftPrices overrides the gift price list, parsed from "rose=20,teddy=100"
	GiftPrices map[string]int64

	CheckoutSuccessURL string
	CheckoutCancelURL  string

	LogLevel         string
	LogFormat        string
	MetricsNamespace string
}

const (
	defaultServerAddress    = ":8080"
	defaultSweepInterval    = 5 * time.Minute
	defaultSweepConcurrency = 4
	defaultMessageCost      = 50
	defaultPhotoUnlockCost  = 100
	defaultVIPBonusPercent  = 15
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultMetricsNamespace = "gocoin"

	envServerAddress       = "GOCOIN_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envStripeDisabled      = "GOCOIN_STRIPE_DISABLED"
	envStripeAPIKey        = "STRIPE_API_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envRedisAddr           = "REDIS_ADDR"
	envSweepInterval       = "SWEEP_INTERVAL"
	envSweepConcurrency    = "SWEEP_CONCURRENCY"
	envMessageCost         = "MESSAGE_COST"
	envPhotoUnlockCost     = "PHOTO_UNLOCK_COST"
	envVIPBonusPercent     = "VIP_BONUS_PERCENT"
	envGiftPrices          = "GIFT_PRICES"
	envCheckoutSuccessURL  = "CHECKOUT_SUCCESS_URL"
	envCheckoutCancelURL   = "CHECKOUT_CANCEL_URL"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
	envMetricsNamespace    = "METRICS_NAMESPACE"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		StripeAPIKey:        strings.TrimSpace(os.Getenv(envStripeAPIKey)),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv(envStripeWebhookSecret)),
		RedisAddr:           strings.TrimSpace(os.Getenv(envRedisAddr)),
		CheckoutSuccessURL:  os.Getenv(envCheckoutSuccessURL),
		CheckoutCancelURL:   os.Getenv(envCheckoutCancelURL),
		LogLevel:            strings.ToLower(firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel)),
		LogFormat:           strings.ToLower(firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat)),
		MetricsNamespace:    firstNonEmpty(os.Getenv(envMetricsNamespace), defaultMetricsNamespace),
	}

	var err error
	if cfg.StripeDisabled, err = boolEnv(envStripeDisabled, false); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationEnv(envSweepInterval, defaultSweepInterval); err != nil {
		return Config{}, err
	}
	concurrency, err := intEnv(envSweepConcurrency, defaultSweepConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepConcurrency = int(concurrency)
	if cfg.MessageCost, err = intEnv(envMessageCost, defaultMessageCost); err != nil {
		return Config{}, err
	}
	if cfg.PhotoUnlockCost, err = intEnv(envPhotoUnlockCost, defaultPhotoUnlockCost); err != nil {
		return Config{}, err
	}
	bonus, err := intEnv(envVIPBonusPercent, defaultVIPBonusPercent)
	if err != nil {
		return Config{}, err
	}
	cfg.VIPBonusPercent = int(bonus)
	if cfg.GiftPrices, err = pricesEnv(envGiftPrices); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s is required", envDatabaseURL)
	}
	if !c.StripeDisabled {
		if c.StripeAPIKey == "" {
			return fmt.Errorf("%s is required unless %s=true", envStripeAPIKey, envStripeDisabled)
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("%s is required unless %s=true", envStripeWebhookSecret, envStripeDisabled)
		}
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%s must be positive", envSweepInterval)
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("%s must be positive", envSweepConcurrency)
	}
	if c.MessageCost < 0 || c.PhotoUnlockCost < 0 {
		return fmt.Errorf("%s and %s must not be negative", envMessageCost, envPhotoUnlockCost)
	}
	if c.VIPBonusPercent < 0 || c.VIPBonusPercent > 100 {
		return fmt.Errorf("%s must be between 0 and 100", envVIPBonusPercent)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%s must be json or console", envLogFormat)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func boolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func intEnv(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func pricesEnv(key string) (map[string]int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}
	prices := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		id, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid %s: entry %q is not id=coins", key, pair)
		}
		coins, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || coins <= 0 {
			return nil, fmt.Errorf("invalid %s: price of %q must be a positive integer", key, id)
		}
		prices[id] = coins
	}
	return prices, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
