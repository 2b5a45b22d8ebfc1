package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime settings sourced from the environment.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	DatabaseURL    string
	DatabaseSchema string

	HTTPListenAddr string
	PublicBasePath string
	AdminRPCToken  string
	PanelURL       string

	MetricsNamespace string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	GreenWebhookPublic  string
	GreenPathPrefix     string
	GreenDefaultRPS     float64
	GreenRateLimitsFile string
	GreenRateLimits     map[string]float64

	MediaRoot string

	TelegramToken  string
	TelegramAPIURL string

	AutoReplyInterval time.Duration

	AMQPURL      string
	AMQPExchange string

	ReconcileSchedule string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseSchema:      getEnv("DATABASE_SCHEMA", ""),
		HTTPListenAddr:      getEnv("HTTP_LISTEN_ADDR", ":8008"),
		PublicBasePath:      getEnv("PUBLIC_BASE_PATH", ""),
		AdminRPCToken:       os.Getenv("ADMIN_RPC_TOKEN"),
		PanelURL:            strings.TrimRight(getEnv("PANEL_URL", ""), "/"),
		MetricsNamespace:    getEnv("METRICS_NAMESPACE", "green_relay"),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		GreenWebhookPublic:  getEnv("GREEN_WEBHOOK_PUBLIC", ""),
		GreenPathPrefix:     getEnv("GREEN_PATH_PREFIX", "waInstance"),
		GreenRateLimitsFile: getEnv("GREEN_RATE_LIMITS_FILE", ""),
		MediaRoot:           getEnv("MEDIA_ROOT", "/app/media"),
		TelegramToken:       os.Getenv("TG_TOKEN"),
		TelegramAPIURL:      getEnv("TG_API_URL", "https://api.telegram.org"),
		AMQPURL:             getEnv("AMQP_URL", ""),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", "notification.internal"),
		ReconcileSchedule:   getEnv("RECONCILE_SCHEDULE", "@every 10m"),
	}

	var errs []error
	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.RedisTLS, err = getBool("REDIS_TLS", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.GreenDefaultRPS, err = getFloat("GREEN_DEFAULT_RPS", DefaultRPS); err != nil {
		errs = append(errs, err)
	} else if cfg.GreenDefaultRPS <= 0 {
		errs = append(errs, fmt.Errorf("GREEN_DEFAULT_RPS must be positive"))
	}
	hours, err := getInt("AUTO_REPLY_INTERVAL", 24)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.AutoReplyInterval = time.Duration(hours) * time.Hour

	cfg.GreenRateLimits = DefaultRateLimits()
	if cfg.GreenRateLimitsFile != "" {
		overrides, err := LoadRateLimits(cfg.GreenRateLimitsFile)
		if err != nil {
			errs = append(errs, err)
		} else {
			if overrides.DefaultRPS > 0 {
				cfg.GreenDefaultRPS = overrides.DefaultRPS
			}
			for endpoint, rps := range overrides.Endpoints {
				cfg.GreenRateLimits[endpoint] = rps
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

func getFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, raw)
	}
	return v, nil
}

func getBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return v, nil
}
