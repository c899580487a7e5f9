package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	ListenAddr string
	Store      string

	DB struct {
		DSN string
	}

	WS struct {
		IdleTimeout  time.Duration
		ConnectRate  float64
		ConnectBurst int
	}

	Kafka struct {
		Brokers []string
		Topic   string
	}

	Log struct {
		Level string
		JSON  bool
	}

	BookmarkFlushTimeout time.Duration
	PrometheusEnabled    bool
	TrustedProxies       []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.Store = strings.ToLower(getenvDefault("APP_STORE", StorePostgres))
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	var err error
	if cfg.WS.IdleTimeout, err = getenvDuration("APP_WS_IDLE_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.WS.ConnectRate, err = getenvFloat("APP_WS_CONNECT_RATE", 5); err != nil {
		return nil, err
	}
	if cfg.WS.ConnectBurst, err = getenvInt("APP_WS_CONNECT_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.BookmarkFlushTimeout, err = getenvDuration("APP_BOOKMARK_FLUSH_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.Kafka.Brokers = getenvList("APP_KAFKA_BROKERS")
	cfg.Kafka.Topic = getenvDefault("APP_KAFKA_TOPIC", "schedule.activity.changes")
	cfg.Log.Level = getenvDefault("APP_LOG_LEVEL", "info")
	cfg.Log.JSON = getenvBool("APP_LOG_JSON", false)
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	switch cfg.Store {
	case StorePostgres:
		if cfg.DB.DSN == "" {
			return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("APP_STORE must be %q or %q (got %q)", StorePostgres, StoreMemory, cfg.Store)
	}
	if cfg.WS.ConnectRate <= 0 || cfg.WS.ConnectBurst <= 0 {
		return nil, errors.New("APP_WS_CONNECT_RATE and APP_WS_CONNECT_BURST must be positive")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
