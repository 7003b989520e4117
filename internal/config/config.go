package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, read from the environment
type Config struct {
	ListenAddr string
	DBPath     string
	NATSURL    string

	Workers       int
	JobsPerSecond float64

	MailInterval     time.Duration
	CalendarInterval time.Duration
	MailLookbackDays int

	Google struct {
		ClientID     string
		ClientSecret string
	}
}

// Load reads configuration from APP_* environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.DBPath = getenvDefault("APP_DB_PATH", "data/crmsync.db")
	cfg.NATSURL = getenvDefault("APP_NATS_URL", "nats://127.0.0.1:4222")

	cfg.Workers = getenvInt("APP_SYNC_WORKERS", 5)
	cfg.JobsPerSecond = float64(getenvInt("APP_SYNC_JOBS_PER_SECOND", 10))

	cfg.MailInterval = getenvDuration("APP_MAIL_SYNC_INTERVAL", 15*time.Minute)
	cfg.CalendarInterval = getenvDuration("APP_CALENDAR_SYNC_INTERVAL", 30*time.Minute)
	cfg.MailLookbackDays = getenvInt("APP_MAIL_LOOKBACK_DAYS", 90)

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")

	if cfg.Workers <= 0 {
		return nil, errors.New("APP_SYNC_WORKERS must be positive")
	}
	if cfg.MailInterval <= 0 || cfg.CalendarInterval <= 0 {
		return nil, errors.New("sync intervals must be positive")
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
