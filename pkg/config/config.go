// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env and .env.local when present. Variables already set in
// the process environment win.
func LoadEnv(logger *slog.Logger) {
	var loaded []string
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			logger.Warn("Failed to load env file", "file", file, "error", err)
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
		return
	}
	logger.Debug("Loaded env files", "files", strings.Join(loaded, ", "))
}

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value.
func GetEnvInt(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// GetEnvDuration gets a duration ("90s", "15m") with a default value.
func GetEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// LogLevel maps LOG_LEVEL to a slog level.
func LogLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config holds every setting of the service.
type Config struct {
	Port            string
	ProviderBaseURL string
	BaseURL         string // Public URL used in email footers

	ProfileInterval    time.Duration
	StoryInterval      time.Duration
	FeedInterval       time.Duration
	ItemDelay          time.Duration
	ItemJitter         time.Duration
	MinRequestInterval time.Duration
	RequestTimeout     time.Duration
	ImageTimeout       time.Duration
	CheckTimeout       time.Duration
	SuppressWindow     time.Duration
	ShutdownTimeout    time.Duration
	MaxPostsPerCycle   int

	DatabaseURL   string
	StorageBucket string
	LocalStorage  string
	TokenSalt     string

	BrevoAPIKey           string
	GoogleCredentialsJSON string
	MailFrom              string
	MailFromName          string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  GetEnv("PORT", "8080"),
		ProviderBaseURL:       GetEnv("PROVIDER_BASE_URL", "https://www.instagram.com"),
		BaseURL:               GetEnv("BASE_URL", ""),
		DatabaseURL:           GetEnv("DATABASE_URL", ""),
		StorageBucket:         GetEnv("STORAGE_BUCKET", ""),
		LocalStorage:          GetEnv("LOCAL_STORAGE", ""),
		TokenSalt:             GetEnv("TOKEN_SALT", ""),
		BrevoAPIKey:           GetEnv("BREVO_API_KEY", ""),
		GoogleCredentialsJSON: GetEnv("GOOGLE_CREDENTIALS_JSON", ""),
		MailFrom:              GetEnv("MAIL_FROM", ""),
		MailFromName:          GetEnv("MAIL_FROM_NAME", "Profile Notifier"),
	}

	durations := []struct {
		dest  *time.Duration
		key   string
		value time.Duration
	}{
		{&cfg.ProfileInterval, "PROFILE_INTERVAL", 30 * time.Minute},
		{&cfg.StoryInterval, "STORY_INTERVAL", 15 * time.Minute},
		{&cfg.FeedInterval, "FEED_INTERVAL", 30 * time.Minute},
		{&cfg.ItemDelay, "ITEM_DELAY", 5 * time.Second},
		{&cfg.ItemJitter, "ITEM_JITTER", 5 * time.Second},
		{&cfg.MinRequestInterval, "MIN_REQUEST_INTERVAL", 2 * time.Second},
		{&cfg.RequestTimeout, "REQUEST_TIMEOUT", 30 * time.Second},
		{&cfg.ImageTimeout, "IMAGE_TIMEOUT", 15 * time.Second},
		{&cfg.CheckTimeout, "CHECK_TIMEOUT", 3 * time.Minute},
		{&cfg.SuppressWindow, "SUPPRESS_WINDOW", 90 * time.Second},
		{&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", 30 * time.Second},
	}
	for _, d := range durations {
		v, err := GetEnvDuration(d.key, d.value)
		if err != nil {
			return nil, err
		}
		*d.dest = v
	}

	n, err := GetEnvInt("MAX_POSTS_PER_CYCLE", 5)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("MAX_POSTS_PER_CYCLE must be positive, got %d", n)
	}
	cfg.MaxPostsPerCycle = n

	for _, iv := range []struct {
		key   string
		value time.Duration
	}{
		{"PROFILE_INTERVAL", cfg.ProfileInterval},
		{"STORY_INTERVAL", cfg.StoryInterval},
		{"FEED_INTERVAL", cfg.FeedInterval},
	} {
		if iv.value == 0 {
			return nil, fmt.Errorf("%s must be positive", iv.key)
		}
	}

	if cfg.DatabaseURL == "" && cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	return cfg, nil
}
