// Package config loads agent configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/perceptr/perceptr-go/internal/api"
	"github.com/perceptr/perceptr-go/internal/nettap"
	"github.com/perceptr/perceptr-go/internal/recorder"
)

// Config holds all agent configuration loaded from environment variables.
type Config struct {
	ProjectID   string
	Environment api.Environment
	BaseURL     string // optional override of the environment host
	Compress    bool

	Store   StoreConfig
	Redis   RedisConfig
	Session SessionConfig
	Network NetworkConfig
	DOM     DOMConfig

	MemoryLimit        uint64
	DisablePersistence bool
}

// StoreConfig holds the durable per-agent store settings.
type StoreConfig struct {
	Path string // SQLite file; empty selects the in-memory store
}

// RedisConfig holds the optional advisory broadcast channel settings.
type RedisConfig struct {
	Addr     string // empty disables broadcasting
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// SessionConfig holds session continuity settings.
type SessionConfig struct {
	InactivityTimeout  time.Duration
	MaxSessionDuration time.Duration
}

// NetworkConfig holds network capture settings.
type NetworkConfig struct {
	ExcludeURLs        []string
	SanitizeParams     []string
	SanitizeHeaders    []string
	SanitizeBodyFields []string
	MaxBodySize        int
	CaptureBodies      bool
}

// DOMConfig holds DOM capture settings.
type DOMConfig struct {
	BlockedURLs []recorder.BlockPattern
	IdleTimeout time.Duration
	MaxEvents   int
}

// Load reads configuration from environment variables. Only the project id
// is required; everything else has capture-safe defaults.
func Load() (*Config, error) {
	compress, err := getEnvBool("PERCEPTR_COMPRESS", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("PERCEPTR_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	inactivity, err := getEnvDuration("PERCEPTR_INACTIVITY_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxDuration, err := getEnvDuration("PERCEPTR_MAX_SESSION_DURATION", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	idleTimeout, err := getEnvDuration("PERCEPTR_IDLE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxBodySize, err := getEnvInt("PERCEPTR_MAX_BODY_SIZE", nettap.DefaultMaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	captureBodies, err := getEnvBool("PERCEPTR_CAPTURE_BODIES", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxEvents, err := getEnvInt("PERCEPTR_MAX_DOM_EVENTS", recorder.DefaultMaxEvents)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	memoryLimit, err := getEnvInt("PERCEPTR_MEMORY_LIMIT", 50<<20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	disablePersistence, err := getEnvBool("PERCEPTR_DISABLE_PERSISTENCE", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	var blocked []recorder.BlockPattern
	for _, pattern := range getEnvList("PERCEPTR_BLOCKED_URLS", nil) {
		blocked = append(blocked, recorder.BlockPattern{URL: pattern, Matching: "regex"})
	}

	cfg := &Config{
		ProjectID:   getEnv("PERCEPTR_PROJECT_ID", ""),
		Environment: api.Environment(getEnv("PERCEPTR_ENV", string(api.EnvProd))),
		BaseURL:     getEnv("PERCEPTR_BASE_URL", ""),
		Compress:    compress,
		Store: StoreConfig{
			Path: getEnv("PERCEPTR_STORE_PATH", defaultStorePath()),
		},
		Redis: RedisConfig{
			Addr:     getEnv("PERCEPTR_REDIS_ADDR", ""),
			Password: getEnv("PERCEPTR_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Session: SessionConfig{
			InactivityTimeout:  inactivity,
			MaxSessionDuration: maxDuration,
		},
		Network: NetworkConfig{
			ExcludeURLs:        getEnvList("PERCEPTR_EXCLUDE_URLS", nil),
			SanitizeParams:     getEnvList("PERCEPTR_SANITIZE_PARAMS", nil),
			SanitizeHeaders:    getEnvList("PERCEPTR_SANITIZE_HEADERS", nil),
			SanitizeBodyFields: getEnvList("PERCEPTR_SANITIZE_BODY_FIELDS", nil),
			MaxBodySize:        maxBodySize,
			CaptureBodies:      captureBodies,
		},
		DOM: DOMConfig{
			BlockedURLs: blocked,
			IdleTimeout: idleTimeout,
			MaxEvents:   maxEvents,
		},
		MemoryLimit:        uint64(memoryLimit),
		DisablePersistence: disablePersistence,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.ProjectID == "" {
		return errors.New("PERCEPTR_PROJECT_ID is required")
	}

	switch c.Environment {
	case api.EnvLocal, api.EnvDev, api.EnvStg, api.EnvProd:
	default:
		return fmt.Errorf("PERCEPTR_ENV must be one of local/dev/stg/prod, got %q", c.Environment)
	}

	if c.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("PERCEPTR_INACTIVITY_TIMEOUT must be positive, got %s", c.Session.InactivityTimeout)
	}
	if c.Session.MaxSessionDuration <= 0 {
		return fmt.Errorf("PERCEPTR_MAX_SESSION_DURATION must be positive, got %s", c.Session.MaxSessionDuration)
	}
	if c.Network.MaxBodySize < 0 {
		return fmt.Errorf("PERCEPTR_MAX_BODY_SIZE must be >= 0, got %d", c.Network.MaxBodySize)
	}
	if c.DOM.MaxEvents < 1 {
		return fmt.Errorf("PERCEPTR_MAX_DOM_EVENTS must be >= 1, got %d", c.DOM.MaxEvents)
	}
	if c.MemoryLimit == 0 {
		return errors.New("PERCEPTR_MEMORY_LIMIT must be positive")
	}

	return nil
}

func defaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "perceptr.db"
	}
	return filepath.Join(dir, "perceptr", "perceptr.db")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
