package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	DICOMWeb   DICOMWebConfig
	Database   DatabaseConfig
	Session    SessionConfig
	Redis      RedisConfig
	ImageCache ImageCacheConfig
	Prefetch   PrefetchConfig
	Loading    LoadingConfig
	CORS       CORSConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// DICOMWebConfig describes the default DICOMweb server studies are loaded
// from
type DICOMWebConfig struct {
	Name          string
	Root          string
	Username      string
	Password      string
	APIKey        string
	Timeout       time.Duration
	ImageIDScheme string
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

type SessionConfig struct {
	Type string // memory or redis
	TTL  time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

type ImageCacheConfig struct {
	MaxBytes int64
	Workers  int
}

type PrefetchConfig struct {
	Enabled         bool
	Order           string
	DisplaySetCount int
	Debounce        time.Duration
}

type LoadingConfig struct {
	FileStatsItemsLimit  int
	StackStatsItemsLimit int
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads configuration from an optional .env file and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		DICOMWeb: DICOMWebConfig{
			Name:          getEnv("DICOMWEB_NAME", "default"),
			Root:          getEnv("DICOMWEB_ROOT", "http://localhost:8042/dicom-web"),
			Username:      getEnv("DICOMWEB_USERNAME", ""),
			Password:      getEnv("DICOMWEB_PASSWORD", ""),
			APIKey:        getEnv("DICOMWEB_API_KEY", ""),
			Timeout:       getEnvDuration("DICOMWEB_TIMEOUT", 30*time.Second),
			ImageIDScheme: getEnv("DICOMWEB_IMAGE_ID_SCHEME", "wadors"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "viewer"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Session: SessionConfig{
			Type: getEnv("SESSION_TYPE", "memory"),
			TTL:  getEnvDuration("SESSION_TTL", time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "viewer:"),
		},
		ImageCache: ImageCacheConfig{
			MaxBytes: getEnvInt64("IMAGE_CACHE_MAX_BYTES", 1<<30),
			Workers:  getEnvInt("IMAGE_CACHE_WORKERS", 6),
		},
		Prefetch: PrefetchConfig{
			Enabled:         getEnvBool("PREFETCH_ENABLED", true),
			Order:           getEnv("PREFETCH_ORDER", "closest"),
			DisplaySetCount: getEnvInt("PREFETCH_DISPLAY_SET_COUNT", 1),
			Debounce:        getEnvDuration("PREFETCH_DEBOUNCE", 300*time.Millisecond),
		},
		Loading: LoadingConfig{
			FileStatsItemsLimit:  getEnvInt("LOADING_FILE_STATS_ITEMS_LIMIT", 2),
			StackStatsItemsLimit: getEnvInt("LOADING_STACK_STATS_ITEMS_LIMIT", 20),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	return cfg, nil
}

// Validate rejects impossible configuration values. The default DICOMweb
// root may be left empty when servers come from the database.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.DICOMWeb, validation.By(func(interface{}) error {
			return c.DICOMWeb.check(!c.Database.Enabled)
		})),
		validation.Field(&c.Session),
		validation.Field(&c.Redis),
		validation.Field(&c.ImageCache),
		validation.Field(&c.Prefetch),
		validation.Field(&c.Loading),
	)
}

// Validate checks the listen port
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

func (d DICOMWebConfig) check(requireRoot bool) error {
	rootRules := []validation.Rule{is.URL}
	if requireRoot {
		rootRules = append(rootRules, validation.Required)
	}
	return validation.ValidateStruct(&d,
		validation.Field(&d.Root, rootRules...),
		validation.Field(&d.ImageIDScheme, validation.Required, validation.In("wadors", "wadouri")),
	)
}

// Validate checks the session store type
func (s SessionConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Type, validation.Required, validation.In("memory", "redis")),
	)
}

// Validate checks the Redis address
func (r RedisConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Port, validation.Min(1), validation.Max(65535)),
		validation.Field(&r.DB, validation.Min(0)),
	)
}

// Validate checks the cache budget
func (i ImageCacheConfig) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.MaxBytes, validation.Required, validation.Min(1)),
		validation.Field(&i.Workers, validation.Min(0)),
	)
}

// Validate checks the prefetch order
func (p PrefetchConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Order, validation.Required, validation.In("topdown", "downward", "closest")),
		validation.Field(&p.DisplaySetCount, validation.Min(0)),
	)
}

// Validate checks the stats windows
func (l LoadingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.FileStatsItemsLimit, validation.Required, validation.Min(2)),
		validation.Field(&l.StackStatsItemsLimit, validation.Required, validation.Min(2)),
	)
}

// RedisAddr returns host:port of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
