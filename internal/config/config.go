// Package config loads runtime settings from (in increasing precedence)
// built-in defaults, an optional YAML file, an optional .env file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gangaguard/backend/internal/geo"
)

// Storage providers.
const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Auth modes.
const (
	AuthFirebase = "firebase"
	AuthHMAC     = "hmac"
)

type Config struct {
	Port     int    `mapstructure:"port"`
	DBPath   string `mapstructure:"db_path"`
	LogLevel string `mapstructure:"log_level"`
	// BaseURL makes evidence URLs absolute where there is no request to take
	// the host from (realtime payloads). Defaults to http://localhost:<port>.
	BaseURL      string `mapstructure:"base_url"`
	ClientOrigin string `mapstructure:"client_origin"`

	UploadsDir         string `mapstructure:"uploads_dir"`
	StorageProvider    string `mapstructure:"storage_provider"`
	GCSBucket          string `mapstructure:"gcs_bucket"`
	GCSCredentialsFile string `mapstructure:"gcs_credentials_file"`

	AuthMode                string `mapstructure:"auth_mode"`
	FirebaseProjectID       string `mapstructure:"firebase_project_id"`
	FirebaseCredentialsFile string `mapstructure:"firebase_credentials_file"`
	AuthHMACSecret          string `mapstructure:"auth_hmac_secret"`

	DefaultLat float64 `mapstructure:"default_lat"`
	DefaultLng float64 `mapstructure:"default_lng"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisChannel  string `mapstructure:"redis_channel"`

	MLAPIKeyHash string  `mapstructure:"ml_api_key_hash"`
	MLRateLimit  float64 `mapstructure:"ml_rate_limit"`
	MLRateBurst  int     `mapstructure:"ml_rate_burst"`

	TraceStdout bool `mapstructure:"trace_stdout"`
}

var defaults = map[string]any{
	"port":                      4000,
	"db_path":                   "data/gangaguard.db",
	"log_level":                 "info",
	"base_url":                  "",
	"client_origin":             "*",
	"uploads_dir":               "uploads",
	"storage_provider":          StorageLocal,
	"gcs_bucket":                "",
	"gcs_credentials_file":      "",
	"auth_mode":                 AuthFirebase,
	"firebase_project_id":       "",
	"firebase_credentials_file": "",
	"auth_hmac_secret":          "",
	"default_lat":               25.284342,
	"default_lng":               82.790827,
	"redis_addr":                "",
	"redis_password":            "",
	"redis_db":                  0,
	"redis_channel":             "gangaguard:incidents",
	"ml_api_key_hash":           "",
	"ml_rate_limit":             2.0,
	"ml_rate_burst":             10,
	"trace_stdout":              false,
}

// Load reads configuration. configFile may be empty, in which case
// ./config.yaml is used if present. A missing .env is not an error.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: reading config.yaml: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	cfg.StorageProvider = strings.ToLower(strings.TrimSpace(cfg.StorageProvider))
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &cfg, nil
}

// Validate rejects settings the server could not start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}

	switch c.StorageProvider {
	case StorageLocal:
		if c.UploadsDir == "" {
			errs = append(errs, errors.New("UPLOADS_DIR is required for local storage"))
		}
	case StorageGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required when STORAGE_PROVIDER=gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_PROVIDER %q (want local or gcs)", c.StorageProvider))
	}

	switch c.AuthMode {
	case AuthFirebase:
		if c.FirebaseProjectID == "" {
			errs = append(errs, errors.New("FIREBASE_PROJECT_ID is required when AUTH_MODE=firebase"))
		}
	case AuthHMAC:
		if len(c.AuthHMACSecret) < 16 {
			errs = append(errs, errors.New("AUTH_HMAC_SECRET must be at least 16 characters when AUTH_MODE=hmac"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q (want firebase or hmac)", c.AuthMode))
	}

	if _, err := geo.NewPoint(c.DefaultLng, c.DefaultLat); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_LAT/DEFAULT_LNG: %w", err))
	}
	if c.MLRateLimit <= 0 || c.MLRateBurst <= 0 {
		errs = append(errs, errors.New("ML_RATE_LIMIT and ML_RATE_BURST must be positive"))
	}

	return errors.Join(errs...)
}

// DefaultLocation is where incidents without coordinates are placed.
func (c *Config) DefaultLocation() geo.Point {
	return geo.Point{Lng: c.DefaultLng, Lat: c.DefaultLat}
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
