package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Log      LogConfig      `toml:"log"`
	Auth     AuthConfig     `toml:"auth"`
	Weather  WeatherConfig  `toml:"weather"`
	Forecast ForecastConfig `toml:"forecast"`
	Queue    QueueConfig    `toml:"queue"`
	Renderer RendererConfig `toml:"renderer"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr" validate:"required"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver   string `toml:"driver" validate:"oneof=postgres sqlite"`
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	SSLMode  string `toml:"sslmode"`
	TimeZone string `toml:"timezone"`
	// Path is the sqlite database file.
	Path string `toml:"path"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"oneof=trace debug info warn warning error"`
	File  string `toml:"file"`
}

type AuthConfig struct {
	JWTSecret string        `toml:"jwt_secret" validate:"required,min=16"`
	TokenTTL  time.Duration `toml:"token_ttl"`
}

type WeatherConfig struct {
	Provider string        `toml:"provider" validate:"oneof=openmeteo"`
	BaseURL  string        `toml:"base_url" validate:"omitempty,url"`
	Timeout  time.Duration `toml:"timeout" validate:"gt=0"`
}

type ForecastConfig struct {
	CacheTTL time.Duration `toml:"cache_ttl" validate:"gt=0"`
}

type QueueConfig struct {
	Workers int `toml:"workers" validate:"min=1,max=64"`
}

type RendererConfig struct {
	Enabled      bool          `toml:"enabled"`
	TileProvider string        `toml:"tile_provider" validate:"oneof=osm stadia none"`
	StadiaAPIKey string        `toml:"stadia_api_key"`
	Width        int           `toml:"width" validate:"min=200,max=4096"`
	Height       int           `toml:"height" validate:"min=200,max=4096"`
	Timeout      time.Duration `toml:"timeout" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: "0.0.0.0:8080"},
		Database: DatabaseConfig{Driver: "postgres", Host: "localhost", Port: "5432", User: "postgres", Password: "password", Name: "windline", SSLMode: "disable", TimeZone: "UTC", Path: "windline.db"},
		Log:      LogConfig{Level: "info", File: "./logs/windline.log"},
		Auth:     AuthConfig{TokenTTL: 30 * 24 * time.Hour},
		Weather:  WeatherConfig{Provider: "openmeteo", Timeout: 15 * time.Second},
		Forecast: ForecastConfig{CacheTTL: time.Hour},
		Queue:    QueueConfig{Workers: 4},
		Renderer: RendererConfig{Enabled: true, TileProvider: "osm", Width: 800, Height: 600, Timeout: 10 * time.Second},
	}
}

// Load builds the configuration from defaults, an optional TOML file, a .env
// file and finally the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error decoding config file: %w", err)
			}
			logrus.WithField("path", path).Info("No config file found, using defaults")
		}
	}

	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on env vars")
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Renderer.TileProvider == "stadia" && c.Renderer.StadiaAPIKey == "" {
		return errors.New("invalid config: renderer.stadia_api_key is required for the stadia tile provider")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)

	cfg.Database.Driver = getEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnv("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnv("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.TimeZone = getEnv("DB_TIMEZONE", cfg.Database.TimeZone)
	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenTTL = getEnvDuration("JWT_TTL", cfg.Auth.TokenTTL)

	cfg.Weather.Provider = getEnv("WEATHER_PROVIDER", cfg.Weather.Provider)
	cfg.Weather.BaseURL = getEnv("WEATHER_BASE_URL", cfg.Weather.BaseURL)
	cfg.Weather.Timeout = getEnvDuration("WEATHER_TIMEOUT", cfg.Weather.Timeout)

	cfg.Forecast.CacheTTL = getEnvDuration("FORECAST_CACHE_TTL", cfg.Forecast.CacheTTL)
	cfg.Queue.Workers = getEnvInt("QUEUE_WORKERS", cfg.Queue.Workers)

	cfg.Renderer.Enabled = getEnvBool("RENDER_ENABLED", cfg.Renderer.Enabled)
	cfg.Renderer.TileProvider = getEnv("MAP_TILE_PROVIDER", cfg.Renderer.TileProvider)
	cfg.Renderer.StadiaAPIKey = getEnv("STADIA_API_KEY", cfg.Renderer.StadiaAPIKey)
	cfg.Renderer.Width = getEnvInt("MAP_WIDTH", cfg.Renderer.Width)
	cfg.Renderer.Height = getEnvInt("MAP_HEIGHT", cfg.Renderer.Height)
	cfg.Renderer.Timeout = getEnvDuration("MAP_TIMEOUT", cfg.Renderer.Timeout)
}

// getEnv reads an environment variable or returns the provided default
func getEnv(key, defaultValue string) string {
	if v, exists := os.LookupEnv(key); exists {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithField("key", key).Warnf("ignoring non-integer value %q", v)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logrus.WithField("key", key).Warnf("ignoring non-boolean value %q", v)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithField("key", key).Warnf("ignoring invalid duration %q", v)
		return defaultValue
	}
	return d
}

func getEnvList(key string, defaultValue []string) []string {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
