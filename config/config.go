// Package config loads settings for the daemon and the CLI from PUSHLINE_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pushline/pushline/messaging"
	"github.com/pushline/pushline/pushapi"
	"github.com/pushline/pushline/stream"
	"github.com/rs/zerolog"
)

const (
	EnvAPIURL        = "PUSHLINE_API_URL"
	EnvStreamURL     = "PUSHLINE_STREAM_URL"
	EnvAddr          = "PUSHLINE_ADDR"
	EnvStorePath     = "PUSHLINE_STORE_PATH"
	EnvDB            = "PUSHLINE_DB"
	EnvDebug         = "PUSHLINE_DEBUG"
	EnvLogLevel      = "PUSHLINE_LOG_LEVEL"
	EnvSentryDSN     = "PUSHLINE_SENTRY_DSN"
	EnvOTLPURL       = "PUSHLINE_OTLP_URL"
	EnvOTLPUser      = "PUSHLINE_OTLP_USERNAME"
	EnvOTLPPass      = "PUSHLINE_OTLP_PASSWORD"
	EnvProm          = "PUSHLINE_PROM"
	EnvNotifyCommand = "PUSHLINE_NOTIFY_COMMAND"
	EnvHTTPTimeout   = "PUSHLINE_HTTP_TIMEOUT"
	EnvStreamTimeout = "PUSHLINE_STREAM_TIMEOUT"
)

type Config struct {
	APIURL        string
	StreamURL     string
	MessagingAddr string
	// StorePath is the settings file. Empty means the default under the user config dir.
	StorePath string
	// PostgresDSN selects the postgres store instead of the settings file.
	PostgresDSN   string
	Debug         bool
	LogLevel      zerolog.Level
	SentryDSN     string
	OTLPURL       string
	OTLPUsername  string
	OTLPPassword  string
	Prometheus    bool
	NotifyCommand string
	HTTPTimeout   time.Duration
	// StreamReadTimeout is how long the stream may be silent before it is considered dead.
	StreamReadTimeout time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Load reads .env in the working directory if there is one, then the process environment.
// Variables already set in the environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadFromEnv(osEnv{})
}

func LoadFromEnv(env Env) (Config, error) {
	cfg := Config{
		APIURL:            pushapi.DefaultBaseURL,
		StreamURL:         stream.DefaultURL,
		MessagingAddr:     messaging.DefaultAddr,
		LogLevel:          zerolog.InfoLevel,
		HTTPTimeout:       30 * time.Second,
		StreamReadTimeout: 90 * time.Second,
	}
	if v := env.Getenv(EnvAPIURL); v != "" {
		cfg.APIURL = v
	}
	if v := env.Getenv(EnvStreamURL); v != "" {
		cfg.StreamURL = v
	}
	if v := env.Getenv(EnvAddr); v != "" {
		cfg.MessagingAddr = v
	}
	cfg.StorePath = env.Getenv(EnvStorePath)
	cfg.PostgresDSN = env.Getenv(EnvDB)
	cfg.SentryDSN = env.Getenv(EnvSentryDSN)
	cfg.OTLPURL = env.Getenv(EnvOTLPURL)
	cfg.OTLPUsername = env.Getenv(EnvOTLPUser)
	cfg.OTLPPassword = env.Getenv(EnvOTLPPass)
	cfg.NotifyCommand = env.Getenv(EnvNotifyCommand)
	cfg.Debug = env.Getenv(EnvDebug) == "1"
	cfg.Prometheus = env.Getenv(EnvProm) == "1"

	if v := env.Getenv(EnvLogLevel); v != "" {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", EnvLogLevel, err)
		}
		cfg.LogLevel = lvl
	}
	if cfg.Debug {
		cfg.LogLevel = zerolog.TraceLevel
	}
	var err error
	if cfg.HTTPTimeout, err = secondsFromEnv(env, EnvHTTPTimeout, cfg.HTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StreamReadTimeout, err = secondsFromEnv(env, EnvStreamTimeout, cfg.StreamReadTimeout); err != nil {
		return Config{}, err
	}
	if (cfg.OTLPUsername == "") != (cfg.OTLPPassword == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", EnvOTLPUser, EnvOTLPPass)
	}
	return cfg, nil
}

func secondsFromEnv(env Env, key string, def time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive number of seconds", key)
	}
	return time.Duration(secs) * time.Second, nil
}

// ResolveStorePath returns StorePath, or pushline/settings.cbor under the user config dir.
func (c Config) ResolveStorePath() (string, error) {
	if c.StorePath != "" {
		return c.StorePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("find config dir: %w", err)
	}
	return filepath.Join(dir, "pushline", "settings.cbor"), nil
}

// ApplyLogLevel sets the global zerolog level.
func (c Config) ApplyLogLevel() {
	zerolog.SetGlobalLevel(c.LogLevel)
}
