// Package config loads client settings from an optional YAML file layered
// under environment variables. Environment always wins, so a deployment can
// override a checked-in config without editing it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// BackendURL is the REST base, e.g. http://localhost:8080.
	BackendURL string `yaml:"backend_url"`
	// WSURL is the channel endpoint. Derived from BackendURL when empty.
	WSURL string `yaml:"ws_url"`
	// Token is the session token minted at login. The client never inspects
	// it; it is attached to requests and the connection URL as-is.
	Token string `yaml:"token"`
	// UserID identifies the local user, used to tell own messages from the
	// peer's and to key the cache.
	UserID string `yaml:"user_id"`
	// CachePath is the SQLite warm-start cache. Empty disables caching;
	// ":memory:" keeps it for the process lifetime only.
	CachePath string `yaml:"cache_path"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		BackendURL: "http://localhost:8080",
		CachePath:  "tutorlink.db",
		Reconnect: ReconnectConfig{
			MinBackoff: time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.BackendURL = getEnv("TUTORLINK_BACKEND_URL", cfg.BackendURL)
	cfg.WSURL = getEnv("TUTORLINK_WS_URL", cfg.WSURL)
	cfg.Token = getEnv("TUTORLINK_TOKEN", cfg.Token)
	cfg.UserID = getEnv("TUTORLINK_USER_ID", cfg.UserID)
	cfg.CachePath = getEnv("TUTORLINK_CACHE_PATH", cfg.CachePath)
	cfg.Reconnect.MinBackoff = getEnvDuration("TUTORLINK_MIN_BACKOFF", cfg.Reconnect.MinBackoff)
	cfg.Reconnect.MaxBackoff = getEnvDuration("TUTORLINK_MAX_BACKOFF", cfg.Reconnect.MaxBackoff)

	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.BackendURL)
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("config: token is required (TUTORLINK_TOKEN)")
	}
	return cfg, nil
}

// deriveWSURL maps the REST base to the websocket endpoint on the same host.
func deriveWSURL(backendURL string) string {
	ws := backendURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
