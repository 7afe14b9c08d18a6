// Package config loads the strandd runner configuration from TOML with
// environment overrides.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Provider Provider `toml:"provider"`
	Store    Store    `toml:"store"`
	Storage  Storage  `toml:"storage"`
	Observer Observer `toml:"observer"`
	Server   Server   `toml:"server"`
}

type Provider struct {
	// Name keys the endpoint; manifests select it via their provider name.
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

type Store struct {
	// Backend is "inmem", "sqlite", or "redis".
	Backend string `toml:"backend"`
	// Path is the SQLite file (sqlite backend).
	Path string `toml:"path"`
	// RedisAddr is the host:port of the Redis server (redis backend).
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type Storage struct {
	// PostgresURL enables the blob store when set.
	PostgresURL string `toml:"postgres_url"`
	// BaseURL is the external prefix for signed download URLs.
	BaseURL string `toml:"base_url"`
	// Secret signs download URLs.
	Secret string `toml:"secret"`
}

type Observer struct {
	Enabled bool `toml:"enabled"`
}

type Server struct {
	Addr string `toml:"addr"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Provider: Provider{
			Name:    "openai",
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Store:  Store{Backend: "inmem", Path: "strand.db", RedisAddr: "localhost:6379"},
		Server: Server{Addr: ":8080"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "strand.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("STRAND_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("STRAND_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("STRAND_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
		cfg.Store.Backend = "redis"
	}
	if v := os.Getenv("STRAND_POSTGRES_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("STRAND_STORAGE_SECRET"); v != "" {
		cfg.Storage.Secret = v
	}
	if os.Getenv("STRAND_OBSERVER_ENABLED") == "true" || os.Getenv("STRAND_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
