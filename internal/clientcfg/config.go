package clientcfg

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	pkgconfig "github.com/davideshay/groceries/pkg/config"
)

// Config holds all configuration for the client sync daemon.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Sync server to replicate against.
	ServerURL string `env:"GROCERY_SERVER_URL" envDefault:"http://localhost:3333"`

	// Local replica database. Empty means the platform data directory.
	ReplicaPath string `env:"GROCERY_REPLICA_PATH" envDefault:""`

	// Credentials for first login. Once a session is cached in the replica
	// these are only consulted again after the session is rejected.
	Username string `env:"GROCERY_USERNAME" envDefault:""`
	Password string `env:"GROCERY_PASSWORD" envDefault:""`

	// DestroyOnMismatch wipes and re-syncs the replica when the remote
	// store identity changes instead of refusing to start.
	DestroyOnMismatch bool `env:"GROCERY_DESTROY_ON_MISMATCH" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load client config: %w", err)
	}

	parsed, err := url.Parse(cfg.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid GROCERY_SERVER_URL: %q", cfg.ServerURL)
	}

	if cfg.ReplicaPath == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve replica directory: %w", err)
		}
		cfg.ReplicaPath = filepath.Join(dir, "groceries", "replica.db")
	}

	return cfg, nil
}
