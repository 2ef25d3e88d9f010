package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"feedoracle/crypto"
)

// DefaultSeed is the digest seed used when none is configured.
const DefaultSeed = 1568

// Config is the node configuration: where state lives, which key owns the
// registry and how the registry is bootstrapped.
type Config struct {
	DataDir               string       `toml:"DataDir"`
	Seed                  uint16       `toml:"Seed"`
	OwnerKeystorePath     string       `toml:"OwnerKeystorePath"`
	ResponderKeystorePath string       `toml:"ResponderKeystorePath"`
	InitialSigner         string       `toml:"InitialSigner"`
	Allocations           []Allocation `toml:"Allocations"`
	Pauses                Pauses       `toml:"Pauses"`
	RequestQuota          Quota        `toml:"RequestQuota"`
	Log                   Logging      `toml:"Log"`
	DeprecatedOwnerKey    string       `toml:"OwnerKey,omitempty"`
}

// Load loads the configuration from the given path, creating a default file
// and owner keystore when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DeprecatedOwnerKey) != "" {
		return nil, fmt.Errorf("config file %s stores a raw OwnerKey; move it into a keystore with feedctl keygen", path)
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./feedoracle-data"
	}
	if cfg.Seed == 0 {
		cfg.Seed = DefaultSeed
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Allocations == nil {
		cfg.Allocations = []Allocation{}
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := crypto.EnsureKeystore(keystorePath, ""); err != nil {
		return err
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if _, err := crypto.EnsureKeystore(keystorePath, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:           "./feedoracle-data",
		Seed:              DefaultSeed,
		OwnerKeystorePath: keystorePath,
		Allocations:       []Allocation{},
		Log:               Logging{Level: "info"},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}
