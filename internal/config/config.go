package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/osmirror/glancesync/internal/safety"
)

// Config is the top-level configuration
type Config struct {
	Base   BaseConfig             `yaml:"base"`
	Stores map[string]StoreConfig `yaml:"stores"`
	Images ImagesConfig           `yaml:"images"`
}

// BaseConfig holds run-level settings
type BaseConfig struct {
	Master     string   `yaml:"master"`
	Slaves     []string `yaml:"slaves"`
	ScratchDir string   `yaml:"scratch_dir"`
	Clean      bool     `yaml:"clean"`
	DBPath     string   `yaml:"db_path"`
	Workers    int      `yaml:"workers"`
}

// StoreConfig describes one named glance endpoint
type StoreConfig struct {
	URL            string `yaml:"url"`
	AuthURL        string `yaml:"auth_url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Tenant         string `yaml:"tenant"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ImagesConfig scopes which images a run syncs
type ImagesConfig struct {
	SyncList []string `yaml:"sync_list"`
	Pattern  string   `yaml:"pattern"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Base: BaseConfig{
			ScratchDir: "/var/tmp/glancesync",
			DBPath:     "/var/lib/glancesync/glancesync.db",
			Workers:    1,
		},
		Stores: make(map[string]StoreConfig),
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyStoreDefaults()
	return cfg, nil
}

// applyStoreDefaults fills per-store fields the file may omit. The auth
// endpoint defaults to the glance endpoint itself, matching deployments
// where keystone fronts the same host.
func (c *Config) applyStoreDefaults() {
	for name, sc := range c.Stores {
		if sc.Username == "" {
			sc.Username = "admin"
		}
		if sc.Tenant == "" {
			sc.Tenant = "admin"
		}
		if sc.AuthURL == "" {
			sc.AuthURL = sc.URL
		}
		c.Stores[name] = sc
	}
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"glancesync.yaml",
		"/etc/glancesync/glancesync.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "glancesync", "glancesync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Store looks up a named store definition
func (c *Config) Store(name string) (StoreConfig, bool) {
	sc, ok := c.Stores[name]
	return sc, ok
}

// Validate checks that the run is fully resolvable: a master is named,
// at least one slave is named, every referenced store is defined, and
// every referenced store has a usable endpoint.
func (c *Config) Validate() error {
	if c.Base.Master == "" {
		return fmt.Errorf("no master store configured")
	}
	if _, ok := c.Stores[c.Base.Master]; !ok {
		return fmt.Errorf("master store %q not defined in stores section", c.Base.Master)
	}
	if len(c.Base.Slaves) == 0 {
		return fmt.Errorf("no slave stores configured")
	}
	for _, slave := range c.Base.Slaves {
		if _, ok := c.Stores[slave]; !ok {
			return fmt.Errorf("slave store %q not defined in stores section", slave)
		}
		if slave == c.Base.Master {
			return fmt.Errorf("store %q cannot be both master and slave", slave)
		}
	}
	for _, name := range append([]string{c.Base.Master}, c.Base.Slaves...) {
		sc := c.Stores[name]
		if _, err := safety.ValidateHTTPURL(sc.URL); err != nil {
			return fmt.Errorf("store %q url: %w", name, err)
		}
		if _, err := safety.ValidateHTTPURL(sc.AuthURL); err != nil {
			return fmt.Errorf("store %q auth_url: %w", name, err)
		}
	}
	return nil
}
