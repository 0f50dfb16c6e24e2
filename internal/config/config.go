package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/paksyncd/internal/model"
)

const (
	// MinIntervalMinutes and MaxIntervalMinutes bound the autosync interval
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 1440

	defaultIntervalMinutes = 15
)

// SecretsBackend selects where credentials are stored
type SecretsBackend string

const (
	SecretsKeyring SecretsBackend = "keyring"
	SecretsFile    SecretsBackend = "file"
)

// Config represents the complete paksyncd configuration
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Flatpak FlatpakConfig `yaml:"flatpak"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Secrets SecretsConfig `yaml:"secrets"`
	Control ControlConfig `yaml:"control"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir  string `yaml:"state_dir"`
	CacheFile string `yaml:"cache_file"`
	Database  string `yaml:"database"`
}

// FlatpakConfig locates the flatpak binary and installations
type FlatpakConfig struct {
	Binary    string `yaml:"binary"`
	UserDir   string `yaml:"user_dir"`
	SystemDir string `yaml:"system_dir"`
}

// RemoteConfig configures the remote store backend
type RemoteConfig struct {
	Backend  string        `yaml:"backend"`
	APIURL   string        `yaml:"api_url"`
	ClientID string        `yaml:"client_id"`
	Timeout  time.Duration `yaml:"timeout"`
	Public   bool          `yaml:"public"`
}

// SyncConfig configures sync behavior. Autosync and IntervalMinutes are
// defaults for values changed at runtime through the control surface.
type SyncConfig struct {
	Autosync         *bool         `yaml:"autosync"`
	IntervalMinutes  uint32        `yaml:"interval_minutes"`
	SkipOnMetered    *bool         `yaml:"skip_on_metered"`
	SkipOnPowerSaver *bool         `yaml:"skip_on_power_saver"`
	DisableGPGVerify *bool         `yaml:"disable_gpg_verify"`
	Debounce         time.Duration `yaml:"debounce"`
}

// SecretsConfig configures credential storage
type SecretsConfig struct {
	Backend SecretsBackend `yaml:"backend"`
	File    string         `yaml:"file"`
}

// ControlConfig configures the local control socket
type ControlConfig struct {
	Socket string `yaml:"socket"`
}

// Default returns the configuration used when no file exists
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist
func LoadOrDefault(path string) (*Config, bool, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return nil, false, err
	}
	if _, err := os.Stat(expanded); errors.Is(err, os.ErrNotExist) {
		cfg, err := Default()
		return cfg, false, err
	}
	cfg, err := Load(path)
	return cfg, true, err
}

func (c *Config) finish() error {
	if err := c.expandPaths(); err != nil {
		return err
	}
	if err := c.applyDefaults(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// expandPaths expands environment variables and ~ in all path fields
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Paths.StateDir,
		&c.Paths.CacheFile,
		&c.Paths.Database,
		&c.Flatpak.Binary,
		&c.Flatpak.UserDir,
		&c.Flatpak.SystemDir,
		&c.Secrets.File,
		&c.Control.Socket,
	} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	c.Remote.APIURL = os.ExpandEnv(c.Remote.APIURL)
	c.Remote.ClientID = os.ExpandEnv(c.Remote.ClientID)
	return nil
}

func expandPath(p string) (string, error) {
	p, err := homedir.Expand(os.ExpandEnv(p))
	if err != nil {
		return "", fmt.Errorf("failed to expand path %q: %w", p, err)
	}
	return p, nil
}

// applyDefaults fills in zero-value fields with sensible defaults
func (c *Config) applyDefaults() error {
	home, err := homedir.Dir()
	if err != nil {
		return fmt.Errorf("failed to determine home directory: %w", err)
	}

	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share")), "paksyncd")
	}
	if c.Paths.CacheFile == "" {
		c.Paths.CacheFile = filepath.Join(c.Paths.StateDir, "paksyncd.json")
	}
	if c.Paths.Database == "" {
		c.Paths.Database = filepath.Join(c.Paths.StateDir, "paksyncd.db")
	}

	if c.Flatpak.Binary == "" {
		c.Flatpak.Binary = "flatpak"
	}
	if c.Flatpak.UserDir == "" {
		c.Flatpak.UserDir = filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share")), "flatpak")
	}
	if c.Flatpak.SystemDir == "" {
		c.Flatpak.SystemDir = "/var/lib/flatpak"
	}

	if c.Remote.Backend == "" {
		c.Remote.Backend = "github-gists"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}

	if c.Sync.Autosync == nil {
		c.Sync.Autosync = boolPtr(true)
	}
	if c.Sync.IntervalMinutes == 0 {
		c.Sync.IntervalMinutes = defaultIntervalMinutes
	}
	if c.Sync.SkipOnMetered == nil {
		c.Sync.SkipOnMetered = boolPtr(true)
	}
	if c.Sync.SkipOnPowerSaver == nil {
		c.Sync.SkipOnPowerSaver = boolPtr(true)
	}
	if c.Sync.DisableGPGVerify == nil {
		c.Sync.DisableGPGVerify = boolPtr(true)
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = 2 * time.Second
	}

	if c.Secrets.Backend == "" {
		c.Secrets.Backend = SecretsKeyring
	}
	if c.Secrets.File == "" {
		c.Secrets.File = filepath.Join(c.Paths.StateDir, "secrets.json")
	}

	if c.Control.Socket == "" {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			runtimeDir = c.Paths.StateDir
		}
		c.Control.Socket = filepath.Join(runtimeDir, "paksyncd.sock")
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	for _, p := range []struct{ name, path string }{
		{"paths.state_dir", c.Paths.StateDir},
		{"paths.cache_file", c.Paths.CacheFile},
		{"paths.database", c.Paths.Database},
		{"flatpak.user_dir", c.Flatpak.UserDir},
		{"flatpak.system_dir", c.Flatpak.SystemDir},
		{"control.socket", c.Control.Socket},
	} {
		if !filepath.IsAbs(p.path) {
			return fmt.Errorf("%s must be an absolute path: %s", p.name, p.path)
		}
	}

	if c.Remote.Backend != "github-gists" {
		return fmt.Errorf("invalid remote.backend: %s (must be github-gists)", c.Remote.Backend)
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}

	if c.Sync.IntervalMinutes < MinIntervalMinutes || c.Sync.IntervalMinutes > MaxIntervalMinutes {
		return fmt.Errorf("sync.interval_minutes must be between %d and %d, got %d",
			MinIntervalMinutes, MaxIntervalMinutes, c.Sync.IntervalMinutes)
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must not be negative")
	}

	switch c.Secrets.Backend {
	case SecretsKeyring, SecretsFile:
		// valid
	default:
		return fmt.Errorf("invalid secrets.backend: %s (must be keyring or file)", c.Secrets.Backend)
	}

	return nil
}

// AutosyncDefault returns the autosync flag used until changed at runtime
func (c *Config) AutosyncDefault() bool {
	return c.Sync.Autosync == nil || *c.Sync.Autosync
}

// SkipOnMetered reports whether automatic syncs wait for an unmetered network
func (c *Config) SkipOnMetered() bool {
	return c.Sync.SkipOnMetered == nil || *c.Sync.SkipOnMetered
}

// SkipOnPowerSaver reports whether automatic syncs wait for power saving to end
func (c *Config) SkipOnPowerSaver() bool {
	return c.Sync.SkipOnPowerSaver == nil || *c.Sync.SkipOnPowerSaver
}

// DisableGPGVerify reports whether synced repositories skip signature checks
func (c *Config) DisableGPGVerify() bool {
	return c.Sync.DisableGPGVerify == nil || *c.Sync.DisableGPGVerify
}

// InstallationDirs returns the flatpak installation directory of each scope
func (c *Config) InstallationDirs() map[model.Scope]string {
	return map[model.Scope]string{
		model.ScopeUser:   c.Flatpak.UserDir,
		model.ScopeSystem: c.Flatpak.SystemDir,
	}
}

func xdgDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" && filepath.IsAbs(v) {
		return v
	}
	return fallback
}

func boolPtr(b bool) *bool {
	return &b
}
