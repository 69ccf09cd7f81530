// pkg/config/config.go - configuration settings for ztsetup.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the optional YAML configuration file.
var ConfigPath = filepath.Join(os.Getenv("ProgramData"), "ZeroTierSetup", "Config.yaml")

// Configuration holds the configurable options for ztsetup in YAML format.
// Every field has a usable default; the file only needs to exist when a
// deployment wants to override one of them.
type Configuration struct {
	InstallerURL       string `yaml:"InstallerURL"`
	InstallerHash      string `yaml:"InstallerHash"` // optional SHA-256 of the MSI payload
	CachePath          string `yaml:"CachePath"`
	LogPath            string `yaml:"LogPath"`
	LogLevel           string `yaml:"LogLevel"`
	JoinTimeoutSeconds int    `yaml:"JoinTimeoutSeconds"`
	UnattendedAttempts int    `yaml:"UnattendedAttempts"` // join attempts in unattended mode
	RetryDownloads     bool   `yaml:"RetryDownloads"`
	MinimumVersion     string `yaml:"MinimumVersion"` // oldest client version we leave in place without advising reinstall
}

// Default returns the built-in configuration.
func Default() *Configuration {
	programData := os.Getenv("ProgramData")
	return &Configuration{
		InstallerURL:       "https://download.zerotier.com/dist/ZeroTier%20One.msi",
		CachePath:          filepath.Join(programData, "ZeroTierSetup", "Cache"),
		LogPath:            filepath.Join(programData, "ZeroTierSetup", "Logs"),
		LogLevel:           "INFO",
		JoinTimeoutSeconds: 30,
		UnattendedAttempts: 5,
		MinimumVersion:     "1.10.0",
	}
}

// LoadConfig loads the configuration from a YAML file, falling back to the
// defaults when the file does not exist. A file that exists but cannot be
// parsed is an error: a half-applied override is worse than none.
func LoadConfig(path string) (*Configuration, error) {
	if path == "" {
		path = ConfigPath
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Configuration) normalize() {
	d := Default()
	if c.InstallerURL == "" {
		c.InstallerURL = d.InstallerURL
	}
	if c.CachePath == "" {
		c.CachePath = d.CachePath
	}
	if c.LogPath == "" {
		c.LogPath = d.LogPath
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.JoinTimeoutSeconds <= 0 {
		c.JoinTimeoutSeconds = d.JoinTimeoutSeconds
	}
	if c.UnattendedAttempts <= 0 {
		c.UnattendedAttempts = d.UnattendedAttempts
	}
}

// JoinTimeout returns the join subprocess deadline as a duration.
func (c *Configuration) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}

// Dump renders the effective configuration as YAML for --show-config.
func (c *Configuration) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
