package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with a small
// set of environment overrides for secrets.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	API     APIConfig     `yaml:"api"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Blob    BlobConfig    `yaml:"blob"`
	Log     LogConfig     `yaml:"log"`
	Entries []EntryConfig `yaml:"entries"`

	// StateDir holds per-entry credential files.
	StateDir string `yaml:"state_dir"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type APIConfig struct {
	BaseURL           string `yaml:"base_url"`
	AuthBaseURL       string `yaml:"auth_base_url"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BrokerURL       string `yaml:"broker_url"`
	ClientID        string `yaml:"client_id"`
	BaseTopic       string `yaml:"base_topic"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	QoS             byte   `yaml:"qos"`
}

type BlobConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"use_ssl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// EntryConfig describes one account entry. The refresh token can be
// given inline, via a file, or left to the persisted state in
// state_dir.
type EntryConfig struct {
	ID               string         `yaml:"id"`
	RefreshToken     string         `yaml:"refresh_token"`
	RefreshTokenFile string         `yaml:"refresh_token_file"`
	LocationID       int64          `yaml:"location_id"`
	PollInterval     *time.Duration `yaml:"poll_interval"`
}

func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8787"
	}
	if cfg.API.RequestsPerMinute == 0 {
		cfg.API.RequestsPerMinute = 60
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 10
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "schluterd"
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "schluter"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/schluterd"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCHLUTERD_HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := os.Getenv("PORT"); v != "" && os.Getenv("SCHLUTERD_HTTP_LISTEN") == "" {
		cfg.HTTP.Listen = ":" + v
	}
	if v := os.Getenv("SCHLUTERD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SCHLUTERD_BLOB_ACCESS_KEY"); v != "" {
		cfg.Blob.AccessKey = v
	}
	if v := os.Getenv("SCHLUTERD_BLOB_SECRET_KEY"); v != "" {
		cfg.Blob.SecretKey = v
	}
}

func (c Config) validate() error {
	if len(c.Entries) == 0 {
		return fmt.Errorf("at least one entry is required")
	}
	seen := map[string]bool{}
	for i, entry := range c.Entries {
		if entry.ID == "" {
			return fmt.Errorf("entries[%d]: id is required", i)
		}
		if seen[entry.ID] {
			return fmt.Errorf("duplicate entry id: %s", entry.ID)
		}
		seen[entry.ID] = true
		if entry.RefreshToken != "" && entry.RefreshTokenFile != "" {
			return fmt.Errorf("entry %s: refresh_token and refresh_token_file are mutually exclusive", entry.ID)
		}
		if entry.PollInterval != nil && *entry.PollInterval < time.Second {
			return fmt.Errorf("entry %s: poll_interval below 1s", entry.ID)
		}
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt is enabled")
	}
	if c.Blob.Enabled {
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			return fmt.Errorf("blob.endpoint and blob.bucket are required when blob is enabled")
		}
	}
	return nil
}

// ResolveRefreshToken returns the configured refresh token for an
// entry, reading the token file if one is set. Empty means the entry
// relies on previously persisted state.
func (e EntryConfig) ResolveRefreshToken() (string, error) {
	if e.RefreshToken != "" {
		return e.RefreshToken, nil
	}
	if e.RefreshTokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(e.RefreshTokenFile)
	if err != nil {
		return "", fmt.Errorf("entry %s: read token file: %w", e.ID, err)
	}
	return strings.TrimSpace(string(data)), nil
}
