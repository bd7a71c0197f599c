// Package config loads the bridge's TOML configuration file (§6).
package config

import (
	"fmt"
	"net"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the bridge's full configuration (§6).
type Config struct {
	Relay    RelayConfig
	Identity IdentityConfig
	Groups   GroupsConfig
	Webhook  WebhookConfig
	API      APIConfig
	Cache    CacheConfig
	Logging  LoggingConfig
	Owner    string // configured owner identity hex, for C9's permission model
}

type RelayConfig struct {
	URL  string
	// URLs is the multi-relay form (supplemented feature): when set, the
	// bridge runs one independent C6 session per URL for redundancy, all
	// feeding the same C8/C9 pipeline; duplicates across relays are
	// resolved by C1's dedup. Falls back to []string{URL} when empty.
	URLs []string
}

type IdentityConfig struct {
	NsecFile string
}

type GroupsConfig struct {
	Subscribe []string
}

type WebhookConfig struct {
	URL           string
	DMURL         string
	Token         string
	PreviewLength int
}

type APIConfig struct {
	Bind string
}

type CacheConfig struct {
	DBPath        string
	RetentionDays int
}

type LoggingConfig struct {
	Level string
}

func defaults(v *viper.Viper) {
	v.SetDefault("webhook.preview_length", 100)
	v.SetDefault("api.bind", "127.0.0.1:3847")
	v.SetDefault("cache.db_path", "bridge.db")
	v.SetDefault("cache.retention_days", 30)
	v.SetDefault("logging.level", "info")
}

// Load reads and validates the TOML config file at path, expanding
// tilde-prefixed paths and applying the WEBHOOK_TOKEN env override (§6).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	defaults(v)

	v.SetEnvPrefix("")
	v.BindEnv("webhook.token", "WEBHOOK_TOKEN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Config{
		Relay:    RelayConfig{URL: v.GetString("relay.url"), URLs: v.GetStringSlice("relay.urls")},
		Identity: IdentityConfig{NsecFile: v.GetString("identity.nsec_file")},
		Groups:   GroupsConfig{Subscribe: v.GetStringSlice("groups.subscribe")},
		Webhook: WebhookConfig{
			URL:           v.GetString("webhook.url"),
			DMURL:         v.GetString("webhook.dm_url"),
			Token:         v.GetString("webhook.token"),
			PreviewLength: v.GetInt("webhook.preview_length"),
		},
		API:     APIConfig{Bind: v.GetString("api.bind")},
		Cache:   CacheConfig{DBPath: v.GetString("cache.db_path"), RetentionDays: v.GetInt("cache.retention_days")},
		Logging: LoggingConfig{Level: v.GetString("logging.level")},
		Owner:   v.GetString("owner"),
	}

	cfg.normalizeRelayURLs()

	if err := cfg.expandPaths(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeRelayURLs reconciles the singular relay.url and plural
// relay.urls config forms: relay.urls wins when set, falling back to
// []string{relay.url} otherwise; relay.url is kept in sync as URLs[0] for
// callers that only read the singular field.
func (c *Config) normalizeRelayURLs() {
	if len(c.Relay.URLs) == 0 && c.Relay.URL != "" {
		c.Relay.URLs = []string{c.Relay.URL}
	}
	if len(c.Relay.URLs) > 0 {
		c.Relay.URL = c.Relay.URLs[0]
	}
}

// expandPaths tilde-expands every filesystem path in cfg (§6: "all paths
// tilde-expanded").
func (c *Config) expandPaths() error {
	expanded, err := homedir.Expand(c.Identity.NsecFile)
	if err != nil {
		return fmt.Errorf("config: expand identity.nsec_file: %w", err)
	}
	c.Identity.NsecFile = expanded

	expanded, err = homedir.Expand(c.Cache.DBPath)
	if err != nil {
		return fmt.Errorf("config: expand cache.db_path: %w", err)
	}
	c.Cache.DBPath = expanded
	return nil
}

func (c Config) validate() error {
	if len(c.Relay.URLs) == 0 {
		return fmt.Errorf("config: relay.url or relay.urls is required")
	}
	for _, u := range c.Relay.URLs {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("config: relay url %q must start with ws:// or wss://", u)
		}
	}
	if !strings.HasPrefix(c.Webhook.URL, "http://") && !strings.HasPrefix(c.Webhook.URL, "https://") {
		return fmt.Errorf("config: webhook.url must start with http:// or https://")
	}
	if c.Webhook.DMURL != "" && !strings.HasPrefix(c.Webhook.DMURL, "http://") && !strings.HasPrefix(c.Webhook.DMURL, "https://") {
		return fmt.Errorf("config: webhook.dm_url must start with http:// or https://")
	}
	if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
		return fmt.Errorf("config: invalid api.bind %q: %w", c.API.Bind, err)
	}
	switch c.Logging.Level {
	case "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("config: invalid logging.level %q", c.Logging.Level)
	}
	return nil
}
