package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validBody = `
relay.url = "wss://relay.example.com"
identity.nsec_file = "~/bridge/identity.json"
groups.subscribe = ["ops", "support"]

[webhook]
url = "https://hooks.example.com/group"
dm_url = "https://hooks.example.com/dm"
token = "s3cret"
preview_length = 80

[api]
bind = "127.0.0.1:3847"

[cache]
db_path = "~/bridge/cache.db"
retention_days = 14

[logging]
level = "debug"
`

func TestLoadParsesAllFields(t *testing.T) {
	path := writeConfig(t, validBody)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "wss://relay.example.com", cfg.Relay.URL)
	require.Equal(t, []string{"wss://relay.example.com"}, cfg.Relay.URLs)
	require.Equal(t, []string{"ops", "support"}, cfg.Groups.Subscribe)
	require.Equal(t, "https://hooks.example.com/group", cfg.Webhook.URL)
	require.Equal(t, "https://hooks.example.com/dm", cfg.Webhook.DMURL)
	require.Equal(t, 80, cfg.Webhook.PreviewLength)
	require.Equal(t, "127.0.0.1:3847", cfg.API.Bind)
	require.Equal(t, 14, cfg.Cache.RetentionDays)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadExpandsTildePaths(t *testing.T) {
	path := writeConfig(t, validBody)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotContains(t, cfg.Identity.NsecFile, "~")
	require.NotContains(t, cfg.Cache.DBPath, "~")
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
relay.url = "wss://relay.example.com"
identity.nsec_file = "identity.json"

[webhook]
url = "https://hooks.example.com/group"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 100, cfg.Webhook.PreviewLength)
	require.Equal(t, "127.0.0.1:3847", cfg.API.Bind)
	require.Equal(t, 30, cfg.Cache.RetentionDays)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverridesWebhookToken(t *testing.T) {
	path := writeConfig(t, validBody)
	t.Setenv("WEBHOOK_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Webhook.Token)
}

func TestLoadRejectsBadRelayURL(t *testing.T) {
	path := writeConfig(t, `
relay.url = "http://relay.example.com"
identity.nsec_file = "identity.json"

[webhook]
url = "https://hooks.example.com"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadLoggingLevel(t *testing.T) {
	path := writeConfig(t, `
relay.url = "wss://relay.example.com"
identity.nsec_file = "identity.json"

[webhook]
url = "https://hooks.example.com"

[logging]
level = "verbose"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	require.Error(t, err)
}

func TestLoadMultipleRelayURLsOverridesSingular(t *testing.T) {
	path := writeConfig(t, `
relay.url = "wss://ignored.example.com"
relay.urls = ["wss://one.example.com", "wss://two.example.com"]
identity.nsec_file = "identity.json"

[webhook]
url = "https://hooks.example.com"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://one.example.com", "wss://two.example.com"}, cfg.Relay.URLs)
	require.Equal(t, "wss://one.example.com", cfg.Relay.URL)
}

func TestLoadRejectsBadRelayURLInList(t *testing.T) {
	path := writeConfig(t, `
relay.urls = ["wss://one.example.com", "http://bad.example.com"]
identity.nsec_file = "identity.json"

[webhook]
url = "https://hooks.example.com"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNoRelayURL(t *testing.T) {
	path := writeConfig(t, `
identity.nsec_file = "identity.json"

[webhook]
url = "https://hooks.example.com"
`)
	_, err := Load(path)
	require.Error(t, err)
}
