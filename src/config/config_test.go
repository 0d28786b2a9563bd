package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
listeners:
  - name: tcp
    transport: tcp
    address: 0.0.0.0:1883
authn:
  allowAnonymous: true
authz:
  local: true
signal:
  address: ""
`

func TestLoadEnvConfigDefaultPathWhenEmpty(t *testing.T) {
	t.Setenv("EB_CONFIG_FILE_PATH", "")
	t.Setenv("EB_CONFIG_CONTENT", "")
	t.Setenv("EB_CONFIG_FORMAT", "")

	ec, err := LoadEnvConfig()
	require.NoError(t, err)
	assert.Equal(t, "/etc/mqtt-edgebroker/config.yaml", ec.ConfigFilePath)
	assert.Empty(t, ec.ConfigContent)
	assert.Empty(t, ec.ConfigFormat)
}

func TestLoadConfigFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)
	assert.Equal(t, "tcp", cfg.Listeners[0].Name)
	assert.Equal(t, "0.0.0.0:1883", cfg.Listeners[0].Address)
	assert.True(t, cfg.Authn.AllowAnonymous)
}

func TestLoadConfigFileEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("EB_AUTHN__ALLOWANONYMOUS", "false")

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.False(t, cfg.Authn.AllowAnonymous)
}

func TestLoadConfigFileUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("key='value'"), 0o600))

	_, err := LoadConfigFile(path)
	require.Error(t, err)
	var ue *UnsupportedExtensionError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ".toml", ue.Extension)
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfigContentJSONAutoDetect(t *testing.T) {
	content := `{"listeners":[{"name":"tcp","transport":"tcp","address":"127.0.0.1:1883"}],"authn":{"allowAnonymous":true}}`
	cfg, err := LoadConfigContent(content, "")
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)
	assert.Equal(t, "127.0.0.1:1883", cfg.Listeners[0].Address)
}

func TestLoadConfigContentMissingListenersFailsValidation(t *testing.T) {
	_, err := LoadConfigContent(`{"authn":{"allowAnonymous":true}}`, "json")
	require.Error(t, err)
}

func TestLoadConfigPrefersInlineContentOverFile(t *testing.T) {
	t.Setenv("EB_CONFIG_CONTENT", sampleYAML)
	t.Setenv("EB_CONFIG_FORMAT", "yaml")
	t.Setenv("EB_CONFIG_FILE_PATH", filepath.Join(t.TempDir(), "unused.yaml"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)
}

func TestUnsupportedExtensionErrorError(t *testing.T) {
	e := &UnsupportedExtensionError{Extension: ".weird"}
	assert.Equal(t, "unsupported config format: .weird", e.Error())
}
