package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patchdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TZ", "")
	t.Setenv("API_URL", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "docstore", cfg.Store.Backend)
	assert.Equal(t, "mem://records/_id", cfg.Store.URL)
	assert.Equal(t, "disable", cfg.APIURL)
	assert.Equal(t, "Europe/Kiev", cfg.Location().String())
	assert.Equal(t, 5, cfg.Verify.Tries)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: badger
  path: /var/lib/patchdb
server_id: "7"
api_url: localhost:6543
verify:
  tries: 3
  delay: 250ms
`)
	t.Setenv("API_URL", "api.example:80")
	t.Setenv("DB_NAME", "tenders")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/patchdb", cfg.Store.Path)
	assert.Empty(t, cfg.Store.URL)
	assert.Equal(t, "tenders", cfg.Store.DBName)
	assert.Equal(t, "7", cfg.ServerID)
	assert.Equal(t, "api.example:80", cfg.APIURL)
	assert.Equal(t, 3, cfg.Verify.Tries)
	assert.Equal(t, 250*time.Millisecond, cfg.Verify.Delay)
}

func TestLoadDBNameBuildsURL(t *testing.T) {
	t.Setenv("DB_NAME", "plans")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "mem://plans/_id", cfg.Store.URL)
}

func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: couch
log:
  format: xml
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Store.Backend")
	assert.Contains(t, err.Error(), "Config.Log.Format")
}

func TestLoadBadTimezone(t *testing.T) {
	t.Setenv("TZ", "Mars/Olympus")
	_, err := Load("")
	assert.ErrorContains(t, err, "timezone")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLoadEventsAndCatalog(t *testing.T) {
	path := writeConfig(t, `
events:
  dir: /var/lib/patchdb/events
catalog:
  dsn: postgres://patchdb@localhost/patchdb
`)
	t.Setenv("EVENTS_URL", "https://events.example/v1/runs")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/patchdb/events", cfg.Events.Dir)
	assert.Equal(t, "https://events.example/v1/runs", cfg.Events.Endpoint)
	assert.Equal(t, "postgres://patchdb@localhost/patchdb", cfg.Catalog.DSN)

	t.Setenv("EVENTS_URL", "not a url")
	_, err = Load(path)
	assert.ErrorContains(t, err, "Config.Events.Endpoint")
}
