package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kruppes/TeddyPlayer/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load(t.TempDir())
	assert.Equal(t, ":8754", cfg.Address())
	assert.Equal(t, 500, cfg.AudioCacheMaxMB)
	assert.Equal(t, 200, cfg.UploadMaxKbpsActive)
	assert.Equal(t, 0, cfg.UploadMaxKbpsIdle)
	assert.False(t, cfg.SDPlayerEnabled)
}

func TestOverlayTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	overlay := map[string]any{
		"teddycloud_url":     "http://tc.lan",
		"audio_cache_max_mb": 1000,
		"upload_kbps_active": "150", // JSON values may arrive as strings
	}
	data, _ := json.Marshal(overlay)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644))

	cfg := Load(dir)
	assert.Equal(t, "http://tc.lan", cfg.TeddyCloudURL)
	assert.Equal(t, 1000, cfg.AudioCacheMaxMB)
	assert.Equal(t, 150, cfg.UploadMaxKbpsActive)
}

func TestUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	cfg := Load(dir)
	require.NoError(t, cfg.Update(map[string]any{"server_url": "http://10.0.0.2:8754/"}))

	reloaded := Load(dir)
	assert.Equal(t, "http://10.0.0.2:8754/", reloaded.ServerURL)
	assert.Equal(t, "http://10.0.0.2:8754", reloaded.ServerBase())
}

func TestReaderDeviceOverrides(t *testing.T) {
	cfg := Load(t.TempDir())
	_, ok := cfg.ReaderDevice("10.0.0.40")
	assert.False(t, ok)

	ref := models.DeviceRef{Type: models.DeviceMultiroom, ID: "RINCON_X"}
	require.NoError(t, cfg.SetReaderDevice("10.0.0.40", ref))

	got, ok := cfg.ReaderDevice("10.0.0.40")
	require.True(t, ok)
	assert.Equal(t, ref, got)

	// Overrides survive a reload.
	reloaded := Load(cfg.ConfigDir)
	got, ok = reloaded.ReaderDevice("10.0.0.40")
	require.True(t, ok)
	assert.Equal(t, ref, got)

	cleared, err := reloaded.ClearReaderDevice("10.0.0.40")
	require.NoError(t, err)
	assert.True(t, cleared)
	cleared, err = reloaded.ClearReaderDevice("10.0.0.40")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestContentBase(t *testing.T) {
	assert.Equal(t, "http://tc:80", ContentBase("http://tc:80/web"))
	assert.Equal(t, "http://tc:80", ContentBase("http://tc:80/web/"))
	assert.Equal(t, "http://tc:80", ContentBase("http://tc:80/"))
	assert.Equal(t, "http://tc:80", ContentBase("http://tc:80"))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	// No temp litter left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPreferences(t *testing.T) {
	dir := t.TempDir()
	p := LoadPreferences(dir)
	require.NoError(t, p.Update(map[string]any{"theme": "dark", "volume": 7}))

	reloaded := LoadPreferences(dir)
	all := reloaded.All()
	assert.Equal(t, "dark", all["theme"])

	require.NoError(t, reloaded.Update(map[string]any{"theme": nil}))
	_, ok := reloaded.All()["theme"]
	assert.False(t, ok, "nil deletes a preference")
}
