package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/Kruppes/TeddyPlayer/internal/models"
)

// Config holds the process configuration. Environment variables provide the
// base values; the settings.json overlay in the config directory takes
// precedence and is persisted on update.
type Config struct {
	mu sync.RWMutex

	ConfigDir string
	Listen    string
	Port      int

	// Upstream content server (TeddyCloud).
	TeddyCloudURL         string
	TeddyCloudInternalURL string
	TeddyCloudAPIBase     string
	TeddyCloudTimeoutSecs int

	// Server URL advertised to external devices. Empty = auto-detect.
	ServerURL string

	// Audio cache soft cap in megabytes.
	AudioCacheMaxMB int

	// Upload bandwidth ceilings (kbps, 0 = unlimited). Active applies while a
	// scan-triggered upload runs, idle to heartbeat-resumed uploads.
	UploadMaxKbpsActive int
	UploadMaxKbpsIdle   int

	// Feature flag for SD-player reader integration.
	SDPlayerEnabled bool

	// Default playback device and per-reader persisted overrides.
	DefaultDeviceType string
	DefaultDeviceID   string
	ReaderDevices     map[string]models.DeviceRef

	FFmpegPath  string
	FFprobePath string
}

// Load builds the configuration from .env, environment and the settings
// overlay file.
func Load(configDir string) *Config {
	// Best-effort .env seed; absence is normal.
	_ = godotenv.Load()

	if configDir == "" {
		configDir = env("CONFIG_DIR", "/app/config")
	}

	cfg := &Config{
		ConfigDir:             configDir,
		Listen:                env("LISTEN_ADDR", ""),
		Port:                  envInt("PORT", 8754),
		TeddyCloudURL:         env("TEDDYCLOUD_URL", "http://localhost:80"),
		TeddyCloudInternalURL: env("TEDDYCLOUD_INTERNAL_URL", ""),
		TeddyCloudAPIBase:     env("TEDDYCLOUD_API_BASE", "/api"),
		TeddyCloudTimeoutSecs: envInt("TEDDYCLOUD_TIMEOUT", 30),
		ServerURL:             env("SERVER_URL", ""),
		AudioCacheMaxMB:       envInt("AUDIO_CACHE_MAX_MB", 500),
		UploadMaxKbpsActive:   envInt("ESPUINO_UPLOAD_MAX_KBPS_ACTIVE", 200),
		UploadMaxKbpsIdle:     envInt("ESPUINO_UPLOAD_MAX_KBPS_IDLE", 0),
		SDPlayerEnabled:       envBool("ESPUINO_ENABLED", false),
		FFmpegPath:            env("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           env("FFPROBE_PATH", "ffprobe"),
		ReaderDevices:         make(map[string]models.DeviceRef),
	}

	cfg.applyOverlay(cfg.loadOverlay())
	return cfg
}

// Address returns the listen address for the HTTP server.
func (c *Config) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Listen != "" {
		return c.Listen
	}
	return fmt.Sprintf(":%d", c.Port)
}

// SettingsPath returns the overlay file location.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.ConfigDir, "settings.json")
}

// CacheDir returns the audio cache root.
func (c *Config) CacheDir() string {
	return filepath.Join(c.ConfigDir, "audio_cache")
}

// ContentBase strips a trailing /web segment some upstream URLs carry and
// returns the base used for content and API requests.
func ContentBase(raw string) string {
	base := raw
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(base) >= 4 && base[len(base)-4:] == "/web" {
		base = base[:len(base)-4]
	}
	return base
}

// InternalURL returns the URL used for audio fetching, falling back to the
// external URL when no internal one is configured.
func (c *Config) InternalURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.TeddyCloudInternalURL != "" {
		return c.TeddyCloudInternalURL
	}
	return c.TeddyCloudURL
}

// ServerBase returns the base URL external devices use to reach this server.
func (c *Config) ServerBase() string {
	c.mu.RLock()
	url := c.ServerURL
	port := c.Port
	c.mu.RUnlock()
	if url != "" {
		return ContentBase(url)
	}
	return fmt.Sprintf("http://%s:%d", LocalIP(), port)
}

// DefaultDevice returns the configured default playback device.
func (c *Config) DefaultDevice() models.DeviceRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.DeviceRef{
		Type: models.DeviceType(c.DefaultDeviceType),
		ID:   c.DefaultDeviceID,
	}
}

// SetDefaultDevice persists the default playback device.
func (c *Config) SetDefaultDevice(ref models.DeviceRef) error {
	return c.Update(map[string]any{
		"default_device_type": string(ref.Type),
		"default_device_id":   ref.ID,
	})
}

// ReaderDevice returns the persisted override for a reader, if any.
func (c *Config) ReaderDevice(readerIP string) (models.DeviceRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.ReaderDevices[readerIP]
	if !ok || !ref.Valid() {
		return models.DeviceRef{}, false
	}
	return ref, true
}

// SetReaderDevice persists a per-reader device override.
func (c *Config) SetReaderDevice(readerIP string, ref models.DeviceRef) error {
	c.mu.Lock()
	c.ReaderDevices[readerIP] = ref
	mapping := readerDevicesJSON(c.ReaderDevices)
	c.mu.Unlock()
	return c.Update(map[string]any{"reader_devices": mapping})
}

// ClearReaderDevice removes a per-reader device override.
func (c *Config) ClearReaderDevice(readerIP string) (bool, error) {
	c.mu.Lock()
	_, ok := c.ReaderDevices[readerIP]
	if ok {
		delete(c.ReaderDevices, readerIP)
	}
	mapping := readerDevicesJSON(c.ReaderDevices)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, c.Update(map[string]any{"reader_devices": mapping})
}

// Editable returns the settings exposed to the UI.
func (c *Config) Editable() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"teddycloud_url":      c.TeddyCloudURL,
		"server_url":          c.ServerURL,
		"default_device_type": c.DefaultDeviceType,
		"default_device_id":   c.DefaultDeviceID,
		"audio_cache_max_mb":  c.AudioCacheMaxMB,
		"upload_kbps_active":  c.UploadMaxKbpsActive,
		"upload_kbps_idle":    c.UploadMaxKbpsIdle,
	}
}

// Update applies a set of overlay changes and persists them atomically.
func (c *Config) Update(changes map[string]any) error {
	overlay := c.loadOverlay()
	for k, v := range changes {
		overlay[k] = v
	}
	c.applyOverlay(overlay)

	data, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return WriteFileAtomic(c.SettingsPath(), data)
}

func (c *Config) loadOverlay() map[string]any {
	overlay := make(map[string]any)
	data, err := os.ReadFile(c.SettingsPath())
	if err != nil {
		return overlay
	}
	if err := json.Unmarshal(data, &overlay); err != nil {
		log.Printf("[config] ignoring malformed settings overlay: %v", err)
		return make(map[string]any)
	}
	return overlay
}

// applyOverlay folds overlay values into the live configuration. Values come
// from JSON, so they are coerced rather than type-asserted.
func (c *Config) applyOverlay(overlay map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range overlay {
		switch key {
		case "teddycloud_url":
			c.TeddyCloudURL = cast.ToString(value)
		case "teddycloud_internal_url":
			c.TeddyCloudInternalURL = cast.ToString(value)
		case "teddycloud_api_base":
			c.TeddyCloudAPIBase = cast.ToString(value)
		case "teddycloud_timeout":
			if v := cast.ToInt(value); v > 0 {
				c.TeddyCloudTimeoutSecs = v
			}
		case "server_url":
			c.ServerURL = cast.ToString(value)
		case "audio_cache_max_mb":
			if v := cast.ToInt(value); v > 0 {
				c.AudioCacheMaxMB = v
			}
		case "upload_kbps_active":
			c.UploadMaxKbpsActive = cast.ToInt(value)
		case "upload_kbps_idle":
			c.UploadMaxKbpsIdle = cast.ToInt(value)
		case "default_device_type":
			c.DefaultDeviceType = cast.ToString(value)
		case "default_device_id":
			c.DefaultDeviceID = cast.ToString(value)
		case "reader_devices":
			mapping := make(map[string]models.DeviceRef)
			for ip, raw := range cast.ToStringMap(value) {
				entry := cast.ToStringMapString(raw)
				ref := models.DeviceRef{
					Type: models.DeviceType(entry["type"]),
					ID:   entry["id"],
				}
				if ref.Valid() {
					mapping[ip] = ref
				}
			}
			c.ReaderDevices = mapping
		}
	}
}

func readerDevicesJSON(m map[string]models.DeviceRef) map[string]any {
	out := make(map[string]any, len(m))
	for ip, ref := range m {
		out[ip] = map[string]string{"type": string(ref.Type), "id": ref.ID}
	}
	return out
}

// WriteFileAtomic writes data via a temp file and rename so readers never
// observe a partial document.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// LocalIP detects the address of the interface that would reach the LAN.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "localhost"
	}
	return addr.IP.String()
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "true", "1", "yes", "TRUE", "True", "YES":
			return true
		default:
			return false
		}
	}
	return fallback
}
