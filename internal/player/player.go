// Package player wires a scan to content resolution, cache, encoding,
// device control and SD mirroring. It owns the recent-scan log, the live
// reader registry and the temporary device overrides.
package player

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/config"
	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/encoding"
	"github.com/Kruppes/TeddyPlayer/internal/mirror"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/readers"
	"github.com/Kruppes/TeddyPlayer/internal/store"
	"github.com/Kruppes/TeddyPlayer/internal/tasks"
	"github.com/Kruppes/TeddyPlayer/internal/teddycloud"
	"github.com/Kruppes/TeddyPlayer/internal/transcode"
)

const recentScanLimit = 50

// pseudoTrackCeiling caps synthesized single-track durations at two hours.
const pseudoTrackCeiling = 7200

// Broadcaster pushes events to UI clients. Satisfied by the websocket hub.
type Broadcaster interface {
	Broadcast(event string, data any)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, any) {}

// ReaderLive is the in-memory registry entry for a connected reader.
type ReaderLive struct {
	Name      string `json:"name"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
	ScanCount int    `json:"scan_count"`
}

type Orchestrator struct {
	Cfg         *config.Config
	Prefs       *config.Preferences
	TC          *teddycloud.Client
	Store       *cache.Store
	Coord       *encoding.Coordinator
	Ctrl        *devices.Controller
	Mirror      *mirror.Engine
	Readers     *readers.Manager
	ReaderCache *store.ReaderCache
	DeviceCache *store.DeviceCache
	Prober      *transcode.Prober
	Sup         *tasks.Supervisor
	Events      Broadcaster

	mu          sync.Mutex
	connected   map[string]*ReaderLive
	tempDevices map[string]models.DeviceRef
	currentTemp *models.DeviceRef
	recent      []models.ScanRecord
}

func New(cfg *config.Config, prefs *config.Preferences, tc *teddycloud.Client,
	st *cache.Store, coord *encoding.Coordinator, ctrl *devices.Controller,
	mir *mirror.Engine, mgr *readers.Manager, readerCache *store.ReaderCache,
	deviceCache *store.DeviceCache, prober *transcode.Prober, sup *tasks.Supervisor) *Orchestrator {
	o := &Orchestrator{
		Cfg:         cfg,
		Prefs:       prefs,
		TC:          tc,
		Store:       st,
		Coord:       coord,
		Ctrl:        ctrl,
		Mirror:      mir,
		Readers:     mgr,
		ReaderCache: readerCache,
		DeviceCache: deviceCache,
		Prober:      prober,
		Sup:         sup,
		Events:      noopBroadcaster{},
		connected:   make(map[string]*ReaderLive),
		tempDevices: make(map[string]models.DeviceRef),
	}
	// AirPlay-like endpoints need a local file to push.
	ctrl.LocalFile = o.localFileFor
	return o
}

func (o *Orchestrator) SetBroadcaster(b Broadcaster) {
	if b != nil {
		o.Events = b
	}
}

// ──────────────────── Reader registry ────────────────────

func nowISO() string { return time.Now().Format(time.RFC3339) }

// TouchReader upserts a live registry entry and write-through caches
// physical readers.
func (o *Orchestrator) TouchReader(readerIP, name string) *ReaderLive {
	o.mu.Lock()
	live, ok := o.connected[readerIP]
	if !ok {
		if name == "" {
			if cached, found := o.ReaderCache.Get(readerIP); found && cached.Name != "" {
				name = cached.Name
			} else if readers.IsVirtual(readerIP) {
				name = "Web Interface"
			} else {
				name = "Reader (" + readerIP + ")"
			}
		}
		live = &ReaderLive{Name: name, FirstSeen: nowISO()}
		o.connected[readerIP] = live
	} else if name != "" {
		live.Name = name
	}
	live.LastSeen = nowISO()
	snapshot := *live
	o.mu.Unlock()

	if !readers.IsVirtual(readerIP) {
		o.ReaderCache.Touch(readerIP, func(info *models.ReaderInfo) {
			info.Name = snapshot.Name
			info.ScanCount = snapshot.ScanCount
		})
	}
	return live
}

// TouchLastSeen refreshes liveness only; used by the liveness supervisor.
func (o *Orchestrator) TouchLastSeen(readerIP string) {
	o.mu.Lock()
	if live, ok := o.connected[readerIP]; ok {
		live.LastSeen = nowISO()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) bumpScanCount(readerIP string) {
	o.mu.Lock()
	live, ok := o.connected[readerIP]
	if ok {
		live.ScanCount++
	}
	o.mu.Unlock()
}

// Connected returns the live registry snapshot.
func (o *Orchestrator) Connected() map[string]ReaderLive {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]ReaderLive, len(o.connected))
	for ip, live := range o.connected {
		out[ip] = *live
	}
	return out
}

// LastSeen returns a connected reader's last_seen time.
func (o *Orchestrator) LastSeen(readerIP string) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	live, ok := o.connected[readerIP]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, live.LastSeen)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ForgetReader removes a reader everywhere.
func (o *Orchestrator) ForgetReader(readerIP string) {
	o.mu.Lock()
	delete(o.connected, readerIP)
	o.mu.Unlock()
	o.ReaderCache.Remove(readerIP)
}

// RenameReader renames a reader in the registry and cache.
func (o *Orchestrator) RenameReader(readerIP, name string) {
	o.mu.Lock()
	if live, ok := o.connected[readerIP]; ok {
		live.Name = name
	}
	o.mu.Unlock()
	o.ReaderCache.Rename(readerIP, name)
}

// ──────────────────── Device resolution ────────────────────

// SetTempDevice installs a temporary per-reader override (not persisted).
func (o *Orchestrator) SetTempDevice(readerIP string, ref models.DeviceRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tempDevices[readerIP] = ref
}

// ClearTempDevice removes a temporary per-reader override.
func (o *Orchestrator) ClearTempDevice(readerIP string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tempDevices[readerIP]; !ok {
		return false
	}
	delete(o.tempDevices, readerIP)
	return true
}

// HasTempDevice reports whether a temporary override is installed.
func (o *Orchestrator) HasTempDevice(readerIP string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tempDevices[readerIP]
	return ok
}

// SetCurrentDevice installs the process-wide temporary device.
func (o *Orchestrator) SetCurrentDevice(ref models.DeviceRef) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentTemp = &ref
}

// ClearCurrentDevice falls back to the configured default.
func (o *Orchestrator) ClearCurrentDevice() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentTemp = nil
}

// ActiveDevice returns the process-wide active device: the temporary one if
// set, otherwise the persisted default.
func (o *Orchestrator) ActiveDevice() (models.DeviceRef, bool) {
	o.mu.Lock()
	temp := o.currentTemp
	o.mu.Unlock()
	if temp != nil {
		return *temp, true
	}
	return o.Cfg.DefaultDevice(), false
}

// DeviceForReader resolves a reader's playback device: temporary override,
// then persisted override, then the active default.
func (o *Orchestrator) DeviceForReader(readerIP string) models.DeviceRef {
	o.mu.Lock()
	if ref, ok := o.tempDevices[readerIP]; ok {
		o.mu.Unlock()
		return ref
	}
	o.mu.Unlock()
	if ref, ok := o.Cfg.ReaderDevice(readerIP); ok {
		return ref
	}
	ref, _ := o.ActiveDevice()
	return ref
}

// ──────────────────── URL builders ────────────────────

// PlaybackURL builds the transcode URL a device fetches. Browser targets get
// a relative URL so HTTPS pages are not blocked on mixed content.
func (o *Orchestrator) PlaybackURL(audioURL string, dtype models.DeviceType) string {
	suffix := "/transcode.mp3?url=" + url.QueryEscape(audioURL)
	if dtype == models.DeviceBrowser {
		return suffix
	}
	return o.Cfg.ServerBase() + suffix
}

// TrackURL builds the URL of one cached track.
func (o *Orchestrator) TrackURL(fp string, index int) string {
	return o.Cfg.ServerBase() + "/tracks/" + fp + "/" + models.TrackFilename(index)
}

// TrackURLs lists all cached track URLs; relative when requested for
// browser consumption.
func (o *Orchestrator) TrackURLs(audioURL string, absolute bool) []string {
	fp := cache.Fingerprint(audioURL)
	meta := o.Store.ReadMetadata(fp)
	if meta == nil {
		return nil
	}
	base := ""
	if absolute {
		base = o.Cfg.ServerBase()
	}
	urls := make([]string, 0, len(meta.Tracks))
	for _, t := range meta.Tracks {
		urls = append(urls, base+"/tracks/"+fp+"/"+t.Filename)
	}
	return urls
}

// PlaylistURL returns the M3U URL when the album is fully cached with more
// than one track, else "".
func (o *Orchestrator) PlaylistURL(audioURL string) string {
	fp := cache.Fingerprint(audioURL)
	meta := o.Store.ReadMetadata(fp)
	if meta == nil || len(meta.Tracks) <= 1 {
		return ""
	}
	return o.Cfg.ServerBase() + "/playlist/" + fp + ".m3u"
}

// ──────────────────── Recent scans ────────────────────

func (o *Orchestrator) recordScan(uid, readerIP, title string, found bool) {
	record := models.ScanRecord{
		ID:       uuid.NewString(),
		Time:     nowISO(),
		UID:      uid,
		ReaderIP: readerIP,
		Found:    found,
		Title:    title,
	}
	o.mu.Lock()
	o.recent = append([]models.ScanRecord{record}, o.recent...)
	if len(o.recent) > recentScanLimit {
		o.recent = o.recent[:recentScanLimit]
	}
	o.mu.Unlock()
}

// RecentScans returns up to limit newest-first scan records.
func (o *Orchestrator) RecentScans(limit int) []models.ScanRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.recent) {
		limit = len(o.recent)
	}
	return append([]models.ScanRecord(nil), o.recent[:limit]...)
}

// ──────────────────── AirPlay local file resolution ────────────────────

// localFileFor turns a transcode playback URL into a local cached file,
// encoding a pseudo-track album on a cold cache.
func (o *Orchestrator) localFileFor(ctx context.Context, playbackURL string) string {
	parsed, err := url.Parse(playbackURL)
	if err != nil {
		return ""
	}
	sourceURL := parsed.Query().Get("url")
	if sourceURL == "" {
		// A direct track URL is already backed by a cache file.
		sourceURL = playbackURL
	}
	fp := cache.Fingerprint(sourceURL)
	if path := o.Store.Concat(fp); path != "" {
		return path
	}
	duration := o.Prober.Duration(ctx, sourceURL)
	if duration <= 0 || duration > pseudoTrackCeiling {
		duration = pseudoTrackCeiling
	}
	_, err = o.Coord.EncodeAll(ctx, encoding.Job{
		SourceURL: sourceURL,
		Tracks:    []models.TrackSpec{{Name: "Full Audio", Start: 0, Duration: duration}},
	})
	if err != nil {
		return ""
	}
	return o.Store.Concat(fp)
}

// PseudoTracks synthesizes the single-track list used when no track info is
// available, capped at the safe maximum duration.
func PseudoTracks(knownDuration float64) []models.TrackSpec {
	duration := knownDuration
	if duration <= 0 || duration > pseudoTrackCeiling {
		duration = pseudoTrackCeiling
	}
	return []models.TrackSpec{{Name: "Full Audio", Start: 0, Duration: duration}}
}
