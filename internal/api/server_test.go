package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/config"
	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/encoding"
	"github.com/Kruppes/TeddyPlayer/internal/mirror"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/player"
	"github.com/Kruppes/TeddyPlayer/internal/readers"
	"github.com/Kruppes/TeddyPlayer/internal/store"
	"github.com/Kruppes/TeddyPlayer/internal/tasks"
	"github.com/Kruppes/TeddyPlayer/internal/teddycloud"
	"github.com/Kruppes/TeddyPlayer/internal/transcode"
)

// stubEncoder produces placeholder MP3 files instantly.
type stubEncoder struct{}

func (stubEncoder) EncodeTrack(ctx context.Context, req transcode.Request) error {
	if err := os.MkdirAll(filepath.Dir(req.OutPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(req.OutPath, []byte("mp3"), 0o644)
}

type fixture struct {
	server *Server
	orch   *player.Orchestrator
	store  *cache.Store
	sup    *tasks.Supervisor
}

func tagIndexJSON() string {
	return `{"tags":[{
		"uid": "E0:04:03:50:13:16:80:4B",
		"source": "lib://by/audioID/dumbo.taf",
		"valid": true, "exists": true,
		"trackSeconds": [0, 30, 90],
		"tonieInfo": {"series": "Disney", "episode": "Dumbo", "tracks": ["Part 1", "Part 2"]}
	}]}`
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/getTagIndex"):
			w.Write([]byte(tagIndexJSON()))
		case r.URL.Path == "/web":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	cfg := config.Load(dir)
	cfg.TeddyCloudURL = upstream.URL
	cfg.ServerURL = "http://server.lan:8754"
	require.NoError(t, cfg.Update(map[string]any{
		"default_device_type": "browser",
		"default_device_id":   "session",
	}))
	prefs := config.LoadPreferences(dir)

	deviceCache := store.OpenDeviceCache(dir)
	readerCache := store.OpenReaderCache(dir)
	uploadQueue := store.OpenUploadQueue(dir)

	cacheStore := cache.New(cfg.CacheDir(), func() int { return cfg.AudioCacheMaxMB }, "ffmpeg")
	prober := transcode.NewProber("")
	coord := encoding.NewCoordinator(cacheStore, stubEncoder{}, prober)

	ctrl := devices.NewController(deviceCache)
	engine := mirror.NewEngine(ctrl.SD, uploadQueue, func() int { return 0 }, func() int { return 0 })
	tc := teddycloud.NewClient(upstream.URL, "/api", 5*time.Second)
	sup := tasks.NewSupervisor()
	t.Cleanup(sup.Shutdown)
	manager := readers.NewManager(ctrl)
	orch := player.New(cfg, prefs, tc, cacheStore, coord, ctrl, engine, manager,
		readerCache, deviceCache, prober, sup)
	disc := &devices.Discoverer{Cache: deviceCache, Multiroom: ctrl.Multiroom}
	server := NewServer(cfg, prefs, orch, tc, cacheStore, coord, engine, disc,
		deviceCache, transcode.NewFFmpeg("ffmpeg"), NewLogCapture(100))

	return &fixture{server: server, orch: orch, store: cacheStore, sup: sup}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func scanBody(uid string) string {
	return fmt.Sprintf(`{"uid": %q, "mode": "local", "espuino_ip": "browser-session"}`, uid)
}

func TestScanKnownTag(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tonie", scanBody("E0:04:03:50:13:16:80:4B"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp player.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Found)
	assert.True(t, resp.PlaybackStarted)
	assert.Equal(t, "Disney", resp.Series)
	assert.Equal(t, "Dumbo", resp.Episode)
	assert.Equal(t, 2, resp.TrackCount)
	assert.NotEmpty(t, resp.PlaybackURL)
}

func TestScanNetworkTargetReportsEncoding(t *testing.T) {
	f := newFixture(t)
	body := `{"uid": "E0:04:03:50:13:16:80:4B", "mode": "stream",
		"target_device": {"type": "multiroom", "id": "RINCON_TEST"},
		"espuino_ip": "192.0.2.10"}`
	rec := f.do(t, http.MethodPost, "/tonie", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp player.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Found)
	assert.True(t, resp.PlaybackStarted, "the reader gets an immediate answer")
	assert.True(t, resp.Encoding, "cold cache on a network target reports encoding")
	assert.Equal(t, "RINCON_TEST", resp.Target)
}

func TestScanSameTagIdempotent(t *testing.T) {
	f := newFixture(t)
	uid := "E0:04:03:50:13:16:80:4B"
	first := f.do(t, http.MethodPost, "/tonie", scanBody(uid))
	var resp1 player.ScanResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp1))

	second := f.do(t, http.MethodPost, "/tonie", scanBody(uid))
	var resp2 player.ScanResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp2))

	// Same snapshot, no restart, never a null playback URL.
	assert.False(t, resp2.PlaybackStarted)
	assert.True(t, resp2.Found)
	assert.Equal(t, resp1.PlaybackURL, resp2.PlaybackURL)
}

func TestScanUnknownTag(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tonie", scanBody("00:00:00:00"))
	var resp player.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Found)
}

func TestRemovalAndResumeRoundTrip(t *testing.T) {
	f := newFixture(t)
	uid := "E0:04:03:50:13:16:80:4B"
	f.do(t, http.MethodPost, "/tonie", scanBody(uid))

	// The browser client reports its position before the tag leaves.
	rec := f.do(t, http.MethodPost, "/readers/browser-session/position",
		fmt.Sprintf(`{"uid": %q, "position": 42.0}`, uid))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/tonie", `{"uid": null, "espuino_ip": "browser-session"}`)
	var removal player.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &removal))
	assert.False(t, removal.Found)

	view := f.orch.Readers.Peek("browser-session")
	require.NotNil(t, view.Resume)
	assert.InDelta(t, 42.0, view.Resume.Position, 0.1)
	assert.True(t, view.Resume.Paused)

	// Returning the tag resumes at the recorded position.
	rec = f.do(t, http.MethodPost, "/tonie", scanBody(uid))
	var resumed player.ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.True(t, resumed.PlaybackStarted)
	assert.Nil(t, f.orch.Readers.Peek("browser-session").Resume)
}

func TestPlaylistM3UShape(t *testing.T) {
	f := newFixture(t)
	fp := "00112233aabbccdd"
	for i := 0; i < 2; i++ {
		path := f.store.TrackPath(fp, i)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("mp3"), 0o644))
	}
	require.NoError(t, f.store.WriteMetadata(fp, &models.AlbumMetadata{
		Tracks: []models.Track{
			{Index: 0, Name: "Part 1", DurationSeconds: 30, Filename: "01.mp3"},
			{Index: 1, Name: "Part 2", DurationSeconds: 60, Filename: "02.mp3"},
		},
	}))

	rec := f.do(t, http.MethodGet, "/playlist/"+fp+".m3u", "")
	require.Equal(t, http.StatusOK, rec.Code)

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXTINF:30,Part 1", lines[1])
	assert.Equal(t, "http://server.lan:8754/tracks/"+fp+"/01.mp3", lines[2])
	assert.Equal(t, "#EXTINF:60,Part 2", lines[3])
	assert.Equal(t, "http://server.lan:8754/tracks/"+fp+"/02.mp3", lines[4])
}

func TestPlaylistRequiresFullCache(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/playlist/ffffffffffffffff.m3u", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrackServing(t *testing.T) {
	f := newFixture(t)
	fp := "1234123412341234"
	path := f.store.TrackPath(fp, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("mp3-bytes"), 0o644))

	rec := f.do(t, http.MethodGet, "/tracks/"+fp+"/01.mp3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "mp3-bytes", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/tracks/"+fp+"/09.mp3", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamsViewAfterScan(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/tonie", scanBody("E0:04:03:50:13:16:80:4B"))

	rec := f.do(t, http.MethodGet, "/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Count   int `json:"count"`
		Streams []struct {
			ReaderIP string `json:"reader_ip"`
			Audio    struct {
				TrackCount int `json:"track_count"`
			} `json:"audio"`
		} `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Count)
	assert.Equal(t, "browser-session", payload.Streams[0].ReaderIP)
	assert.Equal(t, 2, payload.Streams[0].Audio.TrackCount)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, true, payload["teddycloud_connected"])
}

func TestUploadsEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/uploads", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/uploads/pending", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "espuino_ip is required")

	rec = f.do(t, http.MethodDelete, "/uploads/pending?espuino_ip=10.0.0.9", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
