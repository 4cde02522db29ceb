// Package api is the HTTP surface for readers and the web UI.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/config"
	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/encoding"
	"github.com/Kruppes/TeddyPlayer/internal/mirror"
	"github.com/Kruppes/TeddyPlayer/internal/player"
	"github.com/Kruppes/TeddyPlayer/internal/store"
	"github.com/Kruppes/TeddyPlayer/internal/teddycloud"
	"github.com/Kruppes/TeddyPlayer/internal/transcode"
)

type Server struct {
	config      *config.Config
	prefs       *config.Preferences
	orch        *player.Orchestrator
	tc          *teddycloud.Client
	cacheStore  *cache.Store
	coord       *encoding.Coordinator
	mirror      *mirror.Engine
	discoverer  *devices.Discoverer
	deviceCache *store.DeviceCache
	ffmpeg      *transcode.FFmpeg
	wsHub       *WSHub
	logs        *LogCapture
	router      *http.ServeMux
}

type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewServer(cfg *config.Config, prefs *config.Preferences, orch *player.Orchestrator,
	tc *teddycloud.Client, cacheStore *cache.Store, coord *encoding.Coordinator,
	mir *mirror.Engine, disc *devices.Discoverer, deviceCache *store.DeviceCache,
	ffmpeg *transcode.FFmpeg, logs *LogCapture) *Server {
	s := &Server{
		config:      cfg,
		prefs:       prefs,
		orch:        orch,
		tc:          tc,
		cacheStore:  cacheStore,
		coord:       coord,
		mirror:      mir,
		discoverer:  disc,
		deviceCache: deviceCache,
		ffmpeg:      ffmpeg,
		wsHub:       NewWSHub(),
		logs:        logs,
		router:      http.NewServeMux(),
	}
	orch.SetBroadcaster(s.wsHub)
	s.setupRoutes()
	return s
}

func (s *Server) WSHub() *WSHub { return s.wsHub }

func (s *Server) setupRoutes() {
	// Static web UI.
	s.router.Handle("/", http.FileServer(http.Dir("web")))

	// System
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /version", s.handleVersion)
	s.router.HandleFunc("GET /debug", s.handleDebug)
	s.router.HandleFunc("GET /api/features", s.handleFeatures)
	s.router.HandleFunc("GET /api/logs", s.handleLogs)
	s.router.HandleFunc("GET /ws", s.handleWebSocket)

	// Reader surface
	s.router.HandleFunc("POST /tonie", s.handleTonie)
	s.router.HandleFunc("POST /control", s.handleControl)
	s.router.HandleFunc("POST /readers/{ip}/heartbeat", s.handleHeartbeat)
	s.router.HandleFunc("POST /readers/{ip}/position", s.handlePosition)

	// Readers
	s.router.HandleFunc("GET /readers", s.handleListReaders)
	s.router.HandleFunc("PUT /readers/{ip}/name", s.handleRenameReader)
	s.router.HandleFunc("DELETE /readers/{ip}", s.handleRemoveReader)
	s.router.HandleFunc("GET /readers/{ip}/device", s.handleGetReaderDevice)
	s.router.HandleFunc("POST /readers/{ip}/device", s.handleSetReaderDevice)
	s.router.HandleFunc("DELETE /readers/{ip}/device", s.handleClearReaderDevice)
	s.router.HandleFunc("POST /readers/{ip}/device/current", s.handleSetReaderTempDevice)
	s.router.HandleFunc("DELETE /readers/{ip}/device/current", s.handleClearReaderTempDevice)

	// Per-reader playback control
	s.router.HandleFunc("POST /readers/{ip}/playback/play", s.handleReaderPlay)
	s.router.HandleFunc("POST /readers/{ip}/playback/pause", s.handleReaderPause)
	s.router.HandleFunc("POST /readers/{ip}/playback/stop", s.handleReaderStop)
	s.router.HandleFunc("POST /readers/{ip}/playback/seek", s.handleReaderSeek)
	s.router.HandleFunc("POST /readers/{ip}/playback/next", s.handleReaderNext)
	s.router.HandleFunc("POST /readers/{ip}/playback/prev", s.handleReaderPrev)

	// Streams & scans
	s.router.HandleFunc("GET /current", s.handleCurrent)
	s.router.HandleFunc("GET /streams", s.handleStreams)
	s.router.HandleFunc("GET /scans", s.handleScans)

	// Uploads
	s.router.HandleFunc("GET /uploads", s.handleUploads)
	s.router.HandleFunc("DELETE /uploads", s.handleClearUploads)
	s.router.HandleFunc("GET /uploads/pending", s.handlePendingUploads)
	s.router.HandleFunc("DELETE /uploads/pending", s.handleCancelPendingUpload)
	s.router.HandleFunc("POST /uploads/wipe", s.handleWipeUploads)
	s.router.HandleFunc("POST /uploads/retry", s.handleRetryUploads)

	// Content views
	s.router.HandleFunc("GET /tonies", s.handleTonies)
	s.router.HandleFunc("GET /tags", s.handleTags)
	s.router.HandleFunc("GET /library", s.handleLibrary)

	// Cache
	s.router.HandleFunc("GET /cache", s.handleCacheStats)
	s.router.HandleFunc("DELETE /cache", s.handleCacheClear)
	s.router.HandleFunc("GET /cache/prefetch", s.handlePrefetchStatus)
	s.router.HandleFunc("POST /cache/prefetch", s.handlePrefetch)

	// Audio
	s.router.HandleFunc("GET /transcode.mp3", s.handleTranscode)
	s.router.HandleFunc("GET /tracks/{fp}/{file}", s.handleTrack)
	s.router.HandleFunc("GET /playlist/{file}", s.handlePlaylist)
	s.router.HandleFunc("GET /proxy/image", s.handleImageProxy)

	// Playback
	s.router.HandleFunc("POST /playback/url", s.handlePlayURL)
	s.router.HandleFunc("POST /playback/tonie", s.handlePlayTonie)

	// Devices
	s.router.HandleFunc("GET /devices", s.handleListDevices)
	s.router.HandleFunc("GET /api/devices", s.handleFlatDevices)
	s.router.HandleFunc("POST /devices/discover", s.handleDiscover)
	s.router.HandleFunc("POST /devices/add", s.handleAddDevice)
	s.router.HandleFunc("DELETE /devices/{type}/{key}", s.handleRemoveDevice)
	s.router.HandleFunc("GET /devices/default", s.handleGetDefaultDevice)
	s.router.HandleFunc("POST /devices/default", s.handleSetDefaultDevice)
	s.router.HandleFunc("GET /devices/active", s.handleGetActiveDevice)
	s.router.HandleFunc("POST /devices/current", s.handleSetCurrentDevice)
	s.router.HandleFunc("DELETE /devices/current", s.handleClearCurrentDevice)

	// Settings & preferences
	s.router.HandleFunc("GET /settings", s.handleGetSettings)
	s.router.HandleFunc("PUT /settings", s.handleUpdateSettings)
	s.router.HandleFunc("GET /preferences", s.handleGetPreferences)
	s.router.HandleFunc("PUT /preferences", s.handleUpdatePreferences)
}

// ──────────────────── Helpers ────────────────────

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, Response{Status: "error", Error: message})
}

func (s *Server) respondOK(w http.ResponseWriter, extra map[string]any) {
	out := map[string]any{"status": "ok"}
	for k, v := range extra {
		out[k] = v
	}
	s.respondJSON(w, http.StatusOK, out)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// clientIP extracts the remote host without port.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.router)
}

// corsMiddleware keeps the trusted-LAN surface open to the UI origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	return http.ListenAndServe(s.config.Address(), s.Handler())
}
