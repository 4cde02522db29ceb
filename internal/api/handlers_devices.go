package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/config"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/version"
)

// ──────────────────── System ────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"teddycloud_connected":  s.tc.CheckConnection(r.Context()),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, version.Get())
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"espuino_enabled": s.config.SDPlayerEnabled,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	logs := s.logs.Recent(limit)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": s.logs.Total(),
	})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	active, temporary := s.orch.ActiveDevice()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"status":      "running",
			"time":        time.Now().Format(time.RFC3339),
			"detected_ip": config.LocalIP(),
			"server_url":  s.config.ServerBase(),
		},
		"teddycloud": map[string]any{
			"connected":        s.tc.CheckConnection(r.Context()),
			"audio_url_format": s.tc.AudioURL("E0040350131680AB"),
		},
		"transcoding": map[string]any{
			"ffmpeg_available": s.ffmpeg.Available(),
			"cache":            s.cacheStore.Stats(),
		},
		"current_tags":   s.orch.CurrentTags(),
		"default_device": s.config.DefaultDevice(),
		"active_device":  map[string]any{"device": active, "is_temporary": temporary},
		"readers":        s.orch.Connected(),
		"recent_scans":   s.orch.RecentScans(10),
		"devices":        s.deviceCache.All(),
		"logs":           s.logs.Recent(30),
	})
}

// ──────────────────── Devices ────────────────────

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.deviceCache.All())
}

// handleFlatDevices returns the flat list the reader firmware's stream-mode
// dropdown consumes.
func (s *Server) handleFlatDevices(w http.ResponseWriter, r *http.Request) {
	var out []map[string]any
	for dtype, list := range s.deviceCache.All() {
		for _, dev := range list {
			id := dev.Key(dtype)
			if dtype == models.DeviceMultiroom && dev.IP != "" {
				id = dev.IP
			}
			if id == "" {
				continue
			}
			name := dev.Name
			if name == "" {
				name = id
			}
			out = append(out, map[string]any{
				"type":   dtype,
				"id":     id,
				"name":   name,
				"online": dev.Online,
			})
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.discoverer.DiscoverAll(r.Context()))
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
		IP   string `json:"ip"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil || body.IP == "" || body.Type == "" {
		s.respondError(w, http.StatusBadRequest, "type and ip required")
		return
	}
	name := body.Name
	if name == "" {
		name = body.Type + " (" + body.IP + ")"
	}
	dev := s.discoverer.AddManual(r.Context(), models.DeviceType(body.Type), name, body.IP)
	s.respondOK(w, map[string]any{"device": dev})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	s.deviceCache.Remove(models.DeviceType(r.PathValue("type")), r.PathValue("key"))
	s.respondOK(w, nil)
}

type deviceRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r deviceRequest) ref() models.DeviceRef {
	return models.DeviceRef{Type: models.DeviceType(r.Type), ID: r.ID}
}

func (s *Server) handleGetDefaultDevice(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.config.DefaultDevice())
}

func (s *Server) handleSetDefaultDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceRequest
	if err := decodeBody(r, &body); err != nil || !body.ref().Valid() {
		s.respondError(w, http.StatusBadRequest, "type and id required")
		return
	}
	if err := s.config.SetDefaultDevice(body.ref()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondOK(w, map[string]any{"type": body.Type, "id": body.ID})
}

func (s *Server) handleGetActiveDevice(w http.ResponseWriter, r *http.Request) {
	active, temporary := s.orch.ActiveDevice()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"type":         active.Type,
		"id":           active.ID,
		"is_temporary": temporary,
	})
}

func (s *Server) handleSetCurrentDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceRequest
	if err := decodeBody(r, &body); err != nil || !body.ref().Valid() {
		s.respondError(w, http.StatusBadRequest, "type and id required")
		return
	}
	s.orch.SetCurrentDevice(body.ref())
	s.respondOK(w, map[string]any{"type": body.Type, "id": body.ID, "temporary": true})
}

func (s *Server) handleClearCurrentDevice(w http.ResponseWriter, r *http.Request) {
	s.orch.ClearCurrentDevice()
	s.respondOK(w, nil)
}

// ──────────────────── Readers ────────────────────

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	list := s.orch.ListReaders()
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(list), "readers": list})
}

func (s *Server) handleRenameReader(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name required")
		return
	}
	readerIP := r.PathValue("ip")
	s.orch.RenameReader(readerIP, body.Name)
	s.respondOK(w, map[string]any{"reader_ip": readerIP, "name": body.Name})
}

func (s *Server) handleRemoveReader(w http.ResponseWriter, r *http.Request) {
	readerIP := r.PathValue("ip")
	s.orch.ForgetReader(readerIP)
	s.respondOK(w, map[string]any{"reader_ip": readerIP})
}

func (s *Server) handleGetReaderDevice(w http.ResponseWriter, r *http.Request) {
	if ref, ok := s.config.ReaderDevice(r.PathValue("ip")); ok {
		s.respondJSON(w, http.StatusOK, map[string]any{"type": ref.Type, "id": ref.ID})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"type": nil, "id": nil})
}

func (s *Server) handleSetReaderDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceRequest
	if err := decodeBody(r, &body); err != nil || !body.ref().Valid() {
		s.respondError(w, http.StatusBadRequest, "type and id required")
		return
	}
	readerIP := r.PathValue("ip")
	if err := s.config.SetReaderDevice(readerIP, body.ref()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondOK(w, map[string]any{"reader_ip": readerIP, "device": body.ref()})
}

func (s *Server) handleClearReaderDevice(w http.ResponseWriter, r *http.Request) {
	readerIP := r.PathValue("ip")
	cleared, err := s.config.ClearReaderDevice(readerIP)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := "not_found"
	if cleared {
		status = "ok"
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": status, "reader_ip": readerIP})
}

func (s *Server) handleSetReaderTempDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceRequest
	if err := decodeBody(r, &body); err != nil || !body.ref().Valid() {
		s.respondError(w, http.StatusBadRequest, "type and id required")
		return
	}
	readerIP := r.PathValue("ip")
	s.orch.SwitchReaderDevice(r.Context(), readerIP, body.ref())
	s.respondOK(w, map[string]any{"reader_ip": readerIP, "device": body.ref(), "temporary": true})
}

func (s *Server) handleClearReaderTempDevice(w http.ResponseWriter, r *http.Request) {
	readerIP := r.PathValue("ip")
	status := "not_found"
	if s.orch.ClearTempDevice(readerIP) {
		status = "ok"
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": status, "reader_ip": readerIP})
}

// ──────────────────── Settings & preferences ────────────────────

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.config.Editable())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	if err := decodeBody(r, &changes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(changes) == 0 {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "no changes"})
		return
	}
	if err := s.config.Update(changes); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondOK(w, map[string]any{"settings": s.config.Editable()})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.prefs.All())
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	if err := decodeBody(r, &changes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.prefs.Update(changes); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondOK(w, map[string]any{"preferences": s.prefs.All()})
}
