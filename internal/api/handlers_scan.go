package api

import (
	"log"
	"net/http"

	"github.com/spf13/cast"

	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/player"
)

// TargetDevice mirrors the reader firmware's stream-mode payload.
type TargetDevice struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// TonieRequest is a scanned tag (or removal, when UID is null) from a reader.
type TonieRequest struct {
	UID          *string       `json:"uid"`
	Mode         string        `json:"mode"`
	TargetDevice *TargetDevice `json:"target_device"`
	EspuinoIP    string        `json:"espuino_ip"`
	Title        string        `json:"title"`
	Series       string        `json:"series"`
	Episode      string        `json:"episode"`
	Picture      string        `json:"picture"`
	Tracks       []any         `json:"tracks"`
	AudioURL     string        `json:"audio_url"`
}

// trackSpecs coerces a request's loosely typed track list.
func trackSpecs(raw []any) []models.TrackSpec {
	var out []models.TrackSpec
	for i, entry := range raw {
		m := cast.ToStringMap(entry)
		if m == nil {
			continue
		}
		name := cast.ToString(m["name"])
		if name == "" {
			name = "Track " + cast.ToString(i+1)
		}
		out = append(out, models.TrackSpec{
			Name:     name,
			Start:    cast.ToFloat64(m["start"]),
			Duration: cast.ToFloat64(m["duration"]),
		})
	}
	return out
}

func (s *Server) handleTonie(w http.ResponseWriter, r *http.Request) {
	var req TonieRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	readerIP := req.EspuinoIP
	if readerIP == "" {
		readerIP = clientIP(r)
	}
	mode := models.PlayMode(req.Mode)
	if mode != models.ModeStream {
		mode = models.ModeLocal
	}
	log.Printf("[api] tonie request: uid=%v mode=%s reader=%s", deref(req.UID), mode, readerIP)

	scan := player.ScanRequest{
		UID:        req.UID,
		Mode:       mode,
		ReaderIP:   readerIP,
		Title:      req.Title,
		Series:     req.Series,
		Episode:    req.Episode,
		Picture:    req.Picture,
		Tracks:     trackSpecs(req.Tracks),
		AudioURL:   req.AudioURL,
		RecordScan: true,
		// Stream mode plays elsewhere; nothing to mirror onto the reader.
		SkipMirror: mode == models.ModeStream,
	}
	if req.TargetDevice != nil {
		scan.TargetDevice = &models.DeviceRef{
			Type: models.DeviceType(req.TargetDevice.Type),
			ID:   req.TargetDevice.ID,
		}
	}

	resp := s.orch.Scan(r.Context(), scan)
	s.respondJSON(w, http.StatusOK, resp)
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

type controlRequest struct {
	Action   string `json:"action"`
	ReaderIP string `json:"reader_ip"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ok, err := s.orch.Control(r.Context(), req.ReaderIP, req.Action)
	if err != nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	status := "error"
	if ok {
		status = "ok"
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": status, "action": req.Action, "reader_ip": req.ReaderIP,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	readerIP := r.PathValue("ip")
	var body struct {
		Name string `json:"name"`
	}
	decodeBody(r, &body) // optional body
	s.orch.Heartbeat(readerIP, body.Name)
	s.respondOK(w, map[string]any{"reader_ip": readerIP})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	readerIP := r.PathValue("ip")
	var body struct {
		UID      string  `json:"uid"`
		Position float64 `json:"position"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.orch.Readers.ReportPosition(readerIP, body.UID, body.Position) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	s.respondOK(w, nil)
}

// ──────────────────── Per-reader playback ────────────────────

func (s *Server) handleReaderPlay(w http.ResponseWriter, r *http.Request) {
	ok := s.orch.ReaderPlay(r.Context(), r.PathValue("ip"))
	s.respondAction(w, ok, "play", r.PathValue("ip"))
}

func (s *Server) handleReaderPause(w http.ResponseWriter, r *http.Request) {
	ok := s.orch.ReaderPause(r.Context(), r.PathValue("ip"))
	s.respondAction(w, ok, "pause", r.PathValue("ip"))
}

func (s *Server) handleReaderStop(w http.ResponseWriter, r *http.Request) {
	s.orch.ReaderStop(r.Context(), r.PathValue("ip"))
	s.respondAction(w, true, "stop", r.PathValue("ip"))
}

func (s *Server) handleReaderSeek(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Position float64 `json:"position"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ok := s.orch.ReaderSeek(r.Context(), r.PathValue("ip"), body.Position)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": okStatus(ok), "action": "seek", "position": body.Position, "reader_ip": r.PathValue("ip"),
	})
}

func (s *Server) handleReaderNext(w http.ResponseWriter, r *http.Request) {
	ok := s.orch.ReaderNext(r.Context(), r.PathValue("ip"))
	s.respondAction(w, ok, "next", r.PathValue("ip"))
}

func (s *Server) handleReaderPrev(w http.ResponseWriter, r *http.Request) {
	ok := s.orch.ReaderPrev(r.Context(), r.PathValue("ip"))
	s.respondAction(w, ok, "prev", r.PathValue("ip"))
}

func (s *Server) respondAction(w http.ResponseWriter, ok bool, action, readerIP string) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": okStatus(ok), "action": action, "reader_ip": readerIP,
	})
}

func okStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ──────────────────── Web playback ────────────────────

func (s *Server) handlePlayURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AudioURL   string `json:"audio_url"`
		Title      string `json:"title"`
		DeviceType string `json:"device_type"`
		DeviceID   string `json:"device_id"`
	}
	if err := decodeBody(r, &body); err != nil || body.AudioURL == "" {
		s.respondError(w, http.StatusBadRequest, "audio_url required")
		return
	}
	if body.Title == "" {
		body.Title = "Tonie"
	}
	ref := models.DeviceRef{Type: models.DeviceType(body.DeviceType), ID: body.DeviceID}
	ok, playbackURL := s.orch.PlayURL(r.Context(), body.AudioURL, body.Title, ref)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":       okStatus(ok),
		"audio_url":    body.AudioURL,
		"playback_url": playbackURL,
	})
}

func (s *Server) handlePlayTonie(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UID        string `json:"uid"`
		ReaderIP   string `json:"reader_ip"`
		DeviceType string `json:"device_type"`
		DeviceID   string `json:"device_id"`
	}
	if err := decodeBody(r, &body); err != nil || body.UID == "" {
		s.respondError(w, http.StatusBadRequest, "uid required")
		return
	}
	scan := player.ScanRequest{
		UID:      &body.UID,
		Mode:     models.ModeLocal,
		ReaderIP: body.ReaderIP,
	}
	if body.DeviceType != "" && body.DeviceID != "" {
		scan.Mode = models.ModeStream
		scan.TargetDevice = &models.DeviceRef{
			Type: models.DeviceType(body.DeviceType),
			ID:   body.DeviceID,
		}
	}
	s.respondJSON(w, http.StatusOK, s.orch.Scan(r.Context(), scan))
}
