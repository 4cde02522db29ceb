package api

import (
	"net/http"
	"strconv"
)

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"readers": s.orch.CurrentTags()})
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.Streams(r.Context()))
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	scans := s.orch.RecentScans(limit)
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(scans), "scans": scans})
}

// ──────────────────── Uploads ────────────────────

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	uploads := s.mirror.Statuses(r.URL.Query().Get("espuino_ip"))
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(uploads), "uploads": uploads})
}

func (s *Server) handleClearUploads(w http.ResponseWriter, r *http.Request) {
	count := s.mirror.ClearStatuses(r.URL.Query().Get("espuino_ip"))
	s.respondOK(w, map[string]any{"cleared": count})
}

func (s *Server) handlePendingUploads(w http.ResponseWriter, r *http.Request) {
	var pending []map[string]any
	for ip, intent := range s.mirror.PendingAll() {
		pending = append(pending, map[string]any{
			"espuino_ip":   ip,
			"uid":          intent.UID,
			"series":       intent.Series,
			"episode":      intent.Episode,
			"folder_path":  intent.FolderPath,
			"queued_at":    intent.QueuedAt,
			"status":       intent.Status,
			"tracks_total": len(intent.Tracks),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(pending), "pending": pending})
}

func (s *Server) handleCancelPendingUpload(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("espuino_ip")
	if ip == "" {
		s.respondError(w, http.StatusBadRequest, "espuino_ip required")
		return
	}
	s.mirror.Cancel(ip)
	s.respondOK(w, map[string]any{"cleared": ip})
}

func (s *Server) handleWipeUploads(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("espuino_ip")
	clearedStatus := s.mirror.ClearStatuses(ip)
	clearedPending := 0
	if ip != "" {
		if s.mirror.ClearPending(ip) {
			clearedPending = 1
		}
	} else {
		for pendingIP := range s.mirror.PendingAll() {
			if s.mirror.ClearPending(pendingIP) {
				clearedPending++
			}
		}
	}
	s.respondOK(w, map[string]any{
		"cleared_status":  clearedStatus,
		"cleared_pending": clearedPending,
	})
}

func (s *Server) handleRetryUploads(w http.ResponseWriter, r *http.Request) {
	retried := s.mirror.RetryFailed(r.Context(), r.URL.Query().Get("espuino_ip"))
	s.respondOK(w, map[string]any{"retried": retried})
}
