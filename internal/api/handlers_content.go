package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/models"
)

func (s *Server) handleTonies(w http.ResponseWriter, r *http.Request) {
	tonies := s.tc.Tonies(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(tonies), "tonies": tonies})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	tags := s.tc.TagIndex(r.Context(), "")
	result := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		audioURL := ""
		switch {
		case strings.HasPrefix(tag.Source, "lib://"):
			audioURL = s.tc.LibraryContentURL(strings.TrimPrefix(tag.Source, "lib://"))
		case tag.AudioURL != "":
			audioURL = s.tc.CoverURL(tag.AudioURL) // same base-join rule as pictures
		}
		tafFile := ""
		if strings.HasPrefix(tag.Source, "lib://") {
			tafFile = strings.TrimPrefix(tag.Source, "lib://")
		}
		result = append(result, map[string]any{
			"uid":       tag.UID,
			"source":    tag.Source,
			"taf_file":  tafFile,
			"series":    tag.TonieInfo.Series,
			"episode":   tag.TonieInfo.Episode,
			"model":     tag.TonieInfo.Model,
			"picture":   tag.TonieInfo.Picture,
			"audio_url": audioURL,
			"valid":     tag.Valid,
			"exists":    tag.Exists,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(result), "tags": result})
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	files := s.tc.LibraryFiles(r.Context(), "/")
	for i := range files {
		audioURL := s.tc.LibraryContentURL(files[i].Path)
		files[i].AudioURL = audioURL
		files[i].UID = "lib:" + files[i].Path
		files[i].Cached = s.cacheStore.HasMetadata(cache.Fingerprint(audioURL))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"count": len(files), "files": files})
}

// ──────────────────── Cache ────────────────────

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.cacheStore.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	deleted := s.cacheStore.Clear()
	s.respondOK(w, map[string]any{"files_deleted": deleted})
}

func (s *Server) handlePrefetchStatus(w http.ResponseWriter, r *http.Request) {
	audioURL := r.URL.Query().Get("audio_url")
	if audioURL == "" {
		s.respondError(w, http.StatusBadRequest, "audio_url required")
		return
	}
	fp := cache.Fingerprint(audioURL)
	status := s.coord.Status(fp)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"audio_url":     audioURL,
		"cached":        s.cacheStore.HasMetadata(fp),
		"status":        status.Status,
		"progress":      status.Progress,
		"current_track": status.CurrentTrack,
		"total_tracks":  status.TotalTracks,
	})
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AudioURL string `json:"audio_url"`
		Title    string `json:"title"`
		Tracks   []any  `json:"tracks"`
	}
	if err := decodeBody(r, &body); err != nil || body.AudioURL == "" {
		s.respondError(w, http.StatusBadRequest, "audio_url required")
		return
	}
	tracks := trackSpecs(body.Tracks)
	if s.orch.Prefetch(body.AudioURL, body.Title, tracks) {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "already_cached", "audio_url": body.AudioURL})
		return
	}
	count := len(tracks)
	if count == 0 {
		count = 1
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": "encoding", "audio_url": body.AudioURL, "tracks": count,
	})
}

// ──────────────────── Audio serving ────────────────────

// handleTranscode serves the single-file concatenation for legacy and
// AirPlay-like consumers, encoding on a cold cache.
func (s *Server) handleTranscode(w http.ResponseWriter, r *http.Request) {
	sourceURL := r.URL.Query().Get("url")
	if sourceURL == "" {
		s.respondError(w, http.StatusBadRequest, "url required")
		return
	}
	path := s.orch.ServeConcat(r.Context(), sourceURL)
	if path == "" {
		s.respondError(w, http.StatusInternalServerError, "failed to encode audio")
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

// handleTrack serves one cached file of a fingerprint directory: a track
// MP3 or the album metadata document.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	file := r.PathValue("file")
	if strings.Contains(fp, "/") || strings.Contains(fp, "..") || strings.Contains(file, "..") {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}

	if file == "metadata.json" {
		meta := s.cacheStore.ReadMetadata(fp)
		if meta == nil {
			s.respondError(w, http.StatusNotFound, "metadata not found")
			return
		}
		s.respondJSON(w, http.StatusOK, meta)
		return
	}

	num, err := strconv.Atoi(strings.TrimSuffix(file, ".mp3"))
	if err != nil || !strings.HasSuffix(file, ".mp3") || num < 1 {
		s.respondError(w, http.StatusNotFound, "track not found")
		return
	}
	path := s.cacheStore.TrackPath(fp, num-1)
	if !s.cacheStore.HasTrack(fp, num-1) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("track %d not found", num))
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

// handlePlaylist renders the album as an extended M3U for multi-track
// playback with skip support.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	fp := strings.TrimSuffix(r.PathValue("file"), ".m3u")
	if !strings.HasSuffix(r.PathValue("file"), ".m3u") || strings.Contains(fp, "..") {
		s.respondError(w, http.StatusNotFound, "playlist not found")
		return
	}
	meta := s.cacheStore.ReadMetadata(fp)
	if meta == nil {
		s.respondError(w, http.StatusNotFound, "playlist not found - encoding may not be complete")
		return
	}
	if len(meta.Tracks) == 0 {
		s.respondError(w, http.StatusNotFound, "no tracks in playlist")
		return
	}

	base := s.config.ServerBase()
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	for _, track := range meta.Tracks {
		name := track.Name
		if name == "" {
			name = fmt.Sprintf("Track %d", track.Index+1)
		}
		fmt.Fprintf(&sb, "#EXTINF:%d,%s\n", int(track.DurationSeconds), name)
		fmt.Fprintf(&sb, "%s/tracks/%s/%s\n", base, fp, models.TrackFilename(track.Index))
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.m3u"`, fp))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(sb.String()))
}

// handleImageProxy passes upstream images through the server origin so
// HTTPS-fronted UIs are not blocked on mixed content.
func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path required")
		return
	}
	resp, err := s.tc.FetchImage(r.Context(), path)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, fmt.Sprintf("failed to fetch image: %v", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
		s.respondError(w, http.StatusNotFound, "image not found")
		return
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	io.Copy(w, resp.Body)
}
