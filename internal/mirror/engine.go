// Package mirror copies encoded albums onto SD-capable devices so later
// scans play locally. Transfers are resumable, verifiable, rate-limited and
// cancellable; intents persist across restarts and resume on heartbeat.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/store"
)

const (
	maxRetries    = 3
	stallTimeout  = 10 * time.Second
	interTrackGap = 2 * time.Second
	cancelLinger  = 15 * time.Second
	statusLinger  = 5 * time.Second
)

// Engine owns upload intents and live transfer state. At most one upload
// runs per device.
type Engine struct {
	sd    *devices.SDClient
	queue *store.UploadQueue

	// ActiveKbps / IdleKbps are read per transfer so settings changes apply.
	ActiveKbps func() int
	IdleKbps   func() int

	mu        sync.Mutex
	status    map[string]*models.UploadStatus // "{ip}:{dest}" -> status
	cancelled map[string]time.Time            // ip -> cancel requested
	running   map[string]bool                 // ip -> upload in flight
}

func NewEngine(sd *devices.SDClient, queue *store.UploadQueue, activeKbps, idleKbps func() int) *Engine {
	return &Engine{
		sd:         sd,
		queue:      queue,
		ActiveKbps: activeKbps,
		IdleKbps:   idleKbps,
		status:     make(map[string]*models.UploadStatus),
		cancelled:  make(map[string]time.Time),
		running:    make(map[string]bool),
	}
}

// ──────────────────── Status bookkeeping ────────────────────

func statusKey(ip, dest string) string { return ip + ":" + dest }

func (e *Engine) setStatus(ip, dest string, mutate func(*models.UploadStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := statusKey(ip, dest)
	st, ok := e.status[key]
	if !ok {
		st = &models.UploadStatus{
			DestPath:  dest,
			DeviceIP:  ip,
			Filename:  path.Base(dest),
			StartedAt: time.Now(),
		}
		e.status[key] = st
	}
	mutate(st)
	st.Elapsed = time.Since(st.StartedAt).Seconds()
	if st.TotalBytes > 0 {
		st.Progress = float64(st.BytesUploaded) / float64(st.TotalBytes) * 100
	}
	if st.Elapsed > 0 {
		st.TransferRate = float64(st.BytesUploaded) / st.Elapsed
	}
	if st.TransferRate > 0 {
		st.ETASeconds = float64(st.TotalBytes-st.BytesUploaded) / st.TransferRate
	}
}

// Statuses returns all live transfer records, optionally for one device.
func (e *Engine) Statuses(ip string) []models.UploadStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.UploadStatus
	for _, st := range e.status {
		if ip == "" || st.DeviceIP == ip {
			out = append(out, *st)
		}
	}
	return out
}

// ClearStatuses drops transfer records, optionally per device. Returns count.
func (e *Engine) ClearStatuses(ip string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cleared := 0
	for key, st := range e.status {
		if ip == "" || st.DeviceIP == ip {
			delete(e.status, key)
			cleared++
		}
	}
	return cleared
}

func (e *Engine) clearStatusLater(ip, dest string) {
	time.AfterFunc(statusLinger, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.status, statusKey(ip, dest))
	})
}

// Failed returns error-state transfers, optionally for one device.
func (e *Engine) Failed(ip string) []models.UploadStatus {
	var out []models.UploadStatus
	for _, st := range e.Statuses(ip) {
		if st.Status == models.UploadError {
			out = append(out, st)
		}
	}
	return out
}

// ClearStatus drops one transfer record.
func (e *Engine) ClearStatus(ip, dest string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.status, statusKey(ip, dest))
}

// ──────────────────── Cancellation ────────────────────

// Cancel aborts the device's active transfers, clears its persistent intent
// and suppresses resumes until a new intent is queued.
func (e *Engine) Cancel(ip string) {
	e.mu.Lock()
	e.cancelled[ip] = time.Now()
	for _, st := range e.status {
		if st.DeviceIP != ip {
			continue
		}
		st.Status = models.UploadError
		st.Error = "cancelled by user"
		st.TransferRate = 0
		st.ETASeconds = 0
		e.clearStatusLaterLocked(ip, st.DestPath)
	}
	e.mu.Unlock()

	e.queue.Clear(ip)
	log.Printf("[mirror] cancelled uploads for %s", ip)

	time.AfterFunc(cancelLinger, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.cancelled, ip)
	})
}

func (e *Engine) clearStatusLaterLocked(ip, dest string) {
	time.AfterFunc(statusLinger, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.status, statusKey(ip, dest))
	})
}

func (e *Engine) isCancelled(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancelled[ip]
	return ok
}

// ──────────────────── Intents ────────────────────

// BuildIntent assembles an upload intent from a track list and the cache
// paths of the encoded files.
func BuildIntent(uid, series, episode, audioURL string, tracks []models.TrackSpec, sourcePath func(index int) string) models.UploadIntent {
	folder := DestFolder(series, episode)
	intent := models.UploadIntent{
		ID:         uuid.NewString(),
		UID:        uid,
		Series:     series,
		Episode:    episode,
		FolderPath: folder,
		AudioURL:   audioURL,
	}
	for i, t := range tracks {
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("Track %d", i+1)
		}
		intent.Tracks = append(intent.Tracks, models.IntentTrack{
			Index:      i,
			Name:       name,
			SourcePath: sourcePath(i),
			DestPath:   DestTrackPath(folder, i, name),
		})
	}
	return intent
}

// QueueIntent makes an intent durable. A later cancel only suppresses the
// intent queued before it.
func (e *Engine) QueueIntent(ip string, intent models.UploadIntent) {
	e.mu.Lock()
	delete(e.cancelled, ip)
	e.mu.Unlock()
	e.queue.Put(ip, intent)
	log.Printf("[mirror] queued upload for %s: %s", ip, intent.FolderPath)
}

// Pending returns the durable intent for a device, if any.
func (e *Engine) Pending(ip string) (models.UploadIntent, bool) {
	return e.queue.Get(ip)
}

// PendingAll returns every durable intent.
func (e *Engine) PendingAll() map[string]models.UploadIntent {
	return e.queue.All()
}

// ClearPending drops the durable intent for a device.
func (e *Engine) ClearPending(ip string) bool {
	return e.queue.Clear(ip)
}

// ──────────────────── Verification ────────────────────

// Verify compares on-device state against the album index. When the index is
// absent it recovers track expectations from the UID map. Classification per
// track: ok, missing or size-mismatch.
func (e *Engine) Verify(ctx context.Context, ip, folder, uidMapPath string) models.VerifyResult {
	result := models.VerifyResult{
		MissingTracks: []int{},
		SizeMismatch:  []int{},
	}

	files, err := e.sd.List(ctx, ip, folder)
	if err != nil {
		log.Printf("[mirror] folder listing failed for %s%s: %v", ip, folder, err)
		return result
	}
	index := make(map[string]int64, len(files))
	hasMetadata := false
	for _, f := range files {
		index[f.Name] = f.Size
		if f.Name == "metadata.json" {
			hasMetadata = true
		}
	}

	switch {
	case hasMetadata:
		raw, err := e.sd.Download(ctx, ip, folder+"/metadata.json")
		if err != nil {
			log.Printf("[mirror] read metadata.json failed: %v", err)
			return result
		}
		var meta models.MirrorIndex
		if err := devices.ExtractJSON(raw, &meta); err != nil {
			log.Printf("[mirror] parse metadata.json failed: %v", err)
			return result
		}
		result.Metadata = &meta
	case uidMapPath != "":
		// Recovery path: rebuild expectations from the UID map.
		raw, err := e.sd.Download(ctx, ip, uidMapPath)
		if err != nil {
			log.Printf("[mirror] no metadata.json and UID map unreadable: %v", err)
			return result
		}
		var uidMap models.UIDMap
		if err := devices.ExtractJSON(raw, &uidMap); err != nil {
			log.Printf("[mirror] parse UID map failed: %v", err)
			return result
		}
		meta := &models.MirrorIndex{UID: uidMap.UID}
		for i, f := range uidMap.Files {
			idx := f.Index
			if idx == 0 && i > 0 {
				idx = i
			}
			meta.Tracks = append(meta.Tracks, models.MirrorIndexFile{
				Index: idx,
				File:  f.Name,
				Size:  f.Size,
			})
		}
		result.Metadata = meta
		result.Folder = uidMap.Folder
	default:
		return result
	}

	result.TotalTracks = len(result.Metadata.Tracks)
	for _, track := range result.Metadata.Tracks {
		size, present := index[track.File]
		switch {
		case !present:
			result.MissingTracks = append(result.MissingTracks, track.Index)
		case track.Size > 0 && size != track.Size:
			result.SizeMismatch = append(result.SizeMismatch, track.Index)
		default:
			result.VerifiedTracks++
		}
	}
	tracksOK := result.VerifiedTracks == result.TotalTracks &&
		len(result.MissingTracks) == 0 && len(result.SizeMismatch) == 0
	// The mapping file is part of the contract: without it the device cannot
	// resolve the tag locally, so the mirror is not complete.
	uidMapOK := uidMapPath == "" || e.sd.FileExists(ctx, ip, uidMapPath)
	result.Complete = tracksOK && uidMapOK
	return result
}

// ──────────────────── Upload ────────────────────

// uploadFile transfers one file with retry, rate limiting, progress updates
// and a stall watchdog. Cancel and stall abort without further retries.
func (e *Engine) uploadFile(ctx context.Context, ip, srcPath, destPath, title string, trackIndex, totalTracks, maxKbps int, aux bool) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("source missing: %w", err)
	}
	size := info.Size()

	if e.isCancelled(ip) {
		e.setStatus(ip, destPath, func(st *models.UploadStatus) {
			st.Status = models.UploadError
			st.Error = "cancelled by user"
		})
		return fmt.Errorf("cancelled by user")
	}

	e.setStatus(ip, destPath, func(st *models.UploadStatus) {
		st.Status = models.UploadRunning
		st.TotalBytes = size
		st.BytesUploaded = 0
		st.Title = title
		st.SourcePath = srcPath
		st.TrackIndex = trackIndex
		st.TotalTracks = totalTracks
		st.Aux = aux
		st.StartedAt = time.Now()
		st.Error = ""
	})

	e.sd.EnsureDir(ctx, ip, path.Dir(destPath))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if e.isCancelled(ip) {
			e.setStatus(ip, destPath, func(st *models.UploadStatus) {
				st.Status = models.UploadError
				st.Error = "cancelled by user"
			})
			return fmt.Errorf("cancelled by user")
		}
		if attempt > 0 {
			delay := time.Duration(5<<(attempt-1)) * time.Second // 5s, 10s, 20s
			log.Printf("[mirror] retry %d/%d for %s after %s", attempt, maxRetries, path.Base(destPath), delay)
			e.setStatus(ip, destPath, func(st *models.UploadStatus) {
				st.Status = models.UploadRetrying
				st.BytesUploaded = 0
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := e.attemptUpload(ctx, ip, srcPath, destPath, size, maxKbps)
		if err == nil {
			e.setStatus(ip, destPath, func(st *models.UploadStatus) {
				st.Status = models.UploadComplete
				st.BytesUploaded = size
			})
			e.clearStatusLater(ip, destPath)
			log.Printf("[mirror] uploaded %s to %s (%d KB)", path.Base(destPath), ip, size/1024)
			return nil
		}
		lastErr = err
		if e.isCancelled(ip) {
			e.setStatus(ip, destPath, func(st *models.UploadStatus) {
				st.Status = models.UploadError
				st.Error = "cancelled by user"
			})
			return fmt.Errorf("cancelled by user")
		}
		if err == errStalled {
			e.setStatus(ip, destPath, func(st *models.UploadStatus) {
				st.Status = models.UploadError
				st.Error = "stalled: no progress for 10s"
			})
			return err
		}
		log.Printf("[mirror] upload attempt %d for %s failed: %v", attempt+1, path.Base(destPath), err)
	}

	msg := "unknown error"
	if lastErr != nil {
		msg = lastErr.Error()
		if len(msg) > 100 {
			msg = msg[:100]
		}
	}
	e.setStatus(ip, destPath, func(st *models.UploadStatus) {
		st.Status = models.UploadError
		st.Error = msg
	})
	return lastErr
}

var errStalled = fmt.Errorf("upload stalled")

func (e *Engine) attemptUpload(ctx context.Context, ip, srcPath, destPath string, size int64, maxKbps int) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var progressMu sync.Mutex
	lastProgress := time.Now()
	stalled := false

	reader := newThrottledReader(attemptCtx, f, size, maxKbps, func(read, total int64) {
		progressMu.Lock()
		lastProgress = time.Now()
		progressMu.Unlock()
		e.setStatus(ip, destPath, func(st *models.UploadStatus) {
			st.Status = models.UploadRunning
			st.BytesUploaded = read
			st.TotalBytes = total
		})
		if e.isCancelled(ip) {
			cancel()
		}
	})

	// Stall watchdog: abort when no progress lands for stallTimeout.
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				if e.isCancelled(ip) {
					cancel()
					return
				}
				progressMu.Lock()
				idle := time.Since(lastProgress)
				progressMu.Unlock()
				if idle > stallTimeout {
					stalled = true
					cancel()
					return
				}
			}
		}
	}()

	err = e.sd.Upload(attemptCtx, ip, destPath, reader, size)
	cancel()
	<-watchdogDone
	if err != nil && stalled {
		return errStalled
	}
	return err
}

func (e *Engine) uploadJSON(ctx context.Context, ip, destPath, title string, v any, totalTracks, maxKbps int) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "mirror-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	return e.uploadFile(ctx, ip, tmpPath, destPath, title, 0, totalTracks, maxKbps, true)
}
