package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/models"
)

// buildIndex assembles the on-device metadata.json from an intent, reading
// file sizes from the cached sources.
func buildIndex(intent models.UploadIntent) models.MirrorIndex {
	title := intent.Series
	if intent.Series != "" && intent.Episode != "" {
		title = intent.Series + " - " + intent.Episode
	} else if title == "" {
		title = intent.Episode
	}
	if title == "" {
		title = "Unknown"
	}
	index := models.MirrorIndex{
		UID:         intent.UID,
		Series:      intent.Series,
		Episode:     intent.Episode,
		Title:       title,
		AudioURL:    intent.AudioURL,
		TotalTracks: len(intent.Tracks),
		UploadedAt:  time.Now().Format(time.RFC3339),
	}
	for _, t := range intent.Tracks {
		var size int64
		if info, err := os.Stat(t.SourcePath); err == nil {
			size = info.Size()
		}
		index.Tracks = append(index.Tracks, models.MirrorIndexFile{
			Index: t.Index,
			Name:  t.Name,
			File:  path.Base(t.DestPath),
			Size:  size,
		})
	}
	return index
}

func buildUIDMap(intent models.UploadIntent) models.UIDMap {
	title := intent.Series
	if title == "" {
		title = intent.Episode
	}
	if title == "" {
		title = "Tonie"
	}
	uidMap := models.UIDMap{
		UID:     intent.UID,
		Folder:  intent.FolderPath,
		Title:   title,
		Series:  intent.Series,
		Episode: intent.Episode,
	}
	for _, t := range intent.Tracks {
		var size int64
		if info, err := os.Stat(t.SourcePath); err == nil {
			size = info.Size()
		}
		uidMap.Files = append(uidMap.Files, models.UIDMapFile{
			Index: t.Index,
			Name:  path.Base(t.DestPath),
			Size:  size,
		})
	}
	return uidMap
}

func (e *Engine) tryLock(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[ip] {
		return false
	}
	e.running[ip] = true
	return true
}

func (e *Engine) unlock(ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, ip)
}

// UploadAlbum mirrors an intent onto a device: verify what is already there,
// upload the UID map, the missing or corrupt tracks and the index, then
// verify again and bind the RFID mapping. The intent stays pending until a
// verification reports complete.
func (e *Engine) UploadAlbum(ctx context.Context, ip string, intent models.UploadIntent, maxKbps int) bool {
	if !e.tryLock(ip) {
		log.Printf("[mirror] upload already running for %s, skipping", ip)
		return false
	}
	defer e.unlock(ip)

	uidMapPath := UIDMapPath(intent.UID)
	title := intent.Series
	if title == "" {
		title = intent.Episode
	}
	if title == "" {
		title = "Tonie"
	}

	// Stale error records from a previous attempt would confuse the UI.
	e.ClearStatuses(ip)

	existing := e.Verify(ctx, ip, intent.FolderPath, uidMapPath)
	var needsUpload []int
	if existing.Metadata != nil {
		needsUpload = append(append([]int{}, existing.MissingTracks...), existing.SizeMismatch...)
		if len(needsUpload) == 0 {
			log.Printf("[mirror] upload already complete for %s: %d/%d tracks", ip, existing.VerifiedTracks, existing.TotalTracks)
			return e.finalize(ctx, ip, intent, uidMapPath, maxKbps, title)
		}
		log.Printf("[mirror] resuming partial upload for %s: %d/%d OK, %d needed",
			ip, existing.VerifiedTracks, existing.TotalTracks, len(needsUpload))
		// Corrupt files are deleted before re-upload.
		for _, idx := range existing.SizeMismatch {
			if idx < len(intent.Tracks) {
				if e.sd.Delete(ctx, ip, intent.Tracks[idx].DestPath) {
					log.Printf("[mirror] deleted corrupted file: %s", intent.Tracks[idx].DestPath)
				}
			}
		}
	} else {
		for i := range intent.Tracks {
			needsUpload = append(needsUpload, i)
		}
	}

	uidMapOK := e.uploadJSON(ctx, ip, uidMapPath, title+" - uid-map", buildUIDMap(intent), len(intent.Tracks), maxKbps) == nil

	uploaded := 0
	for seq, idx := range needsUpload {
		if idx >= len(intent.Tracks) {
			continue
		}
		if e.isCancelled(ip) {
			log.Printf("[mirror] upload cancelled for %s", ip)
			return false
		}
		track := intent.Tracks[idx]
		if _, err := os.Stat(track.SourcePath); err != nil {
			log.Printf("[mirror] track %d missing from cache, cannot upload", idx+1)
			continue
		}
		err := e.uploadFile(ctx, ip, track.SourcePath, track.DestPath,
			fmt.Sprintf("%s - %s", title, track.Name), seq+1, len(needsUpload), maxKbps, false)
		if err != nil {
			log.Printf("[mirror] track %d upload failed: %v", idx+1, err)
			if e.isCancelled(ip) {
				return false
			}
			continue
		}
		uploaded++
		if seq < len(needsUpload)-1 {
			// Give the device's SD writer a moment between files.
			select {
			case <-ctx.Done():
				return false
			case <-time.After(interTrackGap):
			}
		}
	}

	if uploaded > 0 {
		if err := e.uploadJSON(ctx, ip, intent.FolderPath+"/metadata.json", title+" - metadata",
			buildIndex(intent), len(needsUpload), maxKbps); err != nil {
			log.Printf("[mirror] metadata upload failed: %v", err)
		}
	}
	log.Printf("[mirror] upload pass complete for %s: %d/%d tracks", ip, uploaded, len(needsUpload))

	// Post-pass verification catches files the device truncated.
	verification := e.Verify(ctx, ip, intent.FolderPath, uidMapPath)
	if !verification.Complete {
		retry := append(append([]int{}, verification.MissingTracks...), verification.SizeMismatch...)
		if len(retry) > 0 && !e.isCancelled(ip) {
			log.Printf("[mirror] verification found %d tracks to re-upload", len(retry))
			for _, idx := range verification.SizeMismatch {
				if idx < len(intent.Tracks) {
					e.sd.Delete(ctx, ip, intent.Tracks[idx].DestPath)
				}
			}
			for seq, idx := range retry {
				if idx >= len(intent.Tracks) {
					continue
				}
				track := intent.Tracks[idx]
				if _, err := os.Stat(track.SourcePath); err != nil {
					continue
				}
				e.uploadFile(ctx, ip, track.SourcePath, track.DestPath,
					fmt.Sprintf("%s - %s", title, track.Name), seq+1, len(retry), maxKbps, false)
			}
			e.uploadJSON(ctx, ip, intent.FolderPath+"/metadata.json", title+" - metadata",
				buildIndex(intent), len(retry), maxKbps)
			verification = e.Verify(ctx, ip, intent.FolderPath, uidMapPath)
		}
	}

	tracksOK := verification.TotalTracks > 0 &&
		verification.VerifiedTracks == verification.TotalTracks &&
		len(verification.MissingTracks) == 0 && len(verification.SizeMismatch) == 0
	if !tracksOK {
		log.Printf("[mirror] upload incomplete for %s; intent stays pending", ip)
		return false
	}
	if !uidMapOK {
		log.Printf("[mirror] UID map upload failed earlier, retrying during finalize")
	}
	return e.finalize(ctx, ip, intent, uidMapPath, maxKbps, title)
}

// finalize binds the tag-to-folder mapping and clears the durable intent.
func (e *Engine) finalize(ctx context.Context, ip string, intent models.UploadIntent, uidMapPath string, maxKbps int, title string) bool {
	if !e.sd.FileExists(ctx, ip, uidMapPath) {
		if err := e.uploadJSON(ctx, ip, uidMapPath, title+" - uid-map", buildUIDMap(intent), len(intent.Tracks), maxKbps); err != nil {
			log.Printf("[mirror] UID map upload failed, keeping intent: %v", err)
			return false
		}
	}
	if tagID := DeviceTagID(intent.UID); tagID != "" {
		if e.sd.SetRFIDMapping(ctx, ip, tagID, intent.FolderPath) {
			log.Printf("[mirror] RFID mapping updated: %s -> %s", tagID, intent.FolderPath)
		} else {
			log.Printf("[mirror] failed to update RFID mapping for %s", tagID)
		}
	}
	e.queue.Clear(ip)
	log.Printf("[mirror] mirror complete for %s: %s", ip, intent.FolderPath)
	return true
}

// Resume picks up the device's pending intent, typically on heartbeat or at
// startup, at the idle bandwidth ceiling.
func (e *Engine) Resume(ctx context.Context, ip string) {
	intent, ok := e.queue.Get(ip)
	if !ok {
		return
	}
	if intent.FolderPath == "" {
		log.Printf("[mirror] pending intent for %s has no folder, dropping", ip)
		e.queue.Clear(ip)
		return
	}
	log.Printf("[mirror] resuming pending upload for %s: %s", ip, intent.FolderPath)
	e.UploadAlbum(ctx, ip, intent, e.IdleKbps())
}

// RetryFailed re-runs error-state transfers from their recorded sources.
// Returns how many retries started.
func (e *Engine) RetryFailed(ctx context.Context, ip string) int {
	failed := e.Failed(ip)
	retried := 0
	for _, st := range failed {
		if st.SourcePath == "" || st.DestPath == "" {
			continue
		}
		if _, err := os.Stat(st.SourcePath); err != nil {
			e.ClearStatus(st.DeviceIP, st.DestPath)
			continue
		}
		e.ClearStatus(st.DeviceIP, st.DestPath)
		go func(st models.UploadStatus) {
			// Retries outlive the HTTP request that asked for them.
			rctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := e.uploadFile(rctx, st.DeviceIP, st.SourcePath, st.DestPath, st.Title, st.TrackIndex, st.TotalTracks, e.IdleKbps(), st.Aux); err != nil {
				log.Printf("[mirror] retry failed for %s: %v", st.DestPath, err)
			}
		}(st)
		retried++
	}
	return retried
}
