// Package encoding coordinates the progressive multi-track pipeline. At most
// one encoder runs per fingerprint; the first track is the latency-critical
// path and the remainder proceeds under a separate lock so the next scan's
// quick-path cache check is never blocked behind it.
package encoding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/transcode"
)

const (
	// stallAfter bounds a wall-clock encoding with no progress updates.
	stallAfter = 10 * time.Minute
	// quiesce keeps the ready status visible briefly before it is cleared.
	quiesce = time.Second
)

// Job describes one album encode.
type Job struct {
	SourceURL string
	Tracks    []models.TrackSpec
	Tags      models.AlbumTags
	CoverURL  string
	// Progress receives integer percentages, best-effort fire-and-forget.
	Progress func(percent int)
	// Queue is invoked per newly encoded track index (remaining pass only).
	Queue func(trackIndex int)
}

type Coordinator struct {
	store  *cache.Store
	enc    transcode.Encoder
	prober *transcode.Prober
	locks  *keyedLocks

	mu     sync.Mutex
	status map[string]*models.EncodingStatus
}

func NewCoordinator(store *cache.Store, enc transcode.Encoder, prober *transcode.Prober) *Coordinator {
	return &Coordinator{
		store:  store,
		enc:    enc,
		prober: prober,
		locks:  newKeyedLocks(),
		status: make(map[string]*models.EncodingStatus),
	}
}

// ──────────────────── Status machine ────────────────────

func (c *Coordinator) setStatus(fp string, mutate func(*models.EncodingStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.status[fp]
	if !ok {
		st = &models.EncodingStatus{StartedAt: time.Now()}
		c.status[fp] = st
	}
	mutate(st)
}

// Clear drops the transient status record for a fingerprint.
func (c *Coordinator) Clear(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.status, fp)
}

// Status reports the per-fingerprint encoding state. Cached and partial are
// derived from disk; a stuck in-memory record is flipped to error(stalled).
func (c *Coordinator) Status(fp string) models.EncodingStatus {
	if meta := c.store.ReadMetadata(fp); meta != nil {
		var total int64
		for _, t := range meta.Tracks {
			if info, err := os.Stat(c.store.TrackPath(fp, t.Index)); err == nil {
				total += info.Size()
			}
		}
		return models.EncodingStatus{
			Status:          models.EncodingCached,
			Cached:          true,
			Progress:        100,
			TotalTracks:     len(meta.Tracks),
			TracksCompleted: len(meta.Tracks),
			FileSizeMB:      float64(total) / 1024 / 1024,
		}
	}

	c.mu.Lock()
	if st, ok := c.status[fp]; ok {
		out := *st
		out.ElapsedSeconds = time.Since(st.StartedAt).Seconds()
		if out.Status == models.EncodingRunning && time.Since(st.StartedAt) > stallAfter {
			log.Printf("[encoding] %s stalled for %.1f min, marking error", fp, out.ElapsedSeconds/60)
			delete(c.status, fp)
			out.Status = models.EncodingError
			out.Error = "stalled"
		}
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	// Some MP3s on disk without metadata or an in-memory record: partial.
	if tracks := c.store.ListTracks(fp); len(tracks) > 0 {
		var total int64
		for _, t := range tracks {
			total += t.Size
		}
		return models.EncodingStatus{
			Status:          models.EncodingPartial,
			TracksCompleted: len(tracks),
			FileSizeMB:      float64(total) / 1024 / 1024,
		}
	}
	return models.EncodingStatus{Status: models.EncodingUnknown}
}

// StatusBySource is Status keyed on the source URL.
func (c *Coordinator) StatusBySource(sourceURL string) models.EncodingStatus {
	return c.Status(cache.Fingerprint(sourceURL))
}

func notify(progress func(int), percent int) {
	if progress == nil {
		return
	}
	// Sinks are best-effort; a panicking sink must not kill the encoder.
	defer func() { recover() }()
	progress(percent)
}

// ──────────────────── Encoding passes ────────────────────

// estimatedBytes sizes an album at roughly 10 MB per 10 minutes of audio.
func estimatedBytes(tracks []models.TrackSpec) int64 {
	var duration float64
	for _, t := range tracks {
		duration += t.Duration
	}
	return int64(duration / 600 * 10 * 1024 * 1024)
}

func (c *Coordinator) request(job Job, index int, coverPath string) transcode.Request {
	track := job.Tracks[index]
	name := track.Name
	if name == "" {
		name = fmt.Sprintf("Track %d", index+1)
	}
	fp := cache.Fingerprint(job.SourceURL)
	return transcode.Request{
		SourceURL:   job.SourceURL,
		OutPath:     c.store.TrackPath(fp, index),
		Start:       track.Start,
		Duration:    track.Duration,
		TrackIndex:  index,
		TrackName:   name,
		Album:       job.Tags.Album(),
		Artist:      job.Tags.Artist(),
		Year:        job.Tags.Year,
		TotalTracks: len(job.Tracks),
		CoverPath:   coverPath,
	}
}

// FirstTrack encodes index 0 only and returns its path. It acquires the
// fingerprint lock, rechecks the cache after the wait, and leaves the status
// at encoding with one track completed.
func (c *Coordinator) FirstTrack(ctx context.Context, job Job) (string, error) {
	if len(job.Tracks) == 0 {
		return "", errors.New("no tracks to encode")
	}
	fp := cache.Fingerprint(job.SourceURL)
	first := c.store.TrackPath(fp, 0)

	if c.store.HasTrack(fp, 0) {
		c.setStatus(fp, func(st *models.EncodingStatus) {
			st.Status = models.EncodingCached
			st.Progress = 100
		})
		return first, nil
	}

	release := c.locks.Acquire(fp)
	defer release()

	if c.store.HasTrack(fp, 0) {
		c.setStatus(fp, func(st *models.EncodingStatus) {
			st.Status = models.EncodingCached
			st.Progress = 100
		})
		return first, nil
	}

	c.store.Pin(fp)
	defer c.store.Unpin(fp)
	c.store.EnsureSpace(estimatedBytes(job.Tracks[:1]))

	coverPath := transcode.FetchCover(ctx, job.CoverURL, c.store.Dir(fp))

	c.setStatus(fp, func(st *models.EncodingStatus) {
		st.Status = models.EncodingRunning
		st.Progress = 0
		st.CurrentTrack = 1
		st.TotalTracks = len(job.Tracks)
		st.TracksCompleted = 0
		st.StartedAt = time.Now()
	})
	notify(job.Progress, 0)

	if err := c.enc.EncodeTrack(ctx, c.request(job, 0, coverPath)); err != nil {
		c.setStatus(fp, func(st *models.EncodingStatus) {
			st.Status = models.EncodingError
			st.Error = "failed to encode first track: " + err.Error()
		})
		return "", err
	}

	percent := 100 / len(job.Tracks)
	c.setStatus(fp, func(st *models.EncodingStatus) {
		st.Status = models.EncodingRunning
		st.Progress = percent
		st.CurrentTrack = 1
		st.TracksCompleted = 1
	})
	notify(job.Progress, percent)
	return first, nil
}

// Remaining encodes indices 1..N-1 under the fingerprint's remaining-lock,
// queues each newly encoded track, writes metadata.json atomically once all
// tracks exist and transitions the status ready → cached.
func (c *Coordinator) Remaining(ctx context.Context, job Job) (*models.AlbumMetadata, error) {
	if len(job.Tracks) == 0 {
		return nil, errors.New("no tracks to encode")
	}
	fp := cache.Fingerprint(job.SourceURL)

	release := c.locks.Acquire(fp + "/remaining")
	defer release()

	c.store.Pin(fp)
	defer c.store.Unpin(fp)

	coverPath := ""
	if len(job.Tracks) > 1 {
		coverPath = transcode.FetchCover(ctx, job.CoverURL, c.store.Dir(fp))
	}

	started := time.Now()
	var total float64
	for _, t := range job.Tracks {
		total += t.Duration
	}

	trackInfos := []models.Track{{
		Index:           0,
		Name:            trackName(job.Tracks[0], 0),
		StartSeconds:    job.Tracks[0].Start,
		DurationSeconds: job.Tracks[0].Duration,
		Filename:        models.TrackFilename(0),
	}}

	for i := 1; i < len(job.Tracks); i++ {
		track := job.Tracks[i]
		if track.Duration <= 0 {
			log.Printf("[encoding] skipping track %d with zero duration", i+1)
			continue
		}

		if c.store.HasTrack(fp, i) {
			// Cached tracks are reused unless a cover arrived since.
			if coverPath != "" && !c.prober.HasEmbeddedCover(ctx, c.store.TrackPath(fp, i)) {
				log.Printf("[encoding] track %d cached without cover, re-encoding", i+1)
			} else {
				trackInfos = append(trackInfos, models.Track{
					Index:           i,
					Name:            trackName(track, i),
					StartSeconds:    track.Start,
					DurationSeconds: track.Duration,
					Filename:        models.TrackFilename(i),
				})
				if job.Queue != nil {
					job.Queue(i)
				}
				continue
			}
		}

		percent := i * 100 / len(job.Tracks)
		c.setStatus(fp, func(st *models.EncodingStatus) {
			st.Status = models.EncodingRunning
			st.Progress = percent
			st.CurrentTrack = i + 1
			st.TotalTracks = len(job.Tracks)
			st.TracksCompleted = i
			st.StartedAt = started
		})
		notify(job.Progress, percent)

		if err := c.enc.EncodeTrack(ctx, c.request(job, i, coverPath)); err != nil {
			c.setStatus(fp, func(st *models.EncodingStatus) {
				st.Status = models.EncodingError
				st.Error = fmt.Sprintf("failed to encode track %d: %v", i+1, err)
			})
			return nil, err
		}

		trackInfos = append(trackInfos, models.Track{
			Index:           i,
			Name:            trackName(track, i),
			StartSeconds:    track.Start,
			DurationSeconds: track.Duration,
			Filename:        models.TrackFilename(i),
		})
		if job.Queue != nil {
			job.Queue(i)
		}
	}

	meta := &models.AlbumMetadata{
		Title:         job.Tags.Album(),
		Artist:        job.Tags.Artist(),
		Album:         job.Tags.Album(),
		Year:          job.Tags.Year,
		TotalDuration: total,
		SourceURL:     job.SourceURL,
		Tracks:        trackInfos,
	}
	if err := c.store.WriteMetadata(fp, meta); err != nil {
		c.setStatus(fp, func(st *models.EncodingStatus) {
			st.Status = models.EncodingError
			st.Error = err.Error()
		})
		return nil, err
	}

	var size int64
	for _, t := range trackInfos {
		if info, err := os.Stat(c.store.TrackPath(fp, t.Index)); err == nil {
			size += info.Size()
		}
	}
	log.Printf("[encoding] all tracks encoded for %s: %d tracks, %d KB", fp, len(trackInfos), size/1024)

	c.setStatus(fp, func(st *models.EncodingStatus) {
		st.Status = models.EncodingReady
		st.Progress = 100
		st.TotalTracks = len(trackInfos)
		st.TracksCompleted = len(trackInfos)
		st.FileSizeMB = float64(size) / 1024 / 1024
	})
	notify(job.Progress, 100)

	time.Sleep(quiesce)
	c.Clear(fp)
	return meta, nil
}

// EncodeAll is the sequential equivalent used for out-of-band encodes
// (browser albums, prefetch, the single-file legacy path). Concurrent callers
// for the same fingerprint wait on the lock and observe the completed
// metadata instead of re-encoding.
func (c *Coordinator) EncodeAll(ctx context.Context, job Job) (*models.AlbumMetadata, error) {
	if len(job.Tracks) == 0 {
		return nil, errors.New("no tracks to encode")
	}
	fp := cache.Fingerprint(job.SourceURL)

	if meta := c.store.ReadMetadata(fp); meta != nil {
		c.markCached(fp, meta)
		return meta, nil
	}

	release := c.locks.Acquire(fp)
	defer release()

	if meta := c.store.ReadMetadata(fp); meta != nil {
		log.Printf("[encoding] cache hit after wait: %s", fp)
		c.markCached(fp, meta)
		return meta, nil
	}

	c.store.Pin(fp)
	defer c.store.Unpin(fp)
	c.store.EnsureSpace(estimatedBytes(job.Tracks))

	coverPath := transcode.FetchCover(ctx, job.CoverURL, c.store.Dir(fp))

	started := time.Now()
	var total float64
	for _, t := range job.Tracks {
		total += t.Duration
	}

	var trackInfos []models.Track
	for i, track := range job.Tracks {
		if track.Duration <= 0 {
			log.Printf("[encoding] skipping track %d with zero duration", i+1)
			continue
		}
		percent := i * 100 / len(job.Tracks)
		c.setStatus(fp, func(st *models.EncodingStatus) {
			st.Status = models.EncodingRunning
			st.Progress = percent
			st.CurrentTrack = i + 1
			st.TotalTracks = len(job.Tracks)
			st.TracksCompleted = i
			st.StartedAt = started
		})
		notify(job.Progress, percent)

		if err := c.enc.EncodeTrack(ctx, c.request(job, i, coverPath)); err != nil {
			c.setStatus(fp, func(st *models.EncodingStatus) {
				st.Status = models.EncodingError
				st.Error = fmt.Sprintf("failed to encode track %d: %v", i+1, err)
			})
			return nil, err
		}
		trackInfos = append(trackInfos, models.Track{
			Index:           i,
			Name:            trackName(track, i),
			StartSeconds:    track.Start,
			DurationSeconds: track.Duration,
			Filename:        models.TrackFilename(i),
		})
	}

	meta := &models.AlbumMetadata{
		Title:         job.Tags.Album(),
		Artist:        job.Tags.Artist(),
		Album:         job.Tags.Album(),
		Year:          job.Tags.Year,
		TotalDuration: total,
		SourceURL:     job.SourceURL,
		Tracks:        trackInfos,
	}
	if err := c.store.WriteMetadata(fp, meta); err != nil {
		return nil, err
	}

	c.setStatus(fp, func(st *models.EncodingStatus) {
		st.Status = models.EncodingReady
		st.Progress = 100
		st.TotalTracks = len(trackInfos)
		st.TracksCompleted = len(trackInfos)
	})
	notify(job.Progress, 100)
	time.Sleep(quiesce)
	c.Clear(fp)
	return meta, nil
}

// MarkEncoding publishes an encoding status before the worker picks a job up,
// so readers polling immediately after a scan see progress.
func (c *Coordinator) MarkEncoding(sourceURL string, totalTracks int) {
	fp := cache.Fingerprint(sourceURL)
	c.setStatus(fp, func(st *models.EncodingStatus) {
		st.Status = models.EncodingRunning
		st.Progress = 0
		st.TotalTracks = totalTracks
		st.StartedAt = time.Now()
	})
}

func (c *Coordinator) markCached(fp string, meta *models.AlbumMetadata) {
	c.setStatus(fp, func(st *models.EncodingStatus) {
		st.Status = models.EncodingCached
		st.Cached = true
		st.Progress = 100
		st.TotalTracks = len(meta.Tracks)
		st.TracksCompleted = len(meta.Tracks)
	})
}

func trackName(t models.TrackSpec, index int) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("Track %d", index+1)
}
