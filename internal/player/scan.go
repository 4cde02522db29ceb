package player

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/encoding"
	"github.com/Kruppes/TeddyPlayer/internal/mirror"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/readers"
)

// ScanRequest is one scan (or removal, when UID is nil) from a reader.
type ScanRequest struct {
	UID          *string
	Mode         models.PlayMode
	TargetDevice *models.DeviceRef
	ReaderIP     string
	Title        string
	Series       string
	Episode      string
	Picture      string
	Tracks       []models.TrackSpec
	AudioURL     string
	RecordScan   bool
	SkipMirror   bool
}

// ScanResponse is the reply the reader acts on.
type ScanResponse struct {
	UID             string  `json:"uid"`
	Series          string  `json:"series,omitempty"`
	Episode         string  `json:"episode,omitempty"`
	Title           string  `json:"title,omitempty"`
	Picture         string  `json:"picture,omitempty"`
	Found           bool    `json:"found"`
	PlaybackStarted bool    `json:"playback_started"`
	Encoding        bool    `json:"encoding"`
	PlaybackURL     string  `json:"playback_url,omitempty"`
	PlaylistURL     string  `json:"playlist_url,omitempty"`
	TrackCount      int     `json:"track_count"`
	Target          string  `json:"target,omitempty"`
}

// Scan drives the full orchestration for one reader event.
func (o *Orchestrator) Scan(ctx context.Context, req ScanRequest) ScanResponse {
	o.TouchReader(req.ReaderIP, "")

	// Tag removed: pause and remember where we were.
	if req.UID == nil {
		log.Printf("[player] tag removed from %s", req.ReaderIP)
		o.Readers.HandleRemoval(ctx, req.ReaderIP, func() models.DeviceRef {
			return o.DeviceForReader(req.ReaderIP)
		})
		o.Events.Broadcast("stream:update", map[string]string{"reader_ip": req.ReaderIP, "event": "removed"})
		return ScanResponse{Found: false, TrackCount: 1}
	}
	uid := *req.UID
	o.bumpScanCount(req.ReaderIP)

	override := o.resolveOverride(req)
	o.Readers.Lock(req.ReaderIP, func(st *readers.State) {
		st.Mode = req.Mode
		if req.Mode == models.ModeStream && override != nil {
			ref := *override
			st.TargetDevice = &ref
		} else {
			st.TargetDevice = nil
		}
	})

	// Same tag re-scanned: resume when paused-and-resumable, otherwise a
	// no-op that returns the existing snapshot (never a null playback URL).
	if view := o.Readers.Peek(req.ReaderIP); view.CurrentTag != nil && view.CurrentTag.UID == uid {
		resumed, snapshot := o.Readers.TryResume(ctx, req.ReaderIP, uid, func() models.DeviceRef {
			return o.DeviceForReader(req.ReaderIP)
		})
		resp := ScanResponse{
			UID:             uid,
			Found:           true,
			PlaybackStarted: resumed,
			TrackCount:      1,
		}
		if snapshot != nil {
			resp.Series = snapshot.Series
			resp.Episode = snapshot.Episode
			resp.Title = snapshot.Title
			resp.Picture = snapshot.Picture
			resp.PlaybackURL = snapshot.PlaybackURL
			if snapshot.TrackCount > 0 {
				resp.TrackCount = snapshot.TrackCount
			}
			if view.CurrentDevice.Type != models.DeviceSDPlayer {
				resp.PlaylistURL = o.PlaylistURL(snapshot.AudioURL)
			}
		}
		if req.RecordScan {
			o.recordScan(uid, req.ReaderIP, resp.Title, true)
		}
		return resp
	}

	// Different tag: stop the old playback without saving resume.
	if view := o.Readers.Peek(req.ReaderIP); view.CurrentTag != nil {
		o.Readers.StopForNewTag(ctx, req.ReaderIP, func() models.DeviceRef {
			return o.DeviceForReader(req.ReaderIP)
		})
	}

	tonie := o.TC.FindTonieByUID(ctx, uid)

	resp := ScanResponse{UID: uid, TrackCount: 1, Found: tonie != nil}
	if tonie != nil {
		resp.Series = firstNonEmpty(req.Series, tonie.Series)
		resp.Episode = firstNonEmpty(req.Episode, tonie.Episode)
		resp.Title = firstNonEmpty(req.Title, tonie.Title)
		resp.Picture = firstNonEmpty(req.Picture, tonie.Picture)
	} else {
		resp.Series = req.Series
		resp.Episode = req.Episode
		resp.Title = firstNonEmpty(req.Title, req.Series)
		resp.Picture = req.Picture
	}

	audioURL := req.AudioURL
	if audioURL == "" {
		audioURL = o.TC.ResolveAudioURL(tonie, uid)
	}

	device := o.DeviceForReader(req.ReaderIP)
	if override != nil {
		device = *override
	}
	log.Printf("[player] reader %s using device %s", req.ReaderIP, device)

	playbackURL := o.PlaybackURL(audioURL, device.Type)
	resp.PlaybackURL = playbackURL
	resp.Target = device.ID

	// Track list: upstream data, request-supplied, or a pseudo-track.
	trackSpecs := req.Tracks
	var knownDuration float64
	if tonie != nil {
		if len(trackSpecs) == 0 {
			trackSpecs = tonie.Tracks
		}
		knownDuration = tonie.Duration
	}
	if len(trackSpecs) == 0 {
		trackSpecs = PseudoTracks(knownDuration)
		log.Printf("[player] no track info for %.16s, using single pseudo-track (%.0fs)", uid, trackSpecs[0].Duration)
	}
	resp.TrackCount = len(trackSpecs)

	// SD players stream the single-file URL; everyone else may get the
	// playlist once the album is cached.
	if device.Type != models.DeviceSDPlayer {
		if playlist := o.PlaylistURL(audioURL); playlist != "" {
			resp.PlaylistURL = playlist
		}
	}

	// Resume bookkeeping for the fresh-start-vs-resume decision.
	var startPosition float64
	var shouldResume, sameDevice bool
	o.Readers.Lock(req.ReaderIP, func(st *readers.State) {
		if st.Resume != nil && st.Resume.UID == uid {
			startPosition = st.Resume.Position
			shouldResume = st.Resume.Paused
			sameDevice = st.Resume.Device.Equal(device)
			st.Resume = nil
		}
	})

	tags := models.AlbumTags{Series: resp.Series, Episode: resp.Episode}
	coverURL := o.TC.CoverURL(resp.Picture)

	snapshot := &models.TagSnapshot{
		UID:           uid,
		Series:        resp.Series,
		Episode:       resp.Episode,
		Title:         resp.Title,
		Picture:       resp.Picture,
		AudioURL:      audioURL,
		PlaybackURL:   playbackURL,
		PlacedAt:      nowISO(),
		StartPosition: startPosition,
		Duration:      knownDuration,
		Tracks:        trackSpecs,
		TrackCount:    len(trackSpecs),
	}
	o.Readers.Lock(req.ReaderIP, func(st *readers.State) {
		st.CurrentTag = snapshot
		st.StartedAt = time.Now()
		st.Offset = startPosition
		st.CurrentDevice = device
		if device.Type == models.DeviceBrowser {
			st.LastReported = startPosition
		} else {
			st.LastReported = 0
		}
	})

	title := firstNonEmpty(resp.Title, resp.Series, "Tonie")
	isCached := o.Store.HasMetadata(cache.Fingerprint(audioURL))

	switch device.Type {
	case models.DeviceBrowser:
		// The UI element plays; encoding runs fully in the background.
		if !isCached {
			o.Coord.MarkEncoding(audioURL, len(trackSpecs))
			job := encoding.Job{SourceURL: audioURL, Tracks: trackSpecs, Tags: tags, CoverURL: coverURL}
			o.Sup.Go("encode:"+uid, func(bctx context.Context) {
				if _, err := o.Coord.EncodeAll(bctx, job); err != nil {
					log.Printf("[player] browser encoding failed: %v", err)
				}
			})
		}
		resp.PlaybackStarted = true

	default:
		// Network targets: a cold cache encodes in the background so the
		// reader's short HTTP timeout is never hit; a warm cache plays
		// synchronously.
		if !isCached {
			o.Coord.MarkEncoding(audioURL, len(trackSpecs))
			resp.Encoding = true
		}
		run := func(bctx context.Context) {
			o.encodeAndPlay(bctx, playContext{
				readerIP:      req.ReaderIP,
				uid:           uid,
				device:        device,
				audioURL:      audioURL,
				playbackURL:   playbackURL,
				title:         title,
				tags:          tags,
				coverURL:      coverURL,
				tracks:        trackSpecs,
				startPosition: startPosition,
				shouldResume:  shouldResume && sameDevice,
				physicalTag:   !readers.IsVirtual(req.ReaderIP),
				skipMirror:    req.SkipMirror,
			})
		}
		if isCached {
			run(ctx)
		} else {
			o.Sup.Go("encode-play:"+uid, run)
		}
		resp.PlaybackStarted = true
	}

	if req.RecordScan {
		o.recordScan(uid, req.ReaderIP, firstNonEmpty(resp.Title, resp.Series, "Unknown"), resp.Found)
	}
	o.Events.Broadcast("stream:update", map[string]string{"reader_ip": req.ReaderIP, "uid": uid})
	return resp
}

// resolveOverride applies the mode-specific device rules: an explicit stream
// target wins; local mode on an SD-capable reader targets the reader itself;
// a non-SD reader with a persisted override always streams to it.
func (o *Orchestrator) resolveOverride(req ScanRequest) *models.DeviceRef {
	configured, hasConfigured := o.Cfg.ReaderDevice(req.ReaderIP)
	isSDReader := !hasConfigured || configured.Type == models.DeviceSDPlayer

	switch {
	case req.Mode == models.ModeStream && req.TargetDevice != nil && req.TargetDevice.Valid():
		ref := *req.TargetDevice
		log.Printf("[player] stream mode: %s -> %s", req.ReaderIP, ref)
		return &ref
	case req.Mode == models.ModeLocal && isSDReader && !readers.IsVirtual(req.ReaderIP):
		ref := models.DeviceRef{Type: models.DeviceSDPlayer, ID: req.ReaderIP}
		return &ref
	case hasConfigured:
		return &configured
	}
	return nil
}

type playContext struct {
	readerIP      string
	uid           string
	device        models.DeviceRef
	audioURL      string
	playbackURL   string
	title         string
	tags          models.AlbumTags
	coverURL      string
	tracks        []models.TrackSpec
	startPosition float64
	shouldResume  bool
	physicalTag   bool
	skipMirror    bool
}

// encodeAndPlay produces the first track, starts output, continues encoding
// in the background with per-track device queueing, and schedules the SD
// mirror where applicable.
func (o *Orchestrator) encodeAndPlay(ctx context.Context, pc playContext) {
	fp := cache.Fingerprint(pc.audioURL)

	progress := o.progressSink(pc)
	job := encoding.Job{
		SourceURL: pc.audioURL,
		Tracks:    pc.tracks,
		Tags:      pc.tags,
		CoverURL:  pc.coverURL,
		Progress:  progress,
	}

	if _, err := o.Coord.FirstTrack(ctx, job); err != nil {
		log.Printf("[player] first track encoding failed: %v", err)
		return
	}

	started := false
	sdPlayback := false
	switch pc.device.Type {
	case models.DeviceMultiroom, models.DeviceCast:
		// Progressive playback: clear the queue and start with track 1; the
		// background encoder appends the rest in index order.
		started = o.Ctrl.PlayList(ctx, pc.device, []string{o.TrackURL(fp, 0)}, pc.title)
	case models.DeviceSDPlayer:
		folder := mirror.DestFolder(pc.tags.Series, pc.tags.Episode)
		ready := o.Ctrl.SD.CheckSDReady(ctx, pc.device.ID, folder, len(pc.tracks))
		if ready.Ready {
			log.Printf("[player] playing from SD folder %s (%d tracks)", folder, ready.TracksComplete)
			started = o.Ctrl.SD.PlayFolder(ctx, pc.device.ID, folder)
			sdPlayback = true
		} else {
			log.Printf("[player] SD not ready (%d/%d tracks), streaming", ready.TracksComplete, ready.TracksTotal)
			started = o.Ctrl.Play(ctx, pc.device, pc.playbackURL, pc.title, pc.startPosition)
		}
	default:
		if pc.shouldResume {
			started = o.Ctrl.Resume(ctx, pc.device)
		}
		if !started {
			started = o.Ctrl.Play(ctx, pc.device, pc.playbackURL, pc.title, pc.startPosition)
		}
	}
	if started {
		log.Printf("[player] playback started on %s: %s", pc.device, pc.title)
	}

	// Encode the rest in the background, queueing each new track onto
	// queue-capable kinds. Started only after playback set up the device
	// queue, so track N+1 is never queued ahead of track N.
	remaining := job
	if pc.device.Type == models.DeviceMultiroom || pc.device.Type == models.DeviceCast {
		device := pc.device
		title := pc.title
		remaining.Queue = func(index int) {
			// The scan request is long gone by the time late tracks finish;
			// queueing runs on its own clock.
			qctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			trackURL := o.TrackURL(fp, index)
			if o.Ctrl.Queue(qctx, device, trackURL, fmt.Sprintf("%s - Track %d", title, index+1)) {
				log.Printf("[player] queued track %d on %s", index+1, device)
			}
		}
	}
	o.Sup.Go("encode-remaining:"+fp, func(bctx context.Context) {
		if _, err := o.Coord.Remaining(bctx, remaining); err != nil {
			log.Printf("[player] background encoding failed: %v", err)
		}
	})

	// SD mirroring: only scan-triggered physical tags that are actually
	// streaming (a complete SD folder needs no mirror).
	if pc.device.Type == models.DeviceSDPlayer && pc.physicalTag && !sdPlayback && !pc.skipMirror {
		o.Sup.Go("mirror:"+pc.uid, func(bctx context.Context) {
			o.mirrorAfterEncoding(bctx, pc)
		})
	}
}

// progressSink pushes encode progress to SD-player displays and the UI.
func (o *Orchestrator) progressSink(pc playContext) func(int) {
	deviceIP := ""
	if pc.device.Type == models.DeviceSDPlayer {
		deviceIP = pc.device.ID
	}
	return func(percent int) {
		if deviceIP != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			o.Ctrl.SD.NotifyProgress(ctx, deviceIP, percent)
			cancel()
		}
		o.Events.Broadcast("encode:progress", map[string]any{
			"uid": pc.uid, "reader_ip": pc.readerIP, "progress": percent,
		})
	}
}

// mirrorAfterEncoding waits for the album to finish encoding, then queues
// the durable intent and runs the upload at the active bandwidth ceiling.
func (o *Orchestrator) mirrorAfterEncoding(ctx context.Context, pc playContext) {
	fp := cache.Fingerprint(pc.audioURL)

	// The upload needs final file sizes, so wait for a terminal status.
	deadline := time.Now().Add(10 * time.Minute)
	for {
		status := o.Coord.Status(fp)
		if status.Status == models.EncodingCached || status.Status == models.EncodingReady {
			break
		}
		if status.Status == models.EncodingError {
			log.Printf("[player] encoding failed (%s), skipping mirror", status.Error)
			return
		}
		if time.Now().After(deadline) {
			log.Printf("[player] encoding wait timed out (status=%s), proceeding with partial mirror", status.Status)
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}

	intent := mirror.BuildIntent(pc.uid, pc.tags.Series, pc.tags.Episode, pc.audioURL, pc.tracks, func(i int) string {
		return o.Store.TrackPath(fp, i)
	})
	o.Mirror.QueueIntent(pc.device.ID, intent)
	o.Mirror.UploadAlbum(ctx, pc.device.ID, intent, o.Cfg.UploadMaxKbpsActive)
}

// ──────────────────── helpers ────────────────────

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
