package player

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/encoding"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/readers"
	"github.com/Kruppes/TeddyPlayer/internal/teddycloud"
)

// skipStep is the seek distance for the reader's skip/prev buttons.
const skipStep = 60.0

// Heartbeat refreshes a reader's liveness and resumes any pending mirror
// for that address.
func (o *Orchestrator) Heartbeat(readerIP, name string) {
	o.TouchReader(readerIP, name)
	if _, ok := o.Mirror.Pending(readerIP); ok {
		log.Printf("[player] %s online - resuming pending upload", readerIP)
		o.Sup.Go("resume-upload:"+readerIP, func(ctx context.Context) {
			o.Mirror.Resume(ctx, readerIP)
		})
	}
}

// controlDevice picks the device a control command should act on.
func (o *Orchestrator) controlDevice(view readers.StateView, readerIP string) models.DeviceRef {
	if view.TargetDevice != nil && view.TargetDevice.Valid() {
		return *view.TargetDevice
	}
	if view.CurrentDevice.Valid() {
		return view.CurrentDevice
	}
	return o.DeviceForReader(readerIP)
}

// Control handles a remote-control command from a reader acting as a remote
// in stream mode.
func (o *Orchestrator) Control(ctx context.Context, readerIP, action string) (bool, error) {
	view := o.Readers.Peek(readerIP)
	if view.CurrentTag == nil {
		return false, fmt.Errorf("no active stream")
	}
	device := o.controlDevice(view, readerIP)
	if !device.Valid() {
		return false, fmt.Errorf("no device configured")
	}
	log.Printf("[player] control from %s: %s -> %s", readerIP, action, device)

	switch action {
	case "play":
		// Toggle against the device's actual state.
		if o.Ctrl.IsPlaying(ctx, device) {
			return o.Ctrl.Pause(ctx, device), nil
		}
		return o.Ctrl.Resume(ctx, device), nil
	case "pause":
		return o.Ctrl.Pause(ctx, device), nil
	case "stop":
		ok := o.Ctrl.Stop(ctx, device)
		o.Readers.Lock(readerIP, func(st *readers.State) {
			st.CurrentTag = nil
			st.Mode = models.ModeLocal
			st.TargetDevice = nil
		})
		return ok, nil
	case "skip", "prev":
		var position, duration float64
		o.Readers.Lock(readerIP, func(st *readers.State) {
			position = st.LastReported
			if st.CurrentTag != nil {
				duration = st.CurrentTag.Duration
			}
		})
		var target float64
		if action == "skip" {
			if duration <= 0 {
				return false, nil
			}
			target = position + skipStep
			if target > duration-1 {
				target = duration - 1
			}
		} else {
			target = position - skipStep
			if target < 0 {
				target = 0
			}
		}
		ok := o.Ctrl.Seek(ctx, device, target)
		if ok {
			o.Readers.Lock(readerIP, func(st *readers.State) {
				st.LastReported = target
			})
		}
		return ok, nil
	case "volume_up", "volume_down":
		// Not every endpoint exposes volume; acknowledge without failing.
		log.Printf("[player] volume control not implemented for %s", device.Type)
		return true, nil
	}
	return false, fmt.Errorf("unknown action: %s", action)
}

// ──────────────────── Per-reader playback controls ────────────────────

// ReaderPlay resumes a paused reader, restarting from the resume position
// when the device refuses to resume.
func (o *Orchestrator) ReaderPlay(ctx context.Context, readerIP string) bool {
	view := o.Readers.Peek(readerIP)
	device := o.controlDevice(view, readerIP)

	shouldResume := view.CurrentTag != nil && view.Resume != nil &&
		view.Resume.UID == view.CurrentTag.UID && view.Resume.Paused &&
		view.Resume.Device.Equal(device)
	if !shouldResume {
		return o.Ctrl.Resume(ctx, device)
	}

	success := o.Ctrl.Resume(ctx, device)
	if !success {
		success = o.Ctrl.Play(ctx, device, view.CurrentTag.PlaybackURL,
			firstNonEmpty(view.CurrentTag.Title, view.CurrentTag.Series, "Tonie"), view.Resume.Position)
	}
	if success {
		position := view.Resume.Position
		o.Readers.Lock(readerIP, func(st *readers.State) {
			st.StartedAt = time.Now()
			st.Offset = position
			st.LastReported = position
			st.Resume = nil
		})
	}
	return success
}

// ReaderPause pauses playback and records the resume point.
func (o *Orchestrator) ReaderPause(ctx context.Context, readerIP string) bool {
	view := o.Readers.Peek(readerIP)
	device := o.controlDevice(view, readerIP)
	if view.CurrentTag != nil {
		position := o.Readers.PositionFor(ctx, readerIP, device)
		uid := view.CurrentTag.UID
		o.Readers.Lock(readerIP, func(st *readers.State) {
			st.Resume = &models.Resume{UID: uid, Position: position, Device: device, Paused: true}
			st.Offset = position
			st.StartedAt = time.Time{}
			st.LastReported = position
		})
	}
	return o.Ctrl.Pause(ctx, device)
}

// ReaderStop stops playback, saving a non-paused resume record.
func (o *Orchestrator) ReaderStop(ctx context.Context, readerIP string) {
	o.Readers.HandleStop(ctx, readerIP, true, func() models.DeviceRef {
		return o.DeviceForReader(readerIP)
	})
}

// ReaderSeek jumps playback to a position. Browser seeks happen client-side.
func (o *Orchestrator) ReaderSeek(ctx context.Context, readerIP string, position float64) bool {
	view := o.Readers.Peek(readerIP)
	device := o.controlDevice(view, readerIP)
	if device.Type == models.DeviceBrowser {
		return true
	}
	ok := o.Ctrl.Seek(ctx, device, position)
	if ok {
		o.Readers.Lock(readerIP, func(st *readers.State) {
			st.Offset = position
			st.StartedAt = time.Now()
			st.LastReported = position
		})
	}
	return ok
}

// ReaderNext / ReaderPrev advance the device queue where supported.
func (o *Orchestrator) ReaderNext(ctx context.Context, readerIP string) bool {
	view := o.Readers.Peek(readerIP)
	device := o.controlDevice(view, readerIP)
	return o.Ctrl.NextTrack(ctx, device)
}

func (o *Orchestrator) ReaderPrev(ctx context.Context, readerIP string) bool {
	view := o.Readers.Peek(readerIP)
	device := o.controlDevice(view, readerIP)
	return o.Ctrl.PrevTrack(ctx, device)
}

// ──────────────────── Web-initiated playback ────────────────────

// PlayURL plays an arbitrary audio URL on a device, tracked under a
// synthetic web reader so the Now Playing view shows it.
func (o *Orchestrator) PlayURL(ctx context.Context, audioURL, title string, ref models.DeviceRef) (bool, string) {
	if !ref.Valid() {
		active, _ := o.ActiveDevice()
		ref = active
	}
	playbackURL := o.PlaybackURL(audioURL, ref.Type)

	if ref.Type == models.DeviceBrowser {
		if !o.Store.HasMetadata(cache.Fingerprint(audioURL)) {
			o.Coord.MarkEncoding(audioURL, 1)
			o.Sup.Go("encode-url", func(bctx context.Context) {
				duration := o.Prober.Duration(bctx, audioURL)
				_, err := o.Coord.EncodeAll(bctx, encoding.Job{
					SourceURL: audioURL,
					Tracks:    PseudoTracks(duration),
					Tags:      models.AlbumTags{Episode: title},
				})
				if err != nil {
					log.Printf("[player] url encoding failed: %v", err)
				}
			})
		}
	}

	readerIP := fmt.Sprintf("web-%s-%s", ref.Type, ref.ID)
	o.TouchReader(readerIP, "Web")
	o.Readers.Lock(readerIP, func(st *readers.State) {
		st.CurrentTag = &models.TagSnapshot{
			UID:         fmt.Sprintf("url:%s", cache.Fingerprint(audioURL)),
			Title:       title,
			AudioURL:    audioURL,
			PlaybackURL: playbackURL,
			PlacedAt:    nowISO(),
			TrackCount:  1,
		}
		st.StartedAt = time.Now()
		st.Offset = 0
		st.LastReported = 0
		st.CurrentDevice = ref
	})

	if ref.Type == models.DeviceBrowser {
		return true, playbackURL
	}
	return o.Ctrl.Play(ctx, ref, playbackURL, title, 0), playbackURL
}

// Prefetch triggers background encoding without starting playback.
// Returns true when the album was already cached.
func (o *Orchestrator) Prefetch(audioURL, title string, tracks []models.TrackSpec) bool {
	if o.Store.HasMetadata(cache.Fingerprint(audioURL)) {
		return true
	}
	if len(tracks) == 0 {
		tracks = PseudoTracks(0)
	}
	o.Coord.MarkEncoding(audioURL, len(tracks))
	o.Sup.Go("prefetch", func(ctx context.Context) {
		_, err := o.Coord.EncodeAll(ctx, encoding.Job{
			SourceURL: audioURL,
			Tracks:    tracks,
			Tags:      models.AlbumTags{Episode: title},
		})
		if err != nil {
			log.Printf("[player] prefetch failed: %v", err)
		}
	})
	return false
}

// SwitchReaderDevice installs a temporary override and, when a tag is
// playing, moves the playback over to the new device.
func (o *Orchestrator) SwitchReaderDevice(ctx context.Context, readerIP string, ref models.DeviceRef) {
	o.SetTempDevice(readerIP, ref)

	view := o.Readers.Peek(readerIP)
	if view.CurrentTag == nil || view.CurrentTag.UID == "" {
		return
	}
	log.Printf("[player] switching playback to %s for %s", ref, readerIP)
	if view.CurrentDevice.Valid() {
		o.Ctrl.Stop(ctx, view.CurrentDevice)
	}

	audioURL := view.CurrentTag.AudioURL
	playbackURL := o.PlaybackURL(audioURL, ref.Type)
	title := firstNonEmpty(view.CurrentTag.Title, view.CurrentTag.Series, "Tonie")

	o.Readers.Lock(readerIP, func(st *readers.State) {
		st.CurrentDevice = ref
		if st.CurrentTag != nil {
			st.CurrentTag.PlaybackURL = playbackURL
		}
	})

	// Network targets time out waiting for a cold cache; encode first.
	if ref.Type != models.DeviceBrowser && ref.Type != models.DeviceSDPlayer {
		if !o.Store.HasMetadata(cache.Fingerprint(audioURL)) {
			duration := o.Prober.Duration(ctx, audioURL)
			_, err := o.Coord.EncodeAll(ctx, encoding.Job{
				SourceURL: audioURL,
				Tracks:    PseudoTracks(duration),
				CoverURL:  o.TC.CoverURL(view.CurrentTag.Picture),
			})
			if err != nil {
				log.Printf("[player] pre-encode for device switch failed: %v", err)
			}
		}
	}
	o.Ctrl.Play(ctx, ref, playbackURL, title, 0)
}

// ServeConcat resolves the single-file concatenation for a source URL,
// encoding it first when missing, polling while another worker encodes.
func (o *Orchestrator) ServeConcat(ctx context.Context, sourceURL string) string {
	fp := cache.Fingerprint(sourceURL)
	if path := o.Store.Concat(fp); path != "" {
		return path
	}

	// An in-flight encode finishes eventually; poll up to five minutes.
	if o.Coord.Status(fp).Status == models.EncodingRunning {
		deadline := time.Now().Add(5 * time.Minute)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(2 * time.Second):
			}
			if o.Coord.Status(fp).Status != models.EncodingRunning {
				break
			}
		}
		if path := o.Store.Concat(fp); path != "" {
			return path
		}
	}

	// Cold cache: resolve track structure from the tag index if possible.
	var tracks []models.TrackSpec
	var tags models.AlbumTags
	coverURL := ""
	for _, tag := range o.TC.TagIndex(ctx, "") {
		if tag.AudioURL != "" && strings.Contains(sourceURL, tag.AudioURL) {
			tracks, _ = teddycloud.TracksFromSeconds(tag.TrackSeconds, tag.TonieInfo.Tracks)
			tags = models.AlbumTags{Series: tag.TonieInfo.Series, Episode: tag.TonieInfo.Episode}
			coverURL = o.TC.CoverURL(tag.TonieInfo.Picture)
			break
		}
	}
	if len(tracks) == 0 {
		duration := o.Prober.Duration(ctx, sourceURL)
		tracks = PseudoTracks(duration)
	}
	_, err := o.Coord.EncodeAll(ctx, encoding.Job{
		SourceURL: sourceURL,
		Tracks:    tracks,
		Tags:      tags,
		CoverURL:  coverURL,
	})
	if err != nil {
		log.Printf("[player] concat encoding failed: %v", err)
		return ""
	}
	return o.Store.Concat(fp)
}
