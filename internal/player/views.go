package player

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/liveness"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/readers"
)

// StreamView is one active reader stream for the UI.
type StreamView struct {
	ReaderIP   string                `json:"reader_ip"`
	ReaderName string                `json:"reader_name"`
	Tag        *models.TagSnapshot   `json:"tag"`
	Audio      StreamAudio           `json:"audio"`
	Device     StreamDevice          `json:"device"`
	Encoding   models.EncodingStatus `json:"encoding"`
	Transport  *models.Transport     `json:"transport,omitempty"`
}

type StreamAudio struct {
	SourceURL     string             `json:"source_url"`
	PlaybackURL   string             `json:"playback_url"`
	TrackURLs     []string           `json:"track_urls"`
	IsMultiTrack  bool               `json:"is_multi_track"`
	TrackCount    int                `json:"track_count"`
	TrackMetadata []TrackMetaView    `json:"track_metadata"`
}

type TrackMetaView struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
}

type StreamDevice struct {
	Type models.DeviceType `json:"type"`
	ID   string            `json:"id"`
	Name string            `json:"name,omitempty"`
}

// StreamsResult is the full /streams payload.
type StreamsResult struct {
	Count          int                   `json:"count"`
	Streams        []StreamView          `json:"streams"`
	Cache          cache.Stats           `json:"cache"`
	Uploads        []models.UploadStatus `json:"uploads"`
	PendingUploads []PendingView         `json:"pending_uploads"`
}

type PendingView struct {
	DeviceIP    string             `json:"espuino_ip"`
	UID         string             `json:"uid"`
	Series      string             `json:"series"`
	Episode     string             `json:"episode"`
	FolderPath  string             `json:"folder_path"`
	QueuedAt    string             `json:"queued_at"`
	Status      models.UploadState `json:"status"`
	TracksTotal int                `json:"tracks_total"`
}

// Streams builds the active-stream listing. As a side effect it reaps stale
// SD-player streams whose reader has been silent past the cutoff; virtual
// readers are exempt.
func (o *Orchestrator) Streams(ctx context.Context) StreamsResult {
	result := StreamsResult{
		Streams: []StreamView{},
		Cache:   o.Store.Stats(),
	}

	for _, ip := range o.Readers.IPs() {
		view := o.Readers.Peek(ip)
		if view.CurrentTag == nil {
			continue
		}
		device := view.CurrentDevice
		if !device.Valid() {
			device = o.DeviceForReader(ip)
		}

		// Stale-stream reaper.
		if device.Type == models.DeviceSDPlayer && !readers.IsVirtual(ip) {
			if lastSeen, ok := o.LastSeen(ip); ok {
				if silent := time.Since(lastSeen); silent > liveness.StaleAfter {
					log.Printf("[player] reaping stale sd-player stream %s (silent for %.0fs)", ip, silent.Seconds())
					o.Readers.Lock(ip, func(st *readers.State) {
						st.CurrentTag = nil
					})
					continue
				}
			}
		}

		audioURL := view.CurrentTag.AudioURL
		fp := cache.Fingerprint(audioURL)
		encodingInfo := o.Coord.Status(fp)

		var transport *models.Transport
		if device.Type != models.DeviceBrowser && device.Valid() {
			transport, _ = o.Ctrl.Transport(ctx, device)
		}

		isBrowser := device.Type == models.DeviceBrowser
		trackURLs := o.TrackURLs(audioURL, !isBrowser)

		trackMeta := []TrackMetaView{}
		if meta := o.Store.ReadMetadata(fp); meta != nil {
			for _, t := range meta.Tracks {
				trackMeta = append(trackMeta, TrackMetaView{Index: t.Index, Name: t.Name, Duration: t.DurationSeconds})
			}
		} else {
			// Before the cache completes, the tag snapshot's list stands in.
			for i, t := range view.CurrentTag.Tracks {
				trackMeta = append(trackMeta, TrackMetaView{Index: i, Name: t.Name, Duration: t.Duration})
			}
		}

		trackCount := view.CurrentTag.TrackCount
		if trackCount == 0 {
			trackCount = len(trackURLs)
		}

		name := ""
		if isBrowser {
			name = "Browser"
		} else if device.Valid() {
			name = o.DeviceCache.Name(device)
		}

		live := o.Connected()[ip]
		readerName := live.Name
		if readerName == "" {
			readerName = ip
		}

		result.Streams = append(result.Streams, StreamView{
			ReaderIP:   ip,
			ReaderName: readerName,
			Tag:        view.CurrentTag,
			Audio: StreamAudio{
				SourceURL:     audioURL,
				PlaybackURL:   view.CurrentTag.PlaybackURL,
				TrackURLs:     trackURLs,
				IsMultiTrack:  trackCount > 1,
				TrackCount:    trackCount,
				TrackMetadata: trackMeta,
			},
			Device:    StreamDevice{Type: device.Type, ID: device.ID, Name: name},
			Encoding:  encodingInfo,
			Transport: transport,
		})
	}
	result.Count = len(result.Streams)

	result.Uploads = o.Mirror.Statuses("")
	for ip, intent := range o.Mirror.PendingAll() {
		result.PendingUploads = append(result.PendingUploads, PendingView{
			DeviceIP:    ip,
			UID:         intent.UID,
			Series:      intent.Series,
			Episode:     intent.Episode,
			FolderPath:  intent.FolderPath,
			QueuedAt:    intent.QueuedAt,
			Status:      intent.Status,
			TracksTotal: len(intent.Tracks),
		})
	}
	return result
}

// ReaderView is one entry of the reader listing.
type ReaderView struct {
	IP             string              `json:"ip"`
	Name           string              `json:"name"`
	FirstSeen      string              `json:"first_seen,omitempty"`
	LastSeen       string              `json:"last_seen,omitempty"`
	ScanCount      int                 `json:"scan_count"`
	Online         bool                `json:"online"`
	CurrentTag     *models.TagSnapshot `json:"current_tag"`
	Device         models.DeviceRef    `json:"device"`
	DefaultDevice  models.DeviceRef    `json:"default_device"`
	DeviceOverride bool                `json:"device_override"`
	DeviceTemp     bool                `json:"device_temp"`
}

// ListReaders merges live and cached readers, online first.
func (o *Orchestrator) ListReaders() []ReaderView {
	live := o.Connected()
	cached := o.ReaderCache.All()

	ips := make(map[string]bool)
	for ip := range live {
		ips[ip] = true
	}
	for ip := range cached {
		ips[ip] = true
	}

	var out []ReaderView
	for ip := range ips {
		view := ReaderView{IP: ip}
		if entry, ok := live[ip]; ok {
			view.Name = entry.Name
			view.FirstSeen = entry.FirstSeen
			view.LastSeen = entry.LastSeen
			view.ScanCount = entry.ScanCount
			view.Online = true
		} else if info, ok := cached[ip]; ok {
			view.Name = info.Name
			view.FirstSeen = info.FirstSeen
			view.LastSeen = info.LastSeen
			view.ScanCount = info.ScanCount
		}

		state := o.Readers.Peek(ip)
		view.CurrentTag = state.CurrentTag
		view.DefaultDevice = o.DeviceForReader(ip)
		if state.CurrentTag != nil && state.CurrentDevice.Valid() {
			view.Device = state.CurrentDevice
		} else {
			view.Device = view.DefaultDevice
		}
		_, view.DeviceOverride = o.Cfg.ReaderDevice(ip)
		view.DeviceTemp = o.HasTempDevice(ip)
		out = append(out, view)
	}

	// Online first, then most recently seen.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		return out[i].LastSeen > out[j].LastSeen
	})
	return out
}

// CurrentTags returns the per-reader tag snapshot map.
func (o *Orchestrator) CurrentTags() map[string]*models.TagSnapshot {
	out := make(map[string]*models.TagSnapshot)
	for _, ip := range o.Readers.IPs() {
		out[ip] = o.Readers.Peek(ip).CurrentTag
	}
	return out
}
