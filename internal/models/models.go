package models

import (
	"fmt"
	"time"
)

// ──────────────────── Enums ────────────────────

type DeviceType string

const (
	DeviceSDPlayer  DeviceType = "sd-player"
	DeviceMultiroom DeviceType = "multiroom"
	DeviceCast      DeviceType = "cast"
	DeviceAirPlay   DeviceType = "airplay"
	DeviceBrowser   DeviceType = "browser"
)

// AllDeviceTypes lists every endpoint kind in cache/discovery order.
var AllDeviceTypes = []DeviceType{
	DeviceSDPlayer, DeviceMultiroom, DeviceCast, DeviceAirPlay, DeviceBrowser,
}

type PlayMode string

const (
	ModeLocal  PlayMode = "local"
	ModeStream PlayMode = "stream"
)

type EncodingState string

const (
	EncodingUnknown EncodingState = "unknown"
	EncodingPartial EncodingState = "partial"
	EncodingRunning EncodingState = "encoding"
	EncodingReady   EncodingState = "ready"
	EncodingCached  EncodingState = "cached"
	EncodingError   EncodingState = "error"
)

type UploadState string

const (
	UploadPending  UploadState = "pending"
	UploadRunning  UploadState = "uploading"
	UploadRetrying UploadState = "retrying"
	UploadComplete UploadState = "complete"
	UploadError    UploadState = "error"
)

type TransportState string

const (
	TransportPlaying       TransportState = "playing"
	TransportPaused        TransportState = "paused"
	TransportStopped       TransportState = "stopped"
	TransportTransitioning TransportState = "transitioning"
	TransportUnknown       TransportState = "unknown"
)

// ──────────────────── Devices ────────────────────

// DeviceRef identifies a playback endpoint. The meaning of ID depends on the
// type: network address for sd-player and multiroom, opaque identifier for
// cast and airplay, anything for browser.
type DeviceRef struct {
	Type DeviceType `json:"type"`
	ID   string     `json:"id"`
}

func (d DeviceRef) Valid() bool {
	return d.Type != "" && d.ID != ""
}

func (d DeviceRef) Equal(other DeviceRef) bool {
	return d.Type == other.Type && d.ID == other.ID
}

func (d DeviceRef) String() string {
	return fmt.Sprintf("%s:%s", d.Type, d.ID)
}

// Device is a cached device descriptor with liveness metadata.
type Device struct {
	Name      string `json:"name"`
	ID        string `json:"id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UID       string `json:"uid,omitempty"`
	Model     string `json:"model,omitempty"`
	Port      int    `json:"port,omitempty"`
	Manual    bool   `json:"manual,omitempty"`
	Online    bool   `json:"online"`
	FirstSeen string `json:"first_seen,omitempty"`
	LastSeen  string `json:"last_seen,omitempty"`
}

// Key returns the identity used for cache deduplication.
func (d Device) Key(dtype DeviceType) string {
	switch dtype {
	case DeviceMultiroom:
		if d.IP != "" {
			return d.IP
		}
		return d.UID
	case DeviceSDPlayer:
		if d.IP != "" {
			return d.IP
		}
		return d.ID
	default:
		if d.ID != "" {
			return d.ID
		}
		return d.IP
	}
}

// Transport is a snapshot of a device's playback transport.
type Transport struct {
	State    TransportState `json:"state"`
	Position float64        `json:"position"`
	Duration float64        `json:"duration"`
	Title    string         `json:"title,omitempty"`
	URI      string         `json:"uri,omitempty"`
}

// ──────────────────── Album / tracks ────────────────────

// Track is one contiguous segment of an album. Indices are zero-based and
// contiguous; the filename is the 1-based index zero-padded to two digits.
type Track struct {
	Index           int     `json:"index"`
	Name            string  `json:"name"`
	StartSeconds    float64 `json:"start_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	Filename        string  `json:"filename"`
}

// TrackFilename derives the on-disk name for a zero-based track index.
func TrackFilename(index int) string {
	return fmt.Sprintf("%02d.mp3", index+1)
}

// TrackSpec is the pre-encoding description of a track as resolved from the
// content port (or synthesized as a single pseudo-track).
type TrackSpec struct {
	Name     string  `json:"name"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// AlbumMetadata is written to metadata.json once every track of an album has
// been encoded; its presence is the sole "fully cached" signal.
type AlbumMetadata struct {
	Title         string  `json:"title"`
	Artist        string  `json:"artist"`
	Album         string  `json:"album"`
	Year          string  `json:"year"`
	TotalDuration float64 `json:"total_duration"`
	SourceURL     string  `json:"source_url"`
	Tracks        []Track `json:"tracks"`
}

// AlbumTags carries the ID3 fields applied to every encoded track.
type AlbumTags struct {
	Series  string
	Episode string
	Year    string
}

// Album returns the album/title string derived from series and episode.
func (t AlbumTags) Album() string {
	switch {
	case t.Series != "" && t.Episode != "":
		return t.Series + " - " + t.Episode
	case t.Episode != "":
		return t.Episode
	case t.Series != "":
		return t.Series
	default:
		return "Unknown"
	}
}

// Artist returns the artist string for ID3 tagging.
func (t AlbumTags) Artist() string {
	if t.Series != "" {
		return t.Series
	}
	return "Tonie"
}

// ──────────────────── Encoding status ────────────────────

// EncodingStatus is the in-memory per-fingerprint record published by the
// encoding coordinator.
type EncodingStatus struct {
	Status          EncodingState `json:"status"`
	Cached          bool          `json:"cached"`
	Progress        int           `json:"progress"`
	CurrentTrack    int           `json:"current_track,omitempty"`
	TotalTracks     int           `json:"total_tracks,omitempty"`
	TracksCompleted int           `json:"tracks_completed,omitempty"`
	StartedAt       time.Time     `json:"-"`
	ElapsedSeconds  float64       `json:"elapsed_seconds,omitempty"`
	FileSizeMB      float64       `json:"file_size_mb,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// ──────────────────── Readers ────────────────────

// ReaderInfo describes a reader (physical ESP32 or virtual web pseudo-reader).
type ReaderInfo struct {
	Name      string `json:"name"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
	ScanCount int    `json:"scan_count"`
	Online    bool   `json:"online"`
}

// TagSnapshot is the authoritative view of the tag currently on a reader. It
// carries the track list used before the album metadata file exists.
type TagSnapshot struct {
	UID           string      `json:"uid"`
	Series        string      `json:"series,omitempty"`
	Episode       string      `json:"episode,omitempty"`
	Title         string      `json:"title,omitempty"`
	Picture       string      `json:"picture,omitempty"`
	AudioURL      string      `json:"audio_url"`
	PlaybackURL   string      `json:"playback_url"`
	PlacedAt      string      `json:"placed_at"`
	StartPosition float64     `json:"start_position"`
	Duration      float64     `json:"duration,omitempty"`
	Tracks        []TrackSpec `json:"tracks"`
	TrackCount    int         `json:"track_count"`
}

// Resume remembers where playback stood when a tag left the reader.
type Resume struct {
	UID      string    `json:"uid"`
	Position float64   `json:"position"`
	Device   DeviceRef `json:"device"`
	Paused   bool      `json:"paused"`
}

// ──────────────────── Upload intents ────────────────────

// IntentTrack maps one cached track file onto its SD destination.
type IntentTrack struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	SourcePath string `json:"source_path"`
	DestPath   string `json:"dest_path"`
}

// UploadIntent is the persisted description of an SD mirror that must
// eventually complete. It survives process restarts in upload_queue.json.
type UploadIntent struct {
	ID         string        `json:"id"`
	UID        string        `json:"uid"`
	Series     string        `json:"series"`
	Episode    string        `json:"episode"`
	FolderPath string        `json:"folder_path"`
	AudioURL   string        `json:"audio_url"`
	Tracks     []IntentTrack `json:"tracks"`
	QueuedAt   string        `json:"queued_at"`
	Status     UploadState   `json:"status"`
}

// UploadStatus is the live progress record for one file transfer.
type UploadStatus struct {
	Status        UploadState `json:"status"`
	Progress      float64     `json:"progress"`
	BytesUploaded int64       `json:"bytes_uploaded"`
	TotalBytes    int64       `json:"total_bytes"`
	TransferRate  float64     `json:"transfer_rate"`
	ETASeconds    float64     `json:"eta_seconds"`
	StartedAt     time.Time   `json:"-"`
	Elapsed       float64     `json:"elapsed_seconds"`
	Filename      string      `json:"filename"`
	Title         string      `json:"title,omitempty"`
	SourcePath    string      `json:"source_path,omitempty"`
	DestPath      string      `json:"dest_path"`
	DeviceIP      string      `json:"device_ip"`
	TrackIndex    int         `json:"current_track"`
	TotalTracks   int         `json:"total_tracks"`
	Aux           bool        `json:"is_aux,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// VerifyResult classifies the on-device state of a mirrored album.
type VerifyResult struct {
	Complete       bool         `json:"complete"`
	TotalTracks    int          `json:"total_tracks"`
	VerifiedTracks int          `json:"verified_tracks"`
	MissingTracks  []int        `json:"missing_tracks"`
	SizeMismatch   []int        `json:"size_mismatch"`
	Metadata       *MirrorIndex `json:"metadata,omitempty"`
	Folder         string       `json:"folder,omitempty"`
}

// MirrorIndex is the metadata.json written next to the mirrored tracks on the
// device, and the shape recovered from the sibling UID map.
type MirrorIndex struct {
	UID         string            `json:"uid"`
	Series      string            `json:"series,omitempty"`
	Episode     string            `json:"episode,omitempty"`
	Title       string            `json:"title,omitempty"`
	AudioURL    string            `json:"audio_url,omitempty"`
	Tracks      []MirrorIndexFile `json:"tracks"`
	TotalTracks int               `json:"total_tracks,omitempty"`
	UploadedAt  string            `json:"uploaded_at,omitempty"`
}

// MirrorIndexFile is one entry of a mirror index.
type MirrorIndexFile struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	File     string  `json:"file"`
	Duration float64 `json:"duration,omitempty"`
	Size     int64   `json:"size"`
}

// UIDMap binds a tag's 4-byte suffix to its album folder on the device.
type UIDMap struct {
	UID     string       `json:"uid"`
	Folder  string       `json:"folder"`
	Title   string       `json:"title,omitempty"`
	Series  string       `json:"series,omitempty"`
	Episode string       `json:"episode,omitempty"`
	Files   []UIDMapFile `json:"files"`
}

// UIDMapFile is one file entry of a UID map.
type UIDMapFile struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
}

// ──────────────────── Scans ────────────────────

// ScanRecord is one entry of the bounded recent-scan log.
type ScanRecord struct {
	ID       string `json:"id"`
	Time     string `json:"time"`
	UID      string `json:"uid"`
	ReaderIP string `json:"reader_ip"`
	Found    bool   `json:"found"`
	Title    string `json:"title"`
}
