// Package transcode wraps the external audio tool. One operation: cut a
// window out of a source URL and re-encode it as a CBR MP3 with ID3v2.3 tags
// and an optional attached cover. Output is written to a temp file and
// renamed on success; nothing outside the target path is mutated.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

const trackTimeout = 2 * time.Minute

var (
	ErrEncodeFailed  = errors.New("encode failed")
	ErrTimeout       = errors.New("encode timed out")
	ErrProbeMissing  = errors.New("ffprobe missing")
	ErrFFmpegMissing = errors.New("ffmpeg missing")
)

// Request describes one track encode.
type Request struct {
	SourceURL   string
	OutPath     string
	Start       float64
	Duration    float64
	TrackIndex  int
	TrackName   string
	Album       string
	Artist      string
	Year        string
	TotalTracks int
	CoverPath   string
}

// Encoder is the seam the coordinator depends on; tests substitute a fake.
type Encoder interface {
	EncodeTrack(ctx context.Context, req Request) error
}

// FFmpeg shells out to the ffmpeg binary.
type FFmpeg struct {
	Path string
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

// Available reports whether the binary runs at all.
func (f *FFmpeg) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, f.Path, "-version").Run() == nil
}

// Args builds the command line. Input options (seek, duration) must precede
// the input URL; any reorder produces silent failures.
func (f *FFmpeg) Args(req Request, outPath string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-threads", "0",
		"-y",
		"-ss", fmt.Sprintf("%g", req.Start),
		"-t", fmt.Sprintf("%g", req.Duration),
		"-i", req.SourceURL,
	}
	hasCover := req.CoverPath != ""
	if hasCover {
		args = append(args, "-i", req.CoverPath)
	}
	args = append(args,
		"-c:a", "libmp3lame",
		"-b:a", "192k",
		"-ar", "44100",
		"-ac", "2",
		"-id3v2_version", "3",
		"-metadata", "title="+req.TrackName,
		"-metadata", "artist="+req.Artist,
		"-metadata", "album="+req.Album,
		"-metadata", fmt.Sprintf("track=%d/%d", req.TrackIndex+1, req.TotalTracks),
	)
	if req.Year != "" {
		args = append(args, "-metadata", "date="+req.Year)
	}
	if hasCover {
		args = append(args,
			"-map", "0:a",
			"-map", "1:v",
			"-c:v", "mjpeg",
			"-disposition:v", "attached_pic",
			"-metadata:s:v", "title=Album cover",
			"-metadata:s:v", "comment=Cover (front)",
		)
	}
	return append(args, outPath)
}

// EncodeTrack runs ffmpeg for one track with a bounded timeout.
func (f *FFmpeg) EncodeTrack(ctx context.Context, req Request) error {
	tmp, err := os.CreateTemp(filepath.Dir(req.OutPath), ".enc-*.mp3")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	ctx, cancel := context.WithTimeout(ctx, trackTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Path, f.Args(req, tmpPath)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	log.Printf("[transcode] encoding track %d/%d: %s (%.1fs)",
		req.TrackIndex+1, req.TotalTracks, req.TrackName, req.Duration)

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		os.Remove(tmpPath)
		log.Printf("[transcode] track %d timed out", req.TrackIndex+1)
		return ErrTimeout
	}
	if err != nil {
		os.Remove(tmpPath)
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		log.Printf("[transcode] track %d failed: %s", req.TrackIndex+1, msg)
		if errors.Is(err, exec.ErrNotFound) {
			return ErrFFmpegMissing
		}
		return fmt.Errorf("%w: %s", ErrEncodeFailed, msg)
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: empty output", ErrEncodeFailed)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.Rename(tmpPath, req.OutPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	log.Printf("[transcode] track %d complete: %d KB", req.TrackIndex+1, info.Size()/1024)
	return nil
}

// ──────────────────── Probing ────────────────────

// Prober answers duration and cover questions about sources and outputs.
type Prober struct{}

func NewProber(ffprobePath string) *Prober {
	if ffprobePath != "" {
		ffprobe.SetFFProbeBinPath(ffprobePath)
	}
	return &Prober{}
}

// Duration probes a source URL's duration in seconds. Returns 0 on failure.
func (p *Prober) Duration(ctx context.Context, sourceURL string) float64 {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	data, err := ffprobe.ProbeURL(ctx, sourceURL)
	if err != nil {
		log.Printf("[transcode] probe %.60s: %v", sourceURL, err)
		return 0
	}
	if data.Format == nil {
		return 0
	}
	return data.Format.DurationSeconds
}

// HasEmbeddedCover reports whether an MP3 carries an attached picture stream.
func (p *Prober) HasEmbeddedCover(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	data, err := ffprobe.ProbeURL(ctx, path)
	if err != nil {
		return false
	}
	for _, stream := range data.Streams {
		if stream.Disposition.AttachedPic == 1 {
			return true
		}
	}
	return false
}
