package transcode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRequest() Request {
	return Request{
		SourceURL:   "http://tc/content/abc?ogg=true",
		OutPath:     "/tmp/out/01.mp3",
		Start:       30,
		Duration:    61.5,
		TrackIndex:  0,
		TrackName:   "Intro",
		Album:       "Series - Episode",
		Artist:      "Series",
		TotalTracks: 4,
	}
}

func TestArgsInputOptionsPrecedeInput(t *testing.T) {
	f := NewFFmpeg("ffmpeg")
	args := f.Args(baseRequest(), "/tmp/x.mp3")

	ss := indexOf(args, "-ss")
	tFlag := indexOf(args, "-t")
	input := indexOf(args, "-i")
	require.GreaterOrEqual(t, ss, 0)
	require.GreaterOrEqual(t, tFlag, 0)
	require.GreaterOrEqual(t, input, 0)
	// Seek and duration are input options; after -i they silently misbehave.
	assert.Less(t, ss, input)
	assert.Less(t, tFlag, input)
	assert.Equal(t, "30", args[ss+1])
	assert.Equal(t, "61.5", args[tFlag+1])
	assert.Equal(t, "http://tc/content/abc?ogg=true", args[input+1])
}

func TestArgsCodecAndTags(t *testing.T) {
	f := NewFFmpeg("ffmpeg")
	req := baseRequest()
	req.Year = "2019"
	args := f.Args(req, "/tmp/x.mp3")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-c:a libmp3lame")
	assert.Contains(t, joined, "-b:a 192k")
	assert.Contains(t, joined, "-ar 44100")
	assert.Contains(t, joined, "-ac 2")
	assert.Contains(t, joined, "-id3v2_version 3")
	assert.Contains(t, joined, "title=Intro")
	assert.Contains(t, joined, "artist=Series")
	assert.Contains(t, joined, "track=1/4")
	assert.Contains(t, joined, "date=2019")
	assert.Equal(t, "/tmp/x.mp3", args[len(args)-1])
}

func TestArgsCoverMapping(t *testing.T) {
	f := NewFFmpeg("ffmpeg")
	req := baseRequest()
	req.CoverPath = "/cache/fp/cover.jpg"
	args := f.Args(req, "/tmp/x.mp3")
	joined := strings.Join(args, " ")

	// Cover is a second input mapped with the attached_pic disposition.
	assert.Equal(t, 2, count(args, "-i"))
	assert.Contains(t, joined, "-map 0:a")
	assert.Contains(t, joined, "-map 1:v")
	assert.Contains(t, joined, "-disposition:v attached_pic")
	assert.Contains(t, joined, "-c:v mjpeg")
}

func TestArgsNoCoverNoMapping(t *testing.T) {
	f := NewFFmpeg("ffmpeg")
	args := f.Args(baseRequest(), "/tmp/x.mp3")
	assert.Equal(t, 1, count(args, "-i"))
	assert.NotContains(t, args, "-disposition:v")
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func count(list []string, v string) int {
	n := 0
	for _, s := range list {
		if s == v {
			n++
		}
	}
	return n
}

// ──────────────────── Cover fetch ────────────────────

func TestFetchCoverHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := FetchCover(context.Background(), srv.URL, dir)
	require.NotEmpty(t, path)
	assert.Equal(t, "cover.jpg", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestFetchCoverPNGName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png"))
	}))
	defer srv.Close()

	path := FetchCover(context.Background(), srv.URL, t.TempDir())
	assert.Equal(t, "cover.png", filepath.Base(path))
}

func TestFetchCoverRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	assert.Empty(t, FetchCover(context.Background(), srv.URL, t.TempDir()))
}

func TestFetchCoverRejectsOversized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(make([]byte, coverMaxBytes+1))
	}))
	defer srv.Close()

	assert.Empty(t, FetchCover(context.Background(), srv.URL, t.TempDir()))
}

func TestFetchCoverReusesExistingSidecar(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "cover.png")
	require.NoError(t, os.WriteFile(existing, []byte("cached"), 0o644))

	// The URL is never hit; a dead server proves it.
	path := FetchCover(context.Background(), "http://127.0.0.1:0/cover", dir)
	assert.Equal(t, existing, path)
}

func TestFetchCoverEmptyURL(t *testing.T) {
	assert.Empty(t, FetchCover(context.Background(), "", t.TempDir()))
}
