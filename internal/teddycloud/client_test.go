package teddycloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUIDMatches(t *testing.T) {
	full := "E0:04:03:50:13:16:80:4B"
	assert.True(t, UIDMatches(full, full))
	// Readers transmit only the 4-byte suffix.
	assert.True(t, UIDMatches(full, "1316804B"))
	assert.True(t, UIDMatches(full, "13:16:80:4b"))
	assert.False(t, UIDMatches(full, "DEADBEEF"))
	assert.False(t, UIDMatches("", "1316804B"))
	assert.False(t, UIDMatches(full, ""))
}

func TestLibraryContentURL(t *testing.T) {
	c := NewClient("http://tc:80/web", "/api", 0)
	got := c.LibraryContentURL("by/audioID/my file.taf")
	assert.Equal(t, "http://tc:80/content/by/audioID/my%20file.taf?ogg=true&special=library", got)
}

func TestAudioURL(t *testing.T) {
	c := NewClient("http://tc:80", "/api", 0)
	assert.Equal(t, "http://tc:80/content/E0040350131680AB", c.AudioURL("E0:04:03:50:13:16:80:AB"))
	assert.Equal(t,
		"http://tc:80/content/folder/file.taf?ogg=true&special=library",
		c.AudioURL("lib:folder/file.taf"))
}

func TestTracksFromSeconds(t *testing.T) {
	tracks, total := TracksFromSeconds([]float64{0, 30, 90, 180}, []string{"Intro", "Middle"})
	require.Len(t, tracks, 3)
	assert.Equal(t, 180.0, total)
	assert.Equal(t, "Intro", tracks[0].Name)
	assert.Equal(t, 0.0, tracks[0].Start)
	assert.Equal(t, 30.0, tracks[0].Duration)
	assert.Equal(t, "Middle", tracks[1].Name)
	assert.Equal(t, 60.0, tracks[1].Duration)
	// Missing names fall back to numbering.
	assert.Equal(t, "Track 3", tracks[2].Name)
	assert.Equal(t, 90.0, tracks[2].Duration)

	tracks, total = TracksFromSeconds(nil, nil)
	assert.Empty(t, tracks)
	assert.Zero(t, total)

	tracks, _ = TracksFromSeconds([]float64{42}, nil)
	assert.Empty(t, tracks, "a single boundary yields no tracks")
}

func TestFindTonieByUIDSuffixMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/getTagIndex":
			json.NewEncoder(w).Encode(map[string]any{
				"tags": []map[string]any{{
					"uid":          "E0:04:03:50:13:16:80:4B",
					"source":       "lib://by/audioID/dumbo.taf",
					"valid":        true,
					"exists":       true,
					"audioUrl":     "/content/E0040350131680 4B",
					"trackSeconds": []float64{0, 30, 90},
					"tonieInfo": map[string]any{
						"series":  "Disney",
						"episode": "Dumbo",
						"tracks":  []string{"Part 1", "Part 2"},
					},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "/api", 0)
	tonie := c.FindTonieByUID(context.Background(), "13:16:80:4B")
	require.NotNil(t, tonie)
	assert.Equal(t, "Disney", tonie.Series)
	assert.Equal(t, "Dumbo", tonie.Episode)
	require.Len(t, tonie.Tracks, 2)
	assert.Equal(t, "Part 1", tonie.Tracks[0].Name)
	assert.Equal(t, 90.0, tonie.Duration)

	// lib:// sources rewrite to a converting content URL.
	audioURL := c.ResolveAudioURL(tonie, tonie.UID)
	assert.Contains(t, audioURL, "/content/by/audioID/dumbo.taf")
	assert.Contains(t, audioURL, "ogg=true&special=library")

	assert.Nil(t, c.FindTonieByUID(context.Background(), "00:00:00:00"))
}

func TestCoverURL(t *testing.T) {
	c := NewClient("http://tc:80/web", "/api", 0)
	assert.Equal(t, "", c.CoverURL(""))
	assert.Equal(t, "https://cdn/pic.jpg", c.CoverURL("https://cdn/pic.jpg"))
	assert.Equal(t, "http://tc:80/cache/pic.jpg", c.CoverURL("/cache/pic.jpg"))
	assert.Equal(t, "http://tc:80/cache/pic.jpg", c.CoverURL("cache/pic.jpg"))
}
