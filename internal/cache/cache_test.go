package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kruppes/TeddyPlayer/internal/models"
)

func newTestStore(t *testing.T, maxMB int) *Store {
	t.Helper()
	return New(t.TempDir(), func() int { return maxMB }, "ffmpeg")
}

func writeTrack(t *testing.T, s *Store, fp string, index int, size int) {
	t.Helper()
	path := s.TrackPath(fp, index)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("http://tc/content/abc?ogg=true")
	b := Fingerprint("http://tc/content/abc?ogg=true")
	c := Fingerprint("http://tc/content/other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestTrackPathNaming(t *testing.T) {
	s := newTestStore(t, 500)
	assert.Equal(t, "01.mp3", filepath.Base(s.TrackPath("deadbeef", 0)))
	assert.Equal(t, "12.mp3", filepath.Base(s.TrackPath("deadbeef", 11)))
	assert.Equal(t, "metadata.json", filepath.Base(s.MetadataPath("deadbeef")))
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t, 500)
	fp := Fingerprint("http://tc/content/x")
	assert.False(t, s.HasMetadata(fp))
	assert.Nil(t, s.ReadMetadata(fp))

	writeTrack(t, s, fp, 0, 128)
	meta := &models.AlbumMetadata{
		Title:         "Series - Episode",
		Artist:        "Series",
		Album:         "Series - Episode",
		TotalDuration: 61.5,
		SourceURL:     "http://tc/content/x",
		Tracks: []models.Track{
			{Index: 0, Name: "Intro", StartSeconds: 0, DurationSeconds: 61.5, Filename: "01.mp3"},
		},
	}
	require.NoError(t, s.WriteMetadata(fp, meta))
	assert.True(t, s.HasMetadata(fp))

	got := s.ReadMetadata(fp)
	require.NotNil(t, got)
	assert.Equal(t, meta.Title, got.Title)
	require.Len(t, got.Tracks, 1)
	assert.Equal(t, 0, got.Tracks[0].Index)
	assert.Equal(t, "01.mp3", got.Tracks[0].Filename)
}

func TestMetadataImpliesTracksExist(t *testing.T) {
	s := newTestStore(t, 500)
	fp := "feedface00000000"
	for i := 0; i < 3; i++ {
		writeTrack(t, s, fp, i, 64)
	}
	tracks := make([]models.Track, 3)
	for i := range tracks {
		tracks[i] = models.Track{Index: i, Name: "T", DurationSeconds: 1, Filename: models.TrackFilename(i)}
	}
	require.NoError(t, s.WriteMetadata(fp, &models.AlbumMetadata{Tracks: tracks}))

	meta := s.ReadMetadata(fp)
	require.NotNil(t, meta)
	for _, track := range meta.Tracks {
		assert.True(t, s.HasTrack(fp, track.Index), "track %d must exist and be non-empty", track.Index)
		assert.Equal(t, track.Index, meta.Tracks[track.Index].Index)
	}
}

func TestListTracksOrdered(t *testing.T) {
	s := newTestStore(t, 500)
	fp := "0123456789abcdef"
	writeTrack(t, s, fp, 2, 10)
	writeTrack(t, s, fp, 0, 10)
	writeTrack(t, s, fp, 1, 10)
	// full.mp3 and sidecars are not tracks.
	require.NoError(t, os.WriteFile(s.ConcatPath(fp), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(fp), "cover.jpg"), []byte("x"), 0o644))

	tracks := s.ListTracks(fp)
	require.Len(t, tracks, 3)
	for i, track := range tracks {
		assert.Equal(t, i, track.Index)
	}
}

func TestEnsureSpaceEvictsOldestFirst(t *testing.T) {
	s := newTestStore(t, 1) // 1 MB cap
	old := "aaaaaaaaaaaaaaaa"
	fresh := "bbbbbbbbbbbbbbbb"
	writeTrack(t, s, old, 0, 600*1024)
	writeTrack(t, s, fresh, 0, 600*1024)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(s.TrackPath(old, 0), past, past))

	s.EnsureSpace(256 * 1024)

	_, err := os.Stat(s.Dir(old))
	assert.True(t, os.IsNotExist(err), "oldest directory should be evicted")
	assert.True(t, s.HasTrack(fresh, 0), "newest directory should survive")
}

func TestEnsureSpaceSkipsPinned(t *testing.T) {
	s := newTestStore(t, 1)
	pinned := "cccccccccccccccc"
	other := "dddddddddddddddd"
	writeTrack(t, s, pinned, 0, 700*1024)
	writeTrack(t, s, other, 0, 700*1024)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(s.TrackPath(pinned, 0), past, past))

	s.Pin(pinned)
	defer s.Unpin(pinned)
	s.EnsureSpace(100 * 1024)

	assert.True(t, s.HasTrack(pinned, 0), "pinned directory must not be evicted")
	_, err := os.Stat(s.Dir(other))
	assert.True(t, os.IsNotExist(err))
}

func TestStats(t *testing.T) {
	s := newTestStore(t, 500)
	writeTrack(t, s, "1111111111111111", 0, 1024)
	writeTrack(t, s, "1111111111111111", 1, 1024)
	writeTrack(t, s, "2222222222222222", 0, 2048)

	stats := s.Stats()
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 2, stats.Folders)
	assert.Equal(t, 500, stats.MaxMB)
	assert.InDelta(t, 4.0/1024, stats.SizeMB, 0.001)
}

func TestClear(t *testing.T) {
	s := newTestStore(t, 500)
	writeTrack(t, s, "3333333333333333", 0, 16)
	writeTrack(t, s, "4444444444444444", 0, 16)
	assert.Equal(t, 2, s.Clear())
	assert.Equal(t, 0, s.Stats().Folders)
}

func TestConcatRequiresFullCache(t *testing.T) {
	s := newTestStore(t, 500)
	fp := "5555555555555555"
	// No metadata at all.
	assert.Empty(t, s.Concat(fp))

	// Metadata referencing a missing track.
	writeTrack(t, s, fp, 0, 16)
	require.NoError(t, s.WriteMetadata(fp, &models.AlbumMetadata{Tracks: []models.Track{
		{Index: 0, Filename: "01.mp3", DurationSeconds: 1},
		{Index: 1, Filename: "02.mp3", DurationSeconds: 1},
	}}))
	assert.Empty(t, s.Concat(fp))
}
