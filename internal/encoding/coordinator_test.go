package encoding

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kruppes/TeddyPlayer/internal/cache"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/transcode"
)

// fakeEncoder writes a small file per request and counts invocations per
// track index.
type fakeEncoder struct {
	mu    sync.Mutex
	calls map[int]int
	fail  map[int]bool
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{calls: make(map[int]int), fail: make(map[int]bool)}
}

func (f *fakeEncoder) EncodeTrack(ctx context.Context, req transcode.Request) error {
	f.mu.Lock()
	f.calls[req.TrackIndex]++
	shouldFail := f.fail[req.TrackIndex]
	f.mu.Unlock()
	if shouldFail {
		return errors.New("boom")
	}
	if err := os.MkdirAll(filepath.Dir(req.OutPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(req.OutPath, []byte("mp3-data"), 0o644)
}

func (f *fakeEncoder) callCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[index]
}

func newTestCoordinator(t *testing.T) (*Coordinator, *cache.Store, *fakeEncoder) {
	t.Helper()
	store := cache.New(t.TempDir(), func() int { return 500 }, "ffmpeg")
	enc := newFakeEncoder()
	return NewCoordinator(store, enc, transcode.NewProber("")), store, enc
}

func threeTracks() []models.TrackSpec {
	return []models.TrackSpec{
		{Name: "One", Start: 0, Duration: 10},
		{Name: "Two", Start: 10, Duration: 20},
		{Name: "Three", Start: 30, Duration: 30},
	}
}

func TestFirstTrackOnly(t *testing.T) {
	coord, store, enc := newTestCoordinator(t)
	job := Job{SourceURL: "http://tc/a", Tracks: threeTracks()}
	fp := cache.Fingerprint(job.SourceURL)

	path, err := coord.FirstTrack(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, store.TrackPath(fp, 0), path)
	assert.True(t, store.HasTrack(fp, 0))
	assert.False(t, store.HasTrack(fp, 1))
	assert.False(t, store.HasMetadata(fp))

	status := coord.Status(fp)
	assert.Equal(t, models.EncodingRunning, status.Status)
	assert.Equal(t, 1, status.TracksCompleted)
	assert.Equal(t, 33, status.Progress)
	assert.Equal(t, 1, enc.callCount(0))
}

func TestFirstTrackCachedShortCircuit(t *testing.T) {
	coord, _, enc := newTestCoordinator(t)
	job := Job{SourceURL: "http://tc/b", Tracks: threeTracks()}

	_, err := coord.FirstTrack(context.Background(), job)
	require.NoError(t, err)
	_, err = coord.FirstTrack(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, enc.callCount(0), "cached first track must not re-encode")
}

func TestRemainingWritesMetadataAndQueues(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	job := Job{SourceURL: "http://tc/c", Tracks: threeTracks()}
	fp := cache.Fingerprint(job.SourceURL)

	_, err := coord.FirstTrack(context.Background(), job)
	require.NoError(t, err)

	var queued []int
	job.Queue = func(index int) { queued = append(queued, index) }
	meta, err := coord.Remaining(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, meta)

	// Queue sink fires per remaining track, in index order.
	assert.Equal(t, []int{1, 2}, queued)
	assert.True(t, store.HasMetadata(fp))
	require.Len(t, meta.Tracks, 3)
	for i, track := range meta.Tracks {
		assert.Equal(t, i, track.Index)
		assert.Equal(t, models.TrackFilename(i), track.Filename)
		assert.True(t, store.HasTrack(fp, i))
	}
	assert.InDelta(t, 60, meta.TotalDuration, 0.01)

	// Status record is cleared after the quiesce; disk now answers cached.
	status := coord.Status(fp)
	assert.Equal(t, models.EncodingCached, status.Status)
	assert.True(t, status.Cached)
}

func TestRemainingSingleTrackAlbum(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	job := Job{SourceURL: "http://tc/single", Tracks: []models.TrackSpec{{Name: "Full Audio", Duration: 100}}}
	fp := cache.Fingerprint(job.SourceURL)

	_, err := coord.FirstTrack(context.Background(), job)
	require.NoError(t, err)
	meta, err := coord.Remaining(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, meta.Tracks, 1)
	assert.True(t, store.HasMetadata(fp))
}

func TestEncodeAllDeduplicates(t *testing.T) {
	coord, _, enc := newTestCoordinator(t)
	job := Job{SourceURL: "http://tc/d", Tracks: threeTracks()}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := coord.EncodeAll(context.Background(), job); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	// Per fingerprint, each track is encoded at most once per generation.
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, enc.callCount(i), "track %d", i)
	}
}

func TestEncodeErrorSetsStatus(t *testing.T) {
	coord, store, enc := newTestCoordinator(t)
	enc.fail[1] = true
	job := Job{SourceURL: "http://tc/e", Tracks: threeTracks()}
	fp := cache.Fingerprint(job.SourceURL)

	_, err := coord.FirstTrack(context.Background(), job)
	require.NoError(t, err)
	_, err = coord.Remaining(context.Background(), job)
	require.Error(t, err)

	status := coord.Status(fp)
	assert.Equal(t, models.EncodingError, status.Status)
	assert.Contains(t, status.Error, "track 2")
	// The partial directory is left for the next attempt to resume.
	assert.True(t, store.HasTrack(fp, 0))
	assert.False(t, store.HasMetadata(fp))
}

func TestStatusDerivedStates(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	fp := cache.Fingerprint("http://tc/f")

	assert.Equal(t, models.EncodingUnknown, coord.Status(fp).Status)

	// Some MP3s present, no metadata, no in-memory record: partial.
	require.NoError(t, os.MkdirAll(store.Dir(fp), 0o755))
	require.NoError(t, os.WriteFile(store.TrackPath(fp, 0), []byte("x"), 0o644))
	status := coord.Status(fp)
	assert.Equal(t, models.EncodingPartial, status.Status)
	assert.Equal(t, 1, status.TracksCompleted)
}

func TestProgressSinkPanicsAreContained(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	job := Job{
		SourceURL: "http://tc/g",
		Tracks:    threeTracks(),
		Progress:  func(int) { panic("sink gone") },
	}
	_, err := coord.FirstTrack(context.Background(), job)
	assert.NoError(t, err)
}

func TestKeyedLocksGC(t *testing.T) {
	locks := newKeyedLocks()
	release := locks.Acquire("k")
	locks.mu.Lock()
	assert.Len(t, locks.entries, 1)
	locks.mu.Unlock()
	release()
	locks.mu.Lock()
	assert.Empty(t, locks.entries, "released locks are garbage collected")
	locks.mu.Unlock()
}
