package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kruppes/TeddyPlayer/internal/models"
)

func TestDeviceCachePersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	c := OpenDeviceCache(dir)
	c.Merge(models.DeviceMultiroom, models.Device{Name: "Kitchen", IP: "10.0.0.5", UID: "RINCON_X"}, true)

	reopened := OpenDeviceCache(dir)
	list := reopened.All()[models.DeviceMultiroom]
	require.Len(t, list, 1)
	assert.Equal(t, "Kitchen", list[0].Name)
	// Loaded records start offline until discovery refreshes them.
	assert.False(t, list[0].Online)
	assert.NotEmpty(t, list[0].FirstSeen)
}

func TestDeviceCacheMergePreservesFirstSeen(t *testing.T) {
	c := OpenDeviceCache(t.TempDir())
	first := c.Merge(models.DeviceCast, models.Device{Name: "TV", ID: "uuid-1", IP: "10.0.0.7"}, true)
	second := c.Merge(models.DeviceCast, models.Device{Name: "TV Renamed", ID: "uuid-1"}, true)
	assert.Equal(t, first.FirstSeen, second.FirstSeen)
	assert.Equal(t, "TV Renamed", second.Name)
	assert.Equal(t, "10.0.0.7", second.IP, "merge keeps fields the update omitted")
	assert.Len(t, c.All()[models.DeviceCast], 1)
}

func TestDeviceCacheDiscoveryMarksAbsenteesOffline(t *testing.T) {
	c := OpenDeviceCache(t.TempDir())
	c.Merge(models.DeviceMultiroom, models.Device{Name: "A", IP: "10.0.0.1"}, true)
	c.Merge(models.DeviceMultiroom, models.Device{Name: "B", IP: "10.0.0.2"}, true)

	c.UpdateFromDiscovery(models.DeviceMultiroom, []models.Device{{Name: "A", IP: "10.0.0.1"}})

	for _, dev := range c.All()[models.DeviceMultiroom] {
		if dev.IP == "10.0.0.1" {
			assert.True(t, dev.Online)
		} else {
			assert.False(t, dev.Online)
		}
	}
}

func TestMultiroomIPResolution(t *testing.T) {
	c := OpenDeviceCache(t.TempDir())
	c.Merge(models.DeviceMultiroom, models.Device{Name: "Kitchen", IP: "10.0.0.5", UID: "RINCON_X"}, true)

	assert.Equal(t, "10.0.0.5", c.MultiroomIP("RINCON_X"))
	// Literal addresses pass through.
	assert.Equal(t, "192.168.1.20", c.MultiroomIP("192.168.1.20"))
	assert.Equal(t, "", c.MultiroomIP("RINCON_UNKNOWN"))
}

func TestReaderCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := OpenReaderCache(dir)
	c.Touch("10.0.0.40", func(info *models.ReaderInfo) {
		info.Name = "Kids Room"
		info.ScanCount = 3
	})

	reopened := OpenReaderCache(dir)
	info, ok := reopened.Get("10.0.0.40")
	require.True(t, ok)
	assert.Equal(t, "Kids Room", info.Name)
	assert.Equal(t, 3, info.ScanCount)
	assert.False(t, info.Online)

	assert.True(t, reopened.Rename("10.0.0.40", "Renamed"))
	assert.False(t, reopened.Rename("10.9.9.9", "x"))
	assert.True(t, reopened.Remove("10.0.0.40"))
	_, ok = reopened.Get("10.0.0.40")
	assert.False(t, ok)
}

func TestUploadQueueDurability(t *testing.T) {
	dir := t.TempDir()
	q := OpenUploadQueue(dir)
	q.Put("10.0.0.9", models.UploadIntent{
		UID:        "E0:04:03:50:13:16:80:4B",
		FolderPath: "/teddycloud/Disney_Dumbo",
		Tracks:     []models.IntentTrack{{Index: 0, Name: "Intro"}},
	})

	reopened := OpenUploadQueue(dir)
	intent, ok := reopened.Get("10.0.0.9")
	require.True(t, ok, "intents survive process restarts")
	assert.Equal(t, models.UploadPending, intent.Status)
	assert.NotEmpty(t, intent.QueuedAt)
	require.Len(t, intent.Tracks, 1)

	assert.True(t, reopened.Clear("10.0.0.9"))
	assert.False(t, reopened.Clear("10.0.0.9"))
	third := OpenUploadQueue(dir)
	_, ok = third.Get("10.0.0.9")
	assert.False(t, ok)
}
