package readers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	ctrl := devices.NewController(store.OpenDeviceCache(t.TempDir()))
	return NewManager(ctrl)
}

func browser() models.DeviceRef {
	return models.DeviceRef{Type: models.DeviceBrowser, ID: "session"}
}

func placeTag(m *Manager, readerIP, uid string, ref models.DeviceRef) {
	m.Lock(readerIP, func(st *State) {
		st.CurrentTag = &models.TagSnapshot{UID: uid, PlaybackURL: "/transcode.mp3?url=x", TrackCount: 2}
		st.StartedAt = time.Now()
		st.CurrentDevice = ref
	})
}

func TestIsVirtual(t *testing.T) {
	assert.True(t, IsVirtual("manual-stream"))
	assert.True(t, IsVirtual("browser-session"))
	assert.True(t, IsVirtual("web-multiroom-RINCON_X"))
	assert.False(t, IsVirtual("192.0.2.10"))
}

func TestRemovalKeepsTagAndRecordsResume(t *testing.T) {
	m := testManager(t)
	placeTag(m, "192.0.2.10", "E0:04", browser())
	m.ReportPosition("192.0.2.10", "E0:04", 42.0)

	m.HandleRemoval(context.Background(), "192.0.2.10", browser)

	view := m.Peek("192.0.2.10")
	// The tag stays visible for UIs in the paused state.
	require.NotNil(t, view.CurrentTag)
	require.NotNil(t, view.Resume)
	assert.True(t, view.Resume.Paused)
	assert.Equal(t, "E0:04", view.Resume.UID)
	assert.InDelta(t, 42.0, view.Resume.Position, 0.01)
	assert.Equal(t, browser(), view.Resume.Device)
}

func TestRemovalReturnRoundTrip(t *testing.T) {
	m := testManager(t)
	placeTag(m, "192.0.2.10", "E0:04", browser())
	m.ReportPosition("192.0.2.10", "E0:04", 42.0)
	m.HandleRemoval(context.Background(), "192.0.2.10", browser)

	resumed, snapshot := m.TryResume(context.Background(), "192.0.2.10", "E0:04", browser)
	assert.True(t, resumed)
	require.NotNil(t, snapshot)
	assert.Equal(t, "E0:04", snapshot.UID)

	view := m.Peek("192.0.2.10")
	assert.Nil(t, view.Resume, "resume record is consumed")
	require.NotNil(t, view.CurrentTag)
}

func TestRescanWhilePlayingIsNoOp(t *testing.T) {
	m := testManager(t)
	placeTag(m, "192.0.2.10", "E0:04", browser())

	// No removal happened, so nothing to resume; the snapshot still comes
	// back so the reader never receives a null playback URL.
	resumed, snapshot := m.TryResume(context.Background(), "192.0.2.10", "E0:04", browser)
	assert.False(t, resumed)
	require.NotNil(t, snapshot)
	assert.Equal(t, "/transcode.mp3?url=x", snapshot.PlaybackURL)
}

func TestStopClearsEverything(t *testing.T) {
	m := testManager(t)
	placeTag(m, "192.0.2.10", "E0:04", browser())
	m.ReportPosition("192.0.2.10", "E0:04", 10)

	m.HandleStop(context.Background(), "192.0.2.10", true, browser)

	view := m.Peek("192.0.2.10")
	assert.Nil(t, view.CurrentTag)
	assert.Zero(t, view.Offset)
	assert.Zero(t, view.LastReported)
	assert.False(t, view.CurrentDevice.Valid())
	// An explicit stop still records a non-paused resume point.
	require.NotNil(t, view.Resume)
	assert.False(t, view.Resume.Paused)
}

func TestBrowserPositionNeverUsesWallClock(t *testing.T) {
	m := testManager(t)
	m.Lock("192.0.2.10", func(st *State) {
		st.CurrentTag = &models.TagSnapshot{UID: "E0:04"}
		// Started long ago; wall clock would report a huge position.
		st.StartedAt = time.Now().Add(-time.Hour)
		st.Offset = 0
		st.LastReported = 5
	})
	pos := m.PositionFor(context.Background(), "192.0.2.10", browser())
	assert.InDelta(t, 5.0, pos, 0.01)
}

func TestWallClockFallbackForNonBrowser(t *testing.T) {
	m := testManager(t)
	ref := models.DeviceRef{Type: models.DeviceSDPlayer, ID: "127.0.0.1:1"}
	m.Lock("192.0.2.10", func(st *State) {
		st.CurrentTag = &models.TagSnapshot{UID: "E0:04"}
		st.StartedAt = time.Now().Add(-30 * time.Second)
		st.Offset = 10
	})
	// SD players report no position; the wall clock stands in.
	pos := m.PositionFor(context.Background(), "192.0.2.10", ref)
	assert.InDelta(t, 40.0, pos, 2.0)
}

func TestReportPositionIgnoresWrongUID(t *testing.T) {
	m := testManager(t)
	placeTag(m, "192.0.2.10", "E0:04", browser())
	assert.False(t, m.ReportPosition("192.0.2.10", "FF:FF", 99))
	assert.True(t, m.ReportPosition("192.0.2.10", "E0:04", 99))
}

func TestActiveCount(t *testing.T) {
	m := testManager(t)
	assert.Zero(t, m.ActiveCount())
	placeTag(m, "a", "1", browser())
	placeTag(m, "b", "2", browser())
	m.Lock("c", func(st *State) {})
	assert.Equal(t, 2, m.ActiveCount())
}
