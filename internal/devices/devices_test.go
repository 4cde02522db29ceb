package devices

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONToleratesTrailingJunk(t *testing.T) {
	var files []SDFile
	raw := []byte(`[{"name":"01.mp3","size":123},{"name":"metadata.json","size":9}]` + "\x00\xff<html>junk")
	require.NoError(t, ExtractJSON(raw, &files))
	require.Len(t, files, 2)
	assert.Equal(t, "01.mp3", files[0].Name)
	assert.Equal(t, int64(123), files[0].Size)
}

func TestExtractJSONLeadingNoise(t *testing.T) {
	var payload map[string]string
	raw := []byte("HTTP noise before {\"key\":\"value\"} and after")
	require.NoError(t, ExtractJSON(raw, &payload))
	assert.Equal(t, "value", payload["key"])
}

func TestExtractJSONNestedAndStrings(t *testing.T) {
	var payload map[string]any
	// Brackets inside strings must not confuse the scanner.
	raw := []byte(`{"a":{"b":"has ] and } inside"},"c":[1,2]}garbage`)
	require.NoError(t, ExtractJSON(raw, &payload))
	assert.Contains(t, payload, "a")
}

func TestExtractJSONRejectsGarbage(t *testing.T) {
	var v any
	assert.Error(t, ExtractJSON([]byte("no json here"), &v))
	assert.Error(t, ExtractJSON([]byte("[1,2"), &v))
}

func TestParseClock(t *testing.T) {
	assert.Equal(t, 0.0, ParseClock(""))
	assert.Equal(t, 0.0, ParseClock("NOT_IMPLEMENTED"))
	assert.Equal(t, 62.0, ParseClock("0:01:02"))
	assert.Equal(t, 3723.0, ParseClock("1:02:03"))
	assert.Equal(t, 125.0, ParseClock("02:05"))
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "0:00:42", formatClock(42))
	assert.Equal(t, "1:02:03", formatClock(3723))
}

func TestSDCheckReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		listing := []map[string]any{
			{"name": "01_Intro.mp3", "size": 100},
			{"name": "02_More.mp3", "size": 100},
			{"name": "metadata.json", "size": 10},
		}
		data, _ := json.Marshal(listing)
		w.Write(append(data, []byte("junk")...))
	}))
	defer srv.Close()
	ip := strings.TrimPrefix(srv.URL, "http://")

	c := NewSDClient()
	ready := c.CheckSDReady(context.Background(), ip, "/teddycloud/x", 2)
	assert.True(t, ready.Ready)
	assert.True(t, ready.FolderExists)
	assert.Equal(t, 2, ready.TracksComplete)
	assert.Equal(t, "/teddycloud/x", ready.PlayPath)

	ready = c.CheckSDReady(context.Background(), ip, "/teddycloud/x", 3)
	assert.False(t, ready.Ready, "fewer MP3s than expected is not ready")
}

func TestSDCheckReadyUnparseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("### not json"))
	}))
	defer srv.Close()
	ip := strings.TrimPrefix(srv.URL, "http://")

	// Parse failures fall through to streaming.
	ready := NewSDClient().CheckSDReady(context.Background(), ip, "/teddycloud/x", 2)
	assert.False(t, ready.Ready)
	assert.False(t, ready.FolderExists)
}

func TestSDActiveTagID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settings", r.URL.Path)
		w.Write([]byte(`{"current":{"rfidTagId":"075128022019"}}`))
	}))
	defer srv.Close()
	ip := strings.TrimPrefix(srv.URL, "http://")

	id, err := NewSDClient().ActiveTagID(context.Background(), ip)
	require.NoError(t, err)
	assert.Equal(t, "075128022019", id)
}

func TestMimeTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", mimeTypeFor("http://s/a.mp3"))
	assert.Equal(t, "audio/ogg", mimeTypeFor("http://s/a.ogg"))
	assert.Equal(t, "audio/mp4", mimeTypeFor("http://s/a.m4a"))
	assert.Equal(t, "audio/mpeg", mimeTypeFor("http://s/stream"))
}
