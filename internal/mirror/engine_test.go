package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/store"
)

// fakeSD emulates the device's explorer API, including the junk it appends
// after JSON listings.
type fakeSD struct {
	files map[string][]byte // path -> content
}

func newFakeSD() *fakeSD {
	return &fakeSD{files: make(map[string][]byte)}
}

func (f *fakeSD) put(path string, content []byte) {
	f.files[path] = content
}

func (f *fakeSD) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/explorer", func(w http.ResponseWriter, r *http.Request) {
		path, _ := url.QueryUnescape(r.URL.Query().Get("path"))
		switch r.Method {
		case http.MethodGet:
			var listing []map[string]any
			prefix := strings.TrimSuffix(path, "/") + "/"
			for p, content := range f.files {
				if strings.HasPrefix(p, prefix) && !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
					listing = append(listing, map[string]any{
						"name": strings.TrimPrefix(p, prefix),
						"size": len(content),
						"dir":  false,
					})
				}
			}
			if listing == nil {
				http.NotFound(w, r)
				return
			}
			data, _ := json.Marshal(listing)
			// Trailing junk after the array, as the real firmware produces.
			w.Write(append(data, []byte("\x00\xffGARBAGE")...))
		case http.MethodDelete:
			delete(f.files, path)
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			file, header, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer file.Close()
			var buf strings.Builder
			if _, err := io.Copy(&buf, file); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			f.put(strings.TrimSuffix(path, "/")+"/"+header.Filename, []byte(buf.String()))
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("GET /explorerdownload", func(w http.ResponseWriter, r *http.Request) {
		path, _ := url.QueryUnescape(r.URL.Query().Get("path"))
		content, ok := f.files[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(content)
	})
	return mux
}

func testEngine(t *testing.T) (*Engine, *fakeSD, string) {
	t.Helper()
	sd := newFakeSD()
	srv := httptest.NewServer(sd.handler())
	t.Cleanup(srv.Close)
	ip := strings.TrimPrefix(srv.URL, "http://")
	queue := store.OpenUploadQueue(t.TempDir())
	engine := NewEngine(devices.NewSDClient(), queue, func() int { return 0 }, func() int { return 0 })
	return engine, sd, ip
}

func mirrorIndex(sizes ...int) []byte {
	index := models.MirrorIndex{UID: "E0:04:03:50:13:16:80:4B"}
	for i, size := range sizes {
		index.Tracks = append(index.Tracks, models.MirrorIndexFile{
			Index: i,
			Name:  fmt.Sprintf("Track %d", i+1),
			File:  fmt.Sprintf("%02d_Track_%d.mp3", i+1, i+1),
			Size:  int64(size),
		})
	}
	data, _ := json.Marshal(index)
	return data
}

func TestVerifyComplete(t *testing.T) {
	engine, sd, ip := testEngine(t)
	folder := "/teddycloud/Disney_Dumbo"
	uidMap := UIDMapPath("E0:04:03:50:13:16:80:4B")

	sd.put(folder+"/01_Track_1.mp3", make([]byte, 100))
	sd.put(folder+"/02_Track_2.mp3", make([]byte, 200))
	sd.put(folder+"/metadata.json", mirrorIndex(100, 200))
	sd.put(uidMap, []byte(`{"uid":"E0:04:03:50:13:16:80:4B","folder":"/teddycloud/Disney_Dumbo","files":[]}`))

	result := engine.Verify(context.Background(), ip, folder, uidMap)
	assert.True(t, result.Complete)
	assert.Equal(t, 2, result.VerifiedTracks)
	assert.Empty(t, result.MissingTracks)
	assert.Empty(t, result.SizeMismatch)
}

func TestVerifyClassifiesMissingAndMismatch(t *testing.T) {
	engine, sd, ip := testEngine(t)
	folder := "/teddycloud/Disney_Dumbo"

	sd.put(folder+"/01_Track_1.mp3", make([]byte, 100))
	sd.put(folder+"/02_Track_2.mp3", make([]byte, 5)) // truncated
	sd.put(folder+"/metadata.json", mirrorIndex(100, 200, 300))

	result := engine.Verify(context.Background(), ip, folder, "")
	assert.False(t, result.Complete)
	assert.Equal(t, 1, result.VerifiedTracks)
	assert.Equal(t, []int{2}, result.MissingTracks)
	assert.Equal(t, []int{1}, result.SizeMismatch)
}

func TestVerifyMissingUIDMapOnly(t *testing.T) {
	engine, sd, ip := testEngine(t)
	folder := "/teddycloud/Disney_Dumbo"
	uidMap := UIDMapPath("E0:04:03:50:13:16:80:4B")

	sd.put(folder+"/01_Track_1.mp3", make([]byte, 100))
	sd.put(folder+"/metadata.json", mirrorIndex(100))

	// All tracks verified, but the UID map is absent: not complete.
	result := engine.Verify(context.Background(), ip, folder, uidMap)
	assert.False(t, result.Complete)
	assert.Equal(t, 1, result.VerifiedTracks)
	assert.Empty(t, result.MissingTracks)
	assert.Empty(t, result.SizeMismatch)

	// Uploading the UID map alone flips completeness without touching tracks.
	sd.put(uidMap, []byte(`{"uid":"x","folder":"y","files":[]}`))
	result = engine.Verify(context.Background(), ip, folder, uidMap)
	assert.True(t, result.Complete)
}

func TestVerifyRecoversFromUIDMap(t *testing.T) {
	engine, sd, ip := testEngine(t)
	folder := "/teddycloud/Disney_Dumbo"
	uidMapPath := UIDMapPath("E0:04:03:50:13:16:80:4B")

	sd.put(folder+"/01_Track_1.mp3", make([]byte, 100))
	uidMap := models.UIDMap{
		UID:    "E0:04:03:50:13:16:80:4B",
		Folder: folder,
		Files: []models.UIDMapFile{
			{Index: 0, Name: "01_Track_1.mp3", Size: 100},
			{Index: 1, Name: "02_Track_2.mp3", Size: 200},
		},
	}
	data, _ := json.Marshal(uidMap)
	sd.put(uidMapPath, data)

	// No metadata.json: expectations come from the UID map.
	result := engine.Verify(context.Background(), ip, folder, uidMapPath)
	require.NotNil(t, result.Metadata)
	assert.Equal(t, folder, result.Folder)
	assert.Equal(t, 2, result.TotalTracks)
	assert.Equal(t, 1, result.VerifiedTracks)
	assert.Equal(t, []int{1}, result.MissingTracks)
}

func TestVerifyUnparseableListing(t *testing.T) {
	engine, _, _ := testEngine(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("totally not json"))
	}))
	defer srv.Close()
	ip := strings.TrimPrefix(srv.URL, "http://")

	result := engine.Verify(context.Background(), ip, "/teddycloud/x", "")
	assert.False(t, result.Complete)
	assert.Zero(t, result.TotalTracks)
}

func TestCancelClearsIntentAndSuppressesResume(t *testing.T) {
	engine, _, _ := testEngine(t)
	intent := models.UploadIntent{UID: "E0:04", FolderPath: "/teddycloud/x"}
	engine.QueueIntent("10.0.0.9", intent)

	_, ok := engine.Pending("10.0.0.9")
	require.True(t, ok)

	engine.Cancel("10.0.0.9")
	_, ok = engine.Pending("10.0.0.9")
	assert.False(t, ok, "cancel clears the persistent intent")
	assert.True(t, engine.isCancelled("10.0.0.9"))
}
