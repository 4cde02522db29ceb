// Package teddycloud is the client for the upstream content server. Tag
// lookup matches on the last 8 hex digits of the UID because SD-player
// readers transmit a 4-byte suffix only.
package teddycloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/config"
	"github.com/Kruppes/TeddyPlayer/internal/models"
)

// Tonie is the resolved view of a tag: identity, catalog info and the track
// list derived from cumulative trackSeconds.
type Tonie struct {
	UID       string             `json:"uid"`
	Source    string             `json:"source"`
	Valid     bool               `json:"valid"`
	Exists    bool               `json:"exists"`
	AudioPath string             `json:"audio_path"`
	Duration  float64            `json:"duration"`
	NumTracks int                `json:"num_tracks"`
	Tracks    []models.TrackSpec `json:"tracks"`
	Model     string             `json:"model"`
	Series    string             `json:"series"`
	Episode   string             `json:"episode"`
	Title     string             `json:"title"`
	Picture   string             `json:"picture"`
}

// LibraryFile is one TAF file found in the upstream library.
type LibraryFile struct {
	Name      string             `json:"name"`
	Path      string             `json:"path"`
	Folder    string             `json:"folder"`
	Size      int64              `json:"size"`
	SizeMB    float64            `json:"size_mb"`
	Date      int64              `json:"date"`
	Series    string             `json:"series"`
	Episode   string             `json:"episode"`
	Title     string             `json:"title"`
	Picture   string             `json:"picture"`
	Model     string             `json:"model"`
	Language  string             `json:"language"`
	Valid     bool               `json:"valid"`
	AudioID   int64              `json:"audio_id"`
	Duration  float64            `json:"duration"`
	NumTracks int                `json:"num_tracks"`
	Tracks    []models.TrackSpec `json:"tracks"`
	AudioURL  string             `json:"audio_url,omitempty"`
	UID       string             `json:"uid,omitempty"`
	Cached    bool               `json:"cached,omitempty"`
}

// TagEntry mirrors the upstream tag index schema.
type TagEntry struct {
	UID          string    `json:"uid"`
	Source       string    `json:"source"`
	AudioURL     string    `json:"audioUrl"`
	Valid        bool      `json:"valid"`
	Exists       bool      `json:"exists"`
	TrackSeconds []float64 `json:"trackSeconds"`
	TonieInfo    TonieInfo `json:"tonieInfo"`
}

type TonieInfo struct {
	Model   string   `json:"model"`
	Series  string   `json:"series"`
	Episode string   `json:"episode"`
	Title   string   `json:"title"`
	Picture  string   `json:"picture"`
	Language string   `json:"language"`
	Tracks   []string `json:"tracks"`
}

type fileIndexEntry struct {
	Name      string    `json:"name"`
	IsDir     bool      `json:"isDir"`
	Size      int64     `json:"size"`
	Date      int64     `json:"date"`
	TonieInfo TonieInfo `json:"tonieInfo"`
	TAFHeader struct {
		Valid        bool      `json:"valid"`
		AudioID      int64     `json:"audioId"`
		TrackSeconds []float64 `json:"trackSeconds"`
	} `json:"tafHeader"`
}

type Client struct {
	baseURL string
	apiBase string
	http    *http.Client
}

func NewClient(baseURL, apiBase string, timeout time.Duration) *Client {
	return &Client{
		baseURL: config.ContentBase(baseURL),
		apiBase: apiBase,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) apiURL(endpoint string) string {
	return c.baseURL + c.apiBase + "/" + strings.TrimPrefix(endpoint, "/")
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// CheckConnection probes the upstream web endpoint.
func (c *Client) CheckConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/web", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[teddycloud] not accessible: %v", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Tonies fetches the combined official and custom catalog.
func (c *Client) Tonies(ctx context.Context) []map[string]any {
	var official, custom []map[string]any
	if err := c.getJSON(ctx, c.apiURL("toniesJson"), &official); err != nil {
		log.Printf("[teddycloud] fetch tonies: %v", err)
		return nil
	}
	if err := c.getJSON(ctx, c.apiURL("toniesCustomJson"), &custom); err != nil {
		log.Printf("[teddycloud] fetch custom tonies: %v", err)
	}
	return append(official, custom...)
}

// TagIndex returns the registered tags, optionally for a specific box overlay.
func (c *Client) TagIndex(ctx context.Context, boxID string) []TagEntry {
	var payload struct {
		Tags []TagEntry `json:"tags"`
	}
	if err := c.getJSON(ctx, c.apiURL("getTagIndex?overlay="+url.QueryEscape(boxID)), &payload); err != nil {
		log.Printf("[teddycloud] fetch tag index: %v", err)
		return nil
	}
	return payload.Tags
}

// NormalizeUID strips colons and uppercases a UID for comparison.
func NormalizeUID(uid string) string {
	return strings.ToUpper(strings.ReplaceAll(uid, ":", ""))
}

// UIDMatches reports whether a tag UID matches the scanned UID, allowing the
// 4-byte (8 hex char) suffix the reader transmits.
func UIDMatches(tagUID, scanned string) bool {
	tag := NormalizeUID(tagUID)
	want := NormalizeUID(scanned)
	if tag == "" || want == "" {
		return false
	}
	return tag == want || strings.HasSuffix(tag, want)
}

// FindTonieByUID resolves a scanned UID against the tag index, falling back
// to a catalog search. Returns nil when the tag is unknown upstream.
func (c *Client) FindTonieByUID(ctx context.Context, uid string) *Tonie {
	for _, tag := range c.TagIndex(ctx, "") {
		if !UIDMatches(tag.UID, uid) {
			continue
		}
		tonie := &Tonie{
			UID:       uid,
			Source:    tag.Source,
			Valid:     tag.Valid,
			Exists:    tag.Exists,
			AudioPath: tag.AudioURL,
			Model:     tag.TonieInfo.Model,
			Series:    tag.TonieInfo.Series,
			Episode:   tag.TonieInfo.Episode,
			Title:     tag.TonieInfo.Title,
			Picture:   tag.TonieInfo.Picture,
		}
		tonie.Tracks, tonie.Duration = TracksFromSeconds(tag.TrackSeconds, tag.TonieInfo.Tracks)
		tonie.NumTracks = len(tonie.Tracks)
		return tonie
	}

	normalized := NormalizeUID(uid)
	for _, entry := range c.Tonies(ctx) {
		entryUID := NormalizeUID(str(entry["uid"]))
		model := strings.ToUpper(str(entry["model"]))
		if (entryUID != "" && (entryUID == normalized || strings.HasSuffix(entryUID, normalized))) ||
			(model != "" && (model == normalized || strings.HasSuffix(model, normalized))) {
			return &Tonie{
				UID:     uid,
				Model:   str(entry["model"]),
				Series:  str(entry["series"]),
				Episode: str(entry["episode"]),
				Title:   str(entry["title"]),
				Picture: str(entry["pic"]),
			}
		}
	}
	log.Printf("[teddycloud] tonie not found for UID %s", uid)
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// TracksFromSeconds converts a cumulative trackSeconds array into per-track
// specs with start and duration. Names come from the catalog when present.
func TracksFromSeconds(seconds []float64, names []string) ([]models.TrackSpec, float64) {
	if len(seconds) < 2 {
		return nil, 0
	}
	total := seconds[len(seconds)-1]
	tracks := make([]models.TrackSpec, 0, len(seconds)-1)
	for i := 0; i < len(seconds)-1; i++ {
		name := fmt.Sprintf("Track %d", i+1)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		tracks = append(tracks, models.TrackSpec{
			Name:     name,
			Start:    seconds[i],
			Duration: seconds[i+1] - seconds[i],
		})
	}
	return tracks, total
}

// AudioURL computes the content URL for a tag UID or lib: path.
func (c *Client) AudioURL(uid string) string {
	if strings.HasPrefix(uid, "lib:") {
		return c.LibraryContentURL(strings.TrimPrefix(strings.TrimPrefix(uid, "lib:"), "//"))
	}
	return c.baseURL + "/content/" + strings.ReplaceAll(uid, ":", "")
}

// LibraryContentURL rewrites a library path into a content URL with OGG
// conversion enabled; spaces are percent-encoded, slashes preserved.
func (c *Client) LibraryContentURL(libPath string) string {
	escaped := (&url.URL{Path: "/" + strings.TrimPrefix(libPath, "/")}).EscapedPath()
	return c.baseURL + "/content" + escaped + "?ogg=true&special=library"
}

// ResolveAudioURL builds the source audio URL for a resolved tonie, honoring
// lib:// sources and upstream audio paths.
func (c *Client) ResolveAudioURL(tonie *Tonie, uid string) string {
	if tonie != nil {
		if strings.HasPrefix(tonie.Source, "lib://") {
			return c.LibraryContentURL(strings.TrimPrefix(tonie.Source, "lib://"))
		}
		if tonie.AudioPath != "" {
			return c.baseURL + tonie.AudioPath
		}
	}
	return c.AudioURL(uid)
}

// CoverURL builds an absolute cover URL from an upstream picture path.
func (c *Client) CoverURL(picture string) string {
	if picture == "" {
		return ""
	}
	if strings.HasPrefix(picture, "http://") || strings.HasPrefix(picture, "https://") {
		return picture
	}
	if strings.HasPrefix(picture, "/") {
		return c.baseURL + picture
	}
	return c.baseURL + "/" + picture
}

// ImageURL builds the upstream URL for the image proxy.
func (c *Client) ImageURL(path string) string {
	escaped := (&url.URL{Path: "/" + strings.TrimPrefix(path, "/")}).EscapedPath()
	return c.baseURL + escaped
}

// FetchImage streams an upstream image for proxying.
func (c *Client) FetchImage(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ImageURL(path), nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// LibraryFiles recursively lists TAF files in the upstream library, sorted by
// series then title.
func (c *Client) LibraryFiles(ctx context.Context, root string) []LibraryFile {
	if root == "" {
		root = "/"
	}
	var files []LibraryFile
	c.scanLibraryDir(ctx, root, &files)
	sort.Slice(files, func(i, j int) bool {
		si, sj := strings.ToLower(files[i].Series), strings.ToLower(files[j].Series)
		if si != sj {
			return si < sj
		}
		return strings.ToLower(files[i].Title) < strings.ToLower(files[j].Title)
	})
	log.Printf("[teddycloud] found %d TAF files in library", len(files))
	return files
}

func (c *Client) scanLibraryDir(ctx context.Context, dir string, out *[]LibraryFile) {
	var payload struct {
		Files []fileIndexEntry `json:"files"`
	}
	endpoint := fmt.Sprintf("fileIndexV2?path=%s&special=library", url.QueryEscape(dir))
	if err := c.getJSON(ctx, c.apiURL(endpoint), &payload); err != nil {
		log.Printf("[teddycloud] scan library dir %s: %v", dir, err)
		return
	}
	for _, item := range payload.Files {
		if item.Name == ".." {
			continue
		}
		child := strings.TrimPrefix(dir+"/"+item.Name, "/")
		if item.IsDir {
			c.scanLibraryDir(ctx, child, out)
			continue
		}
		if !strings.HasSuffix(strings.ToLower(item.Name), ".taf") {
			continue
		}
		tracks, duration := TracksFromSeconds(item.TAFHeader.TrackSeconds, nil)
		title := item.TonieInfo.Episode
		if title == "" {
			title = item.TonieInfo.Series
		}
		if title == "" {
			title = strings.TrimSuffix(item.Name, ".taf")
		}
		folder := strings.TrimPrefix(dir, "/")
		if dir == "/" {
			folder = ""
		}
		*out = append(*out, LibraryFile{
			Name:      item.Name,
			Path:      child,
			Folder:    folder,
			Size:      item.Size,
			SizeMB:    float64(item.Size) / 1024 / 1024,
			Date:      item.Date,
			Series:    item.TonieInfo.Series,
			Episode:   item.TonieInfo.Episode,
			Title:     title,
			Picture:   item.TonieInfo.Picture,
			Model:     item.TonieInfo.Model,
			Language:  item.TonieInfo.Language,
			Valid:     item.TAFHeader.Valid,
			AudioID:   item.TAFHeader.AudioID,
			Duration:  duration,
			NumTracks: len(tracks),
			Tracks:    tracks,
		})
	}
}
