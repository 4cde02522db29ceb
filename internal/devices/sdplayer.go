package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// SD-player command codes and play modes (firmware values).
const (
	sdCmdStop          = 182
	sdPlayModeFolder   = 3 // all tracks in folder, sorted
	sdPlayModeWeb      = 8 // single web stream
	sdPlayModeRFIDSort = 5 // RFID mapping: folder, sorted
)

// SDFile is one entry of the device's directory listing.
type SDFile struct {
	Name  string `json:"name"`
	Dir   bool   `json:"dir"`
	Size  int64  `json:"size"`
}

// SDClient talks to an SD-capable reader/player over its explorer HTTP API
// and websocket command channel.
type SDClient struct {
	http *http.Client
}

func NewSDClient() *SDClient {
	return &SDClient{http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *SDClient) base(ip string) string {
	return "http://" + ip
}

// ExtractJSON scans for the first balanced JSON structure in a response. The
// device's listing endpoint is known to append junk after the array.
func ExtractJSON(raw []byte, v any) error {
	start := bytes.IndexAny(raw, "[{")
	if start < 0 {
		return fmt.Errorf("no JSON structure found")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return json.Unmarshal(raw[start:i+1], v)
			}
		}
	}
	return fmt.Errorf("unbalanced JSON structure")
}

// PlayURL starts playback of a network stream.
func (c *SDClient) PlayURL(ctx context.Context, ip, audioURL string) bool {
	target := fmt.Sprintf("%s/exploreraudio?path=%s&playmode=%d",
		c.base(ip), url.QueryEscape(audioURL), sdPlayModeWeb)
	return c.post(ctx, ip, target)
}

// PlayFolder plays all tracks of an SD folder.
func (c *SDClient) PlayFolder(ctx context.Context, ip, folderPath string) bool {
	sdPath := "/sd" + folderPath
	target := fmt.Sprintf("%s/exploreraudio?path=%s&playmode=%d",
		c.base(ip), url.QueryEscape(sdPath), sdPlayModeFolder)
	return c.post(ctx, ip, target)
}

func (c *SDClient) post(ctx context.Context, ip, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[devices] sd-player %s unreachable: %v", ip, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		log.Printf("[devices] sd-player %s returned %d: %s", ip, resp.StatusCode, bytes.TrimSpace(body))
		return false
	}
	return true
}

// Stop sends the stop command over the device's websocket channel.
func (c *SDClient) Stop(ctx context.Context, ip string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+ip+"/ws", nil)
	if err != nil {
		log.Printf("[devices] sd-player %s ws dial failed: %v", ip, err)
		return false
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	cmd, _ := json.Marshal(map[string]any{"controls": map[string]int{"action": sdCmdStop}})
	if err := conn.Write(ctx, websocket.MessageText, cmd); err != nil {
		log.Printf("[devices] sd-player %s stop failed: %v", ip, err)
		return false
	}
	return true
}

// PauseToggle flips the device's pause/play state.
func (c *SDClient) PauseToggle(ctx context.Context, ip string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base(ip)+"/cmd?cmd=pauseplay", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[devices] sd-player %s pause failed: %v", ip, err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// NotifyProgress pushes an encoding percentage to the device display.
func (c *SDClient) NotifyProgress(ctx context.Context, ip string, percent int) bool {
	target := fmt.Sprintf("%s/cacheprogress?progress=%d", c.base(ip), percent)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ActiveTagID reads the device's currently active RFID tag id. Empty string
// means no tag; an error means the device was unreachable.
func (c *SDClient) ActiveTagID(ctx context.Context, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base(ip)+"/settings", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("settings returned %d", resp.StatusCode)
	}
	var payload struct {
		Current struct {
			RFIDTagID string `json:"rfidTagId"`
		} `json:"current"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if err := ExtractJSON(raw, &payload); err != nil {
		return "", err
	}
	return payload.Current.RFIDTagID, nil
}

// List returns the directory listing for a folder, tolerating trailing junk.
func (c *SDClient) List(ctx context.Context, ip, folder string) ([]SDFile, error) {
	target := fmt.Sprintf("%s/explorer?path=%s", c.base(ip), url.QueryEscape(folder))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var files []SDFile
	if err := ExtractJSON(raw, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// FileSize returns the size of a file, or -1 when absent.
func (c *SDClient) FileSize(ctx context.Context, ip, filePath string) int64 {
	files, err := c.List(ctx, ip, parentDir(filePath))
	if err != nil {
		return -1
	}
	name := path.Base(filePath)
	for _, f := range files {
		if f.Name == name {
			return f.Size
		}
	}
	return -1
}

// FileExists reports whether a file is present.
func (c *SDClient) FileExists(ctx context.Context, ip, filePath string) bool {
	return c.FileSize(ctx, ip, filePath) >= 0
}

// Delete removes a file from the SD card.
func (c *SDClient) Delete(ctx context.Context, ip, filePath string) bool {
	target := fmt.Sprintf("%s/explorer?path=%s", c.base(ip), url.QueryEscape(filePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// EnsureDir creates each path segment idempotently.
func (c *SDClient) EnsureDir(ctx context.Context, ip, dir string) {
	if dir == "" || dir == "/" {
		return
	}
	current := ""
	for _, part := range strings.Split(dir, "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		target := fmt.Sprintf("%s/explorer?path=%s", c.base(ip), url.QueryEscape(current))
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, nil)
		if err != nil {
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// Download fetches a file's content, tolerating trailing junk on JSON reads
// at the caller's discretion.
func (c *SDClient) Download(ctx context.Context, ip, filePath string) ([]byte, error) {
	target := fmt.Sprintf("%s/explorerdownload?path=%s", c.base(ip), url.QueryEscape(filePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// Upload multipart-POSTs a file into a destination directory. The reader is
// streamed so throttled sources pace the transfer; timeout scales with size
// because SD writes are slow.
func (c *SDClient) Upload(ctx context.Context, ip, destPath string, content io.Reader, size int64) error {
	destDir := parentDir(destPath)
	target := fmt.Sprintf("%s/explorer?path=%s", c.base(ip), url.QueryEscape(destDir))

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		contentType := "audio/mpeg"
		if strings.HasSuffix(strings.ToLower(destPath), ".json") {
			contentType = "application/json"
		}
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{
			fmt.Sprintf(`form-data; name="file"; filename="%s"`, path.Base(destPath)),
		}
		header["Content-Type"] = []string{contentType}
		part, err := writer.CreatePart(header)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	timeout := time.Duration(max64(180, size/1024/1024*90)) * time.Second
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("upload returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// SetRFIDMapping binds a tag id to an SD folder with a fixed play mode.
func (c *SDClient) SetRFIDMapping(ctx context.Context, ip, tagID, folderPath string) bool {
	if folderPath == "" {
		log.Printf("[devices] skipping RFID mapping for %s: empty folder", ip)
		return false
	}
	payload, _ := json.Marshal(map[string]any{
		"id":        tagID,
		"fileOrUrl": folderPath,
		"playMode":  sdPlayModeRFIDSort,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base(ip)+"/rfid", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[devices] sd-player %s rfid mapping failed: %v", ip, err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// SDReadiness is the result of a local-playback readiness check.
type SDReadiness struct {
	Ready          bool   `json:"ready"`
	FolderExists   bool   `json:"folder_exists"`
	TracksComplete int    `json:"tracks_complete"`
	TracksTotal    int    `json:"tracks_total"`
	PlayPath       string `json:"play_path,omitempty"`
}

// CheckSDReady counts MP3 files in an album folder. Parsing failures are
// treated as "not ready" so callers fall through to streaming.
func (c *SDClient) CheckSDReady(ctx context.Context, ip, folder string, expectedTracks int) SDReadiness {
	result := SDReadiness{TracksTotal: expectedTracks}
	files, err := c.List(ctx, ip, folder)
	if err != nil {
		return result
	}
	result.FolderExists = true
	for _, f := range files {
		if strings.HasSuffix(strings.ToLower(f.Name), ".mp3") {
			result.TracksComplete++
		}
	}
	if expectedTracks > 0 {
		result.Ready = result.TracksComplete >= expectedTracks
	} else {
		result.Ready = result.TracksComplete > 0
	}
	if result.Ready {
		result.PlayPath = folder
	}
	return result
}

func parentDir(p string) string {
	dir := path.Dir(p)
	if dir == "." {
		return "/"
	}
	return dir
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
