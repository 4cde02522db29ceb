package transcode

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const coverMaxBytes = 5 * 1024 * 1024

// FetchCover downloads a cover image into the album directory once, gated on
// an image/* content type and a size cap. Returns the local path, or "" when
// no usable cover exists. An already-present sidecar short-circuits.
func FetchCover(ctx context.Context, coverURL, albumDir string) string {
	if coverURL == "" {
		return ""
	}
	os.MkdirAll(albumDir, 0o755)
	for _, name := range []string{"cover.jpg", "cover.jpeg", "cover.png"} {
		p := filepath.Join(albumDir, name)
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			return p
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coverURL, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("[transcode] cover fetch failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("[transcode] cover fetch failed: status %d", resp.StatusCode)
		return ""
	}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		log.Printf("[transcode] cover fetch invalid content-type: %s", contentType)
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, coverMaxBytes+1))
	if err != nil || len(data) == 0 {
		return ""
	}
	if len(data) > coverMaxBytes {
		log.Printf("[transcode] cover too large, skipping")
		return ""
	}

	name := "cover.jpg"
	if strings.Contains(contentType, "png") {
		name = "cover.png"
	}
	out := filepath.Join(albumDir, name)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		log.Printf("[transcode] cover write failed: %v", err)
		return ""
	}
	return out
}
