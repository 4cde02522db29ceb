// Package cache is the content-addressed on-disk store of encoded tracks and
// album metadata. Each album lives in a fingerprint directory holding NN.mp3
// track files, an optional cover sidecar and a final metadata.json whose
// presence is the sole "fully cached" signal.
package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dhowden/tag"

	"github.com/Kruppes/TeddyPlayer/internal/config"
	"github.com/Kruppes/TeddyPlayer/internal/models"
)

// Fingerprint derives the stable opaque cache key for a source URL.
func Fingerprint(sourceURL string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(sourceURL))
}

// Stats summarizes cache occupancy for the UI.
type Stats struct {
	Files   int     `json:"files"`
	Folders int     `json:"folders"`
	SizeMB  float64 `json:"size_mb"`
	MaxMB   int     `json:"max_mb"`
}

// Store owns the cache directory. It is the only component that evicts or
// concatenates; track files themselves are written by the encoding pipeline
// through paths handed out here.
type Store struct {
	root       string
	maxBytes   func() int64
	ffmpegPath string

	mu     sync.Mutex
	pinned map[string]int
}

// New creates a store rooted at dir. maxMB is read per call so settings
// updates take effect without restart.
func New(dir string, maxMB func() int, ffmpegPath string) *Store {
	return &Store{
		root: dir,
		maxBytes: func() int64 {
			return int64(maxMB()) * 1024 * 1024
		},
		ffmpegPath: ffmpegPath,
		pinned:     make(map[string]int),
	}
}

func (s *Store) Root() string { return s.root }

// Dir returns the fingerprint directory path.
func (s *Store) Dir(fp string) string {
	return filepath.Join(s.root, fp)
}

// TrackPath returns the path of a zero-based track index.
func (s *Store) TrackPath(fp string, index int) string {
	return filepath.Join(s.Dir(fp), models.TrackFilename(index))
}

// MetadataPath returns the album metadata file path.
func (s *Store) MetadataPath(fp string) string {
	return filepath.Join(s.Dir(fp), "metadata.json")
}

// ConcatPath returns the single-file concatenation path.
func (s *Store) ConcatPath(fp string) string {
	return filepath.Join(s.Dir(fp), "full.mp3")
}

// HasMetadata reports whether the album is fully cached.
func (s *Store) HasMetadata(fp string) bool {
	info, err := os.Stat(s.MetadataPath(fp))
	return err == nil && info.Size() > 0
}

// HasTrack reports whether a track file exists and is non-empty.
func (s *Store) HasTrack(fp string, index int) bool {
	info, err := os.Stat(s.TrackPath(fp, index))
	return err == nil && info.Size() > 0
}

// ReadMetadata loads the album metadata, or nil when not fully cached.
func (s *Store) ReadMetadata(fp string) *models.AlbumMetadata {
	data, err := os.ReadFile(s.MetadataPath(fp))
	if err != nil {
		return nil
	}
	var meta models.AlbumMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Printf("[cache] unreadable metadata for %s: %v", fp, err)
		return nil
	}
	return &meta
}

// WriteMetadata atomically writes metadata.json. Callers must only do this
// once every referenced track file exists.
func (s *Store) WriteMetadata(fp string, meta *models.AlbumMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return config.WriteFileAtomic(s.MetadataPath(fp), data)
}

// TrackEntry describes one on-disk MP3 of a fingerprint directory.
type TrackEntry struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Title    string `json:"title,omitempty"`
	Size     int64  `json:"size"`
}

// ListTracks enumerates the NN.mp3 files of a fingerprint directory in index
// order, reading ID3 titles where present.
func (s *Store) ListTracks(fp string) []TrackEntry {
	entries, err := os.ReadDir(s.Dir(fp))
	if err != nil {
		return nil
	}
	var tracks []TrackEntry
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".mp3") || name == "full.mp3" {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSuffix(name, ".mp3"))
		if err != nil || num < 1 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		tracks = append(tracks, TrackEntry{
			Index:    num - 1,
			Filename: name,
			Title:    s.readTitle(filepath.Join(s.Dir(fp), name)),
			Size:     info.Size(),
		})
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Index < tracks[j].Index })
	return tracks
}

func (s *Store) readTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	meta, err := tag.ReadFrom(f)
	if err != nil {
		return ""
	}
	return meta.Title()
}

// CoverPath returns the cover sidecar path if one exists.
func (s *Store) CoverPath(fp string) string {
	for _, name := range []string{"cover.jpg", "cover.jpeg", "cover.png"} {
		p := filepath.Join(s.Dir(fp), name)
		if info, err := os.Stat(p); err == nil && info.Size() > 0 {
			return p
		}
	}
	return ""
}

// Size returns the total bytes of MP3 files under the cache root.
func (s *Store) Size() int64 {
	var total int64
	filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".mp3") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Stats reports cache occupancy.
func (s *Store) Stats() Stats {
	stats := Stats{MaxMB: int(s.maxBytes() / 1024 / 1024)}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return stats
	}
	var total int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stats.Folders++
		sub, err := os.ReadDir(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		for _, f := range sub {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".mp3") {
				continue
			}
			stats.Files++
			if info, err := f.Info(); err == nil {
				total += info.Size()
			}
		}
	}
	stats.SizeMB = float64(total) / 1024 / 1024
	return stats
}

// Pin protects a fingerprint directory from eviction while an encoding is in
// flight. Pins nest.
func (s *Store) Pin(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[fp]++
}

// Unpin releases an eviction pin.
func (s *Store) Unpin(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned[fp] <= 1 {
		delete(s.pinned, fp)
		return
	}
	s.pinned[fp]--
}

func (s *Store) isPinned(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned[fp] > 0
}

type evictable struct {
	fp     string
	oldest time.Time
	size   int64
}

// EnsureSpace evicts whole fingerprint directories, oldest access first,
// until the projected occupancy fits under the cap. Pinned directories are
// skipped; if the target cannot be reached the shortfall is logged and writes
// are allowed to fail instead of blocking.
func (s *Store) EnsureSpace(needed int64) {
	os.MkdirAll(s.root, 0o755)
	max := s.maxBytes()
	current := s.Size()
	if current+needed <= max {
		return
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	var candidates []evictable
	for _, entry := range entries {
		if !entry.IsDir() || s.isPinned(entry.Name()) {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		sub, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var size int64
		var oldest time.Time
		found := false
		for _, f := range sub {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".mp3") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			size += info.Size()
			at := accessTime(filepath.Join(dir, f.Name()), info.ModTime())
			if !found || at.Before(oldest) {
				oldest = at
				found = true
			}
		}
		if found {
			candidates = append(candidates, evictable{fp: entry.Name(), oldest: oldest, size: size})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].oldest.Before(candidates[j].oldest) })

	target := max - needed
	var freed int64
	for _, cand := range candidates {
		if current <= target {
			break
		}
		if err := os.RemoveAll(filepath.Join(s.root, cand.fp)); err != nil {
			log.Printf("[cache] evict %s: %v", cand.fp, err)
			continue
		}
		current -= cand.size
		freed += cand.size
		log.Printf("[cache] evicted %s (%d KB)", cand.fp, cand.size/1024)
	}
	if freed > 0 {
		log.Printf("[cache] cleanup freed %d KB", freed/1024)
	}
	if current+needed > max {
		log.Printf("[cache] could not reach target occupancy (%d MB over)", (current+needed-max)/1024/1024)
	}
}

// Clear removes every fingerprint directory. Returns folders deleted.
func (s *Store) Clear() int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}
	deleted := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err == nil {
			deleted++
		}
	}
	log.Printf("[cache] cleared %d folders", deleted)
	return deleted
}

// Concat produces full.mp3 from the album's tracks by copying codec streams
// without re-encoding. Used only to satisfy single-file legacy streams.
// Returns the concat path, or "" when the album is not fully cached.
func (s *Store) Concat(fp string) string {
	concat := s.ConcatPath(fp)
	if info, err := os.Stat(concat); err == nil && info.Size() > 0 {
		now := time.Now()
		os.Chtimes(concat, now, now)
		return concat
	}

	meta := s.ReadMetadata(fp)
	if meta == nil {
		return ""
	}
	for _, track := range meta.Tracks {
		if !s.HasTrack(fp, track.Index) {
			log.Printf("[cache] track %d missing, cannot concatenate %s", track.Index+1, fp)
			return ""
		}
	}

	listPath := filepath.Join(s.Dir(fp), "concat_list.txt")
	var sb strings.Builder
	for _, track := range meta.Tracks {
		fmt.Fprintf(&sb, "file '%s'\n", track.Filename)
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), 0o644); err != nil {
		log.Printf("[cache] write concat list: %v", err)
		return ""
	}
	defer os.Remove(listPath)

	cmd := exec.Command(s.ffmpegPath,
		"-hide_banner", "-loglevel", "warning", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		concat,
	)
	cmd.Dir = s.Dir(fp)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Printf("[cache] concat failed for %s: %v: %s", fp, err, strings.TrimSpace(string(out)))
		os.Remove(concat)
		return ""
	}
	log.Printf("[cache] created %s/full.mp3 from %d tracks", fp, len(meta.Tracks))
	return concat
}
