package devices

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	castapp "github.com/vishen/go-chromecast/application"

	"github.com/Kruppes/TeddyPlayer/internal/models"
)

const castFailLimit = 3

// CastClient drives streaming-cast targets. Connections are cached per
// device id and rebuilt when broken; after repeated connect failures the
// whole adapter is disabled until restart.
type CastClient struct {
	// Resolve maps a device id to a network address and port.
	Resolve func(id string) (string, int)

	mu        sync.Mutex
	conns     map[string]*castapp.Application
	pending   map[string][]queuedTrack
	monitors  map[string]bool
	failCount int
	disabled  bool
}

type queuedTrack struct {
	url   string
	title string
}

func NewCastClient(resolve func(id string) (string, int)) *CastClient {
	return &CastClient{
		Resolve:  resolve,
		conns:    make(map[string]*castapp.Application),
		pending:  make(map[string][]queuedTrack),
		monitors: make(map[string]bool),
	}
}

func (c *CastClient) connection(id string) *castapp.Application {
	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		log.Printf("[devices] cast disabled after repeated failures")
		return nil
	}
	if app, ok := c.conns[id]; ok {
		c.mu.Unlock()
		if err := app.Update(); err == nil {
			c.noteSuccess()
			return app
		}
		// Broken connection: evict and rebuild.
		c.mu.Lock()
		delete(c.conns, id)
	}
	c.mu.Unlock()

	addr, port := c.Resolve(id)
	if addr == "" {
		log.Printf("[devices] cast device not found: %s", id)
		c.noteFailure()
		return nil
	}
	if port == 0 {
		port = 8009
	}

	app := castapp.NewApplication()
	if err := app.Start(addr, port); err != nil {
		log.Printf("[devices] cast connect %s failed: %v", id, err)
		c.noteFailure()
		return nil
	}
	c.mu.Lock()
	c.conns[id] = app
	c.mu.Unlock()
	c.noteSuccess()
	log.Printf("[devices] connected to cast device %s", id)
	return app
}

func (c *CastClient) noteFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= castFailLimit && !c.disabled {
		c.disabled = true
		log.Printf("[devices] cast disabled after %d failures - restart to re-enable", c.failCount)
	}
}

func (c *CastClient) noteSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount = 0
}

func mimeTypeFor(audioURL string) string {
	switch {
	case strings.Contains(audioURL, ".ogg"), strings.Contains(audioURL, "vorbis"):
		return "audio/ogg"
	case strings.Contains(audioURL, ".m4a"), strings.Contains(audioURL, ".aac"):
		return "audio/mp4"
	default:
		return "audio/mpeg"
	}
}

// Play loads media and blocks until the receiver is active; an optional seek
// follows.
func (c *CastClient) Play(ctx context.Context, id, audioURL, title string, start float64) bool {
	app := c.connection(id)
	if app == nil {
		return false
	}
	if err := app.Load(audioURL, 0, mimeTypeFor(audioURL), false, true, false); err != nil {
		log.Printf("[devices] cast play %s failed: %v", id, err)
		c.dropConnection(id)
		return false
	}
	if start > 0 {
		if err := app.SeekFromStart(int(start)); err != nil {
			log.Printf("[devices] cast seek %s failed, continuing: %v", id, err)
		}
	}
	c.clearPending(id)
	log.Printf("[devices] playing on cast %s: %s", id, title)
	return true
}

// PlayList plays the first track and enqueues the rest.
func (c *CastClient) PlayList(ctx context.Context, id string, urls []string, title string) bool {
	if len(urls) == 0 {
		return false
	}
	if !c.Play(ctx, id, urls[0], title+" - Track 1", 0) {
		return false
	}
	for i, u := range urls[1:] {
		c.Queue(ctx, id, u, title+" - Track "+strconv.Itoa(i+2))
	}
	return true
}

// Queue appends a track for progressive playback. The receiver protocol has
// no durable queue for detached loads, so pending tracks are drained by a
// per-device monitor when the player goes idle.
func (c *CastClient) Queue(ctx context.Context, id, trackURL, title string) bool {
	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return false
	}
	c.pending[id] = append(c.pending[id], queuedTrack{url: trackURL, title: title})
	startMonitor := !c.monitors[id]
	if startMonitor {
		c.monitors[id] = true
	}
	c.mu.Unlock()
	if startMonitor {
		go c.monitorQueue(id)
	}
	log.Printf("[devices] queued on cast %s: %s", id, title)
	return true
}

// monitorQueue advances the pending list when the current item finishes.
func (c *CastClient) monitorQueue(id string) {
	defer func() {
		c.mu.Lock()
		delete(c.monitors, id)
		c.mu.Unlock()
	}()
	idle := 0
	for {
		time.Sleep(2 * time.Second)
		c.mu.Lock()
		queue := c.pending[id]
		disabled := c.disabled
		c.mu.Unlock()
		if len(queue) == 0 || disabled {
			return
		}

		app := c.connection(id)
		if app == nil {
			return
		}
		if err := app.Update(); err != nil {
			c.dropConnection(id)
			return
		}
		_, media, _ := app.Status()
		playing := media != nil && media.PlayerState != "IDLE"
		if playing {
			idle = 0
			continue
		}
		idle++
		if idle < 2 {
			// One idle read can race the transition between tracks.
			continue
		}
		idle = 0

		c.mu.Lock()
		if len(c.pending[id]) == 0 {
			c.mu.Unlock()
			return
		}
		next := c.pending[id][0]
		c.pending[id] = c.pending[id][1:]
		c.mu.Unlock()

		if err := app.Load(next.url, 0, "audio/mpeg", false, true, false); err != nil {
			log.Printf("[devices] cast %s queue advance failed: %v", id, err)
			c.dropConnection(id)
			return
		}
		log.Printf("[devices] cast %s advanced to %s", id, next.title)
	}
}

func (c *CastClient) clearPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *CastClient) dropConnection(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if app, ok := c.conns[id]; ok {
		go app.Close(false)
		delete(c.conns, id)
	}
}

func (c *CastClient) Pause(ctx context.Context, id string) bool {
	app := c.connection(id)
	if app == nil {
		return false
	}
	if err := app.Pause(); err != nil {
		log.Printf("[devices] cast pause %s failed: %v", id, err)
		return false
	}
	return true
}

func (c *CastClient) Resume(ctx context.Context, id string) bool {
	app := c.connection(id)
	if app == nil {
		return false
	}
	if err := app.Unpause(); err != nil {
		log.Printf("[devices] cast resume %s failed: %v", id, err)
		return false
	}
	return true
}

func (c *CastClient) Stop(ctx context.Context, id string) bool {
	c.clearPending(id)
	c.mu.Lock()
	app, ok := c.conns[id]
	c.mu.Unlock()
	if !ok {
		return true // already stopped
	}
	if err := app.StopMedia(); err != nil {
		log.Printf("[devices] cast stop %s failed: %v", id, err)
		return false
	}
	return true
}

func (c *CastClient) Seek(ctx context.Context, id string, position float64) bool {
	app := c.connection(id)
	if app == nil {
		return false
	}
	if err := app.SeekFromStart(int(position)); err != nil {
		log.Printf("[devices] cast seek %s failed: %v", id, err)
		return false
	}
	return true
}

func (c *CastClient) Position(ctx context.Context, id string) (float64, bool) {
	t, ok := c.Transport(ctx, id)
	if !ok {
		return 0, false
	}
	return t.Position, true
}

func (c *CastClient) Transport(ctx context.Context, id string) (*models.Transport, bool) {
	c.mu.Lock()
	app, ok := c.conns[id]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if err := app.Update(); err != nil {
		c.dropConnection(id)
		return nil, false
	}
	_, media, _ := app.Status()
	if media == nil {
		return nil, false
	}
	stateMap := map[string]models.TransportState{
		"PLAYING":   models.TransportPlaying,
		"PAUSED":    models.TransportPaused,
		"IDLE":      models.TransportStopped,
		"BUFFERING": models.TransportTransitioning,
	}
	state, ok := stateMap[media.PlayerState]
	if !ok {
		state = models.TransportUnknown
	}
	return &models.Transport{
		State:    state,
		Position: float64(media.CurrentTime),
		Duration: float64(media.Media.Duration),
	}, true
}
