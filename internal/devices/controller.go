// Package devices unifies the supported playback endpoint kinds behind one
// port. Operations are idempotent per device, return bool and never surface
// transport errors to callers; failures are logged at warn level.
package devices

import (
	"context"
	"log"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/store"
)

// opTimeout bounds every best-effort playback-control call.
const opTimeout = 10 * time.Second

// Controller dispatches port operations to the per-kind adapters.
type Controller struct {
	SD        *SDClient
	Multiroom *MultiroomClient
	Cast      *CastClient
	AirPlay   *AirPlayClient
	Cache     *store.DeviceCache

	// LocalFile resolves a playback URL to a local cached file for endpoints
	// that push audio instead of fetching it (AirPlay-like). Wired by the
	// orchestrator; may block while an encode completes.
	LocalFile func(ctx context.Context, playbackURL string) string
}

func NewController(deviceCache *store.DeviceCache) *Controller {
	c := &Controller{
		SD:        NewSDClient(),
		Multiroom: NewMultiroomClient(),
		AirPlay:   NewAirPlayClient(),
		Cache:     deviceCache,
	}
	c.Cast = NewCastClient(c.resolveCastAddr)
	return c
}

func (c *Controller) resolveCastAddr(id string) (string, int) {
	for _, dev := range c.Cache.All()[models.DeviceCast] {
		if dev.ID == id || dev.IP == id {
			if dev.IP != "" {
				return dev.IP, dev.Port
			}
		}
	}
	// An id that is already an address works directly.
	if id != "" && id[0] >= '0' && id[0] <= '9' {
		return id, 0
	}
	return "", 0
}

func (c *Controller) multiroomIP(id string) string {
	ip := c.Cache.MultiroomIP(id)
	if ip == "" {
		log.Printf("[devices] could not resolve multiroom id %s", id)
	}
	return ip
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// Play starts single-URL playback on a device.
func (c *Controller) Play(ctx context.Context, ref models.DeviceRef, audioURL, title string, start float64) bool {
	if !ref.Valid() {
		log.Printf("[devices] play: no device set")
		return false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceBrowser:
		// The UI audio element performs playback.
		return true
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		if ip == "" {
			return false
		}
		return c.Multiroom.Play(ctx, ip, audioURL, title, start)
	case models.DeviceCast:
		return c.Cast.Play(ctx, ref.ID, audioURL, title, start)
	case models.DeviceAirPlay:
		if c.LocalFile == nil {
			return false
		}
		// Resolving the pushed file may block on a full encode; give it its
		// own generous deadline instead of the control-call timeout.
		fileCtx, fileCancel := context.WithTimeout(context.Background(), 5*time.Minute)
		path := c.LocalFile(fileCtx, audioURL)
		fileCancel()
		if path == "" {
			log.Printf("[devices] airplay: no local file for %s", audioURL)
			return false
		}
		return c.AirPlay.PlayFile(ctx, ref.ID, path, title)
	case models.DeviceSDPlayer:
		return c.SD.PlayURL(ctx, ref.ID, audioURL)
	}
	log.Printf("[devices] playback not implemented for %s", ref.Type)
	return false
}

// PlayList plays an ordered track list, degrading to first-track playback on
// endpoints without playlists.
func (c *Controller) PlayList(ctx context.Context, ref models.DeviceRef, urls []string, title string) bool {
	if !ref.Valid() || len(urls) == 0 {
		return false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceBrowser:
		return true
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		if ip == "" {
			return false
		}
		return c.Multiroom.PlayList(ctx, ip, urls, title)
	case models.DeviceCast:
		return c.Cast.PlayList(ctx, ref.ID, urls, title)
	case models.DeviceAirPlay:
		log.Printf("[devices] airplay: playing first track only")
		return c.Play(ctx, ref, urls[0], title+" - Track 1", 0)
	case models.DeviceSDPlayer:
		return c.SD.PlayURL(ctx, ref.ID, urls[0])
	}
	return c.Play(ctx, ref, urls[0], title+" - Track 1", 0)
}

// Queue appends one track for progressive playback. Only queue-capable kinds
// support this; the rest return false.
func (c *Controller) Queue(ctx context.Context, ref models.DeviceRef, trackURL, title string) bool {
	if !ref.Valid() {
		return false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		if ip == "" {
			return false
		}
		return c.Multiroom.Queue(ctx, ip, trackURL, title)
	case models.DeviceCast:
		return c.Cast.Queue(ctx, ref.ID, trackURL, title)
	}
	return false
}

func (c *Controller) Pause(ctx context.Context, ref models.DeviceRef) bool {
	if !ref.Valid() {
		return false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceBrowser:
		return true
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		return ip != "" && c.Multiroom.Pause(ctx, ip)
	case models.DeviceCast:
		return c.Cast.Pause(ctx, ref.ID)
	case models.DeviceAirPlay:
		return c.AirPlay.Pause(ctx, ref.ID)
	case models.DeviceSDPlayer:
		return c.SD.PauseToggle(ctx, ref.ID)
	}
	return false
}

func (c *Controller) Resume(ctx context.Context, ref models.DeviceRef) bool {
	if !ref.Valid() {
		return false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceBrowser:
		return true
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		return ip != "" && c.Multiroom.Resume(ctx, ip)
	case models.DeviceCast:
		return c.Cast.Resume(ctx, ref.ID)
	case models.DeviceAirPlay:
		return c.AirPlay.Resume(ctx, ref.ID)
	case models.DeviceSDPlayer:
		return c.SD.PauseToggle(ctx, ref.ID)
	}
	return false
}

func (c *Controller) Stop(ctx context.Context, ref models.DeviceRef) bool {
	if !ref.Valid() {
		return false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceBrowser:
		return true
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		return ip != "" && c.Multiroom.Stop(ctx, ip)
	case models.DeviceCast:
		return c.Cast.Stop(ctx, ref.ID)
	case models.DeviceAirPlay:
		return c.AirPlay.Stop(ctx, ref.ID)
	case models.DeviceSDPlayer:
		return c.SD.Stop(ctx, ref.ID)
	}
	return false
}

// Seek jumps to an absolute position. SD players report unsupported rather
// than silently succeeding.
func (c *Controller) Seek(ctx context.Context, ref models.DeviceRef, position float64) bool {
	if !ref.Valid() {
		return false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		return ip != "" && c.Multiroom.Seek(ctx, ip, position)
	case models.DeviceCast:
		return c.Cast.Seek(ctx, ref.ID, position)
	}
	return false
}

// Position returns the device-reported playback position, when available.
func (c *Controller) Position(ctx context.Context, ref models.DeviceRef) (float64, bool) {
	if !ref.Valid() {
		return 0, false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		if ip == "" {
			return 0, false
		}
		return c.Multiroom.Position(ctx, ip)
	case models.DeviceCast:
		return c.Cast.Position(ctx, ref.ID)
	}
	return 0, false
}

// Transport returns a detailed transport snapshot for kinds that expose one.
func (c *Controller) Transport(ctx context.Context, ref models.DeviceRef) (*models.Transport, bool) {
	if !ref.Valid() {
		return nil, false
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	switch ref.Type {
	case models.DeviceMultiroom:
		ip := c.multiroomIP(ref.ID)
		if ip == "" {
			return nil, false
		}
		return c.Multiroom.Transport(ctx, ip)
	case models.DeviceCast:
		return c.Cast.Transport(ctx, ref.ID)
	}
	return nil, false
}

// IsPlaying reports whether a device's transport is in the playing state.
func (c *Controller) IsPlaying(ctx context.Context, ref models.DeviceRef) bool {
	t, ok := c.Transport(ctx, ref)
	return ok && t.State == models.TransportPlaying
}

func (c *Controller) NextTrack(ctx context.Context, ref models.DeviceRef) bool {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if ref.Type == models.DeviceMultiroom {
		ip := c.multiroomIP(ref.ID)
		return ip != "" && c.Multiroom.NextTrack(ctx, ip)
	}
	return false
}

func (c *Controller) PrevTrack(ctx context.Context, ref models.DeviceRef) bool {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if ref.Type == models.DeviceMultiroom {
		ip := c.multiroomIP(ref.ID)
		return ip != "" && c.Multiroom.PrevTrack(ctx, ip)
	}
	return false
}
