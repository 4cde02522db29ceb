package devices

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/models"
)

// MultiroomClient drives multi-room speakers over their UPnP AVTransport and
// Queue services. The device id resolves to a network address upstream; this
// client always works on the address.
type MultiroomClient struct {
	http *http.Client
}

func NewMultiroomClient() *MultiroomClient {
	return &MultiroomClient{http: &http.Client{Timeout: 10 * time.Second}}
}

const (
	avTransportEndpoint = "/MediaRenderer/AVTransport/Control"
	avTransportService  = "urn:schemas-upnp-org:service:AVTransport:1"
	queueEndpoint       = "/MediaRenderer/Queue/Control"
)

func (c *MultiroomClient) soap(ctx context.Context, ip, endpoint, service, action string, args map[string]string) (string, error) {
	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	body.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	body.WriteString("<s:Body>")
	fmt.Fprintf(&body, `<u:%s xmlns:u="%s">`, action, service)
	body.WriteString("<InstanceID>0</InstanceID>")
	for key, value := range args {
		fmt.Fprintf(&body, "<%s>%s</%s>", key, xmlEscape(value), key)
	}
	fmt.Fprintf(&body, "</u:%s>", action)
	body.WriteString("</s:Body></s:Envelope>")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s:1400%s", ip, endpoint), strings.NewReader(body.String()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, service, action))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned %d: %.200s", action, resp.StatusCode, raw)
	}
	return string(raw), nil
}

func xmlEscape(s string) string {
	var sb strings.Builder
	xml.EscapeText(&sb, []byte(s))
	return sb.String()
}

// soapField pulls a single element's text out of a SOAP response.
func soapField(payload, field string) string {
	open := "<" + field + ">"
	closing := "</" + field + ">"
	start := strings.Index(payload, open)
	if start < 0 {
		return ""
	}
	start += len(open)
	end := strings.Index(payload[start:], closing)
	if end < 0 {
		return ""
	}
	return payload[start : start+end]
}

// Play sets the transport URI and explicitly starts playback; some units only
// queue on SetAVTransportURI.
func (c *MultiroomClient) Play(ctx context.Context, ip, audioURL, title string, start float64) bool {
	meta := didlLite(audioURL, title)
	if _, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "SetAVTransportURI", map[string]string{
		"CurrentURI":         audioURL,
		"CurrentURIMetaData": meta,
	}); err != nil {
		log.Printf("[devices] multiroom %s set uri failed: %v", ip, err)
		return false
	}
	if !c.transportPlay(ctx, ip) {
		return false
	}
	if start > 0 {
		if !c.Seek(ctx, ip, start) {
			log.Printf("[devices] multiroom %s seek failed, continuing playback", ip)
		} else {
			c.transportPlay(ctx, ip)
		}
	}
	return true
}

func (c *MultiroomClient) transportPlay(ctx context.Context, ip string) bool {
	if _, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "Play", map[string]string{"Speed": "1"}); err != nil {
		log.Printf("[devices] multiroom %s play failed: %v", ip, err)
		return false
	}
	return true
}

// PlayList clears the queue, adds every track and plays from queue slot 0.
func (c *MultiroomClient) PlayList(ctx context.Context, ip string, urls []string, title string) bool {
	if len(urls) == 0 {
		return false
	}
	if _, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "RemoveAllTracksFromQueue", nil); err != nil {
		log.Printf("[devices] multiroom %s clear queue failed: %v", ip, err)
		return false
	}
	for i, u := range urls {
		if !c.Queue(ctx, ip, u, fmt.Sprintf("%s - Track %d", title, i+1)) {
			return false
		}
	}
	uid := c.rinconUID(ctx, ip)
	if uid != "" {
		if _, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "SetAVTransportURI", map[string]string{
			"CurrentURI":         "x-rincon-queue:" + uid + "#0",
			"CurrentURIMetaData": "",
		}); err != nil {
			log.Printf("[devices] multiroom %s queue uri failed: %v", ip, err)
		}
		c.soap(ctx, ip, avTransportEndpoint, avTransportService, "Seek", map[string]string{
			"Unit":   "TRACK_NR",
			"Target": "1",
		})
	}
	return c.transportPlay(ctx, ip)
}

// Queue appends a track to the end of the device queue.
func (c *MultiroomClient) Queue(ctx context.Context, ip, trackURL, title string) bool {
	if _, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "AddURIToQueue", map[string]string{
		"EnqueuedURI":                     trackURL,
		"EnqueuedURIMetaData":             didlLite(trackURL, title),
		"DesiredFirstTrackNumberEnqueued": "0",
		"EnqueueAsNext":                   "0",
	}); err != nil {
		log.Printf("[devices] multiroom %s queue failed: %v", ip, err)
		return false
	}
	log.Printf("[devices] queued on multiroom %s: %s", ip, title)
	return true
}

func (c *MultiroomClient) Pause(ctx context.Context, ip string) bool {
	if _, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "Pause", nil); err != nil {
		log.Printf("[devices] multiroom %s pause failed: %v", ip, err)
		return false
	}
	return true
}

func (c *MultiroomClient) Resume(ctx context.Context, ip string) bool {
	return c.transportPlay(ctx, ip)
}

func (c *MultiroomClient) Stop(ctx context.Context, ip string) bool {
	if _, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "Stop", nil); err != nil {
		log.Printf("[devices] multiroom %s stop failed: %v", ip, err)
		return false
	}
	return true
}

// Seek jumps to an absolute position expressed as H:MM:SS.
func (c *MultiroomClient) Seek(ctx context.Context, ip string, position float64) bool {
	if _, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "Seek", map[string]string{
		"Unit":   "REL_TIME",
		"Target": formatClock(position),
	}); err != nil {
		log.Printf("[devices] multiroom %s seek failed: %v", ip, err)
		return false
	}
	return true
}

func (c *MultiroomClient) NextTrack(ctx context.Context, ip string) bool {
	_, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "Next", nil)
	return err == nil
}

func (c *MultiroomClient) PrevTrack(ctx context.Context, ip string) bool {
	_, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "Previous", nil)
	return err == nil
}

// Position reads the current track position in seconds.
func (c *MultiroomClient) Position(ctx context.Context, ip string) (float64, bool) {
	payload, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "GetPositionInfo", nil)
	if err != nil {
		log.Printf("[devices] multiroom %s position failed: %v", ip, err)
		return 0, false
	}
	return ParseClock(soapField(payload, "RelTime")), true
}

// Transport reads the full transport snapshot.
func (c *MultiroomClient) Transport(ctx context.Context, ip string) (*models.Transport, bool) {
	info, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "GetTransportInfo", nil)
	if err != nil {
		return nil, false
	}
	pos, err := c.soap(ctx, ip, avTransportEndpoint, avTransportService, "GetPositionInfo", nil)
	if err != nil {
		return nil, false
	}
	stateMap := map[string]models.TransportState{
		"PLAYING":         models.TransportPlaying,
		"PAUSED_PLAYBACK": models.TransportPaused,
		"STOPPED":         models.TransportStopped,
		"TRANSITIONING":   models.TransportTransitioning,
	}
	state, ok := stateMap[soapField(info, "CurrentTransportState")]
	if !ok {
		state = models.TransportUnknown
	}
	return &models.Transport{
		State:    state,
		Position: ParseClock(soapField(pos, "RelTime")),
		Duration: ParseClock(soapField(pos, "TrackDuration")),
		URI:      soapField(pos, "TrackURI"),
	}, true
}

// rinconUID extracts the zone player UID used for queue-backed playback.
func (c *MultiroomClient) rinconUID(ctx context.Context, ip string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s:1400/status/zp", ip), nil)
	if err != nil {
		return ""
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}
	return soapField(string(raw), "LocalUID")
}

func didlLite(audioURL, title string) string {
	return fmt.Sprintf(`&lt;DIDL-Lite xmlns=&quot;urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/&quot; `+
		`xmlns:dc=&quot;http://purl.org/dc/elements/1.1/&quot; xmlns:upnp=&quot;urn:schemas-upnp-org:metadata-1-0/upnp/&quot;&gt;`+
		`&lt;item id=&quot;0&quot; parentID=&quot;-1&quot; restricted=&quot;1&quot;&gt;`+
		`&lt;dc:title&gt;%s&lt;/dc:title&gt;&lt;upnp:class&gt;object.item.audioItem.musicTrack&lt;/upnp:class&gt;`+
		`&lt;res protocolInfo=&quot;http-get:*:audio/mpeg:*&quot;&gt;%s&lt;/res&gt;`+
		`&lt;/item&gt;&lt;/DIDL-Lite&gt;`, xmlEscape(title), xmlEscape(audioURL))
}

// formatClock renders seconds as H:MM:SS; hours are not zero-padded.
func formatClock(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// ParseClock converts an HH:MM:SS (or MM:SS) string into seconds.
func ParseClock(clock string) float64 {
	if clock == "" || clock == "NOT_IMPLEMENTED" {
		return 0
	}
	parts := strings.Split(clock, ":")
	if len(parts) == 2 {
		parts = append([]string{"0"}, parts...)
	}
	if len(parts) != 3 {
		return 0
	}
	var h, m int
	var s float64
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil {
		return 0
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil {
		return 0
	}
	if _, err := fmt.Sscanf(parts[2], "%g", &s); err != nil {
		return 0
	}
	return float64(h*3600+m*60) + s
}
