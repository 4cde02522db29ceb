package devices

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// AirPlayClient pushes a local file to an AirPlay-like receiver over the RAOP
// push protocol: an RTSP handshake (ANNOUNCE, SETUP, RECORD) followed by an
// RTP stream over UDP. Playlists collapse to the first track; pause is stop.
type AirPlayClient struct {
	mu      sync.Mutex
	conns   map[string]*raopSession
	streams map[string]context.CancelFunc
}

func NewAirPlayClient() *AirPlayClient {
	return &AirPlayClient{
		conns:   make(map[string]*raopSession),
		streams: make(map[string]context.CancelFunc),
	}
}

// raopSession is one long-lived control connection to a receiver.
type raopSession struct {
	addr       string
	control    net.Conn
	reader     *bufio.Reader
	cseq       int
	sessionID  string
	serverPort int
}

const rtspVersion = "RTSP/1.0"

func dialRAOP(ctx context.Context, addr string) (*raopSession, error) {
	if !strings.Contains(addr, ":") {
		addr += ":5000"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &raopSession{
		addr:    addr,
		control: conn,
		reader:  bufio.NewReader(conn),
	}, nil
}

// request sends one RTSP request and parses the response headers.
func (s *raopSession) request(method, target, contentType string, body []byte) (map[string]string, error) {
	s.cseq++
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s\r\n", method, target, rtspVersion)
	fmt.Fprintf(&sb, "CSeq: %d\r\n", s.cseq)
	fmt.Fprintf(&sb, "User-Agent: TeddyPlayer/1.0\r\n")
	if s.sessionID != "" {
		fmt.Fprintf(&sb, "Session: %s\r\n", s.sessionID)
	}
	if method == "SETUP" {
		fmt.Fprintf(&sb, "Transport: RTP/AVP/UDP;unicast;mode=record\r\n")
	}
	if len(body) > 0 {
		fmt.Fprintf(&sb, "Content-Type: %s\r\n", contentType)
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	}
	sb.WriteString("\r\n")

	s.control.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := s.control.Write([]byte(sb.String())); err != nil {
		return nil, err
	}
	if len(body) > 0 {
		if _, err := s.control.Write(body); err != nil {
			return nil, err
		}
	}

	statusLine, err := s.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.Contains(statusLine, "200") {
		return nil, fmt.Errorf("%s rejected: %s", method, strings.TrimSpace(statusLine))
	}
	headers := make(map[string]string)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if key, value, ok := strings.Cut(line, ":"); ok {
			headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
		}
	}
	return headers, nil
}

// handshake announces the stream and records the negotiated RTP port.
func (s *raopSession) handshake() error {
	host, _, _ := net.SplitHostPort(s.addr)
	target := fmt.Sprintf("rtsp://%s/%d", host, rand.Int31())

	sdp := strings.Join([]string{
		"v=0",
		fmt.Sprintf("o=TeddyPlayer %d 0 IN IP4 %s", rand.Int31(), host),
		"s=TeddyPlayer",
		"c=IN IP4 " + host,
		"t=0 0",
		"m=audio 0 RTP/AVP 96",
		"a=rtpmap:96 mpa-robust/44100",
		"",
	}, "\r\n")

	if _, err := s.request("ANNOUNCE", target, "application/sdp", []byte(sdp)); err != nil {
		return err
	}
	headers, err := s.request("SETUP", target, "", nil)
	if err != nil {
		return err
	}
	s.sessionID = headers["session"]
	for _, part := range strings.Split(headers["transport"], ";") {
		if after, ok := strings.CutPrefix(part, "server_port="); ok {
			fmt.Sscanf(after, "%d", &s.serverPort)
		}
	}
	if s.serverPort == 0 {
		s.serverPort = 6000
	}
	if _, err := s.request("RECORD", target, "", nil); err != nil {
		return err
	}
	return nil
}

func (s *raopSession) teardown() {
	s.request("TEARDOWN", "*", "", nil)
	s.control.Close()
}

func (c *AirPlayClient) session(ctx context.Context, id string) *raopSession {
	c.mu.Lock()
	sess, ok := c.conns[id]
	c.mu.Unlock()
	if ok {
		return sess
	}
	sess, err := dialRAOP(ctx, id)
	if err != nil {
		log.Printf("[devices] airplay %s dial failed: %v", id, err)
		return nil
	}
	if err := sess.handshake(); err != nil {
		log.Printf("[devices] airplay %s handshake failed: %v", id, err)
		sess.control.Close()
		return nil
	}
	c.mu.Lock()
	c.conns[id] = sess
	c.mu.Unlock()
	log.Printf("[devices] connected to airplay device %s", id)
	return sess
}

func (c *AirPlayClient) dropSession(id string) {
	c.mu.Lock()
	sess, ok := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if ok {
		sess.teardown()
	}
}

func (c *AirPlayClient) cancelStream(id string) {
	c.mu.Lock()
	cancel, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// PlayFile pushes a local file to the receiver. The stream runs in the
// background; a new play for the same device cancels the previous stream.
func (c *AirPlayClient) PlayFile(ctx context.Context, id, path, title string) bool {
	if _, err := os.Stat(path); err != nil {
		log.Printf("[devices] airplay %s: file missing: %v", id, err)
		return false
	}
	sess := c.session(ctx, id)
	if sess == nil {
		return false
	}

	c.cancelStream(id)
	streamCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.streams[id] = cancel
	c.mu.Unlock()

	go func() {
		if err := c.streamFile(streamCtx, sess, path); err != nil && streamCtx.Err() == nil {
			log.Printf("[devices] airplay %s stream error: %v", id, err)
			c.dropSession(id)
		} else {
			log.Printf("[devices] airplay stream finished for %s", id)
		}
	}()
	log.Printf("[devices] streaming to airplay %s: %s", id, title)
	return true
}

// streamFile packetizes the file into RTP and paces it at roughly the CBR
// encode rate so the receiver's buffer neither starves nor overflows.
func (c *AirPlayClient) streamFile(ctx context.Context, sess *raopSession, path string) error {
	host, _, _ := net.SplitHostPort(sess.addr)
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", host, sess.serverPort))
	if err != nil {
		return err
	}
	defer conn.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	const chunk = 1408
	// 192 kbps CBR: one chunk is ~58 ms of audio.
	chunkBits := float64(chunk * 8)
	interval := time.Duration(chunkBits / 192000 * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := uint16(rand.Intn(1 << 16))
	timestamp := rand.Uint32()
	ssrc := rand.Uint32()
	buf := make([]byte, chunk)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			pkt := rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: seq,
					Timestamp:      timestamp,
					SSRC:           ssrc,
				},
				Payload: buf[:n],
			}
			raw, err := pkt.Marshal()
			if err != nil {
				return err
			}
			if _, err := conn.Write(raw); err != nil {
				return err
			}
			seq++
			timestamp += uint32(n)
		}
		if readErr != nil {
			return nil
		}
	}
}

// Stop cancels the stream and sends the remote-control stop.
func (c *AirPlayClient) Stop(ctx context.Context, id string) bool {
	c.cancelStream(id)
	c.mu.Lock()
	_, ok := c.conns[id]
	c.mu.Unlock()
	if !ok {
		return true // already stopped
	}
	c.dropSession(id)
	return true
}

// Pause is not reliably supported by the push protocol; stop instead.
func (c *AirPlayClient) Pause(ctx context.Context, id string) bool {
	return c.Stop(ctx, id)
}

// Resume re-issues RECORD on a live session, if any.
func (c *AirPlayClient) Resume(ctx context.Context, id string) bool {
	c.mu.Lock()
	sess, ok := c.conns[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := sess.request("RECORD", "*", "", nil); err != nil {
		log.Printf("[devices] airplay %s resume failed: %v", id, err)
		return false
	}
	return true
}
