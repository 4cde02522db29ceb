package devices

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/brutella/dnssd"

	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/store"
)

// Discoverer sweeps the LAN for playback endpoints and folds results into
// the persistent device cache. SD-player readers register via heartbeat, not
// discovery.
type Discoverer struct {
	Cache     *store.DeviceCache
	Multiroom *MultiroomClient
}

// DiscoverAll runs every kind's discovery concurrently and returns the
// merged cache view.
func (d *Discoverer) DiscoverAll(ctx context.Context) map[models.DeviceType][]models.Device {
	var wg sync.WaitGroup
	results := make(map[models.DeviceType][]models.Device)
	var mu sync.Mutex

	kinds := []struct {
		dtype models.DeviceType
		fn    func(context.Context) []models.Device
	}{
		{models.DeviceMultiroom, d.discoverMultiroom},
		{models.DeviceCast, d.discoverCast},
		{models.DeviceAirPlay, d.discoverAirPlay},
	}
	for _, kind := range kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			found := kind.fn(ctx)
			mu.Lock()
			results[kind.dtype] = found
			mu.Unlock()
		}()
	}
	wg.Wait()

	for dtype, found := range results {
		d.Cache.UpdateFromDiscovery(dtype, found)
	}
	log.Printf("[devices] discovery complete: %d multiroom, %d cast, %d airplay",
		len(results[models.DeviceMultiroom]), len(results[models.DeviceCast]), len(results[models.DeviceAirPlay]))
	return d.Cache.All()
}

// discoverMultiroom issues an SSDP M-SEARCH for UPnP zone players.
func (d *Discoverer) discoverMultiroom(ctx context.Context) []models.Device {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		log.Printf("[devices] multiroom discovery: %v", err)
		return nil
	}
	defer conn.Close()

	search := strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: 239.255.255.250:1900",
		`MAN: "ssdp:discover"`,
		"MX: 3",
		"ST: urn:schemas-upnp-org:device:ZonePlayer:1",
		"", "",
	}, "\r\n")
	dst, _ := net.ResolveUDPAddr("udp4", "239.255.255.250:1900")
	if _, err := conn.WriteTo([]byte(search), dst); err != nil {
		log.Printf("[devices] multiroom discovery send: %v", err)
		return nil
	}

	deadline := time.Now().Add(5 * time.Second)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)

	seen := make(map[string]bool)
	var found []models.Device
	buf := make([]byte, 2048)
	for {
		_, addr, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}
		host, _, _ := net.SplitHostPort(addr.String())
		if seen[host] {
			continue
		}
		seen[host] = true
		if dev := d.probeMultiroom(ctx, host); dev != nil {
			found = append(found, *dev)
		}
	}
	return found
}

// probeMultiroom fills in name, model and zone UID from the device.
func (d *Discoverer) probeMultiroom(ctx context.Context, ip string) *models.Device {
	dev := &models.Device{IP: ip, Name: "Speaker (" + ip + ")"}
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s:1400/xml/device_description.xml", ip), nil)
	if err != nil {
		return dev
	}
	resp, err := client.Do(req)
	if err != nil {
		return dev
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if name := soapField(line, "roomName"); name != "" {
			dev.Name = name
		}
		if model := soapField(line, "modelName"); model != "" {
			dev.Model = model
		}
		if udn := soapField(line, "UDN"); udn != "" {
			dev.UID = strings.TrimPrefix(udn, "uuid:")
		}
	}
	return dev
}

func (d *Discoverer) discoverCast(ctx context.Context) []models.Device {
	return browseService(ctx, "_googlecast._tcp.local.", func(entry dnssd.BrowseEntry) models.Device {
		name := entry.Text["fn"]
		if name == "" {
			name = entry.Name
		}
		dev := models.Device{
			Name:  name,
			ID:    entry.Text["id"],
			Model: entry.Text["md"],
			Port:  entry.Port,
		}
		if len(entry.IPs) > 0 {
			dev.IP = entry.IPs[0].String()
		}
		if dev.ID == "" {
			dev.ID = dev.IP
		}
		return dev
	})
}

func (d *Discoverer) discoverAirPlay(ctx context.Context) []models.Device {
	return browseService(ctx, "_raop._tcp.local.", func(entry dnssd.BrowseEntry) models.Device {
		name := entry.Name
		// RAOP instance names look like "AABBCCDDEEFF@Speaker Name".
		if _, friendly, ok := strings.Cut(name, "@"); ok {
			name = friendly
		}
		dev := models.Device{
			Name:  name,
			Model: entry.Text["am"],
			Port:  entry.Port,
		}
		if len(entry.IPs) > 0 {
			dev.IP = entry.IPs[0].String()
			dev.ID = fmt.Sprintf("%s:%d", dev.IP, entry.Port)
		}
		return dev
	})
}

// browseService collects mDNS browse results for a bounded window.
func browseService(ctx context.Context, service string, convert func(dnssd.BrowseEntry) models.Device) []models.Device {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var found []models.Device
	seen := make(map[string]bool)

	add := func(entry dnssd.BrowseEntry) {
		dev := convert(entry)
		key := dev.ID
		if key == "" {
			key = dev.IP
		}
		mu.Lock()
		defer mu.Unlock()
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		found = append(found, dev)
	}
	rmv := func(entry dnssd.BrowseEntry) {}

	if err := dnssd.LookupType(ctx, service, add, rmv); err != nil && ctx.Err() == nil {
		log.Printf("[devices] browse %s: %v", service, err)
	}
	mu.Lock()
	defer mu.Unlock()
	return found
}

// AddManual registers a device by address when discovery cannot see it. For
// multiroom targets the device is probed for its zone metadata first.
func (d *Discoverer) AddManual(ctx context.Context, dtype models.DeviceType, name, ip string) models.Device {
	dev := models.Device{Name: name, IP: ip, Manual: true}
	if dtype == models.DeviceMultiroom {
		if probed := d.probeMultiroom(ctx, ip); probed != nil {
			probed.Manual = true
			if name != "" {
				probed.Name = name
			}
			dev = *probed
		}
	}
	if dtype == models.DeviceSDPlayer && dev.ID == "" {
		dev.ID = ip
	}
	return d.Cache.Merge(dtype, dev, true)
}
