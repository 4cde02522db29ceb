// Package store holds the durable JSON documents: device cache, reader cache
// and the upload queue. Each document is loaded once at startup and written
// atomically on every mutation; there is no background flush.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/config"
	"github.com/Kruppes/TeddyPlayer/internal/models"
)

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return config.WriteFileAtomic(path, data)
}

func nowISO() string {
	return time.Now().Format(time.RFC3339)
}

// ──────────────────── Device cache ────────────────────

// DeviceCache persists discovered and manually added devices per type. Loaded
// records start offline; discovery and heartbeats refresh liveness.
type DeviceCache struct {
	mu      sync.RWMutex
	path    string
	devices map[models.DeviceType][]models.Device
}

func OpenDeviceCache(configDir string) *DeviceCache {
	c := &DeviceCache{
		path:    filepath.Join(configDir, "device_cache.json"),
		devices: make(map[models.DeviceType][]models.Device),
	}
	if err := loadJSON(c.path, &c.devices); err != nil {
		log.Printf("[store] device cache unreadable, starting empty: %v", err)
		c.devices = make(map[models.DeviceType][]models.Device)
	}
	for _, dtype := range models.AllDeviceTypes {
		if _, ok := c.devices[dtype]; !ok {
			c.devices[dtype] = []models.Device{}
		}
		for i := range c.devices[dtype] {
			c.devices[dtype][i].Online = false
		}
	}
	return c
}

// All returns a copy of the cache grouped by device type.
func (c *DeviceCache) All() map[models.DeviceType][]models.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.DeviceType][]models.Device, len(c.devices))
	for dtype, list := range c.devices {
		out[dtype] = append([]models.Device(nil), list...)
	}
	return out
}

// Merge folds a device into the cache, preserving first_seen history.
func (c *DeviceCache) Merge(dtype models.DeviceType, dev models.Device, online bool) models.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := dev.Key(dtype)
	if key == "" {
		return dev
	}
	now := nowISO()
	list := c.devices[dtype]
	for i := range list {
		if list[i].Key(dtype) != key {
			continue
		}
		merged := mergeDevice(list[i], dev)
		merged.Online = online
		merged.LastSeen = now
		list[i] = merged
		c.persistLocked()
		return merged
	}
	dev.Online = online
	dev.FirstSeen = now
	dev.LastSeen = now
	c.devices[dtype] = append(list, dev)
	c.persistLocked()
	return dev
}

// UpdateFromDiscovery merges a discovery sweep and marks absentees offline.
func (c *DeviceCache) UpdateFromDiscovery(dtype models.DeviceType, found []models.Device) {
	seen := make(map[string]bool, len(found))
	for _, dev := range found {
		c.Merge(dtype, dev, true)
		seen[dev.Key(dtype)] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.devices[dtype] {
		if !seen[c.devices[dtype][i].Key(dtype)] {
			c.devices[dtype][i].Online = false
		}
	}
	c.persistLocked()
}

// Remove deletes a device by its cache key.
func (c *DeviceCache) Remove(dtype models.DeviceType, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.devices[dtype]
	kept := list[:0]
	for _, dev := range list {
		if dev.Key(dtype) != key {
			kept = append(kept, dev)
		}
	}
	removed := len(kept) < len(list)
	c.devices[dtype] = kept
	if removed {
		c.persistLocked()
	}
	return removed
}

// MultiroomIP resolves a multiroom device id (opaque UID or literal address)
// to its network address.
func (c *DeviceCache) MultiroomIP(idOrIP string) string {
	if idOrIP == "" {
		return ""
	}
	// Literal addresses pass through untouched.
	if ip := net.ParseIP(idOrIP); ip != nil {
		return idOrIP
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dev := range c.devices[models.DeviceMultiroom] {
		if dev.UID == idOrIP || dev.IP == idOrIP {
			return dev.IP
		}
	}
	return ""
}

// Name looks up the friendly name for a device reference.
func (c *DeviceCache) Name(ref models.DeviceRef) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, dev := range c.devices[ref.Type] {
		if ref.Type == models.DeviceMultiroom {
			if dev.UID == ref.ID || dev.IP == ref.ID {
				return dev.Name
			}
			continue
		}
		if dev.ID == ref.ID || dev.IP == ref.ID {
			return dev.Name
		}
	}
	return ""
}

func (c *DeviceCache) persistLocked() {
	if err := saveJSON(c.path, c.devices); err != nil {
		log.Printf("[store] save device cache: %v", err)
	}
}

func mergeDevice(old, incoming models.Device) models.Device {
	merged := old
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.ID != "" {
		merged.ID = incoming.ID
	}
	if incoming.IP != "" {
		merged.IP = incoming.IP
	}
	if incoming.UID != "" {
		merged.UID = incoming.UID
	}
	if incoming.Model != "" {
		merged.Model = incoming.Model
	}
	if incoming.Port != 0 {
		merged.Port = incoming.Port
	}
	if incoming.Manual {
		merged.Manual = true
	}
	return merged
}

// ──────────────────── Reader cache ────────────────────

// ReaderCache persists physical readers. Virtual readers (manual-stream,
// browser-session, web-*) are never written here.
type ReaderCache struct {
	mu      sync.RWMutex
	path    string
	readers map[string]models.ReaderInfo
}

func OpenReaderCache(configDir string) *ReaderCache {
	c := &ReaderCache{
		path:    filepath.Join(configDir, "reader_cache.json"),
		readers: make(map[string]models.ReaderInfo),
	}
	if err := loadJSON(c.path, &c.readers); err != nil {
		log.Printf("[store] reader cache unreadable, starting empty: %v", err)
		c.readers = make(map[string]models.ReaderInfo)
	}
	for ip, info := range c.readers {
		info.Online = false
		c.readers[ip] = info
	}
	return c
}

func (c *ReaderCache) All() map[string]models.ReaderInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.ReaderInfo, len(c.readers))
	for ip, info := range c.readers {
		out[ip] = info
	}
	return out
}

func (c *ReaderCache) Get(ip string) (models.ReaderInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.readers[ip]
	return info, ok
}

// Touch upserts a reader and refreshes its liveness.
func (c *ReaderCache) Touch(ip string, mutate func(*models.ReaderInfo)) models.ReaderInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := nowISO()
	info, ok := c.readers[ip]
	if !ok {
		info = models.ReaderInfo{FirstSeen: now}
	}
	info.LastSeen = now
	info.Online = true
	if mutate != nil {
		mutate(&info)
	}
	c.readers[ip] = info
	c.persistLocked()
	return info
}

func (c *ReaderCache) Rename(ip, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.readers[ip]
	if !ok {
		return false
	}
	info.Name = name
	c.readers[ip] = info
	c.persistLocked()
	return true
}

func (c *ReaderCache) Remove(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.readers[ip]; !ok {
		return false
	}
	delete(c.readers, ip)
	c.persistLocked()
	return true
}

func (c *ReaderCache) persistLocked() {
	if err := saveJSON(c.path, c.readers); err != nil {
		log.Printf("[store] save reader cache: %v", err)
	}
}

// ──────────────────── Upload queue ────────────────────

// UploadQueue persists at most one pending mirror intent per device IP.
type UploadQueue struct {
	mu      sync.RWMutex
	path    string
	pending map[string]models.UploadIntent
}

func OpenUploadQueue(configDir string) *UploadQueue {
	q := &UploadQueue{
		path:    filepath.Join(configDir, "upload_queue.json"),
		pending: make(map[string]models.UploadIntent),
	}
	if err := loadJSON(q.path, &q.pending); err != nil {
		log.Printf("[store] upload queue unreadable, starting empty: %v", err)
		q.pending = make(map[string]models.UploadIntent)
	}
	if n := len(q.pending); n > 0 {
		log.Printf("[store] loaded %d pending uploads", n)
	}
	return q
}

// Put queues an intent for a device, replacing any previous one.
func (q *UploadQueue) Put(deviceIP string, intent models.UploadIntent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	intent.QueuedAt = nowISO()
	intent.Status = models.UploadPending
	q.pending[deviceIP] = intent
	q.persistLocked()
}

func (q *UploadQueue) Get(deviceIP string) (models.UploadIntent, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	intent, ok := q.pending[deviceIP]
	return intent, ok
}

func (q *UploadQueue) Clear(deviceIP string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[deviceIP]; !ok {
		return false
	}
	delete(q.pending, deviceIP)
	q.persistLocked()
	return true
}

func (q *UploadQueue) All() map[string]models.UploadIntent {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]models.UploadIntent, len(q.pending))
	for ip, intent := range q.pending {
		out[ip] = intent
	}
	return out
}

func (q *UploadQueue) persistLocked() {
	if err := saveJSON(q.path, q.pending); err != nil {
		log.Printf("[store] save upload queue: %v", err)
	}
}
