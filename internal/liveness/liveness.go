// Package liveness periodically probes SD-capable readers: while a device
// still plays the tag we started, the reader's last_seen is refreshed so the
// stream stays alive; anything else is left for the stale-stream reaper.
package liveness

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/mirror"
	"github.com/Kruppes/TeddyPlayer/internal/models"
	"github.com/Kruppes/TeddyPlayer/internal/readers"
)

// StaleAfter is the cutoff the stale-stream reaper applies on stream reads.
const StaleAfter = 180 * time.Second

// Supervisor runs the periodic probe.
type Supervisor struct {
	sd       *devices.SDClient
	manager  *readers.Manager
	resolve  func(readerIP string) models.DeviceRef
	lastSeen func(readerIP string)
	cron     *cron.Cron
}

func NewSupervisor(sd *devices.SDClient, manager *readers.Manager,
	resolve func(readerIP string) models.DeviceRef, touch func(readerIP string)) *Supervisor {
	return &Supervisor{
		sd:       sd,
		manager:  manager,
		resolve:  resolve,
		lastSeen: touch,
		cron:     cron.New(),
	}
}

// Start schedules the probe. Stop with Stop.
func (s *Supervisor) Start() error {
	if _, err := s.cron.AddFunc("@every 60s", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[liveness] supervisor started")
	return nil
}

func (s *Supervisor) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweep probes every reader that has an SD-player target and an active tag.
func (s *Supervisor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
	defer cancel()

	for _, ip := range s.manager.IPs() {
		if readers.IsVirtual(ip) {
			continue
		}
		view := s.manager.Peek(ip)
		if view.CurrentTag == nil || view.CurrentTag.UID == "" {
			continue
		}
		ref := view.CurrentDevice
		if !ref.Valid() {
			ref = s.resolve(ip)
		}
		if ref.Type != models.DeviceSDPlayer {
			continue
		}

		expected := mirror.DeviceTagID(view.CurrentTag.UID)
		if expected == "" {
			continue
		}
		active, err := s.sd.ActiveTagID(ctx, ip)
		if err != nil {
			// Unreachable: transient network, leave for the reaper to decide.
			continue
		}
		if active == expected {
			s.lastSeen(ip)
			continue
		}
		// Mismatch or no tag: the reaper cleans up after the cutoff.
		log.Printf("[liveness] %s no longer playing %.16s", ip, view.CurrentTag.UID)
	}
}
