// Package readers owns per-reader playback state. Every transition runs
// under the reader's lock, so a second scan arriving mid-transition observes
// the post-transition state.
package readers

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Kruppes/TeddyPlayer/internal/devices"
	"github.com/Kruppes/TeddyPlayer/internal/models"
)

// IsVirtual reports whether a reader IP names a web/session pseudo-reader.
// Virtual readers are never persisted and never probed.
func IsVirtual(readerIP string) bool {
	return readerIP == "manual-stream" || readerIP == "browser-session" ||
		strings.HasPrefix(readerIP, "web-")
}

// State is one reader's playback record. Mutate only while holding the lock
// obtained from Manager.Lock.
type State struct {
	mu sync.Mutex

	CurrentTag    *models.TagSnapshot
	StartedAt     time.Time // zero while nothing plays
	Offset        float64
	LastReported  float64
	CurrentDevice models.DeviceRef
	Resume        *models.Resume
	Mode          models.PlayMode
	TargetDevice  *models.DeviceRef
}

type Manager struct {
	mu     sync.Mutex
	states map[string]*State
	ctrl   *devices.Controller
}

func NewManager(ctrl *devices.Controller) *Manager {
	return &Manager{states: make(map[string]*State), ctrl: ctrl}
}

// state returns (creating if needed) the record for a reader.
func (m *Manager) state(readerIP string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[readerIP]
	if !ok {
		st = &State{Mode: models.ModeLocal}
		m.states[readerIP] = st
	}
	return st
}

// Lock serializes a transition on one reader. The callback owns the state
// for its duration.
func (m *Manager) Lock(readerIP string, fn func(*State)) {
	st := m.state(readerIP)
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st)
}

// Peek reads a consistent copy of a reader's state.
func (m *Manager) Peek(readerIP string) StateView {
	var view StateView
	m.Lock(readerIP, func(st *State) {
		view = st.view()
	})
	return view
}

// StateView is an immutable snapshot for read APIs.
type StateView struct {
	CurrentTag    *models.TagSnapshot
	StartedAt     time.Time
	Offset        float64
	LastReported  float64
	CurrentDevice models.DeviceRef
	Resume        *models.Resume
	Mode          models.PlayMode
	TargetDevice  *models.DeviceRef
}

func (st *State) view() StateView {
	view := StateView{
		StartedAt:     st.StartedAt,
		Offset:        st.Offset,
		LastReported:  st.LastReported,
		CurrentDevice: st.CurrentDevice,
		Mode:          st.Mode,
	}
	if st.CurrentTag != nil {
		tag := *st.CurrentTag
		view.CurrentTag = &tag
	}
	if st.Resume != nil {
		res := *st.Resume
		view.Resume = &res
	}
	if st.TargetDevice != nil {
		ref := *st.TargetDevice
		view.TargetDevice = &ref
	}
	return view
}

// IPs returns every reader that has a state record.
func (m *Manager) IPs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.states))
	for ip := range m.states {
		out = append(out, ip)
	}
	return out
}

// ActiveCount counts readers with a tag in place.
func (m *Manager) ActiveCount() int {
	count := 0
	for _, ip := range m.IPs() {
		if m.Peek(ip).CurrentTag != nil {
			count++
		}
	}
	return count
}

// position computes the current playback position for the resume record.
// Browser targets trust only the client-reported position; other kinds
// prefer the device's answer and fall back to wall clock.
func (m *Manager) position(ctx context.Context, st *State, ref models.DeviceRef) float64 {
	if ref.Type == models.DeviceBrowser {
		if st.LastReported < 0 {
			return 0
		}
		return st.LastReported
	}
	if pos, ok := m.ctrl.Position(ctx, ref); ok && pos > 0 {
		return pos
	}
	if !st.StartedAt.IsZero() {
		elapsed := time.Since(st.StartedAt).Seconds()
		if v := st.Offset + elapsed; v > 0 {
			return v
		}
	}
	return 0
}

// PositionFor exposes the position computation for control handlers.
func (m *Manager) PositionFor(ctx context.Context, readerIP string, ref models.DeviceRef) float64 {
	var pos float64
	m.Lock(readerIP, func(st *State) {
		pos = m.position(ctx, st, ref)
	})
	return pos
}

// deviceFor picks the device a transition should act on.
func (st *State) deviceFor(fallback func() models.DeviceRef) models.DeviceRef {
	if st.CurrentDevice.Valid() {
		return st.CurrentDevice
	}
	return fallback()
}

// HandleRemoval pauses playback and records the resume point. The current
// tag stays set so UIs keep showing it in the paused state.
func (m *Manager) HandleRemoval(ctx context.Context, readerIP string, fallback func() models.DeviceRef) {
	m.Lock(readerIP, func(st *State) {
		if st.CurrentTag == nil {
			return
		}
		ref := st.deviceFor(fallback)
		position := m.position(ctx, st, ref)
		st.Resume = &models.Resume{
			UID:      st.CurrentTag.UID,
			Position: position,
			Device:   ref,
			Paused:   true,
		}
		m.ctrl.Pause(ctx, ref)
		log.Printf("[readers] paused %s on %s (tag removed, position %.1fs)", readerIP, ref, position)
	})
}

// HandleStop is the explicit stop: clear the tag and position state, then
// stop the device.
func (m *Manager) HandleStop(ctx context.Context, readerIP string, saveResume bool, fallback func() models.DeviceRef) {
	m.Lock(readerIP, func(st *State) {
		if st.CurrentTag == nil {
			return
		}
		ref := st.deviceFor(fallback)
		if saveResume {
			position := m.position(ctx, st, ref)
			st.Resume = &models.Resume{
				UID:      st.CurrentTag.UID,
				Position: position,
				Device:   ref,
				Paused:   false,
			}
		}
		st.CurrentTag = nil
		st.StartedAt = time.Time{}
		st.Offset = 0
		st.LastReported = 0
		st.CurrentDevice = models.DeviceRef{}
		m.ctrl.Stop(ctx, ref)
		log.Printf("[readers] stopped %s on %s", readerIP, ref)
	})
}

// StopForNewTag tears down the current playback without saving a resume
// point, ahead of a different tag starting.
func (m *Manager) StopForNewTag(ctx context.Context, readerIP string, fallback func() models.DeviceRef) {
	m.Lock(readerIP, func(st *State) {
		if st.CurrentTag == nil {
			return
		}
		ref := st.deviceFor(fallback)
		st.CurrentTag = nil
		st.StartedAt = time.Time{}
		st.Offset = 0
		st.LastReported = 0
		st.CurrentDevice = models.DeviceRef{}
		m.ctrl.Stop(ctx, ref)
	})
}

// TryResume handles the tag-return transition: resume the device, or report
// the resume position so the caller can restart playback from it.
func (m *Manager) TryResume(ctx context.Context, readerIP string, uid string, fallback func() models.DeviceRef) (resumed bool, snapshot *models.TagSnapshot) {
	m.Lock(readerIP, func(st *State) {
		if st.CurrentTag == nil || st.CurrentTag.UID != uid {
			return
		}
		snapshot = st.CurrentTag
		if st.Resume == nil || st.Resume.UID != uid || !st.Resume.Paused {
			return
		}
		ref := st.deviceFor(fallback)
		if m.ctrl.Resume(ctx, ref) {
			resumed = true
			st.Resume = nil
			st.StartedAt = time.Now()
			log.Printf("[readers] resumed %s - tag returned", readerIP)
		}
	})
	return resumed, snapshot
}

// ReportPosition records a client-pushed browser position.
func (m *Manager) ReportPosition(readerIP, uid string, position float64) bool {
	accepted := false
	m.Lock(readerIP, func(st *State) {
		if st.CurrentTag == nil || st.CurrentTag.UID != uid {
			return
		}
		if position < 0 {
			position = 0
		}
		st.LastReported = position
		accepted = true
	})
	return accepted
}
