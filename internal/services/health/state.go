package health

import (
	"sync"
	"time"

	"godown-edge-go/internal/models"
)

const fpsWindow = 30

// CameraState is the health of one camera. Its owning camera unit writes it; the
// watchdog, the reporter and the API read it.
type CameraState struct {
	id        string
	startedAt time.Time

	mu              sync.RWMutex
	lastFrame       time.Time
	lastEvent       time.Time
	frameTimes      []time.Time
	online          bool
	offlineReported bool
	suppressOffline bool
	lastTamper      string
	lastTamperAt    time.Time
	tamperCooldowns map[string]time.Time
}

func newCameraState(id string, now time.Time) *CameraState {
	return &CameraState{
		id:              id,
		startedAt:       now,
		frameTimes:      make([]time.Time, 0, fpsWindow),
		tamperCooldowns: make(map[string]time.Time),
	}
}

func (c *CameraState) ID() string { return c.id }

// MarkFrame records a decoded frame
func (c *CameraState) MarkFrame(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFrame = at
	c.frameTimes = append(c.frameTimes, at)
	if len(c.frameTimes) > fpsWindow {
		c.frameTimes = c.frameTimes[len(c.frameTimes)-fpsWindow:]
	}
}

// MarkEvent records a delivered event
func (c *CameraState) MarkEvent(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.lastEvent) {
		c.lastEvent = at
	}
}

// Age is the time since the last frame, or since start when no frame arrived yet
func (c *CameraState) Age(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.age(now)
}

func (c *CameraState) age(now time.Time) time.Duration {
	if c.lastFrame.IsZero() {
		return now.Sub(c.startedAt)
	}
	return now.Sub(c.lastFrame)
}

func (c *CameraState) fps() float64 {
	n := len(c.frameTimes)
	if n < 2 {
		return 0
	}
	span := c.frameTimes[n-1].Sub(c.frameTimes[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

// FPS is the frame rate over the recent frame window
func (c *CameraState) FPS() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fps()
}

// SetSuppressOffline toggles offline events, used while a test source is attached
func (c *CameraState) SetSuppressOffline(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressOffline = v
}

func (c *CameraState) SuppressOffline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suppressOffline
}

// MarkOffline flags the camera offline and reports whether an offline event is still due
func (c *CameraState) MarkOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = false
	if c.offlineReported {
		return false
	}
	c.offlineReported = true
	return true
}

// MarkOnline flags the camera online and reports whether it was offline before
func (c *CameraState) MarkOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := !c.online
	c.online = true
	c.offlineReported = false
	return was
}

// Online reports the online flag
func (c *CameraState) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// AllowTamper reports whether a tamper event for reason may fire and starts its cooldown
func (c *CameraState) AllowTamper(reason string, now time.Time, cooldown time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.tamperCooldowns[reason]; ok && now.Sub(last) < cooldown {
		return false
	}
	c.tamperCooldowns[reason] = now
	c.lastTamper = reason
	c.lastTamperAt = now
	return true
}

// Snapshot returns a consistent read-only view
func (c *CameraState) Snapshot(now time.Time) models.CameraSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := models.CameraSnapshot{
		ID:              c.id,
		StartedAt:       c.startedAt,
		AgeSec:          c.age(now).Seconds(),
		FPSEstimate:     c.fps(),
		Online:          c.online,
		OfflineReported: c.offlineReported,
		LastTamper:      c.lastTamper,
		SuppressOffline: c.suppressOffline,
	}
	if !c.lastFrame.IsZero() {
		s := models.FormatTimestamp(c.lastFrame)
		snap.LastFrameUTC = &s
	}
	if !c.lastEvent.IsZero() {
		s := models.FormatTimestamp(c.lastEvent)
		snap.LastEventUTC = &s
	}
	if !c.lastTamperAt.IsZero() {
		at := c.lastTamperAt
		snap.LastTamperAt = &at
	}
	return snap
}
