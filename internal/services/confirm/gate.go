package confirm

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/metrics"
	"godown-edge-go/internal/models"
)

// Policy is the confirmation policy of one rule key
type Policy struct {
	CountRequired int
	Window        time.Duration
	Persist       time.Duration
	Cooldown      time.Duration
}

// Config holds gate defaults and per-key policies
type Config struct {
	Default  Policy
	Idle     time.Duration
	Capacity int

	// Keyed by rule key: a rule id, or the event type for events without one
	Keys map[string]Policy
}

// OverrideFunc looks up a rule's confirm override, nil when the rule has none
type OverrideFunc func(ruleKey string) *models.ConfirmOverride

type gateKey struct {
	CameraID string
	RuleKey  string
}

type trackKey struct {
	CameraID string
	RuleKey  string
	TrackID  int64
}

type push struct {
	at      time.Time
	trackID int64
}

type buffer struct {
	pushes   []push
	lastPush time.Time
}

type trackState struct {
	first     time.Time
	last      time.Time
	confirmed bool
}

// Gate suppresses single-frame triggers. A push confirms when the cooldown has elapsed and
// either enough pushes landed within the window or one track persisted long enough.
type Gate struct {
	cfg       Config
	overrides OverrideFunc
	log       zerolog.Logger

	mu          sync.Mutex
	buffers     map[gateKey]*buffer
	tracks      map[trackKey]*trackState
	lastConfirm map[gateKey]time.Time
	lastSweep   time.Time
}

// New creates a gate
func New(cfg Config, logger zerolog.Logger) *Gate {
	if cfg.Default.CountRequired < 1 {
		cfg.Default.CountRequired = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 60 * time.Second
	}
	return &Gate{
		cfg:         cfg,
		log:         logger,
		buffers:     make(map[gateKey]*buffer),
		tracks:      make(map[trackKey]*trackState),
		lastConfirm: make(map[gateKey]time.Time),
	}
}

// SetOverrides installs the per-rule override lookup
func (g *Gate) SetOverrides(fn OverrideFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides = fn
}

// Allow pushes an event keyed by its camera and rule key
func (g *Gate) Allow(ev models.Event, now time.Time) bool {
	trackID := models.UntrackedID
	if ev.TrackID != nil {
		trackID = *ev.TrackID
	}
	return g.Push(ev.CameraID, ev.GateKey(), now, trackID)
}

// Push records one trigger and reports whether it is confirmed
func (g *Gate) Push(cameraID, ruleKey string, now time.Time, trackID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSweep) >= time.Second {
		g.sweep(now)
		g.lastSweep = now
	}

	p := g.policy(ruleKey)
	gk := gateKey{CameraID: cameraID, RuleKey: ruleKey}

	buf, ok := g.buffers[gk]
	if !ok {
		buf = &buffer{pushes: make([]push, 0, 8)}
		g.buffers[gk] = buf
	}
	buf.lastPush = now

	cutoff := now.Add(-p.Window)
	drop := 0
	for drop < len(buf.pushes) && buf.pushes[drop].at.Before(cutoff) {
		drop++
	}
	buf.pushes = append(buf.pushes[drop:], push{at: now, trackID: trackID})
	if over := len(buf.pushes) - g.cfg.Capacity; over > 0 {
		buf.pushes = buf.pushes[over:]
	}

	var ts *trackState
	if trackID != models.UntrackedID && p.Persist > 0 {
		tk := trackKey{CameraID: cameraID, RuleKey: ruleKey, TrackID: trackID}
		ts = g.tracks[tk]
		// A gap longer than the window breaks continuous presence
		if ts == nil || now.Sub(ts.last) > p.Window {
			ts = &trackState{first: now}
			g.tracks[tk] = ts
		}
		ts.last = now
	}

	counted := len(buf.pushes) >= p.CountRequired
	persisted := ts != nil && !ts.confirmed && now.Sub(ts.first) >= p.Persist
	if !counted && !persisted {
		metrics.RecordConfirm(false)
		return false
	}

	if last, ok := g.lastConfirm[gk]; ok && now.Sub(last) < p.Cooldown {
		metrics.RecordConfirm(false)
		return false
	}

	g.lastConfirm[gk] = now
	buf.pushes = buf.pushes[:0]
	if ts != nil {
		ts.confirmed = true
	}
	metrics.RecordConfirm(true)
	return true
}

// Sweep clears buffers idle for longer than the idle timeout
func (g *Gate) Sweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweep(now)
	g.lastSweep = now
}

func (g *Gate) sweep(now time.Time) {
	for gk, buf := range g.buffers {
		if now.Sub(buf.lastPush) < g.cfg.Idle {
			continue
		}
		delete(g.buffers, gk)
		for tk := range g.tracks {
			if tk.CameraID == gk.CameraID && tk.RuleKey == gk.RuleKey {
				delete(g.tracks, tk)
			}
		}
		g.log.Debug().
			Str("camera_id", gk.CameraID).
			Str("rule", gk.RuleKey).
			Msg("Confirm buffer reset after idle")
	}
	for gk, last := range g.lastConfirm {
		if _, live := g.buffers[gk]; !live && now.Sub(last) >= g.policy(gk.RuleKey).Cooldown {
			delete(g.lastConfirm, gk)
		}
	}
}

// Len reports the number of live (camera, rule) buffers
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buffers)
}

// policy merges the default, per-key and per-rule override policies
func (g *Gate) policy(ruleKey string) Policy {
	p := g.cfg.Default
	if kp, ok := g.cfg.Keys[ruleKey]; ok {
		p = merge(p, kp.CountRequired, kp.Window, kp.Persist, kp.Cooldown)
	}
	if g.overrides != nil {
		if o := g.overrides(ruleKey); o != nil {
			p = merge(p, o.CountRequired, o.Window, o.Persist, o.Cooldown)
		}
	}
	return p
}

func merge(p Policy, count int, window, persist, cooldown time.Duration) Policy {
	if count > 0 {
		p.CountRequired = count
	}
	if window > 0 {
		p.Window = window
	}
	if persist > 0 {
		p.Persist = persist
	}
	if cooldown > 0 {
		p.Cooldown = cooldown
	}
	return p
}
