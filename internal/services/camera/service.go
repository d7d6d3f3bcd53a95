package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/config"
	"godown-edge-go/internal/logging"
	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/capture"
	"godown-edge-go/internal/services/health"
	"godown-edge-go/internal/services/rules"
)

// RuleSource is the hot-swapped site description
type RuleSource interface {
	Snapshot() *rules.Snapshot
	OnChange(fn func(*rules.Snapshot))
}

// Deps are the shared collaborators every camera unit uses
type Deps struct {
	Rules      RuleSource
	Detector   Detector
	Publisher  Publisher
	Registry   *health.Registry
	Reconciler rules.BagReconciler
	Open       capture.Opener
	Now        func() time.Time
}

// Manager owns the camera units and keeps them in line with the site description
type Manager struct {
	cfg  *config.Config
	deps Deps
	loc  *time.Location
	log  zerolog.Logger

	mutex sync.RWMutex
	units map[string]*Unit
	ctx   context.Context

	restarts sync.WaitGroup
}

// NewManager creates the camera manager. Units start when Serve runs.
func NewManager(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Manager, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("camera manager timezone: %w", err)
	}
	m := &Manager{
		cfg:   cfg,
		deps:  deps,
		loc:   loc,
		log:   logger,
		units: make(map[string]*Unit),
	}
	deps.Rules.OnChange(m.Sync)
	return m, nil
}

// Serve starts every configured camera and stops them all when ctx is cancelled
func (m *Manager) Serve(ctx context.Context) error {
	m.mutex.Lock()
	m.ctx = ctx
	m.mutex.Unlock()

	m.Sync(m.deps.Rules.Snapshot())
	m.log.Info().Int("cameras", len(m.Cameras())).Msg("Camera manager started")

	<-ctx.Done()
	m.shutdown()
	return ctx.Err()
}

func (m *Manager) String() string { return "camera-manager" }

func (m *Manager) shutdown() {
	m.mutex.Lock()
	m.ctx = nil
	units := make([]*Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	m.mutex.Unlock()

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u *Unit) {
			defer wg.Done()
			if u.State() == StateRunning {
				_ = u.Stop()
			}
		}(u)
	}
	wg.Wait()
	m.restarts.Wait()
	m.log.Info().Msg("Camera manager stopped")
}

// Sync starts new cameras, stops removed ones and applies changed definitions
func (m *Manager) Sync(snap *rules.Snapshot) {
	if snap == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.ctx == nil {
		return
	}

	wanted := make(map[string]models.Camera, len(snap.Cameras))
	for _, cam := range snap.Cameras {
		wanted[cam.ID] = cam
	}

	for id, u := range m.units {
		if _, ok := wanted[id]; ok {
			continue
		}
		if u.State() == StateRunning {
			_ = u.Stop()
		}
		delete(m.units, id)
		m.deps.Registry.Remove(id)
		m.log.Info().Str("camera_id", id).Msg("Camera removed")
	}

	for id, cam := range wanted {
		if u, ok := m.units[id]; ok {
			if u.Update(cam) {
				m.restartUnit(m.ctx, u)
			}
			continue
		}
		u := m.newUnit(cam)
		m.units[id] = u
		if err := u.Start(m.ctx); err != nil {
			m.log.Error().Err(err).Str("camera_id", id).Msg("Failed to start camera")
		}
	}
}

func (m *Manager) newUnit(cam models.Camera) *Unit {
	logger := logging.WithCamera(m.log, cam.ID)
	state := m.deps.Registry.Register(cam.ID)

	evaluator := rules.NewEvaluator(m.cfg.GodownID, cam.ID, m.deps.Rules, m.loc, logger)
	if m.deps.Reconciler != nil {
		evaluator.SetReconciler(m.deps.Reconciler)
	}

	pipeline := NewPipeline(PipelineOptions{
		GodownID:  m.cfg.GodownID,
		CameraID:  cam.ID,
		Detector:  m.deps.Detector,
		Evaluator: evaluator,
		Publisher: m.deps.Publisher,
		State:     state,
		Tamper: TamperConfig{
			DarkThreshold: m.cfg.TamperDarkThreshold,
			BlurThreshold: m.cfg.TamperBlurThreshold,
			Cooldown:      m.cfg.TamperCooldown,
		},
		Now:    m.deps.Now,
		Logger: logger,
	})

	return NewUnit(cam, pipeline, state, UnitOptions{
		Open:       m.deps.Open,
		Backoffs:   m.cfg.ReconnectBackoffs,
		LatestWait: m.cfg.LatestFrameWait,
		Logger:     logger,
	})
}

// Restart restarts a camera unit in the background. It matches the watchdog's restart hook.
func (m *Manager) Restart(cameraID string) {
	m.mutex.RLock()
	u, ok := m.units[cameraID]
	ctx := m.ctx
	m.mutex.RUnlock()
	if !ok || ctx == nil {
		return
	}
	m.restartUnit(ctx, u)
}

// restartUnit runs Unit.Restart off the caller's goroutine. A restart may wait for a
// capture read that is still blocked.
func (m *Manager) restartUnit(ctx context.Context, u *Unit) {
	m.restarts.Add(1)
	go func() {
		defer m.restarts.Done()
		if err := u.Restart(ctx); err != nil {
			m.log.Error().Err(err).Str("camera_id", u.ID()).Msg("Camera restart failed")
		}
	}()
}

// SwapSource attaches the live or test source of a camera
func (m *Manager) SwapSource(cameraID, source string) error {
	m.mutex.RLock()
	u, ok := m.units[cameraID]
	m.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}
	return u.SwapSource(source)
}

// Camera returns one unit's info
func (m *Manager) Camera(cameraID string) (Info, error) {
	m.mutex.RLock()
	u, ok := m.units[cameraID]
	m.mutex.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}
	return u.Info(), nil
}

// Cameras lists all units sorted by id
func (m *Manager) Cameras() []Info {
	m.mutex.RLock()
	out := make([]Info, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u.Info())
	}
	m.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
