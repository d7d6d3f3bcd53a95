package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/helpers"
	"godown-edge-go/internal/models"
)

// ErrInvalidPlan is returned when a plan file entry cannot be used
var ErrInvalidPlan = errors.New("invalid dispatch plan")

// planSet is one immutable generation of the plan file
type planSet struct {
	plans   []models.DispatchPlan
	byID    map[string]models.DispatchPlan
	version uint64
}

// PlanStore polls the dispatch plan file and swaps the plan list whole on change
type PlanStore struct {
	path     string
	interval time.Duration
	log      zerolog.Logger

	current atomic.Pointer[planSet]

	mu      sync.Mutex
	modTime time.Time
}

// NewPlanStore creates a store for the plan file at path. An empty path yields a store
// that never has an active plan.
func NewPlanStore(path string, interval time.Duration, logger zerolog.Logger) *PlanStore {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &PlanStore{
		path:     path,
		interval: interval,
		log:      logger,
	}
	s.current.Store(&planSet{byID: map[string]models.DispatchPlan{}})
	return s
}

// Load reads the plan file if it exists. A missing file is an empty schedule.
func (s *PlanStore) Load() error {
	if s.path == "" {
		return nil
	}
	_, err := s.ReloadIfChanged()
	return err
}

// ReloadIfChanged reparses the plan file when its mtime moved. A bad file keeps the previous plans.
func (s *PlanStore) ReloadIfChanged() (bool, error) {
	if s.path == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mod, changed, err := helpers.FileChanged(s.path, s.modTime)
	if err != nil || !changed {
		return false, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read plan file: %w", err)
	}
	plans, err := ParsePlans(data)
	if err != nil {
		return false, err
	}

	s.modTime = mod
	s.swap(plans)
	s.log.Info().
		Str("path", s.path).
		Int("plans", len(plans)).
		Uint64("version", s.Version()).
		Msg("Dispatch plans loaded")
	return true, nil
}

// Replace installs a plan list directly
func (s *PlanStore) Replace(plans []models.DispatchPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swap(plans)
}

func (s *PlanStore) swap(plans []models.DispatchPlan) {
	next := &planSet{
		plans:   plans,
		byID:    make(map[string]models.DispatchPlan, len(plans)),
		version: s.current.Load().version + 1,
	}
	for _, p := range plans {
		next.byID[p.PlanID] = p
	}
	s.current.Store(next)
}

// Plans returns the current plan list. Callers must not modify it.
func (s *PlanStore) Plans() []models.DispatchPlan {
	return s.current.Load().plans
}

// Plan looks a plan up by id
func (s *PlanStore) Plan(planID string) (models.DispatchPlan, bool) {
	p, ok := s.current.Load().byID[planID]
	return p, ok
}

// Active returns the first plan covering the camera and zone at now
func (s *PlanStore) Active(cameraID, zoneID string, now time.Time) (models.DispatchPlan, bool) {
	for _, p := range s.current.Load().plans {
		if p.Matches(cameraID, zoneID) && p.ActiveAt(now) {
			return p, true
		}
	}
	return models.DispatchPlan{}, false
}

// Version increases every time the plan list is replaced
func (s *PlanStore) Version() uint64 {
	return s.current.Load().version
}

// Serve watches the plan file until ctx is cancelled
func (s *PlanStore) Serve(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	helpers.WatchFile(ctx, s.path, s.interval, s.log, func() {
		if _, err := s.ReloadIfChanged(); err != nil {
			s.log.Error().Err(err).Str("path", s.path).Msg("Dispatch plan reload failed, keeping previous plans")
		}
	})
	return ctx.Err()
}

func (s *PlanStore) String() string { return "dispatch-plan-watcher" }

// ParsePlans decodes a JSON plan list, either a bare array or {"plans": [...]}
func ParsePlans(data []byte) ([]models.DispatchPlan, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var plans []models.DispatchPlan
	if data[0] == '{' {
		var wrapped struct {
			Plans []models.DispatchPlan `json:"plans"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode plan file: %w", err)
		}
		plans = wrapped.Plans
	} else if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("decode plan file: %w", err)
	}

	for i, p := range plans {
		switch {
		case p.PlanID == "" || p.CameraID == "":
			return nil, fmt.Errorf("%w: entry %d needs plan_id and camera_id", ErrInvalidPlan, i)
		case !p.EndUTC.After(p.StartUTC):
			return nil, fmt.Errorf("%w: plan %s ends before it starts", ErrInvalidPlan, p.PlanID)
		case p.ExpectedBagCount < 0:
			return nil, fmt.Errorf("%w: plan %s has a negative bag count", ErrInvalidPlan, p.PlanID)
		}
	}
	return plans, nil
}
