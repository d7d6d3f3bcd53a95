package health

import (
	"sort"
	"sync"
	"time"

	"godown-edge-go/internal/models"
)

// Registry holds the health state of every camera
type Registry struct {
	mu      sync.RWMutex
	cameras map[string]*CameraState
	now     func() time.Time
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cameras: make(map[string]*CameraState),
		now:     now,
	}
}

// Register returns the camera's state, creating it on first use
func (r *Registry) Register(cameraID string) *CameraState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cameras[cameraID]; ok {
		return c
	}
	c := newCameraState(cameraID, r.now())
	r.cameras[cameraID] = c
	return c
}

func (r *Registry) Remove(cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cameras, cameraID)
}

func (r *Registry) Get(cameraID string) (*CameraState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cameras[cameraID]
	return c, ok
}

// All returns the camera states sorted by id
func (r *Registry) All() []*CameraState {
	r.mu.RLock()
	out := make([]*CameraState, 0, len(r.cameras))
	for _, c := range r.cameras {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Snapshots returns a view of every camera at now
func (r *Registry) Snapshots(now time.Time) []models.CameraSnapshot {
	all := r.All()
	out := make([]models.CameraSnapshot, 0, len(all))
	for _, c := range all {
		out = append(out, c.Snapshot(now))
	}
	return out
}

// MarkDelivered records a delivered event on its camera. It matches the publisher's
// delivery hook.
func (r *Registry) MarkDelivered(ev models.Event, at time.Time) {
	if c, ok := r.Get(ev.CameraID); ok {
		c.MarkEvent(at)
	}
}
