package rules

import (
	"time"

	"godown-edge-go/internal/models"
)

// Snapshot is an immutable view of cameras, zones and rules. It is replaced whole on reload.
type Snapshot struct {
	LoadedAt time.Time
	Cameras  []models.Camera
	Rules    []models.Rule

	byCamera map[string]*CameraRules
	byID     map[string]models.Rule
}

// CameraRules is the per-camera rule index keyed by zone id
type CameraRules struct {
	Camera models.Camera
	Zones  []models.Zone

	byZone map[string][]models.Rule
	global []models.Rule
	kinds  map[models.RuleKind]bool
}

// NewSnapshot indexes the rules by camera and zone
func NewSnapshot(cameras []models.Camera, rules []models.Rule) *Snapshot {
	s := &Snapshot{
		LoadedAt: time.Now(),
		Cameras:  cameras,
		Rules:    rules,
		byCamera: make(map[string]*CameraRules, len(cameras)),
		byID:     make(map[string]models.Rule, len(rules)),
	}

	for _, cam := range cameras {
		s.byCamera[cam.ID] = &CameraRules{
			Camera: cam,
			Zones:  cam.Zones,
			byZone: make(map[string][]models.Rule),
			kinds:  make(map[models.RuleKind]bool),
		}
	}

	for _, r := range rules {
		scope := r.Scope()
		s.byID[scope.ID] = r
		cr, ok := s.byCamera[scope.CameraID]
		if !ok {
			continue
		}
		cr.kinds[r.Kind()] = true
		if scope.Global() {
			cr.global = append(cr.global, r)
			continue
		}
		cr.byZone[scope.ZoneID] = append(cr.byZone[scope.ZoneID], r)
	}

	return s
}

// Camera returns the index for a camera, or nil when the camera is not configured
func (s *Snapshot) Camera(cameraID string) *CameraRules {
	if s == nil {
		return nil
	}
	return s.byCamera[cameraID]
}

// Rule looks a rule up by id
func (s *Snapshot) Rule(ruleID string) (models.Rule, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.byID[ruleID]
	return r, ok
}

// ConfirmOverride returns the rule's confirm gate override, if any
func (s *Snapshot) ConfirmOverride(ruleID string) *models.ConfirmOverride {
	r, ok := s.Rule(ruleID)
	if !ok {
		return nil
	}
	return r.Scope().Confirm
}

// ForZone returns the zone's rules followed by the camera's global rules.
// GlobalZone returns the global rules only.
func (c *CameraRules) ForZone(zoneID string) []models.Rule {
	if c == nil {
		return nil
	}
	if zoneID == models.GlobalZone || zoneID == "" {
		return c.global
	}
	zoned := c.byZone[zoneID]
	if len(c.global) == 0 {
		return zoned
	}
	out := make([]models.Rule, 0, len(zoned)+len(c.global))
	out = append(out, zoned...)
	return append(out, c.global...)
}

// HasKind reports whether any rule of the given kinds is configured for the camera
func (c *CameraRules) HasKind(kinds ...models.RuleKind) bool {
	if c == nil {
		return false
	}
	for _, k := range kinds {
		if c.kinds[k] {
			return true
		}
	}
	return false
}
