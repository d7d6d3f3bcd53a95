package dispatch

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/rules"
)

// Category is a bag movement classification. Each has its own cooldown per zone.
type Category string

const (
	CategoryTally     Category = "tally_mismatch"
	CategoryOddHours  Category = "odd_hours"
	CategoryUnplanned Category = "unplanned"
	CategoryMonitor   Category = "monitor"
)

// PlanSource answers which dispatch plan is active for a camera zone
type PlanSource interface {
	Active(cameraID, zoneID string, now time.Time) (models.DispatchPlan, bool)
	Plan(planID string) (models.DispatchPlan, bool)
}

// PlanState counts distinct bag tracks seen while a plan is active
type PlanState struct {
	Observed int
	Tracks   map[int64]struct{}
}

type cooldownKey struct {
	CameraID string
	ZoneID   string
	Category Category
}

// Reconciler classifies bag movements against the dispatch schedule. One instance is
// shared by every camera.
type Reconciler struct {
	plans PlanSource
	log   zerolog.Logger

	mu        sync.Mutex
	states    map[string]*PlanState
	cooldowns map[cooldownKey]time.Time
}

var _ rules.BagReconciler = (*Reconciler)(nil)

// NewReconciler creates a reconciler reading plans from source
func NewReconciler(source PlanSource, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		plans:     source,
		log:       logger,
		states:    make(map[string]*PlanState),
		cooldowns: make(map[cooldownKey]time.Time),
	}
}

// Observe counts the track once toward the plan active for the camera zone
func (r *Reconciler) Observe(cameraID, zoneID string, trackID int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)
	plan, ok := r.plans.Active(cameraID, zoneID, now)
	if !ok {
		return
	}
	st := r.state(plan.PlanID)
	if _, counted := st.Tracks[trackID]; counted {
		return
	}
	st.Tracks[trackID] = struct{}{}
	st.Observed++
}

// Reconcile returns the first matching category's event, or nil when nothing matches or
// the matching category is cooling down for the zone
func (r *Reconciler) Reconcile(m rules.BagMovement) *models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan, active := r.plans.Active(m.CameraID, m.ZoneID, m.Now)
	var observed int
	if active {
		if st, ok := r.states[plan.PlanID]; ok {
			observed = st.Observed
		}
	}

	// Tally
	if active {
		for _, rule := range m.Rules {
			tally, ok := rule.(models.BagTallyMismatch)
			if !ok {
				continue
			}
			allowed := float64(plan.ExpectedBagCount) * (1 + tally.OveragePct/100)
			if float64(observed) <= allowed {
				continue
			}
			if r.cooling(m, CategoryTally, tally.Cooldown) {
				return nil
			}
			ev := newBagEvent(m, models.EventBagTallyMismatch, models.SeverityCritical, tally.RuleScope).
				WithExtra("plan_id", plan.PlanID).
				WithExtra("expected", strconv.Itoa(plan.ExpectedBagCount)).
				WithExtra("observed", strconv.Itoa(observed)).
				WithExtra("overage_pct", strconv.FormatFloat(tally.OveragePct, 'f', -1, 64)).
				WithExtra("allowed", strconv.FormatFloat(allowed, 'f', 1, 64))
			r.log.Warn().
				Str("camera_id", m.CameraID).
				Str("zone_id", m.ZoneID).
				Str("plan_id", plan.PlanID).
				Int("expected", plan.ExpectedBagCount).
				Int("observed", observed).
				Msg("Bag tally exceeds dispatch plan")
			return &ev
		}
	}

	// Odd hours
	for _, rule := range m.Rules {
		odd, ok := rule.(models.BagOddHours)
		if !ok || !odd.Window.Contains(m.Local) {
			continue
		}
		if r.cooling(m, CategoryOddHours, odd.Cooldown) {
			return nil
		}
		ev := newBagEvent(m, models.EventBagOddHours, models.SeverityWarning, odd.RuleScope).
			WithExtra("window", odd.Window.String())
		return &ev
	}

	// Unplanned
	if !active {
		for _, rule := range m.Rules {
			unplanned, ok := rule.(models.BagUnplanned)
			if !ok || !unplanned.RequirePlan {
				continue
			}
			if r.cooling(m, CategoryUnplanned, unplanned.Cooldown) {
				return nil
			}
			ev := newBagEvent(m, models.EventBagUnplanned, models.SeverityWarning, unplanned.RuleScope)
			return &ev
		}
	}

	// Monitor
	for _, rule := range m.Rules {
		monitor, ok := rule.(models.BagMonitor)
		if !ok {
			continue
		}
		if r.cooling(m, CategoryMonitor, monitor.Cooldown) {
			return nil
		}
		ev := newBagEvent(m, models.EventBagMovement, models.SeverityInfo, monitor.RuleScope)
		if active {
			ev = ev.WithExtra("plan_id", plan.PlanID)
		}
		return &ev
	}
	return nil
}

// cooling reports whether the category fired for the zone within cooldown, and arms it otherwise
func (r *Reconciler) cooling(m rules.BagMovement, cat Category, cooldown time.Duration) bool {
	key := cooldownKey{CameraID: m.CameraID, ZoneID: m.ZoneID, Category: cat}
	if last, ok := r.cooldowns[key]; ok && m.Now.Sub(last) < cooldown {
		return true
	}
	r.cooldowns[key] = m.Now
	return false
}

func (r *Reconciler) state(planID string) *PlanState {
	st, ok := r.states[planID]
	if !ok {
		st = &PlanState{Tracks: make(map[int64]struct{})}
		r.states[planID] = st
	}
	return st
}

// prune drops counts for plans that are gone or no longer active
func (r *Reconciler) prune(now time.Time) {
	for id := range r.states {
		if p, ok := r.plans.Plan(id); !ok || !p.ActiveAt(now) {
			delete(r.states, id)
		}
	}
}

// Observed returns the distinct track count for a plan
func (r *Reconciler) Observed(planID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[planID]; ok {
		return st.Observed
	}
	return 0
}

func newBagEvent(m rules.BagMovement, eventType models.EventType, severity models.Severity, scope models.RuleScope) models.Event {
	return models.NewEvent(m.GodownID, m.CameraID, eventType, severity, m.Now).
		WithDetection(m.Object).
		WithRule(scope.ID, m.ZoneID).
		WithExtra("class", m.Object.Class)
}
