package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/metrics"
	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/geofence"
)

const (
	// StateTTL is how long loitering, animal, bag and plate state survives without a refresh
	StateTTL = 300 * time.Second
	// ExitDebounce is the absence after which a person may trigger a window rule again
	ExitDebounce = 2 * time.Second
)

// Source yields the rules snapshot to evaluate against
type Source interface {
	Snapshot() *Snapshot
}

// BagMovement is a bag movement handed to a plan-aware reconciler
type BagMovement struct {
	GodownID string
	CameraID string
	ZoneID   string
	Object   models.DetectedObject
	Rules    []models.Rule
	Now      time.Time
	Local    time.Time
}

// BagReconciler counts bags against dispatch plans and classifies movements
type BagReconciler interface {
	Observe(cameraID, zoneID string, trackID int64, now time.Time)
	Reconcile(m BagMovement) *models.Event
}

// TrackInfo is the loitering dwell state of one track
type TrackInfo struct {
	FirstSeen time.Time
	LastSeen  time.Time
	ZoneID    string
	Reported  map[string]bool
}

// BagInfo is the movement episode state of one bag track
type BagInfo struct {
	ZoneID    string
	LastX     float64
	LastY     float64
	OriginX   float64
	OriginY   float64
	FirstSeen time.Time
	LastSeen  time.Time
	Reported  bool
}

type trackZoneKey struct {
	TrackID int64
	ZoneID  string
}

type ruleTrackKey struct {
	RuleID  string
	TrackID int64
}

type rulePlateKey struct {
	RuleID string
	Plate  string
}

// Evaluator is the per-camera rule state machine. It is driven by the camera's own
// goroutine and is not safe for concurrent use.
type Evaluator struct {
	godownID   string
	cameraID   string
	source     Source
	loc        *time.Location
	reconciler BagReconciler
	log        zerolog.Logger

	personSeen   map[trackZoneKey]time.Time
	personActive map[ruleTrackKey]string
	loiter       map[int64]*TrackInfo
	animals      map[trackZoneKey]time.Time
	bags         map[int64]*BagInfo
	plates       map[rulePlateKey]time.Time
}

// NewEvaluator creates an evaluator for one camera
func NewEvaluator(godownID, cameraID string, source Source, loc *time.Location, logger zerolog.Logger) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	return &Evaluator{
		godownID:     godownID,
		cameraID:     cameraID,
		source:       source,
		loc:          loc,
		log:          logger,
		personSeen:   make(map[trackZoneKey]time.Time),
		personActive: make(map[ruleTrackKey]string),
		loiter:       make(map[int64]*TrackInfo),
		animals:      make(map[trackZoneKey]time.Time),
		bags:         make(map[int64]*BagInfo),
		plates:       make(map[rulePlateKey]time.Time),
	}
}

// SetReconciler attaches the dispatch plan reconciler used for plan-aware bag rules
func (e *Evaluator) SetReconciler(r BagReconciler) {
	e.reconciler = r
}

// objectContext is everything a rule needs to judge one detection
type objectContext struct {
	obj    models.DetectedObject
	class  objectClass
	zoneID string
	zoned  bool
	now    time.Time
	local  time.Time
}

type objectClass int

const (
	classOther objectClass = iota
	classPerson
	classAnimal
	classBag
)

// Evaluate consumes one frame's detections and returns the candidate events
func (e *Evaluator) Evaluate(objs []models.DetectedObject, now time.Time) []models.Event {
	e.Sweep(now)

	cr := e.source.Snapshot().Camera(e.cameraID)
	if cr == nil {
		return nil
	}

	var events []models.Event
	for _, obj := range objs {
		if !obj.BBox.Valid() {
			e.log.Debug().Str("class", obj.Class).Msg("Skipping detection with empty bbox")
			continue
		}
		oc := objectContext{
			obj:   obj,
			class: classify(obj.Class),
			now:   now,
			local: now.In(e.loc),
		}
		oc.zoneID, oc.zoned = geofence.DetermineZone(obj.BBox, cr.Zones)

		var applicable []models.Rule
		switch {
		case oc.zoned:
			applicable = cr.ForZone(oc.zoneID)
		case oc.class == classPerson && !cr.Camera.InstantAlert:
			continue
		default:
			oc.zoneID = models.GlobalZone
			applicable = cr.ForZone(models.GlobalZone)
		}

		switch oc.class {
		case classPerson:
			e.touchPerson(oc)
		case classBag:
			events = append(events, e.evaluateBag(cr, oc, applicable)...)
		}

		for _, r := range applicable {
			ev, err := e.apply(r, oc)
			if err != nil {
				e.log.Error().Err(err).Str("rule_id", r.Scope().ID).Msg("Rule evaluation failed")
				continue
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
	}

	for _, ev := range events {
		metrics.RecordRuleEvent(string(ev.EventType))
	}
	return events
}

// apply is the single dispatch over the closed rule set
func (e *Evaluator) apply(r models.Rule, oc objectContext) (*models.Event, error) {
	switch rule := r.(type) {
	case models.UnauthPersonAfterHours:
		if oc.class != classPerson || !rule.Window.Contains(oc.local) {
			return nil, nil
		}
		return e.presence(rule.RuleScope, rule.Window, models.EventUnauthPerson, oc), nil
	case models.NoPersonDuring:
		if oc.class != classPerson || !rule.Window.Contains(oc.local) {
			return nil, nil
		}
		return e.presence(rule.RuleScope, rule.Window, models.EventPersonDuringBlocked, oc), nil
	case models.Loitering:
		if oc.class != classPerson {
			return nil, nil
		}
		return e.loitering(rule, oc), nil
	case models.AnimalForbidden:
		if !animalMatches(rule, oc) {
			return nil, nil
		}
		return e.animal(rule, oc), nil
	case models.BagMonitor, models.BagOddHours, models.BagUnplanned, models.BagTallyMismatch:
		// Bag rules are prioritised together in evaluateBag
		return nil, nil
	case models.AnprMonitor:
		return e.plate(rule.RuleScope, oc, models.EventANPRDetected, models.SeverityInfo, func(string) bool { return true }), nil
	case models.AnprWhitelist:
		return e.plate(rule.RuleScope, oc, models.EventANPRNotWhitelisted, models.SeverityWarning, func(p string) bool {
			return !contains(rule.Plates, p)
		}), nil
	case models.AnprBlacklist:
		return e.plate(rule.RuleScope, oc, models.EventANPRBlacklisted, models.SeverityCritical, func(p string) bool {
			return contains(rule.Plates, p)
		}), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRuleType, r)
	}
}

func (e *Evaluator) newEvent(eventType models.EventType, severity models.Severity, scope models.RuleScope, oc objectContext) models.Event {
	ev := models.NewEvent(e.godownID, e.cameraID, eventType, severity, oc.now).
		WithDetection(oc.obj).
		WithRule(scope.ID, oc.zoneID)
	return ev.WithExtra("class", oc.obj.Class)
}

func (e *Evaluator) touchPerson(oc objectContext) {
	e.personSeen[trackZoneKey{TrackID: oc.obj.TrackID, ZoneID: oc.zoneID}] = oc.now

	if !oc.obj.Tracked() {
		return
	}
	info, ok := e.loiter[oc.obj.TrackID]
	if !ok || info.ZoneID != oc.zoneID {
		e.loiter[oc.obj.TrackID] = &TrackInfo{
			FirstSeen: oc.now,
			LastSeen:  oc.now,
			ZoneID:    oc.zoneID,
			Reported:  make(map[string]bool),
		}
		return
	}
	info.LastSeen = oc.now
}

// presence emits once per (rule, track) until the track has left the zone for ExitDebounce
func (e *Evaluator) presence(scope models.RuleScope, window models.TimeWindow, eventType models.EventType, oc objectContext) *models.Event {
	key := ruleTrackKey{RuleID: scope.ID, TrackID: oc.obj.TrackID}
	if _, active := e.personActive[key]; active {
		return nil
	}
	e.personActive[key] = oc.zoneID

	ev := e.newEvent(eventType, models.SeverityWarning, scope, oc).
		WithExtra("window", window.String())
	return &ev
}

func (e *Evaluator) loitering(rule models.Loitering, oc objectContext) *models.Event {
	if !oc.obj.Tracked() {
		return nil
	}
	info, ok := e.loiter[oc.obj.TrackID]
	if !ok || info.Reported[rule.ID] {
		return nil
	}
	dwell := oc.now.Sub(info.FirstSeen)
	if dwell < rule.Dwell {
		return nil
	}
	info.Reported[rule.ID] = true

	ev := e.newEvent(models.EventLoitering, models.SeverityWarning, rule.RuleScope, oc).
		WithExtra("dwell_sec", strconv.FormatFloat(dwell.Seconds(), 'f', 1, 64)).
		WithExtra("threshold_sec", strconv.FormatFloat(rule.Dwell.Seconds(), 'f', 0, 64))
	return &ev
}

// animal emits on the first sighting of a (track, zone) pair. The entry only expires
// StateTTL after the alert, so a stationary animal is not re-reported while it stays.
func (e *Evaluator) animal(rule models.AnimalForbidden, oc objectContext) *models.Event {
	key := trackZoneKey{TrackID: oc.obj.TrackID, ZoneID: oc.zoneID}
	if _, seen := e.animals[key]; seen {
		return nil
	}
	e.animals[key] = oc.now

	ev := e.newEvent(models.EventAnimalIntrusion, models.SeverityWarning, rule.RuleScope, oc)
	return &ev
}

func (e *Evaluator) plate(scope models.RuleScope, oc objectContext, eventType models.EventType, severity models.Severity, match func(string) bool) *models.Event {
	plate := NormalizePlate(oc.obj.Plate)
	if plate == "" || !match(plate) {
		return nil
	}
	key := rulePlateKey{RuleID: scope.ID, Plate: plate}
	if _, seen := e.plates[key]; seen {
		return nil
	}
	e.plates[key] = oc.now

	ev := e.newEvent(eventType, severity, scope, oc).WithExtra("plate", plate)
	return &ev
}

// evaluateBag tracks the movement episode of a bag and emits at most one event per episode
func (e *Evaluator) evaluateBag(cr *CameraRules, oc objectContext, applicable []models.Rule) []models.Event {
	if !oc.obj.Tracked() {
		return nil
	}
	planAware := e.reconciler != nil && cr.HasKind(models.RuleBagUnplanned, models.RuleBagTallyMismatch)
	if planAware {
		e.reconciler.Observe(e.cameraID, oc.zoneID, oc.obj.TrackID, oc.now)
	}

	cx, cy := oc.obj.BBox.Center()
	info, ok := e.bags[oc.obj.TrackID]
	if !ok {
		e.bags[oc.obj.TrackID] = &BagInfo{
			ZoneID: oc.zoneID, LastX: cx, LastY: cy, OriginX: cx, OriginY: cy,
			FirstSeen: oc.now, LastSeen: oc.now,
		}
		return nil
	}

	zoneChanged := info.ZoneID != oc.zoneID
	moved := zoneChanged || cx != info.LastX || cy != info.LastY
	if zoneChanged {
		*info = BagInfo{ZoneID: oc.zoneID, OriginX: cx, OriginY: cy, FirstSeen: oc.now}
	}
	info.LastX, info.LastY, info.LastSeen = cx, cy, oc.now

	if !moved || info.Reported {
		return nil
	}

	var ev *models.Event
	if planAware {
		ev = e.reconciler.Reconcile(BagMovement{
			GodownID: e.godownID,
			CameraID: e.cameraID,
			ZoneID:   oc.zoneID,
			Object:   oc.obj,
			Rules:    applicable,
			Now:      oc.now,
			Local:    oc.local,
		})
	} else {
		ev = e.bagByPriority(oc, info, zoneChanged, applicable)
	}
	if ev == nil {
		return nil
	}
	info.Reported = true
	return []models.Event{*ev}
}

// bagByPriority checks after-hours windows first, then distance monitors
func (e *Evaluator) bagByPriority(oc objectContext, info *BagInfo, zoneChanged bool, applicable []models.Rule) *models.Event {
	for _, r := range applicable {
		if rule, ok := r.(models.BagOddHours); ok && rule.Window.Contains(oc.local) {
			ev := e.newEvent(models.EventBagAfterHours, models.SeverityWarning, rule.RuleScope, oc).
				WithExtra("window", rule.Window.String())
			return &ev
		}
	}

	dist := math.Hypot(info.LastX-info.OriginX, info.LastY-info.OriginY)
	for _, r := range applicable {
		rule, ok := r.(models.BagMonitor)
		if !ok {
			continue
		}
		if zoneChanged || dist >= rule.MinDisplacement {
			ev := e.newEvent(models.EventBagMovement, models.SeverityInfo, rule.RuleScope, oc).
				WithExtra("displacement_px", strconv.FormatFloat(dist, 'f', 1, 64))
			return &ev
		}
	}
	return nil
}

// Sweep purges state that outlived its timeout
func (e *Evaluator) Sweep(now time.Time) {
	for id, info := range e.loiter {
		if now.Sub(info.LastSeen) > StateTTL {
			delete(e.loiter, id)
		}
	}
	for key, at := range e.animals {
		if now.Sub(at) > StateTTL {
			delete(e.animals, key)
		}
	}
	for id, info := range e.bags {
		if now.Sub(info.LastSeen) > StateTTL {
			delete(e.bags, id)
		}
	}
	for key, at := range e.plates {
		if now.Sub(at) > StateTTL {
			delete(e.plates, key)
		}
	}
	for key, seen := range e.personSeen {
		if now.Sub(seen) < ExitDebounce {
			continue
		}
		delete(e.personSeen, key)
		for active, zoneID := range e.personActive {
			if active.TrackID == key.TrackID && zoneID == key.ZoneID {
				delete(e.personActive, active)
			}
		}
	}
}

// TrackedCounts reports the size of each state table
func (e *Evaluator) TrackedCounts() map[string]int {
	return map[string]int{
		"persons": len(e.personSeen),
		"active":  len(e.personActive),
		"loiter":  len(e.loiter),
		"animals": len(e.animals),
		"bags":    len(e.bags),
		"plates":  len(e.plates),
	}
}

func classify(label string) objectClass {
	label = strings.ToLower(label)
	switch {
	case label == models.ClassPerson:
		return classPerson
	case contains(models.BagClasses, label):
		return classBag
	case contains(models.DefaultAnimalClasses, label):
		return classAnimal
	default:
		return classOther
	}
}

// animalMatches uses the rule's own labels when it lists any
func animalMatches(rule models.AnimalForbidden, oc objectContext) bool {
	if len(rule.Classes) > 0 {
		return containsFold(rule.Classes, oc.obj.Class)
	}
	return oc.class == classAnimal
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
