package rules

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"godown-edge-go/internal/models"
)

type staticSource struct{ snap *Snapshot }

func (s staticSource) Snapshot() *Snapshot { return s.snap }

var (
	zoneA = models.Zone{ID: "Z1", Polygon: [][2]float64{{0, 0}, {100, 0}, {100, 100}, {0, 100}}}
	zoneB = models.Zone{ID: "Z2", Polygon: [][2]float64{{200, 0}, {300, 0}, {300, 100}, {200, 100}}}

	inA = models.BBox{40, 40, 60, 60}
	inB = models.BBox{240, 40, 260, 60}
	out = models.BBox{500, 500, 520, 520}
)

func scope(id, zone string) models.RuleScope {
	return models.RuleScope{ID: id, CameraID: "cam-1", ZoneID: zone}
}

func newTestEvaluator(t *testing.T, cam models.Camera, rules ...models.Rule) *Evaluator {
	t.Helper()
	cam.ID = "cam-1"
	if cam.Zones == nil {
		cam.Zones = []models.Zone{zoneA, zoneB}
	}
	snap := NewSnapshot([]models.Camera{cam}, rules)
	return NewEvaluator("gd-1", "cam-1", staticSource{snap}, time.UTC, zerolog.Nop())
}

func det(class string, track int64, bbox models.BBox) models.DetectedObject {
	return models.DetectedObject{CameraID: "cam-1", Class: class, Confidence: 0.9, BBox: bbox, TrackID: track}
}

func window(t *testing.T, start, end string) models.TimeWindow {
	t.Helper()
	w, err := models.ParseTimeWindow(start, end)
	require.NoError(t, err)
	return w
}

func at(hour, min, sec int) time.Time {
	return time.Date(2026, 3, 14, hour, min, sec, 0, time.UTC)
}

func TestTimeWindow_Contains(t *testing.T) {
	night := window(t, "18:00", "06:00")
	day := window(t, "09:00", "17:30")
	always := window(t, "00:00", "00:00")

	tests := []struct {
		name string
		w    models.TimeWindow
		at   time.Time
		want bool
	}{
		{"night before midnight", night, at(23, 10, 0), true},
		{"night after midnight", night, at(2, 0, 0), true},
		{"night start inclusive", night, at(18, 0, 0), true},
		{"night end exclusive", night, at(6, 0, 0), false},
		{"night midday", night, at(12, 0, 0), false},
		{"day inside", day, at(12, 0, 0), true},
		{"day end exclusive", day, at(17, 30, 0), false},
		{"day before", day, at(8, 59, 59), false},
		{"equal bounds cover the day", always, at(13, 0, 0), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.w.Contains(tc.at))
		})
	}
}

func TestEvaluator_LoiteringEmitsOncePerEpisode(t *testing.T) {
	rule := models.Loitering{RuleScope: scope("loiter-1", "Z1"), Dwell: 30 * time.Second}
	ev := newTestEvaluator(t, models.Camera{}, rule)

	start := at(10, 0, 0)
	var events []models.Event
	for s := 0; s <= 120; s++ {
		events = append(events, ev.Evaluate([]models.DetectedObject{det("person", 7, inA)}, start.Add(time.Duration(s)*time.Second))...)
	}

	require.Len(t, events, 1)
	assert.Equal(t, models.EventLoitering, events[0].EventType)
	assert.Equal(t, "Z1", events[0].Metadata.ZoneID)
	assert.Equal(t, "loiter-1", events[0].Metadata.RuleID)
	assert.Equal(t, models.FormatTimestamp(start.Add(30*time.Second)), events[0].Timestamp)
}

func TestEvaluator_LoiteringZoneChangeResets(t *testing.T) {
	rule := models.Loitering{RuleScope: scope("loiter-any", models.GlobalZone), Dwell: 30 * time.Second}
	ev := newTestEvaluator(t, models.Camera{}, rule)

	start := at(10, 0, 0)
	// 20s in Z1, then move to Z2: the Z1 dwell never reaches the threshold
	for s := 0; s < 20; s++ {
		assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("person", 7, inA)}, start.Add(time.Duration(s)*time.Second)))
	}

	var events []models.Event
	zoneStart := start.Add(20 * time.Second)
	for s := 0; s <= 40; s++ {
		events = append(events, ev.Evaluate([]models.DetectedObject{det("person", 7, inB)}, zoneStart.Add(time.Duration(s)*time.Second))...)
	}

	require.Len(t, events, 1)
	assert.Equal(t, "Z2", events[0].Metadata.ZoneID)
	assert.Equal(t, models.FormatTimestamp(zoneStart.Add(30*time.Second)), events[0].Timestamp)
}

func TestEvaluator_PersonWindowExitDebounce(t *testing.T) {
	rule := models.UnauthPersonAfterHours{RuleScope: scope("night", "Z1"), Window: window(t, "18:00", "06:00")}
	ev := newTestEvaluator(t, models.Camera{}, rule)
	person := []models.DetectedObject{det("person", 3, inA)}

	first := ev.Evaluate(person, at(2, 0, 0))
	require.Len(t, first, 1)
	assert.Equal(t, models.EventUnauthPerson, first[0].EventType)
	assert.Equal(t, models.SeverityWarning, first[0].Severity)

	// Still present: no repeat
	assert.Empty(t, ev.Evaluate(person, at(2, 0, 1)))
	// Gone for one second only, then back: no repeat
	assert.Empty(t, ev.Evaluate(nil, at(2, 0, 2)))
	assert.Empty(t, ev.Evaluate(person, at(2, 0, 2).Add(900*time.Millisecond)))

	// Absent for more than the debounce, then re-entering triggers again
	assert.Empty(t, ev.Evaluate(nil, at(2, 0, 5)))
	again := ev.Evaluate(person, at(2, 0, 6))
	require.Len(t, again, 1)
	assert.NotEqual(t, first[0].EventID, again[0].EventID)
}

func TestEvaluator_PersonOutsideWindowOrZone(t *testing.T) {
	rule := models.NoPersonDuring{RuleScope: scope("closed", "Z1"), Window: window(t, "13:00", "14:00")}
	ev := newTestEvaluator(t, models.Camera{}, rule)

	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("person", 1, inA)}, at(12, 0, 0)))
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("person", 2, out)}, at(13, 30, 0)))

	events := ev.Evaluate([]models.DetectedObject{det("person", 1, inA)}, at(13, 30, 0))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPersonDuringBlocked, events[0].EventType)
}

func TestEvaluator_InstantAlertUsesGlobalRules(t *testing.T) {
	global := models.UnauthPersonAfterHours{RuleScope: scope("night-all", models.GlobalZone), Window: window(t, "18:00", "06:00")}

	plain := newTestEvaluator(t, models.Camera{}, global)
	assert.Empty(t, plain.Evaluate([]models.DetectedObject{det("person", 1, out)}, at(23, 0, 0)))

	instant := newTestEvaluator(t, models.Camera{InstantAlert: true}, global)
	events := instant.Evaluate([]models.DetectedObject{det("person", 1, out)}, at(23, 0, 0))
	require.Len(t, events, 1)
	assert.Equal(t, models.GlobalZone, events[0].Metadata.ZoneID)
}

func TestEvaluator_AnimalDedupIsTimeBased(t *testing.T) {
	rule := models.AnimalForbidden{RuleScope: scope("no-animals", models.GlobalZone)}
	ev := newTestEvaluator(t, models.Camera{}, rule)
	dog := []models.DetectedObject{det("dog", 11, inA)}

	start := at(9, 0, 0)
	require.Len(t, ev.Evaluate(dog, start), 1)

	// Still present for four minutes: suppressed
	for s := 10; s < 240; s += 10 {
		assert.Empty(t, ev.Evaluate(dog, start.Add(time.Duration(s)*time.Second)))
	}
	// Same track in another zone is a new pair
	require.Len(t, ev.Evaluate([]models.DetectedObject{det("dog", 11, inB)}, start.Add(241*time.Second)), 1)

	// The Z1 entry expires 300s after its alert even though the dog never left
	events := ev.Evaluate(dog, start.Add(301*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventAnimalIntrusion, events[0].EventType)
}

func TestEvaluator_AnimalRuleClasses(t *testing.T) {
	rule := models.AnimalForbidden{RuleScope: scope("no-cows", "Z1"), Classes: []string{"cow"}}
	ev := newTestEvaluator(t, models.Camera{}, rule)

	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("dog", 1, inA)}, at(9, 0, 0)))
	assert.Len(t, ev.Evaluate([]models.DetectedObject{det("Cow", 2, inA)}, at(9, 0, 1)), 1)
}

func TestEvaluator_BagMovementPriority(t *testing.T) {
	odd := models.BagOddHours{RuleScope: scope("bag-night", "Z1"), Window: window(t, "22:00", "05:00")}
	monitor := models.BagMonitor{RuleScope: scope("bag-move", "Z1"), MinDisplacement: 15}
	ev := newTestEvaluator(t, models.Camera{}, monitor, odd)

	// Daytime: small moves stay under the distance threshold
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{10, 10, 20, 20})}, at(12, 0, 0)))
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{15, 10, 25, 20})}, at(12, 0, 1)))
	moved := ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{30, 10, 40, 20})}, at(12, 0, 2))
	require.Len(t, moved, 1)
	assert.Equal(t, models.EventBagMovement, moved[0].EventType)
	assert.Equal(t, models.SeverityInfo, moved[0].Severity)

	// One event per episode
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{60, 10, 70, 20})}, at(12, 0, 3)))

	// At night the after-hours window wins over the distance rule
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("bag", 6, models.BBox{10, 50, 20, 60})}, at(23, 0, 0)))
	night := ev.Evaluate([]models.DetectedObject{det("bag", 6, models.BBox{11, 50, 21, 60})}, at(23, 0, 1))
	require.Len(t, night, 1)
	assert.Equal(t, models.EventBagAfterHours, night[0].EventType)
	assert.Equal(t, "bag-night", night[0].Metadata.RuleID)
}

func TestEvaluator_BagEpisodeRearmsAfterIdle(t *testing.T) {
	monitor := models.BagMonitor{RuleScope: scope("bag-move", "Z1")}
	ev := newTestEvaluator(t, models.Camera{}, monitor)

	start := at(12, 0, 0)
	ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{10, 10, 20, 20})}, start)
	require.Len(t, ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{12, 10, 22, 20})}, start.Add(time.Second)), 1)
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{14, 10, 24, 20})}, start.Add(2*time.Second)))

	// Idle beyond the TTL starts a fresh episode
	later := start.Add(2*time.Second + StateTTL + time.Second)
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{14, 10, 24, 20})}, later))
	assert.Len(t, ev.Evaluate([]models.DetectedObject{det("bag", 5, models.BBox{16, 10, 26, 20})}, later.Add(time.Second)), 1)
}

type fakeReconciler struct {
	observed []int64
	moves    []BagMovement
	result   *models.Event
}

func (f *fakeReconciler) Observe(_ string, _ string, trackID int64, _ time.Time) {
	f.observed = append(f.observed, trackID)
}

func (f *fakeReconciler) Reconcile(m BagMovement) *models.Event {
	f.moves = append(f.moves, m)
	return f.result
}

func TestEvaluator_PlanAwareBagsUseReconciler(t *testing.T) {
	tally := models.BagTallyMismatch{RuleScope: scope("tally", "Z1"), OveragePct: 20}
	ev := newTestEvaluator(t, models.Camera{}, tally)
	result := models.NewEvent("gd-1", "cam-1", models.EventBagTallyMismatch, models.SeverityCritical, at(9, 0, 0))
	rec := &fakeReconciler{result: &result}
	ev.SetReconciler(rec)

	ev.Evaluate([]models.DetectedObject{det("bag", 1, models.BBox{10, 10, 20, 20})}, at(9, 0, 0))
	events := ev.Evaluate([]models.DetectedObject{det("bag", 1, models.BBox{20, 10, 30, 20})}, at(9, 0, 1))

	require.Len(t, events, 1)
	assert.Equal(t, models.EventBagTallyMismatch, events[0].EventType)
	assert.Equal(t, []int64{1, 1}, rec.observed)
	require.Len(t, rec.moves, 1)
	assert.Equal(t, "Z1", rec.moves[0].ZoneID)
}

func TestEvaluator_ANPRLists(t *testing.T) {
	allow := models.AnprWhitelist{RuleScope: scope("gate-allow", models.GlobalZone), Plates: []string{"KA01AB1234"}}
	deny := models.AnprBlacklist{RuleScope: scope("gate-deny", models.GlobalZone), Plates: []string{"MH12ZZ0001"}}
	ev := newTestEvaluator(t, models.Camera{}, allow, deny)

	known := det(models.ClassPlate, 1, inA)
	known.Plate = "ka-01 ab 1234"
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{known}, at(9, 0, 0)))

	banned := det(models.ClassPlate, 2, inA)
	banned.Plate = "MH12ZZ0001"
	events := ev.Evaluate([]models.DetectedObject{banned}, at(9, 0, 1))
	require.Len(t, events, 2)
	types := []models.EventType{events[0].EventType, events[1].EventType}
	assert.ElementsMatch(t, []models.EventType{models.EventANPRNotWhitelisted, models.EventANPRBlacklisted}, types)
	for _, e := range events {
		assert.Equal(t, "MH12ZZ0001", e.Metadata.Extras["plate"])
	}

	// Same plate again is suppressed
	assert.Empty(t, ev.Evaluate([]models.DetectedObject{banned}, at(9, 0, 5)))
}

func TestEvaluator_SweepPurgesState(t *testing.T) {
	ev := newTestEvaluator(t, models.Camera{},
		models.Loitering{RuleScope: scope("l", "Z1"), Dwell: time.Minute},
		models.AnimalForbidden{RuleScope: scope("a", "Z1")},
	)
	ev.Evaluate([]models.DetectedObject{det("person", 1, inA), det("cat", 2, inA), det("bag", 3, inA)}, at(9, 0, 0))

	counts := ev.TrackedCounts()
	assert.Equal(t, 1, counts["loiter"])
	assert.Equal(t, 1, counts["animals"])
	assert.Equal(t, 1, counts["bags"])

	ev.Sweep(at(9, 6, 0))
	for name, n := range ev.TrackedCounts() {
		assert.Zero(t, n, name)
	}
}

func TestEvaluator_EventShape(t *testing.T) {
	rule := models.UnauthPersonAfterHours{RuleScope: scope("night", "Z1"), Window: window(t, "18:00", "06:00")}
	ev := newTestEvaluator(t, models.Camera{}, rule)

	events := ev.Evaluate([]models.DetectedObject{det("person", 3, inA)}, time.Date(2026, 3, 14, 2, 0, 0, 750e6, time.UTC))
	require.Len(t, events, 1)
	e := events[0]

	assert.Equal(t, "gd-1", e.GodownID)
	assert.Equal(t, "cam-1", e.CameraID)
	assert.Len(t, e.EventID, 36)
	assert.Equal(t, "2026-03-14T02:00:00Z", e.Timestamp)
	require.NotNil(t, e.BBox)
	assert.Equal(t, inA, *e.BBox)
	require.NotNil(t, e.TrackID)
	assert.Equal(t, int64(3), *e.TrackID)
	assert.InDelta(t, 0.9, e.Metadata.Confidence, 1e-9)
	assert.Equal(t, "person", e.Metadata.Extras["class"])
}
