package models

import (
	"fmt"
	"strings"
	"time"
)

// GlobalZone is the zone id of rules that apply to every zone of their camera
const GlobalZone = "__GLOBAL__"

// RuleKind names a rule variant
type RuleKind string

const (
	RuleUnauthPersonAfterHours RuleKind = "unauth_person_after_hours"
	RuleNoPersonDuring         RuleKind = "no_person_during"
	RuleLoitering              RuleKind = "loitering"
	RuleAnimalForbidden        RuleKind = "animal_forbidden"
	RuleBagMonitor             RuleKind = "bag_monitor"
	RuleBagOddHours            RuleKind = "bag_odd_hours"
	RuleBagUnplanned           RuleKind = "bag_unplanned"
	RuleBagTallyMismatch       RuleKind = "bag_tally_mismatch"
	RuleAnprMonitor            RuleKind = "anpr_monitor"
	RuleAnprWhitelist          RuleKind = "anpr_whitelist"
	RuleAnprBlacklist          RuleKind = "anpr_blacklist"
)

// Zone is a named polygon in camera pixel space. The polygon closes implicitly.
type Zone struct {
	ID      string       `yaml:"id" json:"id"`
	Polygon [][2]float64 `yaml:"polygon" json:"polygon"`
}

// ConfirmOverride replaces the confirm gate defaults for a single rule. Zero fields keep the default.
type ConfirmOverride struct {
	CountRequired int           `yaml:"count_required" json:"count_required"`
	Window        time.Duration `yaml:"window" json:"window"`
	Persist       time.Duration `yaml:"persist" json:"persist"`
	Cooldown      time.Duration `yaml:"cooldown" json:"cooldown"`
}

// RuleScope is carried by every rule variant
type RuleScope struct {
	ID       string
	CameraID string
	ZoneID   string
	Confirm  *ConfirmOverride
}

// Global reports whether the rule applies to every zone of its camera
func (s RuleScope) Global() bool {
	return s.ZoneID == GlobalZone
}

// Rule is the closed set of rule variants. Only types in this package implement it.
type Rule interface {
	Scope() RuleScope
	Kind() RuleKind
	rule()
}

// UnauthPersonAfterHours alerts on any person inside the zone during the window
type UnauthPersonAfterHours struct {
	RuleScope
	Window TimeWindow
}

// NoPersonDuring alerts on a person inside the zone while the zone must stay empty
type NoPersonDuring struct {
	RuleScope
	Window TimeWindow
}

// Loitering alerts once a track has stayed in the zone for Dwell
type Loitering struct {
	RuleScope
	Dwell time.Duration
}

// AnimalForbidden alerts on the first sighting of an animal track in the zone
type AnimalForbidden struct {
	RuleScope
	Classes []string
}

// BagMonitor reports bag movement over MinDisplacement pixels
type BagMonitor struct {
	RuleScope
	MinDisplacement float64
	Cooldown        time.Duration
}

// BagOddHours reports bag movement inside an off-hours window
type BagOddHours struct {
	RuleScope
	Window   TimeWindow
	Cooldown time.Duration
}

// BagUnplanned reports bag movement when no dispatch plan is active
type BagUnplanned struct {
	RuleScope
	RequirePlan bool
	Cooldown    time.Duration
}

// BagTallyMismatch reports more distinct bags than a plan allows
type BagTallyMismatch struct {
	RuleScope
	OveragePct float64
	Cooldown   time.Duration
}

// AnprMonitor reports every recognised plate
type AnprMonitor struct {
	RuleScope
}

// AnprWhitelist reports plates that are not on the list
type AnprWhitelist struct {
	RuleScope
	Plates []string
}

// AnprBlacklist reports plates that are on the list
type AnprBlacklist struct {
	RuleScope
	Plates []string
}

func (r UnauthPersonAfterHours) Scope() RuleScope { return r.RuleScope }
func (r NoPersonDuring) Scope() RuleScope         { return r.RuleScope }
func (r Loitering) Scope() RuleScope              { return r.RuleScope }
func (r AnimalForbidden) Scope() RuleScope        { return r.RuleScope }
func (r BagMonitor) Scope() RuleScope             { return r.RuleScope }
func (r BagOddHours) Scope() RuleScope            { return r.RuleScope }
func (r BagUnplanned) Scope() RuleScope           { return r.RuleScope }
func (r BagTallyMismatch) Scope() RuleScope       { return r.RuleScope }
func (r AnprMonitor) Scope() RuleScope            { return r.RuleScope }
func (r AnprWhitelist) Scope() RuleScope          { return r.RuleScope }
func (r AnprBlacklist) Scope() RuleScope          { return r.RuleScope }

func (UnauthPersonAfterHours) Kind() RuleKind { return RuleUnauthPersonAfterHours }
func (NoPersonDuring) Kind() RuleKind         { return RuleNoPersonDuring }
func (Loitering) Kind() RuleKind              { return RuleLoitering }
func (AnimalForbidden) Kind() RuleKind        { return RuleAnimalForbidden }
func (BagMonitor) Kind() RuleKind             { return RuleBagMonitor }
func (BagOddHours) Kind() RuleKind            { return RuleBagOddHours }
func (BagUnplanned) Kind() RuleKind           { return RuleBagUnplanned }
func (BagTallyMismatch) Kind() RuleKind       { return RuleBagTallyMismatch }
func (AnprMonitor) Kind() RuleKind            { return RuleAnprMonitor }
func (AnprWhitelist) Kind() RuleKind          { return RuleAnprWhitelist }
func (AnprBlacklist) Kind() RuleKind          { return RuleAnprBlacklist }

func (UnauthPersonAfterHours) rule() {}
func (NoPersonDuring) rule()         {}
func (Loitering) rule()              {}
func (AnimalForbidden) rule()        {}
func (BagMonitor) rule()             {}
func (BagOddHours) rule()            {}
func (BagUnplanned) rule()           {}
func (BagTallyMismatch) rule()       {}
func (AnprMonitor) rule()            {}
func (AnprWhitelist) rule()          {}
func (AnprBlacklist) rule()          {}

// TimeWindow is a local time-of-day interval [Start, End). End before Start wraps past midnight;
// Start equal to End covers the whole day.
type TimeWindow struct {
	Start time.Duration
	End   time.Duration
}

// ParseTimeWindow parses "HH:MM" or "HH:MM:SS" bounds
func ParseTimeWindow(start, end string) (TimeWindow, error) {
	s, err := parseClock(start)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("window end: %w", err)
	}
	return TimeWindow{Start: s, End: e}, nil
}

// Contains reports whether the wall clock of t falls inside the window
func (w TimeWindow) Contains(t time.Time) bool {
	h, m, s := t.Clock()
	tod := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return tod >= w.Start && tod < w.End
	default:
		return tod >= w.Start || tod < w.End
	}
}

func (w TimeWindow) String() string {
	return formatClock(w.Start) + "-" + formatClock(w.End)
}

func parseClock(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	layouts := []string{"15:04", "15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", v)
}

func formatClock(d time.Duration) string {
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}
