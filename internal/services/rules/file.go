package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"godown-edge-go/internal/models"
)

var (
	// ErrUnknownRuleType is returned for a rule type outside the closed rule set
	ErrUnknownRuleType = errors.New("unknown rule type")
	// ErrInvalidRule is returned for a rule whose parameters cannot be used
	ErrInvalidRule = errors.New("invalid rule")
)

// siteFile is the on-disk layout of the rules file
type siteFile struct {
	Cameras []models.Camera `yaml:"cameras"`
	Rules   []ruleSpec      `yaml:"rules"`
}

// ruleSpec is the flat YAML form of every rule variant
type ruleSpec struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	CameraID string `yaml:"camera_id"`
	ZoneID   string `yaml:"zone_id"`

	Start           string        `yaml:"start"`
	End             string        `yaml:"end"`
	Dwell           time.Duration `yaml:"dwell"`
	Classes         []string      `yaml:"classes"`
	MinDisplacement float64       `yaml:"min_displacement"`
	Cooldown        time.Duration `yaml:"cooldown"`
	RequirePlan     *bool         `yaml:"require_plan"`
	OveragePct      float64       `yaml:"overage_pct"`
	Plates          []string      `yaml:"plates"`

	Confirm *models.ConfirmOverride `yaml:"confirm"`
}

const defaultBagCooldown = 60 * time.Second

// LoadFile reads and parses a rules file into a snapshot
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes the YAML rules document
func Parse(data []byte) (*Snapshot, error) {
	var doc siteFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}

	cameras := make(map[string]bool, len(doc.Cameras))
	for i, cam := range doc.Cameras {
		if cam.ID == "" {
			return nil, fmt.Errorf("camera %d: missing id", i)
		}
		if cam.Mode == "" {
			doc.Cameras[i].Mode = models.CaptureLatest
		} else if !cam.Mode.IsValid() {
			return nil, fmt.Errorf("camera %s: unknown mode %q", cam.ID, cam.Mode)
		}
		for _, z := range cam.Zones {
			if len(z.Polygon) < 3 {
				return nil, fmt.Errorf("camera %s zone %s: polygon needs at least 3 vertices", cam.ID, z.ID)
			}
		}
		cameras[cam.ID] = true
	}

	parsed := make([]models.Rule, 0, len(doc.Rules))
	seen := make(map[string]bool, len(doc.Rules))
	for _, raw := range doc.Rules {
		r, err := raw.toRule()
		if err != nil {
			return nil, err
		}
		if seen[raw.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %s", ErrInvalidRule, raw.ID)
		}
		seen[raw.ID] = true
		if !cameras[raw.CameraID] {
			return nil, fmt.Errorf("%w: rule %s references unknown camera %s", ErrInvalidRule, raw.ID, raw.CameraID)
		}
		parsed = append(parsed, r)
	}

	return NewSnapshot(doc.Cameras, parsed), nil
}

func (s ruleSpec) toRule() (models.Rule, error) {
	if s.ID == "" || s.CameraID == "" {
		return nil, fmt.Errorf("%w: rule needs id and camera_id", ErrInvalidRule)
	}
	scope := models.RuleScope{
		ID:       s.ID,
		CameraID: s.CameraID,
		ZoneID:   s.ZoneID,
		Confirm:  s.Confirm,
	}
	if scope.ZoneID == "" {
		scope.ZoneID = models.GlobalZone
	}

	cooldown := s.Cooldown
	if cooldown <= 0 {
		cooldown = defaultBagCooldown
	}

	window := func() (models.TimeWindow, error) {
		w, err := models.ParseTimeWindow(s.Start, s.End)
		if err != nil {
			return w, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, s.ID, err)
		}
		return w, nil
	}

	switch models.RuleKind(strings.ToLower(s.Type)) {
	case models.RuleUnauthPersonAfterHours:
		w, err := window()
		if err != nil {
			return nil, err
		}
		return models.UnauthPersonAfterHours{RuleScope: scope, Window: w}, nil
	case models.RuleNoPersonDuring:
		w, err := window()
		if err != nil {
			return nil, err
		}
		return models.NoPersonDuring{RuleScope: scope, Window: w}, nil
	case models.RuleLoitering:
		if s.Dwell <= 0 {
			return nil, fmt.Errorf("%w: rule %s: loitering needs a positive dwell", ErrInvalidRule, s.ID)
		}
		return models.Loitering{RuleScope: scope, Dwell: s.Dwell}, nil
	case models.RuleAnimalForbidden:
		return models.AnimalForbidden{RuleScope: scope, Classes: lower(s.Classes)}, nil
	case models.RuleBagMonitor:
		return models.BagMonitor{RuleScope: scope, MinDisplacement: s.MinDisplacement, Cooldown: cooldown}, nil
	case models.RuleBagOddHours:
		w, err := window()
		if err != nil {
			return nil, err
		}
		return models.BagOddHours{RuleScope: scope, Window: w, Cooldown: cooldown}, nil
	case models.RuleBagUnplanned:
		require := true
		if s.RequirePlan != nil {
			require = *s.RequirePlan
		}
		return models.BagUnplanned{RuleScope: scope, RequirePlan: require, Cooldown: cooldown}, nil
	case models.RuleBagTallyMismatch:
		if s.OveragePct < 0 {
			return nil, fmt.Errorf("%w: rule %s: negative overage", ErrInvalidRule, s.ID)
		}
		return models.BagTallyMismatch{RuleScope: scope, OveragePct: s.OveragePct, Cooldown: cooldown}, nil
	case models.RuleAnprMonitor:
		return models.AnprMonitor{RuleScope: scope}, nil
	case models.RuleAnprWhitelist:
		return models.AnprWhitelist{RuleScope: scope, Plates: normalizePlates(s.Plates)}, nil
	case models.RuleAnprBlacklist:
		return models.AnprBlacklist{RuleScope: scope, Plates: normalizePlates(s.Plates)}, nil
	default:
		return nil, fmt.Errorf("%w: %q (rule %s)", ErrUnknownRuleType, s.Type, s.ID)
	}
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(v)))
	}
	return out
}

func normalizePlates(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if n := NormalizePlate(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// NormalizePlate keeps upper-case letters and digits only
func NormalizePlate(plate string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(plate) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
