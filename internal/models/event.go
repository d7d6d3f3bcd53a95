package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the kinds of events the worker emits
type EventType string

const (
	EventUnauthPerson        EventType = "UNAUTH_PERSON"
	EventPersonDuringBlocked EventType = "NO_PERSON_VIOLATION"
	EventLoitering           EventType = "LOITERING"
	EventAnimalIntrusion     EventType = "ANIMAL_INTRUSION"
	EventBagMovement         EventType = "BAG_MOVEMENT"
	EventBagAfterHours       EventType = "BAG_MOVEMENT_AFTER_HOURS"
	EventBagOddHours         EventType = "BAG_ODD_HOURS"
	EventBagUnplanned        EventType = "BAG_UNPLANNED"
	EventBagTallyMismatch    EventType = "BAG_TALLY_MISMATCH"
	EventANPRDetected        EventType = "ANPR_DETECTED"
	EventANPRNotWhitelisted  EventType = "ANPR_NOT_WHITELISTED"
	EventANPRBlacklisted     EventType = "ANPR_BLACKLISTED"
	EventCameraOffline       EventType = "CAMERA_OFFLINE"
	EventCameraTampered      EventType = "CAMERA_TAMPERED"
	EventFaceMatch           EventType = "FACE_MATCH"
	EventPresence            EventType = "PRESENCE_UPDATE"
	EventHeartbeat           EventType = "HEARTBEAT"
)

// Severity is the alert severity carried in every event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// TimestampLayout is ISO-8601 UTC with second precision and a trailing Z
const TimestampLayout = "2006-01-02T15:04:05Z"

// EventMetadata carries rule context and type specific extras
type EventMetadata struct {
	ZoneID     string            `json:"zone_id,omitempty"`
	RuleID     string            `json:"rule_id,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Extras     map[string]string `json:"extras,omitempty"`
}

// Event is the payload published to the broker, the HTTP fallback and the outbox
type Event struct {
	GodownID  string        `json:"godown_id"`
	CameraID  string        `json:"camera_id"`
	EventID   string        `json:"event_id"`
	EventType EventType     `json:"event_type"`
	Severity  Severity      `json:"severity"`
	Timestamp string        `json:"timestamp_utc"`
	BBox      *BBox         `json:"bbox,omitempty"`
	TrackID   *int64        `json:"track_id,omitempty"`
	ImageURL  string        `json:"image_url,omitempty"`
	ClipURL   string        `json:"clip_url,omitempty"`
	Metadata  EventMetadata `json:"meta"`
}

// NewEvent builds an event with a fresh id and a formatted UTC timestamp
func NewEvent(godownID, cameraID string, eventType EventType, severity Severity, at time.Time) Event {
	return Event{
		GodownID:  godownID,
		CameraID:  cameraID,
		EventID:   uuid.NewString(),
		EventType: eventType,
		Severity:  severity,
		Timestamp: FormatTimestamp(at),
		Metadata:  EventMetadata{Extras: map[string]string{}},
	}
}

// FormatTimestamp renders t in the event timestamp layout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}

// WithDetection copies the detection's box, track and confidence into the event
func (e Event) WithDetection(obj DetectedObject) Event {
	bbox := obj.BBox
	e.BBox = &bbox
	if obj.Tracked() {
		track := obj.TrackID
		e.TrackID = &track
	}
	e.Metadata.Confidence = obj.Confidence
	return e
}

// WithRule sets the rule and zone scope of the event
func (e Event) WithRule(ruleID, zoneID string) Event {
	e.Metadata.RuleID = ruleID
	e.Metadata.ZoneID = zoneID
	return e
}

// WithExtra sets a single extras entry
func (e Event) WithExtra(key, value string) Event {
	if e.Metadata.Extras == nil {
		e.Metadata.Extras = map[string]string{}
	}
	e.Metadata.Extras[key] = value
	return e
}

// GateKey returns the rule key the confirm gate uses for this event
func (e Event) GateKey() string {
	if e.Metadata.RuleID != "" {
		return e.Metadata.RuleID
	}
	return string(e.EventType)
}
