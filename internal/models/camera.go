package models

import (
	"time"
)

// CaptureMode selects how a camera unit couples capture and processing
type CaptureMode string

const (
	// CaptureDirect reads and processes frames on the same goroutine
	CaptureDirect CaptureMode = "direct"
	// CaptureLatest decouples a capture goroutine from processing through a latest-frame slot
	CaptureLatest CaptureMode = "latest"
)

// IsValid checks if the capture mode is known
func (m CaptureMode) IsValid() bool {
	switch m {
	case CaptureDirect, CaptureLatest:
		return true
	default:
		return false
	}
}

// Camera is the configuration of a single camera unit
type Camera struct {
	ID    string      `yaml:"id" json:"id"`
	URL   string      `yaml:"url" json:"url"`
	Mode  CaptureMode `yaml:"mode" json:"mode"`
	Zones []Zone      `yaml:"zones" json:"zones"`

	// InstantAlert evaluates unzoned persons against global rules
	InstantAlert bool `yaml:"instant_alert" json:"instant_alert"`

	// TestSourceURL is a recorded source the unit can be swapped onto
	TestSourceURL string `yaml:"test_source_url" json:"test_source_url,omitempty"`
}

// CameraSnapshot is the read-only view of a camera's health state
type CameraSnapshot struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	LastFrameUTC    *string    `json:"last_frame_utc"`
	LastEventUTC    *string    `json:"last_event_utc"`
	AgeSec          float64    `json:"age_sec"`
	FPSEstimate     float64    `json:"fps_estimate"`
	Online          bool       `json:"online"`
	OfflineReported bool       `json:"offline_reported"`
	LastTamper      string     `json:"last_tamper,omitempty"`
	LastTamperAt    *time.Time `json:"last_tamper_at,omitempty"`
	SuppressOffline bool       `json:"suppress_offline"`
}

// OutboxStats summarises the durable outbox
type OutboxStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Dead    int `json:"dead"`
}

// HealthSnapshot is the consolidated node health written to disk and served over HTTP
type HealthSnapshot struct {
	Timestamp string           `json:"timestamp"`
	GodownID  string           `json:"godown_id"`
	WorkerID  string           `json:"worker_id"`
	Connected bool             `json:"connected"`
	Transport string           `json:"transport"`
	Outbox    OutboxStats      `json:"outbox"`
	Cameras   []CameraSnapshot `json:"cameras"`
}
