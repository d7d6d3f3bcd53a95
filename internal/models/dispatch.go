package models

import (
	"time"
)

// DispatchPlan is a scheduled window in which bags are expected to move through a zone
type DispatchPlan struct {
	PlanID           string    `json:"plan_id"`
	CameraID         string    `json:"camera_id"`
	ZoneID           string    `json:"zone_id"`
	StartUTC         time.Time `json:"start_utc"`
	EndUTC           time.Time `json:"end_utc"`
	ExpectedBagCount int       `json:"expected_bag_count"`
}

// ActiveAt reports whether the plan window [start, end) contains t
func (p DispatchPlan) ActiveAt(t time.Time) bool {
	return !t.Before(p.StartUTC) && t.Before(p.EndUTC)
}

// Matches reports whether the plan covers the camera and zone
func (p DispatchPlan) Matches(cameraID, zoneID string) bool {
	if p.CameraID != cameraID {
		return false
	}
	return p.ZoneID == "" || p.ZoneID == zoneID || p.ZoneID == GlobalZone
}
