package models

import (
	"time"
)

// UntrackedID is the track id reported for detections the tracker did not associate
const UntrackedID int64 = -1

// Class labels the evaluator dispatches on
const (
	ClassPerson  = "person"
	ClassBag     = "bag"
	ClassVehicle = "vehicle"
	ClassPlate   = "license_plate"
)

// DefaultAnimalClasses are the labels treated as animals when a rule does not list its own
var DefaultAnimalClasses = []string{
	"dog", "cat", "cow", "horse", "sheep", "goat", "pig",
	"bird", "rat", "monkey", "elephant", "bear",
}

// BagClasses are the labels the bag movement path accepts
var BagClasses = []string{"bag", "sack", "suitcase", "backpack", "handbag"}

// BBox is a pixel bounding box (x1, y1, x2, y2) with x1 < x2 and y1 < y2
type BBox [4]int

// Center returns the centroid of the box
func (b BBox) Center() (float64, float64) {
	return float64(b[0]+b[2]) / 2, float64(b[1]+b[3]) / 2
}

// Corners returns the four corners clockwise from the top-left
func (b BBox) Corners() [4][2]float64 {
	return [4][2]float64{
		{float64(b[0]), float64(b[1])},
		{float64(b[2]), float64(b[1])},
		{float64(b[2]), float64(b[3])},
		{float64(b[0]), float64(b[3])},
	}
}

// Valid reports whether the box has positive area
func (b BBox) Valid() bool {
	return b[0] < b[2] && b[1] < b[3]
}

// DetectedObject is a single detection produced by the external detector for one frame
type DetectedObject struct {
	CameraID   string    `json:"camera_id"`
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       BBox      `json:"bbox"`
	TrackID    int64     `json:"track_id"`
	Timestamp  time.Time `json:"timestamp"`

	// Plate is filled by the OCR collaborator for plate and vehicle detections
	Plate string `json:"plate,omitempty"`
}

// Tracked reports whether the tracker assigned an identity to the detection
func (d DetectedObject) Tracked() bool {
	return d.TrackID != UntrackedID
}

// Frame is a decoded frame handed from the capture runtime to the camera pipeline
type Frame struct {
	CameraID  string
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int

	// JPEG holds the encoded frame used for detector requests and event snapshots
	JPEG []byte

	// Brightness is the mean gray level (0-255) and Sharpness the Laplacian variance,
	// both computed by the video source for tamper checks when Measured is set
	Measured   bool
	Brightness float64
	Sharpness  float64
}

// Clone returns a private copy of the frame
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	if f.JPEG != nil {
		c.JPEG = make([]byte, len(f.JPEG))
		copy(c.JPEG, f.JPEG)
	}
	return &c
}
