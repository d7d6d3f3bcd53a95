package messaging

import (
	"strings"

	"godown-edge-go/internal/models"
)

// Topics builds the logical broker topics of one godown
type Topics struct {
	Root     string
	GodownID string
}

func (t Topics) base() string {
	return strings.Trim(t.Root, "/") + "/" + t.GodownID
}

func (t Topics) Events() string    { return t.base() + "/events" }
func (t Topics) Health() string    { return t.base() + "/health" }
func (t Topics) FaceMatch() string { return t.base() + "/face-match" }
func (t Topics) Presence() string  { return t.base() + "/presence" }

// For routes an event type to its topic
func (t Topics) For(eventType models.EventType) string {
	name := string(eventType)
	switch {
	case eventType == models.EventHeartbeat:
		return t.Health()
	case strings.HasPrefix(name, "FACE_"):
		return t.FaceMatch()
	case strings.HasPrefix(name, "PRESENCE_"):
		return t.Presence()
	default:
		return t.Events()
	}
}
