package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"godown-edge-go/internal/models"
)

func TestTopics_For(t *testing.T) {
	topics := Topics{Root: "/godown/", GodownID: "gd-7"}

	tests := []struct {
		eventType models.EventType
		want      string
	}{
		{models.EventUnauthPerson, "godown/gd-7/events"},
		{models.EventCameraOffline, "godown/gd-7/events"},
		{models.EventHeartbeat, "godown/gd-7/health"},
		{models.EventFaceMatch, "godown/gd-7/face-match"},
		{models.EventPresence, "godown/gd-7/presence"},
	}

	for _, tc := range tests {
		t.Run(string(tc.eventType), func(t *testing.T) {
			assert.Equal(t, tc.want, topics.For(tc.eventType))
		})
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "godown.gd-7.events", Subject("godown/gd-7/events"))
	assert.Equal(t, "godown.gd-7.health", Subject("/godown/gd-7/health/"))
}
