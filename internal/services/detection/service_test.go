package detection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"godown-edge-go/internal/models"
)

type mockRequester struct {
	mock.Mock
}

func (m *mockRequester) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	args := m.Called(ctx, subject, data)
	reply, _ := args.Get(0).([]byte)
	return reply, args.Error(1)
}

func testFrame() *models.Frame {
	return &models.Frame{
		CameraID:  "cam-1",
		Seq:       42,
		Timestamp: time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC),
		Width:     1280,
		Height:    720,
		JPEG:      []byte{0xff, 0xd8, 0xff},
	}
}

func TestDetect_DecodesReply(t *testing.T) {
	req := &mockRequester{}
	reply := []byte(`{"detections":[
		{"class":"person","confidence":0.91,"bbox":[10,20,110,220],"track_id":7},
		{"class":"license_plate","confidence":0.8,"bbox":[5,5,50,20],"plate":"KA01AB1234"}
	]}`)
	req.On("Request", mock.Anything, "detector.infer", mock.MatchedBy(func(data []byte) bool {
		var sent frameRequest
		if err := json.Unmarshal(data, &sent); err != nil {
			return false
		}
		return sent.CameraID == "cam-1" && sent.Seq == 42 && len(sent.Image) == 3
	})).Return(reply, nil)

	svc := NewService(req, "detector.infer", time.Second, zerolog.Nop())
	objs, err := svc.Detect(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, objs, 2)

	assert.Equal(t, "person", objs[0].Class)
	assert.Equal(t, models.BBox{10, 20, 110, 220}, objs[0].BBox)
	assert.Equal(t, int64(7), objs[0].TrackID)
	assert.Equal(t, "cam-1", objs[0].CameraID)

	assert.False(t, objs[1].Tracked(), "missing track id means untracked")
	assert.Equal(t, "KA01AB1234", objs[1].Plate)
	req.AssertExpectations(t)
}

func TestDetect_Errors(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
		err   error
		want  error
	}{
		{name: "transport", err: errors.New("no responders"), want: nil},
		{name: "detector", reply: []byte(`{"error":"model not loaded"}`), want: ErrDetector},
		{name: "garbage", reply: []byte(`not json`), want: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := &mockRequester{}
			req.On("Request", mock.Anything, "detector.infer", mock.Anything).Return(tc.reply, tc.err)

			svc := NewService(req, "detector.infer", time.Second, zerolog.Nop())
			objs, err := svc.Detect(context.Background(), testFrame())
			require.Error(t, err)
			assert.Nil(t, objs)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}
