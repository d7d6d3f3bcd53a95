package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/models"
)

// ErrDetector is returned when the detector answered with an error
var ErrDetector = errors.New("detector error")

// Requester is the request/reply channel to the detector
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

type frameRequest struct {
	CameraID  string    `json:"camera_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Image     []byte    `json:"image"`
}

type detectionReply struct {
	Detections []wireDetection `json:"detections"`
	Error      string          `json:"error,omitempty"`
}

type wireDetection struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	BBox       models.BBox `json:"bbox"`
	TrackID    *int64      `json:"track_id"`
	Plate      string      `json:"plate,omitempty"`
}

// Service sends frames to the external detector/tracker and decodes its detections
type Service struct {
	req     Requester
	subject string
	timeout time.Duration
	log     zerolog.Logger
}

func NewService(req Requester, subject string, timeout time.Duration, logger zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	logger.Info().Str("subject", subject).Dur("timeout", timeout).Msg("Initializing detection client")
	return &Service{
		req:     req,
		subject: subject,
		timeout: timeout,
		log:     logger,
	}
}

// Detect runs detection for one frame
func (s *Service) Detect(ctx context.Context, frame *models.Frame) ([]models.DetectedObject, error) {
	payload, err := json.Marshal(frameRequest{
		CameraID:  frame.CameraID,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp.UTC(),
		Width:     frame.Width,
		Height:    frame.Height,
		Image:     frame.JPEG,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal frame request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.req.Request(ctx, s.subject, payload)
	if err != nil {
		return nil, fmt.Errorf("detector request: %w", err)
	}

	var reply detectionReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode detector reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrDetector, reply.Error)
	}

	objs := make([]models.DetectedObject, 0, len(reply.Detections))
	for _, d := range reply.Detections {
		trackID := models.UntrackedID
		if d.TrackID != nil {
			trackID = *d.TrackID
		}
		objs = append(objs, models.DetectedObject{
			CameraID:   frame.CameraID,
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			TrackID:    trackID,
			Timestamp:  frame.Timestamp,
			Plate:      d.Plate,
		})
	}

	s.log.Debug().
		Str("camera_id", frame.CameraID).
		Uint64("seq", frame.Seq).
		Int("detections", len(objs)).
		Msg("Detection response")
	return objs, nil
}
