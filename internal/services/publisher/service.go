package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/metrics"
	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/messaging"
	"godown-edge-go/internal/services/outbox"
	"godown-edge-go/internal/services/storage"
)

const snapshotTimeout = 5 * time.Second

// ErrDropped is returned when live delivery, the fallback and the outbox all failed
var ErrDropped = errors.New("event dropped")

// Result is the path an event took
type Result string

const (
	ResultLive       Result = "live"
	ResultHTTP       Result = "http"
	ResultOutbox     Result = "outbox"
	ResultDuplicate  Result = "duplicate"
	ResultSuppressed Result = "suppressed"
	ResultDropped    Result = "dropped"
)

// Gate decides whether a candidate event is confirmed
type Gate interface {
	Allow(ev models.Event, now time.Time) bool
}

// Fallback is the secondary delivery channel
type Fallback interface {
	Allows(eventType models.EventType) bool
	Post(ctx context.Context, payload []byte) error
}

// Outbox durably queues events for later delivery
type Outbox interface {
	Enqueue(rec outbox.Record, now time.Time) (outbox.Record, error)
}

// Options wires the publisher's collaborators. Everything but Transport is optional.
type Options struct {
	Transport   messaging.Transport
	Topics      messaging.Topics
	Gate        Gate
	Fallback    Fallback
	Outbox      Outbox
	Snapshots   storage.SnapshotStore
	OnDelivered func(ev models.Event, at time.Time)
	DedupSize   int
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Service delivers confirmed events: live broker first, then the HTTP fallback, then the outbox
type Service struct {
	transport   messaging.Transport
	topics      messaging.Topics
	gate        Gate
	fallback    Fallback
	box         Outbox
	snapshots   storage.SnapshotStore
	onDelivered func(models.Event, time.Time)
	recent      *lru.Cache[string, struct{}]
	now         func() time.Time
	log         zerolog.Logger
}

func NewService(opts Options) (*Service, error) {
	if opts.Transport == nil {
		return nil, errors.New("publisher: transport is required")
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	recent, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("publisher dedup cache: %w", err)
	}
	return &Service{
		transport:   opts.Transport,
		topics:      opts.Topics,
		gate:        opts.Gate,
		fallback:    opts.Fallback,
		box:         opts.Outbox,
		snapshots:   opts.Snapshots,
		onDelivered: opts.OnDelivered,
		recent:      recent,
		now:         opts.Now,
		log:         opts.Logger,
	}, nil
}

// PublishOption adjusts a single Publish call
type PublishOption func(*publishRequest)

type publishRequest struct {
	snapshot []byte
}

// WithSnapshot uploads jpeg as the event image once the event is confirmed
func WithSnapshot(jpeg []byte) PublishOption {
	return func(r *publishRequest) { r.snapshot = jpeg }
}

// Publish runs an event through the confirm gate and the delivery chain. Only a dropped
// event returns an error.
func (s *Service) Publish(ctx context.Context, ev models.Event, opts ...PublishOption) (Result, error) {
	now := s.now()
	var req publishRequest
	for _, opt := range opts {
		opt(&req)
	}

	if s.recent.Contains(ev.EventID) {
		metrics.RecordPublish(string(ResultDuplicate))
		return ResultDuplicate, nil
	}
	if s.gate != nil && !s.gate.Allow(ev, now) {
		metrics.RecordPublish(string(ResultSuppressed))
		return ResultSuppressed, nil
	}

	if len(req.snapshot) > 0 && s.snapshots != nil && ev.ImageURL == "" {
		ev = s.attachSnapshot(ctx, ev, req.snapshot, now)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.RecordDropped("marshal")
		return ResultDropped, fmt.Errorf("%w: marshal: %v", ErrDropped, err)
	}
	topic := s.topics.For(ev.EventType)

	liveErr := messaging.ErrNotConnected
	if s.transport.IsConnected() {
		liveErr = s.transport.Publish(ctx, topic, payload)
		if liveErr == nil {
			s.delivered(ev, now, ResultLive)
			return ResultLive, nil
		}
	}

	logger := s.log.With().
		Str("camera_id", ev.CameraID).
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.EventType)).
		Logger()
	logger.Warn().Err(liveErr).Msg("Live delivery failed")

	if s.fallback != nil && s.fallback.Allows(ev.EventType) {
		err := s.fallback.Post(ctx, payload)
		if err == nil {
			s.delivered(ev, now, ResultHTTP)
			return ResultHTTP, nil
		}
		logger.Warn().Err(err).Msg("HTTP fallback failed")
	}

	if s.box != nil {
		rec, err := s.box.Enqueue(outbox.Record{
			EventType: string(ev.EventType),
			CameraID:  ev.CameraID,
			GodownID:  ev.GodownID,
			Payload:   payload,
			Topic:     topic,
			Transport: s.transport.Kind(),
		}, now)
		if err == nil {
			s.recent.Add(ev.EventID, struct{}{})
			metrics.RecordPublish(string(ResultOutbox))
			logger.Info().Uint64("outbox_id", rec.ID).Msg("Event queued in outbox")
			return ResultOutbox, nil
		}
		logger.Error().Err(err).Msg("Outbox enqueue failed")
		liveErr = errors.Join(liveErr, err)
	}

	metrics.RecordDropped("undeliverable")
	logger.Error().Err(liveErr).Msg("Event dropped: every delivery path failed")
	return ResultDropped, fmt.Errorf("%w: %v", ErrDropped, liveErr)
}

// PublishRaw sends a payload live only, bypassing the gate and the outbox. Used for heartbeats.
func (s *Service) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	if !s.transport.IsConnected() {
		return messaging.ErrNotConnected
	}
	return s.transport.Publish(ctx, topic, payload)
}

// Connected reports the live transport state
func (s *Service) Connected() bool {
	return s.transport.IsConnected()
}

// TransportKind names the live transport
func (s *Service) TransportKind() string {
	return s.transport.Kind()
}

// Topics returns the topic builder
func (s *Service) Topics() messaging.Topics {
	return s.topics
}

func (s *Service) attachSnapshot(ctx context.Context, ev models.Event, jpeg []byte, now time.Time) models.Event {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	url, err := s.snapshots.SaveSnapshot(ctx, storage.SnapshotKey(ev, now), jpeg, "image/jpeg")
	if err != nil {
		s.log.Warn().Err(err).Str("event_id", ev.EventID).Msg("Snapshot upload failed, publishing without image")
		return ev
	}
	ev.ImageURL = url
	return ev
}

// delivered records a successful delivery. Only delivered or queued ids enter the
// dedup cache so a dropped event can be published again.
func (s *Service) delivered(ev models.Event, at time.Time, path Result) {
	s.recent.Add(ev.EventID, struct{}{})
	metrics.RecordPublish(string(path))
	if s.onDelivered != nil {
		s.onDelivered(ev, at)
	}
	s.log.Debug().
		Str("camera_id", ev.CameraID).
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.EventType)).
		Str("path", string(path)).
		Msg("Event delivered")
}
