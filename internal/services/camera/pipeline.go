package camera

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/metrics"
	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/health"
	"godown-edge-go/internal/services/publisher"
	"godown-edge-go/internal/services/rules"
)

// Detector turns a frame into detections
type Detector interface {
	Detect(ctx context.Context, frame *models.Frame) ([]models.DetectedObject, error)
}

// Publisher delivers candidate events through the confirm gate
type Publisher interface {
	Publish(ctx context.Context, ev models.Event, opts ...publisher.PublishOption) (publisher.Result, error)
}

// TamperConfig holds the lens tamper thresholds
type TamperConfig struct {
	DarkThreshold float64
	BlurThreshold float64
	Cooldown      time.Duration
}

// Pipeline is the per-frame path of one camera: detect, evaluate, publish
type Pipeline struct {
	godownID  string
	cameraID  string
	detector  Detector
	evaluator *rules.Evaluator
	pub       Publisher
	state     *health.CameraState
	tamper    TamperConfig
	now       func() time.Time
	log       zerolog.Logger
}

// PipelineOptions wires a pipeline
type PipelineOptions struct {
	GodownID  string
	CameraID  string
	Detector  Detector
	Evaluator *rules.Evaluator
	Publisher Publisher
	State     *health.CameraState
	Tamper    TamperConfig
	Now       func() time.Time
	Logger    zerolog.Logger
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		godownID:  opts.GodownID,
		cameraID:  opts.CameraID,
		detector:  opts.Detector,
		evaluator: opts.Evaluator,
		pub:       opts.Publisher,
		state:     opts.State,
		tamper:    opts.Tamper,
		now:       opts.Now,
		log:       opts.Logger,
	}
}

// HandleFrame processes one frame. Failures are logged and drop only this frame's
// output for the failing stage; a panic never escapes to the capture loop.
func (p *Pipeline) HandleFrame(ctx context.Context, frame *models.Frame) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FrameErrorsTotal.WithLabelValues(p.cameraID, "panic").Inc()
			p.log.Error().
				Interface("panic", r).
				Uint64("seq", frame.Seq).
				Msg("Frame processing panic recovered")
		}
	}()

	now := p.now()
	p.state.MarkFrame(now)
	metrics.FramesTotal.WithLabelValues(p.cameraID).Inc()

	p.checkTamper(ctx, frame, now)

	objs, err := p.detector.Detect(ctx, frame)
	if err != nil {
		metrics.FrameErrorsTotal.WithLabelValues(p.cameraID, "detect").Inc()
		p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Detection failed, skipping frame")
		return
	}
	for i := range objs {
		objs[i].CameraID = p.cameraID
		if objs[i].Timestamp.IsZero() {
			objs[i].Timestamp = frame.Timestamp
		}
	}

	for _, ev := range p.evaluator.Evaluate(objs, now) {
		p.publish(ctx, ev, frame.JPEG)
	}
}

func (p *Pipeline) checkTamper(ctx context.Context, frame *models.Frame, now time.Time) {
	if !frame.Measured {
		return
	}

	var reason string
	switch {
	case p.tamper.DarkThreshold > 0 && frame.Brightness < p.tamper.DarkThreshold:
		reason = "dark"
	case p.tamper.BlurThreshold > 0 && frame.Sharpness < p.tamper.BlurThreshold:
		reason = "blur"
	default:
		return
	}
	if !p.state.AllowTamper(reason, now, p.tamper.Cooldown) {
		return
	}

	p.log.Warn().
		Str("reason", reason).
		Float64("brightness", frame.Brightness).
		Float64("sharpness", frame.Sharpness).
		Msg("Camera tamper suspected")

	ev := models.NewEvent(p.godownID, p.cameraID, models.EventCameraTampered, models.SeverityCritical, now).
		WithExtra("reason", reason).
		WithExtra("brightness", strconv.FormatFloat(frame.Brightness, 'f', 1, 64)).
		WithExtra("sharpness", strconv.FormatFloat(frame.Sharpness, 'f', 1, 64))
	p.publish(ctx, ev, frame.JPEG)
}

func (p *Pipeline) publish(ctx context.Context, ev models.Event, jpeg []byte) {
	var opts []publisher.PublishOption
	if len(jpeg) > 0 {
		opts = append(opts, publisher.WithSnapshot(jpeg))
	}
	res, err := p.pub.Publish(ctx, ev, opts...)
	if err != nil {
		p.log.Error().Err(err).Str("event_type", string(ev.EventType)).Msg("Event not delivered")
		return
	}
	p.log.Debug().
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.EventType)).
		Str("result", string(res)).
		Msg("Event handled")
}
