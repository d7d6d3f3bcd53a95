package watchdog

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/metrics"
	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/health"
)

// EmitFunc sends a watchdog event down the normal publish path
type EmitFunc func(ctx context.Context, ev models.Event)

// RestartFunc asks the camera manager to restart one camera unit
type RestartFunc func(cameraID string)

// Options configures the watchdog
type Options struct {
	GodownID       string
	Interval       time.Duration
	StallThreshold time.Duration
	FatalThreshold time.Duration
	Emit           EmitFunc
	Restart        RestartFunc
	// Exit terminates the process. Defaults to os.Exit.
	Exit   func(code int)
	Now    func() time.Time
	Logger zerolog.Logger
}

// offlineQueue bounds the offline events waiting for the emitter
const offlineQueue = 32

type stall struct {
	since     time.Time
	restarted bool
}

// Watchdog compares every camera's frame age against the stall and fatal thresholds
type Watchdog struct {
	registry *health.Registry
	opts     Options
	log      zerolog.Logger

	mu     sync.Mutex
	stalls map[string]*stall

	// offline events waiting for the emitter goroutine
	outbound chan models.Event
}

func New(registry *health.Registry, opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 30 * time.Second
	}
	if opts.FatalThreshold <= 0 {
		opts.FatalThreshold = 600 * time.Second
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watchdog{
		registry: registry,
		opts:     opts,
		log:      opts.Logger,
		stalls:   make(map[string]*stall),
		outbound: make(chan models.Event, offlineQueue),
	}
}

// Serve checks on every tick until ctx is cancelled. A tick in progress completes first.
func (w *Watchdog) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.emitLoop(ctx)
	}()
	defer wg.Wait()

	w.log.Info().
		Dur("interval", w.opts.Interval).
		Dur("stall_threshold", w.opts.StallThreshold).
		Dur("fatal_threshold", w.opts.FatalThreshold).
		Msg("Watchdog started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Check()
		}
	}
}

func (w *Watchdog) emitLoop(ctx context.Context) {
	emitCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.outbound:
			w.opts.Emit(emitCtx, ev)
		}
	}
}

// flush emits whatever is queued on the calling goroutine
func (w *Watchdog) flush(ctx context.Context) {
	for {
		select {
		case ev := <-w.outbound:
			w.enqueue(ev, logger)
		default:
			return
		}
	}
}

func (w *Watchdog) enqueue(ev models.Event, logger zerolog.Logger) {
	select {
	case w.outbound <- ev:
	default:
		metrics.RecordDropped("watchdog_queue_full")
		logger.Error().Msg("Offline event queue full, event dropped")
	}
}

// Check runs one watchdog tick over every registered camera. Offline events are queued
// for the emitter started by Serve.
func (w *Watchdog) Check() {
	now := w.opts.Now()
	cameras := w.registry.All()

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]struct{}, len(cameras))
	for _, cam := range cameras {
		seen[cam.ID()] = struct{}{}
		w.check(cam, now)
	}
	for id := range w.stalls {
		if _, ok := seen[id]; !ok {
			delete(w.stalls, id)
		}
	}
}

func (w *Watchdog) check(cam *health.CameraState, now time.Time) {
	id := cam.ID()
	age := cam.Age(now)
	metrics.CameraFrameAge.WithLabelValues(id).Set(age.Seconds())

	logger := w.log.With().Str("camera_id", id).Dur("age", age).Logger()

	if age <= w.opts.StallThreshold {
		if s, ok := w.stalls[id]; ok {
			logger.Info().Dur("stalled_for", now.Sub(s.since)).Msg("Camera recovered")
			delete(w.stalls, id)
		}
		cam.MarkOnline()
		return
	}

	s, ok := w.stalls[id]
	if !ok {
		s = &stall{since: now}
		w.stalls[id] = s
		metrics.CameraStallsTotal.WithLabelValues(id).Inc()
		logger.Warn().Msg("Camera stalled")

		if cam.MarkOffline() && !cam.SuppressOffline() && w.opts.Emit != nil {
			ev := models.NewEvent(w.opts.GodownID, id, models.EventCameraOffline, models.SeverityCritical, now).
				WithExtra("age_sec", strconv.FormatFloat(age.Seconds(), 'f', 1, 64))
			w.enqueue(ev, logger)
		}
	}

	if !s.restarted && w.opts.Restart != nil {
		s.restarted = true
		logger.Info().Msg("Requesting camera restart")
		w.opts.Restart(id)
	}

	if age > w.opts.FatalThreshold {
		logger.Error().
			Dur("fatal_threshold", w.opts.FatalThreshold).
			Msg("Camera stalled beyond the fatal threshold, exiting")
		w.opts.Exit(1)
	}
}

// Stalled reports whether a camera is inside a stall episode
func (w *Watchdog) Stalled(cameraID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.stalls[cameraID]
	return ok
}

func (w *Watchdog) String() string { return "watchdog" }
