package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/metrics"
	"godown-edge-go/internal/models"
)

// Handler processes one frame. It runs on the runtime's processing goroutine.
type Handler func(ctx context.Context, frame *models.Frame)

// Options configures a capture runtime
type Options struct {
	CameraID   string
	URL        string
	Mode       models.CaptureMode
	Open       Opener
	Backoffs   []time.Duration
	LatestWait time.Duration
	Logger     zerolog.Logger
}

// Runtime reads frames from a camera source and hands them to a handler, reopening the
// source with backoff on failure. In latest-frame mode a separate capture goroutine
// feeds a Relay so slow processing never stalls the decoder.
type Runtime struct {
	cameraID   string
	mode       models.CaptureMode
	open       Opener
	backoffs   []time.Duration
	latestWait time.Duration
	log        zerolog.Logger

	url     atomic.Pointer[string]
	swapped atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

func NewRuntime(opts Options) *Runtime {
	if !opts.Mode.IsValid() {
		opts.Mode = models.CaptureDirect
	}
	if opts.LatestWait <= 0 {
		opts.LatestWait = time.Second
	}
	r := &Runtime{
		cameraID:   opts.CameraID,
		mode:       opts.Mode,
		open:       opts.Open,
		backoffs:   opts.Backoffs,
		latestWait: opts.LatestWait,
		log:        opts.Logger,
		stop:       make(chan struct{}),
	}
	url := opts.URL
	r.url.Store(&url)
	return r
}

// URL returns the source URL the runtime currently reads from
func (r *Runtime) URL() string {
	return *r.url.Load()
}

// SwapURL points the runtime at a different source. The current source is closed and
// the new one opened on the next read.
func (r *Runtime) SwapURL(url string) {
	r.url.Store(&url)
	r.swapped.Store(true)
}

// Stop signals the runtime to return. It is safe to call more than once.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runtime) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.stop:
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false if the runtime was stopped meanwhile
func (r *Runtime) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.stop:
		return false
	case <-t.C:
		return true
	}
}

// Run blocks until ctx is cancelled or Stop is called. The source is released before
// Run returns.
func (r *Runtime) Run(ctx context.Context, handle Handler) error {
	if r.open == nil {
		return errors.New("capture: no source opener")
	}
	r.log.Info().Str("mode", string(r.mode)).Str("url", r.URL()).Msg("Capture runtime started")
	defer r.log.Info().Msg("Capture runtime stopped")

	// Blocking source reads observe Stop through the context
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if r.mode == models.CaptureLatest {
		return r.runLatest(ctx, handle)
	}
	var seq uint64
	r.readLoop(ctx, func(f *models.Frame) {
		seq++
		f.Seq = seq
		handle(ctx, f)
	})
	return nil
}

func (r *Runtime) runLatest(ctx context.Context, handle Handler) error {
	relay := NewRelay()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer relay.Close()
		r.readLoop(ctx, func(f *models.Frame) { relay.Put(f) })
	}()

	var last uint64
	for !r.stopped(ctx) {
		frame, ok := relay.Next(last, r.latestWait)
		if !ok {
			continue
		}
		last = frame.Seq
		handle(ctx, frame)
	}

	// The relay wakes on close; make sure the reader sees the stop too
	r.Stop()
	wg.Wait()
	return nil
}

// readLoop owns the source handle for its whole lifetime
func (r *Runtime) readLoop(ctx context.Context, deliver func(*models.Frame)) {
	backoff := NewBackoff(r.backoffs)
	var src Source
	release := func() {
		if src == nil {
			return
		}
		if err := src.Close(); err != nil {
			r.log.Debug().Err(err).Msg("Error closing video source")
		}
		src = nil
	}
	defer release()

	for !r.stopped(ctx) {
		if r.swapped.Swap(false) {
			release()
			backoff.Reset()
			r.log.Info().Str("url", r.URL()).Msg("Switching video source")
		}

		if src == nil {
			opened, err := r.open(ctx, r.cameraID, r.URL())
			if err != nil {
				delay := backoff.Next()
				metrics.SourceReconnectsTotal.WithLabelValues(r.cameraID).Inc()
				r.log.Warn().
					Err(err).
					Int("attempt", backoff.Attempts()).
					Dur("retry_in", delay).
					Msg("Failed to open video source")
				if !r.sleep(ctx, delay) {
					return
				}
				continue
			}
			src = opened
		}

		frame, err := src.Read(ctx)
		if err != nil {
			if r.stopped(ctx) {
				return
			}
			release()
			delay := backoff.Next()
			metrics.SourceReconnectsTotal.WithLabelValues(r.cameraID).Inc()
			metrics.FrameErrorsTotal.WithLabelValues(r.cameraID, "read").Inc()
			r.log.Warn().
				Err(err).
				Int("attempt", backoff.Attempts()).
				Dur("retry_in", delay).
				Msg("Frame read failed, reconnecting")
			if !r.sleep(ctx, delay) {
				return
			}
			continue
		}

		backoff.Reset()
		if frame.CameraID == "" {
			frame.CameraID = r.cameraID
		}
		if frame.Timestamp.IsZero() {
			frame.Timestamp = time.Now()
		}
		deliver(frame)
	}
}
