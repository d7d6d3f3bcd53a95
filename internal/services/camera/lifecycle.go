package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/capture"
	"godown-edge-go/internal/services/health"
)

var (
	ErrCameraNotFound = errors.New("camera not found")
	ErrNoTestSource   = errors.New("camera has no test source")
	ErrUnknownSource  = errors.New("unknown source, expected live or test")
	// ErrStopTimeout means the capture goroutine is still inside a blocking read. The
	// unit stays in StateStopping until that goroutine exits.
	ErrStopTimeout = errors.New("camera did not stop in time")
)

// Source names accepted by SwapSource
const (
	SourceLive = "live"
	SourceTest = "test"
)

// State represents the atomic state of a camera unit
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const defaultStopTimeout = 5 * time.Second

// Info is the API view of a camera unit
type Info struct {
	ID       string             `json:"id"`
	URL      string             `json:"url"`
	Mode     models.CaptureMode `json:"mode"`
	State    string             `json:"state"`
	Source   string             `json:"source"`
	Restarts int64              `json:"restarts"`
}

// UnitOptions configures the capture side of a unit
type UnitOptions struct {
	Open       capture.Opener
	Backoffs   []time.Duration
	LatestWait time.Duration
	Logger     zerolog.Logger

	// StopTimeout bounds how long Stop waits for the source to be released
	StopTimeout time.Duration
}

// Unit runs one camera: a capture runtime feeding its pipeline on a dedicated goroutine
type Unit struct {
	pipeline *Pipeline
	health   *health.CameraState
	opts     UnitOptions
	log      zerolog.Logger

	state    int32
	restarts atomic.Int64
	useTest  atomic.Bool

	mu      sync.Mutex
	camera  models.Camera
	runtime *capture.Runtime
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewUnit(cam models.Camera, pipeline *Pipeline, state *health.CameraState, opts UnitOptions) *Unit {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	u := &Unit{
		pipeline: pipeline,
		health:   state,
		opts:     opts,
		log:      opts.Logger,
		camera:   cam,
	}
	u.setState(StateStopped)
	return u
}

func (u *Unit) setState(s State) {
	atomic.StoreInt32(&u.state, int32(s))
}

func (u *Unit) State() State {
	return State(atomic.LoadInt32(&u.state))
}

func (u *Unit) ID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.camera.ID
}

// sourceURL picks the live or test URL. Callers hold u.mu.
func (u *Unit) sourceURL() string {
	if u.useTest.Load() && u.camera.TestSourceURL != "" {
		return u.camera.TestSourceURL
	}
	return u.camera.URL
}

// Start launches the capture runtime under ctx
func (u *Unit) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&u.state, int32(StateStopped), int32(StateRunning)) {
		return fmt.Errorf("camera %s cannot start from state %s", u.ID(), u.State())
	}

	u.mu.Lock()
	mode := u.camera.Mode
	rt := capture.NewRuntime(capture.Options{
		CameraID:   u.camera.ID,
		URL:        u.sourceURL(),
		Mode:       mode,
		Open:       u.opts.Open,
		Backoffs:   u.opts.Backoffs,
		LatestWait: u.opts.LatestWait,
		Logger:     u.log,
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	u.runtime = rt
	u.cancel = cancel
	u.done = done
	u.mu.Unlock()

	go func() {
		defer func() {
			// A Stop that timed out left the unit stopping; finish it before waking waiters
			atomic.CompareAndSwapInt32(&u.state, int32(StateStopping), int32(StateStopped))
			close(done)
		}()
		defer func() {
			if r := recover(); r != nil {
				u.log.Error().Interface("panic", r).Msg("Camera panic recovered")
			}
		}()
		if err := rt.Run(runCtx, u.pipeline.HandleFrame); err != nil {
			u.log.Error().Err(err).Msg("Capture runtime exited")
		}
	}()

	u.log.Info().Str("mode", string(mode)).Msg("Camera started")
	return nil
}

// Stop signals the runtime and waits for it to release its source. If the runtime is
// still blocked after the stop timeout, ErrStopTimeout is returned and the unit stays
// in StateStopping; it cannot be started again until the old goroutine exits.
func (u *Unit) Stop() error {
	if !atomic.CompareAndSwapInt32(&u.state, int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("camera %s cannot stop from state %s", u.ID(), u.State())
	}

	u.mu.Lock()
	rt, cancel, done := u.runtime, u.cancel, u.done
	u.mu.Unlock()

	rt.Stop()
	cancel()

	select {
	case <-done:
		u.log.Debug().Msg("Shutdown confirmed")
	case <-time.After(u.opts.StopTimeout):
		u.log.Warn().Dur("timeout", u.opts.StopTimeout).Msg("Shutdown timeout, capture still blocked")
		return fmt.Errorf("camera %s: %w", u.ID(), ErrStopTimeout)
	}

	u.setState(StateStopped)
	u.log.Info().Msg("Camera stopped")
	return nil
}

// awaitStopped blocks until a previous runtime has exited
func (u *Unit) awaitStopped(ctx context.Context) error {
	if u.State() != StateStopping {
		return nil
	}
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the unit if it is running and starts it again under ctx. A runtime that
// outlives the stop timeout is waited for, so two runtimes never share the pipeline.
func (u *Unit) Restart(ctx context.Context) error {
	u.log.Info().Msg("Restarting camera")
	if u.State() == StateRunning {
		if err := u.Stop(); err != nil && !errors.Is(err, ErrStopTimeout) {
			return err
		}
	}
	if err := u.awaitStopped(ctx); err != nil {
		return fmt.Errorf("camera %s restart: %w", u.ID(), err)
	}
	u.restarts.Add(1)
	return u.Start(ctx)
}

// SwapSource switches between the live and the recorded test source. Offline events
// are suppressed while the test source is attached.
func (u *Unit) SwapSource(source string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch source {
	case SourceLive:
		u.useTest.Store(false)
	case SourceTest:
		if u.camera.TestSourceURL == "" {
			return ErrNoTestSource
		}
		u.useTest.Store(true)
	default:
		return ErrUnknownSource
	}
	u.health.SetSuppressOffline(source == SourceTest)

	if u.runtime != nil && u.runtime.URL() != u.sourceURL() {
		u.runtime.SwapURL(u.sourceURL())
	}
	u.log.Info().Str("source", source).Msg("Camera source switched")
	return nil
}

// Update applies a changed camera definition; a new URL is picked up without a restart
func (u *Unit) Update(cam models.Camera) (modeChanged bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	modeChanged = cam.Mode != u.camera.Mode
	u.camera = cam
	if u.runtime != nil && u.runtime.URL() != u.sourceURL() {
		u.runtime.SwapURL(u.sourceURL())
		u.log.Info().Msg("Camera URL updated")
	}
	return modeChanged
}

func (u *Unit) Info() Info {
	u.mu.Lock()
	defer u.mu.Unlock()

	source := SourceLive
	if u.useTest.Load() && u.camera.TestSourceURL != "" {
		source = SourceTest
	}
	return Info{
		ID:       u.camera.ID,
		URL:      u.sourceURL(),
		Mode:     u.camera.Mode,
		State:    u.State().String(),
		Source:   source,
		Restarts: u.restarts.Load(),
	}
}
