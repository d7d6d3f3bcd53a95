package watchdog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/health"
)

var t0 = time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)

type harness struct {
	now      time.Time
	registry *health.Registry
	events   []models.Event
	restarts []string
	exits    []int
	wd       *Watchdog
}

func newHarness() *harness {
	h := &harness{now: t0}
	clock := func() time.Time { return h.now }
	h.registry = health.NewRegistry(clock)
	h.wd = New(h.registry, Options{
		GodownID:       "gd-1",
		StallThreshold: 30 * time.Second,
		FatalThreshold: 600 * time.Second,
		Emit:           func(_ context.Context, ev models.Event) { h.events = append(h.events, ev) },
		Restart:        func(id string) { h.restarts = append(h.restarts, id) },
		Exit:           func(code int) { h.exits = append(h.exits, code) },
		Now:            clock,
		Logger:         zerolog.Nop(),
	})
	return h
}

func (h *harness) tick(at time.Duration) {
	h.now = t0.Add(at)
	h.wd.Check()
	h.wd.flush(context.Background())
}

func TestWatchdog_StallEmitsAndRestartsOnce(t *testing.T) {
	h := newHarness()
	cam := h.registry.Register("cam-1")
	cam.MarkFrame(t0)

	h.tick(10 * time.Second)
	assert.True(t, cam.Online())
	assert.Empty(t, h.events)

	h.tick(31 * time.Second)
	h.tick(40 * time.Second)
	h.tick(90 * time.Second)

	require.Len(t, h.events, 1, "one offline event per stall episode")
	ev := h.events[0]
	assert.Equal(t, models.EventCameraOffline, ev.EventType)
	assert.Equal(t, models.SeverityCritical, ev.Severity)
	assert.Equal(t, "cam-1", ev.CameraID)
	assert.Equal(t, "31.0", ev.Metadata.Extras["age_sec"])

	assert.Equal(t, []string{"cam-1"}, h.restarts, "restart hook once per episode")
	assert.Empty(t, h.exits)
	assert.True(t, h.wd.Stalled("cam-1"))
	assert.False(t, cam.Online())
}

func TestWatchdog_RecoveryStartsNewEpisode(t *testing.T) {
	h := newHarness()
	cam := h.registry.Register("cam-1")
	cam.MarkFrame(t0)

	h.tick(35 * time.Second)
	require.Len(t, h.events, 1)

	cam.MarkFrame(t0.Add(36 * time.Second))
	h.tick(37 * time.Second)
	assert.False(t, h.wd.Stalled("cam-1"))
	assert.True(t, cam.Online())

	h.tick(70 * time.Second)
	assert.Len(t, h.events, 2)
	assert.Len(t, h.restarts, 2)
}

func TestWatchdog_SuppressedOffline(t *testing.T) {
	h := newHarness()
	cam := h.registry.Register("cam-1")
	cam.SetSuppressOffline(true)

	h.tick(45 * time.Second)
	assert.Empty(t, h.events)
	assert.Equal(t, []string{"cam-1"}, h.restarts, "restart still happens while suppressed")
	assert.True(t, h.wd.Stalled("cam-1"))
}

func TestWatchdog_NoFrameCountsFromStart(t *testing.T) {
	h := newHarness()
	h.registry.Register("cam-1")

	h.tick(20 * time.Second)
	assert.Empty(t, h.events)
	h.tick(31 * time.Second)
	assert.Len(t, h.events, 1)
}

func TestWatchdog_FatalExit(t *testing.T) {
	h := newHarness()
	cam := h.registry.Register("cam-1")
	cam.MarkFrame(t0)

	h.tick(100 * time.Second)
	assert.Empty(t, h.exits)
	h.tick(601 * time.Second)
	assert.Equal(t, []int{1}, h.exits)
}

func TestWatchdog_ForgetsRemovedCameras(t *testing.T) {
	h := newHarness()
	h.registry.Register("cam-1")
	h.tick(40 * time.Second)
	require.True(t, h.wd.Stalled("cam-1"))

	h.registry.Remove("cam-1")
	h.tick(41 * time.Second)
	assert.False(t, h.wd.Stalled("cam-1"))
}

func TestWatchdog_SlowEmitDoesNotStretchTick(t *testing.T) {
	now := t0.Add(40 * time.Second)
	registry := health.NewRegistry(func() time.Time { return t0 })
	for _, id := range []string{"cam-1", "cam-2", "cam-3"} {
		registry.Register(id)
	}

	release := make(chan struct{})
	var emitted atomic.Int32
	wd := New(registry, Options{
		GodownID: "gd-1",
		Interval: time.Hour,
		Emit: func(_ context.Context, _ models.Event) {
			<-release
			emitted.Add(1)
		},
		Exit:   func(int) {},
		Now:    func() time.Time { return now },
		Logger: zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wd.Serve(ctx) }()

	start := time.Now()
	wd.Check()
	assert.Less(t, time.Since(start), 100*time.Millisecond, "tick does not wait on the emitter")
	for _, id := range []string{"cam-1", "cam-2", "cam-3"} {
		assert.True(t, wd.Stalled(id))
	}

	close(release)
	require.Eventually(t, func() bool { return emitted.Load() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}
