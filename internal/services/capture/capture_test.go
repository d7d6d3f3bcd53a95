package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"godown-edge-go/internal/models"
)

func TestBackoff_Ladder(t *testing.T) {
	b := NewBackoff(nil)
	want := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second}
	for _, w := range want {
		assert.Equal(t, w, b.Next())
	}
	assert.Equal(t, 5, b.Attempts())

	b.Reset()
	assert.Equal(t, 2*time.Second, b.Next())
}

func TestRelay_LatestWins(t *testing.T) {
	r := NewRelay()
	r.Put(&models.Frame{CameraID: "cam-1", JPEG: []byte{1}})
	r.Put(&models.Frame{CameraID: "cam-1", JPEG: []byte{2}})

	f, ok := r.Next(0, 10*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Seq)
	assert.Equal(t, []byte{2}, f.JPEG)

	// The copy is private
	f.JPEG[0] = 9
	again, ok := r.Next(1, 10*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, again.JPEG)
}

func TestRelay_BoundedWait(t *testing.T) {
	r := NewRelay()
	start := time.Now()
	_, ok := r.Next(0, 50*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRelay_WakesOnPutAndClose(t *testing.T) {
	r := NewRelay()

	got := make(chan uint64, 1)
	go func() {
		f, ok := r.Next(0, 5*time.Second)
		if ok {
			got <- f.Seq
		}
	}()
	time.Sleep(10 * time.Millisecond)
	r.Put(&models.Frame{})
	select {
	case seq := <-got:
		assert.Equal(t, uint64(1), seq)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Put")
	}

	done := make(chan bool, 1)
	go func() {
		_, ok := r.Next(r.Seq(), 5*time.Second)
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	r.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

// fakeSource serves frames until failAfter reads, then fails every read
type fakeSource struct {
	url       string
	reads     atomic.Int32
	failAfter int32
	closed    atomic.Bool
}

func (s *fakeSource) Read(ctx context.Context) (*models.Frame, error) {
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.reads.Add(1)
	if s.failAfter > 0 && n > s.failAfter {
		return nil, errors.New("stream ended")
	}
	time.Sleep(time.Millisecond)
	return &models.Frame{JPEG: []byte(s.url)}, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	failures int
	opens    []string
	sources  []*fakeSource
	failRead int32
}

func (o *fakeOpener) open(_ context.Context, _ string, url string) (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failures > 0 {
		o.failures--
		return nil, errors.New("connection refused")
	}
	src := &fakeSource{url: url, failAfter: o.failRead}
	o.opens = append(o.opens, url)
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *fakeOpener) snapshot() ([]string, []*fakeSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opens...), append([]*fakeSource(nil), o.sources...)
}

func newRuntime(mode models.CaptureMode, o *fakeOpener) *Runtime {
	return NewRuntime(Options{
		CameraID:   "cam-1",
		URL:        "rtsp://live",
		Mode:       mode,
		Open:       o.open,
		Backoffs:   []time.Duration{time.Millisecond, 2 * time.Millisecond},
		LatestWait: 20 * time.Millisecond,
		Logger:     zerolog.Nop(),
	})
}

func TestRuntime_Modes(t *testing.T) {
	for _, mode := range []models.CaptureMode{models.CaptureDirect, models.CaptureLatest} {
		t.Run(string(mode), func(t *testing.T) {
			o := &fakeOpener{failures: 2}
			rt := newRuntime(mode, o)

			var frames atomic.Int32
			var lastSeq atomic.Uint64
			done := make(chan error, 1)
			go func() {
				done <- rt.Run(context.Background(), func(_ context.Context, f *models.Frame) {
					assert.Equal(t, "cam-1", f.CameraID)
					assert.Greater(t, f.Seq, lastSeq.Load(), "sequence numbers increase")
					lastSeq.Store(f.Seq)
					frames.Add(1)
				})
			}()

			require.Eventually(t, func() bool { return frames.Load() >= 5 }, 2*time.Second, time.Millisecond)
			rt.Stop()
			rt.Stop()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("runtime did not stop")
			}

			_, sources := o.snapshot()
			require.Len(t, sources, 1, "two failed opens then one success")
			assert.True(t, sources[0].closed.Load(), "source released before Run returns")
		})
	}
}

func TestRuntime_ReconnectsAfterReadFailure(t *testing.T) {
	o := &fakeOpener{failRead: 3}
	rt := newRuntime(models.CaptureDirect, o)

	var frames atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Run(ctx, func(context.Context, *models.Frame) { frames.Add(1) })
	}()

	require.Eventually(t, func() bool {
		opens, _ := o.snapshot()
		return len(opens) >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	_, sources := o.snapshot()
	for _, s := range sources {
		assert.True(t, s.closed.Load())
	}
	assert.GreaterOrEqual(t, frames.Load(), int32(6))
}

func TestRuntime_SwapURL(t *testing.T) {
	o := &fakeOpener{}
	rt := newRuntime(models.CaptureLatest, o)

	var fromTest atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Run(ctx, func(_ context.Context, f *models.Frame) {
			if string(f.JPEG) == "file:///recorded.mp4" {
				fromTest.Store(true)
			}
		})
	}()

	require.Eventually(t, func() bool {
		opens, _ := o.snapshot()
		return len(opens) == 1
	}, time.Second, time.Millisecond)

	rt.SwapURL("file:///recorded.mp4")
	assert.Equal(t, "file:///recorded.mp4", rt.URL())
	require.Eventually(t, fromTest.Load, 2*time.Second, time.Millisecond)

	opens, sources := o.snapshot()
	assert.Equal(t, []string{"rtsp://live", "file:///recorded.mp4"}, opens)
	assert.True(t, sources[0].closed.Load(), "live source closed on swap")

	rt.Stop()
	<-done
}
