package publisher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"godown-edge-go/internal/config"
	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/confirm"
	"godown-edge-go/internal/services/messaging"
	"godown-edge-go/internal/services/outbox"
)

var t0 = time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)

type sent struct {
	topic   string
	payload []byte
}

// fakeTransport answers IsConnected from a script; the last value repeats once the script runs out
type fakeTransport struct {
	mu        sync.Mutex
	connected []bool
	publishes []sent
	failWith  error
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connected) == 0 {
		return true
	}
	v := f.connected[0]
	if len(f.connected) > 1 {
		f.connected = f.connected[1:]
	}
	return v
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.publishes = append(f.publishes, sent{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) Kind() string { return "fake" }

func (f *fakeTransport) eventIDs(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.publishes))
	for _, p := range f.publishes {
		var ev models.Event
		require.NoError(t, json.Unmarshal(p.payload, &ev))
		ids = append(ids, ev.EventID)
	}
	return ids
}

var topics = messaging.Topics{Root: "godown", GodownID: "gd-1"}

func openOutbox(t *testing.T) *outbox.Store {
	t.Helper()
	s, err := outbox.Open(outbox.Options{InMemory: true, MaxQueue: 100, MaxAttempts: 5, MaxPayload: 64 * 1024}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPublisher(t *testing.T, opts Options) *Service {
	t.Helper()
	opts.Topics = topics
	opts.Logger = zerolog.Nop()
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	return svc
}

func offline(at time.Time) models.Event {
	return models.NewEvent("gd-1", "cam-1", models.EventCameraOffline, models.SeverityCritical, at)
}

func TestPublish_Live(t *testing.T) {
	tr := &fakeTransport{}
	var delivered []string
	svc := newPublisher(t, Options{
		Transport:   tr,
		OnDelivered: func(ev models.Event, _ time.Time) { delivered = append(delivered, ev.EventID) },
	})

	ev := offline(t0)
	res, err := svc.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultLive, res)

	require.Len(t, tr.publishes, 1)
	assert.Equal(t, "godown/gd-1/events", tr.publishes[0].topic)
	assert.Equal(t, []string{ev.EventID}, delivered)

	var got map[string]any
	require.NoError(t, json.Unmarshal(tr.publishes[0].payload, &got))
	assert.Equal(t, "CAMERA_OFFLINE", got["event_type"])
	assert.Equal(t, "2026-03-14T02:00:00Z", got["timestamp_utc"])
}

func TestPublish_DuplicateEventID(t *testing.T) {
	tr := &fakeTransport{}
	svc := newPublisher(t, Options{Transport: tr})

	ev := offline(t0)
	res, err := svc.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultLive, res)

	res, err = svc.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.Len(t, tr.publishes, 1)
}

func TestPublish_SuppressedByGate(t *testing.T) {
	tr := &fakeTransport{}
	gate := confirm.New(confirm.Config{Default: confirm.Policy{CountRequired: 2, Window: 10 * time.Second}}, zerolog.Nop())
	now := t0
	svc := newPublisher(t, Options{Transport: tr, Gate: gate, Now: func() time.Time { return now }})

	ev := models.NewEvent("gd-1", "cam-1", models.EventUnauthPerson, models.SeverityWarning, t0).WithRule("night", "Z1")
	res, err := svc.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultSuppressed, res)
	assert.Empty(t, tr.publishes)

	// A suppressed candidate is not remembered as published
	now = t0.Add(time.Second)
	res, err = svc.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultLive, res)
}

func TestPublish_HTTPFallback(t *testing.T) {
	var (
		gotAuth string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, "/api/v1/edge/events", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	fb := NewHTTPFallback(&config.Config{
		HTTPFallbackURL:        srv.URL,
		HTTPFallbackPath:       "/api/v1/edge/events",
		HTTPFallbackToken:      "secret",
		HTTPFallbackTimeout:    time.Second,
		HTTPFallbackEventTypes: []string{"camera_offline"},
	}, zerolog.Nop())

	tr := &fakeTransport{connected: []bool{false}}
	box := openOutbox(t)
	svc := newPublisher(t, Options{Transport: tr, Fallback: fb, Outbox: box})

	ev := offline(t0)
	res, err := svc.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultHTTP, res)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Contains(t, string(gotBody), ev.EventID)
	assert.Zero(t, box.Stats().Total)

	// Types not enabled for the fallback go to the outbox
	person := models.NewEvent("gd-1", "cam-1", models.EventUnauthPerson, models.SeverityWarning, t0)
	res, err = svc.Publish(context.Background(), person)
	require.NoError(t, err)
	assert.Equal(t, ResultOutbox, res)
	assert.Equal(t, 1, box.Stats().Pending)
}

func TestHTTPFallback_RejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fb := NewHTTPFallback(&config.Config{
		HTTPFallbackURL:        srv.URL,
		HTTPFallbackTimeout:    time.Second,
		HTTPFallbackEventTypes: []string{"*"},
	}, zerolog.Nop())

	assert.True(t, fb.Allows(models.EventLoitering))
	err := fb.Post(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrFallbackRejected)
}

func TestPublish_OutboxOnPublishError(t *testing.T) {
	tr := &fakeTransport{failWith: errors.New("nack")}
	box := openOutbox(t)
	svc := newPublisher(t, Options{Transport: tr, Outbox: box})

	res, err := svc.Publish(context.Background(), offline(t0))
	require.NoError(t, err)
	assert.Equal(t, ResultOutbox, res)

	due, err := box.Due(t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "godown/gd-1/events", due[0].Topic)
	assert.Equal(t, "fake", due[0].Transport)
	assert.Equal(t, "CAMERA_OFFLINE", due[0].EventType)
}

func TestPublish_DroppedWithoutOutbox(t *testing.T) {
	tr := &fakeTransport{connected: []bool{false}}
	svc := newPublisher(t, Options{Transport: tr})

	res, err := svc.Publish(context.Background(), offline(t0))
	assert.Equal(t, ResultDropped, res)
	assert.ErrorIs(t, err, ErrDropped)
}

func TestPublish_DroppedEventCanBeRetried(t *testing.T) {
	tr := &fakeTransport{connected: []bool{false, true}}
	svc := newPublisher(t, Options{Transport: tr})

	ev := offline(t0)
	res, err := svc.Publish(context.Background(), ev)
	require.ErrorIs(t, err, ErrDropped)
	assert.Equal(t, ResultDropped, res)

	res, err = svc.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultLive, res, "a dropped id is not remembered as seen")
	assert.Equal(t, []string{ev.EventID}, tr.eventIDs(t))

	res, err = svc.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
}

func TestPublishRaw_LiveOnly(t *testing.T) {
	tr := &fakeTransport{connected: []bool{false, true}}
	svc := newPublisher(t, Options{Transport: tr})

	err := svc.PublishRaw(context.Background(), topics.Health(), []byte(`{}`))
	assert.ErrorIs(t, err, messaging.ErrNotConnected)

	require.NoError(t, svc.PublishRaw(context.Background(), topics.Health(), []byte(`{}`)))
	require.Len(t, tr.publishes, 1)
	assert.Equal(t, "godown/gd-1/health", tr.publishes[0].topic)
}

func TestBrokerDown_OutboxDrainsOnReconnect(t *testing.T) {
	// Three publishes see a disconnected broker, the flusher's check sees it back
	tr := &fakeTransport{connected: []bool{false, false, false, true}}
	box := openOutbox(t)
	now := t0
	clock := func() time.Time { return now }
	svc := newPublisher(t, Options{Transport: tr, Outbox: box, Now: clock})

	var ids []string
	for i := 0; i < 3; i++ {
		ev := offline(now)
		ids = append(ids, ev.EventID)
		res, err := svc.Publish(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, ResultOutbox, res)
	}
	assert.Empty(t, tr.publishes)
	assert.Equal(t, 3, box.Stats().Pending)

	flusher := NewFlusher(box, tr, FlusherOptions{Batch: 10, Now: clock, Logger: zerolog.Nop()})
	n, err := flusher.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.ElementsMatch(t, ids, tr.eventIDs(t))
	stats := box.Stats()
	assert.Equal(t, 3, stats.Sent)
	assert.Zero(t, stats.Pending)

	n, err = flusher.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "sent rows are never redelivered")
	assert.Len(t, tr.publishes, 3)
}

func TestFlusher_SkipsWhileDisconnected(t *testing.T) {
	tr := &fakeTransport{connected: []bool{false}}
	box := openOutbox(t)
	_, err := box.Enqueue(outbox.Record{EventType: "CAMERA_OFFLINE", Topic: topics.Events(), Payload: []byte(`{}`)}, t0)
	require.NoError(t, err)

	flusher := NewFlusher(box, tr, FlusherOptions{Now: func() time.Time { return t0 }, Logger: zerolog.Nop()})
	n, err := flusher.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, box.Stats().Pending)
	assert.Equal(t, "outbox-flusher", flusher.String())
}

func TestFlusher_FailureBacksOff(t *testing.T) {
	tr := &fakeTransport{failWith: errors.New("nack")}
	box := openOutbox(t)
	rec, err := box.Enqueue(outbox.Record{EventType: "CAMERA_OFFLINE", Topic: topics.Events(), Payload: []byte(`{}`)}, t0)
	require.NoError(t, err)

	flusher := NewFlusher(box, tr, FlusherOptions{Now: func() time.Time { return t0 }, Logger: zerolog.Nop()})
	n, err := flusher.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := box.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "nack", got.LastError)
	assert.True(t, t0.Add(outbox.Delay(1)).Equal(got.NextAttemptAt))
}

type fakeSnapshots struct {
	keys []string
	err  error
}

func (f *fakeSnapshots) SaveSnapshot(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func TestPublish_SnapshotOnlyForConfirmedEvents(t *testing.T) {
	tr := &fakeTransport{}
	snaps := &fakeSnapshots{}
	gate := confirm.New(confirm.Config{
		Default: confirm.Policy{CountRequired: 2, Window: 10 * time.Second},
		Keys:    map[string]confirm.Policy{string(models.EventCameraOffline): {CountRequired: 1}},
	}, zerolog.Nop())
	now := t0
	svc := newPublisher(t, Options{Transport: tr, Gate: gate, Snapshots: snaps, Now: func() time.Time { return now }})

	ev := models.NewEvent("gd-1", "cam-1", models.EventLoitering, models.SeverityWarning, t0).WithRule("loiter", "Z1")
	res, err := svc.Publish(context.Background(), ev, WithSnapshot([]byte{0xff, 0xd8}))
	require.NoError(t, err)
	assert.Equal(t, ResultSuppressed, res)
	assert.Empty(t, snaps.keys)

	now = t0.Add(time.Second)
	res, err = svc.Publish(context.Background(), ev, WithSnapshot([]byte{0xff, 0xd8}))
	require.NoError(t, err)
	assert.Equal(t, ResultLive, res)
	require.Len(t, snaps.keys, 1)

	var got models.Event
	require.NoError(t, json.Unmarshal(tr.publishes[0].payload, &got))
	assert.Equal(t, "https://cdn.example.com/"+snaps.keys[0], got.ImageURL)

	// A failed upload still publishes the event
	snaps.err = errors.New("bucket unavailable")
	other := offline(t0)
	res, err = svc.Publish(context.Background(), other, WithSnapshot([]byte{0xff, 0xd8}))
	require.NoError(t, err)
	assert.Equal(t, ResultLive, res)
}
