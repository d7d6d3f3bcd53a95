package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/messaging"
)

var t0 = time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)

func TestCameraState_AgeAndFPS(t *testing.T) {
	reg := NewRegistry(func() time.Time { return t0 })
	c := reg.Register("cam-1")
	assert.Same(t, c, reg.Register("cam-1"))

	assert.Equal(t, 5*time.Second, c.Age(t0.Add(5*time.Second)), "age counts from start before the first frame")

	for i := 0; i < 11; i++ {
		c.MarkFrame(t0.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	assert.InDelta(t, 10.0, c.FPS(), 0.001)
	assert.Equal(t, 2*time.Second, c.Age(t0.Add(3*time.Second)))

	snap := c.Snapshot(t0.Add(3 * time.Second))
	require.NotNil(t, snap.LastFrameUTC)
	assert.Equal(t, "2026-03-14T02:00:01Z", *snap.LastFrameUTC)
	assert.Nil(t, snap.LastEventUTC)
	assert.InDelta(t, 2.0, snap.AgeSec, 0.001)
}

func TestCameraState_OfflineOnce(t *testing.T) {
	c := NewRegistry(nil).Register("cam-1")

	assert.True(t, c.MarkOffline())
	assert.False(t, c.MarkOffline(), "offline is reported once per episode")
	assert.True(t, c.MarkOnline())
	assert.False(t, c.MarkOnline())
	assert.True(t, c.MarkOffline())
}

func TestCameraState_TamperCooldownPerReason(t *testing.T) {
	c := NewRegistry(nil).Register("cam-1")
	cooldown := 10 * time.Minute

	assert.True(t, c.AllowTamper("dark", t0, cooldown))
	assert.False(t, c.AllowTamper("dark", t0.Add(time.Minute), cooldown))
	assert.True(t, c.AllowTamper("blur", t0.Add(time.Minute), cooldown), "reasons cool down independently")
	assert.True(t, c.AllowTamper("dark", t0.Add(11*time.Minute), cooldown))

	snap := c.Snapshot(t0.Add(11 * time.Minute))
	assert.Equal(t, "dark", snap.LastTamper)
}

func TestRegistry_MarkDelivered(t *testing.T) {
	reg := NewRegistry(func() time.Time { return t0 })
	c := reg.Register("cam-1")
	c.SetSuppressOffline(true)

	ev := models.NewEvent("gd-1", "cam-1", models.EventUnauthPerson, models.SeverityWarning, t0)
	reg.MarkDelivered(ev, t0.Add(time.Second))
	reg.MarkDelivered(models.NewEvent("gd-1", "unknown", models.EventUnauthPerson, models.SeverityWarning, t0), t0)

	snap := c.Snapshot(t0)
	assert.True(t, snap.SuppressOffline)
	require.NotNil(t, snap.LastEventUTC)
	assert.Equal(t, "2026-03-14T02:00:01Z", *snap.LastEventUTC)

	reg.Register("cam-0")
	ids := []string{}
	for _, s := range reg.Snapshots(t0) {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"cam-0", "cam-1"}, ids)

	reg.Remove("cam-0")
	_, ok := reg.Get("cam-0")
	assert.False(t, ok)
}

func TestWriteSnapshot_Atomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "health.json")

	snap := models.HealthSnapshot{Timestamp: "2026-03-14T02:00:00Z", GodownID: "gd-1", Connected: true}
	require.NoError(t, WriteSnapshot(path, snap))
	snap.Connected = false
	require.NoError(t, WriteSnapshot(path, snap))

	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.False(t, got.Connected)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

type fakeHeartbeater struct {
	connected bool
	topic     string
	payload   []byte
}

func (f *fakeHeartbeater) PublishRaw(_ context.Context, topic string, payload []byte) error {
	if !f.connected {
		return messaging.ErrNotConnected
	}
	f.topic = topic
	f.payload = payload
	return nil
}

func (f *fakeHeartbeater) Connected() bool { return f.connected }
func (f *fakeHeartbeater) TransportKind() string { return "nats" }
func (f *fakeHeartbeater) Topics() messaging.Topics {
	return messaging.Topics{Root: "godown", GodownID: "gd-1"}
}

type fixedStats models.OutboxStats

func (s fixedStats) Stats() models.OutboxStats { return models.OutboxStats(s) }

func TestReporter_ReportOnce(t *testing.T) {
	reg := NewRegistry(func() time.Time { return t0 })
	reg.Register("cam-1").MarkFrame(t0)

	path := filepath.Join(t.TempDir(), "health.json")
	pub := &fakeHeartbeater{connected: true}
	rep := NewReporter(reg, pub, fixedStats{Total: 3, Pending: 2, Dead: 1}, ReporterOptions{
		GodownID:     "gd-1",
		WorkerID:     "edge-1",
		SnapshotPath: path,
		Now:          func() time.Time { return t0.Add(4 * time.Second) },
		Logger:       zerolog.Nop(),
	})

	require.NoError(t, rep.ReportOnce(context.Background()))
	assert.Equal(t, "godown/gd-1/health", pub.topic)

	var sent models.HealthSnapshot
	require.NoError(t, json.Unmarshal(pub.payload, &sent))
	assert.True(t, sent.Connected)
	assert.Equal(t, "nats", sent.Transport)
	assert.Equal(t, 2, sent.Outbox.Pending)
	assert.Equal(t, 1, sent.Outbox.Dead)
	require.Len(t, sent.Cameras, 1)
	assert.InDelta(t, 4.0, sent.Cameras[0].AgeSec, 0.001)

	onDisk, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, sent.Timestamp, onDisk.Timestamp)

	// A disconnected broker only skips the heartbeat
	pub.connected = false
	pub.payload = nil
	require.NoError(t, rep.ReportOnce(context.Background()))
	assert.Nil(t, pub.payload)

	_, err = os.Stat(path)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
