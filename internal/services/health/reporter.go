package health

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/messaging"
)

// Heartbeater is the live-only publishing surface the reporter needs
type Heartbeater interface {
	PublishRaw(ctx context.Context, topic string, payload []byte) error
	Connected() bool
	TransportKind() string
	Topics() messaging.Topics
}

// OutboxStatser reports outbox depth
type OutboxStatser interface {
	Stats() models.OutboxStats
}

// ReporterOptions configures the periodic health reporter
type ReporterOptions struct {
	GodownID     string
	WorkerID     string
	SnapshotPath string
	Interval     time.Duration
	Now          func() time.Time
	Logger       zerolog.Logger
}

// Reporter aggregates node health, writes the snapshot file and publishes heartbeats
type Reporter struct {
	registry *Registry
	pub      Heartbeater
	outbox   OutboxStatser
	opts     ReporterOptions
	log      zerolog.Logger
}

func NewReporter(registry *Registry, pub Heartbeater, outbox OutboxStatser, opts ReporterOptions) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reporter{
		registry: registry,
		pub:      pub,
		outbox:   outbox,
		opts:     opts,
		log:      opts.Logger,
	}
}

// Snapshot builds the consolidated node health at now
func (r *Reporter) Snapshot() models.HealthSnapshot {
	now := r.opts.Now()
	snap := models.HealthSnapshot{
		Timestamp: models.FormatTimestamp(now),
		GodownID:  r.opts.GodownID,
		WorkerID:  r.opts.WorkerID,
		Cameras:   r.registry.Snapshots(now),
	}
	if r.pub != nil {
		snap.Connected = r.pub.Connected()
		snap.Transport = r.pub.TransportKind()
	}
	if r.outbox != nil {
		snap.Outbox = r.outbox.Stats()
	}
	return snap
}

// ReportOnce writes the snapshot file and publishes a heartbeat. A failed heartbeat is
// not an error: the broker may be down and heartbeats are never queued.
func (r *Reporter) ReportOnce(ctx context.Context) error {
	snap := r.Snapshot()

	if r.opts.SnapshotPath != "" {
		if err := WriteSnapshot(r.opts.SnapshotPath, snap); err != nil {
			return err
		}
	}

	if r.pub == nil {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := r.pub.PublishRaw(ctx, r.pub.Topics().Health(), payload); err != nil {
		r.log.Debug().Err(err).Msg("Heartbeat not sent")
	}
	return nil
}

// Serve reports on every tick until ctx is cancelled
func (r *Reporter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.opts.Interval).Str("path", r.opts.SnapshotPath).Msg("Health reporter started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.ReportOnce(context.WithoutCancel(ctx)); err != nil {
				r.log.Error().Err(err).Msg("Health report failed")
			}
		}
	}
}

func (r *Reporter) String() string { return "health-reporter" }
