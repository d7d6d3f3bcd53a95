package publisher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"godown-edge-go/internal/metrics"
	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/messaging"
	"godown-edge-go/internal/services/outbox"
)

// FlushStore is the part of the outbox the flusher drives
type FlushStore interface {
	Due(now time.Time, limit int) ([]outbox.Record, error)
	MarkSent(id uint64) error
	MarkFailed(id uint64, reason string, now time.Time) (outbox.Record, error)
	Stats() models.OutboxStats
}

// FlusherOptions configures the background redelivery loop
type FlusherOptions struct {
	Interval time.Duration
	Batch    int
	// Rate caps redeliveries per second so a reconnect does not flood the broker
	Rate   float64
	Now    func() time.Time
	Logger zerolog.Logger
}

// Flusher periodically redelivers due outbox rows over the live transport
type Flusher struct {
	store     FlushStore
	transport messaging.Transport
	interval  time.Duration
	batch     int
	limiter   *rate.Limiter
	now       func() time.Time
	log       zerolog.Logger
}

func NewFlusher(store FlushStore, transport messaging.Transport, opts FlusherOptions) *Flusher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Flusher{
		store:     store,
		transport: transport,
		interval:  opts.Interval,
		batch:     opts.Batch,
		limiter:   rate.NewLimiter(limit, 1),
		now:       opts.Now,
		log:       opts.Logger,
	}
}

// Serve flushes on every tick until ctx is cancelled. An in-flight tick completes before
// the loop honours the cancellation.
func (f *Flusher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.log.Info().Dur("interval", f.interval).Int("batch", f.batch).Msg("Outbox flusher started")
	for {
		select {
		case <-ctx.Done():
			f.log.Info().Msg("Outbox flusher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := f.FlushOnce(context.WithoutCancel(ctx)); err != nil {
				f.log.Error().Err(err).Msg("Outbox flush failed")
			}
		}
	}
}

// FlushOnce redelivers one batch of due rows and returns how many were acknowledged.
// Nothing is attempted while the transport is disconnected.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	if !f.transport.IsConnected() {
		return 0, nil
	}

	due, err := f.store.Due(f.now(), f.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range due {
		if err := f.limiter.Wait(ctx); err != nil {
			return sent, err
		}

		if err := f.transport.Publish(ctx, rec.Topic, rec.Payload); err != nil {
			updated, markErr := f.store.MarkFailed(rec.ID, err.Error(), f.now())
			if markErr != nil {
				return sent, markErr
			}
			if updated.Status == outbox.StatusDead {
				metrics.OutboxFlushTotal.WithLabelValues("dead").Inc()
			} else {
				metrics.OutboxFlushTotal.WithLabelValues("retry").Inc()
			}
			f.log.Warn().
				Err(err).
				Uint64("outbox_id", rec.ID).
				Int("attempts", updated.Attempts).
				Time("next_attempt_at", updated.NextAttemptAt).
				Msg("Outbox redelivery failed")
			continue
		}

		if err := f.store.MarkSent(rec.ID); err != nil {
			return sent, err
		}
		metrics.OutboxFlushTotal.WithLabelValues("sent").Inc()
		sent++
	}

	if len(due) > 0 {
		stats := f.store.Stats()
		f.log.Info().
			Int("due", len(due)).
			Int("sent", sent).
			Int("pending", stats.Pending).
			Int("dead", stats.Dead).
			Msg("Outbox flush complete")
	}
	return sent, nil
}

func (f *Flusher) String() string { return "outbox-flusher" }
