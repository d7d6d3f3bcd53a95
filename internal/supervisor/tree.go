// Package supervisor runs the worker's long-lived services under a suture tree.
//
// Tree layout:
//
//	godown-edge (root)
//	├── config-layer    rules watcher, dispatch plan watcher
//	├── pipeline-layer  camera manager, watchdog
//	├── delivery-layer  outbox flusher, health reporter
//	└── api-layer       status HTTP server
//
// Services are wrapped by Once so an unexpected exit is logged and not restarted. The only
// restart paths are the capture reconnect backoff and the watchdog restart hook.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tuning
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long each service gets to stop.
	// Default: 10s
	ShutdownTimeout time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the worker's supervisor hierarchy
type Tree struct {
	root     *suture.Supervisor
	config   *suture.Supervisor
	pipeline *suture.Supervisor
	delivery *suture.Supervisor
	api      *suture.Supervisor
	logger   *slog.Logger
}

func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	// MustHook has a pointer receiver
	handler := &sutureslog.Handler{Logger: logger}

	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	t := &Tree{
		root:     suture.New("godown-edge", rootSpec),
		config:   suture.New("config-layer", childSpec),
		pipeline: suture.New("pipeline-layer", childSpec),
		delivery: suture.New("delivery-layer", childSpec),
		api:      suture.New("api-layer", childSpec),
		logger:   logger,
	}
	t.root.Add(t.config)
	t.root.Add(t.pipeline)
	t.root.Add(t.delivery)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddConfigService(svc suture.Service) suture.ServiceToken {
	return t.config.Add(Once(svc, t.logger))
}

func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(Once(svc, t.logger))
}

func (t *Tree) AddDeliveryService(svc suture.Service) suture.ServiceToken {
	return t.delivery.Add(Once(svc, t.logger))
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(Once(svc, t.logger))
}

// ServeBackground starts the tree. The channel yields the root's exit error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// once converts any exit that was not caused by shutdown into ErrDoNotRestart
type once struct {
	svc    suture.Service
	logger *slog.Logger
}

// Once wraps svc so the supervisor never restarts it
func Once(svc suture.Service, logger *slog.Logger) suture.Service {
	return &once{svc: svc, logger: logger}
}

func (o *once) Serve(ctx context.Context) error {
	err := o.svc.Serve(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, suture.ErrTerminateSupervisorTree) {
		return err
	}
	o.logger.Error("service exited unexpectedly", "service", o.String(), "error", err)
	return suture.ErrDoNotRestart
}

func (o *once) String() string {
	return fmt.Sprint(o.svc)
}
