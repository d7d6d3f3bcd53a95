package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"godown-edge-go/internal/api"
	"godown-edge-go/internal/config"
	"godown-edge-go/internal/logging"
	"godown-edge-go/internal/models"
	"godown-edge-go/internal/services/camera"
	"godown-edge-go/internal/services/capture/gocvsource"
	"godown-edge-go/internal/services/confirm"
	"godown-edge-go/internal/services/detection"
	"godown-edge-go/internal/services/dispatch"
	"godown-edge-go/internal/services/health"
	"godown-edge-go/internal/services/messaging"
	"godown-edge-go/internal/services/outbox"
	"godown-edge-go/internal/services/publisher"
	"godown-edge-go/internal/services/rules"
	"godown-edge-go/internal/services/storage"
	"godown-edge-go/internal/services/watchdog"
	"godown-edge-go/internal/supervisor"
)

// ServiceContainer holds all services
type ServiceContainer struct {
	Config *config.Config

	Nats      *messaging.Service
	MQTT      *messaging.MQTTTransport
	Transport messaging.Transport

	Rules     *rules.Store
	Plans     *dispatch.PlanStore
	Outbox    *outbox.Store
	Gate      *confirm.Gate
	Publisher *publisher.Service
	Flusher   *publisher.Flusher
	Registry  *health.Registry
	Reporter  *health.Reporter
	Watchdog  *watchdog.Watchdog
	Cameras   *camera.Manager
	API       *api.Server
}

// NewServiceContainer builds every component. Configuration and file errors are returned
// before any camera starts.
func NewServiceContainer(ctx context.Context, cfg *config.Config) (*ServiceContainer, error) {
	sc := &ServiceContainer{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			sc.close()
		}
	}()

	rulesStore := rules.NewStore(cfg.RulesFile, cfg.RulesPollInterval, logging.NewServiceLogger(cfg, "rules"))
	if err := rulesStore.Load(); err != nil {
		return nil, fmt.Errorf("load rules file: %w", err)
	}
	sc.Rules = rulesStore

	plans := dispatch.NewPlanStore(cfg.DispatchPlanFile, cfg.DispatchPollInterval, logging.NewServiceLogger(cfg, "dispatch"))
	if err := plans.Load(); err != nil {
		return nil, fmt.Errorf("load dispatch plans: %w", err)
	}
	sc.Plans = plans

	box, err := outbox.Open(outbox.Options{
		Path:        cfg.OutboxPath,
		SyncWrites:  cfg.OutboxSyncWrites,
		MaxQueue:    cfg.OutboxMaxQueue,
		MaxAttempts: cfg.OutboxMaxAttempts,
		MaxPayload:  cfg.OutboxMaxPayload,
	}, logging.NewServiceLogger(cfg, "outbox"))
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	sc.Outbox = box

	// NATS carries detector requests whatever the live transport is
	sc.Nats, err = messaging.NewService(cfg, logging.NewServiceLogger(cfg, "nats"))
	if err != nil {
		return nil, err
	}
	sc.Transport = sc.Nats
	if cfg.BrokerKind == "mqtt" {
		sc.MQTT, err = messaging.NewMQTTTransport(cfg, logging.NewServiceLogger(cfg, "mqtt"))
		if err != nil {
			return nil, err
		}
		sc.Transport = sc.MQTT
	}

	sc.Gate = confirm.New(gateConfig(cfg), logging.NewServiceLogger(cfg, "confirm"))
	sc.Gate.SetOverrides(func(ruleKey string) *models.ConfirmOverride {
		snap := rulesStore.Snapshot()
		if snap == nil {
			return nil
		}
		return snap.ConfirmOverride(ruleKey)
	})

	var fallback publisher.Fallback
	if cfg.HTTPFallbackEnabled {
		fallback = publisher.NewHTTPFallback(cfg, logging.NewServiceLogger(cfg, "http-fallback"))
	}

	var snapshots storage.SnapshotStore
	if cfg.MinioEnabled() {
		store, err := storage.NewMinioStore(ctx, cfg, logging.NewServiceLogger(cfg, "snapshots"))
		if err != nil {
			// Events still flow without images
			log.Warn().Err(err).Msg("Snapshot store unavailable, events will carry no image")
		} else {
			snapshots = store
		}
	}

	sc.Registry = health.NewRegistry(nil)

	sc.Publisher, err = publisher.NewService(publisher.Options{
		Transport:   sc.Transport,
		Topics:      messaging.Topics{Root: cfg.TopicRoot, GodownID: cfg.GodownID},
		Gate:        sc.Gate,
		Fallback:    fallback,
		Outbox:      box,
		Snapshots:   snapshots,
		OnDelivered: sc.Registry.MarkDelivered,
		Logger:      logging.NewServiceLogger(cfg, "publisher"),
	})
	if err != nil {
		return nil, err
	}

	sc.Flusher = publisher.NewFlusher(box, sc.Transport, publisher.FlusherOptions{
		Interval: cfg.OutboxFlushInterval,
		Batch:    cfg.OutboxFlushBatch,
		Rate:     cfg.OutboxFlushRate,
		Logger:   logging.NewServiceLogger(cfg, "outbox-flusher"),
	})

	sc.Reporter = health.NewReporter(sc.Registry, sc.Publisher, box, health.ReporterOptions{
		GodownID:     cfg.GodownID,
		WorkerID:     cfg.WorkerID,
		SnapshotPath: cfg.HealthSnapshotFile,
		Interval:     cfg.HealthInterval,
		Logger:       logging.NewServiceLogger(cfg, "health"),
	})

	detector := detection.NewService(sc.Nats, cfg.DetectorSubject, cfg.DetectorTimeout, logging.NewServiceLogger(cfg, "detection"))
	cameraLogger := logging.NewServiceLogger(cfg, "camera")

	sc.Cameras, err = camera.NewManager(cfg, camera.Deps{
		Rules:      rulesStore,
		Detector:   detector,
		Publisher:  sc.Publisher,
		Registry:   sc.Registry,
		Reconciler: dispatch.NewReconciler(plans, logging.NewServiceLogger(cfg, "dispatch")),
		Open:       gocvsource.Opener(cfg.JPEGQuality, cameraLogger),
	}, cameraLogger)
	if err != nil {
		return nil, err
	}

	pub := sc.Publisher
	sc.Watchdog = watchdog.New(sc.Registry, watchdog.Options{
		GodownID:       cfg.GodownID,
		Interval:       cfg.WatchdogInterval,
		StallThreshold: cfg.StallThreshold,
		FatalThreshold: cfg.FatalStallThreshold,
		Emit: func(ctx context.Context, ev models.Event) {
			if _, err := pub.Publish(ctx, ev); err != nil {
				log.Error().Err(err).Str("camera_id", ev.CameraID).Msg("Offline event not delivered")
			}
		},
		Restart: sc.Cameras.Restart,
		Logger:  logging.NewServiceLogger(cfg, "watchdog"),
	})

	sc.API = api.NewServer(cfg, sc.Reporter, sc.Cameras, logging.NewServiceLogger(cfg, "api"))

	ok = true
	return sc, nil
}

// gateConfig maps the confirm settings onto gate policies. Immediate types confirm on the
// first push.
func gateConfig(cfg *config.Config) confirm.Config {
	keys := make(map[string]confirm.Policy, len(cfg.ConfirmImmediateTypes))
	for _, t := range cfg.ConfirmImmediateTypes {
		keys[t] = confirm.Policy{CountRequired: 1}
	}
	return confirm.Config{
		Default: confirm.Policy{
			CountRequired: cfg.ConfirmCountRequired,
			Window:        cfg.ConfirmWindow,
			Persist:       cfg.ConfirmPersist,
			Cooldown:      cfg.ConfirmCooldown,
		},
		Idle:     cfg.ConfirmIdle,
		Capacity: cfg.ConfirmCapacity,
		Keys:     keys,
	}
}

// Register adds the long-lived services to the supervisor tree
func (sc *ServiceContainer) Register(tree *supervisor.Tree) {
	tree.AddConfigService(sc.Rules)
	tree.AddConfigService(sc.Plans)
	tree.AddPipelineService(sc.Cameras)
	tree.AddPipelineService(sc.Watchdog)
	tree.AddDeliveryService(sc.Flusher)
	tree.AddDeliveryService(sc.Reporter)
	tree.AddAPIService(sc.API)
}

// Shutdown releases the broker connections and the outbox. Call it after the supervisor
// tree has stopped so no service is still writing.
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	var errs []error

	if sc.Reporter != nil {
		// Final snapshot reflects the stopped cameras
		if err := sc.Reporter.ReportOnce(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final health report: %w", err))
		}
	}
	if sc.MQTT != nil {
		sc.MQTT.Close()
	}
	if sc.Nats != nil {
		if err := sc.Nats.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sc.Outbox != nil {
		if err := sc.Outbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close outbox: %w", err))
		}
	}
	return errors.Join(errs...)
}

// close releases whatever a failed constructor already opened
func (sc *ServiceContainer) close() {
	if sc.MQTT != nil {
		sc.MQTT.Close()
	}
	if sc.Nats != nil {
		_ = sc.Nats.Shutdown(context.Background())
	}
	if sc.Outbox != nil {
		_ = sc.Outbox.Close()
	}
}
