package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hochfrequenz/batch-orchestrator/internal/batch"
	"github.com/hochfrequenz/batch-orchestrator/internal/config"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
	"github.com/hochfrequenz/batch-orchestrator/internal/jobs"
	"github.com/hochfrequenz/batch-orchestrator/internal/logging"
	"github.com/hochfrequenz/batch-orchestrator/internal/notify"
	"github.com/hochfrequenz/batch-orchestrator/internal/provider"
)

// app bundles everything a command needs once the config is loaded
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *entitystore.Store
	orch       *jobs.Orchestrator
	closeStore func() error
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.General.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(level, logJSON || cfg.General.LogJSON)
}

// openApp loads the config, opens the store and wires the orchestrator
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	path := cfg.StorePath()
	if cfg.General.StoreBackend != entitystore.BackendMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "create data dir")
		}
	}
	backend, closeStore, err := entitystore.Open(cfg.General.StoreBackend, path)
	if err != nil {
		return nil, err
	}

	store := entitystore.New(backend, logger)
	if err := store.Load(ctx); err != nil && !errors.Is(err, entitystore.ErrCorruptData) {
		_ = closeStore()
		return nil, errors.Wrap(err, "load entities")
	}

	provisioner, joiner := buildProviders(cfg, logger)
	orch := jobs.New(jobs.Options{
		Store:       store,
		Provisioner: provisioner,
		Joiner:      joiner,
		Notifier:    buildNotifier(cfg),
		Logger:      logger,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		orch:       orch,
		closeStore: closeStore,
	}, nil
}

func (a *app) Close() error {
	_ = a.logger.Sync()
	return a.closeStore()
}

func buildProviders(cfg *config.Config, logger *zap.Logger) (provider.Provisioner, provider.Joiner) {
	sim := provider.NewSimulated()
	sim.Latency = cfg.SimulatedLatency()
	sim.FailureRate = cfg.Provisioning.SimulatedFailureRate
	sim.SuccessRate = cfg.Joining.SuccessRate

	var p provider.Provisioner = sim
	var j provider.Joiner = sim

	if cfg.Provisioning.Mode == config.ModeHTTP || cfg.Joining.Mode == config.ModeHTTP {
		h := provider.NewHTTP(provider.HTTPOptions{
			JoinEndpoint: cfg.Joining.Endpoint,
			RetryCount:   cfg.Provisioning.RetryCount,
			RateLimit:    cfg.Provisioning.RateLimit,
			Timeout:      cfg.ProvisionConfig().CaptchaTimeout,
			UserAgent:    cfg.Provisioning.UserAgent,
			Logger:       logger,
		})
		if cfg.Provisioning.Mode == config.ModeHTTP {
			p = h
		}
		if cfg.Joining.Mode == config.ModeHTTP {
			j = h
		}
	}
	return p, j
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// startSchedule starts the job a schedule entry describes. The job runs on
// its own; the scheduler only needs to know whether it was admitted.
func (a *app) startSchedule(ctx context.Context, sc batch.Schedule) error {
	switch sc.Kind {
	case domain.JobProvision:
		count := sc.Count
		if count == 0 {
			count = a.cfg.Provisioning.Count
		}
		_, err := a.orch.StartProvisioning(ctx, count, a.cfg.ProvisionConfig(), a.cfg.ProvisionDelay())
		return err
	case domain.JobJoin:
		targets, err := jobs.LoadTargets(sc.TargetsFile)
		if err != nil {
			return err
		}
		_, err = a.orch.StartJoining(ctx, targets, a.cfg.JoinDelay())
		return err
	default:
		return errors.Newf("unknown job kind %q", sc.Kind)
	}
}
