package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hayashikawa/renderpool/internal/api"
	"github.com/hayashikawa/renderpool/internal/browser"
	"github.com/hayashikawa/renderpool/internal/capability"
	"github.com/hayashikawa/renderpool/internal/config"
	"github.com/hayashikawa/renderpool/internal/launch"
	"github.com/hayashikawa/renderpool/internal/monitor"
	"github.com/hayashikawa/renderpool/internal/pool"
	"github.com/hayashikawa/renderpool/internal/store"
	"github.com/hayashikawa/renderpool/internal/telemetry"
)

// App wires the capability detector, launch synthesizer, performance monitor,
// pool controller and the outer surfaces (API, telemetry, audit) together.
type App struct {
	logger *zap.Logger
	cfg    *config.Config

	launcher   *browser.ExecLauncher
	detector   *capability.Detector
	monitor    *monitor.Monitor
	controller *pool.Controller
	metrics    *telemetry.Metrics
	audit      *store.AuditStore
	apiServer  *api.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the application from configuration. Nothing is started yet.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*App, error) {
	launcher, err := browser.NewExecLauncher(logger, cfg.Browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser launcher: %w", err)
	}

	detector := capability.NewDetector(logger, cfg.Capability, launcher)

	registry, err := launch.NewRegistry(launch.DefaultPresets()...)
	if err != nil {
		return nil, fmt.Errorf("failed to build preset registry: %w", err)
	}
	synth := launch.NewSynthesizer(logger, registry, detector)

	mon := monitor.NewMonitor(logger, cfg.Controller)
	metrics := telemetry.New(cfg.Telemetry)

	var audit *store.AuditStore
	if cfg.Store.Enabled {
		audit, err = store.Open(logger, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
	}

	var auditSink pool.AuditSink
	if audit != nil {
		auditSink = audit
	}
	controller := pool.NewController(logger, cfg.Pool, mon, synth, launcher, detector, metrics, auditSink)

	for _, svc := range cfg.Services {
		if err := controller.RegisterService(svc); err != nil {
			return nil, fmt.Errorf("failed to register service %s: %w", svc.Name, err)
		}
	}

	appCtx, cancel := context.WithCancel(ctx)

	a := &App{
		logger:     logger,
		cfg:        cfg,
		launcher:   launcher,
		detector:   detector,
		monitor:    mon,
		controller: controller,
		metrics:    metrics,
		audit:      audit,
		ctx:        appCtx,
		cancel:     cancel,
	}

	if cfg.API.Enabled {
		var auditReader api.AuditReader
		if audit != nil {
			auditReader = audit
		}
		var metricsHandler http.Handler
		if metrics != nil {
			metricsHandler = metrics.Handler()
		}
		a.apiServer = api.NewServer(logger, cfg.API, controller, detector, auditReader, metricsHandler)
	}

	return a, nil
}

// Start warms the capability cache, reconciles every pool once so workers
// exist before the first request, then starts the control loop and the API.
func (a *App) Start() error {
	warmCtx, cancel := context.WithTimeout(a.ctx, a.cfg.Capability.VerifyTimeout+10*time.Second)
	profile := a.detector.Detect(warmCtx)
	cancel()

	a.logger.Info("Hardware capability detected",
		zap.Bool("acceleration_available", profile.AccelerationAvailable),
		zap.Bool("verified", profile.Verified),
		zap.String("renderer", profile.Renderer),
		zap.String("gpu_vendor", profile.GPUVendor),
	)

	for _, svc := range a.cfg.Services {
		if err := a.controller.Reconcile(a.ctx, svc.Name); err != nil {
			a.logger.Warn("Initial reconcile failed",
				zap.String("service", svc.Name),
				zap.Error(err),
			)
		}
	}

	a.controller.Start()

	if a.apiServer != nil {
		if err := a.apiServer.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	a.logger.Info("Renderpool started",
		zap.Int("services", len(a.cfg.Services)),
	)
	return nil
}

// ApplyConfig applies the tunable subset of a reloaded configuration to the
// running system. Structural settings (services, browser binary, listen
// address) need a restart and are ignored here.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.monitor.UpdateConfig(cfg.Controller)
	a.logger.Info("Controller tuning parameters applied from reloaded config")
}

// Controller exposes the pool controller, mainly for tests.
func (a *App) Controller() *pool.Controller {
	return a.controller
}

// Shutdown stops everything in dependency order.
func (a *App) Shutdown(ctx context.Context) error {
	a.cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(ctx); err != nil {
			a.logger.Warn("API server shutdown failed", zap.Error(err))
		}
	}

	a.controller.Stop(ctx)

	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("Audit store close failed", zap.Error(err))
		}
	}

	a.logger.Info("Renderpool stopped")
	return nil
}
