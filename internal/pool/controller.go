package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/hayashikawa/renderpool/internal/browser"
	"github.com/hayashikawa/renderpool/internal/launch"
	"github.com/hayashikawa/renderpool/internal/monitor"
	"github.com/hayashikawa/renderpool/internal/telemetry"
)

// Caller-visible errors. Everything else is absorbed into metrics and the
// next reconcile tick.
var (
	ErrAtCapacity     = errors.New("pool at capacity, retry later")
	ErrShuttingDown   = errors.New("pool is shutting down")
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownWorker  = errors.New("unknown worker")
)

// Config contains pool controller configuration.
type Config struct {
	// ReconcileInterval is the fixed control-loop tick.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	// LaunchTimeout bounds launch + readiness verification; a worker that
	// misses it is torn down and counted as an error sample.
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`

	// DrainGrace is how long shutdown and recycling wait for busy workers
	// to finish their current operation before hard-killing.
	DrainGrace time.Duration `mapstructure:"drain_grace"`

	// Recycling thresholds: long-lived browser processes leak, so workers
	// are retired after enough operations, age, or resident memory.
	MaxWorkerOps      int           `mapstructure:"max_worker_ops"`
	MaxWorkerLifetime time.Duration `mapstructure:"max_worker_lifetime"`
	MaxWorkerRSSMB    int           `mapstructure:"max_worker_rss_mb"`

	// WorkerErrorThreshold is the per-worker error count that moves a
	// worker to Degraded. Distinct from the service-level error rate.
	WorkerErrorThreshold int `mapstructure:"worker_error_threshold"`
}

// DefaultConfig returns default pool controller configuration.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:    5 * time.Second,
		LaunchTimeout:        30 * time.Second,
		DrainGrace:           20 * time.Second,
		MaxWorkerOps:         500,
		MaxWorkerLifetime:    time.Hour,
		MaxWorkerRSSMB:       2048,
		WorkerErrorThreshold: 5,
	}
}

// ServiceSpec declares one managed worker pool.
type ServiceSpec struct {
	Name      string `mapstructure:"name"`
	TaskClass string `mapstructure:"task_class"`
	Min       int    `mapstructure:"min"`
	Max       int    `mapstructure:"max"`
	Initial   int    `mapstructure:"initial"`
}

// Status is the read-only pool view served to dashboards.
type Status struct {
	Service      string            `json:"service"`
	TaskClass    string            `json:"task_class"`
	Live         int               `json:"live"`
	Desired      int               `json:"desired"`
	Score        float64           `json:"performance_score"`
	ErrorRate    float64           `json:"error_rate"`
	LearningRate float64           `json:"learning_rate"`
	Direction    monitor.Direction `json:"last_direction"`
	ByState      map[string]int    `json:"workers_by_state"`
	Uptime       time.Duration     `json:"uptime"`
}

// AuditSink receives controller decisions for offline inspection.
// Implementations must be non-blocking or fast; failures are the sink's
// problem, never the controller's.
type AuditSink interface {
	ScalingEvent(service string, direction string, from, to int, score, errorRate float64)
	LaunchEvent(service, taskClass string, accelerationEnabled bool, rationale string)
}

// CapabilityInvalidator discards the cached hardware capability profile so
// the next detection re-probes. Notified when a worker reports an
// acceleration failure at runtime.
type CapabilityInvalidator interface {
	Invalidate()
}

type servicePool struct {
	name      string
	taskClass string

	mu        sync.Mutex
	workers   map[string]*WorkerHandle
	draining  bool
	startedAt time.Time
}

// Controller reconciles live worker pools against the performance monitor's
// recommendations and manages individual worker lifecycle.
type Controller struct {
	logger   *zap.Logger
	config   Config
	monitor  *monitor.Monitor
	synth    *launch.Synthesizer
	launcher browser.Launcher
	caps     CapabilityInvalidator
	metrics  *telemetry.Metrics
	audit    AuditSink

	mu       sync.RWMutex
	services map[string]*servicePool

	// reconcileMu serializes reconcile passes with shutdown, so a service
	// is never torn down while a pass is mid-flight launching workers.
	reconcileMu sync.Mutex

	clock  func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// rss is an injection point for tests; returns resident bytes for a pid.
	rss func(pid int) (uint64, error)
}

// NewController creates a pool controller. caps, metrics and audit may be nil.
func NewController(
	logger *zap.Logger,
	config Config,
	mon *monitor.Monitor,
	synth *launch.Synthesizer,
	launcher browser.Launcher,
	caps CapabilityInvalidator,
	metrics *telemetry.Metrics,
	audit AuditSink,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		logger:   logger,
		config:   config,
		monitor:  mon,
		synth:    synth,
		launcher: launcher,
		caps:     caps,
		metrics:  metrics,
		audit:    audit,
		services: make(map[string]*servicePool),
		clock:    time.Now,
		ctx:      ctx,
		cancel:   cancel,
		rss:      processRSS,
	}
}

// RegisterService declares a managed pool and its concurrency bounds.
func (c *Controller) RegisterService(spec ServiceSpec) error {
	if spec.Name == "" || spec.TaskClass == "" {
		return fmt.Errorf("service spec requires name and task class")
	}
	if err := c.monitor.Register(spec.Name, spec.Min, spec.Max, spec.Initial); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[spec.Name] = &servicePool{
		name:      spec.Name,
		taskClass: spec.TaskClass,
		workers:   make(map[string]*WorkerHandle),
		startedAt: c.clock(),
	}

	c.logger.Info("Service pool registered",
		zap.String("service", spec.Name),
		zap.String("task_class", spec.TaskClass),
		zap.Int("min", spec.Min),
		zap.Int("max", spec.Max),
	)

	return nil
}

// Start runs the reconcile loop until Stop is called.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.reconcileLoop()
}

// Stop shuts down every service pool and stops the control loop.
func (c *Controller) Stop(ctx context.Context) {
	c.cancel()
	c.wg.Wait()

	for _, name := range c.serviceNames() {
		if err := c.Shutdown(ctx, name); err != nil {
			c.logger.Warn("Service shutdown failed",
				zap.String("service", name),
				zap.Error(err),
			)
		}
	}
}

func (c *Controller) reconcileLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for _, name := range c.serviceNames() {
				if err := c.Reconcile(c.ctx, name); err != nil {
					c.logger.Warn("Reconcile failed",
						zap.String("service", name),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// Reconcile runs one idempotent control pass for a service: read the
// recommendation, retire what must go, launch what is missing.
func (c *Controller) Reconcile(ctx context.Context, service string) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	sp, err := c.pool(service)
	if err != nil {
		return err
	}

	rec, err := c.monitor.Recommend(service)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	if sp.draining {
		sp.mu.Unlock()
		return nil
	}

	c.applyWearPolicy(sp)

	live := countLive(sp)
	var toLaunch []*WorkerHandle
	if rec.Recommended > live {
		for i := 0; i < rec.Recommended-live; i++ {
			w := c.newHandle(sp)
			sp.workers[w.ID] = w
			toLaunch = append(toLaunch, w)
		}
	} else if rec.Recommended < live {
		c.markExcess(sp, live-rec.Recommended)
	}

	retiring := collectIdleRecycling(sp)
	sp.mu.Unlock()

	for _, w := range retiring {
		c.terminate(w, "recycle")
	}
	for _, w := range toLaunch {
		if err := c.launchWorker(ctx, sp, w, nil); err != nil {
			c.logger.Warn("Worker launch failed",
				zap.String("service", service),
				zap.String("worker_id", w.ID),
				zap.Error(err),
			)
		}
	}

	c.publishStatus(sp, rec)

	if rec.Direction != monitor.DirectionNone && c.audit != nil {
		c.audit.ScalingEvent(service, string(rec.Direction), live, rec.Recommended, rec.Score, rec.ErrorRate)
	}

	return nil
}

// RequestWorker hands out a ready worker, launching one on demand when the
// pool has headroom. Returns ErrAtCapacity when the pool is exhausted; the
// caller should back off and retry rather than block.
func (c *Controller) RequestWorker(ctx context.Context, service, taskClass string, overrides map[string]string) (WorkerHandle, error) {
	sp, err := c.pool(service)
	if err != nil {
		return WorkerHandle{}, err
	}

	state, err := c.monitor.State(service)
	if err != nil {
		return WorkerHandle{}, err
	}

	sp.mu.Lock()
	if sp.draining {
		sp.mu.Unlock()
		return WorkerHandle{}, ErrShuttingDown
	}

	// Prefer an existing idle worker; pick the oldest so recycling
	// thresholds are exercised evenly.
	if w := pickReady(sp); w != nil {
		w.State = StateBusy
		w.busySince = c.clock()
		snap := w.snapshot()
		sp.mu.Unlock()
		return snap, nil
	}

	if countLive(sp) >= state.Max {
		sp.mu.Unlock()
		return WorkerHandle{}, fmt.Errorf("%w: service %q", ErrAtCapacity, service)
	}

	w := c.newHandle(sp)
	if taskClass != "" {
		w.TaskClass = taskClass
	}
	sp.workers[w.ID] = w
	sp.mu.Unlock()

	if err := c.launchWorker(ctx, sp, w, overrides); err != nil {
		// Caller programming errors surface as-is: retrying an unknown task
		// class or a malformed override can never succeed, so dressing them
		// up as a capacity problem would invite a retry loop.
		if errors.Is(err, launch.ErrUnknownTaskClass) || errors.Is(err, launch.ErrInvalidOverride) {
			return WorkerHandle{}, err
		}
		return WorkerHandle{}, fmt.Errorf("%w: service %q", ErrAtCapacity, service)
	}

	sp.mu.Lock()
	w.State = StateBusy
	w.busySince = c.clock()
	snap := w.snapshot()
	sp.mu.Unlock()

	return snap, nil
}

// CompleteOperation reports the result of one unit of work performed on a
// specific worker and returns it to the pool.
func (c *Controller) CompleteOperation(service, workerID string, responseTime time.Duration, opErr bool) error {
	sp, err := c.pool(service)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	w, ok := sp.workers[workerID]
	if !ok {
		sp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}

	w.OpsServed++
	if opErr {
		w.ErrorCount++
	}

	if w.State == StateBusy {
		switch {
		case w.ErrorCount >= c.config.WorkerErrorThreshold:
			w.State = StateDegraded
		case w.recycleWhenIdle:
			w.State = StateRecycling
		default:
			w.State = StateReady
		}
	}
	degraded := w.State == StateDegraded
	concurrency := countLive(sp)
	sp.mu.Unlock()

	if degraded {
		c.logger.Warn("Worker degraded by error count",
			zap.String("service", service),
			zap.String("worker_id", workerID),
		)
	}

	c.metrics.ObserveOperation(service, responseTime, opErr)
	return c.monitor.Record(service, monitor.Sample{
		Timestamp:    c.clock(),
		ResponseTime: responseTime,
		Err:          opErr,
		Concurrency:  concurrency,
	})
}

// ReportOperation records a service-level operation result for callers that
// do not track individual workers.
func (c *Controller) ReportOperation(service string, responseTime time.Duration, opErr bool) error {
	sp, err := c.pool(service)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	concurrency := countLive(sp)
	sp.mu.Unlock()

	c.metrics.ObserveOperation(service, responseTime, opErr)
	return c.monitor.Record(service, monitor.Sample{
		Timestamp:    c.clock(),
		ResponseTime: responseTime,
		Err:          opErr,
		Concurrency:  concurrency,
	})
}

// ReportAccelerationFailure flags a worker whose GPU path stopped working at
// runtime. The capability cache is invalidated so the next detection
// re-probes, and the worker is retired once its current operation finishes:
// its rendering configuration was built on a claim that no longer holds.
func (c *Controller) ReportAccelerationFailure(service, workerID string) error {
	sp, err := c.pool(service)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	w, ok := sp.workers[workerID]
	if !ok {
		sp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if w.State == StateBusy {
		w.recycleWhenIdle = true
	} else if w.live() {
		w.State = StateRecycling
	}
	sp.mu.Unlock()

	if c.caps != nil {
		c.caps.Invalidate()
	}

	c.logger.Warn("Worker reported acceleration failure",
		zap.String("service", service),
		zap.String("worker_id", workerID),
	)
	return nil
}

// GetPoolStatus returns the read-only pool view.
func (c *Controller) GetPoolStatus(service string) (Status, error) {
	sp, err := c.pool(service)
	if err != nil {
		return Status{}, err
	}

	snap, err := c.monitor.Snapshot(service)
	if err != nil {
		return Status{}, err
	}

	sp.mu.Lock()
	byState := make(map[string]int)
	for _, w := range sp.workers {
		byState[string(w.State)]++
	}
	live := countLive(sp)
	uptime := c.clock().Sub(sp.startedAt)
	sp.mu.Unlock()

	return Status{
		Service:      service,
		TaskClass:    sp.taskClass,
		Live:         live,
		Desired:      snap.Recommended,
		Score:        snap.Score,
		ErrorRate:    snap.ErrorRate,
		LearningRate: snap.LearningRate,
		Direction:    snap.Direction,
		ByState:      byState,
		Uptime:       uptime,
	}, nil
}

// Statuses returns the status of every registered service.
func (c *Controller) Statuses() []Status {
	names := c.serviceNames()
	out := make([]Status, 0, len(names))
	for _, name := range names {
		if st, err := c.GetPoolStatus(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Shutdown drains and terminates all workers for a service. Safe to call in
// any state; waits for an in-flight reconcile pass to finish first so no new
// workers appear mid-teardown.
func (c *Controller) Shutdown(ctx context.Context, service string) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	sp, err := c.pool(service)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	if sp.draining {
		sp.mu.Unlock()
		return nil
	}
	sp.draining = true
	sp.mu.Unlock()

	c.logger.Info("Draining service pool", zap.String("service", service))

	// Give busy workers a grace window to finish their current operation.
	deadline := c.clock().Add(c.config.DrainGrace)
	for {
		sp.mu.Lock()
		busy := 0
		for _, w := range sp.workers {
			if w.State == StateBusy {
				busy++
			}
		}
		sp.mu.Unlock()

		if busy == 0 || c.clock().After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	// Workers leave the map before termination so no concurrent status read
	// can observe a handle mid-teardown.
	sp.mu.Lock()
	remaining := make([]*WorkerHandle, 0, len(sp.workers))
	for id, w := range sp.workers {
		delete(sp.workers, id)
		remaining = append(remaining, w)
	}
	sp.mu.Unlock()

	for _, w := range remaining {
		c.terminate(w, "shutdown")
	}

	c.logger.Info("Service pool drained",
		zap.String("service", service),
		zap.Int("workers_terminated", len(remaining)),
	)

	return nil
}

// Internal methods. All of them assume the caller does NOT hold sp.mu unless
// noted otherwise.

func (c *Controller) pool(service string) (*servicePool, error) {
	c.mu.RLock()
	sp, ok := c.services[service]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return sp, nil
}

func (c *Controller) serviceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Controller) newHandle(sp *servicePool) *WorkerHandle {
	return &WorkerHandle{
		ID:         uuid.NewString(),
		Service:    sp.name,
		TaskClass:  sp.taskClass,
		State:      StateLaunching,
		LaunchedAt: c.clock(),
	}
}

// applyWearPolicy retires workers past their operation, age, or memory
// budget. Idle workers move straight to Recycling; busy ones are flagged to
// recycle once their current operation completes. Caller holds sp.mu.
func (c *Controller) applyWearPolicy(sp *servicePool) {
	now := c.clock()
	for _, w := range sp.workers {
		if w.State != StateReady && w.State != StateBusy && w.State != StateDegraded {
			continue
		}

		reason := ""
		switch {
		case w.State == StateDegraded:
			reason = "degraded"
		case c.config.MaxWorkerOps > 0 && w.OpsServed >= c.config.MaxWorkerOps:
			reason = "ops"
		case c.config.MaxWorkerLifetime > 0 && now.Sub(w.LaunchedAt) >= c.config.MaxWorkerLifetime:
			reason = "lifetime"
		case c.rssExceeded(w):
			reason = "rss"
		}
		if reason == "" {
			continue
		}

		if w.State == StateBusy {
			w.recycleWhenIdle = true
			continue
		}

		w.State = StateRecycling
		c.metrics.IncRecycle(sp.name, reason)
		c.logger.Info("Worker marked for recycling",
			zap.String("service", sp.name),
			zap.String("worker_id", w.ID),
			zap.String("reason", reason),
		)
	}
}

// rssExceeded checks the worker against its memory ceiling: the task-class
// limit from its launch spec when set, the pool-wide default otherwise.
func (c *Controller) rssExceeded(w *WorkerHandle) bool {
	limitMB := c.config.MaxWorkerRSSMB
	if w.memoryLimitMB > 0 && (limitMB <= 0 || w.memoryLimitMB < limitMB) {
		limitMB = w.memoryLimitMB
	}
	if limitMB <= 0 || w.proc == nil {
		return false
	}
	rss, err := c.rss(w.proc.PID())
	if err != nil {
		return false
	}
	return rss > uint64(limitMB)*1024*1024
}

// markExcess flags n workers for retirement, idle first, then the
// longest-running busy workers once they finish. Caller holds sp.mu.
func (c *Controller) markExcess(sp *servicePool, n int) {
	candidates := make([]*WorkerHandle, 0, len(sp.workers))
	for _, w := range sp.workers {
		if w.live() {
			candidates = append(candidates, w)
		}
	}

	// Idle before busy; within each group the oldest goes first.
	sort.Slice(candidates, func(i, j int) bool {
		ii, jj := candidates[i].idle(), candidates[j].idle()
		if ii != jj {
			return ii
		}
		return candidates[i].LaunchedAt.Before(candidates[j].LaunchedAt)
	})

	for _, w := range candidates {
		if n == 0 {
			return
		}
		switch {
		case w.idle():
			w.State = StateRecycling
			c.metrics.IncRecycle(sp.name, "scale_down")
			n--
		case w.State == StateBusy && !w.recycleWhenIdle:
			w.recycleWhenIdle = true
			n--
		case w.State == StateLaunching || w.State == StateVerifying:
			// Launch in flight; let it finish, the next pass will
			// shrink if still needed.
		}
	}
}

// collectIdleRecycling removes recycling workers from the pool map and
// returns them for termination outside the lock. Caller holds sp.mu.
func collectIdleRecycling(sp *servicePool) []*WorkerHandle {
	var out []*WorkerHandle
	for id, w := range sp.workers {
		if w.State == StateRecycling {
			delete(sp.workers, id)
			out = append(out, w)
		}
	}
	return out
}

// launchWorker drives a placeholder handle through Launching -> Verifying ->
// Ready. A failure tears the worker down, removes it from the pool, and is
// recorded as an error sample so persistent launch failures suppress further
// scale-up through the normal recommendation math.
func (c *Controller) launchWorker(ctx context.Context, sp *servicePool, w *WorkerHandle, overrides map[string]string) error {
	spec, err := c.synth.Synthesize(ctx, w.TaskClass, overrides)
	if err != nil {
		// A rejected synthesis is the caller's fault, not the service's:
		// the placeholder is discarded without polluting the metric window.
		c.discardHandle(sp, w)
		return err
	}

	launchCtx, cancel := context.WithTimeout(ctx, c.config.LaunchTimeout)
	defer cancel()

	proc, err := c.launcher.Launch(launchCtx, spec.Args)
	if err != nil {
		c.dropFailedLaunch(sp, w, err)
		return fmt.Errorf("launch failed: %w", err)
	}

	sp.mu.Lock()
	w.State = StateVerifying
	w.proc = proc
	w.AccelerationEnabled = spec.AccelerationEnabled
	w.Rationale = spec.Rationale
	w.memoryLimitMB = spec.Limits.MemoryMB
	sp.mu.Unlock()

	if err := proc.Ping(launchCtx); err != nil {
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		proc.Terminate(killCtx)
		killCancel()
		c.dropFailedLaunch(sp, w, err)
		return fmt.Errorf("readiness probe failed: %w", err)
	}

	sp.mu.Lock()
	w.State = StateReady
	sp.mu.Unlock()

	c.metrics.IncLaunch(sp.name, true)
	if c.audit != nil {
		c.audit.LaunchEvent(sp.name, w.TaskClass, spec.AccelerationEnabled, spec.Rationale)
	}

	c.logger.Info("Worker ready",
		zap.String("service", sp.name),
		zap.String("worker_id", w.ID),
		zap.Bool("acceleration", spec.AccelerationEnabled),
		zap.String("rationale", spec.Rationale),
	)

	return nil
}

// discardHandle removes a placeholder that never launched. No metric sample:
// nothing about the service's health can be inferred from it.
func (c *Controller) discardHandle(sp *servicePool, w *WorkerHandle) {
	sp.mu.Lock()
	w.State = StateTerminated
	delete(sp.workers, w.ID)
	sp.mu.Unlock()
}

func (c *Controller) dropFailedLaunch(sp *servicePool, w *WorkerHandle, cause error) {
	sp.mu.Lock()
	w.State = StateTerminated
	delete(sp.workers, w.ID)
	sp.mu.Unlock()

	c.metrics.IncLaunch(sp.name, false)

	// The failure feeds back into the control law as an error sample.
	c.monitor.Record(sp.name, monitor.Sample{
		Timestamp:    c.clock(),
		ResponseTime: c.config.LaunchTimeout,
		Err:          true,
	})

	c.logger.Warn("Worker launch dropped",
		zap.String("service", sp.name),
		zap.String("worker_id", w.ID),
		zap.Error(cause),
	)
}

func (c *Controller) terminate(w *WorkerHandle, reason string) {
	if w.proc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.DrainGrace)
		defer cancel()
		if err := w.proc.Terminate(ctx); err != nil {
			c.logger.Warn("Worker termination failed",
				zap.String("worker_id", w.ID),
				zap.Error(err),
			)
		}
	}
	w.State = StateTerminated

	c.logger.Debug("Worker terminated",
		zap.String("service", w.Service),
		zap.String("worker_id", w.ID),
		zap.String("reason", reason),
	)
}

func (c *Controller) publishStatus(sp *servicePool, rec monitor.Recommendation) {
	sp.mu.Lock()
	live := countLive(sp)
	sp.mu.Unlock()
	c.metrics.SetPoolGauges(sp.name, live, rec.Recommended, rec.Score, rec.ErrorRate, rec.LearningRate)
}

// countLive counts workers that occupy a concurrency slot. Caller holds sp.mu.
func countLive(sp *servicePool) int {
	n := 0
	for _, w := range sp.workers {
		if w.live() {
			n++
		}
	}
	return n
}

// pickReady returns the oldest Ready worker. Caller holds sp.mu.
func pickReady(sp *servicePool) *WorkerHandle {
	var best *WorkerHandle
	for _, w := range sp.workers {
		if w.State != StateReady {
			continue
		}
		if best == nil || w.LaunchedAt.Before(best.LaunchedAt) {
			best = w
		}
	}
	return best
}

func processRSS(pid int) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
