package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Direction of a concurrency adjustment.
type Direction string

const (
	DirectionNone Direction = "none"
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Sample is one completed operation reported by a worker. Samples are owned
// by the monitor once recorded; workers keep nothing.
type Sample struct {
	Timestamp    time.Time
	ResponseTime time.Duration
	Err          bool
	Concurrency  int
	Metadata     map[string]string
}

// Config contains the control-law tuning parameters.
type Config struct {
	// WindowSize bounds the per-service ring buffer.
	WindowSize int `mapstructure:"window_size"`

	// TargetLatency is the response time the latency score is normalized
	// against. At or under target scores 1.0.
	TargetLatency time.Duration `mapstructure:"target_latency"`

	// LatencyWeight and ErrorWeight blend the two score components. They
	// are normalized internally, so only their ratio matters.
	LatencyWeight float64 `mapstructure:"latency_weight"`
	ErrorWeight   float64 `mapstructure:"error_weight"`

	// UpperThreshold and LowerThreshold bound the hysteresis band. Scores
	// inside the band produce no adjustment.
	UpperThreshold float64 `mapstructure:"upper_threshold"`
	LowerThreshold float64 `mapstructure:"lower_threshold"`

	// ErrorCeiling forces scale-down whenever the window error rate
	// exceeds it, regardless of latency.
	ErrorCeiling float64 `mapstructure:"error_ceiling"`

	// AdjustmentInterval rate-limits adjustments. This is the primary
	// anti-oscillation mechanism.
	AdjustmentInterval time.Duration `mapstructure:"adjustment_interval"`

	// Learning rate bounds. The rate is halved on direction reversal and
	// nudged back toward the baseline after StableCyclesForRecovery
	// consecutive stable evaluations. It never leaves [floor, ceiling].
	LearningRateBaseline float64 `mapstructure:"learning_rate_baseline"`
	LearningRateFloor    float64 `mapstructure:"learning_rate_floor"`
	LearningRateCeiling  float64 `mapstructure:"learning_rate_ceiling"`

	StableCyclesForRecovery int `mapstructure:"stable_cycles_for_recovery"`
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:              256,
		TargetLatency:           2 * time.Second,
		LatencyWeight:           0.5,
		ErrorWeight:             0.5,
		UpperThreshold:          0.8,
		LowerThreshold:          0.4,
		ErrorCeiling:            0.2,
		AdjustmentInterval:      15 * time.Second,
		LearningRateBaseline:    0.3,
		LearningRateFloor:       0.05,
		LearningRateCeiling:     0.5,
		StableCyclesForRecovery: 3,
	}
}

// ConcurrencyState is the per-service controller state. It is mutated only
// through Recommend; the pool controller converges live workers toward
// Current on its next tick.
type ConcurrencyState struct {
	Current          int       `json:"current"`
	Min              int       `json:"min"`
	Max              int       `json:"max"`
	LearningRate     float64   `json:"learning_rate"`
	LastAdjustmentAt time.Time `json:"last_adjustment_at"`
	LastDirection    Direction `json:"last_direction"`
}

// Recommendation is the output of one control evaluation.
type Recommendation struct {
	Service      string    `json:"service"`
	Recommended  int       `json:"recommended"`
	Direction    Direction `json:"direction"`
	Score        float64   `json:"score"`
	ErrorRate    float64   `json:"error_rate"`
	LearningRate float64   `json:"learning_rate"`
	RateLimited  bool      `json:"rate_limited"`
}

// Stats is a point-in-time window snapshot for dashboards.
type Stats struct {
	Service          string           `json:"service"`
	SampleCount      int              `json:"sample_count"`
	MeanLatency      time.Duration    `json:"mean_latency"`
	StdDevLatency    time.Duration    `json:"stddev_latency"`
	P95Latency       time.Duration    `json:"p95_latency"`
	ErrorRate        float64          `json:"error_rate"`
	PerformanceScore float64          `json:"performance_score"`
	State            ConcurrencyState `json:"state"`
}

type serviceState struct {
	mu sync.Mutex

	// Fixed-capacity ring buffer; next is the slot the next sample lands
	// in, count saturates at capacity.
	samples []Sample
	next    int
	count   int

	state        ConcurrencyState
	stableStreak int
}

// Monitor keeps a sliding window of metric samples per named service and
// computes bounded, rate-limited, hysteresis-damped concurrency
// recommendations from them.
type Monitor struct {
	logger *zap.Logger

	mu       sync.RWMutex
	config   Config
	services map[string]*serviceState

	clock func() time.Time
}

// NewMonitor creates a performance monitor.
func NewMonitor(logger *zap.Logger, config Config) *Monitor {
	return &Monitor{
		logger:   logger,
		config:   config,
		services: make(map[string]*serviceState),
		clock:    time.Now,
	}
}

// UpdateConfig swaps the tuning parameters. Safe to call while the controller
// is running; the next evaluation picks up the new values.
func (m *Monitor) UpdateConfig(config Config) {
	m.mu.Lock()
	m.config = config
	m.mu.Unlock()

	m.logger.Info("Monitor configuration updated",
		zap.Duration("adjustment_interval", config.AdjustmentInterval),
		zap.Float64("upper_threshold", config.UpperThreshold),
		zap.Float64("lower_threshold", config.LowerThreshold),
		zap.Float64("error_ceiling", config.ErrorCeiling),
	)
}

// Register creates controller state for a service. Concurrency starts at
// initial, clamped into [min, max].
func (m *Monitor) Register(service string, min, max, initial int) error {
	if service == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if min < 0 || max < min {
		return fmt.Errorf("service %q: invalid concurrency bounds [%d, %d]", service, min, max)
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[service]; exists {
		return fmt.Errorf("service %q already registered", service)
	}

	// Guard against a zero-value config; Record indexes into this ring.
	window := m.config.WindowSize
	if window < 1 {
		window = DefaultConfig().WindowSize
	}

	m.services[service] = &serviceState{
		samples: make([]Sample, window),
		state: ConcurrencyState{
			Current:       initial,
			Min:           min,
			Max:           max,
			LearningRate:  m.config.LearningRateBaseline,
			LastDirection: DirectionNone,
		},
	}

	m.logger.Info("Service registered",
		zap.String("service", service),
		zap.Int("min", min),
		zap.Int("max", max),
		zap.Int("initial", initial),
	)

	return nil
}

// Record appends a sample to the service window. O(1), takes only the narrow
// per-service lock; never blocks on reconciliation work.
func (m *Monitor) Record(service string, sample Sample) error {
	svc, err := m.service(service)
	if err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.clock()
	}

	svc.mu.Lock()
	svc.samples[svc.next] = sample
	svc.next = (svc.next + 1) % len(svc.samples)
	if svc.count < len(svc.samples) {
		svc.count++
	}
	svc.mu.Unlock()

	return nil
}

// Recommend runs one control evaluation and commits the resulting concurrency
// into the service state. Calls inside the adjustment interval return the
// unchanged current value and touch nothing.
func (m *Monitor) Recommend(service string) (Recommendation, error) {
	svc, err := m.service(service)
	if err != nil {
		return Recommendation{}, err
	}

	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	now := m.clock()

	svc.mu.Lock()
	defer svc.mu.Unlock()

	score, errorRate := m.windowScore(cfg, svc)
	st := &svc.state

	rec := Recommendation{
		Service:      service,
		Recommended:  st.Current,
		Direction:    DirectionNone,
		Score:        score,
		ErrorRate:    errorRate,
		LearningRate: st.LearningRate,
	}

	// Rate limiting: inside the interval nothing moves, including the
	// learning rate and the adjustment clock.
	if !st.LastAdjustmentAt.IsZero() && now.Sub(st.LastAdjustmentAt) < cfg.AdjustmentInterval {
		rec.RateLimited = true
		return rec, nil
	}

	var direction Direction
	switch {
	case score >= cfg.UpperThreshold && errorRate <= cfg.ErrorCeiling:
		direction = DirectionUp
	case score <= cfg.LowerThreshold || errorRate > cfg.ErrorCeiling:
		direction = DirectionDown
	default:
		direction = DirectionNone
	}

	m.adaptLearningRate(cfg, svc, direction)
	rec.LearningRate = st.LearningRate

	switch direction {
	case DirectionUp:
		delta := stepDelta(st.LearningRate, st.Current)
		rec.Recommended = clampInt(st.Current+delta, st.Min, st.Max)
	case DirectionDown:
		delta := stepDelta(st.LearningRate, st.Current)
		rec.Recommended = clampInt(st.Current-delta, st.Min, st.Max)
	}

	if direction != DirectionNone {
		previous := st.Current
		st.Current = rec.Recommended
		st.LastAdjustmentAt = now
		st.LastDirection = direction
		rec.Direction = direction

		m.logger.Info("Concurrency adjusted",
			zap.String("service", service),
			zap.String("direction", string(direction)),
			zap.Int("from", previous),
			zap.Int("to", st.Current),
			zap.Float64("score", score),
			zap.Float64("error_rate", errorRate),
			zap.Float64("learning_rate", st.LearningRate),
		)
	}

	return rec, nil
}

// Snapshot computes the current score and error rate without committing any
// state change. Used by the status API.
func (m *Monitor) Snapshot(service string) (Recommendation, error) {
	svc, err := m.service(service)
	if err != nil {
		return Recommendation{}, err
	}

	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	svc.mu.Lock()
	defer svc.mu.Unlock()

	score, errorRate := m.windowScore(cfg, svc)
	return Recommendation{
		Service:      service,
		Recommended:  svc.state.Current,
		Direction:    svc.state.LastDirection,
		Score:        score,
		ErrorRate:    errorRate,
		LearningRate: svc.state.LearningRate,
	}, nil
}

// State returns a copy of the service concurrency state.
func (m *Monitor) State(service string) (ConcurrencyState, error) {
	svc, err := m.service(service)
	if err != nil {
		return ConcurrencyState{}, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.state, nil
}

// Report computes descriptive window statistics for dashboards.
func (m *Monitor) Report(service string) (Stats, error) {
	svc, err := m.service(service)
	if err != nil {
		return Stats{}, err
	}

	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	svc.mu.Lock()
	defer svc.mu.Unlock()

	score, errorRate := m.windowScore(cfg, svc)
	stats := Stats{
		Service:          service,
		SampleCount:      svc.count,
		ErrorRate:        errorRate,
		PerformanceScore: score,
		State:            svc.state,
	}

	if svc.count == 0 {
		return stats, nil
	}

	latencies := make([]float64, 0, svc.count)
	for _, s := range windowSamples(svc) {
		latencies = append(latencies, float64(s.ResponseTime))
	}
	sort.Float64s(latencies)

	stats.MeanLatency = time.Duration(stat.Mean(latencies, nil))
	if len(latencies) > 1 {
		stats.StdDevLatency = time.Duration(stat.StdDev(latencies, nil))
	}
	stats.P95Latency = time.Duration(stat.Quantile(0.95, stat.Empirical, latencies, nil))

	return stats, nil
}

// Services returns the registered service names.
func (m *Monitor) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Monitor) service(name string) (*serviceState, error) {
	m.mu.RLock()
	svc, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %q not registered", name)
	}
	return svc, nil
}

// windowScore computes the blended performance score and the error rate over
// the current window. An empty window is neutral (0.5), neither penalizing
// nor rewarding a freshly started service. Caller holds svc.mu.
func (m *Monitor) windowScore(cfg Config, svc *serviceState) (score, errorRate float64) {
	if svc.count == 0 {
		return 0.5, 0
	}

	var totalLatency time.Duration
	errors := 0
	for _, s := range windowSamples(svc) {
		totalLatency += s.ResponseTime
		if s.Err {
			errors++
		}
	}

	errorRate = float64(errors) / float64(svc.count)

	avg := totalLatency / time.Duration(svc.count)
	latencyScore := 1.0
	if avg > 0 && cfg.TargetLatency > 0 {
		latencyScore = clampFloat(float64(cfg.TargetLatency)/float64(avg), 0, 1)
	}

	wl, we := cfg.LatencyWeight, cfg.ErrorWeight
	if wl+we <= 0 {
		wl, we = 0.5, 0.5
	}
	score = (wl*latencyScore + we*(1-errorRate)) / (wl + we)
	return clampFloat(score, 0, 1), errorRate
}

// adaptLearningRate applies the oscillation damping: halve on direction
// reversal, nudge back toward the baseline after enough stable evaluations.
// Caller holds svc.mu.
func (m *Monitor) adaptLearningRate(cfg Config, svc *serviceState, direction Direction) {
	st := &svc.state

	reversal := direction != DirectionNone &&
		st.LastDirection != DirectionNone &&
		direction != st.LastDirection

	switch {
	case reversal:
		st.LearningRate = math.Max(cfg.LearningRateFloor, st.LearningRate/2)
		svc.stableStreak = 0
	case direction == DirectionNone || direction == st.LastDirection:
		svc.stableStreak++
	default:
		// First adjustment after startup; neither stable nor a reversal.
		svc.stableStreak = 0
	}

	if svc.stableStreak >= cfg.StableCyclesForRecovery && cfg.StableCyclesForRecovery > 0 {
		st.LearningRate += 0.25 * (cfg.LearningRateBaseline - st.LearningRate)
	}

	st.LearningRate = clampFloat(st.LearningRate, cfg.LearningRateFloor, cfg.LearningRateCeiling)
}

// windowSamples returns the valid window contents. Caller holds svc.mu; the
// returned slice aliases the ring buffer and must not escape the lock.
func windowSamples(svc *serviceState) []Sample {
	if svc.count < len(svc.samples) {
		return svc.samples[:svc.count]
	}
	return svc.samples
}

func stepDelta(learningRate float64, current int) int {
	delta := int(math.Ceil(learningRate * float64(current)))
	if delta < 1 {
		delta = 1
	}
	return delta
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
