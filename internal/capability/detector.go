package capability

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"

	"github.com/hayashikawa/renderpool/internal/browser"
)

// Config contains capability detector configuration.
type Config struct {
	// TTL is how long a successful verification stays valid.
	TTL time.Duration `mapstructure:"ttl"`

	// FailureTTL is the shorter cache lifetime applied after a failed or
	// crashed probe, so a transient failure is retried sooner.
	FailureTTL time.Duration `mapstructure:"failure_ttl"`

	// VerifyTimeout bounds the whole probe cycle (launch + backend query).
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`

	// ProbeArgs are the launch arguments for the disposable probe worker.
	// They must request acceleration, otherwise the probe proves nothing.
	ProbeArgs []string `mapstructure:"probe_args"`

	// ForceSoftware skips probing entirely and pins the profile to the
	// software path. Operator escape hatch for known-bad drivers.
	ForceSoftware bool `mapstructure:"force_software"`
}

// DefaultConfig returns default capability detector configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Minute,
		FailureTTL:    5 * time.Minute,
		VerifyTimeout: 45 * time.Second,
		ProbeArgs: []string{
			"--headless=new",
			"--enable-gpu-rasterization",
			"--ignore-gpu-blocklist",
			"--no-first-run",
		},
	}
}

// Detector probes the host for hardware acceleration and verifies that a
// real workload actually uses it. Results are cached with a TTL; a crashed
// probe fails closed to the software path with a shorter TTL.
type Detector struct {
	logger   *zap.Logger
	config   Config
	launcher browser.Launcher

	mu     sync.Mutex
	cached *Profile

	// Injection points for tests.
	clock       func() time.Time
	reportedGPU func() (available bool, vendor string)
}

// NewDetector creates a capability detector that probes through launcher.
func NewDetector(logger *zap.Logger, config Config, launcher browser.Launcher) *Detector {
	return &Detector{
		logger:      logger,
		config:      config,
		launcher:    launcher,
		clock:       time.Now,
		reportedGPU: reportedGPUSupport,
	}
}

// Detect returns the current capability profile, probing only when no valid
// cached profile exists. The cached path does no I/O.
func (d *Detector) Detect(ctx context.Context) Profile {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if d.cached != nil && !d.cached.Expired(now) {
		return *d.cached
	}

	profile := d.probe(ctx, now)
	d.cached = &profile

	d.logger.Info("Capability profile refreshed",
		zap.Bool("acceleration_available", profile.AccelerationAvailable),
		zap.Bool("verified", profile.Verified),
		zap.String("renderer", profile.Renderer),
		zap.Duration("ttl", profile.TTL),
	)

	return profile
}

// Invalidate discards the cached profile so the next Detect re-probes.
// Called when a worker reports an acceleration failure at runtime.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil {
		d.logger.Info("Capability profile invalidated")
		d.cached = nil
	}
}

func (d *Detector) probe(ctx context.Context, now time.Time) Profile {
	profile := Profile{
		CPUBrand:   cpuid.CPU.BrandName,
		VerifiedAt: now,
		TTL:        d.config.TTL,
	}

	if d.config.ForceSoftware {
		profile.TTL = d.config.TTL
		return profile
	}

	available, vendor := d.reportedGPU()
	profile.AccelerationAvailable = available
	profile.GPUVendor = vendor

	// No reported support: nothing to verify, software path it is.
	if !available {
		return profile
	}

	status, err := d.verify(ctx)
	if err != nil {
		// Fail closed: the probe crashing or timing out is treated the
		// same as software fallback, but cached for less time since the
		// failure may be transient.
		d.logger.Warn("Capability verification failed, falling back to software path",
			zap.Error(err),
		)
		profile.Verified = false
		profile.TTL = d.config.FailureTTL
		return profile
	}

	profile.Verified = status.Accelerated
	profile.Renderer = status.Renderer
	if !status.Accelerated {
		// Driver lied: reported support but the workload ran on a
		// software rasterizer. Keep the shorter TTL here too, drivers
		// sometimes recover after load drops.
		profile.TTL = d.config.FailureTTL
	}

	return profile
}

// verify launches a disposable worker with acceleration requested and asks it
// which rendering backend actually engaged.
func (d *Detector) verify(ctx context.Context) (browser.BackendStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.VerifyTimeout)
	defer cancel()

	proc, err := d.launcher.Launch(ctx, d.config.ProbeArgs)
	if err != nil {
		return browser.BackendStatus{}, err
	}
	defer func() {
		termCtx, termCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer termCancel()
		proc.Terminate(termCtx)
	}()

	return proc.BackendStatus(ctx)
}

// reportedGPUSupport asks the hardware inventory whether any discrete or
// integrated GPU is present at all.
func reportedGPUSupport() (bool, string) {
	info, err := ghw.GPU()
	if err != nil || info == nil {
		return false, ""
	}

	for _, card := range info.GraphicsCards {
		if card.DeviceInfo == nil {
			continue
		}
		vendor := ""
		if card.DeviceInfo.Vendor != nil {
			vendor = card.DeviceInfo.Vendor.Name
		}
		// VM framebuffer devices do not count as acceleration capable.
		if strings.Contains(strings.ToLower(vendor), "vmware") {
			continue
		}
		return true, vendor
	}

	return false, ""
}
