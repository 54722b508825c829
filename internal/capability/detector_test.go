package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hayashikawa/renderpool/internal/browser"
)

type fakeProcess struct {
	status     browser.BackendStatus
	statusErr  error
	terminated bool
}

func (p *fakeProcess) PID() int                      { return 4242 }
func (p *fakeProcess) Ping(context.Context) error    { return nil }
func (p *fakeProcess) Kill() error                   { p.terminated = true; return nil }
func (p *fakeProcess) Terminate(context.Context) error {
	p.terminated = true
	return nil
}

func (p *fakeProcess) BackendStatus(context.Context) (browser.BackendStatus, error) {
	return p.status, p.statusErr
}

type fakeLauncher struct {
	proc      *fakeProcess
	launchErr error
	launches  int
}

func (l *fakeLauncher) Launch(context.Context, []string) (browser.Process, error) {
	l.launches++
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	return l.proc, nil
}

func newTestDetector(launcher *fakeLauncher, gpuAvailable bool) (*Detector, *time.Time) {
	cfg := DefaultConfig()
	cfg.TTL = 30 * time.Minute
	cfg.FailureTTL = 5 * time.Minute

	d := NewDetector(zap.NewNop(), cfg, launcher)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return now }
	d.reportedGPU = func() (bool, string) { return gpuAvailable, "NVIDIA Corporation" }

	return d, &now
}

func TestDetectNoReportedSupport(t *testing.T) {
	launcher := &fakeLauncher{}
	d, _ := newTestDetector(launcher, false)

	profile := d.Detect(context.Background())

	assert.False(t, profile.AccelerationAvailable)
	assert.False(t, profile.Verified)
	// No reported support means no probe worker is spawned at all.
	assert.Equal(t, 0, launcher.launches)
}

func TestDetectVerifiedHardwarePath(t *testing.T) {
	launcher := &fakeLauncher{
		proc: &fakeProcess{status: browser.BackendStatus{
			Renderer:    "ANGLE (NVIDIA GeForce RTX 3060)",
			Accelerated: true,
		}},
	}
	d, _ := newTestDetector(launcher, true)

	profile := d.Detect(context.Background())

	assert.True(t, profile.AccelerationAvailable)
	assert.True(t, profile.Verified)
	assert.Equal(t, "ANGLE (NVIDIA GeForce RTX 3060)", profile.Renderer)
	assert.Equal(t, 30*time.Minute, profile.TTL)
	assert.True(t, launcher.proc.terminated, "probe worker must be torn down")
}

func TestDetectSoftwareFallbackDespiteReportedSupport(t *testing.T) {
	launcher := &fakeLauncher{
		proc: &fakeProcess{status: browser.BackendStatus{
			Renderer:    "Google SwiftShader",
			Accelerated: false,
		}},
	}
	d, _ := newTestDetector(launcher, true)

	profile := d.Detect(context.Background())

	assert.True(t, profile.AccelerationAvailable)
	assert.False(t, profile.Verified, "software fallback must not count as verified")
	assert.Equal(t, 5*time.Minute, profile.TTL, "unconfirmed hardware gets the shorter TTL")
}

func TestDetectProbeCrashFailsClosed(t *testing.T) {
	launcher := &fakeLauncher{launchErr: errors.New("browser crashed on startup")}
	d, _ := newTestDetector(launcher, true)

	profile := d.Detect(context.Background())

	assert.True(t, profile.AccelerationAvailable)
	assert.False(t, profile.Verified)
	assert.Equal(t, 5*time.Minute, profile.TTL)
}

func TestDetectCachesUntilTTL(t *testing.T) {
	launcher := &fakeLauncher{
		proc: &fakeProcess{status: browser.BackendStatus{Renderer: "ANGLE", Accelerated: true}},
	}
	d, now := newTestDetector(launcher, true)

	first := d.Detect(context.Background())
	require.True(t, first.Verified)
	require.Equal(t, 1, launcher.launches)

	// Within TTL: served from cache, no further I/O.
	*now = now.Add(10 * time.Minute)
	second := d.Detect(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, launcher.launches)

	// Past TTL: re-probed.
	*now = now.Add(25 * time.Minute)
	d.Detect(context.Background())
	assert.Equal(t, 2, launcher.launches)
}

func TestInvalidateForcesReprobe(t *testing.T) {
	launcher := &fakeLauncher{
		proc: &fakeProcess{status: browser.BackendStatus{Renderer: "ANGLE", Accelerated: true}},
	}
	d, _ := newTestDetector(launcher, true)

	d.Detect(context.Background())
	require.Equal(t, 1, launcher.launches)

	d.Invalidate()
	d.Detect(context.Background())
	assert.Equal(t, 2, launcher.launches)
}

func TestForceSoftwareSkipsProbe(t *testing.T) {
	launcher := &fakeLauncher{}
	cfg := DefaultConfig()
	cfg.ForceSoftware = true

	d := NewDetector(zap.NewNop(), cfg, launcher)
	profile := d.Detect(context.Background())

	assert.False(t, profile.AccelerationAvailable)
	assert.False(t, profile.Verified)
	assert.Equal(t, 0, launcher.launches)
}
