package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "renderpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: crawler
    task_class: scraping
    min: 2
    max: 8
    initial: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "chromium", cfg.Browser.BinaryPath)
	assert.Equal(t, 256, cfg.Controller.WindowSize)
	assert.Equal(t, 2*time.Second, cfg.Controller.TargetLatency)
	assert.InDelta(t, 0.3, cfg.Controller.LearningRateBaseline, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Pool.ReconcileInterval)
	assert.Equal(t, 30*time.Minute, cfg.Capability.TTL)
	assert.True(t, cfg.Telemetry.Enabled)

	require.Len(t, cfg.Services, 1)
	assert.Equal(t, "crawler", cfg.Services[0].Name)
	assert.Equal(t, 4, cfg.Services[0].Initial)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
log_format: json
browser:
  binary_path: /usr/bin/google-chrome
controller:
  target_latency: 750ms
  upper_threshold: 0.9
pool:
  max_worker_ops: 100
services:
  - name: render
    task_class: visualization
    min: 1
    max: 4
    initial: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/usr/bin/google-chrome", cfg.Browser.BinaryPath)
	assert.Equal(t, 750*time.Millisecond, cfg.Controller.TargetLatency)
	assert.InDelta(t, 0.9, cfg.Controller.UpperThreshold, 1e-9)
	assert.Equal(t, 100, cfg.Pool.MaxWorkerOps)
}

func TestLoadDerivesServiceBounds(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: crawler
    task_class: scraping
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	svc := cfg.Services[0]
	assert.Equal(t, 1, svc.Min)
	assert.GreaterOrEqual(t, svc.Max, svc.Min, "derived max follows host resources")
	assert.Equal(t, svc.Min, svc.Initial)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log_format",
		},
		{
			name:    "missing binary",
			mutate:  func(c *Config) { c.Browser.BinaryPath = "" },
			wantErr: "binary_path",
		},
		{
			name:    "inverted thresholds",
			mutate:  func(c *Config) { c.Controller.LowerThreshold = 0.9 },
			wantErr: "lower_threshold",
		},
		{
			name: "baseline outside bounds",
			mutate: func(c *Config) {
				c.Controller.LearningRateBaseline = 0.9
			},
			wantErr: "learning_rate_baseline",
		},
		{
			name:    "no services",
			mutate:  func(c *Config) { c.Services = nil },
			wantErr: "at least one service",
		},
		{
			name: "duplicate service",
			mutate: func(c *Config) {
				c.Services = append(c.Services, c.Services[0])
			},
			wantErr: "duplicate service",
		},
		{
			name: "initial outside bounds",
			mutate: func(c *Config) {
				c.Services[0].Initial = c.Services[0].Max + 1
			},
			wantErr: "initial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, `
log_level: info
services:
  - name: crawler
    task_class: scraping
`)

	w, err := NewWatcher(zap.NewNop(), path)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	require.NoError(t, w.Start(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
services:
  - name: crawler
    task_class: scraping
`), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback never fired")
	}
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, `
services:
  - name: crawler
    task_class: scraping
`)

	w, err := NewWatcher(zap.NewNop(), path)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	require.NoError(t, w.Start(func(cfg *Config) { reloaded <- cfg }))

	// Invalid YAML must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("log_format: xml\nservices: []\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("invalid config must not trigger the reload callback")
	case <-time.After(500 * time.Millisecond):
	}
}
