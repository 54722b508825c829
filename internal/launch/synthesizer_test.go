package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hayashikawa/renderpool/internal/capability"
)

type staticCapability struct {
	profile capability.Profile
}

func (s staticCapability) Detect(context.Context) capability.Profile {
	return s.profile
}

func verifiedProfile() capability.Profile {
	return capability.Profile{
		AccelerationAvailable: true,
		Verified:              true,
		Renderer:              "ANGLE (NVIDIA)",
		VerifiedAt:            time.Now(),
		TTL:                   time.Hour,
	}
}

func newTestSynthesizer(t *testing.T, profile capability.Profile) *Synthesizer {
	t.Helper()
	registry, err := NewRegistry(DefaultPresets()...)
	require.NoError(t, err)
	return NewSynthesizer(zap.NewNop(), registry, staticCapability{profile})
}

func TestSynthesizeUnknownTaskClass(t *testing.T) {
	s := newTestSynthesizer(t, verifiedProfile())

	_, err := s.Synthesize(context.Background(), "transcoding", nil)
	assert.ErrorIs(t, err, ErrUnknownTaskClass)
}

func TestSynthesizeAccelerationRequiresVerification(t *testing.T) {
	tests := []struct {
		name      string
		profile   capability.Profile
		taskClass string
		want      bool
	}{
		{
			name:      "verified hardware, beneficial class",
			profile:   verifiedProfile(),
			taskClass: TaskScreenshot,
			want:      true,
		},
		{
			name: "reported but unverified",
			profile: capability.Profile{
				AccelerationAvailable: true,
				Verified:              false,
			},
			taskClass: TaskScreenshot,
			want:      false,
		},
		{
			name:      "verified hardware, non-beneficial class",
			profile:   verifiedProfile(),
			taskClass: TaskScraping,
			want:      false,
		},
		{
			name:      "no hardware at all",
			profile:   capability.Profile{},
			taskClass: TaskVisualization,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSynthesizer(t, tt.profile)
			spec, err := s.Synthesize(context.Background(), tt.taskClass, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.want, spec.AccelerationEnabled)
			if tt.want {
				assert.Contains(t, spec.Args, "--enable-gpu-rasterization")
				assert.NotContains(t, spec.Args, "--disable-gpu")
			} else {
				assert.Contains(t, spec.Args, "--disable-gpu")
				assert.NotContains(t, spec.Args, "--enable-gpu-rasterization")
			}
			assert.NotEmpty(t, spec.Rationale)
		})
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	s := newTestSynthesizer(t, verifiedProfile())
	overrides := map[string]string{
		"--window-size": "800,600",
		"--lang":        "ja",
	}

	first, err := s.Synthesize(context.Background(), TaskScreenshot, overrides)
	require.NoError(t, err)
	second, err := s.Synthesize(context.Background(), TaskScreenshot, overrides)
	require.NoError(t, err)

	assert.Equal(t, first.Args, second.Args, "identical inputs must yield byte-identical args")
	assert.Equal(t, first.Rationale, second.Rationale)
}

func TestSynthesizeOverridesWinOnConflict(t *testing.T) {
	s := newTestSynthesizer(t, verifiedProfile())

	spec, err := s.Synthesize(context.Background(), TaskScreenshot, map[string]string{
		"--window-size": "640,480",
	})
	require.NoError(t, err)

	assert.Contains(t, spec.Args, "--window-size=640,480")
	assert.NotContains(t, spec.Args, "--window-size=1920,1080")
}

func TestSynthesizeDoesNotMutatePreset(t *testing.T) {
	registry, err := NewRegistry(DefaultPresets()...)
	require.NoError(t, err)
	s := NewSynthesizer(zap.NewNop(), registry, staticCapability{verifiedProfile()})

	before, _ := registry.Lookup(TaskScreenshot)
	baseArgs := append([]string(nil), before.BaseArgs...)

	_, err = s.Synthesize(context.Background(), TaskScreenshot, map[string]string{
		"--window-size": "1,1",
	})
	require.NoError(t, err)

	after, _ := registry.Lookup(TaskScreenshot)
	assert.Equal(t, baseArgs, after.BaseArgs)
}

func TestSynthesizeRejectsMalformedOverride(t *testing.T) {
	s := newTestSynthesizer(t, verifiedProfile())

	_, err := s.Synthesize(context.Background(), TaskSEO, map[string]string{
		"window-size": "800,600",
	})
	assert.ErrorIs(t, err, ErrInvalidOverride)
}

func TestSynthesizeAppliesPresetMemoryLimit(t *testing.T) {
	s := newTestSynthesizer(t, verifiedProfile())

	spec, err := s.Synthesize(context.Background(), TaskScraping, nil)
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "--js-flags=--max-old-space-size=512")
	assert.Equal(t, 512, spec.Limits.MemoryMB)

	// A caller-supplied js-flags override wins over the preset-derived one.
	spec, err = s.Synthesize(context.Background(), TaskScraping, map[string]string{
		"--js-flags": "--max-old-space-size=256",
	})
	require.NoError(t, err)
	assert.Contains(t, spec.Args, "--js-flags=--max-old-space-size=256")
	assert.NotContains(t, spec.Args, "--js-flags=--max-old-space-size=512")
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(Preset{TaskClass: ""})
	assert.Error(t, err)

	_, err = NewRegistry(Preset{TaskClass: "x", BaseArgs: []string{"no-dashes"}})
	assert.Error(t, err)

	_, err = NewRegistry(
		Preset{TaskClass: "x"},
		Preset{TaskClass: "x"},
	)
	assert.Error(t, err)

	_, err = NewRegistry(Preset{
		TaskClass: "x",
		BaseArgs:  []string{"--foo=1", "--foo=2"},
	})
	assert.Error(t, err)
}
