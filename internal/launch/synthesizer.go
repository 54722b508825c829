package launch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hayashikawa/renderpool/internal/capability"
)

// Caller programming errors. These must reach the caller unchanged so it can
// tell a bad request apart from an exhausted or failing pool: presets are
// registered at startup, there is no silent default, and retrying does not
// help.
var (
	ErrUnknownTaskClass = errors.New("unknown task class")
	ErrInvalidOverride  = errors.New("invalid override")
)

// Flags appended by the synthesizer depending on the acceleration decision.
var (
	accelArgs = []string{
		"--enable-gpu-rasterization",
		"--ignore-gpu-blocklist",
	}
	softwareArgs = []string{
		"--disable-gpu",
	}
)

// Spec is the synthesizer's output: everything needed to launch one worker.
// Specs are ephemeral; one is produced per launch.
type Spec struct {
	TaskClass           string         `json:"task_class"`
	Args                []string       `json:"args"`
	AccelerationEnabled bool           `json:"acceleration_enabled"`
	Rationale           string         `json:"rationale"`
	Limits              ResourceLimits `json:"limits"`
}

// CapabilitySource provides the current hardware capability profile.
type CapabilitySource interface {
	Detect(ctx context.Context) capability.Profile
}

// Synthesizer maps (task class, capability profile, overrides) to a concrete
// launch spec. Given identical inputs the output is byte-identical: args are
// merged into a key map and rendered in sorted order, with no randomness.
type Synthesizer struct {
	logger     *zap.Logger
	registry   *Registry
	capability CapabilitySource
}

// NewSynthesizer creates a configuration synthesizer.
func NewSynthesizer(logger *zap.Logger, registry *Registry, capability CapabilitySource) *Synthesizer {
	return &Synthesizer{
		logger:     logger,
		registry:   registry,
		capability: capability,
	}
}

// Synthesize builds a launch spec for the task class. Caller overrides win on
// key conflicts; the shared preset is never mutated.
func (s *Synthesizer) Synthesize(ctx context.Context, taskClass string, overrides map[string]string) (Spec, error) {
	preset, ok := s.registry.Lookup(taskClass)
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownTaskClass, taskClass)
	}

	profile := s.capability.Detect(ctx)

	// Acceleration is requested only when the task class benefits AND the
	// hardware path was actually verified. Reported-but-unverified support
	// is treated as absent.
	enabled := preset.AccelerationBeneficial && profile.Verified
	rationale := accelerationRationale(preset, profile, enabled)

	merged := make(map[string]string, len(preset.BaseArgs)+len(overrides)+2)
	for _, arg := range preset.BaseArgs {
		key, value := splitArg(arg)
		merged[key] = value
	}

	if enabled {
		for _, arg := range accelArgs {
			key, value := splitArg(arg)
			merged[key] = value
		}
	} else {
		for _, arg := range softwareArgs {
			key, value := splitArg(arg)
			merged[key] = value
		}
	}

	for key, value := range overrides {
		if !strings.HasPrefix(key, "--") {
			return Spec{}, fmt.Errorf("%w: key %q must start with --", ErrInvalidOverride, key)
		}
		merged[key] = value
	}

	if preset.Limits.MemoryMB > 0 {
		if _, overridden := merged["--js-flags"]; !overridden {
			merged["--js-flags"] = fmt.Sprintf("--max-old-space-size=%d", preset.Limits.MemoryMB)
		}
	}

	spec := Spec{
		TaskClass:           taskClass,
		Args:                renderArgs(merged),
		AccelerationEnabled: enabled,
		Rationale:           rationale,
		Limits:              preset.Limits,
	}

	s.logger.Debug("Launch spec synthesized",
		zap.String("task_class", taskClass),
		zap.Bool("acceleration", enabled),
		zap.String("rationale", rationale),
	)

	return spec, nil
}

func accelerationRationale(preset Preset, profile capability.Profile, enabled bool) string {
	switch {
	case enabled:
		return fmt.Sprintf("enabled: task class benefits and hardware verified (%s)", profile.Renderer)
	case !preset.AccelerationBeneficial:
		return "disabled: task class gains nothing from acceleration"
	case !profile.AccelerationAvailable:
		return "disabled: no hardware acceleration reported"
	default:
		return "disabled: hardware unverified"
	}
}

func renderArgs(merged map[string]string) []string {
	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, key := range keys {
		if value := merged[key]; value != "" {
			args = append(args, key+"="+value)
		} else {
			args = append(args, key)
		}
	}
	return args
}
