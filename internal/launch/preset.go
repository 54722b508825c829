package launch

import (
	"fmt"
	"strings"
)

// Well-known task classes registered by default.
const (
	TaskScraping      = "scraping"
	TaskSEO           = "seo"
	TaskScreenshot    = "screenshot"
	TaskVisualization = "visualization"
)

// ResourceLimits are per-worker resource ceilings attached to a preset.
// MemoryMB caps both the JS heap at launch and the resident-set ceiling the
// pool's wear policy recycles on.
type ResourceLimits struct {
	MemoryMB int `json:"memory_mb"`
}

// Preset is an immutable, named launch template for one task class.
// Presets are registered once at startup; adding one at runtime means
// building a new registry, never mutating an existing preset.
type Preset struct {
	TaskClass              string
	BaseArgs               []string
	AccelerationBeneficial bool
	Limits                 ResourceLimits
}

func (p Preset) validate() error {
	if p.TaskClass == "" {
		return fmt.Errorf("preset task class must not be empty")
	}
	seen := make(map[string]struct{}, len(p.BaseArgs))
	for _, arg := range p.BaseArgs {
		key, _ := splitArg(arg)
		if !strings.HasPrefix(key, "--") {
			return fmt.Errorf("preset %q: argument %q must start with --", p.TaskClass, arg)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("preset %q: duplicate argument %q", p.TaskClass, key)
		}
		seen[key] = struct{}{}
	}
	if p.Limits.MemoryMB < 0 {
		return fmt.Errorf("preset %q: resource limits must not be negative", p.TaskClass)
	}
	return nil
}

// Registry is an immutable preset lookup table built once at startup.
type Registry struct {
	presets map[string]Preset
}

// NewRegistry validates the given presets and builds a registry.
func NewRegistry(presets ...Preset) (*Registry, error) {
	m := make(map[string]Preset, len(presets))
	for _, p := range presets {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := m[p.TaskClass]; dup {
			return nil, fmt.Errorf("duplicate preset for task class %q", p.TaskClass)
		}
		m[p.TaskClass] = p
	}
	return &Registry{presets: m}, nil
}

// Lookup returns the preset for a task class.
func (r *Registry) Lookup(taskClass string) (Preset, bool) {
	p, ok := r.presets[taskClass]
	return p, ok
}

// TaskClasses returns the registered task class names.
func (r *Registry) TaskClasses() []string {
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	return names
}

// DefaultPresets returns the built-in presets for the standard task classes.
func DefaultPresets() []Preset {
	common := []string{
		"--headless=new",
		"--no-first-run",
		"--disable-dev-shm-usage",
		"--disable-extensions",
		"--mute-audio",
	}

	return []Preset{
		{
			TaskClass:              TaskScraping,
			BaseArgs:               append([]string{"--blink-settings=imagesEnabled=false"}, common...),
			AccelerationBeneficial: false,
			Limits:                 ResourceLimits{MemoryMB: 512},
		},
		{
			TaskClass:              TaskSEO,
			BaseArgs:               common,
			AccelerationBeneficial: false,
			Limits:                 ResourceLimits{MemoryMB: 768},
		},
		{
			TaskClass:              TaskScreenshot,
			BaseArgs:               append([]string{"--window-size=1920,1080", "--hide-scrollbars"}, common...),
			AccelerationBeneficial: true,
			Limits:                 ResourceLimits{MemoryMB: 1024},
		},
		{
			TaskClass:              TaskVisualization,
			BaseArgs:               append([]string{"--window-size=1920,1080"}, common...),
			AccelerationBeneficial: true,
			Limits:                 ResourceLimits{MemoryMB: 2048},
		},
	}
}

// splitArg splits a chromium-style flag into key and value.
// "--window-size=1920,1080" -> ("--window-size", "1920,1080"); bare flags
// return an empty value.
func splitArg(arg string) (key, value string) {
	if i := strings.Index(arg, "="); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}
