package capability

import (
	"time"
)

// Profile is the cached verdict on hardware acceleration for this host.
// Verified implies AccelerationAvailable; the reverse does not hold, because
// drivers routinely advertise support that silently falls back to software.
type Profile struct {
	// AccelerationAvailable reports whether the driver/OS claims GPU support.
	AccelerationAvailable bool `json:"acceleration_available"`

	// Verified is true only after a probe workload confirmed the hardware
	// path actually engaged.
	Verified bool `json:"verified"`

	// Renderer is the GL renderer string the probe observed, if any.
	Renderer string `json:"renderer,omitempty"`

	// GPUVendor is the vendor name of the first detected graphics card.
	GPUVendor string `json:"gpu_vendor,omitempty"`

	// CPUBrand identifies the host CPU, for fleet observability.
	CPUBrand string `json:"cpu_brand,omitempty"`

	VerifiedAt time.Time     `json:"verified_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the profile must be re-detected.
func (p Profile) Expired(now time.Time) bool {
	return p.VerifiedAt.IsZero() || now.After(p.VerifiedAt.Add(p.TTL))
}
