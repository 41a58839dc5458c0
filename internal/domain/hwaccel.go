package domain

import (
	"fmt"
	"strings"
)

// HWAccel selects the video encoder family
type HWAccel string

const (
	HWAccelNone             HWAccel = "none"
	HWAccelAMD              HWAccel = "amd"
	HWAccelIntel            HWAccel = "intel"
	HWAccelNVIDIA           HWAccel = "nvidia"
	HWAccelSoftwareFallback HWAccel = "software_fallback"
)

// ParseHWAccel validates a configured accelerator name
func ParseHWAccel(s string) (HWAccel, error) {
	switch v := HWAccel(strings.ToLower(strings.TrimSpace(s))); v {
	case "", HWAccelNone:
		return HWAccelNone, nil
	case HWAccelAMD, HWAccelIntel, HWAccelNVIDIA:
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown hardware accelerator %q", ErrFatalConfig, s)
	}
}

// IsHardware reports whether the accelerator uses a GPU encoder
func (a HWAccel) IsHardware() bool {
	return a == HWAccelAMD || a == HWAccelIntel || a == HWAccelNVIDIA
}
