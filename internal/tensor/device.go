package tensor

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnsupportedDevice is returned for device identifiers this build cannot
// execute on.
var ErrUnsupportedDevice = errors.New("unsupported device")

// Device is the compute target a trainer owns. Only the CPU exists; it runs on
// the pure Go graph backend.
type Device struct {
	Kind string
}

// CPU returns the CPU device.
func CPU() Device { return Device{Kind: "cpu"} }

// ParseDevice accepts "cpu" (or empty, meaning cpu).
func ParseDevice(s string) (Device, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "cpu" {
		return CPU(), nil
	}
	return Device{}, errors.Wrapf(ErrUnsupportedDevice, "%q", s)
}

func (d Device) String() string {
	if d.Kind == "" {
		return "cpu"
	}
	return d.Kind
}

// Backend is the graph backend configuration serving this device.
func (d Device) Backend() string { return "go" }
