package badge

import (
	"fmt"
	"runtime"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Enumerator lists the serial devices currently connected.
type Enumerator interface {
	List() ([]Device, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func() ([]Device, error)

func (f EnumeratorFunc) List() ([]Device, error) { return f() }

// SerialEnumerator queries the OS for serial ports and their USB descriptors.
type SerialEnumerator struct{}

func (SerialEnumerator) List() ([]Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, Device{
			Name:         p.Name,
			Product:      strings.TrimSpace(p.Product),
			VID:          strings.ToLower(p.VID),
			PID:          strings.ToLower(p.PID),
			SerialNumber: p.SerialNumber,
			USB:          p.IsUSB,
		})
	}
	return devices, nil
}

// DescriptorsHidden reports whether this OS withholds USB product strings
// from serial enumeration.
func DescriptorsHidden() bool {
	return runtime.GOOS == "windows"
}

// Matcher selects badge candidates from an enumeration.
type Matcher struct {
	// Product is matched exactly against the USB product string.
	Product string
	// VendorID, if set, also matches devices that report no product string.
	VendorID string
	// AcceptAny accepts every device, for platforms without descriptors.
	AcceptAny bool
}

// Match returns matching devices in enumeration order. When no device
// reports a product string and none matched by vendor, every device is a
// candidate.
func (m Matcher) Match(devices []Device) []Device {
	if m.AcceptAny {
		return devices
	}
	var out []Device
	for _, d := range devices {
		switch {
		case d.Product != "" && d.Product == m.Product:
			out = append(out, d)
		case d.Product == "" && m.VendorID != "" && strings.EqualFold(d.VID, m.VendorID):
			out = append(out, d)
		}
	}
	if len(out) == 0 && !anyProduct(devices) {
		return devices
	}
	return out
}

func anyProduct(devices []Device) bool {
	for _, d := range devices {
		if d.Product != "" {
			return true
		}
	}
	return false
}

func notFound(product string, devices []Device) error {
	if len(devices) == 0 {
		return fmt.Errorf("%w: no %q device connected, no serial devices present", ErrDeviceNotFound, product)
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.String())
	}
	return fmt.Errorf("%w: no %q device connected, found: %s",
		ErrDeviceNotFound, product, strings.Join(names, ", "))
}
