// Package badge discovers Badger 2040 devices and writes commands to them over
// USB serial.
package badge

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Defaults for the badge serial link.
const (
	DefaultProduct           = "Badger 2040"
	DefaultVendorID          = "2e8a" // Raspberry Pi, 11914
	DefaultBaudRate          = 115200
	DefaultOpenTimeout       = 300 * time.Millisecond
	DefaultPermissionTimeout = 60 * time.Second
)

var (
	// ErrDeviceNotFound means no connected device matched, or none accepted the command.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceBusy means a matching port is held by another process or send.
	ErrDeviceBusy = fmt.Errorf("%w: port busy", ErrDeviceNotFound)
	// ErrPermissionDenied means access to the device was refused.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrPortConfiguration means the port could not be opened or configured.
	ErrPortConfiguration = errors.New("port configuration failed")
	// ErrWriteFailed means writing the command raised an error.
	ErrWriteFailed = errors.New("write failed")
)

// Device describes an enumerated serial port.
type Device struct {
	Name         string
	Product      string
	VID          string
	PID          string
	SerialNumber string
	USB          bool
}

func (d Device) String() string {
	if d.Product == "" {
		return d.Name
	}
	return d.Product + " (" + d.Name + ")"
}

// Port is an open serial connection to one device.
type Port interface {
	io.Writer
	SetDTR(dtr bool) error
	Drain() error
	ResetInputBuffer() error
	Close() error
}

// Opener opens a serial port with the given line parameters.
type Opener func(name string, mode *serial.Mode) (Port, error)

// SerialOpener opens a real serial port.
func SerialOpener(name string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	return port, nil
}

// Mode returns the 8N1 line settings used for the badge.
func Mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Result is the outcome of one send. Failures are carried in Err, never
// raised.
type Result struct {
	Err          error
	Port         string
	BytesWritten int
}

// OK reports whether the command was written.
func (r Result) OK() bool {
	return r.Err == nil
}

func (r Result) String() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("wrote %d bytes to %s", r.BytesWritten, r.Port)
}

func isBusy(err error) bool {
	if errors.Is(err, ErrDeviceBusy) {
		return true
	}
	var perr *serial.PortError
	return errors.As(err, &perr) && perr.Code() == serial.PortBusy
}
