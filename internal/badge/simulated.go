package badge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aleksclark/badgerlink/internal/codec"
	"github.com/aleksclark/badgerlink/internal/packer"
	"github.com/aleksclark/badgerlink/internal/protocol"
	"go.bug.st/serial"
)

// Simulated badge for running without hardware.

// Simulated is an in-memory badge. It enumerates as a single Badger 2040 and
// records every command written while DTR is asserted, like the firmware's
// USB CDC console.
type Simulated struct {
	name     string
	commands [][]byte
	mu       sync.Mutex
	open     bool
	dtr      bool
}

// NewSimulated creates a simulated badge reachable at the given port name.
func NewSimulated(name string) *Simulated {
	return &Simulated{name: name}
}

// List implements Enumerator.
func (s *Simulated) List() ([]Device, error) {
	return []Device{{
		Name:    s.name,
		Product: DefaultProduct,
		VID:     DefaultVendorID,
		PID:     "0003",
		USB:     true,
	}}, nil
}

// Open implements Opener. Only one open port is allowed at a time.
func (s *Simulated) Open(name string, mode *serial.Mode) (Port, error) {
	if name != s.name {
		return nil, fmt.Errorf("open %s: no such port", name)
	}
	if mode.BaudRate != DefaultBaudRate || mode.DataBits != 8 ||
		mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		return nil, fmt.Errorf("open %s: unsupported mode %+v", name, *mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil, fmt.Errorf("open %s: %w", name, ErrDeviceBusy)
	}
	s.open = true
	return &simulatedPort{badge: s}, nil
}

// Backend exposes the simulated badge as a transport.
func (s *Simulated) Backend() Backend {
	return Backend{Enumerator: s, Opener: s.Open, Authorizer: AllowAll{}}
}

// Commands returns the commands received so far.
func (s *Simulated) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	for i, c := range s.commands {
		out[i] = string(c)
	}
	return out
}

// LastPreview decodes the most recent preview command into a bitmap.
func (s *Simulated) LastPreview() (*codec.Bitmap, error) {
	cmds := s.Commands()
	for i := len(cmds) - 1; i >= 0; i-- {
		p, err := protocol.Parse(cmds[i])
		if err != nil || p.Type != protocol.TypePreview {
			continue
		}
		return packer.DecodeBitmap(p.Payload, codec.Width, codec.Height)
	}
	return nil, errors.New("no preview received")
}

type simulatedPort struct {
	badge  *Simulated
	closed bool
}

func (p *simulatedPort) Write(b []byte) (int, error) {
	s := p.badge
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if !s.dtr {
		return 0, nil
	}
	s.commands = append(s.commands, append([]byte(nil), b...))
	return len(b), nil
}

func (p *simulatedPort) SetDTR(dtr bool) error {
	p.badge.mu.Lock()
	defer p.badge.mu.Unlock()
	p.badge.dtr = dtr
	return nil
}

func (*simulatedPort) Drain() error { return nil }

func (*simulatedPort) ResetInputBuffer() error { return nil }

func (p *simulatedPort) Close() error {
	s := p.badge
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.closed {
		return errors.New("port already closed")
	}
	p.closed = true
	s.open = false
	s.dtr = false
	return nil
}

var _ Enumerator = (*Simulated)(nil)
