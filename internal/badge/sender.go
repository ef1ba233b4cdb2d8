package badge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aleksclark/badgerlink/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var errZeroWrite = errors.New("device accepted zero bytes")

// Config holds discovery and line settings.
type Config struct {
	// Product is the USB product string to match.
	Product string
	// VendorID matches devices that report no product string.
	VendorID string
	// Port skips discovery and writes to this port only.
	Port string
	// AcceptAny treats every enumerated port as a candidate.
	AcceptAny         bool
	BaudRate          int
	OpenTimeout       time.Duration
	PermissionTimeout time.Duration
}

// DefaultConfig returns the settings for a stock Badger 2040.
func DefaultConfig() Config {
	return Config{
		Product:           DefaultProduct,
		VendorID:          DefaultVendorID,
		AcceptAny:         DescriptorsHidden(),
		BaudRate:          DefaultBaudRate,
		OpenTimeout:       DefaultOpenTimeout,
		PermissionTimeout: DefaultPermissionTimeout,
	}
}

// Backend is the platform serial transport.
type Backend struct {
	Enumerator Enumerator
	Opener     Opener
	Authorizer Authorizer
}

// DefaultBackend returns the OS serial transport for this platform.
func DefaultBackend() Backend {
	return Backend{
		Enumerator: SerialEnumerator{},
		Opener:     SerialOpener,
		Authorizer: defaultAuthorizer(),
	}
}

// Sender runs the discover, authorize, open, write, cleanup sequence for
// each command. It keeps no device state between sends.
type Sender struct {
	enum  Enumerator
	open  Opener
	auth  Authorizer
	clock clockwork.Clock
	cfg   Config
}

// Option customizes a Sender.
type Option func(*Sender)

// WithBackend replaces the whole transport.
func WithBackend(b Backend) Option {
	return func(s *Sender) {
		s.enum = b.Enumerator
		s.open = b.Opener
		s.auth = b.Authorizer
	}
}

// WithEnumerator replaces the OS serial enumerator.
func WithEnumerator(e Enumerator) Option {
	return func(s *Sender) { s.enum = e }
}

// WithOpener replaces the OS serial opener.
func WithOpener(o Opener) Option {
	return func(s *Sender) { s.open = o }
}

// WithAuthorizer replaces the platform permission check.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Sender) { s.auth = a }
}

// WithClock sets the clock used for timeouts.
func WithClock(c clockwork.Clock) Option {
	return func(s *Sender) { s.clock = c }
}

// WithSimulated routes discovery and writes to an in-memory badge.
func WithSimulated(sim *Simulated) Option {
	return WithBackend(sim.Backend())
}

// NewSender returns a Sender using the platform backend unless overridden.
func NewSender(cfg Config, opts ...Option) *Sender {
	def := DefaultConfig()
	if cfg.Product == "" {
		cfg.Product = def.Product
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	s := &Sender{cfg: cfg, clock: clockwork.NewRealClock()}
	WithBackend(DefaultBackend())(s)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Sender) matcher() Matcher {
	return Matcher{Product: s.cfg.Product, VendorID: s.cfg.VendorID, AcceptAny: s.cfg.AcceptAny}
}

// Discover returns all connected devices and the subset that would be tried.
func (s *Sender) Discover() (all, matched []Device, err error) {
	all, err = s.enum.List()
	if err != nil {
		return nil, nil, err
	}
	return all, s.matcher().Match(all), nil
}

func (s *Sender) candidates() ([]Device, error) {
	if s.cfg.Port != "" {
		return []Device{{Name: s.cfg.Port}}, nil
	}
	all, matched, err := s.Discover()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	if len(matched) == 0 {
		return nil, notFound(s.cfg.Product, all)
	}
	log.Debug().Int("candidates", len(matched)).Int("connected", len(all)).Msg("badge discovery")
	return matched, nil
}

// SendPayload builds p and sends it. Fields containing the delimiter are
// sent unchanged.
func (s *Sender) SendPayload(ctx context.Context, p protocol.Payload) Result {
	if err := p.Validate(); err != nil {
		log.Warn().Err(err).Str("type", p.Type).Msg("command is ambiguous for the badge")
	}
	return s.Send(ctx, []byte(protocol.Build(p)))
}

// Go runs Send in its own goroutine and delivers the result once.
func (s *Sender) Go(ctx context.Context, command []byte) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- s.Send(ctx, command)
	}()
	return ch
}

// Send writes command to the first matching device that accepts it.
func (s *Sender) Send(ctx context.Context, command []byte) Result {
	start := s.clock.Now()
	res := s.attempt(ctx, command, true)

	if res.OK() {
		log.Info().
			Str("port", res.Port).
			Int("bytes", res.BytesWritten).
			Dur("took", s.clock.Since(start)).
			Msg("badge command sent")
	} else {
		log.Error().Err(res.Err).Str("port", res.Port).Msg("badge send failed")
	}
	return res
}

func (s *Sender) attempt(ctx context.Context, command []byte, mayRetry bool) Result {
	if len(command) == 0 {
		return Result{Err: fmt.Errorf("%w: empty command", ErrWriteFailed)}
	}

	devices, err := s.candidates()
	if err != nil {
		return Result{Err: err}
	}

	var lastErr error
	for _, dev := range devices {
		if err := ctx.Err(); err != nil {
			return Result{Err: fmt.Errorf("%w: %w", ErrDeviceNotFound, err)}
		}

		if !s.auth.Granted(dev) {
			if !mayRetry {
				return Result{Port: dev.Name, Err: fmt.Errorf("%w: %s", ErrPermissionDenied, dev.Name)}
			}
			if err := s.awaitPermission(ctx, dev); err != nil {
				return Result{Port: dev.Name, Err: err}
			}
			log.Info().Str("port", dev.Name).Msg("device permission granted, retrying send")
			return s.attempt(ctx, command, false)
		}

		n, err := s.writeTo(ctx, dev, command)
		switch {
		case errors.Is(err, ErrPortConfiguration), errors.Is(err, errZeroWrite):
			log.Warn().Err(err).Str("port", dev.Name).Msg("skipping device")
			lastErr = err
			continue
		case err != nil:
			return Result{Port: dev.Name, BytesWritten: n, Err: err}
		}
		return Result{Port: dev.Name, BytesWritten: n}
	}

	return Result{Err: fmt.Errorf("%w: no device accepted the command: %w", ErrDeviceNotFound, lastErr)}
}

func (s *Sender) awaitPermission(ctx context.Context, dev Device) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info().Str("port", dev.Name).Msg("requesting device permission")
	answer := s.auth.Request(ctx, dev)

	var timeout <-chan time.Time
	if s.cfg.PermissionTimeout > 0 {
		timeout = s.clock.After(s.cfg.PermissionTimeout)
	}

	select {
	case granted, ok := <-answer:
		if ok && granted {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrPermissionDenied, dev.Name)
	case <-timeout:
		return fmt.Errorf("%w: %s: no answer within %s", ErrPermissionDenied, dev.Name, s.cfg.PermissionTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, dev.Name, ctx.Err())
	}
}

func (s *Sender) writeTo(ctx context.Context, dev Device, command []byte) (int, error) {
	port, err := s.openPort(ctx, dev.Name)
	if err != nil {
		if isBusy(err) {
			return 0, fmt.Errorf("%w: %w: %s: %w", ErrPortConfiguration, ErrDeviceBusy, dev.Name, err)
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrPortConfiguration, dev.Name, err)
	}
	defer s.cleanup(dev.Name, port)

	if err := port.SetDTR(true); err != nil {
		return 0, fmt.Errorf("%w: %s: assert DTR: %w", ErrPortConfiguration, dev.Name, err)
	}

	n, err := port.Write(command)
	switch {
	case err != nil:
		return n, fmt.Errorf("%w: %s: %w", ErrWriteFailed, dev.Name, err)
	case n == 0:
		return 0, fmt.Errorf("%s: %w", dev.Name, errZeroWrite)
	case n < len(command):
		return n, fmt.Errorf("%w: %s: %w (%d of %d bytes)", ErrWriteFailed, dev.Name, io.ErrShortWrite, n, len(command))
	}
	return n, nil
}

type openResult struct {
	port Port
	err  error
}

// openPort bounds the OS open call by OpenTimeout. A port that opens after
// the deadline is closed as soon as it arrives.
func (s *Sender) openPort(ctx context.Context, name string) (Port, error) {
	done := make(chan openResult, 1)
	go func() {
		p, err := s.open(name, Mode(s.cfg.BaudRate))
		done <- openResult{port: p, err: err}
	}()

	select {
	case r := <-done:
		return r.port, r.err
	case <-s.clock.After(s.cfg.OpenTimeout):
		go closeLate(name, done)
		return nil, fmt.Errorf("open %s: timed out after %s", name, s.cfg.OpenTimeout)
	case <-ctx.Done():
		go closeLate(name, done)
		return nil, fmt.Errorf("open %s: %w", name, ctx.Err())
	}
}

func closeLate(name string, done <-chan openResult) {
	r := <-done
	if r.err == nil && r.port != nil {
		if err := r.port.Close(); err != nil {
			log.Debug().Err(err).Str("port", name).Msg("closing late-opened port")
		}
	}
}

func (*Sender) cleanup(name string, port Port) {
	if err := port.Drain(); err != nil {
		log.Debug().Err(err).Str("port", name).Msg("drain failed")
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Debug().Err(err).Str("port", name).Msg("reset input buffer failed")
	}
	if err := port.SetDTR(false); err != nil {
		log.Debug().Err(err).Str("port", name).Msg("clear DTR failed")
	}
	if err := port.Close(); err != nil {
		log.Warn().Err(err).Str("port", name).Msg("close failed")
	}
}
