package badge

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/aleksclark/badgerlink/internal/codec"
	"github.com/aleksclark/badgerlink/internal/packer"
	"github.com/aleksclark/badgerlink/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePort struct {
	writeErr error
	dtrErr   error
	written  []byte
	dtrLog   []bool
	writeN   int
	mu       sync.Mutex
	drained  bool
	reset    bool
	closed   int
}

// newFakePort returns a port that accepts every byte written.
func newFakePort() *fakePort {
	return &fakePort{writeN: -1}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n := len(b)
	if p.writeN >= 0 {
		n = p.writeN
	}
	p.written = append(p.written, b[:n]...)
	return n, nil
}

func (p *fakePort) SetDTR(dtr bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtrLog = append(p.dtrLog, dtr)
	if dtr && p.dtrErr != nil {
		return p.dtrErr
	}
	return nil
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drained = true
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset = true
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePort) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeOpener hands out ports by name and records open order.
type fakeOpener struct {
	ports   map[string]*fakePort
	errs    map[string]error
	opened  []string
	lastMod *serial.Mode
	mu      sync.Mutex
}

func (o *fakeOpener) open(name string, mode *serial.Mode) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, name)
	o.lastMod = mode
	if err := o.errs[name]; err != nil {
		return nil, err
	}
	if p, ok := o.ports[name]; ok {
		return p, nil
	}
	return nil, errors.New("no such port")
}

type fakeAuth struct {
	answer        *bool
	mu            sync.Mutex
	granted       bool
	grantOnAnswer bool
	requests      int
}

func (a *fakeAuth) Granted(Device) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.granted
}

func (a *fakeAuth) Request(context.Context, Device) <-chan bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	ch := make(chan bool, 1)
	if a.answer != nil {
		if *a.answer && a.grantOnAnswer {
			a.granted = true
		}
		ch <- *a.answer
	}
	return ch
}

func boolPtr(b bool) *bool { return &b }

func badges(names ...string) EnumeratorFunc {
	return func() ([]Device, error) {
		out := make([]Device, 0, len(names))
		for _, n := range names {
			out = append(out, Device{Name: n, Product: DefaultProduct, VID: DefaultVendorID, USB: true})
		}
		return out, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AcceptAny = false
	return cfg
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	op := &fakeOpener{ports: map[string]*fakePort{"/dev/ttyACM0": port}}
	s := NewSender(testConfig(), WithEnumerator(badges("/dev/ttyACM0")), WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(context.Background(), []byte("preview::AAA="))
	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, "/dev/ttyACM0", res.Port)
	assert.Equal(t, 13, res.BytesWritten)
	assert.Equal(t, "preview::AAA=", string(port.written))

	assert.Equal(t, []bool{true, false}, port.dtrLog)
	assert.True(t, port.drained)
	assert.True(t, port.reset)
	assert.Equal(t, 1, port.closeCount())

	require.NotNil(t, op.lastMod)
	assert.Equal(t, 115200, op.lastMod.BaudRate)
	assert.Equal(t, 8, op.lastMod.DataBits)
	assert.Equal(t, serial.NoParity, op.lastMod.Parity)
	assert.Equal(t, serial.OneStopBit, op.lastMod.StopBits)
}

func TestSend_NotFoundListsConnectedProducts(t *testing.T) {
	t.Parallel()

	enum := EnumeratorFunc(func() ([]Device, error) {
		return []Device{
			{Name: "/dev/ttyACM0", Product: "Pico"},
			{Name: "/dev/ttyACM1", Product: "Arduino Uno"},
			{Name: "/dev/ttyS0"},
		}, nil
	})
	op := &fakeOpener{}
	s := NewSender(testConfig(), WithEnumerator(enum), WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(context.Background(), []byte("x"))
	require.ErrorIs(t, res.Err, ErrDeviceNotFound)
	assert.Contains(t, res.Err.Error(), "Pico")
	assert.Contains(t, res.Err.Error(), "Arduino Uno")
	assert.Contains(t, res.Err.Error(), "/dev/ttyS0")
	assert.Empty(t, op.opened)
}

func TestSend_NoDevicesOrEnumerationError(t *testing.T) {
	t.Parallel()

	empty := EnumeratorFunc(func() ([]Device, error) { return nil, nil })
	res := NewSender(testConfig(), WithEnumerator(empty), WithAuthorizer(AllowAll{})).
		Send(context.Background(), []byte("x"))
	require.ErrorIs(t, res.Err, ErrDeviceNotFound)

	broken := EnumeratorFunc(func() ([]Device, error) { return nil, errors.New("sysfs unavailable") })
	res = NewSender(testConfig(), WithEnumerator(broken), WithAuthorizer(AllowAll{})).
		Send(context.Background(), []byte("x"))
	require.ErrorIs(t, res.Err, ErrDeviceNotFound)
	assert.Contains(t, res.Err.Error(), "sysfs unavailable")
}

func TestSend_ConfigurationFailureAdvances(t *testing.T) {
	t.Parallel()

	dtrBroken := newFakePort()
	dtrBroken.dtrErr = errors.New("ioctl failed")
	good := newFakePort()
	op := &fakeOpener{
		ports: map[string]*fakePort{"/dev/ttyACM1": dtrBroken, "/dev/ttyACM2": good},
		errs:  map[string]error{"/dev/ttyACM0": errors.New("no such file")},
	}
	s := NewSender(testConfig(),
		WithEnumerator(badges("/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2")),
		WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(context.Background(), []byte("cmd"))
	require.NoError(t, res.Err)
	assert.Equal(t, "/dev/ttyACM2", res.Port)
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2"}, op.opened)
	assert.Equal(t, 1, dtrBroken.closeCount(), "port that failed configuration must still be closed")
	assert.Empty(t, dtrBroken.written)
	assert.Equal(t, "cmd", string(good.written))
}

func TestSend_ZeroLengthWriteAdvances(t *testing.T) {
	t.Parallel()

	silent := newFakePort()
	silent.writeN = 0
	good := newFakePort()
	op := &fakeOpener{ports: map[string]*fakePort{"a": silent, "b": good}}
	s := NewSender(testConfig(), WithEnumerator(badges("a", "b")), WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(context.Background(), []byte("cmd"))
	require.NoError(t, res.Err)
	assert.Equal(t, "b", res.Port)
	assert.Equal(t, 1, silent.closeCount())
}

func TestSend_WriteErrorIsTerminal(t *testing.T) {
	t.Parallel()

	failing := newFakePort()
	failing.writeErr = errors.New("usb reset")
	good := newFakePort()
	op := &fakeOpener{ports: map[string]*fakePort{"a": failing, "b": good}}
	s := NewSender(testConfig(), WithEnumerator(badges("a", "b")), WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(context.Background(), []byte("cmd"))
	require.ErrorIs(t, res.Err, ErrWriteFailed)
	assert.Equal(t, "a", res.Port)
	assert.Equal(t, []string{"a"}, op.opened)
	assert.Equal(t, 1, failing.closeCount())
	assert.Equal(t, []bool{true, false}, failing.dtrLog)
}

func TestSend_ShortWriteFails(t *testing.T) {
	t.Parallel()

	short := newFakePort()
	short.writeN = 2
	op := &fakeOpener{ports: map[string]*fakePort{"a": short}}
	s := NewSender(testConfig(), WithEnumerator(badges("a")), WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(context.Background(), []byte("command"))
	require.ErrorIs(t, res.Err, ErrWriteFailed)
	assert.Equal(t, 2, res.BytesWritten)
}

func TestSend_BusyPort(t *testing.T) {
	t.Parallel()

	op := &fakeOpener{errs: map[string]error{"a": ErrDeviceBusy}}
	s := NewSender(testConfig(), WithEnumerator(badges("a")), WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(context.Background(), []byte("cmd"))
	require.ErrorIs(t, res.Err, ErrDeviceBusy)
	require.ErrorIs(t, res.Err, ErrDeviceNotFound)
	require.ErrorIs(t, res.Err, ErrPortConfiguration)
}

func TestSend_EmptyCommand(t *testing.T) {
	t.Parallel()

	op := &fakeOpener{}
	s := NewSender(testConfig(), WithEnumerator(badges("a")), WithOpener(op.open), WithAuthorizer(AllowAll{}))
	res := s.Send(context.Background(), nil)
	require.ErrorIs(t, res.Err, ErrWriteFailed)
	assert.Empty(t, op.opened)
}

func TestSend_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op := &fakeOpener{ports: map[string]*fakePort{"a": newFakePort()}}
	s := NewSender(testConfig(), WithEnumerator(badges("a")), WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(ctx, []byte("cmd"))
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, op.opened)
}

func TestSend_Permission(t *testing.T) {
	t.Parallel()

	tests := []struct {
		auth         *fakeAuth
		wantErr      error
		name         string
		wantOpened   int
		wantRequests int
	}{
		{
			name:         "denied",
			auth:         &fakeAuth{answer: boolPtr(false)},
			wantErr:      ErrPermissionDenied,
			wantOpened:   0,
			wantRequests: 1,
		},
		{
			name:         "granted then retried once",
			auth:         &fakeAuth{answer: boolPtr(true), grantOnAnswer: true},
			wantOpened:   1,
			wantRequests: 1,
		},
		{
			name:         "granted but still inaccessible",
			auth:         &fakeAuth{answer: boolPtr(true)},
			wantErr:      ErrPermissionDenied,
			wantOpened:   0,
			wantRequests: 1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			op := &fakeOpener{ports: map[string]*fakePort{"a": newFakePort()}}
			s := NewSender(testConfig(), WithEnumerator(badges("a")), WithOpener(op.open), WithAuthorizer(tt.auth))

			res := s.Send(context.Background(), []byte("cmd"))
			if tt.wantErr != nil {
				require.ErrorIs(t, res.Err, tt.wantErr)
			} else {
				require.NoError(t, res.Err)
			}
			assert.Len(t, op.opened, tt.wantOpened)
			assert.Equal(t, tt.wantRequests, tt.auth.requests)
		})
	}
}

func TestSend_PermissionTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fc := clockwork.NewFakeClock()
	auth := &fakeAuth{}
	s := NewSender(testConfig(), WithEnumerator(badges("a")), WithAuthorizer(auth), WithClock(fc))

	resCh := s.Go(ctx, []byte("cmd"))
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(DefaultPermissionTimeout)

	res := <-resCh
	require.ErrorIs(t, res.Err, ErrPermissionDenied)
	assert.Contains(t, res.Err.Error(), "no answer")
}

func TestSend_OpenTimeoutClosesLatePort(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fc := clockwork.NewFakeClock()
	late := newFakePort()
	release := make(chan struct{})
	opener := func(string, *serial.Mode) (Port, error) {
		<-release
		return late, nil
	}
	s := NewSender(testConfig(), WithEnumerator(badges("a")), WithOpener(opener),
		WithAuthorizer(AllowAll{}), WithClock(fc))

	resCh := s.Go(ctx, []byte("cmd"))
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(DefaultOpenTimeout)

	res := <-resCh
	require.ErrorIs(t, res.Err, ErrPortConfiguration)
	require.ErrorIs(t, res.Err, ErrDeviceNotFound)
	assert.Contains(t, res.Err.Error(), "timed out")

	close(release)
	assert.Eventually(t, func() bool { return late.closeCount() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, late.written)
}

func TestSend_ExplicitPortSkipsDiscovery(t *testing.T) {
	t.Parallel()

	port := newFakePort()
	op := &fakeOpener{ports: map[string]*fakePort{"/dev/ttyUSB9": port}}
	broken := EnumeratorFunc(func() ([]Device, error) { return nil, errors.New("must not be called") })

	cfg := testConfig()
	cfg.Port = "/dev/ttyUSB9"
	s := NewSender(cfg, WithEnumerator(broken), WithOpener(op.open), WithAuthorizer(AllowAll{}))

	res := s.Send(context.Background(), []byte("cmd"))
	require.NoError(t, res.Err)
	assert.Equal(t, "/dev/ttyUSB9", res.Port)
}

func TestMatcher(t *testing.T) {
	t.Parallel()

	devices := []Device{
		{Name: "a", Product: "Badger 2040", VID: "2e8a"},
		{Name: "b", Product: "badger 2040", VID: "2e8a"},
		{Name: "c", VID: "2E8A"},
		{Name: "d", VID: "2341"},
		{Name: "e", Product: "Pico", VID: "2e8a"},
	}

	names := func(ds []Device) []string {
		out := make([]string, 0, len(ds))
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return out
	}

	assert.Equal(t, []string{"a"}, names(Matcher{Product: DefaultProduct}.Match(devices)))
	assert.Equal(t, []string{"a", "c"}, names(Matcher{Product: DefaultProduct, VendorID: DefaultVendorID}.Match(devices)))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names(Matcher{Product: DefaultProduct, AcceptAny: true}.Match(devices)))

	bare := []Device{{Name: "COM3"}, {Name: "COM4", VID: "2341"}}
	assert.Equal(t, []string{"COM3", "COM4"}, names(Matcher{Product: DefaultProduct, VendorID: DefaultVendorID}.Match(bare)))
	assert.Empty(t, Matcher{Product: DefaultProduct}.Match(devices[3:5]))
}

func TestSimulatedEndToEnd(t *testing.T) {
	t.Parallel()

	img := image.NewGray(image.Rect(0, 0, codec.Width, codec.Height))
	for x := 0; x < codec.Width/2; x++ {
		for y := 0; y < codec.Height; y++ {
			img.Pix[y*img.Stride+x] = 0xff
		}
	}
	bm, err := codec.ToBinary(img, codec.DefaultThreshold)
	require.NoError(t, err)
	encoded, err := packer.EncodeBitmap(bm)
	require.NoError(t, err)

	sim := NewSimulated("sim0")
	s := NewSender(testConfig(), WithSimulated(sim))

	res := s.SendPayload(context.Background(), protocol.Preview(encoded, false))
	require.NoError(t, res.Err)
	assert.Equal(t, "sim0", res.Port)
	assert.Equal(t, len("preview::")+len(encoded), res.BytesWritten)

	got, err := sim.LastPreview()
	require.NoError(t, err)
	assert.True(t, bm.Equal(got))
	assert.True(t, got.At(0, 0))
	assert.False(t, got.At(codec.Width-1, 0))
}

func TestSimulatedRejectsConcurrentOpen(t *testing.T) {
	t.Parallel()

	sim := NewSimulated("sim0")
	held, err := sim.Open("sim0", Mode(DefaultBaudRate))
	require.NoError(t, err)

	res := NewSender(testConfig(), WithSimulated(sim)).Send(context.Background(), []byte("preview::AAA="))
	require.ErrorIs(t, res.Err, ErrDeviceBusy)

	require.NoError(t, held.Close())
	res = NewSender(testConfig(), WithSimulated(sim)).Send(context.Background(), []byte("preview::AAA="))
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"preview::AAA="}, sim.Commands())
}
