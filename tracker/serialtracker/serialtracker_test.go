package serialtracker

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/igtkit/igtk/logging"
	"github.com/igtkit/igtk/pulse"
	"github.com/igtkit/igtk/serial"
	"github.com/igtkit/igtk/tracker"
)

// fakeDevice answers each request line with a canned reply.
type fakeDevice struct {
	mu       sync.Mutex
	replies  map[string]string
	out      bytes.Buffer
	requests []string
	closed   bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{replies: map[string]string{
		cmdOpen:       "OK",
		cmdInit:       "OK a=pointer b=reference,stylus",
		cmdDeinit:     "OK",
		cmdStart:      "OK",
		cmdStop:       "OK",
		cmdReset:      "OK",
		cmdClose:      "OK",
		cmdTransforms: "OK 0 0 0 0 0 1 1.5 2 3 0.1 V; 1 0 0 0 0 1 0 0 0 0 M;1 1 0 0 0 1 0 0 0 0 D",
	}}
}

func (d *fakeDevice) setReply(cmd, reply string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[cmd] = reply
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		d.requests = append(d.requests, line)
		reply, ok := d.replies[line]
		if !ok {
			reply = "ERROR unknown command"
		}
		d.out.WriteString(reply + "\n")
	}
	return len(p), nil
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out.Len() == 0 {
		return 0, io.EOF
	}
	return d.out.Read(p)
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func withFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	dev := newFakeDevice()
	useDevice(t, dev)
	return dev
}

func useDevice(t *testing.T, dev io.ReadWriteCloser) {
	t.Helper()
	prev := serial.Open
	serial.Open = func(devicePath string, options serial.Options) (io.ReadWriteCloser, error) {
		if devicePath != "/dev/ttyTRK0" {
			return nil, errors.Errorf("no such device %q", devicePath)
		}
		return dev, nil
	}
	t.Cleanup(func() { serial.Open = prev })
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	dev := withFakeDevice(t)
	a := New(Config{Path: "/dev/ttyTRK0"}, logging.NewTestLogger(t))

	err := a.StartTracking(ctx)
	test.That(t, errors.Is(err, ErrNotOpen), test.ShouldBeTrue)

	test.That(t, a.Open(ctx), test.ShouldBeNil)
	ports, err := a.ActivateTools(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ports, test.ShouldResemble, []tracker.PortDescription{
		{Name: "a", Tools: []tracker.ToolDescription{{Name: "pointer"}}},
		{Name: "b", Tools: []tracker.ToolDescription{{Name: "reference"}, {Name: "stylus"}}},
	})
	test.That(t, a.StartTracking(ctx), test.ShouldBeNil)

	frame, err := a.FetchFrame(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Samples, test.ShouldHaveLength, 3)
	test.That(t, frame.Samples[0], test.ShouldResemble, tracker.Sample{
		Quaternion:  [4]float64{0, 0, 0, 1},
		Translation: [3]float64{1.5, 2, 3},
		Error:       0.1,
		InView:      true,
		Enabled:     true,
	})
	test.That(t, frame.Samples[1].Enabled, test.ShouldBeTrue)
	test.That(t, frame.Samples[1].InView, test.ShouldBeFalse)
	test.That(t, frame.Samples[2].Enabled, test.ShouldBeFalse)

	dev.setReply(cmdReset, "ERROR busy")
	err = a.Reset(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "busy")

	test.That(t, a.StopTracking(ctx), test.ShouldBeNil)
	test.That(t, a.DeactivateTools(ctx), test.ShouldBeNil)
	test.That(t, a.Close(ctx), test.ShouldBeNil)
	test.That(t, dev.closed, test.ShouldBeTrue)
	test.That(t, dev.requests, test.ShouldResemble, []string{
		cmdOpen, cmdInit, cmdStart, cmdTransforms, cmdReset, cmdStop, cmdDeinit, cmdClose,
	})
}

func TestOpenFailures(t *testing.T) {
	ctx := context.Background()
	dev := withFakeDevice(t)

	err := New(Config{Path: "/dev/missing"}, logging.NewTestLogger(t)).Open(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no such device")

	dev.setReply(cmdOpen, "ERROR no sensor")
	a := New(Config{Path: "/dev/ttyTRK0"}, logging.NewTestLogger(t))
	err = a.Open(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, dev.closed, test.ShouldBeTrue)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	dev.setReply(cmdOpen, "OK")
	test.That(t, a.Open(cancelled), test.ShouldEqual, context.Canceled)
}

func TestParseErrors(t *testing.T) {
	for _, payload := range []string{
		"0 0 0 0 0 1 0 0 0 0",
		"x 0 0 0 0 1 0 0 0 0 V",
		"0 0 0 0 0 one 0 0 0 0 V",
		"0 0 0 0 0 1 0 0 0 0 Q",
	} {
		_, err := parseFrame(payload)
		test.That(t, err, test.ShouldNotBeNil)
	}
	frame, err := parseFrame("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Samples, test.ShouldBeEmpty)

	for _, payload := range []string{"", "a", "a=", "=x"} {
		_, err := parsePorts(payload)
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestUnexpectedReply(t *testing.T) {
	ctx := context.Background()
	dev := withFakeDevice(t)
	a := New(Config{Path: "/dev/ttyTRK0"}, logging.NewTestLogger(t))
	test.That(t, a.Open(ctx), test.ShouldBeNil)

	dev.setReply(cmdStart, "HELLO")
	err := a.StartTracking(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unexpected reply")
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate("adapter")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "adapter.path")

	cfg = Config{Path: "/dev/ttyUSB0", Serial: serial.Options{Parity: "mark"}}
	err = cfg.Validate("adapter")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "adapter.serial")

	cfg.Serial.Parity = "even"
	test.That(t, cfg.Validate("adapter"), test.ShouldBeNil)
}

func TestTrackerOverSerial(t *testing.T) {
	ctx := context.Background()
	withFakeDevice(t)
	logger := logging.NewTestLogger(t)
	tr, err := tracker.New(
		New(Config{Path: "/dev/ttyTRK0"}, logger),
		pulse.NewScheduler(clock.NewMock()),
		logger,
		tracker.Options{Name: "serial"},
	)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, tr.Open(ctx), test.ShouldBeNil)
	test.That(t, tr.Initialize(ctx), test.ShouldBeNil)
	test.That(t, tr.StartTracking(ctx), test.ShouldBeNil)
	test.That(t, tr.UpdateStatus(ctx), test.ShouldBeNil)

	pose, err := tr.ToolTransform(0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Translation(), test.ShouldResemble, r3.Vector{X: 1.5, Y: 2, Z: 3})
	visible, err := tr.ToolVisible(1, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, visible, test.ShouldBeFalse)

	test.That(t, tr.Close(ctx), test.ShouldBeNil)
	test.That(t, tr.State(), test.ShouldEqual, tracker.Idle)
}

// slowDevice answers only the requests it has replies for. Reads with nothing pending return no
// data and no error, like a serial port whose read timeout expired.
type slowDevice struct {
	mu      sync.Mutex
	replies map[string]string
	pending bytes.Buffer
	reads   int
}

func newSlowDevice() *slowDevice {
	return &slowDevice{replies: map[string]string{
		cmdOpen:  "OK",
		cmdInit:  "OK a=pointer",
		cmdStart: "OK",
		cmdStop:  "ERROR busy",
		cmdClose: "OK",
	}}
}

func (d *slowDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if reply, ok := d.replies[line]; ok {
			d.pending.WriteString(reply + "\n")
		}
	}
	return len(p), nil
}

func (d *slowDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.pending.Len() == 0 {
		return 0, nil
	}
	return d.pending.Read(p)
}

func (d *slowDevice) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.Reset()
	return nil
}

func (d *slowDevice) Close() error { return nil }

// deliver queues a reply as if the device had sent it late.
func (d *slowDevice) deliver(reply string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.WriteString(reply + "\n")
}

func (d *slowDevice) setReply(cmd, reply string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[cmd] = reply
}

func (d *slowDevice) readCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func TestMissingReplyTimesOut(t *testing.T) {
	ctx := context.Background()
	dev := newSlowDevice()
	useDevice(t, dev)
	a := New(Config{Path: "/dev/ttyTRK0"}, logging.NewTestLogger(t))
	test.That(t, a.Open(ctx), test.ShouldBeNil)

	before := dev.readCount()
	_, err := a.FetchFrame(ctx)
	test.That(t, errors.Is(err, serial.ErrReadTimeout), test.ShouldBeTrue)
	test.That(t, dev.readCount()-before, test.ShouldEqual, 1)

	// The late frame must not be taken as the answer to the next request.
	dev.deliver("OK 0 0 0 0 0 1 7 7 7 0 V")
	err = a.StopTracking(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "busy")
}

func TestTrackerSurvivesMissingReply(t *testing.T) {
	ctx := context.Background()
	dev := newSlowDevice()
	useDevice(t, dev)
	logger := logging.NewTestLogger(t)
	tr, err := tracker.New(
		New(Config{Path: "/dev/ttyTRK0"}, logger),
		pulse.NewScheduler(clock.NewMock()),
		logger,
		tracker.Options{Name: "serial"},
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Open(ctx), test.ShouldBeNil)
	test.That(t, tr.Initialize(ctx), test.ShouldBeNil)
	test.That(t, tr.StartTracking(ctx), test.ShouldBeNil)

	err = tr.UpdateStatus(ctx)
	var opErr *tracker.OperationError
	test.That(t, errors.As(err, &opErr), test.ShouldBeTrue)
	test.That(t, errors.Is(err, serial.ErrReadTimeout), test.ShouldBeTrue)
	test.That(t, tr.State(), test.ShouldEqual, tracker.Tracking)

	dev.setReply(cmdTransforms, "OK 0 0 0 0 0 1 4 5 6 0 V")
	test.That(t, tr.UpdateStatus(ctx), test.ShouldBeNil)
	pose, err := tr.ToolTransform(0, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.Translation(), test.ShouldResemble, r3.Vector{X: 4, Y: 5, Z: 6})
}
