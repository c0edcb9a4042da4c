package serial

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	ser "go.bug.st/serial"
	"go.viam.com/test"
)

func TestNormalize(t *testing.T) {
	opts, err := Options{}.Normalize()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts, test.ShouldResemble, Options{
		BaudRate:      DefaultBaudRate,
		DataBits:      8,
		StopBits:      1,
		Parity:        "N",
		ReadTimeoutMs: 500,
	})
	test.That(t, opts.ReadTimeout(), test.ShouldEqual, DefaultReadTimeout)

	opts, err = Options{BaudRate: 9600, Parity: " even ", StopBits: 2}.Normalize()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.Parity, test.ShouldEqual, "E")
	test.That(t, opts.BaudRate, test.ShouldEqual, 9600)

	for _, bad := range []Options{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
		{ReadTimeoutMs: -1},
	} {
		_, err := bad.Normalize()
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestMode(t *testing.T) {
	mode, err := Options{BaudRate: 57600, Parity: "O", StopBits: 2}.Mode()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mode.BaudRate, test.ShouldEqual, 57600)
	test.That(t, mode.DataBits, test.ShouldEqual, 8)
	test.That(t, mode.Parity, test.ShouldEqual, ser.OddParity)
	test.That(t, mode.StopBits, test.ShouldEqual, ser.TwoStopBits)

	_, err = Options{Parity: "x"}.Mode()
	test.That(t, err, test.ShouldNotBeNil)
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error { return nil }

func TestSetOptionsNeedsAPort(t *testing.T) {
	err := SetOptions(nopCloser{&bytes.Buffer{}}, Options{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "Port interface")
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open("/dev/does-not-exist", Options{ReadTimeoutMs: int(time.Second / time.Millisecond)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "/dev/does-not-exist")
}

type timeoutFailingPort struct {
	ser.Port
	closed bool
}

func (p *timeoutFailingPort) SetReadTimeout(time.Duration) error {
	return errors.New("ioctl failed")
}

func (p *timeoutFailingPort) Close() error {
	p.closed = true
	return nil
}

func TestOpenClosesPortOnSetupFailure(t *testing.T) {
	port := &timeoutFailingPort{}
	prev := openPort
	openPort = func(string, *ser.Mode) (ser.Port, error) { return port, nil }
	defer func() { openPort = prev }()

	_, err := Open("/dev/ttyTRK0", Options{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "ioctl failed")
	test.That(t, port.closed, test.ShouldBeTrue)
}

// emptyReads returns no data and no error, like a serial port whose read timeout expired.
type emptyReads struct{}

func (emptyReads) Read([]byte) (int, error) { return 0, nil }

func TestTimeoutReader(t *testing.T) {
	buf := make([]byte, 8)
	_, err := TimeoutReader(emptyReads{}).Read(buf)
	test.That(t, errors.Is(err, ErrReadTimeout), test.ShouldBeTrue)

	n, err := TimeoutReader(bytes.NewBufferString("OK\n")).Read(buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(buf[:n]), test.ShouldEqual, "OK\n")

	_, err = TimeoutReader(&bytes.Buffer{}).Read(buf)
	test.That(t, err, test.ShouldEqual, io.EOF)
}

type resettable struct {
	nopCloser
	resets int
}

func (r *resettable) ResetInputBuffer() error {
	r.resets++
	return nil
}

func TestResetInput(t *testing.T) {
	port := &resettable{nopCloser: nopCloser{&bytes.Buffer{}}}
	test.That(t, ResetInput(port), test.ShouldBeNil)
	test.That(t, port.resets, test.ShouldEqual, 1)
	test.That(t, ResetInput(nopCloser{&bytes.Buffer{}}), test.ShouldBeNil)
}
