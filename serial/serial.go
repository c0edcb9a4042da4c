// Package serial provides utilities for opening and configuring serial based tracking devices.
package serial

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	ser "go.bug.st/serial"
	"go.uber.org/multierr"
)

// ErrReadTimeout is returned by reads that ended without any data because the port's read
// timeout expired.
var ErrReadTimeout = errors.New("serial read timed out")

// Defaults applied by Options.Normalize.
const (
	DefaultBaudRate    = 115200
	DefaultDataBits    = 8
	DefaultReadTimeout = 500 * time.Millisecond
)

// Options to be passed to Open(), closely mirrors go.bug.st/serial.Mode.
type Options struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
	// ReadTimeoutMs bounds every read. A device that does not answer within it is treated as
	// having failed the request.
	ReadTimeoutMs int `json:"read_timeout_ms"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o Options) Normalize() (Options, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.DataBits == 0 {
		opts.DataBits = DefaultDataBits
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, errors.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, errors.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	if opts.ReadTimeoutMs < 0 {
		return opts, errors.Errorf("invalid read timeout %dms", opts.ReadTimeoutMs)
	}
	if opts.ReadTimeoutMs == 0 {
		opts.ReadTimeoutMs = int(DefaultReadTimeout / time.Millisecond)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, errors.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// ReadTimeout returns the read timeout as a duration.
func (o Options) ReadTimeout() time.Duration {
	return time.Duration(o.ReadTimeoutMs) * time.Millisecond
}

// Mode converts the options into the mode go.bug.st/serial opens a port with.
func (o Options) Mode() (*ser.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &ser.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: ser.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = ser.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = ser.EvenParity
	case "O":
		mode.Parity = ser.OddParity
	default:
		mode.Parity = ser.NoParity
	}
	return mode, nil
}

var openPort = ser.Open

// Open attempts to open a serial device on the given path. It's a variable
// in case you need to override it during tests.
var Open = func(devicePath string, options Options) (io.ReadWriteCloser, error) {
	opts, err := options.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}

	device, err := openPort(devicePath, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial device %q", devicePath)
	}
	if err := device.SetReadTimeout(opts.ReadTimeout()); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "setting read timeout"), device.Close())
	}
	return device, nil
}

// SetOptions to change the configuration of a serial port already open.
var SetOptions = func(b io.ReadWriteCloser, options Options) error {
	mode, err := options.Mode()
	if err != nil {
		return err
	}
	p, ok := b.(ser.Port)
	if !ok {
		return errors.New("couldn't convert to underlying Port interface")
	}
	return p.SetMode(mode)
}

// ListPorts returns the serial ports present on the system. It's a variable in case you need to
// override it during tests.
var ListPorts = func() ([]string, error) {
	return ser.GetPortsList()
}

// TimeoutReader returns a reader that reports ErrReadTimeout where r returns no data and no error.
// go.bug.st/serial ports signal an expired read timeout that way.
func TimeoutReader(r io.Reader) io.Reader {
	return timeoutReader{r}
}

type timeoutReader struct {
	r io.Reader
}

func (tr timeoutReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrReadTimeout
	}
	return n, err
}

// ResetInput discards bytes the device sent that have not been read yet. Ports that cannot do so
// are left untouched.
func ResetInput(port io.ReadWriteCloser) error {
	if p, ok := port.(interface{ ResetInputBuffer() error }); ok {
		return p.ResetInputBuffer()
	}
	return nil
}
