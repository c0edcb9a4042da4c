// Package serialtracker implements a tracker.Adapter for devices speaking a line based ASCII
// protocol over a serial port.
//
// Every request is one line and every reply is one line, either "OK" followed by an optional
// payload or "ERROR" followed by a message. INIT replies with the ports and their tools as
// "name=tool,tool" groups separated by spaces. TX replies with one group per tool, separated by
// semicolons:
//
//	port tool qx qy qz qw tx ty tz err flag
//
// where flag is V (visible), M (missing, out of view) or D (disabled).
//
// A request whose reply does not arrive within the port's read timeout fails. Input still pending
// when the next request is sent, such as a late reply, is discarded first.
package serialtracker

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/igtkit/igtk/logging"
	"github.com/igtkit/igtk/serial"
	"github.com/igtkit/igtk/tracker"
)

// The requests understood by the device.
const (
	cmdOpen       = "OPEN"
	cmdInit       = "INIT"
	cmdDeinit     = "DEINIT"
	cmdStart      = "TSTART"
	cmdStop       = "TSTOP"
	cmdReset      = "RESET"
	cmdClose      = "CLOSE"
	cmdTransforms = "TX"
)

// ErrNotOpen is returned by requests made before Open or after Close.
var ErrNotOpen = errors.New("serial tracker is not open")

// Config describes how to reach the device.
type Config struct {
	Path   string         `json:"path"`
	Serial serial.Options `json:"serial"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Path == "" {
		return errors.Errorf("%s.path: serial device path is required", path)
	}
	if _, err := cfg.Serial.Normalize(); err != nil {
		return errors.Wrapf(err, "%s.serial", path)
	}
	return nil
}

// Adapter talks to a serial tracking device.
type Adapter struct {
	cfg    Config
	logger logging.Logger

	mu     sync.Mutex
	port   io.ReadWriteCloser
	reader *bufio.Reader
}

// New returns an adapter for the device described by cfg. The port is opened by Open.
func New(cfg Config, logger logging.Logger) *Adapter {
	return &Adapter{cfg: cfg, logger: logger}
}

// Open implements tracker.Adapter.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	if a.port == nil {
		port, err := serial.Open(a.cfg.Path, a.cfg.Serial)
		if err != nil {
			a.mu.Unlock()
			return err
		}
		a.port = port
		a.reader = bufio.NewReader(serial.TimeoutReader(port))
	}
	a.mu.Unlock()

	if _, err := a.command(ctx, cmdOpen); err != nil {
		return multierr.Combine(err, a.closePort())
	}
	return nil
}

// Close implements tracker.Adapter. The port is closed even if the device rejects the request.
func (a *Adapter) Close(ctx context.Context) error {
	_, err := a.command(ctx, cmdClose)
	return multierr.Combine(err, a.closePort())
}

func (a *Adapter) closePort() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	a.reader = nil
	return err
}

// ActivateTools implements tracker.Adapter.
func (a *Adapter) ActivateTools(ctx context.Context) ([]tracker.PortDescription, error) {
	payload, err := a.command(ctx, cmdInit)
	if err != nil {
		return nil, err
	}
	return parsePorts(payload)
}

// DeactivateTools implements tracker.Adapter.
func (a *Adapter) DeactivateTools(ctx context.Context) error {
	_, err := a.command(ctx, cmdDeinit)
	return err
}

// StartTracking implements tracker.Adapter.
func (a *Adapter) StartTracking(ctx context.Context) error {
	_, err := a.command(ctx, cmdStart)
	return err
}

// StopTracking implements tracker.Adapter.
func (a *Adapter) StopTracking(ctx context.Context) error {
	_, err := a.command(ctx, cmdStop)
	return err
}

// Reset implements tracker.Adapter.
func (a *Adapter) Reset(ctx context.Context) error {
	_, err := a.command(ctx, cmdReset)
	return err
}

// FetchFrame implements tracker.Adapter.
func (a *Adapter) FetchFrame(ctx context.Context) (tracker.Frame, error) {
	payload, err := a.command(ctx, cmdTransforms)
	if err != nil {
		return tracker.Frame{}, err
	}
	return parseFrame(payload)
}

// command sends one request and waits for its reply. It returns the payload of an OK reply.
func (a *Adapter) command(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return "", errors.Wrap(ErrNotOpen, cmd)
	}

	if err := serial.ResetInput(a.port); err != nil {
		return "", errors.Wrapf(err, "discarding input before %s", cmd)
	}
	a.reader.Reset(serial.TimeoutReader(a.port))

	if _, err := io.WriteString(a.port, cmd+"\n"); err != nil {
		return "", errors.Wrapf(err, "writing %s", cmd)
	}
	line, err := a.reader.ReadString('\n')
	if err != nil {
		return "", errors.Wrapf(err, "reading reply to %s", cmd)
	}
	line = strings.TrimSpace(line)
	a.logger.Debugw("serial tracker reply", "command", cmd, "reply", line)

	status, payload, _ := strings.Cut(line, " ")
	switch status {
	case "OK":
		return strings.TrimSpace(payload), nil
	case "ERROR":
		return "", errors.Errorf("device rejected %s: %s", cmd, strings.TrimSpace(payload))
	default:
		return "", errors.Errorf("unexpected reply to %s: %q", cmd, line)
	}
}

// parsePorts parses an INIT payload such as "a=pointer b=reference,stylus".
func parsePorts(payload string) ([]tracker.PortDescription, error) {
	var ports []tracker.PortDescription
	for _, group := range strings.Fields(payload) {
		name, tools, ok := strings.Cut(group, "=")
		if !ok || name == "" || tools == "" {
			return nil, errors.Errorf("malformed port description %q", group)
		}
		pd := tracker.PortDescription{Name: name}
		for _, tool := range strings.Split(tools, ",") {
			pd.Tools = append(pd.Tools, tracker.ToolDescription{Name: tool})
		}
		ports = append(ports, pd)
	}
	if len(ports) == 0 {
		return nil, errors.New("device reported no ports")
	}
	return ports, nil
}

// parseFrame parses a TX payload.
func parseFrame(payload string) (tracker.Frame, error) {
	var frame tracker.Frame
	for _, group := range strings.Split(payload, ";") {
		fields := strings.Fields(group)
		if len(fields) == 0 {
			continue
		}
		sample, err := parseSample(fields)
		if err != nil {
			return tracker.Frame{}, errors.Wrapf(err, "parsing %q", strings.TrimSpace(group))
		}
		frame.Samples = append(frame.Samples, sample)
	}
	return frame, nil
}

func parseSample(fields []string) (tracker.Sample, error) {
	if len(fields) != 11 {
		return tracker.Sample{}, errors.Errorf("expected 11 fields, got %d", len(fields))
	}
	var s tracker.Sample
	var err error
	if s.Port, err = strconv.Atoi(fields[0]); err != nil {
		return s, errors.Wrap(err, "port")
	}
	if s.Tool, err = strconv.Atoi(fields[1]); err != nil {
		return s, errors.Wrap(err, "tool")
	}
	var values [8]float64
	for i := range values {
		if values[i], err = strconv.ParseFloat(fields[2+i], 64); err != nil {
			return s, errors.Wrapf(err, "value %d", i)
		}
	}
	copy(s.Quaternion[:], values[0:4])
	copy(s.Translation[:], values[4:7])
	s.Error = values[7]

	switch fields[10] {
	case "V":
		s.Enabled, s.InView = true, true
	case "M":
		s.Enabled = true
	case "D":
	default:
		return s, errors.Errorf("unknown flag %q", fields[10])
	}
	return s, nil
}
