// Package fake implements a scriptable tracker.Adapter for tests and demos.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/igtkit/igtk/tracker"
)

// Op names an adapter call.
type Op string

// The adapter calls that can be counted or made to fail.
const (
	OpOpen            Op = "open"
	OpClose           Op = "close"
	OpActivateTools   Op = "activate_tools"
	OpDeactivateTools Op = "deactivate_tools"
	OpStartTracking   Op = "start_tracking"
	OpStopTracking    Op = "stop_tracking"
	OpReset           Op = "reset"
	OpFetchFrame      Op = "fetch_frame"
)

var allOps = []Op{
	OpOpen, OpClose, OpActivateTools, OpDeactivateTools,
	OpStartTracking, OpStopTracking, OpReset, OpFetchFrame,
}

// PortConfig describes one simulated port.
type PortConfig struct {
	Name  string   `json:"name"`
	Tools []string `json:"tools"`
}

// Config describes a simulated device. Every tool starts at the origin and moves by Step per
// frame.
type Config struct {
	Ports []PortConfig `json:"ports"`
	Step  [3]float64   `json:"step"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	for i, p := range cfg.Ports {
		if len(p.Tools) == 0 {
			return errors.Errorf("%s.ports.%d: port needs at least one tool", path, i)
		}
	}
	return nil
}

// Script produces the samples of the frame with the given index. Frame indices count successful
// fetches from zero.
type Script func(frame int) []tracker.Sample

type hidden struct {
	handle   tracker.ToolHandle
	from, to int
}

// Adapter is a simulated tracking device.
type Adapter struct {
	mu       sync.Mutex
	ports    []tracker.PortDescription
	script   Script
	hidden   []hidden
	failures map[Op]error
	panics   map[Op]any
	frame    int

	calls map[Op]*atomic.Int64
}

// New returns an adapter hosting the given ports. Without a script every tool reports the identity
// pose in every frame.
func New(ports ...tracker.PortDescription) *Adapter {
	if len(ports) == 0 {
		ports = []tracker.PortDescription{{Name: "port0", Tools: []tracker.ToolDescription{{Name: "tool0"}}}}
	}
	a := &Adapter{
		ports:    ports,
		failures: map[Op]error{},
		panics:   map[Op]any{},
		calls:    map[Op]*atomic.Int64{},
	}
	for _, op := range allOps {
		a.calls[op] = atomic.NewInt64(0)
	}
	a.script = a.linear([3]float64{})
	return a
}

// NewFromConfig returns an adapter simulating the device described by cfg.
func NewFromConfig(cfg Config) *Adapter {
	ports := make([]tracker.PortDescription, 0, len(cfg.Ports))
	for _, p := range cfg.Ports {
		pd := tracker.PortDescription{Name: p.Name}
		for _, name := range p.Tools {
			pd.Tools = append(pd.Tools, tracker.ToolDescription{Name: name})
		}
		ports = append(ports, pd)
	}
	a := New(ports...)
	a.script = a.linear(cfg.Step)
	return a
}

// linear moves every tool by step per frame with no rotation.
func (a *Adapter) linear(step [3]float64) Script {
	return func(frame int) []tracker.Sample {
		f := float64(frame)
		var samples []tracker.Sample
		for pi, p := range a.ports {
			for ti := range p.Tools {
				samples = append(samples, tracker.Sample{
					Port:        pi,
					Tool:        ti,
					Quaternion:  [4]float64{0, 0, 0, 1},
					Translation: [3]float64{step[0] * f, step[1] * f, step[2] * f},
					InView:      true,
					Enabled:     true,
				})
			}
		}
		return samples
	}
}

// SetPorts replaces the ports reported by the next ActivateTools.
func (a *Adapter) SetPorts(ports ...tracker.PortDescription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ports = ports
}

// SetScript replaces the frame script.
func (a *Adapter) SetScript(script Script) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = script
}

// HideTool makes a tool report out of view for frames from through to, inclusive.
func (a *Adapter) HideTool(port, tool, from, to int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hidden = append(a.hidden, hidden{handle: tracker.ToolHandle{Port: port, Tool: tool}, from: from, to: to})
}

// Fail makes every later call of op return err. A nil err makes op succeed again.
func (a *Adapter) Fail(op Op, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, op)
		return
	}
	a.failures[op] = err
}

// Panic makes the next call of op panic with value.
func (a *Adapter) Panic(op Op, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.panics[op] = value
}

// Calls returns how many times op was called.
func (a *Adapter) Calls(op Op) int64 {
	return a.calls[op].Load()
}

// Frames returns how many frames were fetched successfully.
func (a *Adapter) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frame
}

func (a *Adapter) call(op Op) error {
	a.calls[op].Inc()
	a.mu.Lock()
	value, shouldPanic := a.panics[op]
	delete(a.panics, op)
	err := a.failures[op]
	a.mu.Unlock()
	if shouldPanic {
		panic(value)
	}
	if err != nil {
		return errors.Wrapf(err, "fake %s", op)
	}
	return nil
}

// Open implements tracker.Adapter.
func (a *Adapter) Open(ctx context.Context) error {
	return a.call(OpOpen)
}

// Close implements tracker.Adapter.
func (a *Adapter) Close(ctx context.Context) error {
	return a.call(OpClose)
}

// ActivateTools implements tracker.Adapter.
func (a *Adapter) ActivateTools(ctx context.Context) ([]tracker.PortDescription, error) {
	if err := a.call(OpActivateTools); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ports := make([]tracker.PortDescription, len(a.ports))
	copy(ports, a.ports)
	return ports, nil
}

// DeactivateTools implements tracker.Adapter.
func (a *Adapter) DeactivateTools(ctx context.Context) error {
	return a.call(OpDeactivateTools)
}

// StartTracking implements tracker.Adapter.
func (a *Adapter) StartTracking(ctx context.Context) error {
	return a.call(OpStartTracking)
}

// StopTracking implements tracker.Adapter.
func (a *Adapter) StopTracking(ctx context.Context) error {
	return a.call(OpStopTracking)
}

// Reset implements tracker.Adapter.
func (a *Adapter) Reset(ctx context.Context) error {
	return a.call(OpReset)
}

// FetchFrame implements tracker.Adapter.
func (a *Adapter) FetchFrame(ctx context.Context) (tracker.Frame, error) {
	if err := a.call(OpFetchFrame); err != nil {
		return tracker.Frame{}, err
	}
	if err := ctx.Err(); err != nil {
		return tracker.Frame{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	frame := a.frame
	a.frame++
	samples := a.script(frame)
	for i, s := range samples {
		h := tracker.ToolHandle{Port: s.Port, Tool: s.Tool}
		for _, hd := range a.hidden {
			if hd.handle == h && frame >= hd.from && frame <= hd.to {
				samples[i].InView = false
			}
		}
	}
	return tracker.Frame{Samples: samples}, nil
}
