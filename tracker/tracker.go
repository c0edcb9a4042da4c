// Package tracker implements the lifecycle and polling of an optical or electromagnetic tool
// tracker.
//
// A Tracker moves through communication, tool activation and tracking by way of a table driven
// state machine. Every lifecycle request is synchronous: when Open, Initialize, StartTracking,
// StopTracking, Reset or Close returns, the request has either reached its target state or fallen
// back, and no intermediate state is ever visible to callers. The device specific calls are made
// through an Adapter.
//
// While tracking, a pulse generator periodically triggers UpdateStatus. Raw poses are fetched
// from the adapter into a buffer, either on the calling goroutine or, with threading enabled, on
// a worker goroutine, and then interpreted into per-tool transforms. ToolTransform returns the
// pose of a tool in patient coordinates, relative to an optional reference tool.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/igtkit/igtk/internal/fsm"
	"github.com/igtkit/igtk/logging"
	"github.com/igtkit/igtk/pulse"
	"github.com/igtkit/igtk/spatialmath"
	"github.com/igtkit/igtk/utils"
)

// Options configure a Tracker.
type Options struct {
	// Name identifies the tracker in logs and names its pulse generator.
	Name string
	// Frequency is the polling frequency in Hz. Zero means pulse.DefaultFrequency.
	Frequency float64
	// ThreadingEnabled fetches frames on a worker goroutine instead of on the goroutine calling
	// UpdateStatus.
	ThreadingEnabled bool
	// ValidityPeriod is how long a sampled pose stays valid. Zero means twice the polling period;
	// a negative value makes samples valid forever.
	ValidityPeriod time.Duration
}

type referenceTool struct {
	apply  bool
	handle ToolHandle
}

// Tracker drives one tracking device through its lifecycle and keeps the latest pose of each of
// its tools. All methods are safe for concurrent use.
type Tracker struct {
	name      string
	sessionID uuid.UUID
	logger    logging.Logger
	adapter   Adapter
	clock     clock.Clock
	generator *pulse.Generator

	// mu guards everything up to buffer. Lifecycle requests hold it for their whole duration.
	mu      sync.RWMutex
	machine *fsm.Machine[State, input]
	// ctx, failure, result and deferred describe the request being processed.
	ctx      context.Context
	failure  *OperationError
	result   error
	deferred []func()

	ports            []*port
	threadingEnabled bool
	validityPeriod   time.Duration
	reference        referenceTool
	patient          spatialmath.Transform
	calibration      spatialmath.Transform
	worker           *utils.StoppableWorkers
	lastConsumed     uint64

	buffer rawBuffer

	subMu       sync.Mutex
	subscribers []subscriber
	nextSubID   int
}

// New returns an Idle tracker that talks to the device through adapter and polls on a generator
// registered with scheduler. A nil logger means the global one.
func New(adapter Adapter, scheduler *pulse.Scheduler, logger logging.Logger, opts Options) (*Tracker, error) {
	if adapter == nil {
		return nil, errors.New("tracker needs an adapter")
	}
	if scheduler == nil {
		return nil, errors.New("tracker needs a pulse scheduler")
	}
	if opts.Name == "" {
		opts.Name = "tracker"
	}
	if logger == nil {
		logger = logging.Global()
	}

	t := &Tracker{
		name:             opts.Name,
		sessionID:        uuid.New(),
		logger:           logger.Sublogger(opts.Name),
		adapter:          adapter,
		clock:            scheduler.Clock(),
		threadingEnabled: opts.ThreadingEnabled,
		validityPeriod:   opts.ValidityPeriod,
		patient:          spatialmath.NewIdentityTransform(),
		calibration:      spatialmath.NewIdentityTransform(),
	}
	t.generator = scheduler.NewGenerator(opts.Name, t.onPulse)
	if opts.Frequency != 0 {
		if err := t.generator.SetFrequency(opts.Frequency); err != nil {
			scheduler.Remove(t.generator)
			return nil, err
		}
	}

	machine, err := t.newMachine()
	if err != nil {
		scheduler.Remove(t.generator)
		return nil, err
	}
	t.machine = machine
	return t, nil
}

func (t *Tracker) newMachine() (*fsm.Machine[State, input], error) {
	m := fsm.New[State, input](Idle)

	var err error
	add := func(from State, in input, to State, action func()) {
		err = multierr.Append(err, m.AddTransition(from, in, to, action))
	}

	add(Idle, inputEstablishCommunication, AttemptingToEstablishCommunication, t.attemptToOpen)
	add(AttemptingToEstablishCommunication, inputSuccess, CommunicationEstablished, t.succeeded("open"))
	add(AttemptingToEstablishCommunication, inputFailure, Idle, t.failed)

	add(CommunicationEstablished, inputActivateTools, AttemptingToActivateTools, t.attemptToActivateTools)
	add(AttemptingToActivateTools, inputSuccess, ToolsActive, t.succeeded("initialize"))
	add(AttemptingToActivateTools, inputFailure, CommunicationEstablished, t.failed)

	add(ToolsActive, inputStartTracking, AttemptingToTrack, t.attemptToStartTracking)
	add(AttemptingToTrack, inputSuccess, Tracking, func() {
		t.succeeded("start tracking")()
		t.startPolling()
	})
	add(AttemptingToTrack, inputFailure, ToolsActive, t.failed)

	add(Tracking, inputUpdateStatus, Tracking, t.updateStatus)
	add(Tracking, inputReset, Tracking, t.attemptToReset)

	add(Tracking, inputStopTracking, AttemptingToStopTracking, t.attemptToStopTracking)
	add(AttemptingToStopTracking, inputSuccess, ToolsActive, t.succeeded("stop tracking"))
	add(AttemptingToStopTracking, inputFailure, Tracking, func() {
		t.failed()
		t.startPolling()
	})

	for _, from := range []State{Tracking, ToolsActive, CommunicationEstablished} {
		add(from, inputCloseCommunication, AttemptingToClose, t.attemptToClose(from))
	}
	add(AttemptingToClose, inputSuccess, Idle, t.succeeded("close"))
	add(AttemptingToClose, inputFailure, CommunicationEstablished, t.failed)

	m.OnInvalidInput(func(state State, in input) {
		reqErr := newInvalidRequestError(in, state)
		t.logger.Warnw("invalid tracker request", "request", in.String(), "state", state.String())
		t.result = reqErr
		t.emit(Event{Kind: EventInvalidRequest, State: state, Err: reqErr})
	})
	m.OnTransition(func(from, to State, in input) {
		if from != to {
			t.logger.Debugw("tracker state transition", "from", from.String(), "to", to.String(), "input", in.String())
		}
	})
	return m, err
}

// request runs one lifecycle input to completion and then delivers the events it produced.
func (t *Tracker) request(ctx context.Context, in input) error {
	t.mu.Lock()
	before := t.machine.State()
	t.ctx = ctx
	t.result = nil
	t.machine.Push(in)
	t.machine.Process()
	after := t.machine.State()
	result := t.result
	deferred := t.deferred
	t.ctx = nil
	t.result = nil
	t.deferred = nil
	t.mu.Unlock()

	if after != before {
		deferred = append(deferred, func() { t.dispatch(Event{Kind: EventStateChanged, State: after}) })
	}
	for _, fn := range deferred {
		fn()
	}
	return result
}

// Open establishes communication with the device. Valid in Idle.
func (t *Tracker) Open(ctx context.Context) error {
	return t.request(ctx, inputEstablishCommunication)
}

// Initialize activates the tools and builds the port list. Valid in CommunicationEstablished.
func (t *Tracker) Initialize(ctx context.Context) error {
	return t.request(ctx, inputActivateTools)
}

// StartTracking starts tracking and arms polling. Valid in ToolsActive.
func (t *Tracker) StartTracking(ctx context.Context) error {
	return t.request(ctx, inputStartTracking)
}

// UpdateStatus runs one poll cycle. It is normally triggered by the pulse generator. Valid in
// Tracking. A failed fetch returns an *OperationError and leaves the tracker tracking.
func (t *Tracker) UpdateStatus(ctx context.Context) error {
	return t.request(ctx, inputUpdateStatus)
}

// Reset resets the device without leaving Tracking. Buffered poses are discarded.
func (t *Tracker) Reset(ctx context.Context) error {
	return t.request(ctx, inputReset)
}

// StopTracking disarms polling and stops tracking. Valid in Tracking.
func (t *Tracker) StopTracking(ctx context.Context) error {
	return t.request(ctx, inputStopTracking)
}

// Close stops tracking and deactivates the tools as needed, then closes communication. The port
// list is cleared whether or not closing succeeds. Valid in CommunicationEstablished,
// ToolsActive and Tracking.
func (t *Tracker) Close(ctx context.Context) error {
	return t.request(ctx, inputCloseCommunication)
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.machine.State()
}

// Name returns the tracker's name.
func (t *Tracker) Name() string {
	return t.name
}

// SessionID identifies this tracker instance in logs.
func (t *Tracker) SessionID() uuid.UUID {
	return t.sessionID
}

// callHook calls an adapter lifecycle method, turning a panic into an error and logging calls
// that take a long time.
func (t *Tracker) callHook(op string, hook func(context.Context) error) (err error) {
	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	stopSlowLogger := utils.SlowLogger(ctx, t.clock, "waiting for tracker hardware", "operation", op, t.logger)
	defer stopSlowLogger()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("adapter panicked during %s: %v", op, r)
		}
	}()
	return hook(ctx)
}

// finish pushes the outcome of an attempt onto the state machine.
func (t *Tracker) finish(op string, err error) {
	if err != nil {
		t.failure = &OperationError{Op: op, Err: err}
		t.machine.Push(inputFailure)
		return
	}
	t.machine.Push(inputSuccess)
}

func (t *Tracker) succeeded(op string) func() {
	return func() {
		t.logger.Debugw("tracker operation succeeded", "operation", op, "state", t.machine.State().String())
	}
}

// failed runs once the machine has fallen back from an attempt.
func (t *Tracker) failed() {
	opErr := t.failure
	t.failure = nil
	if opErr == nil {
		opErr = &OperationError{Op: "unknown", Err: errors.New("operation failed")}
	}
	opErr.State = t.machine.State()
	t.logger.Errorw("tracker operation failed", "operation", opErr.Op, "state", opErr.State.String(), "error", opErr.Err)
	t.result = opErr
	t.emit(Event{Kind: EventOperationFailed, State: opErr.State, Err: opErr})
}

func (t *Tracker) attemptToOpen() {
	t.logger.Infow("opening tracker", "session", t.sessionID.String())
	t.finish("open", t.callHook("open", t.adapter.Open))
}

func (t *Tracker) attemptToActivateTools() {
	var descriptions []PortDescription
	err := t.callHook("initialize", func(ctx context.Context) error {
		var err error
		descriptions, err = t.adapter.ActivateTools(ctx)
		return err
	})
	var ports []*port
	if err == nil {
		ports, err = buildPorts(descriptions)
		if err != nil {
			err = multierr.Append(err, t.callHook("deactivate tools", t.adapter.DeactivateTools))
		}
	}
	if err != nil {
		t.ports = nil
		t.buffer.reset(nil)
		t.finish("initialize", err)
		return
	}
	t.ports = ports
	t.buffer.reset(t.handlesLocked())
	t.lastConsumed = t.buffer.latest().cycle
	t.logger.Infow("tools activated", "ports", len(ports), "tools", len(t.handlesLocked()))
	t.finish("initialize", nil)
}

func (t *Tracker) attemptToStartTracking() {
	t.finish("start tracking", t.callHook("start tracking", t.adapter.StartTracking))
}

func (t *Tracker) attemptToStopTracking() {
	t.stopPolling()
	t.finish("stop tracking", t.callHook("stop tracking", t.adapter.StopTracking))
}

// attemptToReset stays in Tracking whatever the outcome, so a failure is reported directly.
func (t *Tracker) attemptToReset() {
	t.stopWorker()
	err := t.callHook("reset", t.adapter.Reset)
	t.buffer.reset(t.handlesLocked())
	t.lastConsumed = t.buffer.latest().cycle
	t.startWorker()
	if err != nil {
		t.failure = &OperationError{Op: "reset", Err: err}
		t.failed()
		return
	}
	t.logger.Infow("tracker reset")
}

// attemptToClose returns the close action for the given starting state. Each step of the cascade
// runs even if an earlier one failed.
func (t *Tracker) attemptToClose(from State) func() {
	return func() {
		var err error
		if from == Tracking {
			t.stopPolling()
			err = multierr.Append(err, t.callHook("stop tracking", t.adapter.StopTracking))
		}
		if from == Tracking || from == ToolsActive {
			err = multierr.Append(err, t.callHook("deactivate tools", t.adapter.DeactivateTools))
		}
		err = multierr.Append(err, t.callHook("close", t.adapter.Close))
		t.ports = nil
		t.buffer.reset(nil)
		t.finish("close", err)
	}
}

func (t *Tracker) startPolling() {
	t.generator.Start()
	t.startWorker()
}

func (t *Tracker) stopPolling() {
	t.generator.Stop()
	t.stopWorker()
}

// startWorker starts the fetch goroutine when threading is enabled.
func (t *Tracker) startWorker() {
	if !t.threadingEnabled || t.worker != nil {
		return
	}
	period := t.generator.Period()
	t.worker = utils.NewStoppableWorkers(func(ctx context.Context) {
		utils.RunOnTicker(ctx, t.clock, period, func(ctx context.Context) {
			t.threadedUpdateStatus(ctx)
		})
	})
}

func (t *Tracker) stopWorker() {
	if t.worker == nil {
		return
	}
	t.worker.Stop()
	t.worker = nil
}

func (t *Tracker) onPulse() {
	if t.State() != Tracking {
		return
	}
	// Failures are logged and reported to subscribers by UpdateStatus.
	_ = t.UpdateStatus(context.Background())
}

// SetThreadingEnabled chooses whether frames are fetched on a worker goroutine. It cannot be
// changed while tracking.
func (t *Tracker) SetThreadingEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state := t.machine.State(); state == Tracking {
		return errors.Wrapf(ErrInvalidRequest, "threading cannot be changed while %s", state)
	}
	t.threadingEnabled = enabled
	return nil
}

// ThreadingEnabled reports whether frames are fetched on a worker goroutine.
func (t *Tracker) ThreadingEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.threadingEnabled
}

// SetFrequency changes the polling frequency. It takes effect at the next pulse.
func (t *Tracker) SetFrequency(hz float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.generator.SetFrequency(hz); err != nil {
		return err
	}
	if t.worker != nil {
		t.stopWorker()
		t.startWorker()
	}
	return nil
}

// Frequency returns the polling frequency in Hz.
func (t *Tracker) Frequency() float64 {
	return t.generator.Frequency()
}

// validityLocked is how long a freshly sampled pose stays valid. Zero means forever.
func (t *Tracker) validityLocked() time.Duration {
	switch {
	case t.validityPeriod < 0:
		return 0
	case t.validityPeriod == 0:
		return 2 * t.generator.Period()
	default:
		return t.validityPeriod
	}
}
