// Package pulse implements cooperative periodic callbacks. A Generator never runs on its own
// goroutine: it fires from Scheduler.CheckTimeouts, which the hosting application calls from its
// event loop (or hands to Scheduler.Run).
package pulse

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

const (
	// DefaultFrequency is the frequency of a generator that was never configured, in Hz.
	DefaultFrequency = 30.0
	// MaxFrequency is the highest accepted frequency, in Hz.
	MaxFrequency = 1000.0
)

// Scheduler owns a set of generators and fires the ones that are due when CheckTimeouts is
// called. It replaces a process wide timeout registry: each tracker is handed the scheduler it
// should use.
type Scheduler struct {
	mu         sync.Mutex
	clock      clock.Clock
	generators []*Generator
}

// NewScheduler returns a scheduler measuring time with clk. A nil clk uses the wall clock.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clock: clk}
}

// Clock returns the clock the scheduler measures time with.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// NewGenerator registers a stopped generator at DefaultFrequency that calls callback on every
// pulse.
func (s *Scheduler) NewGenerator(name string, callback func()) *Generator {
	g := &Generator{
		scheduler: s,
		name:      name,
		callback:  callback,
		frequency: DefaultFrequency,
		period:    periodOf(DefaultFrequency),
	}
	s.mu.Lock()
	s.generators = append(s.generators, g)
	s.mu.Unlock()
	return g
}

// Remove stops g and detaches it from the scheduler.
func (s *Scheduler) Remove(g *Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.running = false
	if idx := slices.Index(s.generators, g); idx >= 0 {
		s.generators = slices.Delete(s.generators, idx, idx+1)
	}
}

// CheckTimeouts fires every running generator whose deadline has passed and returns how many
// fired. Callbacks run on the calling goroutine, outside the scheduler lock, in registration
// order. Pulses missed because CheckTimeouts was not called in time are dropped, not replayed.
func (s *Scheduler) CheckTimeouts() int {
	s.mu.Lock()
	now := s.clock.Now()
	var due []*Generator
	for _, g := range s.generators {
		if !g.running || now.Before(g.next) {
			continue
		}
		due = append(due, g)
		g.next = g.next.Add(g.period)
		if !g.next.After(now) {
			g.next = now.Add(g.period)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, g := range due {
		// An earlier callback may have stopped this generator.
		if !g.IsRunning() {
			continue
		}
		g.callback()
		fired++
	}
	return fired
}

// Run calls CheckTimeouts every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckTimeouts()
		}
	}
}

// Generator calls its callback at a fixed frequency while running.
type Generator struct {
	scheduler *Scheduler
	name      string
	callback  func()

	// guarded by scheduler.mu
	frequency float64
	period    time.Duration
	running   bool
	next      time.Time
}

// Name returns the name the generator was registered with.
func (g *Generator) Name() string {
	return g.name
}

// SetFrequency changes the pulse frequency in Hz. A running generator is rescheduled one new
// period from now.
func (g *Generator) SetFrequency(hz float64) error {
	if !(hz > 0) || hz > MaxFrequency {
		return errors.Errorf("pulse generator %q: frequency must be in (0, %v] Hz, got %v", g.name, MaxFrequency, hz)
	}
	g.scheduler.mu.Lock()
	defer g.scheduler.mu.Unlock()
	g.frequency = hz
	g.period = periodOf(hz)
	if g.running {
		g.next = g.scheduler.clock.Now().Add(g.period)
	}
	return nil
}

// Frequency returns the pulse frequency in Hz.
func (g *Generator) Frequency() float64 {
	g.scheduler.mu.Lock()
	defer g.scheduler.mu.Unlock()
	return g.frequency
}

// Period returns the time between pulses.
func (g *Generator) Period() time.Duration {
	g.scheduler.mu.Lock()
	defer g.scheduler.mu.Unlock()
	return g.period
}

// Start arms the generator; the first pulse is due one period from now. Starting a running
// generator does nothing.
func (g *Generator) Start() {
	g.scheduler.mu.Lock()
	defer g.scheduler.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.next = g.scheduler.clock.Now().Add(g.period)
}

// Stop disarms the generator. Pulses already handed out by a concurrent CheckTimeouts are
// skipped if they have not started yet.
func (g *Generator) Stop() {
	g.scheduler.mu.Lock()
	defer g.scheduler.mu.Unlock()
	g.running = false
}

// IsRunning reports whether the generator is armed.
func (g *Generator) IsRunning() bool {
	g.scheduler.mu.Lock()
	defer g.scheduler.mu.Unlock()
	return g.running
}

func periodOf(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}
