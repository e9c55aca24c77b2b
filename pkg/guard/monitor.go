// Package guard implements the guard-selection feedback primitives that
// the circuit builder reports into and consults during a build: a status
// reporter the builder uses to tell the guard subsystem how the attempt
// went, and a one-shot "is this guard usable yet" signal the builder
// awaits before handing a freshly built circuit back to its caller.
package guard

import (
	"errors"
	"sync"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
	"github.com/veilmesh/torcore/pkg/logger"
)

var log = logger.NewDefault().Component("guard")

// Status is the outcome the circuit builder reports to a GuardMonitor
// about a single build attempt over a guard.
type Status int

const (
	// StatusAttemptAbandoned marks a build as abandoned before it could
	// complete; the builder sets this optimistically before starting, and
	// overwrites it with Success on completion.
	StatusAttemptAbandoned Status = iota
	// StatusSuccess marks a build that reached the guard successfully.
	StatusSuccess
	// StatusFailure marks a build that failed to reach or use the guard.
	StatusFailure
)

// Monitor is a single-use reporter tied to one circuit-build attempt over
// one guard. The builder calls Pending once before starting the attempt,
// records the outcome with Report (success path) or Pending (failure
// path), and then calls Commit to deliver it when the attempt concludes.
type Monitor struct {
	mu      sync.Mutex
	pending Status
	done    bool
	onClose func(Status)
}

// NewMonitor constructs a Monitor. onClose, if non-nil, is invoked exactly
// once with the final committed status when the attempt concludes; the
// guard subsystem uses it to update guard reachability statistics.
func NewMonitor(onClose func(Status)) *Monitor {
	return &Monitor{onClose: onClose}
}

// Pending records the status that the next Commit delivers. Nothing is
// committed automatically: a monitor that never reaches Commit never
// invokes onClose. Safe to call multiple times before the attempt
// concludes; the builder uses this to mark
// "attempt abandoned" before starting, then "success" once the handshake
// completes.
func (m *Monitor) Pending(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return
	}
	m.pending = status
}

// Report is an alias for Pending used at the point the builder learns the
// attempt's outcome but has not yet decided whether to Commit.
func (m *Monitor) Report(status Status) {
	m.Pending(status)
}

// Commit finalizes the monitor with whatever status is currently pending,
// invoking onClose exactly once. Subsequent calls are no-ops.
func (m *Monitor) Commit() {
	m.mu.Lock()
	status := m.pending
	already := m.done
	m.done = true
	cb := m.onClose
	m.mu.Unlock()

	if already || cb == nil {
		return
	}
	log.Debug("guard monitor committed", "status", status)
	cb(status)
}

// ErrNotUsable reports that the guard subsystem has preferred another
// guard over the one this circuit was built through. Usable.Await returns
// it wrapped in a circuit-category error, so errors.Is(err, ErrNotUsable)
// holds. The circuit must not be used; the builder retries with a fresh plan.
var ErrNotUsable = errors.New("guard not usable: another guard was preferred")

// Usable is a one-shot signal the guard subsystem uses to tell a circuit
// builder whether a speculative guard may actually be used, once that
// decision is known. A nil result (channel closed without a send) is
// treated by the builder as "no decision needed, use the circuit".
type Usable struct {
	ch chan usableResult
}

type usableResult struct {
	usable bool
	err    error
}

// NewUsable constructs an unresolved Usable signal.
func NewUsable() *Usable {
	return &Usable{ch: make(chan usableResult, 1)}
}

// Resolve delivers the usability decision. Must be called at most once.
func (u *Usable) Resolve(usable bool, err error) {
	u.ch <- usableResult{usable: usable, err: err}
	close(u.ch)
}

// Await blocks until the usability decision is delivered, or returns
// immediately if u is nil (meaning "no decision needed, use the
// circuit"). A cancelled signal, or one resolved with an error, yields an
// internal-category error; a "not usable" decision yields a
// circuit-category error wrapping ErrNotUsable.
func (u *Usable) Await() error {
	if u == nil {
		return nil
	}
	res, ok := <-u.ch
	if !ok {
		return torerrors.InternalError("guard usability signal cancelled", nil)
	}
	if res.err != nil {
		return torerrors.InternalError("guard usability signal cancelled", res.err)
	}
	if !res.usable {
		return torerrors.CircuitError("guard not usable", ErrNotUsable)
	}
	return nil
}
