package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
	"github.com/veilmesh/torcore/pkg/guard"
	"github.com/veilmesh/torcore/pkg/logger"
	"github.com/veilmesh/torcore/pkg/path"
	"github.com/veilmesh/torcore/pkg/trace"
)

// DefaultBuildTimeout bounds a single build attempt when the caller does
// not supply its own deadline. A learned-timeout estimator (external
// collaborator, §5) would normally compute this per attempt; absent one,
// a fixed conservative bound is used.
const DefaultBuildTimeout = 60 * time.Second

// maxGuardRetries bounds how many times one build slot replans after the
// guard subsystem reports its speculative guard unusable.
const maxGuardRetries = 3

// Plan is the output of planning a circuit: a chosen path, the usage it
// will actually support (which may be broader than what was requested),
// and the guard-feedback handles the builder must report into. A Plan is
// consumed exactly once by buildCircuit.
type Plan struct {
	Requested Usage
	Supported Usage
	Path      *path.Path
	Params    map[string]int

	monitor *guard.Monitor
	usable  *guard.Usable
}

// GuardSource supplies the per-attempt guard-feedback handles the planner
// attaches to a Plan. The guard subsystem implements this; tests can
// supply a fake that resolves Usable immediately.
type GuardSource interface {
	NewAttempt(p *path.Path) (*guard.Monitor, *guard.Usable)
}

// CircuitBuilder performs the multi-hop handshake for a chosen path.
// *Builder satisfies this; tests substitute a fake that skips the
// network entirely.
type CircuitBuilder interface {
	BuildCircuit(ctx context.Context, p *path.Path, timeout time.Duration) (*Circuit, error)
}

// Planner turns a requested usage into a Plan. It must not block on the
// network handshake itself -- only on path selection and consulting the
// guard subsystem for feedback handles.
type Planner interface {
	PlanCircuit(ctx context.Context, requested Usage) (*Plan, error)
}

// StandardPlanner is the default Planner: it selects a path via a
// path.Selector and attaches guard feedback handles from a GuardSource.
type StandardPlanner struct {
	selector *path.Selector
	guards   GuardSource
	logger   *logger.Logger
}

// NewStandardPlanner constructs a StandardPlanner. guards may be nil, in
// which case built circuits carry no guard feedback handles and are
// always immediately usable.
func NewStandardPlanner(selector *path.Selector, guards GuardSource, log *logger.Logger) *StandardPlanner {
	if log == nil {
		log = logger.NewDefault()
	}
	return &StandardPlanner{selector: selector, guards: guards, logger: log.Component("planner")}
}

// PlanCircuit chooses a path for requested and returns a Plan. For
// KindExit usage the resulting Supported usage is widened to "any port"
// (Port 0), matching the real network's practice of reusing exit
// circuits for whatever port the exit relay's policy allows; directory
// and onion-service usages are returned unchanged.
func (p *StandardPlanner) PlanCircuit(ctx context.Context, requested Usage) (*Plan, error) {
	port := requested.Port
	if requested.Kind != KindExit {
		port = 0
	}

	chosen, err := p.selector.SelectPath(port)
	if err != nil {
		return nil, torerrors.CircuitError("plan circuit: path selection failed", err)
	}

	supported := requested
	if requested.Kind == KindExit {
		supported = Usage{Kind: KindExit, Port: 0}
	}

	plan := &Plan{
		Requested: requested,
		Supported: supported,
		Path:      chosen,
		Params:    map[string]int{},
	}

	if p.guards != nil {
		plan.monitor, plan.usable = p.guards.NewAttempt(chosen)
	}

	p.logger.Debug("planned circuit", "usage", requested.Kind.String(), "port", port,
		"guard", chosen.Guard.Nickname, "exit", chosen.Exit.Nickname)
	return plan, nil
}

// buildAttempt tracks one in-flight (possibly parallel) build for a
// single usage key, so that concurrent GetOrLaunch callers asking for the
// identical usage coalesce onto it (§4.2) and so that cancellation of the
// last waiter can cancel the underlying build (§5).
type buildAttempt struct {
	mu      sync.Mutex
	waiters int
	cancel  context.CancelFunc
	done    chan struct{}
	circuit *Circuit
	usage   Usage
	err     error
}

func newBuildAttempt(cancel context.CancelFunc) *buildAttempt {
	return &buildAttempt{cancel: cancel, done: make(chan struct{})}
}

func (a *buildAttempt) addWaiter() {
	a.mu.Lock()
	a.waiters++
	a.mu.Unlock()
}

// removeWaiter decrements the waiter count and cancels the underlying
// build only if no other caller is still attached to it.
func (a *buildAttempt) removeWaiter() {
	a.mu.Lock()
	a.waiters--
	n := a.waiters
	cancel := a.cancel
	a.mu.Unlock()
	if n <= 0 && cancel != nil {
		cancel()
	}
}

func (a *buildAttempt) finish(c *Circuit, usage Usage, err error) {
	a.circuit, a.usage, a.err = c, usage, err
	close(a.done)
}

// SetPipeline installs the default Planner and Builder used by Request,
// the no-argument convenience wrapper around GetOrLaunch.
func (m *Manager) SetPipeline(planner Planner, builder CircuitBuilder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planner = planner
	m.builder = builder
}

// Request is GetOrLaunch using the planner/builder installed by
// SetPipeline.
func (m *Manager) Request(ctx context.Context, requested Usage) (*Circuit, error) {
	m.mu.RLock()
	planner, builder := m.planner, m.builder
	m.mu.RUnlock()
	if planner == nil || builder == nil {
		return nil, torerrors.CircuitError("circuit: no plan/build pipeline installed", nil)
	}
	return m.GetOrLaunch(ctx, planner, builder, requested)
}

// LaunchNew plans and builds a fresh circuit for usage through the
// installed pipeline, bypassing the cache match and build dedup that
// Request applies. Prebuilding pools use this to stock several distinct
// circuits for the same usage; the circuit is installed in the manager
// so later Request calls can match it.
func (m *Manager) LaunchNew(ctx context.Context, usage Usage) (*Circuit, error) {
	m.mu.RLock()
	planner, builder := m.planner, m.builder
	m.mu.RUnlock()
	if planner == nil || builder == nil {
		return nil, torerrors.CircuitError("circuit: no plan/build pipeline installed", nil)
	}

	var c *Circuit
	var u Usage
	var err error
	for retry := 0; retry < maxGuardRetries; retry++ {
		c, u, err = m.planAndBuild(ctx, planner, builder, usage)
		if !errors.Is(err, guard.ErrNotUsable) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.circuits.Insert(c)
	m.usage[c.ID] = u
	m.mu.Unlock()
	return c, nil
}

// GetOrLaunch matches requested against cached open circuits; on a miss
// it plans and builds a new one, deduplicating concurrent requests for
// the identical usage onto a single build and launching Usage.Parallelism
// attempts that race for the first success (directory usage: 3; all
// others: 1).
func (m *Manager) GetOrLaunch(ctx context.Context, planner Planner, builder CircuitBuilder, requested Usage) (*Circuit, error) {
	m.mu.Lock()
	if c := m.matchLocked(requested); c != nil {
		m.mu.Unlock()
		return c, nil
	}

	key := requested.key()
	if attempt, ok := m.pending[key]; ok {
		attempt.addWaiter()
		m.mu.Unlock()
		return m.awaitAttempt(ctx, attempt)
	}

	buildCtx, cancel := context.WithCancel(context.Background())
	attempt := newBuildAttempt(cancel)
	attempt.addWaiter()
	m.pending[key] = attempt
	m.mu.Unlock()

	go m.runAttempt(buildCtx, planner, builder, requested, attempt)

	return m.awaitAttempt(ctx, attempt)
}

// matchLocked returns the first open circuit whose supported usage
// covers requested. Callers must hold m.mu.
func (m *Manager) matchLocked(requested Usage) *Circuit {
	for _, c := range m.circuits.Values() {
		if c.GetState() != StateOpen {
			continue
		}
		supported, ok := m.usage[c.ID]
		if !ok || !supported.Supports(requested) {
			continue
		}
		return c
	}
	return nil
}

func (m *Manager) awaitAttempt(ctx context.Context, attempt *buildAttempt) (*Circuit, error) {
	select {
	case <-attempt.done:
		attempt.removeWaiter()
		if attempt.err != nil {
			return nil, attempt.err
		}
		return attempt.circuit, nil
	case <-ctx.Done():
		attempt.removeWaiter()
		return nil, ctx.Err()
	}
}

// runAttempt races Usage.Parallelism() independent plan+build pipelines
// for requested, installs the first success, and reports exactly one
// guard success for the winner; the remaining attempts are cancelled.
func (m *Manager) runAttempt(ctx context.Context, planner Planner, builder CircuitBuilder, requested Usage, attempt *buildAttempt) {
	defer func() {
		m.mu.Lock()
		delete(m.pending, requested.key())
		m.mu.Unlock()
	}()

	n := requested.Parallelism()
	type outcome struct {
		circuit *Circuit
		usage   Usage
		err     error
	}
	results := make(chan outcome, n)
	raceCtx, cancelLosers := context.WithCancel(ctx)
	defer cancelLosers()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A guard-not-usable verdict means the guard subsystem
			// preferred another guard; replan with a fresh attempt rather
			// than surfacing the verdict to the stream request.
			var c *Circuit
			var u Usage
			var err error
			for retry := 0; retry < maxGuardRetries; retry++ {
				c, u, err = m.planAndBuild(raceCtx, planner, builder, requested)
				if !errors.Is(err, guard.ErrNotUsable) || raceCtx.Err() != nil {
					break
				}
			}
			results <- outcome{circuit: c, usage: u, err: err}
		}()
	}
	go func() { wg.Wait(); close(results) }()

	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if attempt.circuit == nil {
			m.mu.Lock()
			m.circuits.Insert(res.circuit)
			m.usage[res.circuit.ID] = res.usage
			m.mu.Unlock()
			attempt.finish(res.circuit, res.usage, nil)
			cancelLosers()
		} else if res.circuit != nil {
			res.circuit.Close(torerrors.CircuitError("losing parallel build attempt", nil))
		}
	}

	if attempt.circuit == nil {
		if firstErr == nil {
			firstErr = torerrors.CircuitError("all circuit build attempts failed", nil)
		}
		attempt.finish(nil, Usage{}, firstErr)
	}
}

// planAndBuild runs one plan_circuit -> build_circuit pipeline, mirroring
// §4.2's guard-feedback sequencing: the monitor is marked
// attempt-abandoned before the handshake, success is reported as soon as
// the handshake completes, and the guard-usable signal (if any) is
// awaited before the circuit is handed back to the caller.
func (m *Manager) planAndBuild(ctx context.Context, planner Planner, builder CircuitBuilder, requested Usage) (*Circuit, Usage, error) {
	plan, err := planner.PlanCircuit(ctx, requested)
	if err != nil {
		return nil, Usage{}, err
	}

	if plan.monitor != nil {
		plan.monitor.Pending(guard.StatusAttemptAbandoned)
	}

	buildCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		buildCtx, cancel = context.WithTimeout(ctx, DefaultBuildTimeout)
		defer cancel()
	}

	m.mu.RLock()
	tracer := m.tracer
	m.mu.RUnlock()

	var c *Circuit
	if tracer != nil {
		err = trace.WithSpan(buildCtx, tracer, "circuit.build", trace.SpanKindInternal, func(spanCtx context.Context, span *trace.Span) error {
			span.SetAttributes(map[string]interface{}{
				"usage.kind": requested.Kind.String(),
				"usage.port": requested.Port,
				"guard":      plan.Path.Guard.Nickname,
				"exit":       plan.Path.Exit.Nickname,
			})
			built, buildErr := builder.BuildCircuit(spanCtx, plan.Path, DefaultBuildTimeout)
			c = built
			return buildErr
		})
	} else {
		c, err = builder.BuildCircuit(buildCtx, plan.Path, DefaultBuildTimeout)
	}
	if err != nil {
		if plan.monitor != nil {
			plan.monitor.Pending(guard.StatusFailure)
			plan.monitor.Commit()
		}
		return nil, Usage{}, torerrors.CircuitError("build circuit failed", err)
	}

	if plan.monitor != nil {
		plan.monitor.Report(guard.StatusSuccess)
		plan.monitor.Commit()
	}

	if err := plan.usable.Await(); err != nil {
		c.Close(torerrors.CircuitError("guard usability", err))
		if errors.Is(err, guard.ErrNotUsable) {
			return nil, Usage{}, err
		}
		return nil, Usage{}, fmt.Errorf("guard usability: %w", err)
	}

	// pending-build -> open: the handshake succeeded and the guard is
	// usable. The production Builder already marks this at handshake
	// completion; repeating it here keeps the state machine honest for
	// builders that do not.
	c.SetState(StateOpen)

	return c, plan.Supported, nil
}
