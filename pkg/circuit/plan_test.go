package circuit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veilmesh/torcore/pkg/directory"
	"github.com/veilmesh/torcore/pkg/guard"
	"github.com/veilmesh/torcore/pkg/path"
	"github.com/veilmesh/torcore/pkg/trace"
)

func fakePath() *path.Path {
	return &path.Path{
		Guard:  &directory.Relay{Nickname: "guard", Fingerprint: "G"},
		Middle: &directory.Relay{Nickname: "middle", Fingerprint: "M"},
		Exit:   &directory.Relay{Nickname: "exit", Fingerprint: "E"},
	}
}

// fakePlanner returns a fresh Plan with a fake guard monitor/usable pair
// on every call, recording how many Plans it handed out.
type fakePlanner struct {
	calls        int32
	reports      *int32 // bumped on StatusSuccess commit
	supported    Usage
	hasSupported bool
}

func (f *fakePlanner) PlanCircuit(ctx context.Context, requested Usage) (*Plan, error) {
	atomic.AddInt32(&f.calls, 1)
	usable := guard.NewUsable()
	usable.Resolve(true, nil)
	monitor := guard.NewMonitor(func(s guard.Status) {
		if s == guard.StatusSuccess && f.reports != nil {
			atomic.AddInt32(f.reports, 1)
		}
	})
	supported := requested
	if f.hasSupported {
		supported = f.supported
	}
	return &Plan{
		Requested: requested,
		Supported: supported,
		Path:      fakePath(),
		Params:    map[string]int{},
		monitor:   monitor,
		usable:    usable,
	}, nil
}

// fakeBuilder completes builds instantly; delayed attempts let a test
// force a particular ordering among racing builds.
type fakeBuilder struct {
	delay   time.Duration
	fail    bool
	manager *Manager
}

func (b *fakeBuilder) BuildCircuit(ctx context.Context, p *path.Path, timeout time.Duration) (*Circuit, error) {
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.fail {
		return nil, context.DeadlineExceeded
	}
	return b.manager.CreateCircuit()
}

func TestGetOrLaunchBuildsAndCaches(t *testing.T) {
	m := NewManager()
	var reports int32
	planner := &fakePlanner{reports: &reports, supported: ExitUsage(0), hasSupported: true}
	builder := &fakeBuilder{manager: m}

	c1, err := m.GetOrLaunch(context.Background(), planner, builder, ExitUsage(80))
	if err != nil {
		t.Fatalf("GetOrLaunch: %v", err)
	}
	if c1.GetState() != StateOpen {
		t.Fatalf("built circuit not open: %v", c1.GetState())
	}

	// A second request for a compatible usage must hit the cache rather
	// than planning again.
	c2, err := m.GetOrLaunch(context.Background(), planner, builder, ExitUsage(443))
	if err != nil {
		t.Fatalf("GetOrLaunch (cached): %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("expected cached circuit reuse, got a new one")
	}
	if atomic.LoadInt32(&planner.calls) != 1 {
		t.Fatalf("planner called %d times, want 1", planner.calls)
	}
	if atomic.LoadInt32(&reports) != 1 {
		t.Fatalf("guard success reported %d times, want 1", reports)
	}
}

// TestDirectoryUsageParallelism exercises §8 scenario 1: a directory
// build launches 3 parallel attempts, the fastest wins, the guard
// subsystem sees exactly one success report, and the manager ends up
// with exactly one open circuit.
func TestDirectoryUsageParallelism(t *testing.T) {
	m := NewManager()
	var reports int32
	planner := &fakePlanner{reports: &reports}

	if DirectoryUsage().Parallelism() != 3 {
		t.Fatalf("DirectoryUsage parallelism = %d, want 3", DirectoryUsage().Parallelism())
	}

	// One fast builder call beneath GetOrLaunch's race: simulate 3
	// parallel attempts by wrapping BuildCircuit to stagger completion.
	builder := &staggeredBuilder{manager: m, delays: []time.Duration{0, 20 * time.Millisecond, 20 * time.Millisecond}}

	c, err := m.GetOrLaunch(context.Background(), planner, builder, DirectoryUsage())
	if err != nil {
		t.Fatalf("GetOrLaunch: %v", err)
	}
	if c == nil {
		t.Fatal("expected a circuit")
	}

	time.Sleep(50 * time.Millisecond) // let losing attempts finish/cancel

	if atomic.LoadInt32(&planner.calls) != 3 {
		t.Fatalf("planner called %d times, want 3", planner.calls)
	}
	if atomic.LoadInt32(&reports) != 1 {
		t.Fatalf("guard success reported %d times, want 1", reports)
	}
	if m.Count() != 1 {
		t.Fatalf("manager has %d circuits, want 1 (losers must not be installed)", m.Count())
	}
}

// staggeredBuilder hands out an increasing delay per call so the first
// invocation always wins the race deterministically.
type staggeredBuilder struct {
	manager *Manager
	delays  []time.Duration
	next    int32
}

func (b *staggeredBuilder) BuildCircuit(ctx context.Context, p *path.Path, timeout time.Duration) (*Circuit, error) {
	i := atomic.AddInt32(&b.next, 1) - 1
	d := time.Duration(0)
	if int(i) < len(b.delays) {
		d = b.delays[i]
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.manager.CreateCircuit()
}

func TestUsageSupports(t *testing.T) {
	built := ExitUsage(0) // widened, "any port"
	if !built.Supports(ExitUsage(80)) {
		t.Fatal("any-port exit usage should support a specific port request")
	}
	if DirectoryUsage().Supports(ExitUsage(80)) {
		t.Fatal("directory usage must not support an exit request")
	}
	narrow := ExitUsage(80)
	if narrow.Supports(ExitUsage(443)) {
		t.Fatal("a port-80 circuit must not satisfy a port-443 request")
	}
}

func TestGetOrLaunchDeduplicatesConcurrentRequests(t *testing.T) {
	m := NewManager()
	planner := &fakePlanner{}
	builder := &fakeBuilder{manager: m, delay: 30 * time.Millisecond}

	results := make(chan *Circuit, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, err := m.GetOrLaunch(context.Background(), planner, builder, ExitUsage(9001))
			if err != nil {
				t.Errorf("GetOrLaunch: %v", err)
			}
			results <- c
		}()
	}

	c1 := <-results
	c2 := <-results
	if c1.ID != c2.ID {
		t.Fatalf("concurrent requests for identical usage produced distinct circuits")
	}
	if atomic.LoadInt32(&planner.calls) != 1 {
		t.Fatalf("planner called %d times, want 1 (concurrent requests must dedup)", planner.calls)
	}
}

func TestLaunchNewBypassesCache(t *testing.T) {
	m := NewManager()
	planner := &fakePlanner{}
	m.SetPipeline(planner, &fakeBuilder{manager: m})

	c1, err := m.LaunchNew(context.Background(), ExitUsage(0))
	if err != nil {
		t.Fatalf("LaunchNew: %v", err)
	}
	if c1.GetState() != StateOpen {
		t.Fatalf("launched circuit state = %v, want open", c1.GetState())
	}

	// Unlike Request, a second launch must build a distinct circuit even
	// though a compatible one is cached.
	c2, err := m.LaunchNew(context.Background(), ExitUsage(0))
	if err != nil {
		t.Fatalf("LaunchNew (second): %v", err)
	}
	if c2.UniqueID() == c1.UniqueID() {
		t.Fatal("LaunchNew reused a cached circuit; it must always build fresh")
	}
	if m.Count() != 2 {
		t.Fatalf("manager holds %d circuits, want 2", m.Count())
	}

	// The launched circuits are installed with their usage, so Request
	// now matches one of them from the cache.
	c3, err := m.Request(context.Background(), ExitUsage(80))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if c3.UniqueID() != c1.UniqueID() && c3.UniqueID() != c2.UniqueID() {
		t.Fatal("Request built a new circuit instead of matching a launched one")
	}
	if atomic.LoadInt32(&planner.calls) != 2 {
		t.Fatalf("planner called %d times, want 2 (Request must hit the cache)", planner.calls)
	}
}

func TestRequestWithoutPipelineFails(t *testing.T) {
	m := NewManager()
	if _, err := m.Request(context.Background(), ExitUsage(80)); err == nil {
		t.Fatal("expected error from Request with no pipeline installed")
	}
	if _, err := m.LaunchNew(context.Background(), ExitUsage(80)); err == nil {
		t.Fatal("expected error from LaunchNew with no pipeline installed")
	}
}

// flakyGuardPlanner resolves the usable signal false for the first
// unusableCount plans, then true, modeling the guard subsystem preferring
// another guard for the early attempts.
type flakyGuardPlanner struct {
	calls         int32
	unusableCount int32
}

func (f *flakyGuardPlanner) PlanCircuit(ctx context.Context, requested Usage) (*Plan, error) {
	n := atomic.AddInt32(&f.calls, 1)
	usable := guard.NewUsable()
	usable.Resolve(n > f.unusableCount, nil)
	return &Plan{
		Requested: requested,
		Supported: requested,
		Path:      fakePath(),
		Params:    map[string]int{},
		monitor:   guard.NewMonitor(nil),
		usable:    usable,
	}, nil
}

func TestGetOrLaunchRetriesWhenGuardNotUsable(t *testing.T) {
	m := NewManager()
	planner := &flakyGuardPlanner{unusableCount: 1}
	builder := &fakeBuilder{manager: m}

	c, err := m.GetOrLaunch(context.Background(), planner, builder, ExitUsage(80))
	if err != nil {
		t.Fatalf("GetOrLaunch: %v", err)
	}
	if c.GetState() != StateOpen {
		t.Fatalf("circuit state = %v, want open", c.GetState())
	}
	if atomic.LoadInt32(&planner.calls) != 2 {
		t.Fatalf("planner called %d times, want 2 (replan after not-usable verdict)", planner.calls)
	}
}

// capturingExporter records every span handed to it, letting a test
// assert on what a build attempt reported without a real backend.
type capturingExporter struct {
	mu    sync.Mutex
	spans []*trace.Span
}

func (e *capturingExporter) Export(span *trace.Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, span)
	return nil
}

func (e *capturingExporter) Close() error { return nil }

func TestGetOrLaunchRecordsBuildSpanWhenTracerSet(t *testing.T) {
	m := NewManager()
	exporter := &capturingExporter{}
	m.SetTracer(trace.NewTracer("torcore-test", exporter, trace.AlwaysSample()))

	planner := &fakePlanner{}
	builder := &fakeBuilder{manager: m}

	if _, err := m.GetOrLaunch(context.Background(), planner, builder, ExitUsage(80)); err != nil {
		t.Fatalf("GetOrLaunch: %v", err)
	}

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	if len(exporter.spans) != 1 {
		t.Fatalf("got %d exported spans, want 1", len(exporter.spans))
	}
	if exporter.spans[0].Name != "circuit.build" {
		t.Fatalf("span name = %q, want circuit.build", exporter.spans[0].Name)
	}
	if exporter.spans[0].Status != trace.StatusOK {
		t.Fatalf("span status = %q, want ok", exporter.spans[0].Status)
	}
}
