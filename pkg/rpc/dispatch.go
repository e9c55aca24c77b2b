// Package rpc implements the polymorphic method-dispatch table and
// session/connection core that exposes circuit and stream operations to
// out-of-process controllers: a table keyed on (object-type, method-type)
// that looks up the function to run, a per-connection object table, and a
// manager-global registry that hands out unforgeable cross-session object
// identifiers.
package rpc

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

// Object is a marker for any value that can be the target of an RPC
// method call (a circuit handle, a stream handle, a session).
type Object interface{}

// Method is a marker for any value representing a single RPC method
// invocation's parameters.
type Method interface{}

// UpdateSink receives the intermediate updates a method emits before its
// terminal result. Send blocks while the consumer is behind (back-pressure
// is cooperative) and returns a non-nil error once the sink has been
// dropped, which a running handler must treat as cancellation.
type UpdateSink interface {
	Send(ctx context.Context, update any) error
}

type discardSink struct{}

func (discardSink) Send(ctx context.Context, update any) error { return ctx.Err() }

// DiscardUpdates is the sink used for methods whose caller wants no
// intermediate updates. Sends succeed immediately until ctx is done.
var DiscardUpdates UpdateSink = discardSink{}

// Invoker is an installable handler for running one method type on one
// object type. Callers should not implement this directly; use Func or
// FuncUpdates to build one from a concretely-typed function.
type Invoker interface {
	// ObjectType returns the concrete object type this invoker accepts.
	ObjectType() reflect.Type
	// MethodType returns the concrete method type this invoker accepts.
	MethodType() reflect.Type
	// Invoke runs the method on obj. The caller guarantees obj and method
	// have the types ObjectType/MethodType report.
	Invoke(ctx context.Context, obj Object, method Method, sink UpdateSink) (any, error)
}

type funcInvoker[OBJ any, M any] struct {
	fn func(context.Context, OBJ, M, UpdateSink) (any, error)
}

func (f funcInvoker[OBJ, M]) ObjectType() reflect.Type {
	return reflect.TypeOf((*OBJ)(nil)).Elem()
}

func (f funcInvoker[OBJ, M]) MethodType() reflect.Type {
	return reflect.TypeOf((*M)(nil)).Elem()
}

func (f funcInvoker[OBJ, M]) Invoke(ctx context.Context, obj Object, method Method, sink UpdateSink) (any, error) {
	o, ok := obj.(OBJ)
	if !ok {
		return nil, torerrors.InternalError("rpc: invoker called with wrong object type", nil)
	}
	m, ok := method.(M)
	if !ok {
		return nil, torerrors.InternalError("rpc: invoker called with wrong method type", nil)
	}
	if sink == nil {
		sink = DiscardUpdates
	}
	return f.fn(ctx, o, m, sink)
}

// Func builds an Invoker from a concretely-typed function that emits no
// intermediate updates. OBJ and M are inferred from fn's signature, the
// same way the original's blanket Invoker impl is keyed on the types of
// its fn(Arc<OBJ>, Box<M>, ...) shape.
func Func[OBJ any, M any](fn func(context.Context, OBJ, M) (any, error)) Invoker {
	return funcInvoker[OBJ, M]{fn: func(ctx context.Context, o OBJ, m M, _ UpdateSink) (any, error) {
		return fn(ctx, o, m)
	}}
}

// FuncUpdates builds an Invoker from a function that emits intermediate
// updates through a sink before returning its terminal result.
func FuncUpdates[OBJ any, M any](fn func(context.Context, OBJ, M, UpdateSink) (any, error)) Invoker {
	return funcInvoker[OBJ, M]{fn: fn}
}

// InvokerEnt pairs an Invoker with the source location of its
// registration, used only to tell apart "the same declaration registered
// twice" (harmless) from "two different implementations registered for
// the same object/method pair" (a configuration bug worth panicking over).
type InvokerEnt struct {
	Invoker  Invoker
	File     string
	Line     int
	Function string
}

func (e InvokerEnt) sameDecl(other InvokerEnt) bool {
	return e.File == other.File && e.Line == other.Line && e.Function == other.Function
}

// NewInvokerEnt captures the call site of its caller (file, line, and
// enclosing function name) together with invoker, for use with
// RegisterStatic or DispatchTable.Insert.
func NewInvokerEnt(invoker Invoker) InvokerEnt {
	pc, file, line, _ := runtime.Caller(1)
	function := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		function = fn.Name()
	}
	return InvokerEnt{Invoker: invoker, File: file, Line: line, Function: function}
}

// funcType is the map key a DispatchTable looks invokers up by.
type funcType struct {
	objType    reflect.Type
	methodType reflect.Type
}

// DispatchTable maps (object-type, method-type) pairs to the invoker that
// handles them. Safe for concurrent use: many readers (method dispatch
// during normal operation), rare writers (extension at startup and by
// explicit registration calls).
type DispatchTable struct {
	mu      sync.RWMutex
	entries map[funcType]InvokerEnt
}

// NewTable constructs an empty DispatchTable.
func NewTable() *DispatchTable {
	return &DispatchTable{entries: make(map[funcType]InvokerEnt)}
}

var (
	staticMu      sync.Mutex
	staticEntries []InvokerEnt
)

// RegisterStatic adds ent to the process-wide static registry, typically
// called from a package init() function the way static_rpc_invoke_fn!
// submits to the inventory at compile time.
func RegisterStatic(ent InvokerEnt) {
	staticMu.Lock()
	defer staticMu.Unlock()
	staticEntries = append(staticEntries, ent)
}

// FromStatic builds a DispatchTable from every entry registered via
// RegisterStatic. It panics if two entries collide on the same
// (object-type, method-type) pair, with no same-declaration exception:
// this mirrors the original's from_inventory, which is strictly stricter
// here than Insert.
func FromStatic() *DispatchTable {
	staticMu.Lock()
	defer staticMu.Unlock()

	t := NewTable()
	for _, ent := range staticEntries {
		ft := funcType{ent.Invoker.ObjectType(), ent.Invoker.MethodType()}
		if _, exists := t.entries[ft]; exists {
			panic(fmt.Sprintf("rpc: duplicate static invoker registration for (%v, %v)", ft.objType, ft.methodType))
		}
		t.entries[ft] = ent
	}
	return t
}

// Insert adds ent to the table. If an entry already exists for the same
// (object-type, method-type) pair, Insert is a no-op when ent is the
// identical declaration (same file, line, and function name) and panics
// otherwise, since that indicates two different implementations were
// registered for the same pair.
func (t *DispatchTable) Insert(ent InvokerEnt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ft := funcType{ent.Invoker.ObjectType(), ent.Invoker.MethodType()}
	if old, exists := t.entries[ft]; exists {
		if !old.sameDecl(ent) {
			panic(fmt.Sprintf("rpc: conflicting invoker registrations for (%v, %v)", ft.objType, ft.methodType))
		}
		return
	}
	t.entries[ft] = ent
}

// Extend inserts every entry in ents, applying the same rules as Insert.
func (t *DispatchTable) Extend(ents []InvokerEnt) {
	for _, ent := range ents {
		t.Insert(ent)
	}
}

// InstallGeneric binds a set of invokers produced by build for a chosen
// generic type argument T, the Go analog of the original's
// installable_rpc_invoke_fn!: callers supply one build function per
// concrete type argument they want to support, and installation at the
// same call site is idempotent via the same Insert rule.
func InstallGeneric[T any](table *DispatchTable, build func() []InvokerEnt) {
	table.Extend(build())
}

// Invoke looks up the invoker registered for (type of obj, type of
// method) and runs it, forwarding intermediate updates to sink (nil means
// discard). Returns a no-implementation error if no invoker is registered
// for that pair.
func (t *DispatchTable) Invoke(ctx context.Context, obj Object, method Method, sink UpdateSink) (any, error) {
	ft := funcType{reflect.TypeOf(obj), reflect.TypeOf(method)}

	t.mu.RLock()
	ent, ok := t.entries[ft]
	t.mu.RUnlock()

	if !ok {
		return nil, torerrors.NoImplementationError(fmt.Sprintf("no implementation for (%v, %v)", ft.objType, ft.methodType))
	}
	return ent.Invoker.Invoke(ctx, obj, method, sink)
}

// Len returns the number of registered (object-type, method-type) pairs.
func (t *DispatchTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ValidateMethodName checks that name parses as a namespaced RPC method
// identifier ("namespace:name"), the same shape check the original
// performs before accepting a registered method at manager-construction
// time. Unlike an unrecognized namespace (which that code treats as
// non-fatal, since another component might be extending the method set),
// a malformed name here is always an error.
func ValidateMethodName(name string) error {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return torerrors.ConfigurationError(fmt.Sprintf("rpc: malformed method name %q, want namespace:name", name), nil)
	}
	return nil
}

// CheckMethodNames validates every name in names, returning the first
// malformed one as an error, or nil if all are well-formed.
func CheckMethodNames(names []string) error {
	for _, name := range names {
		if err := ValidateMethodName(name); err != nil {
			return err
		}
	}
	return nil
}
