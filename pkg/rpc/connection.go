package rpc

import (
	"context"
	"sync"

	"github.com/google/uuid"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
	"github.com/veilmesh/torcore/pkg/logger"
)

var log = logger.NewDefault().Component("rpc")

// AuthScheme names a way a Connection can authenticate, serialized the
// same way on the wire as the method names that use it.
type AuthScheme string

const (
	// AuthInherent means the transport itself (e.g. a Unix socket with
	// filesystem permissions) already establishes who is allowed to
	// connect; no further credential exchange is required.
	AuthInherent AuthScheme = "auth:inherent"
	// AuthCookie means the client must present a shared-secret cookie
	// read from a file only the authorized user can read.
	AuthCookie AuthScheme = "auth:cookie"
)

// Connection is one RPC session: a per-connection object table plus
// authentication state. It is the outermost lock in the package's lock
// hierarchy — outermost meaning acquired earliest, before Registry.mu or
// DispatchTable.mu — so code holding conn.mu must never then try to
// acquire another Connection's lock, and must release conn.mu before
// calling back into the Registry in a way that could reacquire it.
type Connection struct {
	id       uuid.UUID
	dispatch *DispatchTable
	macKey   *MacKey
	registry *Registry

	requiredScheme AuthScheme
	expectedCookie []byte

	mu            sync.Mutex
	authenticated bool
	scheme        AuthScheme
	objects       map[uint64]Object
	nextIndex     uint64
	closed        bool
}

func newConnection(id uuid.UUID, dispatch *DispatchTable, macKey *MacKey, registry *Registry, requiredScheme AuthScheme, expectedCookie []byte) *Connection {
	return &Connection{
		id:             id,
		dispatch:       dispatch,
		macKey:         macKey,
		registry:       registry,
		requiredScheme: requiredScheme,
		expectedCookie: expectedCookie,
		objects:        make(map[uint64]Object),
	}
}

// ID returns the connection's 128-bit random identifier.
func (c *Connection) ID() uuid.UUID { return c.id }

// RegisterObject adds obj to this connection's object table and returns
// the session-local index that names it.
func (c *Connection) RegisterObject(obj Object) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.nextIndex
	c.nextIndex++
	c.objects[idx] = obj
	return idx
}

// LookupByIndex returns the object registered at idx, if any.
func (c *Connection) LookupByIndex(idx uint64) (Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[idx]
	return obj, ok
}

// GlobalID returns the MAC-authenticated cross-session identifier for the
// object registered at idx on this connection.
func (c *Connection) GlobalID(idx uint64) (string, error) {
	return c.macKey.Encode(GlobalID{ConnectionID: c.id, LocalIndex: idx})
}

// IsAuthenticated reports whether Authenticate has succeeded on this
// connection.
func (c *Connection) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// RequireAuthenticated returns a not-authenticated error unless this
// connection has completed authentication.
func (c *Connection) RequireAuthenticated() error {
	if !c.IsAuthenticated() {
		return torerrors.NotAuthenticatedError("rpc: connection has not completed authentication")
	}
	return nil
}

// Close unregisters this connection from its owning Registry. Go has no
// weak-pointer-keyed map to let the registry's entry disappear on its
// own, so an explicit, synchronous unregister here is the idiomatic
// substitute for that behavior. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	log.Debug("connection closed", "connection_id", c.id)
	if c.registry != nil {
		c.registry.unregister(c.id)
	}
}

// Dispatch invokes method on obj through the shared dispatch table,
// forwarding intermediate updates to sink (nil discards them) and
// rejecting any method except auth:query/auth:authenticate until the
// connection has authenticated.
func (c *Connection) Dispatch(ctx context.Context, obj Object, method Method, sink UpdateSink) (any, error) {
	switch method.(type) {
	case AuthQueryMethod, AuthenticateMethod:
		// Always dispatchable, even pre-authentication.
	default:
		if err := c.RequireAuthenticated(); err != nil {
			return nil, err
		}
	}
	return c.dispatch.Invoke(ctx, obj, method, sink)
}
