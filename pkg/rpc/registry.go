package rpc

import (
	"sync"

	"github.com/google/uuid"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

// SessionFactory constructs the Session object installed on a connection
// once it authenticates under the given scheme.
type SessionFactory func(scheme AuthScheme) Object

// Registry is the manager-global state shared by every Connection: the
// MAC key that makes global object identifiers unforgeable, the shared
// dispatch table, and the live connection set.
//
// Lock hierarchy: this package has three locks, acquired outermost to
// innermost as: (1) Connection.mu, (2) Registry.mu, (3) DispatchTable.mu.
// Code holding Registry.mu must never acquire a Connection's lock; it may
// release Registry.mu first and call back into a Connection afterward.
type Registry struct {
	macKey         *MacKey
	dispatch       *DispatchTable
	sessionFactory SessionFactory

	mu          sync.Mutex
	connections map[uuid.UUID]*Connection
}

// NewRegistry constructs a Registry around a shared dispatch table and
// the factory used to build each connection's Session object.
func NewRegistry(dispatch *DispatchTable, sessionFactory SessionFactory) (*Registry, error) {
	key, err := NewMacKey()
	if err != nil {
		return nil, err
	}
	return &Registry{
		macKey:         key,
		dispatch:       dispatch,
		sessionFactory: sessionFactory,
		connections:    make(map[uuid.UUID]*Connection),
	}, nil
}

// NewConnection starts a new Connection requiring the given
// authentication scheme, and registers it under a freshly generated
// 128-bit random connection id.
func (r *Registry) NewConnection(requiredScheme AuthScheme, expectedCookie []byte) *Connection {
	id := uuid.New()
	conn := newConnection(id, r.dispatch, r.macKey, r, requiredScheme, expectedCookie)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[id]; exists {
		// A 128-bit uuid.New() collision is astronomically unlikely; if
		// it ever happens it indicates a broken RNG, not ordinary bad luck.
		panic("rpc: connection id collision detected; this is phenomenally unlikely")
	}
	r.connections[id] = conn
	return conn
}

func (r *Registry) unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, id)
}

// LookupObject decodes and authenticates a global object id token, then
// resolves it to the owning connection and the object itself.
func (r *Registry) LookupObject(token string) (*Connection, Object, error) {
	gid, err := r.macKey.Decode(token)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	conn, ok := r.connections[gid.ConnectionID]
	r.mu.Unlock()
	// Registry.mu is released before touching conn, so that calling into
	// conn here cannot be on a cycle back to Registry.mu.
	if !ok {
		return nil, nil, torerrors.ConfigurationError("rpc: no such connection for global object id", nil)
	}

	obj, ok := conn.LookupByIndex(gid.LocalIndex)
	if !ok {
		return nil, nil, torerrors.ConfigurationError("rpc: no such object for global object id", nil)
	}
	return conn, obj, nil
}

// CreateSession constructs a new Session object for the given
// authentication scheme, via the registry's configured SessionFactory.
func (r *Registry) CreateSession(scheme AuthScheme) Object {
	return r.sessionFactory(scheme)
}
