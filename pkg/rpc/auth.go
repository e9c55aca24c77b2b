package rpc

import (
	"context"
	"crypto/subtle"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

// AuthQueryMethod requests the authentication schemes a connection will
// accept. It, and AuthenticateMethod, are the only methods dispatchable
// before a connection has authenticated.
type AuthQueryMethod struct{}

// AuthQueryResult answers AuthQueryMethod.
type AuthQueryResult struct {
	Schemes []AuthScheme
}

// AuthenticateMethod attempts to authenticate a connection under a
// chosen scheme, presenting a cookie when the scheme requires one.
type AuthenticateMethod struct {
	Scheme AuthScheme
	Cookie []byte
}

// AuthenticateResult answers a successful AuthenticateMethod with the
// global object id of the newly created Session.
type AuthenticateResult struct {
	Session string
}

// AuthenticationFailure enumerates why an authentication attempt was
// rejected, mirroring the original's closed failure enumeration.
type AuthenticationFailure int

const (
	// FailureIncorrectMethod means the client asked to authenticate with
	// a scheme the connection does not accept.
	FailureIncorrectMethod AuthenticationFailure = iota
	// FailureIncorrectAuthentication means the presented credential (the
	// cookie) did not match what was expected.
	FailureIncorrectAuthentication
	// FailureShuttingDown means the connection is being torn down and
	// cannot accept new authentication attempts.
	FailureShuttingDown
)

func (f AuthenticationFailure) Error() string {
	switch f {
	case FailureIncorrectMethod:
		return "authentication scheme not accepted by this connection"
	case FailureIncorrectAuthentication:
		return "incorrect authentication credential"
	case FailureShuttingDown:
		return "connection is shutting down"
	default:
		return "authentication failed"
	}
}

// HandleAuthQuery implements AuthQueryMethod for a Connection: the set of
// schemes it will accept is fixed at connection-construction time.
func HandleAuthQuery(ctx context.Context, conn *Connection, method AuthQueryMethod) (any, error) {
	return AuthQueryResult{Schemes: []AuthScheme{conn.requiredScheme}}, nil
}

// HandleAuthenticate implements AuthenticateMethod for a Connection: it
// validates the requested scheme and, for AuthCookie, the presented
// cookie, then installs and returns a fresh Session object.
func HandleAuthenticate(ctx context.Context, conn *Connection, method AuthenticateMethod) (any, error) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return nil, torerrors.NotAuthenticatedError(FailureShuttingDown.Error())
	}
	conn.mu.Unlock()

	if method.Scheme != conn.requiredScheme {
		return nil, torerrors.NotAuthenticatedError(FailureIncorrectMethod.Error())
	}

	if conn.requiredScheme == AuthCookie {
		if subtle.ConstantTimeCompare(method.Cookie, conn.expectedCookie) != 1 {
			return nil, torerrors.NotAuthenticatedError(FailureIncorrectAuthentication.Error())
		}
	}

	conn.mu.Lock()
	conn.authenticated = true
	conn.scheme = method.Scheme
	conn.mu.Unlock()

	session := conn.registry.CreateSession(method.Scheme)
	idx := conn.RegisterObject(session)
	token, err := conn.GlobalID(idx)
	if err != nil {
		return nil, err
	}
	return AuthenticateResult{Session: token}, nil
}

func init() {
	RegisterStatic(NewInvokerEnt(Func[*Connection, AuthQueryMethod](HandleAuthQuery)))
	RegisterStatic(NewInvokerEnt(Func[*Connection, AuthenticateMethod](HandleAuthenticate)))
}
