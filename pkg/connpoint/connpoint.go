// Package connpoint models the addresses an RPC controller connects to:
// either a TCP endpoint or a filesystem socket. The qualified string forms
// are "tcp:HOST:PORT" and "unix:PATH"; an unqualified "HOST:PORT" is
// accepted as TCP for convenience.
package connpoint

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

// Scheme distinguishes the two kinds of connect point.
type Scheme string

const (
	SchemeTCP  Scheme = "tcp"
	SchemeUnix Scheme = "unix"
)

// ConnPoint is one parsed connect point descriptor.
type ConnPoint struct {
	scheme Scheme

	// TCP form.
	host string
	port uint16

	// Unix form. Compared by raw path bytes; no normalization is applied,
	// since two spellings of one path are still two distinct descriptors.
	path string
}

// NewTCP builds a TCP connect point.
func NewTCP(host string, port uint16) ConnPoint {
	return ConnPoint{scheme: SchemeTCP, host: host, port: port}
}

// NewUnix builds a filesystem-socket connect point.
func NewUnix(path string) ConnPoint {
	return ConnPoint{scheme: SchemeUnix, path: path}
}

// Scheme returns which kind of connect point this is.
func (p ConnPoint) Scheme() Scheme { return p.scheme }

// Parse reads a connect point from its string form. "tcp:" and "unix:"
// prefixes select the scheme explicitly; a string with neither prefix is
// parsed as an unqualified TCP HOST:PORT.
func Parse(s string) (ConnPoint, error) {
	switch {
	case strings.HasPrefix(s, "unix:"):
		path := s[len("unix:"):]
		if path == "" {
			return ConnPoint{}, torerrors.BadConnectPointError("connpoint: empty socket path", nil)
		}
		return NewUnix(path), nil
	case strings.HasPrefix(s, "tcp:"):
		return parseTCP(s[len("tcp:"):])
	case strings.Contains(s, ":"):
		return parseTCP(s)
	default:
		return ConnPoint{}, torerrors.BadConnectPointError(fmt.Sprintf("connpoint: unrecognized connect point %q", s), nil)
	}
}

func parseTCP(hostport string) (ConnPoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return ConnPoint{}, torerrors.BadConnectPointError(fmt.Sprintf("connpoint: bad TCP endpoint %q", hostport), err)
	}
	if host == "" {
		return ConnPoint{}, torerrors.BadConnectPointError(fmt.Sprintf("connpoint: missing host in %q", hostport), nil)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return ConnPoint{}, torerrors.BadConnectPointError(fmt.Sprintf("connpoint: bad port in %q", hostport), err)
	}
	return NewTCP(host, uint16(port)), nil
}

// String returns the qualified string form, which Parse round-trips.
func (p ConnPoint) String() string {
	switch p.scheme {
	case SchemeUnix:
		return "unix:" + p.path
	default:
		return "tcp:" + net.JoinHostPort(p.host, strconv.Itoa(int(p.port)))
	}
}

// Equal reports whether two connect points denote the same endpoint.
// Comparison is schema-aware: TCP points compare by (host, port), unix
// points by path bytes, and points of different schemes are never equal.
func (p ConnPoint) Equal(other ConnPoint) bool {
	if p.scheme != other.scheme {
		return false
	}
	switch p.scheme {
	case SchemeUnix:
		return p.path == other.path
	default:
		return p.host == other.host && p.port == other.port
	}
}

// Path returns the socket path of a unix connect point, or "" for TCP.
func (p ConnPoint) Path() string { return p.path }

// HostPort returns the HOST:PORT of a TCP connect point, or "" for unix.
func (p ConnPoint) HostPort() string {
	if p.scheme != SchemeTCP {
		return ""
	}
	return net.JoinHostPort(p.host, strconv.Itoa(int(p.port)))
}

// Dial opens a connection to the connect point.
func (p ConnPoint) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	switch p.scheme {
	case SchemeUnix:
		if runtime.GOOS == "windows" {
			return nil, torerrors.ConnectPointNotUsableError("connpoint: unix sockets are not supported on this platform", nil)
		}
		conn, err := d.DialContext(ctx, "unix", p.path)
		if err != nil {
			return nil, torerrors.ConnectionError(fmt.Sprintf("connpoint: dial %s", p), err)
		}
		return conn, nil
	case SchemeTCP:
		conn, err := d.DialContext(ctx, "tcp", p.HostPort())
		if err != nil {
			return nil, torerrors.ConnectionError(fmt.Sprintf("connpoint: dial %s", p), err)
		}
		return conn, nil
	default:
		return nil, torerrors.ConnectPointNotUsableError("connpoint: zero connect point", nil)
	}
}

// Listen opens a listener on the connect point, for the server side of
// the same descriptor.
func (p ConnPoint) Listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	switch p.scheme {
	case SchemeUnix:
		if runtime.GOOS == "windows" {
			return nil, torerrors.ConnectPointNotUsableError("connpoint: unix sockets are not supported on this platform", nil)
		}
		l, err := lc.Listen(ctx, "unix", p.path)
		if err != nil {
			return nil, torerrors.ConnectionError(fmt.Sprintf("connpoint: listen %s", p), err)
		}
		return l, nil
	case SchemeTCP:
		l, err := lc.Listen(ctx, "tcp", p.HostPort())
		if err != nil {
			return nil, torerrors.ConnectionError(fmt.Sprintf("connpoint: listen %s", p), err)
		}
		return l, nil
	default:
		return nil, torerrors.ConnectPointNotUsableError("connpoint: zero connect point", nil)
	}
}
