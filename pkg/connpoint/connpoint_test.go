package connpoint

import (
	"testing"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

func TestParseQualifiedTCP(t *testing.T) {
	p, err := Parse("tcp:127.0.0.1:9051")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Scheme() != SchemeTCP || p.HostPort() != "127.0.0.1:9051" {
		t.Fatalf("parsed %v, want tcp:127.0.0.1:9051", p)
	}
}

func TestParseUnqualifiedTCP(t *testing.T) {
	p, err := Parse("localhost:9051")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Scheme() != SchemeTCP {
		t.Fatalf("unqualified HOST:PORT must parse as tcp, got %v", p.Scheme())
	}
}

func TestParseUnix(t *testing.T) {
	p, err := Parse("unix:/var/run/torcore/rpc.sock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Scheme() != SchemeUnix || p.Path() != "/var/run/torcore/rpc.sock" {
		t.Fatalf("parsed %v", p)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"unix:",
		"tcp:",
		"tcp:nohost",
		"tcp::0",
		"tcp:host:notaport",
		"tcp:host:0",
		"justahostname",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", s)
			}
			if !torerrors.IsCategory(err, torerrors.CategoryBadConnectPoint) {
				t.Fatalf("Parse(%q) error category = %v, want bad-connect-point", s, torerrors.GetCategory(err))
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"tcp:127.0.0.1:9051", "unix:/tmp/rpc.sock"} {
		p, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if p.String() != s {
			t.Fatalf("String() = %q, want %q", p.String(), s)
		}
		again, err := Parse(p.String())
		if err != nil {
			t.Fatalf("re-Parse(%q): %v", p.String(), err)
		}
		if !p.Equal(again) {
			t.Fatalf("round trip changed %q", s)
		}
	}
}

func TestEqualIsSchemeAware(t *testing.T) {
	tcp := NewTCP("127.0.0.1", 9051)
	unix := NewUnix("127.0.0.1:9051")
	if tcp.Equal(unix) {
		t.Fatalf("a tcp point must never equal a unix point")
	}
	if !tcp.Equal(NewTCP("127.0.0.1", 9051)) {
		t.Fatalf("identical tcp points must compare equal")
	}
	if tcp.Equal(NewTCP("127.0.0.1", 9052)) {
		t.Fatalf("different ports must not compare equal")
	}
	if !unix.Equal(NewUnix("127.0.0.1:9051")) {
		t.Fatalf("identical unix paths must compare equal")
	}
	if NewUnix("/tmp/a").Equal(NewUnix("/tmp/./a")) {
		t.Fatalf("unix paths compare by bytes, not by normalized path")
	}
}
