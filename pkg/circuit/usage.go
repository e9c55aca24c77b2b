package circuit

import "fmt"

// Kind distinguishes the broad families of circuit usage. A circuit built
// for one kind may satisfy a request for a narrower kind of the same
// family (see Usage.Supports).
type Kind int

const (
	// KindExit serves application streams that leave the network through
	// an exit relay to a given target port.
	KindExit Kind = iota
	// KindDirectory fetches directory information (consensus, descriptors)
	// and tolerates parallel speculative builds (§4.2).
	KindDirectory
	// KindHSClient and KindHSService serve onion-service rendezvous and
	// introduction circuits, kept distinct so they never satisfy an exit
	// or directory request.
	KindHSClient
	KindHSService
)

func (k Kind) String() string {
	switch k {
	case KindExit:
		return "exit"
	case KindDirectory:
		return "directory"
	case KindHSClient:
		return "hs-client"
	case KindHSService:
		return "hs-service"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Usage describes what a circuit is needed for, used to match a stream
// request against cached circuits and to key concurrent-build
// deduplication and parallelism policy.
type Usage struct {
	Kind Kind
	// Port is the exit target port; meaningful only for KindExit. Port 0
	// means "any port", and is what a built circuit ends up supporting
	// when the planner widens a specific request (§4.2 plan_circuit may
	// return a broader usage than requested).
	Port int
}

// DirectoryUsage is the well-known usage value for consensus/descriptor
// fetches.
func DirectoryUsage() Usage { return Usage{Kind: KindDirectory} }

// ExitUsage is the usage value for exit traffic to a specific port.
func ExitUsage(port int) Usage { return Usage{Kind: KindExit, Port: port} }

// Supports reports whether a circuit built for u (the supported usage)
// may carry a stream that requested `want`. A circuit's supported usage
// is a superset match: same Kind, and for KindExit either the circuit
// supports any port (Port == 0) or the specific port requested.
func (u Usage) Supports(want Usage) bool {
	if u.Kind != want.Kind {
		return false
	}
	if u.Kind != KindExit {
		return true
	}
	return u.Port == 0 || u.Port == want.Port
}

// key returns the deduplication key used to coalesce concurrent plans for
// the identical usage (§4.2: "concurrent requests for an identical usage
// must deduplicate onto the same in-flight build").
func (u Usage) key() string {
	return fmt.Sprintf("%s:%d", u.Kind, u.Port)
}

// Parallelism returns how many concurrent build attempts should be
// launched for this usage. Directory fetches race 3 attempts and take the
// first success (§4.2); everything else builds exactly one circuit at a
// time.
func (u Usage) Parallelism() int {
	if u.Kind == KindDirectory {
		return 3
	}
	return 1
}
