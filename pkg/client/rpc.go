package client

import (
	"context"
	"fmt"

	"github.com/veilmesh/torcore/pkg/circuit"
	"github.com/veilmesh/torcore/pkg/connpoint"
	torerrors "github.com/veilmesh/torcore/pkg/errors"
	"github.com/veilmesh/torcore/pkg/rpc"
)

// rpcSession is the object installed on an RPC connection once it
// authenticates. Its methods expose the client's circuit operations to
// out-of-process controllers over the newline-framed JSON interface.
type rpcSession struct {
	client *Client
	scheme rpc.AuthScheme
}

// ListCircuitsMethod requests a summary of every circuit the manager
// holds. Wire name: session:list-circuits.
type ListCircuitsMethod struct{}

// CircuitInfo is one circuit in a ListCircuitsResult. Circuits are
// addressed by their opaque 64-bit unique id, never by the small
// wire-format circuit ID.
type CircuitInfo struct {
	UniqueID   uint64  `json:"unique_id"`
	State      string  `json:"state"`
	Hops       int     `json:"hops"`
	AgeSeconds float64 `json:"age_seconds"`
}

// ListCircuitsResult answers ListCircuitsMethod.
type ListCircuitsResult struct {
	Circuits []CircuitInfo `json:"circuits"`
}

// OpenCircuitMethod requests a circuit for a usage, reusing a cached
// compatible one or planning and building a fresh one. Wire name:
// circuit:open.
type OpenCircuitMethod struct {
	// Kind is "exit" (the default when empty) or "directory".
	Kind string `json:"kind,omitempty"`
	// Port is the exit target port; 0 means any port. Ignored for
	// directory circuits.
	Port int `json:"port,omitempty"`
}

// OpenCircuitResult answers OpenCircuitMethod with the handle of the
// circuit now serving the usage.
type OpenCircuitResult struct {
	UniqueID uint64 `json:"unique_id"`
	Hops     int    `json:"hops"`
}

// CloseCircuitMethod retires the circuit with the given unique id. Wire
// name: circuit:close.
type CloseCircuitMethod struct {
	UniqueID uint64 `json:"unique_id"`
}

// CloseCircuitResult answers CloseCircuitMethod.
type CloseCircuitResult struct{}

func handleListCircuits(ctx context.Context, s *rpcSession, m ListCircuitsMethod) (any, error) {
	mgr := s.client.circuitMgr
	infos := make([]CircuitInfo, 0)
	for _, id := range mgr.ListCircuits() {
		c, err := mgr.GetCircuit(id)
		if err != nil {
			continue
		}
		infos = append(infos, CircuitInfo{
			UniqueID:   c.UniqueID(),
			State:      c.GetState().String(),
			Hops:       c.NHops(),
			AgeSeconds: c.Age().Seconds(),
		})
	}
	return ListCircuitsResult{Circuits: infos}, nil
}

func handleOpenCircuit(ctx context.Context, s *rpcSession, m OpenCircuitMethod) (any, error) {
	var usage circuit.Usage
	switch m.Kind {
	case "", "exit":
		usage = circuit.ExitUsage(m.Port)
	case "directory":
		usage = circuit.DirectoryUsage()
	default:
		return nil, torerrors.ConfigurationError(fmt.Sprintf("unknown circuit kind %q", m.Kind), nil)
	}

	c, err := s.client.circuitMgr.Request(ctx, usage)
	if err != nil {
		return nil, err
	}
	return OpenCircuitResult{UniqueID: c.UniqueID(), Hops: c.NHops()}, nil
}

func handleCloseCircuit(ctx context.Context, s *rpcSession, m CloseCircuitMethod) (any, error) {
	mgr := s.client.circuitMgr
	c, err := mgr.GetCircuitByUniqueID(m.UniqueID)
	if err != nil {
		return nil, torerrors.ConfigurationError("no such circuit", err)
	}
	if err := mgr.CloseCircuit(c.ID); err != nil {
		return nil, err
	}
	return CloseCircuitResult{}, nil
}

func init() {
	rpc.RegisterStatic(rpc.NewInvokerEnt(rpc.Func[*rpcSession, ListCircuitsMethod](handleListCircuits)))
	rpc.RegisterStatic(rpc.NewInvokerEnt(rpc.Func[*rpcSession, OpenCircuitMethod](handleOpenCircuit)))
	rpc.RegisterStatic(rpc.NewInvokerEnt(rpc.Func[*rpcSession, CloseCircuitMethod](handleCloseCircuit)))

	rpc.RegisterMethodName("session:list-circuits", rpc.DecodeParams[ListCircuitsMethod])
	rpc.RegisterMethodName("circuit:open", rpc.DecodeParams[OpenCircuitMethod])
	rpc.RegisterMethodName("circuit:close", rpc.DecodeParams[CloseCircuitMethod])
}

// newRPCRegistry builds the per-process RPC state for this client: the
// dispatch table from the static inventory (auth methods plus the
// session methods above) and the registry holding the MAC key and live
// connection set.
func newRPCRegistry(c *Client) (*rpc.Registry, error) {
	table := rpc.FromStatic()
	return rpc.NewRegistry(table, func(scheme rpc.AuthScheme) rpc.Object {
		return &rpcSession{client: c, scheme: scheme}
	})
}

// newRPCServer builds the RPC listener for port. Connections arriving on
// the loopback interface authenticate with auth:inherent: reaching the
// socket at all is the credential, the same trust model the control port
// uses.
func newRPCServer(c *Client, port int) (*rpc.Server, error) {
	registry, err := newRPCRegistry(c)
	if err != nil {
		return nil, err
	}
	point := connpoint.NewTCP("127.0.0.1", uint16(port))
	return rpc.NewServer(point, registry, rpc.AuthInherent, nil, c.logger), nil
}
