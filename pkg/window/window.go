// Package window implements the per-circuit and per-stream flow-control
// credit windows used by the Tor cell-relay protocol, together with the
// sendme tag validator that authenticates acknowledgements.
//
// tor-spec.txt §7.4 fixes two parameter triples: circuits start at 1000
// and replenish in increments of 100; streams start at 500 and replenish
// in increments of 50.
package window

import (
	"crypto/subtle"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
	"github.com/veilmesh/torcore/pkg/logger"
)

// Parameter triples for the two window kinds this package supports.
const (
	CircuitWindowMax       = 1000
	CircuitWindowIncrement = 100
	CircuitWindowStart     = 1000

	StreamWindowMax       = 500
	StreamWindowIncrement = 50
	StreamWindowStart     = 500
)

var log = logger.NewDefault().Component("window")

// SendWindow tracks how many DATA-bearing cells may still be sent on a
// flow (a circuit or a stream) before the sender must wait for an
// acknowledgement. Credit is always within [0, Max].
type SendWindow struct {
	credit    int
	max       int
	increment int
}

// NewSendWindow constructs a SendWindow with the given parameter triple.
// start must be within [0, max].
func NewSendWindow(max, increment, start int) *SendWindow {
	return &SendWindow{credit: start, max: max, increment: increment}
}

// NewCircuitSendWindow returns a SendWindow using the circuit parameter
// triple (1000, 100, 1000).
func NewCircuitSendWindow() *SendWindow {
	return NewSendWindow(CircuitWindowMax, CircuitWindowIncrement, CircuitWindowStart)
}

// NewStreamSendWindow returns a SendWindow using the stream parameter
// triple (500, 50, 500).
func NewStreamSendWindow() *SendWindow {
	return NewSendWindow(StreamWindowMax, StreamWindowIncrement, StreamWindowStart)
}

// Credit returns the current credit value.
func (w *SendWindow) Credit() int {
	return w.credit
}

// Take decrements the window by one, representing one DATA cell sent. It
// fails with a protocol-violation error if the window is already empty.
func (w *SendWindow) Take() error {
	if w.credit <= 0 {
		log.Debug("send window exhausted", "max", w.max)
		return torerrors.ProtocolViolationError("send window exhausted", nil)
	}
	w.credit--
	return nil
}

// Put increments the window by the configured increment, representing a
// received acknowledgement. It fails with a protocol-violation error if the
// result would exceed max, meaning the peer sent an unsolicited ack.
func (w *SendWindow) Put() error {
	if w.credit+w.increment > w.max {
		log.Debug("unsolicited sendme rejected", "credit", w.credit, "increment", w.increment, "max", w.max)
		return torerrors.ProtocolViolationError("unsolicited sendme: window would exceed max", nil)
	}
	w.credit += w.increment
	return nil
}

// ShouldRecordTag reports whether the credit remaining after the most
// recent Take is a multiple of increment. Callers must record the
// cryptographic tag of the cell just sent whenever this returns true, so
// that the matching acknowledgement can later be validated against it.
func (w *SendWindow) ShouldRecordTag() bool {
	return w.credit%w.increment == 0
}

// RecvWindow tracks how many DATA-bearing cells may still be accepted on
// a flow before an acknowledgement must be emitted to the peer.
type RecvWindow struct {
	credit    int
	max       int
	increment int
}

// NewRecvWindow constructs a RecvWindow with the given parameter triple.
func NewRecvWindow(max, increment, start int) *RecvWindow {
	return &RecvWindow{credit: start, max: max, increment: increment}
}

// NewCircuitRecvWindow returns a RecvWindow using the circuit parameter
// triple (1000, 100, 1000).
func NewCircuitRecvWindow() *RecvWindow {
	return NewRecvWindow(CircuitWindowMax, CircuitWindowIncrement, CircuitWindowStart)
}

// NewStreamRecvWindow returns a RecvWindow using the stream parameter
// triple (500, 50, 500).
func NewStreamRecvWindow() *RecvWindow {
	return NewRecvWindow(StreamWindowMax, StreamWindowIncrement, StreamWindowStart)
}

// Credit returns the current credit value.
func (w *RecvWindow) Credit() int {
	return w.credit
}

// Take decrements the window by one, representing one DATA cell
// received. It returns whether the caller should emit an acknowledgement
// to the peer, which is true exactly when the new credit is a multiple of
// increment. It fails with a protocol-violation error on underflow.
func (w *RecvWindow) Take() (sendAck bool, err error) {
	if w.credit <= 0 {
		log.Debug("receive window underflow")
		return false, torerrors.ProtocolViolationError("receive window underflow", nil)
	}
	w.credit--
	return w.credit%w.increment == 0, nil
}

// DecrementN bulk-decrements the window by n, for callers that process
// several DATA cells in one accounting step. It fails with a
// protocol-violation error if n exceeds the current credit.
func (w *RecvWindow) DecrementN(n int) error {
	if n > w.credit {
		return torerrors.ProtocolViolationError("receive window underflow", nil)
	}
	w.credit -= n
	return nil
}

// Put increments the window by the configured increment, representing an
// acknowledgement we have just emitted to the peer. Exceeding max here is
// an internal bug (we only ever call Put after emitting an ack we decided
// to send ourselves), not a peer protocol violation.
func (w *RecvWindow) Put() error {
	if w.credit+w.increment > w.max {
		return torerrors.InternalError("receive window overflow", nil)
	}
	w.credit += w.increment
	return nil
}

// SendmeValidator is a FIFO of tags the sender committed to whenever its
// SendWindow.ShouldRecordTag fired. Incoming acknowledgements are matched
// against the oldest outstanding tag.
type SendmeValidator struct {
	tags [][]byte
}

// NewSendmeValidator returns an empty validator.
func NewSendmeValidator() *SendmeValidator {
	return &SendmeValidator{}
}

// Record enqueues the tag of the cell just sent.
func (v *SendmeValidator) Record(tag []byte) {
	cp := make([]byte, len(tag))
	copy(cp, tag)
	v.tags = append(v.tags, cp)
}

// Validate inspects the oldest recorded tag against an incoming
// acknowledgement's tag, if any.
//
//   - a recorded tag exists and the incoming tag matches it (constant-time
//     comparison): the tag is consumed, validation succeeds.
//   - a recorded tag exists but the incoming acknowledgement carries no
//     tag: the tag is consumed, validation succeeds. This is a legacy
//     compatibility path for peers that do not yet authenticate sendmes;
//     per spec it should eventually be rejected once such peers are no
//     longer supported.
//   - a recorded tag exists and the incoming tag does not match it:
//     protocol-violation.
//   - no recorded tag exists: protocol-violation (unexpected
//     acknowledgement).
func (v *SendmeValidator) Validate(tag []byte) error {
	if len(v.tags) == 0 {
		return torerrors.ProtocolViolationError("unexpected sendme: no tag recorded", nil)
	}
	head := v.tags[0]
	if tag != nil && subtle.ConstantTimeCompare(head, tag) != 1 {
		return torerrors.ProtocolViolationError("sendme tag mismatch", nil)
	}
	v.tags = v.tags[1:]
	return nil
}

// Pending returns the number of tags currently outstanding.
func (v *SendmeValidator) Pending() int {
	return len(v.tags)
}
