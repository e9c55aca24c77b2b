// Package circuit provides circuit management for the Tor protocol.
// Circuits are paths through the Tor network used to route traffic.
package circuit

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - SHA-1 required by Tor protocol (tor-spec.txt §6.1)
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilmesh/torcore/pkg/cell"
	torerrors "github.com/veilmesh/torcore/pkg/errors"
	"github.com/veilmesh/torcore/pkg/nkeyset"
	"github.com/veilmesh/torcore/pkg/path"
	"github.com/veilmesh/torcore/pkg/trace"
	"github.com/veilmesh/torcore/pkg/window"
)

// State represents the current state of a circuit, following the
// pending-build -> open -> closing -> gone lifecycle: closing is the
// drain phase entered on teardown (graceful or protocol-violation), and
// gone is the single terminal state every circuit ends in.
type State int

const (
	// StatePendingBuild indicates the circuit is being built
	StatePendingBuild State = iota
	// StateOpen indicates the circuit is ready for use
	StateOpen
	// StateClosing indicates the circuit is tearing down: streams are
	// being failed and the connection is being released, but the
	// Circuit value itself is still reachable through the manager.
	StateClosing
	// StateGone indicates the circuit has finished tearing down, whether
	// because of a clean close or a fatal protocol violation.
	StateGone
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StatePendingBuild:
		return "PENDING_BUILD"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateGone:
		return "GONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// uniqueIDSeed randomizes the high bits of every circuit's 64-bit unique
// id so ids remain unguessable across process restarts without changing
// NewCircuit's signature to return an error.
var uniqueIDSeed = func() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}()

var uniqueIDCounter uint64

func nextUniqueID() uint64 {
	return uniqueIDSeed ^ atomic.AddUint64(&uniqueIDCounter, 1)
}

// Circuit represents a Tor circuit
type Circuit struct {
	ID               uint32
	uniqueID         uint64 // opaque 64-bit identifier stable across circuit ID reuse
	State            State
	CreatedAt        time.Time
	Hops             []*Hop
	path             *path.Path    // plan the circuit was built from, if any (path-ref)
	IsolationKey     *IsolationKey // Isolation key for circuit isolation
	conn             interface{}   // Connection to the entry guard (interface{} to avoid circular import)
	mu               sync.RWMutex
	paddingEnabled   bool          // SPEC-002: Enable/disable circuit padding
	paddingInterval  time.Duration // SPEC-002: Interval for padding cells
	lastPaddingTime  time.Time     // SPEC-002: Last time a padding cell was sent
	lastActivityTime time.Time     // SPEC-002: Last time any cell was sent/received
	// CRYPTO-001: Running digests for relay cell verification per tor-spec.txt §6.1
	forwardDigest  hash.Hash // Client → Exit direction
	backwardDigest hash.Hash // Exit → Client direction
	// Stream protocol support
	relayReceiveChan chan *cell.RelayCell // Channel for receiving relay cells
	streamManager    interface{}          // Stream manager (interface{} to avoid circular import)
	// Flow control per tor-spec.txt §7.4, backed by pkg/window's credit
	// windows and sendme tag validators instead of raw counters.
	sendWindow *window.SendWindow      // Circuit-level package window (cells we can send)
	recvWindow *window.RecvWindow      // Circuit-level deliver window (cells we can receive)
	sendmeOut  *window.SendmeValidator // tags we recorded on send, awaiting the peer's ack
	closeErr   error                   // reason the circuit was torn down, if any
	closeOnce  sync.Once
	// SECURITY-001: Replay protection per tor-spec.txt
	replayProtection *cell.ReplayProtection // Replay protection for cells
}

// Hop represents a single hop in a circuit (one relay)
type Hop struct {
	Fingerprint string // Router fingerprint
	Address     string // Router address (IP:port)
	IsGuard     bool   // Whether this is a guard node
	IsExit      bool   // Whether this is an exit node

	// Cryptographic state for this hop (per tor-spec.txt §5.2)
	// These are derived from the key material during circuit extension
	ForwardCipher  cipher.Stream // AES-CTR cipher for encrypting cells (client→relay)
	BackwardCipher cipher.Stream // AES-CTR cipher for decrypting cells (relay→client)
	ForwardDigest  hash.Hash     // SHA-1 running digest for forward direction
	BackwardDigest hash.Hash     // SHA-1 running digest for backward direction
}

// NewHop creates a new hop with the given parameters
func NewHop(fingerprint, address string, isGuard, isExit bool) *Hop {
	return &Hop{
		Fingerprint: fingerprint,
		Address:     address,
		IsGuard:     isGuard,
		IsExit:      isExit,
	}
}

// SetCryptoState sets the cryptographic state for this hop
// This should be called after circuit extension when key material is derived
func (h *Hop) SetCryptoState(forwardCipher, backwardCipher cipher.Stream, forwardDigest, backwardDigest hash.Hash) {
	h.ForwardCipher = forwardCipher
	h.BackwardCipher = backwardCipher
	h.ForwardDigest = forwardDigest
	h.BackwardDigest = backwardDigest
}

// NewCircuit creates a new circuit with the given ID
func NewCircuit(id uint32) *Circuit {
	now := time.Now()
	return &Circuit{
		ID:               id,
		uniqueID:         nextUniqueID(),
		State:            StatePendingBuild,
		CreatedAt:        now,
		Hops:             make([]*Hop, 0, 3),             // Typical circuit has 3 hops
		IsolationKey:     nil,                            // No isolation by default (backward compatible)
		conn:             nil,                            // Connection set later
		paddingEnabled:   true,                           // SPEC-002: Enable padding by default
		paddingInterval:  5 * time.Second,                // SPEC-002: Default 5-second padding interval
		lastPaddingTime:  now,                            // SPEC-002: Initialize padding timer
		lastActivityTime: now,                            // SPEC-002: Initialize activity timer
		forwardDigest:    sha1.New(),                     // CRYPTO-001: Initialize forward digest
		backwardDigest:   sha1.New(),                     // CRYPTO-001: Initialize backward digest
		relayReceiveChan: make(chan *cell.RelayCell, 32), // Buffer for incoming relay cells
		streamManager:    nil,                            // Stream manager set later
		sendWindow:       window.NewCircuitSendWindow(),  // tor-spec.txt §7.4: package window
		recvWindow:       window.NewCircuitRecvWindow(),  // tor-spec.txt §7.4: deliver window
		sendmeOut:        window.NewSendmeValidator(),
		replayProtection: cell.NewReplayProtection(), // SECURITY-001: Initialize replay protection
	}
}

// UniqueID returns the circuit's opaque 64-bit identifier. Unlike ID
// (the small wire-format circuit ID, reused once a circuit is gone),
// UniqueID never repeats for the lifetime of the process.
func (c *Circuit) UniqueID() uint64 {
	return c.uniqueID
}

// PathRef returns the path the circuit was built from, or nil if the
// builder never recorded one (e.g. a circuit assembled hop-by-hop in a
// test without going through Builder.BuildCircuit).
func (c *Circuit) PathRef() *path.Path {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// SetPath records the path this circuit was built from. Called by
// Builder.BuildCircuit once the path used for construction is known.
func (c *Circuit) SetPath(p *path.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = p
}

// NHops returns the number of hops in the circuit. Equivalent to
// Length; provided under the capability's spec name.
func (c *Circuit) NHops() int {
	return c.Length()
}

// IsUsable reports whether the circuit can currently carry new streams:
// open and not in the process of tearing down. Equivalent to IsReady,
// provided under the capability's spec name.
func (c *Circuit) IsUsable() bool {
	return c.GetState() == StateOpen
}

// ExtendOneHop extends the circuit by one hop to target using the given
// handshake type. It is a thin wrapper over Extension.ExtendCircuit,
// exposed directly on Circuit as the spec's extend-one-hop capability.
func (c *Circuit) ExtendOneHop(ctx context.Context, target string, handshakeType HandshakeType) error {
	ext := NewExtension(c, nil)
	return ext.ExtendCircuit(ctx, target, handshakeType)
}

// AddHop adds a hop to the circuit
func (c *Circuit) AddHop(hop *Hop) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State != StatePendingBuild {
		return fmt.Errorf("cannot add hop to circuit in state %s", c.State)
	}

	c.Hops = append(c.Hops, hop)
	return nil
}

// SetState sets the circuit state
func (c *Circuit) SetState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = state
}

// GetState returns the current circuit state
func (c *Circuit) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State
}

// Length returns the number of hops in the circuit
func (c *Circuit) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Hops)
}

// IsReady returns true if the circuit is ready for use
func (c *Circuit) IsReady() bool {
	return c.GetState() == StateOpen
}

// Age returns how long the circuit has existed
func (c *Circuit) Age() time.Duration {
	return time.Since(c.CreatedAt)
}

// Manager manages a collection of circuits
type Manager struct {
	// circuits is addressable both by the small wire-format circuit ID
	// (reused once a circuit is gone) and by the opaque 64-bit unique id
	// that user-facing surfaces hand out.
	circuits *nkeyset.Set[*Circuit, uint32, uint64]
	nextID   uint32
	mu       sync.RWMutex
	closed   bool

	// usage is the supported usage each circuit was built for; consulted
	// by GetOrLaunch when matching a stream request to a cached circuit.
	// Protected by mu.
	usage map[uint32]Usage

	// pending deduplicates concurrent build requests for the same usage
	// key: a second caller asking for an in-flight usage attaches to the
	// same buildAttempt instead of planning a fresh one. Protected by mu.
	pending map[string]*buildAttempt

	planner Planner
	builder CircuitBuilder

	// tracer instruments build attempts when set via SetTracer; nil by
	// default, in which case build spans are skipped entirely.
	tracer *trace.Tracer
}

// SetTracer attaches a tracer that records a span around each build
// attempt (see planAndBuild). Passing nil disables tracing.
func (m *Manager) SetTracer(t *trace.Tracer) {
	m.mu.Lock()
	m.tracer = t
	m.mu.Unlock()
}

// NewManager creates a new circuit manager
func NewManager() *Manager {
	return &Manager{
		circuits: nkeyset.New[*Circuit, uint32, uint64](
			func(c *Circuit) (uint32, bool) { return c.ID, true },
			func(c *Circuit) (uint64, bool) { return c.uniqueID, true },
		),
		nextID:  1, // Circuit ID 0 is reserved
		usage:   make(map[uint32]Usage),
		pending: make(map[string]*buildAttempt),
	}
}

// CreateCircuit creates a new circuit and returns it
func (m *Manager) CreateCircuit() (*Circuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("manager is closed")
	}

	// Find an unused circuit ID
	id := m.nextID
	for {
		if !m.circuits.ContainsKey1(id) {
			break
		}
		id++
		if id == 0 {
			id = 1 // Skip 0
		}
		if id == m.nextID {
			return nil, fmt.Errorf("no available circuit IDs")
		}
	}

	m.nextID = id + 1
	if m.nextID == 0 {
		m.nextID = 1
	}

	circuit := NewCircuit(id)
	m.circuits.Insert(circuit)
	return circuit, nil
}

// GetCircuit returns a circuit by ID
func (m *Manager) GetCircuit(id uint32) (*Circuit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	circuit, exists := m.circuits.ByKey1(id)
	if !exists {
		return nil, fmt.Errorf("circuit %d not found", id)
	}
	return circuit, nil
}

// GetCircuitByUniqueID returns a circuit by its opaque 64-bit unique id,
// the handle user-facing surfaces address circuits by.
func (m *Manager) GetCircuitByUniqueID(uid uint64) (*Circuit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	circuit, exists := m.circuits.ByKey2(uid)
	if !exists {
		return nil, fmt.Errorf("circuit with unique id %d not found", uid)
	}
	return circuit, nil
}

// CloseCircuit closes a circuit
func (m *Manager) CloseCircuit(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	circuit, exists := m.circuits.RemoveByKey1(id)
	if !exists {
		return fmt.Errorf("circuit %d not found", id)
	}

	circuit.Close(torerrors.CircuitError("circuit closed by manager", nil))
	delete(m.usage, id)
	return nil
}

// ListCircuits returns a list of all circuit IDs
func (m *Manager) ListCircuits() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint32, 0, m.circuits.Len())
	for _, c := range m.circuits.Values() {
		ids = append(ids, c.ID)
	}
	return ids
}

// Count returns the number of active circuits
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.circuits.Len()
}

// Close closes all circuits and shuts down the manager gracefully
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("manager already closed")
	}

	// Mark as closed to prevent new circuits
	m.closed = true

	// Close all circuits
	closeReason := torerrors.CircuitError("circuit manager shut down", nil)
	for _, circuit := range m.circuits.IntoValues() {
		circuit.Close(closeReason)
	}

	return nil
}

// IsClosed returns true if the manager has been closed
func (m *Manager) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// SPEC-002: Circuit padding configuration and control
// These methods provide infrastructure for enhanced circuit padding per padding-spec.txt
// Current implementation provides basic padding support with hooks for future adaptive padding

// SetPaddingEnabled enables or disables circuit padding (SPEC-002)
// When enabled, circuits will send PADDING cells according to padding policy
func (c *Circuit) SetPaddingEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paddingEnabled = enabled
}

// IsPaddingEnabled returns whether padding is enabled for this circuit (SPEC-002)
func (c *Circuit) IsPaddingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paddingEnabled
}

// SetPaddingInterval sets the interval for padding cells (SPEC-002)
// interval: time between padding cells (0 = adaptive/traffic-based)
// This provides infrastructure for implementing adaptive padding per padding-spec.txt
func (c *Circuit) SetPaddingInterval(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paddingInterval = interval
}

// GetPaddingInterval returns the current padding interval (SPEC-002)
func (c *Circuit) GetPaddingInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paddingInterval
}

// ShouldSendPadding determines if a padding cell should be sent (SPEC-002)
// Implements basic time-based padding to improve traffic analysis resistance
// per tor-spec.txt §7.1 and padding-spec.txt
//
// Basic policy: Send padding if:
// 1. Padding is enabled
// 2. Circuit is open
// 3. paddingInterval has elapsed since last padding cell
// 4. No recent activity (prevents redundant padding during active use)
func (c *Circuit) ShouldSendPadding() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Basic policy: padding enabled and circuit is open
	if !c.paddingEnabled || c.State != StateOpen {
		return false
	}

	// If no interval configured (0), padding is disabled
	if c.paddingInterval == 0 {
		return false
	}

	now := time.Now()

	// Check if padding interval has elapsed since last padding
	timeSinceLastPadding := now.Sub(c.lastPaddingTime)
	if timeSinceLastPadding < c.paddingInterval {
		return false
	}

	// Don't send padding if there's been recent activity (within 80% of padding interval)
	// This prevents redundant padding when circuit is actively used
	activityThreshold := time.Duration(float64(c.paddingInterval) * 0.8)
	timeSinceActivity := now.Sub(c.lastActivityTime)
	if timeSinceActivity < activityThreshold {
		return false
	}

	return true
}

// RecordPaddingSent updates the last padding time (SPEC-002)
// Should be called after successfully sending a padding cell
func (c *Circuit) RecordPaddingSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPaddingTime = time.Now()
}

// RecordActivity updates the last activity time (SPEC-002)
// Should be called when sending or receiving non-padding cells
func (c *Circuit) RecordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityTime = time.Now()
}

// Direction represents the direction of relay cell flow
type Direction int

const (
	// DirectionForward is client → exit
	DirectionForward Direction = iota
	// DirectionBackward is exit → client
	DirectionBackward
)

// CRYPTO-001: Relay cell digest verification per tor-spec.txt §6.1
// "Each RELAY cell includes a running digest field computed over all relay cells
// sent in same direction on the circuit."

// UpdateDigest updates the running digest for relay cells (CRYPTO-001)
// This must be called for every relay cell sent or received to maintain digest state.
// The digest is computed over the entire relay cell with the digest field zeroed.
// Per tor-spec.txt §6.1: digest = SHA1(digest | relay_cell_with_zeroed_digest)
func (c *Circuit) UpdateDigest(direction Direction, cellData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(cellData) < 11 {
		return fmt.Errorf("relay cell data too short: %d < 11", len(cellData))
	}

	// Create a copy with digest field zeroed (bytes 5-8)
	cellCopy := make([]byte, len(cellData))
	copy(cellCopy, cellData)
	cellCopy[5] = 0
	cellCopy[6] = 0
	cellCopy[7] = 0
	cellCopy[8] = 0

	// Update appropriate digest
	var digest hash.Hash
	if direction == DirectionForward {
		digest = c.forwardDigest
	} else {
		digest = c.backwardDigest
	}

	if digest == nil {
		return fmt.Errorf("digest not initialized for direction %d", direction)
	}

	_, err := digest.Write(cellCopy)
	return err
}

// VerifyDigest verifies the digest of an incoming relay cell (CRYPTO-001)
// This prevents cell injection and replay attacks per tor-spec.txt §6.1.
// Returns error if digest verification fails.
func (c *Circuit) VerifyDigest(direction Direction, cellData []byte, receivedDigest [4]byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Select appropriate digest
	var digest hash.Hash
	if direction == DirectionForward {
		digest = c.forwardDigest
	} else {
		digest = c.backwardDigest
	}

	if digest == nil {
		return fmt.Errorf("digest not initialized for direction %d", direction)
	}

	// Compute expected digest (first 4 bytes of SHA-1)
	// Note: We're checking the state BEFORE updating, so we compute what the
	// digest should be for this cell given the current state
	expectedSum := digest.Sum(nil)
	expected := [4]byte{expectedSum[0], expectedSum[1], expectedSum[2], expectedSum[3]}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare(expected[:], receivedDigest[:]) != 1 {
		return fmt.Errorf("relay cell digest verification failed: expected %x, got %x", expected, receivedDigest)
	}

	return nil
}

// ResetDigests resets the running digests (CRYPTO-001)
// This should be called when establishing a new circuit or after certain protocol events.
func (c *Circuit) ResetDigests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forwardDigest.Reset()
	c.backwardDigest.Reset()
}

// SetIsolationKey sets the isolation key for this circuit
func (c *Circuit) SetIsolationKey(key *IsolationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IsolationKey = key
}

// GetIsolationKey returns the isolation key for this circuit
func (c *Circuit) GetIsolationKey() *IsolationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IsolationKey
}

// SetConnection sets the underlying connection for this circuit
// conn should be a *connection.Connection, but we use interface{} to avoid circular imports
func (c *Circuit) SetConnection(conn interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// SetStreamManager sets the stream manager for this circuit
// mgr should be a *stream.Manager, but we use interface{} to avoid circular imports
func (c *Circuit) SetStreamManager(mgr interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamManager = mgr
}

// streamFailer is satisfied by *stream.Manager; matched via type
// assertion to avoid circular imports between pkg/circuit and pkg/stream.
type streamFailer interface {
	FailStreamsForCircuit(circuitID uint32, err error)
}

// streamSendmeHandler is satisfied by *stream.Manager; a stream-level
// SENDME is routed to the owning stream's window rather than delivered
// to the application.
type streamSendmeHandler interface {
	HandleSendme(streamID uint16, tag []byte) error
}

// Err returns the error that tore the circuit down, or nil if the
// circuit is still open/pending or was never torn down with a reason.
func (c *Circuit) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeErr
}

// Close tears the circuit down: pending-build/open -> closing -> gone.
// reason nil means a graceful close; a non-nil reason (typically a
// *errors.TorError in CategoryProtocolViolation) is recorded and every
// stream multiplexed on this circuit is failed with it, per the
// peer-protocol-violation teardown the cell-processing path requires.
// Idempotent: only the first call performs the transition.
func (c *Circuit) Close(reason error) error {
	c.mu.Lock()
	if c.State == StateGone {
		c.mu.Unlock()
		return nil
	}
	c.State = StateClosing
	c.closeErr = reason
	mgr := c.streamManager
	conn := c.conn
	circuitID := c.ID
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		if failer, ok := mgr.(streamFailer); ok {
			failErr := reason
			if failErr == nil {
				failErr = io.EOF
			}
			failer.FailStreamsForCircuit(circuitID, failErr)
		}

		if closer, ok := conn.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	})

	c.mu.Lock()
	c.State = StateGone
	c.mu.Unlock()

	return nil
}

// encryptForward encrypts a relay cell payload with each hop's forward cipher
// This implements the onion encryption per tor-spec.txt §6.1
// The payload is encrypted in reverse hop order (exit -> middle -> guard) so the
// guard's layer is outermost and the exit removes the last layer
func (c *Circuit) encryptForward(payload []byte) []byte {
	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	// Make a copy to avoid modifying the original
	encrypted := make([]byte, len(payload))
	copy(encrypted, payload)

	// Encrypt with each hop's cipher in reverse order (exit -> middle -> guard)
	// Each hop will decrypt one layer, like peeling an onion
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]
		if hop.ForwardCipher != nil {
			// XOR with the cipher stream (AES-CTR encryption)
			hop.ForwardCipher.XORKeyStream(encrypted, encrypted)
		}
	}

	return encrypted
}

// decryptBackward decrypts a relay cell payload from the circuit
// This implements the onion decryption per tor-spec.txt §6.1
// The payload is decrypted in hop order (guard -> middle -> exit)
func (c *Circuit) decryptBackward(payload []byte) []byte {
	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	// Make a copy to avoid modifying the original
	decrypted := make([]byte, len(payload))
	copy(decrypted, payload)

	// Decrypt with each hop's cipher in hop order (guard -> middle -> exit)
	// We receive the cell from the guard, which is the last to encrypt (first to decrypt)
	for _, hop := range hops {
		if hop.BackwardCipher != nil {
			// XOR with the cipher stream (AES-CTR decryption)
			hop.BackwardCipher.XORKeyStream(decrypted, decrypted)
		}
	}

	return decrypted
}

// updateHopDigests updates the per-hop running digests for a relay cell
// This is called after encryption/decryption to update each hop's digest state
func (c *Circuit) updateHopDigests(direction Direction, payload []byte) error {
	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	if len(payload) < 11 {
		return fmt.Errorf("relay cell data too short: %d < 11", len(payload))
	}

	// Create a copy with digest field zeroed (bytes 5-8)
	cellCopy := make([]byte, len(payload))
	copy(cellCopy, payload)
	cellCopy[5] = 0
	cellCopy[6] = 0
	cellCopy[7] = 0
	cellCopy[8] = 0

	// Update the appropriate digest for each hop
	if direction == DirectionForward {
		// Forward: update each hop's forward digest
		for _, hop := range hops {
			if hop.ForwardDigest != nil {
				if _, err := hop.ForwardDigest.Write(cellCopy); err != nil {
					return fmt.Errorf("failed to update forward digest for hop: %w", err)
				}
			}
		}
	} else {
		// Backward: update each hop's backward digest
		for _, hop := range hops {
			if hop.BackwardDigest != nil {
				if _, err := hop.BackwardDigest.Write(cellCopy); err != nil {
					return fmt.Errorf("failed to update backward digest for hop: %w", err)
				}
			}
		}
	}

	return nil
}

// verifyRelayCellDigest verifies the digest of an incoming relay cell
// Returns the hop index that recognized the cell, or -1 if unrecognized
func (c *Circuit) verifyRelayCellDigest(payload []byte) (int, error) {
	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	if len(payload) < 11 {
		return -1, fmt.Errorf("relay cell payload too short: %d < 11", len(payload))
	}

	// Extract the digest from the cell (bytes 5-8)
	var cellDigest [4]byte
	copy(cellDigest[:], payload[5:9])

	// Check if this cell is recognized by any hop
	// A cell is "recognized" if:
	// 1. The digest matches the hop's running backward digest
	// 2. The "recognized" field is zero (bytes 1-2)

	recognized := binary.BigEndian.Uint16(payload[1:3])

	// Try each hop to see which one recognizes this cell
	for hopIdx, hop := range hops {
		if hop.BackwardDigest == nil {
			continue
		}

		// Compute expected digest for this hop
		// Create a copy with digest zeroed
		cellCopy := make([]byte, len(payload))
		copy(cellCopy, payload)
		cellCopy[5] = 0
		cellCopy[6] = 0
		cellCopy[7] = 0
		cellCopy[8] = 0

		// Get the current digest state (without modifying it)
		expectedSum := hop.BackwardDigest.Sum(nil)
		expected := [4]byte{expectedSum[0], expectedSum[1], expectedSum[2], expectedSum[3]}

		// Check if digest matches AND recognized field is zero
		if subtle.ConstantTimeCompare(expected[:], cellDigest[:]) == 1 && recognized == 0 {
			// This hop recognizes the cell
			// Now update the digest with this cell
			if _, err := hop.BackwardDigest.Write(cellCopy); err != nil {
				return -1, fmt.Errorf("failed to update backward digest: %w", err)
			}
			return hopIdx, nil
		}
	}

	// No hop recognized this cell - might be for a stream we don't have
	// or an error condition
	return -1, nil
}

// sendCircuitSendme sends a circuit-level SENDME cell, tagged with the
// most recently recognized hop's backward digest (per tor-spec.txt §7.4
// / proposal 289 authenticated sendmes). The tag lets the peer's
// SendmeValidator reject an ack it never earned.
func (c *Circuit) sendCircuitSendme(tag []byte) error {
	c.mu.Lock()
	if err := c.recvWindow.Put(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	sendmeCell := cell.NewRelayCell(0, cell.RelaySendme, tag)
	return c.SendRelayCell(sendmeCell)
}

// SendRelayCell sends a relay cell through the circuit
// This encrypts the relay cell with per-hop cryptography and sends it through the connection
func (c *Circuit) SendRelayCell(relayCell *cell.RelayCell) error {
	// Check flow control for DATA cells
	// Per tor-spec.txt §7.4, only DATA cells count against the package window
	var recordTag bool
	if relayCell.Command == cell.RelayData {
		c.mu.Lock()
		err := c.sendWindow.Take()
		if err == nil {
			recordTag = c.sendWindow.ShouldRecordTag()
		}
		c.mu.Unlock()
		if err != nil {
			c.Close(err)
			return fmt.Errorf("flow control: %w", err)
		}
	}

	c.mu.Lock()
	conn := c.conn
	state := c.State
	hops := c.Hops
	c.mu.Unlock()

	if state != StateOpen {
		return fmt.Errorf("circuit not open: state=%s", state)
	}

	if conn == nil {
		return fmt.Errorf("circuit has no connection")
	}

	// Encode the relay cell (digest field will be zeroed initially)
	payload, err := relayCell.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode relay cell: %w", err)
	}

	// Compute the digest for the exit hop (last hop in the circuit)
	// Per tor-spec.txt §6.1, each hop maintains its own running digest
	var exitDigestSum []byte
	if len(hops) > 0 {
		exitHop := hops[len(hops)-1]
		if exitHop.ForwardDigest != nil {
			// Create a copy with digest zeroed for digest computation
			cellCopy := make([]byte, len(payload))
			copy(cellCopy, payload)
			cellCopy[5] = 0
			cellCopy[6] = 0
			cellCopy[7] = 0
			cellCopy[8] = 0

			// Update the exit hop's forward digest
			if _, err := exitHop.ForwardDigest.Write(cellCopy); err != nil {
				return fmt.Errorf("failed to update forward digest: %w", err)
			}

			// Get the digest and set it in the payload
			digestSum := exitHop.ForwardDigest.Sum(nil)
			payload[5] = digestSum[0]
			payload[6] = digestSum[1]
			payload[7] = digestSum[2]
			payload[8] = digestSum[3]
			exitDigestSum = digestSum
		}
	}

	if recordTag && exitDigestSum != nil {
		c.mu.Lock()
		c.sendmeOut.Record(exitDigestSum)
		c.mu.Unlock()
	}

	// Encrypt the payload with per-hop cryptography (onion encryption)
	// Each hop will decrypt one layer
	encryptedPayload := c.encryptForward(payload)

	// Create a RELAY cell with the encrypted payload
	cellToSend := &cell.Cell{
		CircID:  c.ID,
		Command: cell.CmdRelay,
		Payload: encryptedPayload,
	}

	// Send through connection (type assert to interface with SendCell method)
	type cellSender interface {
		SendCell(*cell.Cell) error
	}
	sender, ok := conn.(cellSender)
	if !ok {
		return fmt.Errorf("connection does not support SendCell")
	}

	if err := sender.SendCell(cellToSend); err != nil {
		return fmt.Errorf("failed to send cell: %w", err)
	}

	// Record activity
	c.RecordActivity()

	return nil
}

// ReceiveRelayCell receives a relay cell from the circuit
// This blocks until a relay cell is received or the context is cancelled
func (c *Circuit) ReceiveRelayCell(ctx context.Context) (*cell.RelayCell, error) {
	select {
	case relayCell := <-c.relayReceiveChan:
		return relayCell, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveRelayCellTimeout receives a relay cell with a timeout
func (c *Circuit) ReceiveRelayCellTimeout(timeout time.Duration) (*cell.RelayCell, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.ReceiveRelayCell(ctx)
}

// DeliverRelayCell delivers a relay cell to this circuit (called by connection layer)
// This decrypts the cell, verifies the digest, handles flow control, and pushes it to the receive channel
func (c *Circuit) DeliverRelayCell(cellData *cell.Cell) error {
	if cellData.CircID != c.ID {
		return fmt.Errorf("circuit ID mismatch: expected %d, got %d", c.ID, cellData.CircID)
	}

	// Decrypt the relay cell with per-hop cryptography (onion decryption)
	// Each hop decrypts one layer
	decryptedPayload := c.decryptBackward(cellData.Payload)

	// SECURITY-001: Validate against replay attacks before processing
	// We check the decrypted payload to ensure the same cell content isn't replayed
	if c.replayProtection != nil {
		// Get next sequence for backward direction
		c.mu.Lock()
		seqNum := c.replayProtection.GetNextSequence(cell.ReplayBackward)
		err := c.replayProtection.ValidateAndTrack(cell.ReplayBackward, seqNum, decryptedPayload)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("replay protection: %w", err)
		}
	}

	// Verify which hop recognizes this cell
	hopIdx, err := c.verifyRelayCellDigest(decryptedPayload)
	if err != nil {
		return fmt.Errorf("failed to verify relay cell digest: %w", err)
	}

	if hopIdx < 0 {
		// Cell not recognized by any hop
		// This might be a cell for a different stream or an error
		// Per tor-spec.txt §6.1, unrecognized cells should be dropped
		// Silently drop unrecognized cells
		return nil
	}

	// Decode the relay cell
	relayCell, err := cell.DecodeRelayCell(decryptedPayload)
	if err != nil {
		return fmt.Errorf("failed to decode relay cell: %w", err)
	}

	c.mu.RLock()
	hops := c.Hops
	c.mu.RUnlock()

	// Handle flow control per tor-spec.txt §7.4, via the window engine
	// rather than raw counters; any violation here is fatal to the
	// circuit per §7 and fails every stream it carries.
	switch relayCell.Command {
	case cell.RelayData:
		// DATA cells count against our deliver window
		c.mu.Lock()
		sendAck, err := c.recvWindow.Take()
		c.mu.Unlock()
		if err != nil {
			c.Close(err)
			return fmt.Errorf("flow control: %w", err)
		}

		// Check if we should send a SENDME, tagged with the digest that
		// recognized this cell so the peer can authenticate our ack
		if sendAck {
			var tag []byte
			if hopIdx < len(hops) && hops[hopIdx].BackwardDigest != nil {
				tag = hops[hopIdx].BackwardDigest.Sum(nil)
			}
			// Send SENDME in background to avoid blocking delivery
			go func() {
				_ = c.sendCircuitSendme(tag)
			}()
		}

	case cell.RelaySendme:
		if relayCell.StreamID == 0 {
			// Circuit-level SENDME: validate the echoed tag against the
			// one we recorded when our window last ticked down to a
			// multiple of the increment, then credit our send window.
			var tag []byte
			if len(relayCell.Data) > 0 {
				tag = relayCell.Data
			}
			c.mu.Lock()
			err := c.sendmeOut.Validate(tag)
			if err == nil {
				err = c.sendWindow.Put()
			}
			c.mu.Unlock()
			if err != nil {
				c.Close(err)
				return fmt.Errorf("flow control: %w", err)
			}
			// Don't deliver SENDME cells to the application layer
			return nil
		}
		// Stream-level SENDME: credit the owning stream's send window.
		c.mu.RLock()
		mgr := c.streamManager
		c.mu.RUnlock()
		if handler, ok := mgr.(streamSendmeHandler); ok {
			var tag []byte
			if len(relayCell.Data) > 0 {
				tag = relayCell.Data
			}
			if err := handler.HandleSendme(relayCell.StreamID, tag); err != nil {
				return fmt.Errorf("flow control: %w", err)
			}
			return nil
		}
		// No stream manager attached; deliver below so a test harness can
		// observe the raw cell.
	}

	// Record activity
	c.RecordActivity()

	// Deliver to receive channel (non-blocking with timeout)
	select {
	case c.relayReceiveChan <- relayCell:
		return nil
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("relay receive channel full or blocked")
	}
}

// OpenStream opens a new stream on this circuit
// This is a convenience method that integrates with the stream manager
func (c *Circuit) OpenStream(streamID uint16, target string, port uint16) error {
	// Send RELAY_BEGIN cell
	beginPayload := []byte(fmt.Sprintf("%s:%d\x00", target, port))
	beginCell := cell.NewRelayCell(streamID, cell.RelayBegin, beginPayload)

	if err := c.SendRelayCell(beginCell); err != nil {
		return fmt.Errorf("failed to send RELAY_BEGIN: %w", err)
	}

	// Wait for RELAY_CONNECTED response
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	connectedCell, err := c.ReceiveRelayCell(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive RELAY_CONNECTED: %w", err)
	}

	if connectedCell.StreamID != streamID {
		// Not for this stream, put it back?
		// For now, error out
		return fmt.Errorf("received cell for wrong stream: expected %d, got %d", streamID, connectedCell.StreamID)
	}

	if connectedCell.Command == cell.RelayEnd {
		// Stream was rejected
		reason := "unknown"
		if len(connectedCell.Data) > 0 {
			reason = fmt.Sprintf("reason=%d", connectedCell.Data[0])
		}
		return fmt.Errorf("stream rejected by exit: %s", reason)
	}

	if connectedCell.Command != cell.RelayConnected {
		return fmt.Errorf("expected RELAY_CONNECTED, got %s", cell.RelayCmdString(connectedCell.Command))
	}

	return nil
}

// ReadFromStream reads data from a specific stream
// This is used by the SOCKS proxy to receive data from the exit node
func (c *Circuit) ReadFromStream(ctx context.Context, streamID uint16) ([]byte, error) {
	for {
		relayCell, err := c.ReceiveRelayCell(ctx)
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to receive relay cell: %w", err)
		}

		// Filter for our stream
		if relayCell.StreamID != streamID {
			// Cell for different stream, skip
			// TODO: Deliver to correct stream via stream manager
			continue
		}

		switch relayCell.Command {
		case cell.RelayData:
			return relayCell.Data, nil
		case cell.RelayEnd:
			return nil, io.EOF
		default:
			// Unexpected command for this stream
			continue
		}
	}
}

// WriteToStream writes data to a specific stream
// This is used by the SOCKS proxy to send data to the exit node
func (c *Circuit) WriteToStream(streamID uint16, data []byte) error {
	dataCell := cell.NewRelayCell(streamID, cell.RelayData, data)
	return c.SendRelayCell(dataCell)
}

// EndStream sends a RELAY_END cell for a stream
func (c *Circuit) EndStream(streamID uint16, reason byte) error {
	endCell := cell.NewRelayCell(streamID, cell.RelayEnd, []byte{reason})
	return c.SendRelayCell(endCell)
}

// SECURITY-001: Replay protection methods

// GetReplayStats returns replay protection statistics for this circuit.
// This is useful for monitoring and debugging replay detection.
func (c *Circuit) GetReplayStats() cell.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.replayProtection == nil {
		return cell.Stats{}
	}
	return c.replayProtection.Stats()
}

// GetReplayAttempts returns the total number of detected replay attempts.
func (c *Circuit) GetReplayAttempts() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.replayProtection == nil {
		return 0
	}
	return c.replayProtection.TotalReplayAttempts()
}

// ValidateCellForReplay validates a cell against replay attacks.
// This is called during cell processing to detect replayed cells.
// direction: cell.ReplayForward for outgoing, cell.ReplayBackward for incoming
func (c *Circuit) ValidateCellForReplay(direction cell.ReplayDirection, cellData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replayProtection == nil {
		return nil // Replay protection not initialized (shouldn't happen)
	}

	// Get the next sequence number for this direction
	seqNum := c.replayProtection.GetNextSequence(direction)

	// Validate and track the cell
	return c.replayProtection.ValidateAndTrack(direction, seqNum, cellData)
}

// ResetReplayProtection resets the replay protection state.
// This should be called when the circuit is torn down or when
// a new circuit is established on the same Circuit object.
func (c *Circuit) ResetReplayProtection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replayProtection != nil {
		c.replayProtection.Reset()
	}
}
