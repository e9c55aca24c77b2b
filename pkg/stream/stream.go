// Package stream provides Tor stream management for multiplexing connections over circuits.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/veilmesh/torcore/pkg/logger"
	"github.com/veilmesh/torcore/pkg/window"
)

// State represents the current state of a stream
type State int

const (
	// StateNew indicates the stream is newly created
	StateNew State = iota
	// StateConnecting indicates the stream is connecting
	StateConnecting
	// StateConnected indicates the stream is connected and ready
	StateConnected
	// StateClosed indicates the stream has been closed
	StateClosed
	// StateFailed indicates the stream failed
	StateFailed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Stream represents a single connection multiplexed over a circuit
type Stream struct {
	ID        uint16
	CircuitID uint32
	Target    string
	Port      uint16
	State     State
	CreatedAt time.Time
	sendQueue chan []byte
	recvQueue chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	logger    *logger.Logger
	failErr   error

	// Flow control. Each stream owns its windows exclusively; the circuit
	// layer calls TakeSendWindow/HandleSendme around DATA cells it carries
	// for this stream.
	sendWindow *window.SendWindow
	recvWindow *window.RecvWindow
	sendmeOut  *window.SendmeValidator
	acksOwed   int
}

// NewStream creates a new stream
func NewStream(id uint16, circuitID uint32, target string, port uint16, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Stream{
		ID:        id,
		CircuitID: circuitID,
		Target:    target,
		Port:      port,
		State:     StateNew,
		CreatedAt: time.Now(),
		sendQueue:  make(chan []byte, 32),
		recvQueue:  make(chan []byte, 32),
		closeChan:  make(chan struct{}),
		logger:     log.Component("stream"),
		sendWindow: window.NewStreamSendWindow(),
		recvWindow: window.NewStreamRecvWindow(),
		sendmeOut:  window.NewSendmeValidator(),
	}
}

// SetState updates the stream state
func (s *Stream) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldState := s.State
	s.State = state
	s.logger.Debug("Stream state transition",
		"stream_id", s.ID,
		"old_state", oldState,
		"new_state", state)
}

// GetState returns the current stream state
func (s *Stream) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Send queues data to be sent on the stream
func (s *Stream) Send(data []byte) error {
	if s.GetState() != StateConnected {
		return fmt.Errorf("stream not connected: state=%s", s.GetState())
	}

	select {
	case s.sendQueue <- data:
		return nil
	case <-s.closeChan:
		return s.closeError()
	default:
		return fmt.Errorf("send queue full")
	}
}

// Receive reads data from the stream
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.recvQueue:
		return data, nil
	case <-s.closeChan:
		return nil, s.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveData delivers received data to the stream (called by circuit
// layer). Each delivery consumes one receive-window credit; an exhausted
// window means the peer sent more DATA than we invited and fails the
// stream with a protocol violation.
func (s *Stream) ReceiveData(data []byte) error {
	s.mu.Lock()
	sendAck, err := s.recvWindow.Take()
	if err == nil && sendAck {
		s.acksOwed++
	}
	s.mu.Unlock()
	if err != nil {
		s.FailWithError(err)
		return err
	}

	select {
	case s.recvQueue <- data:
		return nil
	case <-s.closeChan:
		return s.closeError()
	default:
		return fmt.Errorf("receive queue full")
	}
}

// ConsumeAckOwed reports whether the stream owes the peer a flow-control
// acknowledgement, consuming one owed ack and crediting the receive
// window. The circuit layer calls this after each delivery and emits a
// stream-level SENDME when it returns true.
func (s *Stream) ConsumeAckOwed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acksOwed == 0 {
		return false
	}
	s.acksOwed--
	if err := s.recvWindow.Put(); err != nil {
		s.logger.Warn("receive window credit failed", "stream_id", s.ID, "error", err)
		return false
	}
	return true
}

// TakeSendWindow reserves one send-window credit for a DATA cell about to
// be emitted on this stream. It reports whether the caller must record
// the cell's tag for later SENDME validation. An exhausted window is a
// caller bug (data must queue until the peer acknowledges).
func (s *Stream) TakeSendWindow() (recordTag bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendWindow.Take(); err != nil {
		return false, err
	}
	return s.sendWindow.ShouldRecordTag(), nil
}

// RecordSendmeTag commits the tag of the DATA cell just sent, to be
// matched against the peer's next stream-level SENDME.
func (s *Stream) RecordSendmeTag(tag []byte) {
	s.mu.Lock()
	s.sendmeOut.Record(tag)
	s.mu.Unlock()
}

// HandleSendme processes a stream-level SENDME from the peer: the echoed
// tag must match the oldest recorded one, and the send window is
// credited. A mismatched or unsolicited acknowledgement fails the stream.
func (s *Stream) HandleSendme(tag []byte) error {
	s.mu.Lock()
	err := s.sendmeOut.Validate(tag)
	if err == nil {
		err = s.sendWindow.Put()
	}
	s.mu.Unlock()
	if err != nil {
		s.FailWithError(err)
		return err
	}
	return nil
}

// SendWindowCredit returns the stream's remaining send credit.
func (s *Stream) SendWindowCredit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sendWindow.Credit()
}

// SendData retrieves data to be sent (called by circuit layer)
func (s *Stream) SendData(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.sendQueue:
		return data, nil
	case <-s.closeChan:
		return nil, s.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// closeError returns the error that caused the stream to stop, or io.EOF
// for a graceful close that carries no failure reason.
func (s *Stream) closeError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return s.failErr
	}
	return io.EOF
}

// Err returns the error that failed the stream, or nil if the stream was
// never failed (it may still be open, or may have closed cleanly).
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failErr
}

// Close closes the stream cleanly: pending Send/Receive callers observe io.EOF.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.SetState(StateClosed)
		s.logger.Info("Stream closed",
			"stream_id", s.ID,
			"circuit_id", s.CircuitID)
	})
	return nil
}

// FailWithError tears the stream down in response to a fatal error on its
// underlying circuit (most commonly a peer protocol violation): pending and
// future Send/Receive callers observe err instead of a plain io.EOF.
func (s *Stream) FailWithError(err error) {
	s.mu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.SetState(StateFailed)
		s.logger.Info("Stream failed",
			"stream_id", s.ID,
			"circuit_id", s.CircuitID,
			"error", err)
	})
}

// Manager manages multiple streams across circuits
type Manager struct {
	streams   map[uint16]*Stream
	nextID    uint16
	mu        sync.RWMutex
	logger    *logger.Logger
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewManager creates a new stream manager
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Manager{
		streams:   make(map[uint16]*Stream),
		nextID:    1,
		logger:    log.Component("stream-manager"),
		closeChan: make(chan struct{}),
	}
}

// CreateStream creates a new stream for a target
func (m *Manager) CreateStream(circuitID uint32, target string, port uint16) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closeChan:
		return nil, fmt.Errorf("manager closed")
	default:
	}

	// Allocate stream ID
	streamID := m.nextID
	m.nextID++
	if m.nextID == 0 {
		m.nextID = 1 // Skip 0
	}

	stream := NewStream(streamID, circuitID, target, port, m.logger)
	m.streams[streamID] = stream

	m.logger.Info("Stream created",
		"stream_id", streamID,
		"circuit_id", circuitID,
		"target", target,
		"port", port)

	return stream, nil
}

// GetStream retrieves a stream by ID
func (m *Manager) GetStream(streamID uint16) (*Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, exists := m.streams[streamID]
	if !exists {
		return nil, fmt.Errorf("stream not found: %d", streamID)
	}

	return stream, nil
}

// HandleSendme routes a stream-level SENDME from the peer to the stream
// that owns the acknowledged window.
func (m *Manager) HandleSendme(streamID uint16, tag []byte) error {
	stream, err := m.GetStream(streamID)
	if err != nil {
		return err
	}
	return stream.HandleSendme(tag)
}

// RemoveStream removes a stream from management
func (m *Manager) RemoveStream(streamID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, exists := m.streams[streamID]
	if !exists {
		return fmt.Errorf("stream not found: %d", streamID)
	}

	stream.Close()
	delete(m.streams, streamID)

	m.logger.Info("Stream removed", "stream_id", streamID)

	return nil
}

// FailStreamsForCircuit fails and removes every stream multiplexed on
// circuitID with err, the way a circuit torn down by a fatal protocol
// violation must fail every stream it was carrying.
func (m *Manager) FailStreamsForCircuit(circuitID uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, stream := range m.streams {
		if stream.CircuitID == circuitID {
			stream.FailWithError(err)
			delete(m.streams, id)
		}
	}
}

// GetStreamsForCircuit returns all streams on a circuit
func (m *Manager) GetStreamsForCircuit(circuitID uint32) []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var streams []*Stream
	for _, stream := range m.streams {
		if stream.CircuitID == circuitID {
			streams = append(streams, stream)
		}
	}

	return streams
}

// Close closes all streams and the manager
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeChan)

		m.mu.Lock()
		defer m.mu.Unlock()

		for id, stream := range m.streams {
			// Best-effort close during shutdown - errors are logged by the stream itself
			stream.Close() // nolint:errcheck
			delete(m.streams, id)
		}

		m.logger.Info("Stream manager closed")
	})

	return nil
}

// Count returns the number of active streams
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}
