package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"sync"
	"syscall"

	torerrors "github.com/veilmesh/torcore/pkg/errors"
)

// Request is one newline-framed message from an RPC client. Obj names the
// target object: the literal "connection" for the connection itself, a
// decimal session-local index, or a MAC-authenticated global id token.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Obj    string          `json:"obj"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorBody is the error half of a terminal response: a stable status
// code, a human-readable message, the OS error number when the root cause
// was a system call, and any peer-originated response blob.
type ErrorBody struct {
	Code    torerrors.StatusCode `json:"code"`
	Message string               `json:"message"`
	OsError int                  `json:"os_error,omitempty"`
	Data    json.RawMessage      `json:"data,omitempty"`
}

// response is one newline-framed message to an RPC client: exactly one of
// Result, Update, or Error is set. Result and Error are terminal for
// their request id; Update is not.
type response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Update any             `json:"update,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

func errorBodyFor(err error) *ErrorBody {
	body := &ErrorBody{
		Code:    torerrors.StatusCodeFor(err),
		Message: err.Error(),
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		body.OsError = int(errno)
	}
	return body
}

// MethodDecoder turns a request's raw params into the concrete Method
// value the dispatch table is keyed on.
type MethodDecoder func(params json.RawMessage) (Method, error)

type methodNameEnt struct {
	decode   MethodDecoder
	file     string
	line     int
	function string
}

var (
	methodNamesMu sync.Mutex
	methodNames   = make(map[string]methodNameEnt)
)

// RegisterMethodName binds a wire method name ("namespace:name") to the
// decoder that produces its concrete Method value. The name must parse as
// a namespaced identifier; a malformed name panics at registration time,
// as does binding the same name from two different call sites. Repeat
// registration from the identical call site is idempotent.
func RegisterMethodName(name string, decode MethodDecoder) {
	if err := ValidateMethodName(name); err != nil {
		panic(err.Error())
	}
	pc, file, line, _ := runtime.Caller(1)
	function := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		function = fn.Name()
	}
	ent := methodNameEnt{decode: decode, file: file, line: line, function: function}

	methodNamesMu.Lock()
	defer methodNamesMu.Unlock()
	if old, exists := methodNames[name]; exists {
		if old.file != ent.file || old.line != ent.line || old.function != ent.function {
			panic(fmt.Sprintf("rpc: conflicting registrations for method name %q", name))
		}
		return
	}
	methodNames[name] = ent
}

func decodeMethod(name string, params json.RawMessage) (Method, error) {
	methodNamesMu.Lock()
	ent, ok := methodNames[name]
	methodNamesMu.Unlock()
	if !ok {
		return nil, torerrors.NoImplementationError(fmt.Sprintf("rpc: unknown method name %q", name))
	}
	return ent.decode(params)
}

// DecodeParams is the MethodDecoder most methods need: unmarshal params
// into a zero value of M. Absent params decode the zero method.
func DecodeParams[M any](params json.RawMessage) (Method, error) {
	var m M
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m); err != nil {
			return nil, torerrors.ConfigurationError("rpc: malformed method params", err)
		}
	}
	return m, nil
}

func init() {
	RegisterMethodName("auth:query", DecodeParams[AuthQueryMethod])
	RegisterMethodName("auth:authenticate", DecodeParams[AuthenticateMethod])
}

// wireWriter serializes frames onto the shared connection writer. The
// mutex is what makes update back-pressure cooperative: a producer's Send
// blocks until earlier frames (its own or another request's) have been
// written through.
type wireWriter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	err error
}

func (ww *wireWriter) writeFrame(frame response) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.err != nil {
		return ww.err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return torerrors.InternalError("rpc: unserializable response frame", err)
	}
	data = append(data, '\n')
	if _, err := ww.w.Write(data); err != nil {
		ww.err = err
		return err
	}
	if err := ww.w.Flush(); err != nil {
		ww.err = err
		return err
	}
	return nil
}

func (ww *wireWriter) fail(err error) {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.err == nil {
		ww.err = err
	}
}

// wireSink feeds a running method's updates back to the client as update
// frames sharing the request id. Once the connection writer has failed,
// every Send returns that failure, which the producer treats as its
// sink having been dropped.
type wireSink struct {
	ww *wireWriter
	id json.RawMessage
}

func (s wireSink) Send(ctx context.Context, update any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ww.writeFrame(response{ID: s.id, Update: update})
}

// maxFrameLen bounds a single request line. Longer lines indicate a
// confused or hostile client, and fail the connection.
const maxFrameLen = 1 << 20

// ServeConn runs the newline-framed request loop for one connection:
// reads requests from r until EOF or ctx cancellation, dispatches each in
// its own goroutine through conn.Dispatch, and writes update and terminal
// frames to w. Pending invocations are cancelled when the loop exits, and
// ServeConn returns only after every invocation goroutine has finished.
func ServeConn(ctx context.Context, conn *Connection, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)

	ww := &wireWriter{w: bufio.NewWriter(w)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameLen)

	// Abnormal exit sequence: cancel pending invocations, fail the writer
	// so any blocked update Send observes its sink is gone, then wait for
	// every invocation goroutine to finish.
	var wg sync.WaitGroup
	defer func() {
		cancel()
		ww.fail(io.ErrClosedPipe)
		wg.Wait()
	}()

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			// With no parseable id there is no request to answer; the
			// framing itself is broken, so drop the connection.
			return torerrors.ProtocolViolationError("rpc: unparseable request frame", err)
		}
		if len(req.ID) == 0 || req.Method == "" {
			ww.writeFrame(response{ID: req.ID, Error: errorBodyFor(
				torerrors.ConfigurationError("rpc: request missing id or method", nil))})
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			runRequest(ctx, conn, ww, req)
		}(req)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// Clean EOF: requests already read still get their terminal frames.
	wg.Wait()
	return nil
}

func runRequest(ctx context.Context, conn *Connection, ww *wireWriter, req Request) {
	result, err := dispatchRequest(ctx, conn, ww, req)
	if err != nil {
		ww.writeFrame(response{ID: req.ID, Error: errorBodyFor(err)})
		return
	}
	ww.writeFrame(response{ID: req.ID, Result: result})
}

func dispatchRequest(ctx context.Context, conn *Connection, ww *wireWriter, req Request) (any, error) {
	obj, err := resolveObject(conn, req.Obj)
	if err != nil {
		return nil, err
	}
	method, err := decodeMethod(req.Method, req.Params)
	if err != nil {
		return nil, err
	}
	log.Debug("dispatching request", "connection_id", conn.ID(), "method", req.Method, "obj", req.Obj)
	return conn.Dispatch(ctx, obj, method, wireSink{ww: ww, id: req.ID})
}

// resolveObject maps a request's obj field to a live object: the
// connection itself, a session-local index, or a global id token. A
// token with a bad MAC resolves the same way as a missing object, so a
// forger learns nothing from the distinction.
func resolveObject(conn *Connection, name string) (Object, error) {
	switch {
	case name == "" || name == "connection":
		return conn, nil
	case isDecimal(name):
		idx, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			return nil, torerrors.ConfigurationError("rpc: bad object index", err)
		}
		obj, ok := conn.LookupByIndex(idx)
		if !ok {
			return nil, torerrors.ConfigurationError("rpc: no such object", nil)
		}
		return obj, nil
	default:
		gid, err := conn.macKey.Decode(name)
		if err != nil || gid.ConnectionID != conn.id {
			return nil, torerrors.ConfigurationError("rpc: no such object", nil)
		}
		obj, ok := conn.LookupByIndex(gid.LocalIndex)
		if !ok {
			return nil, torerrors.ConfigurationError("rpc: no such object", nil)
		}
		return obj, nil
	}
}

func isDecimal(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
