// Package session runs a correlated JSON-RPC session with one MCP server
// over its stdin and stdout.
//
// Messages are newline-delimited JSON. Each request gets a unique id and a
// slot in the pending table; a single read loop routes responses back to
// the waiting caller. Any number of calls can be in flight at once. Writes
// are serialized so lines never interleave.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"mcphub/internal/api"
	"mcphub/pkg/logging"
)

// DefaultRequestTimeout bounds a request that has no explicit timeout.
const DefaultRequestTimeout = 30 * time.Second

// ErrClosed is wrapped in the TransportClosedError of a session closed by
// its owner rather than by the server.
var ErrClosed = errors.New("session closed")

type result struct {
	raw json.RawMessage
	err error
}

type pendingRequest struct {
	id          int64
	method      string
	submittedAt time.Time
	// ch is buffered so the read loop never blocks on a caller that has
	// already given up.
	ch chan result
}

// NotificationHandler receives server notifications other than the ones the
// session handles itself.
type NotificationHandler func(method string, params json.RawMessage)

// Session is a client session with one server process.
type Session struct {
	server string
	id     string

	w       io.WriteCloser
	r       io.Reader
	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]*pendingRequest
	closed  bool
	// closeErr is the TransportClosedError handed to pending and later calls.
	closeErr error
	done     chan struct{}

	timeout    time.Duration
	stderr     func() string
	clientInfo mcp.Implementation
	onNotify   NotificationHandler

	cacheMu  sync.RWMutex
	cache    *ToolCacheEntry
	cacheGen uint64
	flight   singleflight.Group

	infoMu     sync.RWMutex
	serverInfo *mcp.InitializeResult

	protocolErrors atomic.Int64
	unmatched      atomic.Int64
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the default per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithStderr supplies the captured stderr of the server, attached to
// transport errors.
func WithStderr(fn func() string) Option {
	return func(s *Session) { s.stderr = fn }
}

// WithClientInfo sets the name and version announced during initialize.
func WithClientInfo(name, version string) Option {
	return func(s *Session) { s.clientInfo = mcp.Implementation{Name: name, Version: version} }
}

// WithNotificationHandler registers a callback for server notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(s *Session) { s.onNotify = h }
}

// CallOption adjusts a single request.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// Timeout overrides the session's default timeout for one request. Zero
// disables the timeout for that request.
func Timeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func (s *Session) callOptions(opts []CallOption) callOptions {
	o := callOptions{timeout: s.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New starts a session writing requests to w and reading messages from r.
// The read loop runs until r returns an error or the session is closed.
func New(server string, w io.WriteCloser, r io.Reader, opts ...Option) *Session {
	s := &Session{
		server:     server,
		id:         uuid.NewString(),
		w:          w,
		r:          r,
		pending:    make(map[int64]*pendingRequest),
		done:       make(chan struct{}),
		timeout:    DefaultRequestTimeout,
		clientInfo: mcp.Implementation{Name: "mcphub", Version: "dev"},
	}
	for _, opt := range opts {
		opt(s)
	}
	logging.Debug("Session", "Opened session %s for %s", s.id, server)
	go s.readLoop()
	return s
}

// Server returns the name of the server this session talks to.
func (s *Session) Server() string { return s.server }

// ID returns the unique session id used in logs.
func (s *Session) ID() string { return s.id }

// Done is closed once the read loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ProtocolErrors returns how many malformed lines were skipped.
func (s *Session) ProtocolErrors() int64 { return s.protocolErrors.Load() }

// Unmatched returns how many responses arrived for unknown request ids.
func (s *Session) Unmatched() int64 { return s.unmatched.Load() }

// Call sends a request and waits for its response using the session's
// default timeout.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.CallWithTimeout(ctx, method, params, s.timeout)
}

// CallWithTimeout sends a request and waits at most timeout for the
// response. On timeout or cancellation the request is forgotten but the
// session stays open.
func (s *Session) CallWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	p := &pendingRequest{
		id:          s.nextID.Add(1),
		method:      method,
		submittedAt: time.Now(),
		ch:          make(chan result, 1),
	}

	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	s.pending[p.id] = p
	s.mu.Unlock()

	if err := s.write(outgoingRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: p.id, Method: method, Params: params}); err != nil {
		s.remove(p.id)
		return nil, s.transportError(err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-p.ch:
		return res.raw, res.err
	case <-expired:
		if !s.remove(p.id) {
			// The read loop claimed the slot first; its result is on the way.
			res := <-p.ch
			return res.raw, res.err
		}
		logging.Warn("Session", "%s request %d to %s timed out after %s", method, p.id, s.server, timeout)
		s.cancelRemote(p.id, "timeout")
		return nil, &api.RequestTimeoutError{Server: s.server, Method: method, ID: p.id, Timeout: timeout}
	case <-ctx.Done():
		if !s.remove(p.id) {
			res := <-p.ch
			return res.raw, res.err
		}
		err := s.contextError(ctx, method, p.id, p.submittedAt)
		if api.IsTimeout(err) {
			logging.Warn("Session", "%s request %d to %s hit its deadline", method, p.id, s.server)
			s.cancelRemote(p.id, "timeout")
		} else {
			s.cancelRemote(p.id, "cancelled by client")
		}
		return nil, err
	}
}

// contextError turns an expired ctx deadline into a RequestTimeoutError, so
// a deadline and a timeout option fail the same way. Cancellation is
// returned as is.
func (s *Session) contextError(ctx context.Context, method string, id int64, since time.Time) error {
	err := ctx.Err()
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	waited := time.Since(since)
	if deadline, ok := ctx.Deadline(); ok {
		waited = deadline.Sub(since)
	}
	return &api.RequestTimeoutError{Server: s.server, Method: method, ID: id, Timeout: waited.Round(time.Millisecond)}
}

// Notify sends a notification. Notifications get no response.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed, closeErr := s.closed, s.closeErr
	s.mu.Unlock()
	if closed {
		return closeErr
	}
	if err := s.write(outgoingNotification{JSONRPC: mcp.JSONRPC_VERSION, Method: method, Params: params}); err != nil {
		return s.transportError(err)
	}
	return nil
}

// cancelRemote tells the server the client stopped waiting. Delivery is
// best effort; the server may still answer and that answer is discarded.
func (s *Session) cancelRemote(id int64, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Notify(ctx, methodCancelled, cancelledParams{RequestID: id, Reason: reason})
	}()
}

func (s *Session) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.w.Write(data)
	return err
}

// remove deletes a pending request and reports whether it was still there.
func (s *Session) remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Session) take(id int64) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return p, ok
}

func (s *Session) transportError(err error) error {
	var tail string
	if s.stderr != nil {
		tail = s.stderr()
	}
	return &api.TransportClosedError{Server: s.server, Stderr: tail, Err: err}
}

func (s *Session) readLoop() {
	defer close(s.done)

	reader := bufio.NewReaderSize(s.r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			s.handleLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.shutdown(s.transportError(err))
			return
		}
	}
}

func (s *Session) handleLine(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.protocolErrors.Add(1)
		perr := &api.ProtocolError{Server: s.server, Line: string(bytes.TrimSpace(line)), Err: err}
		logging.Warn("Session", "Skipping line: %v", perr)
		return
	}

	switch {
	case msg.Method != "" && msg.ID != nil:
		go s.handleServerRequest(msg)
	case msg.Method != "":
		s.handleNotification(msg)
	default:
		s.handleResponse(msg)
	}
}

func (s *Session) handleResponse(msg message) {
	if msg.ID == nil {
		s.protocolErrors.Add(1)
		logging.Warn("Session", "Discarding response without id from %s", s.server)
		return
	}
	var id int64
	if err := json.Unmarshal(*msg.ID, &id); err != nil {
		s.unmatched.Add(1)
		logging.Warn("Session", "Discarding response with foreign id %s from %s", string(*msg.ID), s.server)
		return
	}

	p, ok := s.take(id)
	if !ok {
		s.unmatched.Add(1)
		logging.Debug("Session", "Discarding response for unknown request %d from %s", id, s.server)
		return
	}

	if msg.Error != nil {
		p.ch <- result{err: &api.RPCError{Server: s.server, Method: p.method, Code: msg.Error.Code, Message: msg.Error.Message}}
		return
	}
	raw := msg.Result
	if raw == nil {
		raw = json.RawMessage("null")
	}
	logging.Debug("Session", "%s request %d answered in %s", p.method, id, time.Since(p.submittedAt))
	p.ch <- result{raw: raw}
}

func (s *Session) handleNotification(msg message) {
	switch msg.Method {
	case methodToolsListChanged:
		logging.Debug("Session", "Tool list of %s changed", s.server)
		s.InvalidateTools()
	}
	if s.onNotify != nil {
		s.onNotify(msg.Method, msg.Params)
	}
}

// handleServerRequest answers requests the server sends to the client.
// Only ping is supported.
func (s *Session) handleServerRequest(msg message) {
	resp := outgoingResponse{JSONRPC: mcp.JSONRPC_VERSION, ID: msg.ID}
	if msg.Method == string(mcp.MethodPing) {
		resp.Result = struct{}{}
	} else {
		resp.Error = &wireError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not supported by client", msg.Method)}
	}
	if err := s.write(resp); err != nil {
		logging.Debug("Session", "Failed to answer %s from %s: %v", msg.Method, s.server, err)
	}
}

// shutdown fails every pending request with err and rejects later calls.
func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	pending := s.pending
	s.pending = make(map[int64]*pendingRequest)
	s.mu.Unlock()

	for _, p := range pending {
		p.ch <- result{err: err}
	}
	if len(pending) > 0 {
		logging.Warn("Session", "Failed %d pending request(s) to %s: %v", len(pending), s.server, err)
	}
	logging.Debug("Session", "Session %s for %s ended", s.id, s.server)
}

// Close closes the server's stdin, which asks a stdio server to exit, and
// fails any pending requests.
func (s *Session) Close() error {
	s.shutdown(s.transportError(ErrClosed))
	err := s.w.Close()
	if c, ok := s.r.(io.Closer); ok {
		_ = c.Close()
	}
	return err
}
