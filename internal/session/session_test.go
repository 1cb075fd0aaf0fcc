package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
)

type wireMsg struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

// fakeServer plays the server side of a session over two pipes.
type fakeServer struct {
	t        *testing.T
	requests chan wireMsg
	other    chan wireMsg
	out      *io.PipeWriter
	writeMu  sync.Mutex
}

func newPair(t *testing.T, opts ...Option) (*Session, *fakeServer) {
	t.Helper()
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	f := &fakeServer{
		t:        t,
		requests: make(chan wireMsg, 100),
		other:    make(chan wireMsg, 100),
		out:      toClientW,
	}
	go func() {
		reader := bufio.NewReader(toServerR)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var m wireMsg
			if json.Unmarshal(line, &m) != nil {
				continue
			}
			if m.Method != "" && m.ID != nil {
				f.requests <- m
			} else {
				f.other <- m
			}
		}
	}()

	s := New("fake", toServerW, toClientR, opts...)
	t.Cleanup(func() {
		_ = s.Close()
		_ = toClientW.Close()
		_ = toServerR.Close()
	})
	return s, f
}

func (f *fakeServer) next() wireMsg {
	f.t.Helper()
	select {
	case m := <-f.requests:
		return m
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for a request")
		return wireMsg{}
	}
}

func (f *fakeServer) nextOther() wireMsg {
	f.t.Helper()
	select {
	case m := <-f.other:
		return m
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for a client message")
		return wireMsg{}
	}
}

func (f *fakeServer) sendLine(line string) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, _ = f.out.Write([]byte(line + "\n"))
}

func (f *fakeServer) reply(id int64, result any) {
	data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	require.NoError(f.t, err)
	f.sendLine(string(data))
}

func TestCall_ResponsesRoutedById(t *testing.T) {
	s, f := newPair(t)

	type outcome struct {
		raw json.RawMessage
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)
	go func() {
		raw, err := s.Call(context.Background(), "first", nil)
		first <- outcome{raw, err}
	}()
	a := f.next()
	go func() {
		raw, err := s.Call(context.Background(), "second", nil)
		second <- outcome{raw, err}
	}()
	b := f.next()
	require.NotEqual(t, *a.ID, *b.ID)

	// Answer in reverse order.
	f.reply(*b.ID, map[string]string{"who": b.Method})
	f.reply(*a.ID, map[string]string{"who": a.Method})

	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.JSONEq(t, `{"who":"first"}`, string(r1.raw))
	assert.JSONEq(t, `{"who":"second"}`, string(r2.raw))
	assert.Zero(t, s.Pending())
}

func TestCall_ManyConcurrentCallers(t *testing.T) {
	s, f := newPair(t)

	go func() {
		for i := 0; i < 20; i++ {
			m := f.next()
			f.reply(*m.ID, map[string]string{"method": m.Method})
		}
	}()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("m%d", i)
			raw, err := s.Call(context.Background(), method, nil)
			if err != nil || string(raw) != fmt.Sprintf(`{"method":"%s"}`, method) {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
}

func TestCall_TimeoutKeepsTransportOpen(t *testing.T) {
	s, f := newPair(t)

	_, err := s.CallWithTimeout(context.Background(), "slow", nil, 50*time.Millisecond)
	var timeout *api.RequestTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, "slow", timeout.Method)
	assert.Zero(t, s.Pending(), "timed out request must be removed")

	slow := f.next()
	cancelled := f.nextOther()
	assert.Equal(t, methodCancelled, cancelled.Method)

	// A late answer for the timed out request is discarded.
	f.reply(*slow.ID, "late")

	done := make(chan error, 1)
	go func() {
		raw, err := s.Call(context.Background(), "fast", nil)
		if err == nil && string(raw) != `"ok"` {
			err = fmt.Errorf("unexpected result %s", raw)
		}
		done <- err
	}()
	fast := f.next()
	f.reply(*fast.ID, "ok")
	require.NoError(t, <-done)
	assert.Eventually(t, func() bool { return s.Unmatched() == 1 }, time.Second, 10*time.Millisecond)
	assert.Nil(t, s.Err())
}

func TestCall_ContextCancellation(t *testing.T) {
	s, f := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, "wait", nil)
		errc <- err
	}()
	f.next()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, s.Pending())
}

func TestEOF_FailsAllPending(t *testing.T) {
	s, f := newPair(t, WithStderr(func() string { return "panic: out of cheese" }))

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.Call(context.Background(), "never", nil)
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		f.next()
	}
	require.NoError(t, f.out.Close())

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			var closed *api.TransportClosedError
			require.True(t, errors.As(err, &closed), "got %v", err)
			assert.Equal(t, "panic: out of cheese", closed.Stderr)
		case <-time.After(5 * time.Second):
			t.Fatal("pending request was not failed on EOF")
		}
	}

	<-s.Done()
	_, err := s.Call(context.Background(), "after", nil)
	assert.True(t, api.IsTransportClosed(err))
	assert.True(t, api.IsTransportClosed(s.Err()))
}

func TestMalformedLineIsSkipped(t *testing.T) {
	s, f := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "x", nil)
		done <- err
	}()
	m := f.next()
	f.sendLine("this is not json")
	f.sendLine(`{"jsonrpc":"2.0","result":{}}`)
	f.sendLine(`{"jsonrpc":"2.0","id":"abc","result":{}}`)
	f.sendLine(`{"jsonrpc":"2.0","id":12345,"result":{}}`)
	f.reply(*m.ID, true)

	require.NoError(t, <-done)
	assert.Equal(t, int64(2), s.ProtocolErrors())
	assert.Equal(t, int64(2), s.Unmatched())
	assert.Nil(t, s.Err())
}

func TestRPCError(t *testing.T) {
	s, f := newPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "tools/call", nil)
		done <- err
	}()
	m := f.next()
	f.sendLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"unknown tool"}}`, *m.ID))

	var rpcErr *api.RPCError
	require.True(t, errors.As(<-done, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Equal(t, "unknown tool", rpcErr.Message)
}

func TestServerPingIsAnswered(t *testing.T) {
	_, f := newPair(t)

	f.sendLine(`{"jsonrpc":"2.0","id":99,"method":"ping"}`)
	resp := f.nextOther()
	assert.Equal(t, int64(99), *resp.ID)
	assert.JSONEq(t, `{}`, string(resp.Result))
	assert.Nil(t, resp.Error)

	f.sendLine(`{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage"}`)
	resp = f.nextOther()
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func toolsResult(cursor string, names ...string) map[string]any {
	tools := make([]map[string]any, 0, len(names))
	for _, n := range names {
		tools = append(tools, map[string]any{
			"name":        n,
			"description": n + " tool",
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	res := map[string]any{"tools": tools}
	if cursor != "" {
		res["nextCursor"] = cursor
	}
	return res
}

func TestListTools_CacheAndInvalidation(t *testing.T) {
	s, f := newPair(t)

	var requests atomic.Int32
	go func() {
		for {
			select {
			case m := <-f.requests:
				requests.Add(1)
				f.reply(*m.ID, toolsResult("", "echo"))
			case <-time.After(10 * time.Second):
				return
			}
		}
	}()

	ctx := context.Background()
	tools, err := s.ListTools(ctx, true)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, int32(1), requests.Load())

	_, err = s.ListTools(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load(), "cached list must not hit the server")

	entry, ok := s.CachedTools()
	require.True(t, ok)
	assert.Equal(t, "fake", entry.ServerName)

	_, err = s.ListTools(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load(), "useCache=false always fetches")

	f.sendLine(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	require.Eventually(t, func() bool {
		_, ok := s.CachedTools()
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, err = s.ListTools(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), requests.Load())
}

func TestListTools_ConcurrentMissesShareOneRequest(t *testing.T) {
	s, f := newPair(t)

	var requests atomic.Int32
	go func() {
		for {
			select {
			case m := <-f.requests:
				requests.Add(1)
				time.Sleep(50 * time.Millisecond)
				f.reply(*m.ID, toolsResult("", "a", "b"))
			case <-time.After(10 * time.Second):
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := s.ListTools(context.Background(), true)
			assert.NoError(t, err)
			assert.Len(t, tools, 2)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), requests.Load())
}

func TestListTools_Pagination(t *testing.T) {
	s, f := newPair(t)

	go func() {
		first := f.next()
		f.reply(*first.ID, toolsResult("page-2", "a"))
		second := f.next()
		var params listToolsParams
		_ = json.Unmarshal(second.Params, &params)
		if params.Cursor != "page-2" {
			f.reply(*second.ID, toolsResult("", "wrong-cursor"))
			return
		}
		f.reply(*second.ID, toolsResult("", "b"))
	}()

	tools, err := s.ListTools(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "a", tools[0].Name)
	assert.Equal(t, "b", tools[1].Name)
}

func TestCallTool(t *testing.T) {
	s, f := newPair(t)

	go func() {
		m := f.next()
		var params callToolParams
		_ = json.Unmarshal(m.Params, &params)
		f.reply(*m.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "hello " + params.Arguments["who"].(string)}},
		})
	}()

	res, err := s.CallTool(context.Background(), "greet", map[string]any{"who": "world"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hello world", text.Text)
}

func TestNotificationHandler(t *testing.T) {
	got := make(chan string, 1)
	_, f := newPair(t, WithNotificationHandler(func(method string, _ json.RawMessage) {
		got <- method
	}))

	f.sendLine(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hi"}}`)
	select {
	case m := <-got:
		assert.Equal(t, "notifications/message", m)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestClose_FailsPendingWithErrClosed(t *testing.T) {
	s, f := newPair(t)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "x", nil)
		errc <- err
	}()
	f.next()
	require.NoError(t, s.Close())

	err := <-errc
	assert.True(t, api.IsTransportClosed(err))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCall_DeadlineIsRequestTimeout(t *testing.T) {
	s, f := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	began := time.Now()
	_, err := s.CallTool(ctx, "slow", nil)

	var timeout *api.RequestTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.True(t, api.IsTimeout(err))
	assert.Equal(t, string(mcp.MethodToolsCall), timeout.Method)
	assert.InDelta(t, 100*time.Millisecond, timeout.Timeout, float64(50*time.Millisecond))
	assert.Less(t, time.Since(began), 5*time.Second)
	assert.Zero(t, s.Pending())

	f.next()
	assert.Equal(t, methodCancelled, f.nextOther().Method)
	assert.Nil(t, s.Err())
}

func TestCallTool_TimeoutOption(t *testing.T) {
	s, f := newPair(t, WithTimeout(time.Minute))

	began := time.Now()
	_, err := s.CallTool(context.Background(), "slow", nil, Timeout(80*time.Millisecond))
	var timeout *api.RequestTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, 80*time.Millisecond, timeout.Timeout)
	assert.Less(t, time.Since(began), 5*time.Second)
	f.next()

	// Other calls keep the session default.
	done := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "fast", nil)
		done <- err
	}()
	m := f.next()
	time.Sleep(150 * time.Millisecond)
	f.reply(*m.ID, map[string]any{"content": []any{}})
	require.NoError(t, <-done)
}

func TestListTools_TimeoutOption(t *testing.T) {
	s, f := newPair(t)

	_, err := s.ListTools(context.Background(), false, Timeout(50*time.Millisecond))
	assert.True(t, api.IsTimeout(err), "got %v", err)
	f.next()
}

func TestListTools_CancelledCallerDoesNotFailOthers(t *testing.T) {
	s, f := newPair(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.ListTools(ctxA, false)
		errA <- err
	}()
	req := f.next()

	type outcome struct {
		tools []mcp.Tool
		err   error
	}
	resB := make(chan outcome, 1)
	go func() {
		tools, err := s.ListTools(context.Background(), false)
		resB <- outcome{tools, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	assert.Equal(t, 1, s.Pending(), "the shared request must outlive the cancelled caller")

	f.reply(*req.ID, toolsResult("", "echo"))
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		require.Len(t, res.tools, 1)
		assert.Equal(t, "echo", res.tools[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never got the shared result")
	}

	select {
	case m := <-f.requests:
		t.Fatalf("unexpected extra request %s", m.Method)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListTools_ReturnsCopy(t *testing.T) {
	s, f := newPair(t)

	go func() {
		m := f.next()
		f.reply(*m.ID, toolsResult("", "echo"))
	}()

	tools, err := s.ListTools(context.Background(), false)
	require.NoError(t, err)
	tools[0].Name = "mutated"

	cached, err := s.ListTools(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "echo", cached[0].Name)

	cached[0].Name = "again"
	entry, ok := s.CachedTools()
	require.True(t, ok)
	assert.Equal(t, "echo", entry.Tools[0].Name)
}
