package repl

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/api"
	"mcphub/internal/cli"
)

type fakeBackend struct {
	running  map[string]bool
	lastArgs map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{running: map[string]bool{}}
}

func (f *fakeBackend) Names() []string { return []string{"demo", "github"} }

func (f *fakeBackend) Status(_ context.Context, name string) (api.ServerStatus, error) {
	if f.running[name] {
		return api.ServerStatus{Name: name, State: api.StateRunning, PID: 42, Ports: []int{3000}, Uptime: "00:00:01"}, nil
	}
	return api.ServerStatus{Name: name, State: api.StateNotStarted}, nil
}

func (f *fakeBackend) Start(_ context.Context, name string) (api.ServerProcessRecord, error) {
	f.running[name] = true
	return api.ServerProcessRecord{Name: name, PID: 42}, nil
}

func (f *fakeBackend) Stop(_ context.Context, name string) (api.StopOutcome, error) {
	if !f.running[name] {
		return api.StopOutcome{}, api.NewNotFoundError("server", name)
	}
	delete(f.running, name)
	return api.StopOutcome{Name: name, Result: api.StopGraceful}, nil
}

func (f *fakeBackend) ListTools(_ context.Context, name string, _ bool) ([]api.ToolDescriptor, error) {
	if !f.running[name] {
		return nil, errors.New("not running")
	}
	return []api.ToolDescriptor{{Server: name, Name: "echo", Description: "Echo text"}, {Server: name, Name: "add"}}, nil
}

func (f *fakeBackend) CallTool(_ context.Context, name, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	f.lastArgs = args
	if tool == "fail" {
		return mcp.NewToolResultError("boom"), nil
	}
	return mcp.NewToolResultText("ok from " + name), nil
}

func TestExecute_Lifecycle(t *testing.T) {
	var out bytes.Buffer
	backend := newFakeBackend()
	r := New(backend, &out)
	ctx := context.Background()

	require.NoError(t, r.Execute(ctx, "start demo"))
	assert.Contains(t, out.String(), "Started demo (pid 42)")
	assert.True(t, backend.running["demo"])

	out.Reset()
	require.NoError(t, r.Execute(ctx, "ps"))
	assert.Contains(t, out.String(), "demo")
	assert.Contains(t, out.String(), "3000")

	out.Reset()
	require.NoError(t, r.Execute(ctx, "tools demo"))
	assert.Contains(t, out.String(), "echo")
	assert.Contains(t, out.String(), "Echo text")

	out.Reset()
	require.NoError(t, r.Execute(ctx, "STOP demo"))
	assert.Contains(t, out.String(), "Stopped demo (graceful)")
	assert.False(t, backend.running["demo"])
}

func TestExecute_UnknownServerSuggests(t *testing.T) {
	r := New(newFakeBackend(), &bytes.Buffer{})
	err := r.Execute(context.Background(), "start dmeo")
	var unknown *cli.UnknownNameError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, unknown.Suggestions, "demo")
}

func TestExecute_Call(t *testing.T) {
	var out bytes.Buffer
	backend := newFakeBackend()
	r := New(backend, &out)
	ctx := context.Background()

	require.NoError(t, r.Execute(ctx, "call demo add a=2 b=3"))
	assert.Equal(t, "ok from demo\n", out.String())
	assert.Equal(t, map[string]any{"a": float64(2), "b": float64(3)}, backend.lastArgs)

	require.NoError(t, r.Execute(ctx, `call demo echo {"text": "hi"}`))
	assert.Equal(t, map[string]any{"text": "hi"}, backend.lastArgs)

	assert.Error(t, r.Execute(ctx, "call demo fail"))
}

func TestExecute_Errors(t *testing.T) {
	r := New(newFakeBackend(), &bytes.Buffer{})
	ctx := context.Background()

	assert.NoError(t, r.Execute(ctx, "   "))
	assert.ErrorContains(t, r.Execute(ctx, "frobnicate"), "unknown command")
	assert.ErrorContains(t, r.Execute(ctx, "call demo"), "usage: call")
	assert.ErrorIs(t, r.Execute(ctx, "quit"), errExit)
}

func TestHelpListsCommands(t *testing.T) {
	var out bytes.Buffer
	r := New(newFakeBackend(), &out)
	require.NoError(t, r.Execute(context.Background(), "help"))
	for _, c := range []string{"start NAME", "stop NAME", "tools NAME", "call NAME TOOL", "exit"} {
		assert.Contains(t, out.String(), c)
	}
}

func TestToolNamesForCompletion(t *testing.T) {
	backend := newFakeBackend()
	r := New(backend, &bytes.Buffer{})
	assert.Nil(t, r.toolNames(context.Background(), "demo"))
	backend.running["demo"] = true
	assert.Equal(t, []string{"echo", "add"}, r.toolNames(context.Background(), "demo"))
}
