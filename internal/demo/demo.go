// Package demo is a small MCP server that speaks stdio. `mcphub demo-server`
// runs it so the hub can be tried without installing anything, and the
// test suites spawn it as a real child process.
package demo

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Name is the server name announced during initialize.
const Name = "mcphub-demo"

// NewServer builds the demo server and registers its tools.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(Name, version, server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Return the given text unchanged"),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to return")),
	), echo)

	s.AddTool(mcp.NewTool("add",
		mcp.WithDescription("Add two numbers"),
		mcp.WithNumber("a", mcp.Required()),
		mcp.WithNumber("b", mcp.Required()),
	), add)

	s.AddTool(mcp.NewTool("sleep",
		mcp.WithDescription("Wait for the given number of milliseconds, then answer"),
		mcp.WithNumber("ms", mcp.Required()),
	), sleep)

	s.AddTool(mcp.NewTool("env",
		mcp.WithDescription("Return the value of an environment variable of the server process"),
		mcp.WithString("name", mcp.Required()),
	), env)

	return s
}

func echo(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func add(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a, err := req.RequireFloat("a")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b, err := req.RequireFloat("b")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%g", a+b)), nil
}

func sleep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ms, err := req.RequireFloat("ms")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return mcp.NewToolResultText("done"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func env(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(os.Getenv(name)), nil
}

// Listen serves the demo server over in and out until ctx is done or in
// reaches EOF.
func Listen(ctx context.Context, version string, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(NewServer(version)).Listen(ctx, in, out)
}

// ServeStdio serves the demo server on the process's stdin and stdout. When
// listenAddr is set a TCP listener is held open on it as well, which lets
// the hub observe a bound port.
func ServeStdio(version, listenAddr string) error {
	if listenAddr != "" {
		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
		}
		defer ln.Close()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()
	}
	return server.ServeStdio(NewServer(version))
}
