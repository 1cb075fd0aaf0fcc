package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ParseToolArgs merges a JSON object with KEY=VALUE pairs; pairs win.
// Values that parse as JSON keep their type, anything else is a string.
func ParseToolArgs(raw string, pairs []string) (map[string]any, error) {
	out := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not KEY=VALUE", p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		out[key] = v
	}
	return out, nil
}

// ResultText renders the content of a tool result, one block per line.
func ResultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		switch c := c.(type) {
		case mcp.TextContent:
			b.WriteString(c.Text)
		case mcp.ImageContent:
			fmt.Fprintf(&b, "[image %s, %d bytes base64]", c.MIMEType, len(c.Data))
		case mcp.EmbeddedResource:
			b.WriteString("[embedded resource]")
		default:
			data, _ := json.Marshal(c)
			b.Write(data)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
