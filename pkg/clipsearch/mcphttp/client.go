// Package mcphttp provides a clip search backend that talks to a remote
// search service over the Model Context Protocol's streamable-HTTP transport,
// using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// The remote service is expected to expose a search_clips tool that accepts
// {"query": string, "limit": int} and returns a JSON array of clip candidates
// as text content.
//
// Usage:
//
//	c, err := mcphttp.New(ctx, "https://search.internal/mcp")
//	if err != nil { … }
//	defer c.Close()
//
//	candidates, err := c.Search(ctx, "the warehouse chase", 5)
package mcphttp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/reeltalk/reeltalk/pkg/clipsearch"
	"github.com/reeltalk/reeltalk/pkg/types"
)

// defaultToolName is the tool the remote search service exposes.
const defaultToolName = "search_clips"

// Ensure Client implements the clipsearch.Searcher interface.
var _ clipsearch.Searcher = (*Client)(nil)

// Client is an MCP-backed clip searcher.
//
// All methods are safe for concurrent use; the SDK session multiplexes
// concurrent tool calls.
type Client struct {
	session  *mcpsdk.ClientSession
	toolName string
}

// Option is a functional option for Client.
type Option func(*Client)

// WithToolName overrides the remote tool name called for searches.
func WithToolName(name string) Option {
	return func(c *Client) {
		c.toolName = name
	}
}

// New connects to the MCP search service at endpoint and verifies that the
// search tool is present in its catalogue.
func New(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("mcphttp: endpoint must not be empty")
	}

	c := &Client{toolName: defaultToolName}
	for _, o := range opts {
		o(c)
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "reeltalk-clipsearch", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcphttp: connect %q: %w", endpoint, err)
	}

	found := false
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcphttp: list tools: %w", err)
		}
		if tool.Name == c.toolName {
			found = true
			break
		}
	}
	if !found {
		_ = session.Close()
		return nil, fmt.Errorf("mcphttp: search service does not expose tool %q", c.toolName)
	}

	c.session = session
	return c, nil
}

// Search implements clipsearch.Searcher by calling the remote search tool. A
// blank query or non-positive limit returns an empty result without a call.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]types.ClipCandidate, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []types.ClipCandidate{}, nil
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name: c.toolName,
		Arguments: map[string]any{
			"query": query,
			"limit": limit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mcphttp: %w: %w", clipsearch.ErrUnavailable, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	if result.IsError {
		return nil, fmt.Errorf("mcphttp: %w: %s", clipsearch.ErrUnavailable, sb.String())
	}

	candidates, err := parseCandidates(sb.String())
	if err != nil {
		return nil, fmt.Errorf("mcphttp: %w", err)
	}
	return candidates, nil
}

// Close shuts down the MCP session. After Close returns the Client must not
// be used again.
func (c *Client) Close() error {
	return c.session.Close()
}

// wireCandidate is the JSON shape the search service returns per clip.
type wireCandidate struct {
	ClipID       string  `json:"clip_id"`
	SourceURI    string  `json:"source_uri"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Caption      string  `json:"caption"`
	Score        float64 `json:"score"`
}

// parseCandidates decodes the tool's text content into clip candidates.
// Both a bare array and an object with a "candidates" key are accepted.
func parseCandidates(text string) ([]types.ClipCandidate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []types.ClipCandidate{}, nil
	}

	var wire []wireCandidate
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		var wrapper struct {
			Candidates []wireCandidate `json:"candidates"`
		}
		if err2 := json.Unmarshal([]byte(text), &wrapper); err2 != nil {
			return nil, fmt.Errorf("parse candidates: %w", err)
		}
		wire = wrapper.Candidates
	}

	out := make([]types.ClipCandidate, 0, len(wire))
	for _, w := range wire {
		out = append(out, types.ClipCandidate{
			ClipID:       w.ClipID,
			SourceURI:    w.SourceURI,
			StartSeconds: w.StartSeconds,
			EndSeconds:   w.EndSeconds,
			Caption:      w.Caption,
			Score:        w.Score,
		})
	}
	return out, nil
}
