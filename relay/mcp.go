package relay

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/xrelay/kit"
	"github.com/hazyhaar/xrelay/provider"
)

// RegisterMCP registers the engine operations as MCP tools.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerFetch(srv)
	e.registerSearch(srv)
	e.registerTimeline(srv)
	e.registerVerify(srv)
	e.registerHealth(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (e *Engine) wrap(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.WithRequestIDs(), kit.Logging(e.logger, name))(ep)
}

func (e *Engine) registerFetch(srv *mcp.Server) {
	type req struct {
		ID       string   `json:"id"`
		Force    bool     `json:"force"`
		Provider string   `json:"provider"`
		Skip     []string `json:"skip"`
		Deadline string   `json:"deadline"`
	}

	tool := &mcp.Tool{
		Name:        "xrelay_fetch",
		Description: "Fetch one post by id through the fallback chain, with its integrity proof",
		InputSchema: inputSchema(map[string]any{
			"id":       map[string]any{"type": "string", "description": "Numeric post id"},
			"force":    map[string]any{"type": "boolean", "description": "Bypass the cache"},
			"provider": map[string]any{"type": "string", "description": "Restrict to one provider: api, scraper"},
			"skip":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Providers to bypass"},
			"deadline": map[string]any{"type": "string", "description": "Overall request deadline as a duration, e.g. 5s"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		opts := FetchOptions{Force: p.Force, Provider: provider.ID(p.Provider)}
		for _, s := range p.Skip {
			opts.Skip = append(opts.Skip, provider.ID(s))
		}
		if p.Deadline != "" {
			d, err := time.ParseDuration(p.Deadline)
			if err != nil || d <= 0 {
				return nil, &Error{Op: provider.OpItem, Err: invalid("deadline: want a positive duration such as 5s, got %q", p.Deadline)}
			}
			opts.Deadline = d
		}
		return e.FetchOne(ctx, p.ID, opts)
	}

	kit.RegisterMCPTool(srv, tool, e.wrap(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (e *Engine) registerSearch(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "xrelay_search",
		Description: "Search posts. Served by the structured API only",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query, 1 to 500 characters"},
			"limit": map[string]any{"type": "integer", "description": "Max results, 1 to 100 (default 20)"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return e.Search(ctx, p.Query, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, e.wrap(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (e *Engine) registerTimeline(srv *mcp.Server) {
	type req struct {
		Username string `json:"username"`
		Limit    int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "xrelay_timeline",
		Description: "List a user's recent posts, mirror first with API fallback",
		InputSchema: inputSchema(map[string]any{
			"username": map[string]any{"type": "string", "description": "Account name without @"},
			"limit":    map[string]any{"type": "integer", "description": "Max results, 1 to 100 (default 20)"},
		}, []string{"username"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return e.Timeline(ctx, p.Username, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, e.wrap(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (e *Engine) registerVerify(srv *mcp.Server) {
	type req struct {
		ContentHash string   `json:"content_hash"`
		RootHash    string   `json:"root_hash"`
		Components  []string `json:"components"`
	}

	tool := &mcp.Tool{
		Name:        "xrelay_verify",
		Description: "Check that proof components reproduce the root hash",
		InputSchema: inputSchema(map[string]any{
			"content_hash": map[string]any{"type": "string"},
			"root_hash":    map[string]any{"type": "string"},
			"components":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}, []string{"content_hash", "root_hash", "components"}),
	}

	endpoint := func(_ context.Context, r any) (any, error) {
		p := r.(*req)
		return map[string]bool{"valid": e.VerifyIntegrity(p.ContentHash, p.RootHash, p.Components)}, nil
	}

	kit.RegisterMCPTool(srv, tool, e.wrap(tool.Name, endpoint), kit.DecodeJSON[req]())
}

func (e *Engine) registerHealth(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "xrelay_health",
		Description: "Breaker state, chains, mirror health and scraper pool usage",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return e.Status(ctx)
	}

	kit.RegisterMCPTool(srv, tool, e.wrap(tool.Name, endpoint), kit.DecodeJSON[struct{}]())
}
