// Package api fetches content from a structured, paid REST API.
//
// It is the fastest and most complete source, and the one that rate-limits.
// Requests are paced client-side with a token bucket so a burst of cache
// misses does not immediately earn a 429. Responses are decoded as generic
// JSON and walked with dot-notation paths, so the upstream schema is a matter
// of configuration:
//
//	GET {endpoint}/tweets/{id}                 -> ItemPath   (object)
//	GET {endpoint}/search?q=...&limit=N        -> ListPath   (array)
//	GET {endpoint}/users/{username}/tweets?... -> ListPath   (array)
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/xrelay/provider"
)

const maxBody = 10 * 1024 * 1024

// Config describes how to call and parse the API.
type Config struct {
	Endpoint string
	// APIKey is sent as a bearer token. ${ENV_VAR} references are expanded.
	APIKey string
	// Headers are extra request headers, ${ENV_VAR} expanded.
	Headers map[string]string
	// RatePerSecond paces outgoing requests. Zero disables pacing.
	RatePerSecond float64
	Burst         int
	// ItemPath is the dot path to the item object in a single-item response.
	// Empty means the root object.
	ItemPath string
	// ListPath is the dot path to the item array in search and timeline
	// responses. Empty means the root array.
	ListPath string
	// IDField names the id key inside each item object. Default "id".
	IDField string
}

// Provider is the structured API source.
type Provider struct {
	cfg     Config
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the HTTP client. Timeouts belong on the request
// context, not on the client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(p *Provider) { p.now = fn }
}

// New creates the API provider.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("api: endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("api: endpoint: %w", err)
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	p := &Provider{
		cfg:    cfg,
		apiKey: expandEnv(cfg.APIKey),
		client: &http.Client{},
		now:    time.Now,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) ID() provider.ID { return provider.API }

// Supports reports true for every operation.
func (p *Provider) Supports(op provider.Operation) bool { return op.Valid() }

// Fetch performs one API call.
func (p *Provider) Fetch(ctx context.Context, req provider.Request) (*provider.Result, error) {
	u, err := p.buildURL(req)
	if err != nil {
		return nil, err
	}
	raw, err := p.get(ctx, u)
	if err != nil {
		return nil, err
	}

	now := p.now()
	res := &provider.Result{Op: req.Op, Provider: provider.API, FetchedAt: now}
	if req.Op == provider.OpItem {
		obj, err := walkObject(raw, p.cfg.ItemPath)
		if err != nil {
			return nil, provider.Errorf(provider.API, provider.KindParse, "walk item path %q: %w", p.cfg.ItemPath, err)
		}
		id := asString(obj[p.cfg.IDField])
		if id == "" {
			id = req.ItemID
		}
		res.Items = []provider.Item{provider.NewItem(id, obj, provider.API, now)}
		return res, nil
	}

	list, err := walkPath(raw, p.cfg.ListPath)
	if err != nil {
		return nil, provider.Errorf(provider.API, provider.KindParse, "walk list path %q: %w", p.cfg.ListPath, err)
	}
	res.Items = make([]provider.Item, 0, len(list))
	for _, v := range list {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		res.Items = append(res.Items, provider.NewItem(asString(obj[p.cfg.IDField]), obj, provider.API, now))
		if req.Limit > 0 && len(res.Items) == req.Limit {
			break
		}
	}
	return res, nil
}

func (p *Provider) buildURL(req provider.Request) (string, error) {
	q := url.Values{}
	var path string
	switch req.Op {
	case provider.OpItem:
		path = "/tweets/" + url.PathEscape(req.ItemID)
	case provider.OpSearch:
		path = "/search"
		q.Set("q", req.Query)
		q.Set("limit", strconv.Itoa(req.Limit))
	case provider.OpTimeline:
		path = "/users/" + url.PathEscape(req.Username) + "/tweets"
		q.Set("limit", strconv.Itoa(req.Limit))
	default:
		return "", provider.Errorf(provider.API, provider.KindParse, "unsupported operation %q", req.Op)
	}
	u := p.cfg.Endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

func (p *Provider) get(ctx context.Context, u string) (any, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, provider.Classify(provider.API, ctx.Err())
			}
			// The wait would outlive the deadline: treat as our own rate limit.
			return nil, &provider.Error{Provider: provider.API, Kind: provider.KindRateLimited, Err: err}
		}
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, provider.Errorf(provider.API, provider.KindParse, "new request: %w", err)
	}
	for k, v := range p.cfg.Headers {
		hreq.Header.Set(k, expandEnv(v))
	}
	if p.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}

	resp, err := p.client.Do(hreq)
	if err != nil {
		return nil, provider.Classify(provider.API, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := provider.FromStatus(provider.API, resp.StatusCode)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(snippet) > 0 {
			perr.Err = errors.New(strings.TrimSpace(string(snippet)))
		}
		return nil, perr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, provider.Classify(provider.API, fmt.Errorf("read body: %w", err))
	}
	// UseNumber keeps 64-bit ids exact.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, provider.Errorf(provider.API, provider.KindParse, "json decode: %w", err)
	}
	return raw, nil
}

// walk follows a dot-notation path into a decoded JSON value.
func walk(v any, path string) (any, error) {
	if path == "" {
		return v, nil
	}
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}
	return current, nil
}

// walkPath returns the array found at path.
func walkPath(v any, path string) ([]any, error) {
	current, err := walk(v, path)
	if err != nil {
		return nil, err
	}
	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

// walkObject returns the object found at path.
func walkObject(v any, path string) (map[string]any, error) {
	current, err := walk(v, path)
	if err != nil {
		return nil, err
	}
	obj, ok := current.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an object", path)
	}
	return obj, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// expandEnv replaces ${ENV_VAR} patterns with their values.
func expandEnv(s string) string {
	return os.Expand(s, os.Getenv)
}
