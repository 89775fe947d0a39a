// Package provider defines the uniform fetch contract shared by every content
// source: the structured API, the headless-browser scraper and the RSS mirror.
//
// The orchestrator only ever sees a Provider. Concrete sources differ in
// latency and failure modes, never in shape:
//
//	res, err := p.Fetch(ctx, provider.Request{Op: provider.OpItem, ItemID: "20"})
//	var perr *provider.Error
//	if errors.As(err, &perr) && perr.Transient() { ... }
package provider

import (
	"context"
	"fmt"
	"time"
)

// ID names a provider. It is the key for breaker state and outcome records.
type ID string

const (
	API     ID = "api"
	Scraper ID = "scraper"
	Mirror  ID = "mirror"
)

// Operation is the logical request type a chain is built for.
type Operation string

const (
	OpItem     Operation = "item"
	OpSearch   Operation = "search"
	OpTimeline Operation = "timeline"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpItem, OpSearch, OpTimeline:
		return true
	}
	return false
}

// Request carries the normalized parameters of one logical request.
// Only the fields relevant to Op are read.
type Request struct {
	Op       Operation
	ItemID   string
	Query    string
	Username string
	Limit    int
}

func (r Request) String() string {
	switch r.Op {
	case OpItem:
		return fmt.Sprintf("item(%s)", r.ItemID)
	case OpSearch:
		return fmt.Sprintf("search(%q, %d)", r.Query, r.Limit)
	case OpTimeline:
		return fmt.Sprintf("timeline(%s, %d)", r.Username, r.Limit)
	}
	return string(r.Op)
}

// Item is one fetched content object. Treat it as immutable: NewItem copies the
// payload, and the cache hands out freshly decoded copies on every hit.
type Item struct {
	ID        string         `json:"id" msgpack:"id"`
	Payload   map[string]any `json:"payload" msgpack:"payload"`
	Provider  ID             `json:"provider" msgpack:"provider"`
	FetchedAt time.Time      `json:"fetched_at" msgpack:"fetched_at"`
	// Media holds captured media bytes (e.g. a screenshot). May be nil.
	Media []byte `json:"media,omitempty" msgpack:"media,omitempty"`
}

// NewItem builds an Item with a deep copy of payload.
func NewItem(id string, payload map[string]any, from ID, fetchedAt time.Time) Item {
	return Item{
		ID:        id,
		Payload:   copyMap(payload),
		Provider:  from,
		FetchedAt: fetchedAt,
	}
}

// Result is what a successful Fetch returns. An item request yields exactly one
// Item; search and timeline requests yield zero or more.
type Result struct {
	Op        Operation `json:"op" msgpack:"op"`
	Provider  ID        `json:"provider" msgpack:"provider"`
	FetchedAt time.Time `json:"fetched_at" msgpack:"fetched_at"`
	Items     []Item    `json:"items" msgpack:"items"`
}

// Provider is one external content source.
type Provider interface {
	ID() ID
	// Supports reports whether the source can serve op at all. Chains built
	// for an unsupported operation are rejected at construction.
	Supports(op Operation) bool
	// Fetch performs one attempt. Failures must be *Error values (or errors
	// Classify can map); the caller owns retries.
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// Closer is implemented by providers that hold pooled resources.
type Closer interface {
	Close() error
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
