package relay

import (
	"time"

	"github.com/hazyhaar/xrelay/integrity"
	"github.com/hazyhaar/xrelay/provider"
)

// FetchOptions are request-scoped overrides for FetchOne.
type FetchOptions struct {
	// Force bypasses the cache lookup. The fresh result still refreshes the cache.
	Force bool
	// Provider restricts the chain to one provider.
	Provider provider.ID
	// Skip bypasses the listed providers.
	Skip []provider.ID
	// Deadline bounds the whole request, on top of any ctx deadline.
	Deadline time.Duration
}

// ItemResult is the answer to FetchOne.
type ItemResult struct {
	Item      provider.Item    `json:"item"`
	Provider  provider.ID      `json:"provider"`
	FetchedAt time.Time        `json:"fetched_at"`
	Cached    bool             `json:"cached"`
	Proof     *integrity.Proof `json:"proof,omitempty"`
}

// SearchResult is the answer to Search. Proofs[i] belongs to Items[i].
type SearchResult struct {
	Query     string             `json:"query"`
	Limit     int                `json:"limit"`
	Items     []provider.Item    `json:"items"`
	Provider  provider.ID        `json:"provider"`
	FetchedAt time.Time          `json:"fetched_at"`
	Cached    bool               `json:"cached"`
	Proofs    []*integrity.Proof `json:"proofs,omitempty"`
}

// TimelineResult is the answer to Timeline. Proofs[i] belongs to Items[i].
type TimelineResult struct {
	Username  string             `json:"username"`
	Limit     int                `json:"limit"`
	Items     []provider.Item    `json:"items"`
	Provider  provider.ID        `json:"provider"`
	FetchedAt time.Time          `json:"fetched_at"`
	Cached    bool               `json:"cached"`
	Proofs    []*integrity.Proof `json:"proofs,omitempty"`
}

// entry is the cached value: the winning result with the proofs issued when
// it was fetched.
type entry struct {
	Result provider.Result    `json:"result" msgpack:"result"`
	Proofs []*integrity.Proof `json:"proofs,omitempty" msgpack:"proofs,omitempty"`
}
