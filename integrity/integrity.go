// Package integrity fingerprints fetched items and verifies the result.
//
// A proof has three components, each a "sha256:<hex>" string:
//
//	[0] content hash   SHA-256 of the canonical CBOR encoding of {id, payload}
//	[1] media hash     SHA-256 of the captured media bytes (empty when none)
//	[2] captured-at    SHA-256 of the item's FetchedAt in UTC RFC 3339
//
// The root hash is the RFC 6962 Merkle root over the raw component digests.
// Every input comes from the stored item, so recomputing a proof later yields
// the same bytes.
package integrity

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/hazyhaar/xrelay/provider"
)

// Proof binds an item's content to a Merkle root.
type Proof struct {
	ContentHash string   `json:"content_hash" msgpack:"content_hash"`
	RootHash    string   `json:"root_hash" msgpack:"root_hash"`
	Components  []string `json:"components" msgpack:"components"`
}

var canonical cbor.EncMode

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(fmt.Sprintf("integrity: cbor enc mode: %v", err))
	}
	canonical = em
}

type content struct {
	ID      string         `cbor:"id"`
	Payload map[string]any `cbor:"payload"`
}

// ContentHash returns the content hash of item: SHA-256 over the RFC 8949
// core deterministic CBOR encoding of its id and payload. Map key order in
// the payload does not affect the result.
func ContentHash(item provider.Item) (string, error) {
	b, err := canonical.Marshal(content{ID: item.ID, Payload: item.Payload})
	if err != nil {
		return "", fmt.Errorf("integrity: encode content: %w", err)
	}
	return SHA256Prefixed(b), nil
}

// Compute builds the proof for item. It never reads the wall clock.
func Compute(item provider.Item) (*Proof, error) {
	contentHash, err := ContentHash(item)
	if err != nil {
		return nil, err
	}
	components := []string{
		contentHash,
		SHA256Prefixed(item.Media),
		SHA256Prefixed([]byte(item.FetchedAt.UTC().Format(time.RFC3339Nano))),
	}
	root, err := Root(components)
	if err != nil {
		return nil, err
	}
	return &Proof{ContentHash: contentHash, RootHash: root, Components: components}, nil
}

// Root computes the Merkle root over prefixed component hashes.
func Root(components []string) (string, error) {
	if len(components) == 0 {
		return "", fmt.Errorf("integrity: no components")
	}
	raw := make([][]byte, len(components))
	for i, c := range components {
		b, err := HashToBytes(c)
		if err != nil {
			return "", fmt.Errorf("integrity: component %d: %w", i, err)
		}
		raw[i] = b
	}
	return BytesToHash(merkleRoot(raw)), nil
}

// Verify recomputes the root from components and compares it to rootHash.
// It also requires components[0] to be contentHash, so a valid proof for
// other content cannot be replayed. Malformed input yields false, never a panic.
func Verify(contentHash, rootHash string, components []string) bool {
	if len(components) == 0 || components[0] != contentHash {
		return false
	}
	if _, err := HashToBytes(rootHash); err != nil {
		return false
	}
	root, err := Root(components)
	if err != nil {
		return false
	}
	return root == rootHash
}

// Verify checks the proof against itself.
func (p *Proof) Verify() bool {
	if p == nil {
		return false
	}
	return Verify(p.ContentHash, p.RootHash, p.Components)
}

// Matches reports whether the proof was issued for item as it is now.
func (p *Proof) Matches(item provider.Item) bool {
	fresh, err := Compute(item)
	if err != nil || p == nil {
		return false
	}
	return fresh.RootHash == p.RootHash && fresh.ContentHash == p.ContentHash
}
