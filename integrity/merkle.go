package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
)

// HashPrefix tags every hash string this package emits.
const HashPrefix = "sha256:"

// SHA256Prefixed computes SHA-256 and returns it with the "sha256:" prefix.
func SHA256Prefixed(data []byte) string {
	h := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(h[:])
}

// HashToBytes converts a "sha256:<hex>" string to its 32 raw bytes.
func HashToBytes(prefixed string) ([]byte, error) {
	hexPart, ok := strings.CutPrefix(prefixed, HashPrefix)
	if !ok {
		return nil, fmt.Errorf("integrity: invalid hash prefix: %q", prefixed)
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("integrity: invalid hash hex: %w", err)
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("integrity: hash is %d bytes, want %d", len(b), sha256.Size)
	}
	return b, nil
}

// BytesToHash converts raw hash bytes to a "sha256:<hex>" string.
func BytesToHash(b []byte) string {
	return HashPrefix + hex.EncodeToString(b)
}

// leafHash computes an RFC 6962 leaf hash: SHA-256(0x00 || data).
func leafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}

// nodeHash computes an RFC 6962 interior node hash: SHA-256(0x01 || left || right).
func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// merkleRoot computes the RFC 6962 root over raw leaf data. It returns nil
// for no leaves.
func merkleRoot(data [][]byte) []byte {
	leaves := make([][]byte, len(data))
	for i, d := range data {
		leaves[i] = leafHash(d)
	}
	return computeRoot(leaves)
}

func computeRoot(leaves [][]byte) []byte {
	n := len(leaves)
	switch n {
	case 0:
		return nil
	case 1:
		return append([]byte(nil), leaves[0]...)
	}
	// Split at the largest power of 2 less than n.
	k := largestPowerOf2LessThan(int64(n))
	return nodeHash(computeRoot(leaves[:k]), computeRoot(leaves[k:]))
}

func largestPowerOf2LessThan(n int64) int64 {
	if n <= 1 {
		return 0
	}
	return 1 << (bits.Len64(uint64(n-1)) - 1)
}
