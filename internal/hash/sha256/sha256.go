// Package sha256 provides SHA-256 content hashing.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher produces hex-encoded SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes data and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader consumes r and returns its digest and length.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	digest := sha256.New()
	n, err := io.Copy(digest, r)
	if err != nil {
		return "", n, fmt.Errorf("hash reader: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), n, nil
}
