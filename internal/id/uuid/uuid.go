// Package uuid provides ID generation helpers for runs and items.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// itemNamespace scopes name-based item IDs so they never collide with other
// UUIDv5 users of the same keys.
var itemNamespace = uuid.MustParse("6f1c1e9a-4b1d-4f59-9a57-2a4bb0e8f4d1")

// Generator creates time-ordered UUIDv7 IDs and stable name-based item IDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRunID returns a UUIDv7 used to identify a run.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// ItemID derives a deterministic UUIDv5 from a source name and an item key,
// so refetching the same URL yields the same ID and dedup can see it.
func ItemID(source, key string) string {
	return uuid.NewSHA1(itemNamespace, []byte(source+"\x00"+key)).String()
}
