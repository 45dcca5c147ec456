package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDv7s.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	run, err := gen.NewRunID()
	if err != nil || run == goUUID.Nil {
		t.Fatalf("NewRunID() = %v, %v", run, err)
	}
}

func TestItemIDStable(t *testing.T) {
	t.Parallel()

	a := ItemID("feeds", "https://example.com/a")
	if again := ItemID("feeds", "https://example.com/a"); again != a {
		t.Fatalf("expected stable id, got %s vs %s", a, again)
	}
	if other := ItemID("other", "https://example.com/a"); other == a {
		t.Fatal("expected source to scope the id")
	}
	if parsed, err := goUUID.Parse(a); err != nil || parsed.Version() != 5 {
		t.Fatalf("expected UUIDv5, got %s (%v)", a, err)
	}
}
