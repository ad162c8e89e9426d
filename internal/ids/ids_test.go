package ids

import (
	"errors"
	"strings"
	"testing"

	"go.jetify.com/typeid"
)

func TestNewClientIDUsesTypeIDWhenGeneratorSucceeds(t *testing.T) {
	id := NewClientID()
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected generated id to be parseable typeid, got %q: %v", id, err)
	}
	if got, want := parsed.Prefix(), ClientPrefix; got != want {
		t.Fatalf("unexpected generated id prefix: got %q want %q", got, want)
	}
}

func TestNewFallsBackToTimestampShapeWhenGeneratorFails(t *testing.T) {
	originalGenerator := generateTypeID
	t.Cleanup(func() {
		generateTypeID = originalGenerator
	})

	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	first := New("client")
	second := New("client")
	if !strings.HasPrefix(first, "client-") {
		t.Fatalf("expected fallback id shape, got %q", first)
	}
	if first == second {
		t.Fatalf("expected fallback ids to be unique, got %q twice", first)
	}
}
