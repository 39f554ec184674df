package idgen

import (
	"strings"
	"testing"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Fatalf("expected a UUID, got %q", id)
	}
	if New() == id {
		t.Fatal("expected distinct ids")
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("wh_")
	if !strings.HasPrefix(id, "wh_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if len(id) != len("wh_")+24 {
		t.Fatalf("unexpected length %d for %q", len(id), id)
	}
}

func TestHex(t *testing.T) {
	if got := Hex(16); len(got) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(got))
	}
}

func TestIsValid_RejectsGarbage(t *testing.T) {
	if IsValid("not-a-uuid") {
		t.Fatal("expected invalid")
	}
}
