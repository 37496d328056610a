package validate

import (
	"strings"
	"testing"

	"mnemo/internal/memerr"
)

func TestFieldBoundary(t *testing.T) {
	limits := DefaultLimits()
	exact := strings.Repeat("a", limits.NameMax)
	if err := Field("name", exact, limits.NameMax); err != nil {
		t.Errorf("value of exactly NameMax must pass: %v", err)
	}
	if err := Field("name", exact+"a", limits.NameMax); err == nil {
		t.Error("NameMax+1 must be rejected")
	} else if memerr.CodeOf(err) != memerr.CodeSizeLimit {
		t.Errorf("want E2100, got %s", memerr.CodeOf(err))
	}
}

func TestRequired(t *testing.T) {
	if err := Required("title", "  \t "); err == nil {
		t.Error("whitespace-only value must be rejected")
	}
	if err := Required("title", "ok"); err != nil {
		t.Errorf("unexpected: %v", err)
	}
}

func TestMetadataBytes(t *testing.T) {
	small := map[string]any{"k": "v"}
	if _, err := MetadataBytes(small, 1024); err != nil {
		t.Errorf("unexpected: %v", err)
	}

	big := map[string]any{"blob": strings.Repeat("x", 2048)}
	if _, err := MetadataBytes(big, 1024); err == nil {
		t.Error("oversized metadata must be rejected")
	}

	// Circular references must surface as a validation error, not loop.
	cyc := map[string]any{}
	cyc["self"] = cyc
	if _, err := MetadataBytes(cyc, 1024); err == nil {
		t.Error("circular metadata must be rejected")
	} else if !memerr.IsValidation(err) {
		t.Errorf("want validation error, got %v", err)
	}
}

func TestNormalizeTags(t *testing.T) {
	got, err := NormalizeTags([]string{" Security ", "security", "API", "", "api"}, 20)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	want := []string{"security", "api"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tag[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	many := make([]string, 25)
	for i := range many {
		many[i] = strings.Repeat("t", i+1)
	}
	if _, err := NormalizeTags(many, 20); err == nil {
		t.Error("tag count over cap must be rejected")
	}
}

func TestClamps(t *testing.T) {
	tests := []struct {
		limit, max, want int
	}{
		{0, 100, 1},
		{-7, 100, 1},
		{1, 100, 1},
		{100, 100, 100},
		{101, 100, 100},
		{1 << 40, 100, 100},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.limit, tt.max); got != tt.want {
			t.Errorf("ClampLimit(%d, %d) = %d, want %d", tt.limit, tt.max, got, tt.want)
		}
	}

	if got := LimitOrDefault(0, 20, 100); got != 20 {
		t.Errorf("unset limit should take the default, got %d", got)
	}
	if got := ClampOffset(-1, 10000); got != 0 {
		t.Errorf("negative offset = %d, want 0", got)
	}
	if got := ClampOffset(20000, 10000); got != 10000 {
		t.Errorf("oversized offset = %d, want 10000", got)
	}
}

func TestEnumAndRange(t *testing.T) {
	if err := Enum("category", "mcp", []string{"mcp", "cli", "function", "api"}); err != nil {
		t.Errorf("unexpected: %v", err)
	}
	if err := Enum("category", "gui", []string{"mcp", "cli"}); err == nil {
		t.Error("unknown enum value must be rejected")
	}
	if err := Range("priority", 150, 0, 100); err == nil {
		t.Error("out-of-range priority must be rejected")
	}
	if err := Range("confidence", 0.5, 0, 1); err != nil {
		t.Errorf("unexpected: %v", err)
	}
}
