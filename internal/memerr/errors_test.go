package memerr

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestConstructorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want Code
	}{
		{"validation", Validation("bad input"), CodeValidation},
		{"invalid action", InvalidAction("memory_query", "zap", []string{"search"}), CodeInvalidAction},
		{"not found", NotFound("guideline", "g-123"), CodeNotFound},
		{"unique", UniqueConstraint("name taken"), CodeUniqueConstraint},
		{"permission", PermissionDenied("no write access"), CodePermissionDenied},
		{"rate limited", RateLimited(60000), CodeRateLimited},
		{"size limit", SizeLimit("content", 100, 150, "chars"), CodeSizeLimit},
		{"timeout", Timeout("embed"), CodeTimeout},
		{"unavailable", Unavailable("embedding"), CodeUnavailable},
		{"internal", Internal("boom", nil), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.want {
				t.Errorf("code = %s, want %s", tt.err.Code, tt.want)
			}
			if !strings.HasPrefix(tt.err.Error(), string(tt.want)) {
				t.Errorf("Error() = %q, want %s prefix", tt.err.Error(), tt.want)
			}
		})
	}
}

func TestInvalidActionContext(t *testing.T) {
	err := InvalidAction("memory_episode", "explode", []string{"begin", "complete"})
	valid, ok := err.Context["validActions"].([]string)
	if !ok || len(valid) != 2 {
		t.Fatalf("validActions context missing: %#v", err.Context)
	}
	if err.Context["tool"] != "memory_episode" {
		t.Errorf("tool context = %v", err.Context["tool"])
	}
}

func TestUnwrapChain(t *testing.T) {
	base := errors.New("disk full")
	err := Internal("write failed", base)
	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped cause")
	}
	var typed *Error
	if !errors.As(fmt.Errorf("outer: %w", err), &typed) {
		t.Fatal("errors.As should find *Error through extra wrapping")
	}
	if typed.Code != CodeInternal {
		t.Errorf("code = %s", typed.Code)
	}
}

func TestWrapPreservesCode(t *testing.T) {
	orig := NotFound("tool", "deploy")
	wrapped := Wrap(orig, "handling memory_tool get")
	if CodeOf(wrapped) != CodeNotFound {
		t.Errorf("wrap changed the code: %s", CodeOf(wrapped))
	}
	if !errors.Is(wrapped, orig) {
		t.Error("wrapped error should still match the original")
	}

	plain := Wrap(errors.New("oops"), "store write")
	if CodeOf(plain) != CodeInternal {
		t.Errorf("untyped wrap should become internal, got %s", CodeOf(plain))
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) must be nil")
	}
}

func TestIsValidationCoversSizeLimit(t *testing.T) {
	if !IsValidation(SizeLimit("name", 100, 101, "chars")) {
		t.Error("size-limit errors are validation failures")
	}
	if IsValidation(NotFound("x", "y")) {
		t.Error("not-found is not validation")
	}
}

func TestToWire(t *testing.T) {
	w := ToWire(RateLimited(1500))
	if w.Code != "E2000" {
		t.Errorf("code = %s", w.Code)
	}
	if w.Context["retryAfterMs"] != int64(1500) {
		t.Errorf("retryAfterMs = %v", w.Context["retryAfterMs"])
	}

	w = ToWire(errors.New("plain failure"))
	if w.Code != "E5000" {
		t.Errorf("untyped errors map to E5000, got %s", w.Code)
	}
}

func TestSanitizeScrubsSecretsAndPaths(t *testing.T) {
	out := Sanitize("request failed: api_key=sk-abc123 retry")
	if strings.Contains(out, "sk-abc123") {
		t.Errorf("secret survived: %q", out)
	}
	if !strings.Contains(out, "api_key=[redacted]") {
		t.Errorf("expected redaction marker: %q", out)
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home dir in test environment")
	}
	out = Sanitize("open " + home + "/secrets/config.yaml failed")
	if strings.Contains(out, home) {
		t.Errorf("home path survived: %q", out)
	}
}
