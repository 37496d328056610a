package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mnemo/internal/config"
)

// setupTestHome points MNEMO_HOME at a temp dir and resets the globals
// PersistentPreRunE would normally fill in.
func setupTestHome(t *testing.T) {
	t.Helper()
	t.Setenv("MNEMO_HOME", t.TempDir())
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
}

func TestArgWrappersClassifyUsageErrors(t *testing.T) {
	err := minimumArgs(1)(&cobra.Command{}, nil)
	var uerr usageError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := minimumArgs(1)(&cobra.Command{}, []string{"one"}); err != nil {
		t.Fatalf("valid arity rejected: %v", err)
	}
	if err := noArgs(&cobra.Command{}, []string{"stray"}); !errors.As(err, &uerr) {
		t.Fatalf("expected usage error for stray arg, got %v", err)
	}
}

func TestInitCmd(t *testing.T) {
	setupTestHome(t)

	output := captureOutput(t, func() {
		if err := runInit(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runInit failed: %v", err)
		}
	})
	if !strings.Contains(output, "Database ready") {
		t.Fatalf("expected database notice, got: %s", output)
	}
	if _, err := os.Stat(filepath.Join(config.HomeDir(), "config.yaml")); err != nil {
		t.Fatalf("config.yaml was not written: %v", err)
	}

	// Second run must keep the existing config.
	output = captureOutput(t, func() {
		if err := runInit(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runInit second run failed: %v", err)
		}
	})
	if !strings.Contains(output, "already exists") {
		t.Fatalf("expected existing-config notice, got: %s", output)
	}
}

func TestRememberThenQuery(t *testing.T) {
	setupTestHome(t)

	rememberType = "guideline"
	defer func() { rememberType = "" }()

	output := captureOutput(t, func() {
		if err := runRemember(&cobra.Command{}, []string{"Always", "run", "gofmt", "before", "committing"}); err != nil {
			t.Fatalf("runRemember failed: %v", err)
		}
	})
	if !strings.Contains(output, "Stored guideline") {
		t.Fatalf("expected stored notice, got: %s", output)
	}

	output = captureOutput(t, func() {
		if err := runQuery(&cobra.Command{}, []string{"gofmt"}); err != nil {
			t.Fatalf("runQuery failed: %v", err)
		}
	})
	if !strings.Contains(output, "guideline") {
		t.Fatalf("expected the stored guideline in results, got: %s", output)
	}
}

func TestQueryEmptyStore(t *testing.T) {
	setupTestHome(t)

	output := captureOutput(t, func() {
		if err := runQuery(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runQuery failed: %v", err)
		}
	})
	if !strings.Contains(output, "No matching entries") {
		t.Fatalf("expected empty-store notice, got: %s", output)
	}
}

func TestStatsCmd(t *testing.T) {
	setupTestHome(t)

	output := captureOutput(t, func() {
		if err := runStats(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runStats failed: %v", err)
		}
	})
	if !strings.Contains(output, "Database:") {
		t.Fatalf("expected stats header, got: %s", output)
	}
	if !strings.Contains(output, "guidelines") {
		t.Fatalf("expected entry counts, got: %s", output)
	}
}

func TestLocksCleanupEmptyStore(t *testing.T) {
	setupTestHome(t)

	output := captureOutput(t, func() {
		if err := runLocksCleanup(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runLocksCleanup failed: %v", err)
		}
	})
	if !strings.Contains(output, "Purged 0") {
		t.Fatalf("expected zero purge count, got: %s", output)
	}
}

func TestSweepRequiresConversation(t *testing.T) {
	setupTestHome(t)

	sweepConversation = ""
	err := runSweep(&cobra.Command{}, nil)
	var uerr usageError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected usage error without --conversation, got %v", err)
	}
}

func TestReembedRequiresProvider(t *testing.T) {
	setupTestHome(t)

	// Default config is genai without a key, so no provider is satisfiable.
	err := runReembed(&cobra.Command{}, nil)
	if err == nil || !strings.Contains(err.Error(), "no embedding provider") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestHumanBytes(t *testing.T) {
	if got := humanBytes(512); got != "512 B" {
		t.Fatalf("expected 512 B, got %s", got)
	}
	if got := humanBytes(2048); got != "2.0 KiB" {
		t.Fatalf("expected 2.0 KiB, got %s", got)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
