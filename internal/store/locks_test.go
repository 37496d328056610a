package store

import (
	"strings"
	"testing"

	"mnemo/internal/memerr"
)

func TestCheckoutAndRelease(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.Checkout("src/main.go", "agent-a", "refactoring", 600, nil)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if lock.Owner != "agent-a" {
		t.Errorf("Expected owner agent-a, got %q", lock.Owner)
	}
	if lock.ExpiresAt <= lock.AcquiredAt {
		t.Error("Expected expiry after acquisition")
	}

	// Another owner is refused while the lease holds.
	_, err = s.Checkout("src/main.go", "agent-b", "", 600, nil)
	if memerr.CodeOf(err) != memerr.CodePermissionDenied {
		t.Fatalf("Expected permission denied, got %v", err)
	}
	if !strings.Contains(err.Error(), "agent-a") {
		t.Errorf("Conflict error should name the holder: %v", err)
	}

	// The holder can refresh its own lease.
	refreshed, err := s.Checkout("src/main.go", "agent-a", "still working", 1200, nil)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.ID != lock.ID {
		t.Errorf("Refresh should keep the lock row, got new id")
	}

	// Wrong owner cannot release.
	if err := s.Release("src/main.go", "agent-b"); memerr.CodeOf(err) != memerr.CodePermissionDenied {
		t.Errorf("Expected permission denied on foreign release, got %v", err)
	}

	if err := s.Release("src/main.go", "agent-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := s.Release("src/main.go", "agent-a"); !memerr.IsNotFound(err) {
		t.Errorf("Expected not found on double release, got %v", err)
	}

	// Free path is immediately acquirable.
	if _, err := s.Checkout("src/main.go", "agent-b", "", 600, nil); err != nil {
		t.Errorf("Checkout after release failed: %v", err)
	}
}

func TestCheckoutExpiredReclaim(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.Checkout("stale.txt", "agent-a", "", 600, nil)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	// Backdate the expiry to simulate a dead holder.
	if _, err := s.db.Exec("UPDATE file_locks SET expires_at = ? WHERE id = ?", nowMillis()-1000, lock.ID); err != nil {
		t.Fatalf("Backdate failed: %v", err)
	}

	reclaimed, err := s.Checkout("stale.txt", "agent-b", "taking over", 600, nil)
	if err != nil {
		t.Fatalf("Expected expired lease to be reclaimed: %v", err)
	}
	if reclaimed.Owner != "agent-b" {
		t.Errorf("Expected new owner agent-b, got %q", reclaimed.Owner)
	}
}

func TestCheckoutTTLRules(t *testing.T) {
	s := newTestStore(t)

	// TTL above one day is rejected, and the message says so.
	_, err := s.Checkout("huge.txt", "agent-a", "", MaxLockTTLSeconds+1, nil)
	if !memerr.IsValidation(err) {
		t.Fatalf("Expected validation error for oversized TTL, got %v", err)
	}
	if !strings.Contains(err.Error(), "exceed") {
		t.Errorf("Error should mention the cap: %v", err)
	}

	if _, err := s.Checkout("neg.txt", "agent-a", "", -1, nil); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for negative TTL, got %v", err)
	}

	// Zero TTL means a non-expiring lease.
	forever, err := s.Checkout("pinned.txt", "agent-a", "", 0, nil)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if forever.ExpiresAt != 0 {
		t.Errorf("Expected no expiry, got %d", forever.ExpiresAt)
	}

	// Non-expiring leases survive cleanup.
	if _, err := s.CleanupExpiredLocks(); err != nil {
		t.Fatalf("CleanupExpiredLocks failed: %v", err)
	}
	if _, err := s.GetLock("pinned.txt"); err != nil {
		t.Errorf("Non-expiring lock should survive cleanup: %v", err)
	}
}

func TestLockPathNormalization(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Checkout("src/../src/app.go", "agent-a", "", 600, nil); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	// The cleaned form contends for the same lease.
	_, err := s.Checkout("src/app.go", "agent-b", "", 600, nil)
	if memerr.CodeOf(err) != memerr.CodePermissionDenied {
		t.Errorf("Expected path forms to collide, got %v", err)
	}

	if _, err := s.Checkout("   ", "agent-a", "", 600, nil); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for blank path, got %v", err)
	}
}

func TestListLocksFiltersExpired(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Checkout("live.txt", "agent-a", "", 600, nil); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	stale, err := s.Checkout("stale.txt", "agent-b", "", 600, nil)
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if _, err := s.db.Exec("UPDATE file_locks SET expires_at = ? WHERE id = ?", nowMillis()-1000, stale.ID); err != nil {
		t.Fatalf("Backdate failed: %v", err)
	}

	locks, err := s.ListLocks("", 0)
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 1 || locks[0].Path != "live.txt" {
		t.Errorf("Expected only the live lock, got %d", len(locks))
	}

	byOwner, err := s.ListLocks("agent-a", 0)
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(byOwner) != 1 {
		t.Errorf("Expected 1 lock for agent-a, got %d", len(byOwner))
	}

	// GetLock still returns the expired row for inspection.
	if _, err := s.GetLock("stale.txt"); err != nil {
		t.Errorf("GetLock should return expired leases: %v", err)
	}

	n, err := s.CleanupExpiredLocks()
	if err != nil {
		t.Fatalf("CleanupExpiredLocks failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 lock cleaned, got %d", n)
	}
	if _, err := s.GetLock("stale.txt"); !memerr.IsNotFound(err) {
		t.Errorf("Expected stale lock gone after cleanup, got %v", err)
	}
}
