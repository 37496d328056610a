package store

import (
	"database/sql"
	"path/filepath"
	"strings"

	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/validate"
)

const lockColumns = "id, path, owner, reason, metadata, acquired_at, expires_at"

// normalizeLockPath cleans the path so "a/b/../c" and "a/c" contend for
// the same lease. Relative paths are kept relative; locks are advisory
// and the caller decides the namespace.
func normalizeLockPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", memerr.Validation("path is required")
	}
	return filepath.Clean(path), nil
}

// Checkout acquires an advisory lease on path for owner. A held,
// unexpired lease by another owner is a conflict; an expired one is
// reclaimed in the same transaction. Re-checkout by the same owner
// refreshes the lease.
func (s *Store) Checkout(path, owner, reason string, ttlSeconds int64, metadata map[string]any) (*FileLock, error) {
	path, err := normalizeLockPath(path)
	if err != nil {
		return nil, err
	}
	if err := validate.RequiredField("owner", owner, s.limits.NameMax); err != nil {
		return nil, err
	}
	if err := validate.Field("reason", reason, s.limits.DescriptionMax); err != nil {
		return nil, err
	}
	if ttlSeconds < 0 {
		return nil, memerr.Validation("ttlSeconds must not be negative")
	}
	if ttlSeconds > MaxLockTTLSeconds {
		return nil, memerr.Validationf("ttlSeconds must not exceed %d (one day)", MaxLockTTLSeconds)
	}
	if _, err := validate.MetadataBytes(metadata, s.limits.MetadataMaxBytes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMillis()
	lock := &FileLock{
		Path:       path,
		Owner:      owner,
		Reason:     reason,
		Metadata:   metadata,
		AcquiredAt: now,
	}
	if ttlSeconds > 0 {
		lock.ExpiresAt = now + ttlSeconds*1000
	}

	err = s.withTx(func(tx *sql.Tx) error {
		var existing FileLock
		var meta string
		row := tx.QueryRow("SELECT "+lockColumns+" FROM file_locks WHERE path = ?", path)
		err := row.Scan(&existing.ID, &existing.Path, &existing.Owner, &existing.Reason,
			&meta, &existing.AcquiredAt, &existing.ExpiresAt)
		switch {
		case err == sql.ErrNoRows:
			res, err := tx.Exec(`
				INSERT INTO file_locks (path, owner, reason, metadata, acquired_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				path, owner, reason, marshalMap(metadata), lock.AcquiredAt, lock.ExpiresAt)
			if err != nil {
				return mapSQLError(err, "lock", path)
			}
			lock.ID, _ = res.LastInsertId()
		case err != nil:
			return memerr.Internal("read lock", err)
		default:
			held := existing.Owner != owner &&
				(existing.ExpiresAt == 0 || existing.ExpiresAt > now)
			if held {
				return memerr.PermissionDenied("path is checked out by " + existing.Owner).
					WithContext("path", path).
					WithContext("expiresAt", existing.ExpiresAt)
			}
			if existing.Owner != owner {
				logging.StoreDebug("reclaiming expired lock on %s from %s", path, existing.Owner)
			}
			if _, err := tx.Exec(`
				UPDATE file_locks SET owner = ?, reason = ?, metadata = ?, acquired_at = ?, expires_at = ?
				WHERE id = ?`,
				owner, reason, marshalMap(metadata), lock.AcquiredAt, lock.ExpiresAt, existing.ID); err != nil {
				return memerr.Internal("update lock", err)
			}
			lock.ID = existing.ID
		}
		auditTx(tx, "checkout", "lock", path, owner, map[string]any{"ttlSeconds": ttlSeconds})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Release gives a lease back. Only the holder may release it; releasing
// an unheld path is a NotFound.
func (s *Store) Release(path, owner string) error {
	path, err := normalizeLockPath(path)
	if err != nil {
		return err
	}
	if err := validate.RequiredField("owner", owner, s.limits.NameMax); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		var holder string
		err := tx.QueryRow("SELECT owner FROM file_locks WHERE path = ?", path).Scan(&holder)
		if err == sql.ErrNoRows {
			return memerr.NotFound("lock", path)
		}
		if err != nil {
			return memerr.Internal("read lock", err)
		}
		if holder != owner {
			return memerr.PermissionDenied("path is checked out by " + holder).
				WithContext("path", path)
		}
		if _, err := tx.Exec("DELETE FROM file_locks WHERE path = ?", path); err != nil {
			return memerr.Internal("release lock", err)
		}
		auditTx(tx, "release", "lock", path, owner, nil)
		return nil
	})
}

// GetLock returns the lease on path, expired or not, or NotFound.
func (s *Store) GetLock(path string) (*FileLock, error) {
	path, err := normalizeLockPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+lockColumns+" FROM file_locks WHERE path = ?", path)
	lock, err := scanLock(row)
	if err != nil {
		return nil, mapSQLError(err, "lock", path)
	}
	return lock, nil
}

// ListLocks returns unexpired leases, optionally filtered by owner,
// oldest first.
func (s *Store) ListLocks(owner string, limit int) ([]*FileLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + lockColumns + " FROM file_locks WHERE (expires_at = 0 OR expires_at > ?)"
	args := []any{nowMillis()}
	if owner != "" {
		query += " AND owner = ?"
		args = append(args, owner)
	}
	query += " ORDER BY acquired_at ASC, id ASC LIMIT ?"
	args = append(args, validate.LimitOrDefault(limit, 100, 1000))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, memerr.Internal("list locks", err)
	}
	defer rows.Close()

	var out []*FileLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, memerr.Internal("scan lock", err)
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}

// CleanupExpiredLocks deletes leases past their expiry and reports how
// many were removed.
func (s *Store) CleanupExpiredLocks() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM file_locks WHERE expires_at != 0 AND expires_at <= ?", nowMillis())
	if err != nil {
		return 0, memerr.Internal("cleanup locks", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("cleaned up %d expired locks", n)
	}
	return int(n), nil
}

func scanLock(row rowScanner) (*FileLock, error) {
	var l FileLock
	var meta string
	err := row.Scan(&l.ID, &l.Path, &l.Owner, &l.Reason, &meta, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		return nil, err
	}
	l.Metadata = unmarshalMap(meta)
	return &l, nil
}
