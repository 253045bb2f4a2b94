package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/codeloom/codeloom/internal/vcs"
)

var _ vcs.FileHashStore = (*SQLiteStore)(nil)

// GetIndexedFiles returns every present (non-tombstoned) path recorded for
// collection.
func (s *SQLiteStore) GetIndexedFiles(ctx context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM file_hashes WHERE collection = ? AND state = ?`,
		collection, string(vcs.FileHashPresent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// HasChanged reports whether path is unrecorded, tombstoned, or recorded
// with a hash different from the one given.
func (s *SQLiteStore) HasChanged(ctx context.Context, collection, path, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var existingHash, state string
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, state FROM file_hashes WHERE collection = ? AND path = ?`, collection, path)
	err := row.Scan(&existingHash, &state)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return state != string(vcs.FileHashPresent) || existingHash != hash, nil
}

// UpsertHash records path's current hash and clears any tombstone.
func (s *SQLiteStore) UpsertHash(ctx context.Context, collection, path, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_hashes(collection, path, hash, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, path) DO UPDATE SET
			hash = excluded.hash,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, collection, path, hash, string(vcs.FileHashPresent), timeToUnix(time.Now()))
	return err
}

// MarkDeleted tombstones path's row without removing it.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, collection, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE file_hashes SET state = ?, updated_at = ?
		WHERE collection = ? AND path = ?`,
		string(vcs.FileHashTombstoned), timeToUnix(time.Now()), collection, path)
	return err
}
