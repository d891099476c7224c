package storage

import (
	"context"
	"fmt"

	relayerrors "github.com/odvcencio/browserrelay/pkg/errors"
)

// JournalStats summarizes the journal contents.
type JournalStats struct {
	Sessions     int   `json:"sessions"`
	OpenSessions int   `json:"openSessions"`
	Events       int   `json:"events"`
	SizeBytes    int64 `json:"sizeBytes"`
}

// Stats returns row counts and the on-disk size of the journal.
func (s *Store) Stats(ctx context.Context) (JournalStats, error) {
	var stats JournalStats
	if s == nil || s.db == nil {
		return stats, ErrStoreClosed
	}

	counts := []struct {
		dst   *int
		query string
	}{
		{&stats.Sessions, `SELECT COUNT(*) FROM relay_sessions`},
		{&stats.OpenSessions, `SELECT COUNT(*) FROM relay_sessions WHERE closed_at IS NULL`},
		{&stats.Events, `SELECT COUNT(*) FROM relay_events`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return stats, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "journal stats")
		}
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return stats, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "journal page count")
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return stats, relayerrors.Wrap(err, relayerrors.ErrCodeStorageRead, "journal page size")
	}
	stats.SizeBytes = pageCount * pageSize
	return stats, nil
}

// Maintain refreshes planner statistics and, when vacuum is set, reclaims
// the space freed by pruning.
func (s *Store) Maintain(ctx context.Context, vacuum bool) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	statements := []string{`ANALYZE`, `PRAGMA optimize`}
	if vacuum {
		statements = append(statements, `VACUUM`)
	}
	for _, stmt := range statements {
		if err := withBusyRetry(func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		}); err != nil {
			return fmt.Errorf("journal maintenance %q: %w", stmt, err)
		}
	}
	return nil
}
