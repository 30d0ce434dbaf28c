package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Dedup keys outlive restarts so a notification job that reruns after a
// crash does not resend.

func (s *SQLite) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *SQLite) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrClosed
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// SeenRecently reports whether key is still inside its dedup window and, if
// not, claims it until the given time.
func (s *SQLite) SeenRecently(ctx context.Context, key string, until time.Time) (bool, error) {
	prev, ok, err := s.GetDedup(ctx, key)
	if err != nil {
		return false, err
	}
	if ok && prev.After(s.now()) {
		return true, nil
	}
	return false, s.PutDedup(ctx, key, until)
}

func (s *SQLite) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, s.now().UnixMilli())
	return err
}
