package storage

import (
	"context"
	"time"
)

func (s *SQLite) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Actor, e.Action, nullStr(e.Target), boolInt(e.OK),
		nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

// RecentAudit returns the newest entries first.
func (s *SQLite) RecentAudit(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor, action, COALESCE(target,''), ok, COALESCE(err,''), took_ms, COALESCE(meta,'')
		 FROM audit WHERE (? = '' OR action = ?) ORDER BY id DESC LIMIT ?`,
		action, action, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at string
			ok int
		)
		if err := rows.Scan(&at, &e.Actor, &e.Action, &e.Target, &ok, &e.Error, &e.TookMS, &e.MetaJSON); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.OK = ok != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
