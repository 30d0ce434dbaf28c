package storage

import (
	"context"
	"database/sql"
	"time"

	"taskpulse/internal/ratelimit"
)

// RequestLog is the rate limiter's counting authority. Windows are
// half-open on the left: at_ms > since.
type RequestLog struct{ st *SQLite }

func (s *SQLite) RequestLog() *RequestLog { return &RequestLog{st: s} }

var (
	_ ratelimit.AtomicCounter  = (*RequestLog)(nil)
	_ ratelimit.StatusRecorder = (*RequestLog)(nil)
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec ratelimit.RequestRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO request_log(id, namespace, identity, endpoint, method, at_ms, status_code)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.ID, string(rec.Namespace), rec.Identity, rec.Endpoint, rec.Method, rec.At.UnixMilli(), rec.StatusCode,
	)
	return err
}

func (l *RequestLog) Record(ctx context.Context, rec ratelimit.RequestRecord) error {
	return insertRecord(ctx, l.st.db, rec)
}

// RecordAndCount inserts rec and counts q's window in one transaction.
func (l *RequestLog) RecordAndCount(ctx context.Context, rec ratelimit.RequestRecord, q ratelimit.Query, since time.Time) (int, error) {
	tx, err := l.st.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return 0, err
	}
	where, args := queryFilter(q, since)
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_log WHERE `+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func queryFilter(q ratelimit.Query, since time.Time) (string, []any) {
	where := `namespace = ? AND identity = ? AND at_ms > ?`
	args := []any{string(q.Namespace), q.Identity, since.UnixMilli()}
	if q.Endpoint != "" {
		where += ` AND endpoint = ?`
		args = append(args, q.Endpoint)
		if q.Method != "" {
			where += ` AND method = ?`
			args = append(args, q.Method)
		}
	}
	return where, args
}

func (l *RequestLog) Count(ctx context.Context, q ratelimit.Query, since time.Time) (int, error) {
	where, args := queryFilter(q, since)
	var n int
	err := l.st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_log WHERE `+where, args...).Scan(&n)
	return n, err
}

func (l *RequestLog) Oldest(ctx context.Context, q ratelimit.Query, since time.Time) (time.Time, bool, error) {
	where, args := queryFilter(q, since)
	var ms sql.NullInt64
	err := l.st.db.QueryRowContext(ctx, `SELECT MIN(at_ms) FROM request_log WHERE `+where, args...).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func (l *RequestLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.st.db.ExecContext(ctx, `DELETE FROM request_log WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (l *RequestLog) SetStatus(ctx context.Context, q ratelimit.Query, id string, code int) error {
	_, err := l.st.db.ExecContext(ctx,
		`UPDATE request_log SET status_code = ? WHERE id = ? AND namespace = ? AND identity = ?`,
		code, id, string(q.Namespace), q.Identity)
	return err
}
