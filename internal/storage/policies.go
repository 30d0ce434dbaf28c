package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskpulse/internal/ratelimit"
)

// Policies is the persisted ratelimit.PolicyStore.
type Policies struct{ st *SQLite }

func (s *SQLite) Policies() *Policies { return &Policies{st: s} }

func (ps *Policies) Find(ctx context.Context, scope ratelimit.Scope, key, method string) (ratelimit.Policy, bool, error) {
	row := ps.st.db.QueryRowContext(ctx,
		`SELECT scope, key, method, limit_count, window_seconds, enabled
		 FROM rate_limit_policies WHERE scope = ? AND key = ? AND method = ?`,
		string(scope), key, method,
	)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Policy{}, false, nil
	}
	if err != nil {
		return ratelimit.Policy{}, false, err
	}
	return p, true, nil
}

func (ps *Policies) List(ctx context.Context) ([]ratelimit.Policy, error) {
	rows, err := ps.st.db.QueryContext(ctx,
		`SELECT scope, key, method, limit_count, window_seconds, enabled
		 FROM rate_limit_policies ORDER BY scope, key, method`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ratelimit.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert validates first; a malformed policy never reaches the table.
func (ps *Policies) Upsert(ctx context.Context, p ratelimit.Policy) error {
	if err := ratelimit.Validate(p); err != nil {
		return err
	}
	_, err := ps.st.db.ExecContext(ctx,
		`INSERT INTO rate_limit_policies(scope, key, method, limit_count, window_seconds, enabled, updated_ms)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(scope, key, method) DO UPDATE SET
		   limit_count=excluded.limit_count,
		   window_seconds=excluded.window_seconds,
		   enabled=excluded.enabled,
		   updated_ms=excluded.updated_ms`,
		string(p.Scope), p.Key, p.Method, p.Limit, p.WindowSeconds(), boolInt(p.Enabled), ps.st.now().UnixMilli(),
	)
	return err
}

func (ps *Policies) Delete(ctx context.Context, scope ratelimit.Scope, key, method string) (bool, error) {
	res, err := ps.st.db.ExecContext(ctx,
		`DELETE FROM rate_limit_policies WHERE scope = ? AND key = ? AND method = ?`,
		string(scope), key, method,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner) (ratelimit.Policy, error) {
	var (
		p       ratelimit.Policy
		scope   string
		window  int64
		enabled int
	)
	if err := r.Scan(&scope, &p.Key, &p.Method, &p.Limit, &window, &enabled); err != nil {
		return ratelimit.Policy{}, err
	}
	p.Scope = ratelimit.Scope(scope)
	p.Window = time.Duration(window) * time.Second
	p.Enabled = enabled != 0
	return p, nil
}
