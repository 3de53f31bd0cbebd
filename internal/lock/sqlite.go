package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"queryfleet/internal/domain"
)

var _ Locker = (*SQLiteLocker)(nil)

// SQLiteLocker stores leases in the lock_leases table of the shared status
// store, so every executor attached to the same database file coordinates
// through it. A lease row is taken over only once it has expired.
type SQLiteLocker struct {
	db   *sql.DB
	opts options
}

// NewSQLiteLocker creates a SQLiteLocker on the migrated write pool.
func NewSQLiteLocker(db *sql.DB, opts ...Option) *SQLiteLocker {
	return &SQLiteLocker{db: db, opts: buildOptions(opts)}
}

// TryLock implements Locker.
func (s *SQLiteLocker) TryLock(ctx context.Context, name string, wait, lease time.Duration) (Lease, bool, error) {
	token := domain.NewToken()
	ok, err := pollUntil(ctx, wait, s.opts.poll, func() (bool, error) {
		return s.acquire(ctx, name, token, lease)
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &sqliteLease{locker: s, name: name, token: token}, true, nil
}

func (s *SQLiteLocker) acquire(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	now := s.opts.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lock_leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE lock_leases.expires_at <= ?
	`, name, token, now.Add(lease).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

type sqliteLease struct {
	locker *SQLiteLocker
	name   string
	token  string
}

func (l *sqliteLease) Name() string { return l.name }

func (l *sqliteLease) Extend(ctx context.Context, lease time.Duration) error {
	now := l.locker.opts.now()
	res, err := l.locker.db.ExecContext(ctx, `
		UPDATE lock_leases SET expires_at = ?
		WHERE name = ? AND owner = ? AND expires_at > ?
	`, now.Add(lease).UnixMilli(), l.name, l.token, now.UnixMilli())
	return l.check(res, err)
}

func (l *sqliteLease) Unlock(ctx context.Context) error {
	now := l.locker.opts.now()
	res, err := l.locker.db.ExecContext(ctx, `
		DELETE FROM lock_leases WHERE name = ? AND owner = ? AND expires_at > ?
	`, l.name, l.token, now.UnixMilli())
	return l.check(res, err)
}

func (l *sqliteLease) check(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("lease %s: %w", l.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &domain.LockLostError{Name: l.name}
	}
	return nil
}
