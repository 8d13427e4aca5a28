package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/haukened/securestore/internal/domain"
)

// Retry defaults for lock contention.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 100 * time.Millisecond
)

// ConnManager runs functions inside a transaction, retrying with exponential
// backoff while the database is locked by another writer.
type ConnManager struct {
	begin       func(ctx context.Context) (*sql.Tx, error)
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	onRetry     func()
	logger      *slog.Logger
}

// Option configures a ConnManager.
type Option func(*ConnManager)

// WithRetry sets the attempt bound and the first backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(m *ConnManager) {
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			m.baseDelay = baseDelay
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *ConnManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRetryHook registers fn to run before every backoff sleep.
func WithRetryHook(fn func()) Option {
	return func(m *ConnManager) { m.onRetry = fn }
}

// NewConnManager wraps db. The DSN should request immediate transactions so
// lock contention surfaces at BeginTx.
func NewConnManager(db *sql.DB, opts ...Option) *ConnManager {
	m := &ConnManager{
		begin:       func(ctx context.Context) (*sql.Tx, error) { return db.BeginTx(ctx, nil) },
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       sleepCtx,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("domain", "sqlite")
	return m
}

// Backoff returns the delay before retry number attempt (1-based).
func (m *ConnManager) Backoff(attempt int) time.Duration {
	return m.baseDelay << (attempt - 1)
}

// WithTx runs fn in a transaction. A nil return commits; an error or panic
// rolls back. Busy/locked failures retry the whole transaction up to the
// attempt bound, after which the error wraps domain.ErrStorageBusy.
func (m *ConnManager) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var last error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err := m.once(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		last = err
		if attempt == m.maxAttempts {
			break
		}
		delay := m.Backoff(attempt)
		m.logger.Debug("database locked, retrying", "attempt", attempt, "delay", delay)
		if m.onRetry != nil {
			m.onRetry()
		}
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v", domain.ErrStorageBusy, m.maxAttempts, last)
}

// WithTxValue is WithTx for functions returning a value.
func WithTxValue[T any](ctx context.Context, m *ConnManager, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var out T
	err := m.WithTx(ctx, func(tx *sql.Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (m *ConnManager) once(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := m.begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsBusy reports whether err is SQLite lock contention from either driver.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var me *sqlite.Error
	if errors.As(err, &me) {
		code := me.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
