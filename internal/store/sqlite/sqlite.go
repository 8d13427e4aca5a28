// Package sqlite provides a SQLite-backed implementation of the store.Index
// and store.SettingsIndex ports. Reads and writes both go through a
// ConnManager so lock contention from other processes is retried.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/store"

	// database/sql SQLite drivers: "sqlite3" (cgo) and "sqlite" (pure Go)
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

var (
	_ store.Index         = (*Index)(nil)
	_ store.SettingsIndex = (*Index)(nil)
)

const timeLayout = time.RFC3339Nano

// Index implements store.Index using SQLite (via database/sql). It is safe for
// concurrent use; database/sql manages connection pooling and SQLite
// serializes writers.
type Index struct {
	conns *ConnManager
}

// Open opens and pings a database with the named driver.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", domain.ErrStorage, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", domain.ErrStorage, err)
	}
	return db, nil
}

// New constructs an Index, initializing the required schema if absent.
func New(ctx context.Context, db *sql.DB, conns *ConnManager) (*Index, error) {
	if conns == nil {
		conns = NewConnManager(db)
	}
	ix := &Index{conns: conns}
	if err := ix.init(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

func (i *Index) init(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS app_data (
key TEXT PRIMARY KEY,
value TEXT,
created_at TEXT,
updated_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS security_metadata (
table_name TEXT PRIMARY KEY,
encryption_enabled INTEGER NOT NULL DEFAULT 0,
compression_enabled INTEGER NOT NULL DEFAULT 0,
compression_type TEXT,
checksum TEXT,
created_at TEXT,
updated_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS security_settings (
id INTEGER PRIMARY KEY CHECK (id = 1),
encryption_enabled INTEGER NOT NULL,
compression_enabled INTEGER NOT NULL,
checksums_enabled INTEGER NOT NULL,
compression_type TEXT NOT NULL,
compression_level INTEGER NOT NULL,
last_password_change TEXT,
updated_at TEXT
);`,
	}
	return i.conns.WithTx(ctx, func(tx *sql.Tx) error {
		for _, ddl := range schema {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("%w: schema: %v", domain.ErrStorage, err)
			}
		}
		return nil
	})
}

// Write applies the batch in one transaction. created_at of an existing
// section is preserved.
func (i *Index) Write(ctx context.Context, b store.Batch) error {
	now := b.Now.UTC().Format(timeLayout)
	return i.conns.WithTx(ctx, func(tx *sql.Tx) error {
		const upsertRecord = `INSERT INTO app_data (key, value, created_at, updated_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`
		for _, r := range b.Records {
			if _, err := tx.ExecContext(ctx, upsertRecord, r.Key, r.Payload, now, now); err != nil {
				return fmt.Errorf("write section %q: %w", r.Key, err)
			}
		}
		const upsertMeta = `INSERT INTO security_metadata
(table_name, encryption_enabled, compression_enabled, compression_type, checksum, created_at, updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(table_name) DO UPDATE SET
encryption_enabled=excluded.encryption_enabled,
compression_enabled=excluded.compression_enabled,
compression_type=excluded.compression_type,
checksum=excluded.checksum,
updated_at=excluded.updated_at`
		for _, m := range b.Metadata {
			if _, err := tx.ExecContext(ctx, upsertMeta, m.TableName, boolInt(m.EncryptionEnabled),
				boolInt(m.CompressionEnabled), string(m.CompressionType), m.Checksum, now, now); err != nil {
				return fmt.Errorf("write metadata %q: %w", m.TableName, err)
			}
		}
		for _, name := range b.DeleteMetadata {
			if _, err := tx.ExecContext(ctx, `DELETE FROM security_metadata WHERE table_name = ?`, name); err != nil {
				return fmt.Errorf("delete metadata %q: %w", name, err)
			}
		}
		if b.Settings != nil {
			if err := saveSettings(ctx, tx, *b.Settings, now); err != nil {
				return err
			}
		}
		if !b.PasswordChangedAt.IsZero() {
			if err := recordPasswordChange(ctx, tx, b.PasswordChangedAt, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadSections returns every stored section ordered by key.
func (i *Index) ReadSections(ctx context.Context) ([]domain.SecureRecord, error) {
	return WithTxValue(ctx, i.conns, func(tx *sql.Tx) ([]domain.SecureRecord, error) {
		return readSections(ctx, tx)
	})
}

func readSections(ctx context.Context, tx *sql.Tx) ([]domain.SecureRecord, error) {
	const q = `SELECT key, COALESCE(value, ''), COALESCE(created_at, ''), COALESCE(updated_at, '') FROM app_data ORDER BY key`
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []domain.SecureRecord
	for rows.Next() {
		var (
			r                domain.SecureRecord
			created, updated string
		)
		if err = rows.Scan(&r.Key, &r.Payload, &created, &updated); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		r.UpdatedAt = parseTime(updated)
		recs = append(recs, r)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Metadata returns every security_metadata row ordered by table name.
func (i *Index) Metadata(ctx context.Context) ([]domain.SecurityMetadata, error) {
	return WithTxValue(ctx, i.conns, func(tx *sql.Tx) ([]domain.SecurityMetadata, error) {
		return readMetadata(ctx, tx)
	})
}

func readMetadata(ctx context.Context, tx *sql.Tx) ([]domain.SecurityMetadata, error) {
	const q = `SELECT table_name, encryption_enabled, compression_enabled, COALESCE(compression_type, ''),
COALESCE(checksum, ''), COALESCE(created_at, ''), COALESCE(updated_at, '') FROM security_metadata ORDER BY table_name`
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SecurityMetadata
	for rows.Next() {
		var (
			m                domain.SecurityMetadata
			enc, comp        int
			ct               string
			created, updated string
		)
		if err = rows.Scan(&m.TableName, &enc, &comp, &ct, &m.Checksum, &created, &updated); err != nil {
			return nil, err
		}
		m.EncryptionEnabled = enc == 1
		m.CompressionEnabled = comp == 1
		m.CompressionType = domain.CompressionType(ct)
		m.CreatedAt = parseTime(created)
		m.UpdatedAt = parseTime(updated)
		out = append(out, m)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats reports the database size and per-table record counts from one
// consistent snapshot.
func (i *Index) Stats(ctx context.Context) (store.IndexStats, error) {
	return WithTxValue(ctx, i.conns, func(tx *sql.Tx) (store.IndexStats, error) {
		return readStats(ctx, tx)
	})
}

func readStats(ctx context.Context, tx *sql.Tx) (store.IndexStats, error) {
	st := store.IndexStats{TableCounts: map[string]int64{}, SectionBytes: map[string]int64{}}
	var pageCount, pageSize int64
	if err := tx.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return st, err
	}
	if err := tx.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return st, err
	}
	st.FileSizeBytes = pageCount * pageSize

	rows, err := tx.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return st, err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			_ = rows.Close()
			return st, err
		}
		tables = append(tables, name)
	}
	if cErr := rows.Close(); cErr != nil {
		return st, cErr
	}
	if err = rows.Err(); err != nil {
		return st, err
	}
	for _, t := range tables {
		var n int64
		// Table names come from sqlite_master, not user input.
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, t)).Scan(&n); err != nil {
			return st, err
		}
		st.TableCounts[t] = n
		st.TotalRecords += n
	}

	sizes, err := tx.QueryContext(ctx, `SELECT key, LENGTH(COALESCE(value, '')) FROM app_data`)
	if err != nil {
		return st, err
	}
	defer sizes.Close()
	for sizes.Next() {
		var (
			key string
			n   int64
		)
		if err = sizes.Scan(&key, &n); err != nil {
			return st, err
		}
		st.SectionBytes[key] = n
	}
	return st, sizes.Err()
}

// LoadSettings returns the persisted security settings if any.
func (i *Index) LoadSettings(ctx context.Context) (domain.SecurityConfig, bool, error) {
	const q = `SELECT encryption_enabled, compression_enabled, checksums_enabled, compression_type, compression_level
FROM security_settings WHERE id = 1`
	var (
		cfg             domain.SecurityConfig
		enc, comp, sums int
		ct              string
	)
	err := i.conns.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, q).Scan(&enc, &comp, &sums, &ct, &cfg.CompressionLevel)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SecurityConfig{}, false, nil
	}
	if err != nil {
		return domain.SecurityConfig{}, false, err
	}
	cfg.EncryptionEnabled = enc == 1
	cfg.CompressionEnabled = comp == 1
	cfg.ChecksumsEnabled = sums == 1
	parsed, err := domain.ParseCompressionType(ct)
	if err != nil {
		return domain.SecurityConfig{}, false, err
	}
	cfg.CompressionType = parsed
	return cfg.Normalize(), true, nil
}

// SaveSettings upserts the settings row.
func (i *Index) SaveSettings(ctx context.Context, cfg domain.SecurityConfig, now time.Time) error {
	return i.conns.WithTx(ctx, func(tx *sql.Tx) error {
		return saveSettings(ctx, tx, cfg, now.UTC().Format(timeLayout))
	})
}

// LastPasswordChange returns when the password was last changed, if ever.
func (i *Index) LastPasswordChange(ctx context.Context) (time.Time, bool, error) {
	var s sql.NullString
	err := i.conns.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT last_password_change FROM security_settings WHERE id = 1`).Scan(&s)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !s.Valid || s.String == "" {
		return time.Time{}, false, nil
	}
	return parseTime(s.String), true, nil
}

func saveSettings(ctx context.Context, tx *sql.Tx, cfg domain.SecurityConfig, now string) error {
	cfg = cfg.Normalize()
	const q = `INSERT INTO security_settings
(id, encryption_enabled, compression_enabled, checksums_enabled, compression_type, compression_level, updated_at)
VALUES (1,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
encryption_enabled=excluded.encryption_enabled,
compression_enabled=excluded.compression_enabled,
checksums_enabled=excluded.checksums_enabled,
compression_type=excluded.compression_type,
compression_level=excluded.compression_level,
updated_at=excluded.updated_at`
	_, err := tx.ExecContext(ctx, q, boolInt(cfg.EncryptionEnabled), boolInt(cfg.CompressionEnabled),
		boolInt(cfg.ChecksumsEnabled), string(cfg.CompressionType), cfg.CompressionLevel, now)
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// recordPasswordChange requires the settings row to exist.
func recordPasswordChange(ctx context.Context, tx *sql.Tx, at time.Time, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE security_settings SET last_password_change = ?, updated_at = ? WHERE id = 1`,
		at.UTC().Format(timeLayout), now)
	if err != nil {
		return fmt.Errorf("record password change: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: record password change: settings not initialized", domain.ErrStorage)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	// Rows written by older versions use naive ISO-8601 local time.
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999", s, time.Local); err == nil {
		return t
	}
	return time.Time{}
}
