package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/securestore/internal/backup"
	"github.com/haukened/securestore/internal/codec"
	"github.com/haukened/securestore/internal/crypto"
	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/settings"
	"github.com/haukened/securestore/internal/store"
	"github.com/haukened/securestore/internal/store/filesystem"
	"github.com/haukened/securestore/internal/store/sqlite"
)

// fixedClock implements Clock returning a fixed instant.
type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

type harness struct {
	svc    *Service
	db     *sql.DB
	store  *store.Store
	cipher *crypto.Cipher
	dir    string
}

func newHarness(t *testing.T, dir, password string) *harness {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(dir, "app.db") + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate"
	db, err := sqlite.Open(ctx, "sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ix, err := sqlite.New(ctx, db, nil)
	require.NoError(t, err)
	c, err := crypto.New(password, crypto.DefaultSalt, crypto.MinIterations)
	require.NoError(t, err)
	holder := settings.NewHolder(domain.DefaultSecurityConfig())
	clock := fixedClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	st := store.New(ix, codec.New(c), holder, store.Options{Clock: clock, VerifyOnRead: true})
	arts, err := filesystem.New(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	mgr := settings.NewManager(holder, st, ix, nil, clock, nil)
	require.NoError(t, mgr.Init(ctx))
	svc := &Service{
		Store:     st,
		Backups:   backup.New(st, arts, c, holder, backup.Options{Compression: true, Encryption: true, Clock: clock}),
		Settings:  mgr,
		Config:    holder,
		Keyring:   c,
		Passwords: ix,
		Clock:     clock,
		DataDir:   dir,
		DiskUsage: filesystem.Usage,
	}
	return &harness{svc: svc, db: db, store: st, cipher: c, dir: dir}
}

func TestBackupWipeRestoreScenario(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	want := []any{map[string]any{"id": json.Number("1"), "title": "X"}}
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"requirements": want}))

	path, err := h.svc.BackupDatabase(ctx, "")
	require.NoError(t, err)
	require.NoError(t, h.svc.ClearAllData(ctx))
	got, err := h.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{}, got["requirements"])

	require.NoError(t, h.svc.RestoreDatabase(ctx, path))
	got, err = h.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got["requirements"])
}

func TestLargeIntegersSurviveBackupRestore(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	big := []any{map[string]any{"id": json.Number("9007199254740993")}}
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"requirements": big}))

	path, err := h.svc.BackupDatabase(ctx, "")
	require.NoError(t, err)
	require.NoError(t, h.svc.ClearAllData(ctx))
	require.NoError(t, h.svc.RestoreDatabase(ctx, path))
	got, err := h.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Equal(t, big, got["requirements"])
}

func TestRestoreIntoFreshDatabase(t *testing.T) {
	ctx := context.Background()
	src := newHarness(t, t.TempDir(), "shared")
	data := map[string]any{
		"handovers":  []any{map[string]any{"from": "a", "to": "b", "notes": "日本語"}},
		"issues":     []any{},
		"theme_mode": "dark",
	}
	require.NoError(t, src.svc.SaveAppData(ctx, data))
	before, err := src.svc.LoadAppData(ctx)
	require.NoError(t, err)
	path, err := src.svc.BackupDatabase(ctx, filepath.Join(t.TempDir(), "portable.bms"))
	require.NoError(t, err)

	dst := newHarness(t, t.TempDir(), "shared")
	require.NoError(t, dst.svc.RestoreDatabase(ctx, path))
	after, err := dst.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFailedRestoreLeavesRowsUnchanged(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"issues": []any{"a"}}))
	var before string
	require.NoError(t, h.db.QueryRow(`SELECT value FROM app_data WHERE key='issues'`).Scan(&before))

	err := h.svc.RestoreDatabase(ctx, filepath.Join(h.dir, "missing.bms"))
	assert.True(t, errors.Is(err, domain.ErrRestore))
	var after string
	require.NoError(t, h.db.QueryRow(`SELECT value FROM app_data WHERE key='issues'`).Scan(&after))
	assert.Equal(t, before, after)
}

func TestLoadSkipsCorruptedSection(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"a": []any{1}, "b": []any{2}, "c": []any{3}}))
	_, err := h.db.Exec(`UPDATE app_data SET value = 'AAAA' WHERE key = 'b'`)
	require.NoError(t, err)
	got, err := h.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, "b")
}

func TestToggleEncryptionOff(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"issues": []any{"old"}}))
	res, err := h.svc.UpdateSecuritySettings(ctx, settings.Update{Encryption: settings.Ptr(false)})
	require.NoError(t, err)
	assert.True(t, res.Previous.EncryptionEnabled)
	assert.False(t, h.svc.CurrentSecurityConfig().EncryptionEnabled)

	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"requirements": []any{"new"}}))
	// Compressed but not encrypted: decodable by the compression-only candidate.
	var raw string
	require.NoError(t, h.db.QueryRow(`SELECT value FROM app_data WHERE key='requirements'`).Scan(&raw))
	plain := codec.New(failingCipher{})
	res2, err := plain.Decode("requirements", raw, h.svc.CurrentSecurityConfig())
	require.NoError(t, err)
	assert.Equal(t, []any{"new"}, res2.Value)

	got, err := h.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"old"}, got["issues"])
	assert.Equal(t, []any{"new"}, got["requirements"])
}

type failingCipher struct{}

func (failingCipher) Encrypt([]byte) ([]byte, error) { return nil, errors.New("no key") }
func (failingCipher) Decrypt([]byte) ([]byte, error) { return nil, domain.ErrDecrypt }

func TestChangePassword(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, "old-password")
	ctx := context.Background()
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"issues": []any{"x"}}))
	require.NoError(t, h.svc.ChangePassword(ctx, "new-password"))

	got, err := h.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, got["issues"])

	at, ok, err := h.svc.Passwords.LastPasswordChange(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at.Equal(time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)))

	// A process opening the same file with the old password cannot read it.
	stale := newHarness(t, dir, "old-password")
	got, err = stale.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.NotContains(t, got, "issues")
}

type saveFailingStore struct{ DataStore }

func (saveFailingStore) SaveWith(context.Context, map[string]any, domain.SecurityConfig, ...store.SaveOption) error {
	return domain.ErrStorageBusy
}

func TestChangePasswordFailureRestoresKey(t *testing.T) {
	h := newHarness(t, t.TempDir(), "old-password")
	ctx := context.Background()
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"issues": []any{"x"}}))
	h.svc.Store = saveFailingStore{DataStore: h.store}
	err := h.svc.ChangePassword(ctx, "new-password")
	assert.True(t, errors.Is(err, domain.ErrStorageBusy))

	h.svc.Store = h.store
	got, err := h.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, got["issues"])
}

func TestStorageStats(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"issues": []any{"x"}, "theme_mode": "light"}))
	_, err := h.svc.BackupDatabase(ctx, "")
	require.NoError(t, err)
	st, err := h.svc.StorageStats(ctx)
	require.NoError(t, err)
	assert.Greater(t, st.FileSizeBytes, int64(0))
	assert.NotEmpty(t, st.FileSizeHuman)
	assert.Equal(t, int64(2), st.TableCounts["app_data"])
	assert.Equal(t, int64(2), st.TableCounts["security_metadata"])
	assert.True(t, st.SecurityFeatures.EncryptionEnabled)
	require.NotNil(t, st.Disk)
	assert.Greater(t, st.Disk.Total, uint64(0))
	require.NotNil(t, st.Backups)
	assert.Equal(t, 1, st.Backups.TotalBackups)
}

func TestVerifyEncryptionAndIntegrity(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	assert.True(t, h.svc.VerifyEncryption())
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"issues": []any{"x"}}))
	res, err := h.svc.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, store.IntegrityOK, res[0].Status)
}

func TestEstimateCompression(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	items := make([]any, 200)
	for i := range items {
		items[i] = map[string]any{"title": "repeated title", "status": "open"}
	}
	require.NoError(t, h.svc.SaveAppData(ctx, map[string]any{"issues": items}))
	est, err := h.svc.EstimateCompression(ctx)
	require.NoError(t, err)
	assert.Greater(t, est.OriginalSize, 0)
	assert.Less(t, est.Results[domain.CompressionGzip].Ratio, 0.5)
}

func TestConcurrentSavesDuringSettingsUpdates(t *testing.T) {
	h := newHarness(t, t.TempDir(), "pw")
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []string{"a", "b", "c", "d"}[i%4]
			errs <- h.svc.SaveAppData(ctx, map[string]any{key: []any{float64(i)}})
		}(i)
	}
	for _, enc := range []bool{false, true, false} {
		wg.Add(1)
		go func(enc bool) {
			defer wg.Done()
			_, err := h.svc.UpdateSecuritySettings(ctx, settings.Update{Encryption: settings.Ptr(enc)})
			errs <- err
		}(enc)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	got, err := h.svc.LoadAppData(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestUnconfiguredService(t *testing.T) {
	s := &Service{}
	_, err := s.BackupDatabase(context.Background(), "")
	assert.True(t, errors.Is(err, ErrNotConfigured))
	assert.True(t, errors.Is(s.RestoreDatabase(context.Background(), "x"), ErrNotConfigured))
	_, err = s.UpdateSecuritySettings(context.Background(), settings.Update{})
	assert.True(t, errors.Is(err, ErrNotConfigured))
	assert.False(t, s.VerifyEncryption())
}
