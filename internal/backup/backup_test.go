package backup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/securestore/internal/crypto"
	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/integrity"
	"github.com/haukened/securestore/internal/store"
	"github.com/haukened/securestore/internal/store/filesystem"
)

type memStore struct {
	mu       sync.Mutex
	sections map[string]any
	saveErr  error
	saves    int
}

func (s *memStore) Load(context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.sections))
	for k, v := range s.sections {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, sections map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	if s.sections == nil {
		s.sections = map[string]any{}
	}
	for k, v := range sections {
		s.sections[k] = v
	}
	return nil
}

func (s *memStore) Stats(context.Context) (store.Stats, error) {
	return store.Stats{TotalRecords: int64(len(s.sections))}, nil
}

type staticConfig struct{ cfg domain.SecurityConfig }

func (s *staticConfig) Current() domain.SecurityConfig { return s.cfg }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type fixture struct {
	mgr    *Manager
	data   *memStore
	arts   *filesystem.ArtifactStore
	cipher *crypto.Cipher
	cfg    *staticConfig
	clock  *fakeClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	c, err := crypto.New("backup-test", crypto.DefaultSalt, crypto.MinIterations)
	require.NoError(t, err)
	arts, err := filesystem.New(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)
	f := &fixture{
		data:   &memStore{sections: sampleData()},
		arts:   arts,
		cipher: c,
		cfg:    &staticConfig{cfg: domain.DefaultSecurityConfig()},
		clock:  &fakeClock{t: time.Date(2024, 7, 15, 9, 30, 0, 0, time.UTC)},
	}
	opts.Clock = f.clock
	f.mgr = New(f.data, arts, c, f.cfg, opts)
	return f
}

func sampleData() map[string]any {
	return map[string]any{
		"requirements": []any{map[string]any{"id": json.Number("1"), "title": "X"}},
		"issues":       []any{},
		"theme_mode":   "dark",
	}
}

func defaultOpts() Options { return Options{Compression: true, Encryption: true} }

func TestBackupRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()
	path, err := f.mgr.Backup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.arts.Root(), "backup_20240715_093000.bms"), path)

	f.data.sections = map[string]any{}
	require.NoError(t, f.mgr.Restore(ctx, path))
	assert.Equal(t, sampleData(), f.data.sections)
}

func TestRestoreKeepsLargeIntegers(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()
	big := []any{map[string]any{"id": json.Number("9007199254740993")}}
	f.data.sections["requirements"] = big
	path, err := f.mgr.Backup(ctx, "")
	require.NoError(t, err)

	f.data.sections = map[string]any{}
	require.NoError(t, f.mgr.Restore(ctx, path))
	assert.Equal(t, big, f.data.sections["requirements"])
}

func TestRestoreByName(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()
	_, err := f.mgr.Backup(ctx, "")
	require.NoError(t, err)
	f.data.sections = map[string]any{}
	require.NoError(t, f.mgr.Restore(ctx, "backup_20240715_093000.bms"))
	assert.Equal(t, sampleData(), f.data.sections)
}

func TestBackupExplicitDestination(t *testing.T) {
	f := newFixture(t, defaultOpts())
	dest := filepath.Join(t.TempDir(), "out", "manual.bms")
	path, err := f.mgr.Backup(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	_, err = os.Stat(dest)
	assert.NoError(t, err)
}

func TestArtifactIsBase64Manifest(t *testing.T) {
	f := newFixture(t, Options{})
	path, err := f.mgr.Backup(context.Background(), "")
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(string(content))
	require.NoError(t, err)
	var man map[string]any
	require.NoError(t, json.Unmarshal(raw, &man))
	assert.Equal(t, "1.0", man["version"])
	assert.Equal(t, "2024-07-15T09:30:00Z", man["timestamp"])
	assert.Contains(t, man, "app_data")
	assert.Contains(t, man, "security_metadata")
	assert.NotEmpty(t, man["id"])
}

func TestRestoreTruncatedLeavesDataUntouched(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()
	path, err := f.mgr.Backup(ctx, "")
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, content[:len(content)/2], 0o600))

	f.data.sections = map[string]any{"live": "data"}
	err = f.mgr.Restore(ctx, path)
	assert.True(t, errors.Is(err, domain.ErrRestore))
	assert.Equal(t, map[string]any{"live": "data"}, f.data.sections)
	assert.Equal(t, 0, f.data.saves)
}

func TestRestoreRejectsMissingAppData(t *testing.T) {
	f := newFixture(t, Options{})
	for name, body := range map[string]string{
		"missing":  `{"timestamp":"x","version":"1.0"}`,
		"null":     `{"timestamp":"x","version":"1.0","app_data":null}`,
		"array":    `{"timestamp":"x","version":"1.0","app_data":[]}`,
		"version":  `{"timestamp":"x","version":"2.0","app_data":{}}`,
		"trailing": `{"timestamp":"x","version":"1.0","app_data":{}} {}`,
	} {
		p := filepath.Join(t.TempDir(), name+".bms")
		require.NoError(t, os.WriteFile(p, []byte(base64.StdEncoding.EncodeToString([]byte(body))), 0o600))
		err := f.mgr.Restore(context.Background(), p)
		assert.True(t, errors.Is(err, domain.ErrRestore), name)
	}
	assert.Equal(t, 0, f.data.saves)
}

func TestRestoreMissingFile(t *testing.T) {
	f := newFixture(t, defaultOpts())
	err := f.mgr.Restore(context.Background(), filepath.Join(t.TempDir(), "nope.bms"))
	assert.True(t, errors.Is(err, domain.ErrRestore))
	err = f.mgr.Restore(context.Background(), "")
	assert.True(t, errors.Is(err, domain.ErrRestore))
}

func TestRestoreSaveFailure(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()
	path, err := f.mgr.Backup(ctx, "")
	require.NoError(t, err)
	f.data.saveErr = domain.ErrStorageBusy
	err = f.mgr.Restore(ctx, path)
	assert.True(t, errors.Is(err, domain.ErrRestore))
	assert.True(t, errors.Is(err, domain.ErrStorageBusy))
}

func TestRestoreAfterOptionsChange(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()
	path, err := f.mgr.Backup(ctx, "")
	require.NoError(t, err)

	f.cfg.cfg.CompressionType = domain.CompressionLZMA
	plain := New(f.data, f.arts, f.cipher, f.cfg, Options{Clock: f.clock})
	f.data.sections = map[string]any{}
	require.NoError(t, plain.Restore(ctx, path))
	assert.Equal(t, sampleData(), f.data.sections)
}

func TestRestoreWrongKeyFails(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()
	path, err := f.mgr.Backup(ctx, "")
	require.NoError(t, err)
	other, err := crypto.New("different", crypto.DefaultSalt, crypto.MinIterations)
	require.NoError(t, err)
	m := New(f.data, f.arts, other, f.cfg, defaultOpts())
	assert.True(t, errors.Is(m.Restore(ctx, path), domain.ErrRestore))
}

func TestVerify(t *testing.T) {
	f := newFixture(t, defaultOpts())
	path, err := f.mgr.Backup(context.Background(), "")
	require.NoError(t, err)
	info, err := f.mgr.Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Sections)
	assert.Equal(t, "1.0", info.Version)
	assert.True(t, info.CreatedAt.Equal(f.clock.t))
	assert.Greater(t, info.Size, int64(0))
	assert.Equal(t, 0, f.data.saves)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NoError(t, integrity.VerifyBytes(raw, info.Checksum))
}

func TestListPruneStatistics(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()
	base := f.clock.t
	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 24 * time.Hour, 0} {
		f.clock.t = base.Add(-age)
		_, err := f.mgr.Backup(ctx, "")
		require.NoError(t, err)
	}
	list, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.True(t, list[0].CreatedAt.Equal(base), "newest first")

	st, err := f.mgr.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalBackups)
	assert.Greater(t, st.TotalSize, int64(0))
	assert.NotEmpty(t, st.TotalSizeHuman)
	require.NotNil(t, st.OldestBackup)
	assert.True(t, st.OldestBackup.Equal(base.Add(-40*24*time.Hour)))
	assert.True(t, st.NewestBackup.Equal(base))

	n, err := f.mgr.Prune(domain.RetentionCutoff(base, domain.DefaultRetention))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	list, err = f.mgr.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestStatisticsEmpty(t *testing.T) {
	f := newFixture(t, defaultOpts())
	st, err := f.mgr.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalBackups)
	assert.Nil(t, st.OldestBackup)
	assert.Nil(t, st.NewestBackup)
}
