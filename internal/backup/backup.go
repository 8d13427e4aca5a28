// Package backup implements whole-store backup and restore. A backup is one
// manifest serialized as JSON, compressed and encrypted as a single unit and
// base64-wrapped, independent of how each section is stored.
package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/securestore/internal/codec"
	"github.com/haukened/securestore/internal/compress"
	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/integrity"
	"github.com/haukened/securestore/internal/store"
	"github.com/haukened/securestore/internal/store/filesystem"
)

// ManifestVersion is written into every manifest.
const ManifestVersion = "1.0"

// Metric names emitted by the manager.
const (
	CounterBackupsCreated = "backups_created_total"
	CounterRestores       = "restores_total"
	CounterBackupsPruned  = "backups_pruned_total"
)

// Manifest is the serialized whole-store snapshot.
type Manifest struct {
	Timestamp        string         `json:"timestamp"`
	Version          string         `json:"version"`
	ID               string         `json:"id,omitempty"`
	AppData          map[string]any `json:"app_data"`
	SecurityMetadata any            `json:"security_metadata,omitempty"`
}

// DataStore is the App Data Store as seen by backups.
type DataStore interface {
	Load(ctx context.Context) (map[string]any, error)
	Save(ctx context.Context, sections map[string]any) error
	Stats(ctx context.Context) (store.Stats, error)
}

// Cipher seals whole manifests.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Options selects the manifest transformations.
type Options struct {
	Compression bool
	Encryption  bool
	Clock       store.Clock
	Recorder    store.Recorder
	Logger      *slog.Logger
}

// Manager creates, restores and maintains backup artifacts.
type Manager struct {
	data      DataStore
	artifacts store.ArtifactStorage
	cipher    Cipher
	config    store.ConfigSource
	opts      Options
	logger    *slog.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopRecorder struct{}

func (nopRecorder) Inc(string, int64)     {}
func (nopRecorder) Observe(string, int64) {}

// New returns a Manager. config supplies the compression algorithm and level
// applied to manifests.
func New(data DataStore, artifacts store.ArtifactStorage, cipher Cipher, config store.ConfigSource, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		data:      data,
		artifacts: artifacts,
		cipher:    cipher,
		config:    config,
		opts:      opts,
		logger:    opts.Logger.With("domain", "backup"),
	}
}

// envelope returns the configuration applied to whole manifests.
func (m *Manager) envelope() domain.SecurityConfig {
	cur := m.config.Current().Normalize()
	return domain.SecurityConfig{
		EncryptionEnabled:  m.opts.Encryption,
		CompressionEnabled: m.opts.Compression,
		CompressionType:    cur.CompressionType,
		CompressionLevel:   cur.CompressionLevel,
	}
}

// Backup snapshots the store into dest, or into a timestamped file in the
// artifact directory when dest is empty, and returns the written path.
func (m *Manager) Backup(ctx context.Context, dest string) (string, error) {
	sections, err := m.data.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: load: %v", domain.ErrBackup, err)
	}
	now := m.opts.Clock.Now()
	man := Manifest{
		Timestamp: now.Format(time.RFC3339Nano),
		Version:   ManifestVersion,
		ID:        uuid.NewString(),
		AppData:   sections,
	}
	if st, err := m.data.Stats(ctx); err == nil {
		man.SecurityMetadata = st
	} else {
		m.logger.Warn("storage stats unavailable for manifest", "err", err)
	}
	content, err := m.Encode(man)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrBackup, err)
	}
	var path string
	if dest == "" {
		path, err = m.artifacts.Write(domain.NewBackupName(now).String(), strings.NewReader(content))
	} else {
		path, err = dest, filesystem.WriteFileAtomic(dest, strings.NewReader(content))
	}
	if err != nil {
		return "", fmt.Errorf("%w: write: %v", domain.ErrBackup, err)
	}
	m.opts.Recorder.Inc(CounterBackupsCreated, 1)
	m.logger.Info("backup created", "path", path, "id", man.ID, "sections", len(sections))
	return path, nil
}

// Encode serializes man into the base64 artifact body.
func (m *Manager) Encode(man Manifest) (string, error) {
	env := m.envelope()
	data, err := codec.Marshal(man)
	if err != nil {
		return "", err
	}
	if env.Compresses() {
		c := compress.Codec{Type: env.CompressionType, Level: env.CompressionLevel}
		if data, err = c.Compress(data); err != nil {
			return "", err
		}
	}
	if env.EncryptionEnabled {
		if data, err = m.cipher.Encrypt(data); err != nil {
			return "", fmt.Errorf("encrypt: %w", err)
		}
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode reverses Encode. The configured envelope is tried first, then the
// remaining encryption and compression combinations and finally the other
// algorithms, so changing options does not strand older artifacts.
func (m *Manager) Decode(content []byte) (Manifest, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(content)))
	if err != nil {
		return Manifest{}, fmt.Errorf("base64: %w", err)
	}
	var errs []error
	for _, c := range m.candidates() {
		man, err := m.decodeAs(c, raw)
		if err == nil {
			return man, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c, err))
	}
	return Manifest{}, errors.Join(errs...)
}

func (m *Manager) candidates() []codec.Candidate {
	env := m.envelope()
	out := codec.Candidates(env)
	seen := make(map[codec.Candidate]bool, len(out))
	for _, c := range out {
		seen[c] = true
	}
	for _, ct := range domain.CompressionTypes {
		if ct == env.CompressionType || ct == domain.CompressionNone {
			continue
		}
		alt := env
		alt.CompressionType = ct
		for _, c := range codec.Candidates(alt) {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func (m *Manager) decodeAs(c codec.Candidate, data []byte) (Manifest, error) {
	var err error
	if c.Encrypted {
		if data, err = m.cipher.Decrypt(data); err != nil {
			return Manifest{}, err
		}
	}
	if c.Compressed {
		if data, err = (compress.Codec{Type: c.Compression}).Decompress(data); err != nil {
			return Manifest{}, err
		}
	}
	return parseManifest(data)
}

// parseManifest checks structure only: app_data must be present and be an
// object. Section contents are opaque.
func parseManifest(data []byte) (Manifest, error) {
	var fields map[string]json.RawMessage
	if err := decodeJSON(data, &fields); err != nil {
		return Manifest{}, fmt.Errorf("manifest json: %w", err)
	}
	rawApp, ok := fields["app_data"]
	if !ok {
		return Manifest{}, errors.New("manifest has no app_data")
	}
	var man Manifest
	if err := decodeJSON(data, &man); err != nil {
		return Manifest{}, fmt.Errorf("manifest json: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(rawApp), []byte("null")) || man.AppData == nil {
		return Manifest{}, errors.New("manifest app_data is not an object")
	}
	if major, _, _ := strings.Cut(man.Version, "."); man.Version != "" && major != "1" {
		return Manifest{}, fmt.Errorf("unsupported manifest version %q", man.Version)
	}
	return man, nil
}

// decodeJSON decodes exactly one value, keeping numbers as json.Number.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after manifest")
	}
	return nil
}

// Restore replaces the stored sections with the manifest in source. source is
// either a bare artifact name in the backup directory or a file path. Any
// failure before the final save leaves live data untouched.
func (m *Manager) Restore(ctx context.Context, source string) error {
	man, err := m.read(source)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRestore, err)
	}
	if err := m.data.Save(ctx, man.AppData); err != nil {
		return fmt.Errorf("%w: save: %w", domain.ErrRestore, err)
	}
	m.opts.Recorder.Inc(CounterRestores, 1)
	m.logger.Info("backup restored", "source", source, "id", man.ID, "sections", len(man.AppData))
	return nil
}

// Verify decodes and validates source without writing anything.
func (m *Manager) Verify(source string) (Info, error) {
	content, err := m.readRaw(source)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrRestore, err)
	}
	man, err := m.Decode(content)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrRestore, err)
	}
	info := Info{
		Path:     m.resolve(source),
		ID:       man.ID,
		Version:  man.Version,
		Sections: len(man.AppData),
		Checksum: integrity.HashBytes(content),
	}
	if t, err := time.Parse(time.RFC3339Nano, man.Timestamp); err == nil {
		info.CreatedAt = t
	}
	if fi, err := os.Stat(info.Path); err == nil {
		info.Size = fi.Size()
	}
	return info, nil
}

func (m *Manager) resolve(source string) string {
	if _, err := domain.ParseBackupName(source); err == nil && filepath.Base(source) == source {
		return m.artifacts.Path(source)
	}
	return source
}

func (m *Manager) read(source string) (Manifest, error) {
	content, err := m.readRaw(source)
	if err != nil {
		return Manifest{}, err
	}
	return m.Decode(content)
}

func (m *Manager) readRaw(source string) ([]byte, error) {
	if source == "" {
		return nil, errors.New("no backup source given")
	}
	var (
		rc  io.ReadCloser
		err error
	)
	if _, perr := domain.ParseBackupName(source); perr == nil && filepath.Base(source) == source {
		rc, err = m.artifacts.Open(source)
	} else {
		rc, err = os.Open(source) // #nosec G304 operator-supplied backup path
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	content, err := io.ReadAll(io.LimitReader(rc, compress.MaxDecompressedSize+1))
	if err != nil {
		return nil, err
	}
	if len(content) > compress.MaxDecompressedSize {
		return nil, errors.New("backup file too large")
	}
	return content, nil
}
