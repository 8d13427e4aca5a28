// Package filesystem provides an ArtifactStorage implementation backed by the
// local filesystem. It stores backup artifacts as immutable files named
// backup_<YYYYMMDD_HHMMSS>.bms.
package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/store"
)

// Ensure ArtifactStore implements store.ArtifactStorage
var _ store.ArtifactStorage = (*ArtifactStore)(nil)

const tmpPattern = ".artifact-*.tmp"

// ArtifactStore implements store.ArtifactStorage using one directory.
type ArtifactStore struct {
	root string
}

// New returns a filesystem-backed artifact store rooted at dir, creating the
// directory with 0700 permissions when absent.
func New(root string) (*ArtifactStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("artifact root is not a directory")
	}
	return &ArtifactStore{root: root}, nil
}

// Root returns the directory holding the artifacts.
func (a *ArtifactStore) Root() string { return a.root }

// Path constructs the full path to the artifact file for a given name.
func (a *ArtifactStore) Path(name string) string { return filepath.Join(a.root, name) }

// Write stores r under name, replacing any artifact of the same name
// atomically, and returns the file path.
func (a *ArtifactStore) Write(name string, r io.Reader) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	p := a.Path(name)
	if err := WriteFileAtomic(p, r); err != nil {
		return "", err
	}
	return p, nil
}

// Open opens an artifact for reading by name.
func (a *ArtifactStore) Open(name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return os.Open(a.Path(name)) // #nosec G304 path constructed from a fixed root plus a validated name
}

// Delete removes the artifact file for a given name.
func (a *ArtifactStore) Delete(name string) error {
	if name == "" {
		return nil
	}
	if err := validateName(name); err != nil {
		return err
	}
	return os.Remove(a.Path(name))
}

// List returns every artifact currently present, oldest first. Files that do
// not follow the naming scheme are ignored.
func (a *ArtifactStore) List() ([]store.ArtifactInfo, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, err
	}
	var out []store.ArtifactInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, err := domain.ParseBackupName(e.Name())
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, store.ArtifactInfo{
			Name:    name,
			Path:    a.Path(e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WriteFileAtomic writes r to a temporary file beside path, syncs it and
// renames it into place. A failed write leaves no file behind.
func WriteFileAtomic(path string, r io.Reader) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(f, r); err != nil {
		return err
	}
	if err = f.Chmod(0o600); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// validateName enforces the backup naming scheme. This both prevents path
// traversal (no separators) and guarantees uniform filenames.
func validateName(name string) error {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains a path element", domain.ErrInvalidBackupName, name)
	}
	if _, err := domain.ParseBackupName(name); err != nil {
		return fmt.Errorf("%w: %q", err, name)
	}
	return nil
}
