package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store is a strongly consistent byte store addressed by slash-separated,
// root-relative paths ("<job-id>/<file>").
type Store interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// ErrEscapesRoot is returned for paths that leave the storage root.
var ErrEscapesRoot = errors.New("path escapes storage root")

// Local stores files under a root directory. Writes go through a temp file
// in the same directory followed by a rename, so a reader never observes a
// partially written file.
type Local struct {
	root string
}

var _ Store = (*Local)(nil)

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", abs, err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string {
	return l.root
}

// Path resolves a root-relative name to an absolute filesystem path.
func (l *Local) Path(name string) (string, error) {
	if name == "" || strings.Contains(name, "\\") || path.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, name)
	}
	full := filepath.Join(l.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(l.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, name)
	}
	return full, nil
}

// JobFile resolves an asset inside a job directory. The filename must pass
// ValidateAssetName; the check happens before any filesystem access.
func (l *Local) JobFile(jobID, filename string) (string, error) {
	if err := ValidateJobID(jobID); err != nil {
		return "", err
	}
	if err := ValidateAssetName(filename); err != nil {
		return "", err
	}
	full, err := l.Path(path.Join(jobID, filename))
	if err != nil {
		return "", err
	}
	jobDir := filepath.Join(l.root, jobID)
	if filepath.Dir(full) != jobDir {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, filename)
	}
	return full, nil
}

func (l *Local) Write(ctx context.Context, name string, data []byte) error {
	full, err := l.Path(name)
	if err != nil {
		return err
	}
	return writeFileAtomic(full, data)
}

func (l *Local) Read(ctx context.Context, name string) ([]byte, error) {
	full, err := l.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, name string) (bool, error) {
	full, err := l.Path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", name, err)
}

// MkdirAll creates a root-relative directory.
func (l *Local) MkdirAll(dir string) error {
	full, err := l.Path(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", full, err)
	}
	return nil
}

// RemoveAll deletes a root-relative directory and everything under it.
func (l *Local) RemoveAll(dir string) error {
	full, err := l.Path(dir)
	if err != nil {
		return err
	}
	if full == l.root {
		return fmt.Errorf("%w: refusing to remove root", ErrEscapesRoot)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("remove directory %s: %w", full, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
