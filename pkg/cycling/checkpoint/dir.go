package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Entry is one name in the checkpoint root.
type Entry struct {
	Name   string
	IsDir  bool
	IsLink bool
}

// Dir is the filesystem surface the checkpoint protocol needs. Names are
// relative to Root; ReadFile and WriteFile also accept "<slot>/<file>".
//
// Only the designated participant calls the mutating methods.
type Dir interface {
	// Root returns the absolute path of the checkpoint root.
	Root() string

	// List returns the entries directly under the root.
	List() ([]Entry, error)

	// Mkdir creates a directory exclusively. An existing name yields an
	// error matching fs.ErrExist.
	Mkdir(name string) error

	// Entries returns how many names exist inside directory name.
	Entries(name string) (int, error)

	// Exists reports whether name exists, without following symlinks.
	Exists(name string) (bool, error)

	// RemoveAll removes name and everything under it. Missing names are
	// not an error.
	RemoveAll(name string) error

	// Readlink returns the target of symlink name. A missing link yields an
	// error matching fs.ErrNotExist.
	Readlink(name string) (string, error)

	// Symlink creates symlink name pointing at target.
	Symlink(target, name string) error

	// Rename atomically replaces newName with oldName.
	Rename(oldName, newName string) error

	// WriteFile atomically replaces the file at name.
	WriteFile(name string, data []byte) error

	// ReadFile reads the file at name.
	ReadFile(name string) ([]byte, error)
}

// OSDir is a Dir on the local filesystem.
type OSDir struct {
	root string
}

// Compile-time interface check.
var _ Dir = (*OSDir)(nil)

// NewOSDir opens root, creating it if needed. The root is made absolute so
// pointer targets resolve regardless of the working directory.
func NewOSDir(root string) (*OSDir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve checkpoint root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}
	return &OSDir{root: abs}, nil
}

func (d *OSDir) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

// Root implements Dir.
func (d *OSDir) Root() string { return d.root }

// List implements Dir.
func (d *OSDir) List() ([]Entry, error) {
	des, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		out = append(out, Entry{
			Name:   de.Name(),
			IsDir:  de.IsDir(),
			IsLink: de.Type()&fs.ModeSymlink != 0,
		})
	}
	return out, nil
}

// Mkdir implements Dir.
func (d *OSDir) Mkdir(name string) error {
	return os.Mkdir(d.path(name), 0o755)
}

// Entries implements Dir.
func (d *OSDir) Entries(name string) (int, error) {
	des, err := os.ReadDir(d.path(name))
	if err != nil {
		return 0, err
	}
	return len(des), nil
}

// Exists implements Dir.
func (d *OSDir) Exists(name string) (bool, error) {
	_, err := os.Lstat(d.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// RemoveAll implements Dir.
func (d *OSDir) RemoveAll(name string) error {
	return os.RemoveAll(d.path(name))
}

// Readlink implements Dir.
func (d *OSDir) Readlink(name string) (string, error) {
	return os.Readlink(d.path(name))
}

// Symlink implements Dir.
func (d *OSDir) Symlink(target, name string) error {
	return os.Symlink(target, d.path(name))
}

// Rename implements Dir.
func (d *OSDir) Rename(oldName, newName string) error {
	return os.Rename(d.path(oldName), d.path(newName))
}

// WriteFile implements Dir.
func (d *OSDir) WriteFile(name string, data []byte) error {
	return WriteFileAtomic(d.path(name), data, 0o644)
}

// ReadFile implements Dir.
func (d *OSDir) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(d.path(name))
}
