package checkpoint

import (
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
)

// MemoryDir is an in-memory Dir for testing. Data is lost when the process
// exits.
type MemoryDir struct {
	mu    sync.RWMutex
	root  string
	dirs  map[string]bool
	links map[string]string
	files map[string][]byte

	// FailRemove, when set, makes RemoveAll report success while leaving
	// the named entry in place.
	FailRemove func(name string) bool
}

// Compile-time interface check.
var _ Dir = (*MemoryDir)(nil)

// NewMemoryDir creates an empty MemoryDir whose Root reports root.
func NewMemoryDir(root string) *MemoryDir {
	if root == "" {
		root = "/checkpoints"
	}
	return &MemoryDir{
		root:  path.Clean(root),
		dirs:  make(map[string]bool),
		links: make(map[string]string),
		files: make(map[string][]byte),
	}
}

func memErr(op, name string, err error) error {
	return &fs.PathError{Op: op, Path: name, Err: err}
}

// topLevel reports whether name lies directly under the root.
func topLevel(name string) bool {
	return !strings.Contains(name, "/")
}

func (m *MemoryDir) existsLocked(name string) bool {
	if m.dirs[name] {
		return true
	}
	if _, ok := m.links[name]; ok {
		return true
	}
	_, ok := m.files[name]
	return ok
}

// Root implements Dir.
func (m *MemoryDir) Root() string { return m.root }

// List implements Dir.
func (m *MemoryDir) List() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for name := range m.dirs {
		out = append(out, Entry{Name: name, IsDir: true})
	}
	for name := range m.links {
		out = append(out, Entry{Name: name, IsLink: true})
	}
	for name := range m.files {
		if topLevel(name) {
			out = append(out, Entry{Name: name})
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Mkdir implements Dir. Only top-level directories are supported.
func (m *MemoryDir) Mkdir(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !topLevel(name) {
		return memErr("mkdir", name, fs.ErrInvalid)
	}
	if m.existsLocked(name) {
		return memErr("mkdir", name, fs.ErrExist)
	}
	m.dirs[name] = true
	return nil
}

// Entries implements Dir.
func (m *MemoryDir) Entries(name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.dirs[name] {
		return 0, memErr("readdir", name, fs.ErrNotExist)
	}
	n := 0
	for file := range m.files {
		if strings.HasPrefix(file, name+"/") {
			n++
		}
	}
	return n, nil
}

// Exists implements Dir.
func (m *MemoryDir) Exists(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existsLocked(name), nil
}

// RemoveAll implements Dir.
func (m *MemoryDir) RemoveAll(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailRemove != nil && m.FailRemove(name) {
		return nil
	}
	delete(m.dirs, name)
	delete(m.links, name)
	delete(m.files, name)
	for file := range m.files {
		if strings.HasPrefix(file, name+"/") {
			delete(m.files, file)
		}
	}
	return nil
}

// Readlink implements Dir.
func (m *MemoryDir) Readlink(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target, ok := m.links[name]
	if !ok {
		return "", memErr("readlink", name, fs.ErrNotExist)
	}
	return target, nil
}

// Symlink implements Dir.
func (m *MemoryDir) Symlink(target, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.existsLocked(name) {
		return memErr("symlink", name, fs.ErrExist)
	}
	m.links[name] = target
	return nil
}

// Rename implements Dir. Only symlinks and files can be renamed.
func (m *MemoryDir) Rename(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target, ok := m.links[oldName]; ok {
		delete(m.links, oldName)
		delete(m.files, newName)
		m.links[newName] = target
		return nil
	}
	if data, ok := m.files[oldName]; ok {
		delete(m.files, oldName)
		delete(m.links, newName)
		m.files[newName] = data
		return nil
	}
	return memErr("rename", oldName, fs.ErrNotExist)
}

// WriteFile implements Dir. The parent of a nested name must exist.
func (m *MemoryDir) WriteFile(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent := path.Dir(name); parent != "." && !m.dirs[parent] {
		return memErr("open", name, fs.ErrNotExist)
	}
	m.files[name] = slices.Clone(data)
	return nil
}

// ReadFile implements Dir.
func (m *MemoryDir) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[name]
	if !ok {
		return nil, memErr("open", name, fs.ErrNotExist)
	}
	return slices.Clone(data), nil
}
