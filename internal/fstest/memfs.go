// Package fstest provides an in-memory filesystem double used across the
// engine's test suites, grounded on original_source's
// in_memory_file_system.h: a single map of path to file/dir/symlink entry
// that every package's tests can drive without touching disk.
package fstest

import (
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/nbuild/nbuild/internal/fingerprint"
)

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindSymlink
)

type entry struct {
	kind    entryKind
	data    []byte
	target  string // symlink target
	mode    os.FileMode
	mtime   time.Time
	inode   uint64
	missing bool
}

// MemFS is an in-memory filesystem implementing fingerprint.Stat.
type MemFS struct {
	Now     time.Time
	entries map[string]*entry
	nextIno uint64
}

// New returns an empty MemFS with its clock set to now.
func New(now time.Time) *MemFS {
	return &MemFS{Now: now, entries: map[string]*entry{}}
}

func (m *MemFS) clean(path string) string {
	return strings.TrimPrefix(path, "./")
}

// filepathDir returns path's parent directory using "/"-separated
// semantics, without importing path/filepath (MemFS paths are always
// slash-separated, even on Windows test runs).
func filepathDir(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// WriteFile creates or overwrites a regular file with contents b, stamped
// at the current clock.
func (m *MemFS) WriteFile(path string, b []byte) error {
	m.writeAt(path, b, m.Now)
	return nil
}

// WriteFileAt is WriteFile with an explicit mtime, for racily-clean tests.
func (m *MemFS) WriteFileAt(path string, b []byte, mtime time.Time) {
	m.writeAt(path, b, mtime)
}

func (m *MemFS) writeAt(path string, b []byte, mtime time.Time) {
	path = m.clean(path)
	e, ok := m.entries[path]
	if !ok {
		m.nextIno++
		e = &entry{inode: m.nextIno}
		m.entries[path] = e
	}
	e.kind = kindFile
	e.data = append([]byte(nil), b...)
	e.mode = 0o644
	e.mtime = mtime
}

// Mkdir creates path and every missing parent directory (mkdir -p).
func (m *MemFS) Mkdir(path string) error {
	path = m.clean(path)
	if path == "" || path == "." {
		return nil
	}
	if parent := filepathDir(path); parent != "" && parent != "." {
		if err := m.Mkdir(parent); err != nil {
			return err
		}
	}
	if e, ok := m.entries[path]; ok {
		if e.kind != kindDir {
			return errors.New("not a directory: " + path)
		}
		return nil
	}
	m.nextIno++
	m.entries[path] = &entry{kind: kindDir, mode: os.ModeDir | 0o755, mtime: m.Now, inode: m.nextIno}
	return nil
}

// Symlink creates a symlink at path pointing at target.
func (m *MemFS) Symlink(path, target string) {
	path = m.clean(path)
	m.nextIno++
	m.entries[path] = &entry{kind: kindSymlink, target: target, mode: os.ModeSymlink, mtime: m.Now, inode: m.nextIno}
}

// Remove deletes path. Missing paths are a silent no-op.
func (m *MemFS) Remove(path string) error {
	delete(m.entries, m.clean(path))
	return nil
}

// RemoveEmptyDir removes path if it is a directory with no entries,
// reporting false (never an error) if it is missing, not a directory, or
// non-empty.
func (m *MemFS) RemoveEmptyDir(path string) (bool, error) {
	empty, err := m.IsEmptyDir(path)
	if err != nil || !empty {
		return false, nil
	}
	delete(m.entries, m.clean(path))
	return true, nil
}

// Exists reports whether path has an entry.
func (m *MemFS) Exists(path string) bool {
	_, ok := m.entries[m.clean(path)]
	return ok
}

func (m *MemFS) Lstat(path string) (os.FileInfo, error) {
	e, ok := m.entries[m.clean(path)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return fileInfo{name: path, e: e}, nil
}

func (m *MemFS) Readlink(path string) (string, error) {
	e, ok := m.entries[m.clean(path)]
	if !ok || e.kind != kindSymlink {
		return "", os.ErrNotExist
	}
	return e.target, nil
}

func (m *MemFS) ReadDir(path string) ([]os.DirEntry, error) {
	prefix := m.clean(path)
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	var out []os.DirEntry
	for p, e := range m.entries {
		if !strings.HasPrefix(p, prefix) || p == prefix {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		if seen[rest] {
			continue
		}
		seen[rest] = true
		childPath := prefix + rest
		childEntry := m.entries[childPath]
		if childEntry == nil {
			childEntry = e
		}
		out = append(out, dirEntry{name: rest, e: childEntry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (m *MemFS) Open(path string) (io.ReadCloser, error) {
	e, ok := m.entries[m.clean(path)]
	if !ok || e.kind != kindFile {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(string(e.data))), nil
}

func (m *MemFS) FileID(info os.FileInfo) fingerprint.FileID {
	fi, ok := info.(fileInfo)
	if !ok {
		return fingerprint.FileID{}
	}
	return fingerprint.FileID{Device: 1, Inode: fi.e.inode}
}

// IsEmptyDir reports whether path is a directory containing no entries.
func (m *MemFS) IsEmptyDir(path string) (bool, error) {
	e, ok := m.entries[m.clean(path)]
	if !ok {
		return false, os.ErrNotExist
	}
	if e.kind != kindDir {
		return false, errors.New("not a directory")
	}
	entries, err := m.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

type fileInfo struct {
	name string
	e    *entry
}

func (f fileInfo) Name() string       { return f.name }
func (f fileInfo) Size() int64        { return int64(len(f.e.data)) }
func (f fileInfo) Mode() os.FileMode  { return f.e.mode }
func (f fileInfo) ModTime() time.Time { return f.e.mtime }
func (f fileInfo) IsDir() bool        { return f.e.kind == kindDir }
func (f fileInfo) Sys() any           { return nil }

type dirEntry struct {
	name string
	e    *entry
}

func (d dirEntry) Name() string               { return d.name }
func (d dirEntry) IsDir() bool                { return d.e.kind == kindDir }
func (d dirEntry) Type() os.FileMode          { return d.e.mode.Type() }
func (d dirEntry) Info() (os.FileInfo, error) { return fileInfo{name: d.name, e: d.e}, nil }
