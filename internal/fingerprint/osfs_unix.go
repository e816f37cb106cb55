//go:build unix

package fingerprint

import (
	"io"
	"os"
	"syscall"
)

// OSFS is the Stat implementation backed by the real filesystem, with the
// mutation operations the scheduler and reaper need layered on top.
// Grounded on original_source's disk_interface.{h,cpp} RealDiskInterface,
// generalized from a single monolithic DiskInterface into the narrower
// Stat/FS surfaces each package actually consumes.
type OSFS struct{}

func (OSFS) Lstat(path string) (os.FileInfo, error) { return os.Lstat(path) }

func (OSFS) Readlink(path string) (string, error) { return os.Readlink(path) }

func (OSFS) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }

func (OSFS) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

func (OSFS) FileID(info os.FileInfo) FileID {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return FileID{}
	}
	return FileID{Device: uint64(st.Dev), Inode: uint64(st.Ino)}
}

// Remove deletes path, treating an already-missing path as success (mirrors
// RealDiskInterface::RemoveFile's ENOENT-is-fine handling).
func (OSFS) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// RemoveEmptyDir removes path if it is an empty directory. A missing path,
// a non-directory, or a non-empty directory all report (false, nil) rather
// than an error, matching the reaper's "silently ignored" contract.
func (OSFS) RemoveEmptyDir(path string) (bool, error) {
	if info, err := os.Lstat(path); err != nil || !info.IsDir() {
		return false, nil
	}
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	if pe, ok := err.(*os.PathError); ok {
		switch pe.Err.Error() {
		case "directory not empty", "file exists":
			return false, nil
		}
	}
	return false, nil
}

// Mkdir creates path and every missing parent directory (mkdir -p), per
// RealDiskInterface::MakeDirs.
func (OSFS) Mkdir(path string) error {
	return os.MkdirAll(path, 0o777)
}

// WriteFile creates or truncates path with contents b, per
// RealDiskInterface::WriteFile.
func (OSFS) WriteFile(path string, b []byte) error {
	return os.WriteFile(path, b, 0o666)
}
