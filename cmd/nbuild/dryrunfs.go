package main

import "github.com/nbuild/nbuild/internal/fingerprint"

// dryRunFS wraps a real Stat implementation but turns every mutation into a
// no-op, grounded on original_source's fs/dry_run_file_system.{h,cpp} ("a
// file system that doesn't do anything on file modification operations, it
// just silently ignores them"). The scheduler still reads through it
// faithfully, so a dry run reports exactly what would be dirty without
// creating directories, writing rspfiles, or deleting anything.
type dryRunFS struct {
	fingerprint.Stat
}

func (dryRunFS) Mkdir(path string) error               { return nil }
func (dryRunFS) WriteFile(path string, b []byte) error { return nil }
func (dryRunFS) Remove(path string) error              { return nil }
func (dryRunFS) RemoveEmptyDir(path string) (bool, error) { return false, nil }
