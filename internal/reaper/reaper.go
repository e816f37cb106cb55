// Package reaper implements spec.md §4.6, the stale-output reclamation
// pass: deleting outputs and created directories left behind by steps
// that no longer exist in the current manifest, and the per-step
// variant run just before a command is relaunched.
package reaper

import (
	"os"
	"sort"
	"time"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/invocationlog"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// FS is the minimal filesystem surface the reaper needs: fingerprint
// verification plus the two mutations (unlink, rmdir) it performs.
type FS interface {
	fingerprint.Stat
	Remove(path string) error
	RemoveEmptyDir(path string) (removed bool, err error)
}

// DeleteStaleOutputs implements spec.md §4.6's manifest-wide pass: for
// every invocation record whose step-hash is no longer produced by any
// current step, delete each recorded output whose on-disk fingerprint
// still matches the recorded one, then remove each recorded created
// directory that is now empty.
func DeleteStaleOutputs(fs FS, m *manifest.Compiled, inv *invocationlog.Invocations) {
	current := map[hashutil.Hash]bool{}
	for i := range m.Steps {
		current[m.Steps[i].Hash] = true
	}

	// Stale records are independent of each other, so the fingerprint
	// check and unlink for each can run concurrently; the filesystem calls
	// involved are just os.Stat/os.Remove against disjoint paths.
	var g errgroup.Group
	for stepHash, rec := range inv.Records() {
		if current[stepHash] {
			continue
		}
		rec := rec
		g.Go(func() error {
			deleteRecordedOutputs(fs, rec)
			return nil
		})
	}
	_ = g.Wait()
	reapEmptyCreatedDirectories(fs, inv)
}

// DeleteOldOutputs is the single-step variant (spec.md §4.6 "When
// executing a step, the same operation runs for that step's prior
// invocation before the new command is launched"): it always reaps the
// step's own previously recorded outputs, regardless of whether the step
// still exists in the manifest.
func DeleteOldOutputs(fs FS, inv *invocationlog.Invocations, stepHash hashutil.Hash) {
	rec, ok := inv.Record(stepHash)
	if !ok {
		return
	}
	deleteRecordedOutputs(fs, rec)
	reapEmptyCreatedDirectories(fs, inv)
}

func deleteRecordedOutputs(fs FS, rec invocationlog.InvocationRecord) {
	for _, out := range rec.OutputFiles {
		fp, _, err := fingerprint.Take(fs, time.Time{}, out.Path)
		if err != nil {
			logrus.WithError(err).WithField("path", out.Path).Warn("reaper: stat failed, leaving output in place")
			continue
		}
		if fp.Missing() {
			continue
		}
		if fp.Size != out.Fingerprint.Size || fp.Mode != out.Fingerprint.Mode || fp.Hash != out.Fingerprint.Hash {
			continue
		}
		if err := fs.Remove(out.Path); err != nil && !os.IsNotExist(err) {
			logrus.WithError(err).WithField("path", out.Path).Warn("reaper: unlink failed")
		}
	}
}

func reapEmptyCreatedDirectories(fs FS, inv *invocationlog.Invocations) {
	// Reverse lexical order visits a nested directory before its parent.
	dirs := inv.CreatedDirectories()
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		// A non-empty directory, or any other removal failure, is silently
		// ignored per spec.md §4.6 ("directory-removal errors ... are
		// silently ignored").
		_, _ = fs.RemoveEmptyDir(dir)
	}
}
