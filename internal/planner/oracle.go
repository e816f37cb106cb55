package planner

import (
	"sync"
	"time"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/invocationlog"
	"github.com/nbuild/nbuild/internal/manifest"
)

// FingerprintMatchesMemo caches fingerprint.Matches results by path for
// the duration of one dirtiness sweep, so steps that share an input file
// reuse one stat/hash result (spec.md §4.4 "FingerprintMatchesMemo");
// goroutines that miss on the same path at the same time may each compute
// it, since the lock is not held during the check. Safe
// for concurrent use: DiscardCleanSteps evaluates IsClean for every
// should-build step from its own goroutine (spec.md §5 "Cache lookup
// parallelism"), and those goroutines routinely share input paths.
type FingerprintMatchesMemo struct {
	fs  fingerprint.Stat
	now time.Time

	mu   sync.Mutex
	seen map[string]fingerprint.MatchResult
}

// NewFingerprintMatchesMemo returns a memo backed by fs, evaluated as of
// now.
func NewFingerprintMatchesMemo(fs fingerprint.Stat, now time.Time) *FingerprintMatchesMemo {
	return &FingerprintMatchesMemo{fs: fs, now: now, seen: map[string]fingerprint.MatchResult{}}
}

// Match returns (and caches) the match result of path against prior.
func (m *FingerprintMatchesMemo) Match(path string, prior fingerprint.Fingerprint) (fingerprint.MatchResult, error) {
	m.mu.Lock()
	if r, ok := m.seen[path]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	r, err := fingerprint.Matches(m.fs, m.now, path, prior)
	if err != nil {
		return fingerprint.MatchResult{}, err
	}

	m.mu.Lock()
	m.seen[path] = r
	m.mu.Unlock()
	return r, nil
}

// Verdict is the result of isClean for one step.
type Verdict struct {
	Clean bool

	// Refresh holds a refreshed invocation record to persist (ShouldUpdate
	// fingerprints) when Clean is true but at least one fingerprint
	// rehash ended up matching with a moved mtime.
	Refresh *invocationlog.InvocationRecord
}

// IsClean implements spec.md §4.4: generator/phony steps compare mtimes
// of declared inputs/outputs directly; content-based steps require a
// prior invocation record and verify each recorded fingerprint.
func IsClean(step *manifest.Step, rec invocationlog.InvocationRecord, hasRecord bool, memo *FingerprintMatchesMemo, fs fingerprint.Stat) (Verdict, error) {
	if step.Generator || step.IsPhony() {
		return isCleanByMtime(step, fs, memo.now)
	}

	if !hasRecord {
		return Verdict{Clean: false}, nil
	}

	refreshed := rec
	changed := false
	for i, out := range rec.OutputFiles {
		r, err := memo.Match(out.Path, out.Fingerprint)
		if err != nil {
			return Verdict{}, err
		}
		if !r.Clean {
			return Verdict{Clean: false}, nil
		}
		if r.ShouldUpdate {
			fresh, _, err := fingerprint.Take(fs, memo.now, out.Path)
			if err != nil {
				return Verdict{}, err
			}
			refreshed.OutputFiles[i].Fingerprint = fresh
			changed = true
		}
	}
	for i, in := range rec.InputFiles {
		r, err := memo.Match(in.Path, in.Fingerprint)
		if err != nil {
			return Verdict{}, err
		}
		if !r.Clean {
			return Verdict{Clean: false}, nil
		}
		if r.ShouldUpdate {
			fresh, _, err := fingerprint.Take(fs, memo.now, in.Path)
			if err != nil {
				return Verdict{}, err
			}
			refreshed.InputFiles[i].Fingerprint = fresh
			changed = true
		}
	}

	v := Verdict{Clean: true}
	if changed {
		v.Refresh = &refreshed
	}
	return v, nil
}

// isCleanByMtime is the mtime-comparison oracle used for generator and
// phony steps (spec.md §4.4): missing any output, missing any input, or
// any input mtime at or after any output mtime makes the step dirty.
func isCleanByMtime(step *manifest.Step, fs fingerprint.Stat, now time.Time) (Verdict, error) {
	if len(step.Outputs) == 0 {
		return Verdict{Clean: true}, nil
	}
	var oldestOutput time.Time
	for i, out := range step.Outputs {
		info, err := fs.Lstat(out)
		if err != nil {
			return Verdict{Clean: false}, nil
		}
		if i == 0 || info.ModTime().Before(oldestOutput) {
			oldestOutput = info.ModTime()
		}
	}
	for _, in := range step.AllDeclaredInputs() {
		info, err := fs.Lstat(in)
		if err != nil {
			return Verdict{Clean: false}, nil
		}
		if !info.ModTime().Before(oldestOutput) {
			return Verdict{Clean: false}, nil
		}
	}
	return Verdict{Clean: true}, nil
}

// hashSet is a set of step hashes. Nothing in the package uses it;
// ignoredAndAdditionalDependencies and usedDependencies deduplicate with
// plain maps of their own.
type hashSet map[hashutil.Hash]bool
