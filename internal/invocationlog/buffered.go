package invocationlog

import (
	"sync"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/manifest"
)

// Buffered wraps a Log and defers every mutation until Flush, grounded on
// original_source's delayed_invocation_log_test.cpp. cmd/nbuild uses it
// two ways: a dry run's scheduler log is a Buffered that is never
// flushed, so nothing it collects ever reaches the underlying Log; the
// manifest-regenerator pre-pass's log is a Buffered wrapping the real
// log, flushed on a successful regeneration and discarded otherwise, so
// a failed or dry-run regeneration leaves no partial trace.
type Buffered struct {
	underlying Log

	mu      sync.Mutex
	pending []func(Log) error
	inv     *Invocations
}

// NewBuffered wraps underlying, seeding the buffer's visible Invocations
// with a copy of the underlying log's current state so readers of
// Invocations() see prior history plus whatever has been buffered so far.
func NewBuffered(underlying Log) *Buffered {
	return &Buffered{underlying: underlying, inv: cloneInvocations(underlying.Invocations())}
}

func (b *Buffered) Invocations() *Invocations { return b.inv }

func (b *Buffered) LeakMemory() { b.underlying.LeakMemory() }

func (b *Buffered) Fingerprint(path string) (fingerprint.Fingerprint, fingerprint.FileID, error) {
	return b.underlying.Fingerprint(path)
}

func (b *Buffered) CreatedDirectory(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inv.createdDirs[path] = true
	b.pending = append(b.pending, func(l Log) error { return l.CreatedDirectory(path) })
	return nil
}

func (b *Buffered) RemovedDirectory(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inv.createdDirs, path)
	b.pending = append(b.pending, func(l Log) error { return l.RemovedDirectory(path) })
	return nil
}

func (b *Buffered) RanCommand(stepHash hashutil.Hash, outputs, inputs []PathFingerprint, ignored []manifest.StepIndex, additional []hashutil.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, existed := b.inv.records[stepHash]; existed {
		b.inv.deadEntries++
	}
	b.inv.records[stepHash] = InvocationRecord{
		OutputFiles:            outputs,
		InputFiles:             inputs,
		IgnoredDependencies:    ignored,
		AdditionalDependencies: additional,
	}
	b.inv.liveEntries++
	b.pending = append(b.pending, func(l Log) error {
		return l.RanCommand(stepHash, outputs, inputs, ignored, additional)
	})
	return nil
}

func (b *Buffered) CleanedCommand(stepHash hashutil.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, existed := b.inv.records[stepHash]; existed {
		delete(b.inv.records, stepHash)
		b.inv.deadEntries++
	}
	b.pending = append(b.pending, func(l Log) error { return l.CleanedCommand(stepHash) })
	return nil
}

// Flush replays every buffered mutation against the underlying Log, in
// order, stopping at the first error (leaving the remainder buffered for
// a future Flush attempt).
func (b *Buffered) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) > 0 {
		fn := b.pending[0]
		if err := fn(b.underlying); err != nil {
			return err
		}
		b.pending = b.pending[1:]
	}
	return nil
}

// Discard drops every buffered mutation without applying it, for a
// dry-run build that must never touch the real log.
func (b *Buffered) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

func cloneInvocations(src *Invocations) *Invocations {
	dst := NewInvocations()
	dst.paths = append(dst.paths, src.paths...)
	for p, id := range src.pathIDs {
		dst.pathIDs[p] = id
	}
	dst.fingerprintsByID = append(dst.fingerprintsByID, src.fingerprintsByID...)
	for d := range src.createdDirs {
		dst.createdDirs[d] = true
	}
	for h, r := range src.records {
		dst.records[h] = r
	}
	dst.deadEntries = src.deadEntries
	dst.liveEntries = src.liveEntries
	return dst
}
