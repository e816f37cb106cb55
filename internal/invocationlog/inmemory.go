package invocationlog

import (
	"sync"
	"time"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/manifest"
)

// InMemory is a Log that never touches disk, grounded on original_source's
// in_memory_invocation_log.{h,cpp}. It backs dry-run builds and tests that
// don't want to exercise the on-disk wire format.
type InMemory struct {
	fs  fingerprint.Stat
	now func() time.Time

	mu  sync.Mutex
	inv *Invocations
}

// NewInMemory returns an InMemory log seeded with an empty (or, if
// seed is non-nil, pre-populated) set of invocations.
func NewInMemory(fs fingerprint.Stat, now func() time.Time, seed *Invocations) *InMemory {
	if seed == nil {
		seed = NewInvocations()
	}
	return &InMemory{fs: fs, now: now, inv: seed}
}

func (m *InMemory) Invocations() *Invocations { return m.inv }

func (m *InMemory) LeakMemory() {}

func (m *InMemory) Fingerprint(path string) (fingerprint.Fingerprint, fingerprint.FileID, error) {
	return fingerprint.Take(m.fs, m.now(), path)
}

func (m *InMemory) CreatedDirectory(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inv.createdDirs[path] = true
	return nil
}

func (m *InMemory) RemovedDirectory(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inv.createdDirs, path)
	return nil
}

func (m *InMemory) RanCommand(stepHash hashutil.Hash, outputs, inputs []PathFingerprint, ignored []manifest.StepIndex, additional []hashutil.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var realOutputs []PathFingerprint
	for _, o := range outputs {
		if o.Fingerprint.Mode.IsDir() {
			m.inv.createdDirs[o.Path] = true
			continue
		}
		realOutputs = append(realOutputs, o)
	}
	var realInputs []PathFingerprint
	for _, in := range inputs {
		if !in.Fingerprint.Mode.IsDir() {
			realInputs = append(realInputs, in)
		}
	}

	if _, existed := m.inv.records[stepHash]; existed {
		m.inv.deadEntries++
	}
	m.inv.records[stepHash] = InvocationRecord{
		OutputFiles:            realOutputs,
		InputFiles:             realInputs,
		IgnoredDependencies:    ignored,
		AdditionalDependencies: additional,
	}
	m.inv.liveEntries++
	return nil
}

func (m *InMemory) CleanedCommand(stepHash hashutil.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, existed := m.inv.records[stepHash]; existed {
		delete(m.inv.records, stepHash)
		m.inv.deadEntries++
	}
	return nil
}
