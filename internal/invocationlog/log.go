package invocationlog

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Log is the InvocationLog interface of spec.md §4.2: a persistent or
// in-memory record of every successful step execution.
type Log interface {
	CreatedDirectory(path string) error
	RemovedDirectory(path string) error
	Fingerprint(path string) (fingerprint.Fingerprint, fingerprint.FileID, error)
	RanCommand(stepHash hashutil.Hash, outputs, inputs []PathFingerprint, ignored []manifest.StepIndex, additional []hashutil.Hash) error
	CleanedCommand(stepHash hashutil.Hash) error

	// LeakMemory signals that process exit is imminent, so the log may
	// skip any in-memory cleanup it would otherwise perform.
	LeakMemory()

	// Invocations returns the current reduction, for the planner/oracle.
	Invocations() *Invocations
}

// recordWriter serializes records to w, interning paths and fingerprints
// as it goes and re-emitting the backing path/fingerprint records the
// first time each is referenced. Persistent uses one long-lived
// recordWriter across the life of the open log file; Recompact uses a
// fresh one writing into a new file.
type recordWriter struct {
	w       io.Writer
	pathIDs map[string]pathID
	nPaths  int
	nFps    int
}

func newRecordWriter(w io.Writer) *recordWriter {
	return &recordWriter{w: w, pathIDs: map[string]pathID{}}
}

func (rw *recordWriter) writeRaw(kind recordKind, payload []byte) error {
	var header [binary.MaxVarintLen64 + 1]byte
	n := binary.PutUvarint(header[:], uint64(len(payload)+1))
	if _, err := rw.w.Write(header[:n]); err != nil {
		return err
	}
	if _, err := rw.w.Write([]byte{byte(kind)}); err != nil {
		return err
	}
	_, err := rw.w.Write(payload)
	return err
}

func (rw *recordWriter) internPath(p string) (pathID, error) {
	if id, ok := rw.pathIDs[p]; ok {
		return id, nil
	}
	id := pathID(rw.nPaths)
	rw.nPaths++
	rw.pathIDs[p] = id
	if err := rw.writeRaw(kindPath, []byte(p)); err != nil {
		return 0, err
	}
	return id, nil
}

func (rw *recordWriter) writeFingerprint(pf PathFingerprint) (fingerprintID, error) {
	pid, err := rw.internPath(pf.Path)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	writeVarintTo(&buf, int64(pid))
	encodeFingerprint(&buf, pf.Fingerprint)
	if err := rw.writeRaw(kindFingerprint, buf.Bytes()); err != nil {
		return 0, err
	}
	id := fingerprintID(rw.nFps)
	rw.nFps++
	return id, nil
}

func (rw *recordWriter) writeCreatedDirectory(path string) error {
	pid, err := rw.internPath(path)
	if err != nil {
		return err
	}
	return rw.writeRaw(kindCreatedDirectory, encodeVarintPayload(int64(pid)))
}

func (rw *recordWriter) writeDeletedDirectory(path string) error {
	pid, err := rw.internPath(path)
	if err != nil {
		return err
	}
	return rw.writeRaw(kindDeletedDirectory, encodeVarintPayload(int64(pid)))
}

func (rw *recordWriter) writeInvocation(stepHash hashutil.Hash, rec InvocationRecord) error {
	var buf bytes.Buffer
	buf.Write(stepHash[:])
	writeVarintTo(&buf, int64(len(rec.OutputFiles)))
	for _, o := range rec.OutputFiles {
		id, err := rw.writeFingerprint(o)
		if err != nil {
			return err
		}
		writeVarintTo(&buf, int64(id))
	}
	writeVarintTo(&buf, int64(len(rec.InputFiles)))
	for _, in := range rec.InputFiles {
		id, err := rw.writeFingerprint(in)
		if err != nil {
			return err
		}
		writeVarintTo(&buf, int64(id))
	}
	writeVarintTo(&buf, int64(len(rec.IgnoredDependencies)))
	for _, idx := range rec.IgnoredDependencies {
		writeVarintTo(&buf, int64(idx))
	}
	writeVarintTo(&buf, int64(len(rec.AdditionalDependencies)))
	for _, h := range rec.AdditionalDependencies {
		buf.Write(h[:])
	}
	return rw.writeRaw(kindInvocation, buf.Bytes())
}

func (rw *recordWriter) writeInvocationDeletion(stepHash hashutil.Hash) error {
	return rw.writeRaw(kindInvocationDeletion, stepHash[:])
}

func writeVarintTo(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func encodeVarintPayload(v int64) []byte {
	var buf bytes.Buffer
	writeVarintTo(&buf, v)
	return buf.Bytes()
}

func writeHeader(w io.Writer) error {
	if _, err := io.WriteString(w, Signature); err != nil {
		return err
	}
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], Version)
	_, err := w.Write(v[:])
	return err
}

// Persistent is the on-disk InvocationLog implementation: an append-only
// file plus the in-memory Invocations reduction of everything written so
// far (spec.md §4.2 "Concurrency": writes are serialized through the log
// object).
type Persistent struct {
	path string
	fs   fingerprint.Stat
	now  func() time.Time

	mu  sync.Mutex
	f   *os.File
	rw  *recordWriter
	inv *Invocations
}

// OpenResult carries the out-of-band signals Open learns while parsing
// the existing log, alongside the returned Persistent.
type OpenResult struct {
	// Truncated reports whether the tail was cut off mid-record.
	Truncated bool
	// NeedsRecompact reports whether dead entries make up more than half
	// of the log (spec.md §4.2's recompaction threshold); the caller is
	// expected to call Recompact when this is true.
	NeedsRecompact bool
}

// Open parses path (creating it if absent) and returns a ready-to-use
// Persistent log, along with the parse-time signals in OpenResult.
func Open(path string, fs fingerprint.Stat, now func() time.Time) (*Persistent, OpenResult, error) {
	inv := NewInvocations()
	var res OpenResult

	if b, err := os.ReadFile(path); err == nil {
		parsed, perr := Parse(bytes.NewReader(b))
		if perr != nil {
			return nil, OpenResult{}, errors.Wrap(perr, "parse invocation log")
		}
		inv = parsed.Invocations
		res.Truncated = parsed.Truncated
		res.NeedsRecompact = parsed.NeedsRecompact
	} else if !os.IsNotExist(err) {
		return nil, OpenResult{}, err
	}

	needsHeader := false
	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, OpenResult{}, err
	}
	if needsHeader {
		if err := writeHeader(f); err != nil {
			f.Close()
			return nil, OpenResult{}, err
		}
	}

	rw := newRecordWriter(f)
	rw.nPaths = len(inv.paths)
	rw.nFps = len(inv.fingerprintsByID)
	for p, id := range inv.pathIDs {
		rw.pathIDs[p] = id
	}

	return &Persistent{path: path, fs: fs, now: now, f: f, rw: rw, inv: inv}, res, nil
}

func (p *Persistent) Invocations() *Invocations { return p.inv }

func (p *Persistent) LeakMemory() {}

func (p *Persistent) Fingerprint(path string) (fingerprint.Fingerprint, fingerprint.FileID, error) {
	return fingerprint.Take(p.fs, p.now(), path)
}

func (p *Persistent) CreatedDirectory(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.rw.writeCreatedDirectory(path); err != nil {
		return err
	}
	p.inv.createdDirs[path] = true
	return nil
}

func (p *Persistent) RemovedDirectory(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.rw.writeDeletedDirectory(path); err != nil {
		return err
	}
	delete(p.inv.createdDirs, path)
	return nil
}

// RanCommand implements spec.md §4.2 "ranCommand": output paths reported
// as directories are diverted to created-directory entries; input paths
// whose fingerprint indicates a directory are dropped entirely.
func (p *Persistent) RanCommand(stepHash hashutil.Hash, outputs, inputs []PathFingerprint, ignored []manifest.StepIndex, additional []hashutil.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var realOutputs []PathFingerprint
	for _, o := range outputs {
		if o.Fingerprint.Mode.IsDir() {
			if err := p.rw.writeCreatedDirectory(o.Path); err != nil {
				return err
			}
			p.inv.createdDirs[o.Path] = true
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

	rec := InvocationRecord{
		OutputFiles:            realOutputs,
		InputFiles:             realInputs,
		IgnoredDependencies:    ignored,
		AdditionalDependencies: additional,
	}
	if err := p.rw.writeInvocation(stepHash, rec); err != nil {
		return err
	}
	if _, existed := p.inv.records[stepHash]; existed {
		p.inv.deadEntries++
	}
	p.inv.records[stepHash] = rec
	p.inv.liveEntries++
	return nil
}

func (p *Persistent) CleanedCommand(stepHash hashutil.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.rw.writeInvocationDeletion(stepHash); err != nil {
		return err
	}
	if _, existed := p.inv.records[stepHash]; existed {
		delete(p.inv.records, stepHash)
		p.inv.deadEntries++
	}
	return nil
}

// Recompact implements spec.md §4.2 "Recompaction": it writes a fresh log
// containing exactly the entries needed to reconstruct the current
// Invocations, then atomically replaces the old file via renameio. The
// heuristic in NeedsRecompaction guards against requesting recompaction
// again immediately: a freshly recompacted log has deadEntries reset to 0.
func (p *Persistent) Recompact() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf bytes.Buffer
	if err := writeHeader(&buf); err != nil {
		return err
	}
	rw := newRecordWriter(&buf)

	for dir := range p.inv.createdDirs {
		if err := rw.writeCreatedDirectory(dir); err != nil {
			return err
		}
	}
	for hash, rec := range p.inv.records {
		if err := rw.writeInvocation(hash, rec); err != nil {
			return err
		}
	}

	if err := renameio.WriteFile(p.path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "recompact invocation log")
	}

	if err := p.f.Close(); err != nil {
		logrus.WithError(err).Warn("invocation log: error closing old file handle after recompaction")
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	p.f = f
	p.rw = rw
	p.rw.w = f
	p.inv.deadEntries = 0
	p.inv.liveEntries = len(p.inv.createdDirs) + len(p.inv.records)
	return nil
}

// Close closes the underlying file handle.
func (p *Persistent) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}
