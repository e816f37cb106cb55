package invocationlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/sirupsen/logrus"
)

// Invocations is the in-memory reduction of a replayed log: the single
// source of truth for "what the previous build actually read/wrote"
// (spec.md §3 Invariants).
type Invocations struct {
	paths            []string
	pathIDs          map[string]pathID
	fingerprintsByID []PathFingerprint
	createdDirs      map[string]bool
	records          map[hashutil.Hash]InvocationRecord

	// deadEntries and liveEntries drive the recompaction heuristic.
	deadEntries  int
	liveEntries  int
}

// NewInvocations returns an empty Invocations, as if parsing an empty log.
func NewInvocations() *Invocations {
	return &Invocations{
		pathIDs:     map[string]pathID{},
		createdDirs: map[string]bool{},
		records:     map[hashutil.Hash]InvocationRecord{},
	}
}

// CreatedDirectories returns the set of directories the log believes this
// engine created on a prior build and has not since reaped.
func (inv *Invocations) CreatedDirectories() []string {
	out := make([]string, 0, len(inv.createdDirs))
	for d := range inv.createdDirs {
		out = append(out, d)
	}
	return out
}

// Record returns the invocation record for stepHash, if any.
func (inv *Invocations) Record(stepHash hashutil.Hash) (InvocationRecord, bool) {
	r, ok := inv.records[stepHash]
	return r, ok
}

// Records returns every known step-hash currently recorded.
func (inv *Invocations) Records() map[hashutil.Hash]InvocationRecord {
	return inv.records
}

// AddCreatedDirectoryForTest installs a created-directory entry directly,
// bypassing the normal append-only write path.
func (inv *Invocations) AddCreatedDirectoryForTest(path string) {
	inv.createdDirs[path] = true
}

// SetRecordForTest installs rec directly, bypassing the normal
// append-only write path. It exists so package tests elsewhere in the
// engine can seed a prior build's history without round-tripping through
// the on-disk wire format.
func (inv *Invocations) SetRecordForTest(stepHash hashutil.Hash, rec InvocationRecord) {
	if _, existed := inv.records[stepHash]; existed {
		inv.deadEntries++
	}
	inv.records[stepHash] = rec
	inv.liveEntries++
}

// NeedsRecompaction reports whether the fraction of dead entries
// (invocation records that were overwritten or deleted, and
// created-directory entries cancelled by a deletion) exceeds half of all
// entries, once there are at least 64 (spec.md §4.2 "Recompaction").
// Path and fingerprint records are never counted as dead.
func (inv *Invocations) NeedsRecompaction() bool {
	total := inv.deadEntries + inv.liveEntries
	if total < 64 {
		return false
	}
	return float64(inv.deadEntries)/float64(total) > 0.5
}

func (inv *Invocations) internPath(p string) pathID {
	if id, ok := inv.pathIDs[p]; ok {
		return id
	}
	id := pathID(len(inv.paths))
	inv.paths = append(inv.paths, p)
	inv.pathIDs[p] = id
	return id
}

func (inv *Invocations) addFingerprint(pid pathID, fp PathFingerprint) fingerprintID {
	id := fingerprintID(len(inv.fingerprintsByID))
	inv.fingerprintsByID = append(inv.fingerprintsByID, fp)
	return id
}

// ParseResult is what Parse returns: the reduced Invocations plus whether
// the tail was truncated (a warning, not a fatal error; spec.md §7).
type ParseResult struct {
	Invocations     *Invocations
	Truncated       bool
	NeedsRecompact  bool
}

// Parse replays a log file's bytes into an Invocations. A record that
// fails to fully decode (file ends mid-record) truncates back to the last
// valid boundary and is reported via Truncated, never as an error.
func Parse(r io.Reader) (ParseResult, error) {
	br := bufio.NewReader(r)

	var sigVer [len(Signature) + 4]byte
	n, err := io.ReadFull(br, sigVer[:])
	if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
		return ParseResult{Invocations: NewInvocations()}, nil
	}
	if err != nil {
		return ParseResult{}, err
	}
	if string(sigVer[:len(Signature)]) != Signature {
		return ParseResult{}, errNotALog
	}
	version := binary.LittleEndian.Uint32(sigVer[len(Signature):])
	if version != Version {
		logrus.WithField("version", version).Warn("invocation log: version mismatch, starting fresh")
		return ParseResult{Invocations: NewInvocations(), NeedsRecompact: false}, nil
	}

	inv := NewInvocations()
	truncated := false
	for {
		rec, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.WithError(err).Warn("invocation log: truncated tail, discarding incomplete record")
			truncated = true
			break
		}
		applyRecord(inv, rec)
	}

	return ParseResult{Invocations: inv, Truncated: truncated, NeedsRecompact: inv.NeedsRecompaction()}, nil
}

var errNotALog = errFmt("invocation log: bad signature")

func errFmt(s string) error { return &simpleErr{s} }

type simpleErr struct{ s string }

func (e *simpleErr) Error() string { return e.s }

type rawRecord struct {
	kind    recordKind
	payload []byte
}

// readRecord reads one <varint length><u8 kind><payload> record.
func readRecord(br *bufio.Reader) (rawRecord, error) {
	length, err := binary.ReadUvarint(br)
	if err != nil {
		return rawRecord{}, err
	}
	if length == 0 {
		return rawRecord{}, errFmt("invocation log: zero-length record")
	}
	kindByte, err := br.ReadByte()
	if err != nil {
		return rawRecord{}, io.ErrUnexpectedEOF
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(br, payload); err != nil {
		return rawRecord{}, io.ErrUnexpectedEOF
	}
	return rawRecord{kind: recordKind(kindByte), payload: payload}, nil
}

func applyRecord(inv *Invocations, rec rawRecord) {
	buf := bytes.NewReader(rec.payload)
	switch rec.kind {
	case kindPath:
		inv.paths = append(inv.paths, string(rec.payload))
		inv.pathIDs[string(rec.payload)] = pathID(len(inv.paths) - 1)
		inv.liveEntries++

	case kindFingerprint:
		pid, n := binary.Varint(rec.payload)
		fp, err := decodeFingerprint(rec.payload[n:])
		if err != nil {
			return
		}
		path := ""
		if int(pid) >= 0 && int(pid) < len(inv.paths) {
			path = inv.paths[pid]
		}
		inv.fingerprintsByID = append(inv.fingerprintsByID, PathFingerprint{Path: path, Fingerprint: fp})
		inv.liveEntries++

	case kindCreatedDirectory:
		pid, _ := binary.Varint(rec.payload)
		if int(pid) >= 0 && int(pid) < len(inv.paths) {
			inv.createdDirs[inv.paths[pid]] = true
		}
		inv.liveEntries++

	case kindDeletedDirectory:
		pid, _ := binary.Varint(rec.payload)
		if int(pid) >= 0 && int(pid) < len(inv.paths) {
			if inv.createdDirs[inv.paths[pid]] {
				delete(inv.createdDirs, inv.paths[pid])
				inv.deadEntries++ // cancels a prior created-directory entry
			}
		}
		inv.liveEntries++

	case kindInvocation:
		var h hashutil.Hash
		if _, err := io.ReadFull(buf, h[:]); err != nil {
			return
		}
		rec2 := decodeInvocationBody(inv, buf)
		if _, existed := inv.records[h]; existed {
			inv.deadEntries++
		}
		inv.records[h] = rec2
		inv.liveEntries++

	case kindInvocationDeletion:
		var h hashutil.Hash
		if _, err := io.ReadFull(buf, h[:]); err != nil {
			return
		}
		if _, existed := inv.records[h]; existed {
			delete(inv.records, h)
			inv.deadEntries++
		}
		inv.liveEntries++
	}
}

func decodeInvocationBody(inv *Invocations, buf *bytes.Reader) InvocationRecord {
	readVarint := func() int64 {
		v, _ := binary.ReadVarint(buf)
		return v
	}
	pf := func(id int64) PathFingerprint {
		if id >= 0 && int(id) < len(inv.fingerprintsByID) {
			return inv.fingerprintsByID[id]
		}
		return PathFingerprint{}
	}

	var rec InvocationRecord
	outN := readVarint()
	for i := int64(0); i < outN; i++ {
		rec.OutputFiles = append(rec.OutputFiles, pf(readVarint()))
	}
	inN := readVarint()
	for i := int64(0); i < inN; i++ {
		rec.InputFiles = append(rec.InputFiles, pf(readVarint()))
	}
	ignN := readVarint()
	for i := int64(0); i < ignN; i++ {
		rec.IgnoredDependencies = append(rec.IgnoredDependencies, manifest.StepIndex(readVarint()))
	}
	addN := readVarint()
	for i := int64(0); i < addN; i++ {
		var h hashutil.Hash
		io.ReadFull(buf, h[:])
		rec.AdditionalDependencies = append(rec.AdditionalDependencies, h)
	}
	return rec
}
