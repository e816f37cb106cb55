// Package invocationlog is the append-only persistent record of every
// successful step execution (spec.md §4.2, wire format §6.1).
package invocationlog

import (
	"bytes"
	"encoding/binary"
	"time"

	"os"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/pkg/errors"
)

// Signature is the 12-byte on-disk magic, followed by a little-endian u32
// version (spec.md §6.1).
const Signature = "invocations:"

// Version is bumped whenever the record encoding changes incompatibly.
const Version uint32 = 1

type recordKind uint8

const (
	kindPath recordKind = iota + 1
	kindFingerprint
	kindCreatedDirectory
	kindDeletedDirectory
	kindInvocation
	kindInvocationDeletion
)

// pathID and fingerprintID are assigned sequentially, in the order their
// defining records are parsed (spec.md §4.2: "assigns it a monotonically
// increasing [...] id").
type pathID int32
type fingerprintID int32

// InvocationRecord is one step-hash's recorded prior execution (spec.md
// §3 "Invocation record").
type InvocationRecord struct {
	OutputFiles []PathFingerprint
	InputFiles  []PathFingerprint

	// IgnoredDependencies are declared-dependency step indices that the
	// step did not actually read last time it ran.
	IgnoredDependencies []manifest.StepIndex

	// AdditionalDependencies are the step hashes (step identities) of steps
	// whose outputs were read but not declared as dependencies.
	AdditionalDependencies []hashutil.Hash
}

// PathFingerprint pairs a path with the Fingerprint recorded for it.
type PathFingerprint struct {
	Path        string
	Fingerprint fingerprint.Fingerprint
}

func encodeFingerprint(buf *bytes.Buffer, fp fingerprint.Fingerprint) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(fp.Size))
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint64(tmp[:], fp.Inode)
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint32(tmp[:4], uint32(fp.Mode))
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:], uint64(fp.MTime.UnixNano()))
	buf.Write(tmp[:])
	buf.Write(fp.Hash[:])
	if fp.RaciesClean {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

const fingerprintEncodedSize = 8 + 8 + 4 + 8 + hashutil.Size + 1

func decodeFingerprint(b []byte) (fingerprint.Fingerprint, error) {
	if len(b) < fingerprintEncodedSize {
		return fingerprint.Fingerprint{}, errors.New("invocation log: truncated fingerprint record")
	}
	var fp fingerprint.Fingerprint
	fp.Size = int64(binary.LittleEndian.Uint64(b[0:8]))
	fp.Inode = binary.LittleEndian.Uint64(b[8:16])
	fp.Mode = os.FileMode(binary.LittleEndian.Uint32(b[16:20]))
	fp.MTime = time.Unix(0, int64(binary.LittleEndian.Uint64(b[20:28])))
	copy(fp.Hash[:], b[28:28+hashutil.Size])
	fp.RaciesClean = b[28+hashutil.Size] != 0
	return fp, nil
}
