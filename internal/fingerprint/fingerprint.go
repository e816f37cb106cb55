// Package fingerprint captures a file's on-disk identity and content, and
// implements the racily-clean-aware comparison the dirtiness oracle relies
// on (spec.md §4.1).
package fingerprint

import (
	"io"
	"os"
	"sort"
	"time"

	"github.com/nbuild/nbuild/internal/hashutil"
)

// FileID is the (device, inode) identity used to detect that two path
// strings refer to the same underlying file.
type FileID struct {
	Device uint64
	Inode  uint64
}

// modeBits is the subset of the mode this engine cares about: the
// file-type bits plus the owner-execute bit. Every other permission bit
// (group/other read-write-exec, setuid, sticky) is masked out so that
// permission churn never causes a rebuild, while the bit that actually
// changes execution semantics does.
const modeBits = os.ModeType | 0o100

// Fingerprint is a file's identity, mode, mtime and content hash, plus the
// racily-clean flag (spec.md §3).
type Fingerprint struct {
	Size        int64
	Inode       uint64
	Mode        os.FileMode
	MTime       time.Time
	Hash        hashutil.Hash
	RaciesClean bool
}

// Missing reports whether this Fingerprint represents a file that did not
// exist when it was taken.
func (f Fingerprint) Missing() bool {
	return f.Size == 0 && f.Mode == 0 && f.Hash.IsZero() && f.MTime.IsZero()
}

// Stat abstracts the filesystem calls Fingerprint needs, so tests can
// supply an in-memory implementation (see fstest.MemFS) without touching
// disk.
type Stat interface {
	Lstat(path string) (os.FileInfo, error)
	Readlink(path string) (string, error)
	ReadDir(path string) ([]os.DirEntry, error)
	Open(path string) (io.ReadCloser, error)
	FileID(info os.FileInfo) FileID
}

// Take stats path and hashes its content (regular files), its link target
// (symlinks) or its sorted entry list (directories), relative to clockNow
// for racily-clean detection.
func Take(fs Stat, clockNow time.Time, path string) (Fingerprint, FileID, error) {
	info, err := fs.Lstat(path)
	if os.IsNotExist(err) {
		return Fingerprint{}, FileID{}, nil
	}
	if err != nil {
		return Fingerprint{}, FileID{}, err
	}

	h, err := contentHash(fs, path, info)
	if err != nil {
		return Fingerprint{}, FileID{}, err
	}

	id := fs.FileID(info)
	fp := Fingerprint{
		Size:        info.Size(),
		Inode:       id.Inode,
		Mode:        info.Mode() & modeBits,
		MTime:       info.ModTime(),
		Hash:        h,
		RaciesClean: !info.ModTime().Before(clockNow),
	}
	return fp, id, nil
}

func contentHash(fs Stat, path string, info os.FileInfo) (hashutil.Hash, error) {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := fs.Readlink(path)
		if err != nil {
			return hashutil.Hash{}, err
		}
		return hashutil.Sum([]byte(target)), nil
	case info.IsDir():
		entries, err := fs.ReadDir(path)
		if err != nil {
			return hashutil.Hash{}, err
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		sort.Strings(names)
		h := hashutil.NewHasher()
		for _, n := range names {
			io.WriteString(h, n)
			h.Write([]byte{0})
		}
		return h.Sum(), nil
	default:
		r, err := fs.Open(path)
		if err != nil {
			return hashutil.Hash{}, err
		}
		defer r.Close()
		h := hashutil.NewHasher()
		if _, err := io.Copy(h, r); err != nil {
			return hashutil.Hash{}, err
		}
		return h.Sum(), nil
	}
}

// Retake returns prior with RaciesClean refreshed against clockNow if the
// on-disk state still matches prior; otherwise it returns a fresh Take.
func Retake(fs Stat, clockNow time.Time, path string, prior Fingerprint) (Fingerprint, FileID, error) {
	fresh, id, err := Take(fs, clockNow, path)
	if err != nil {
		return Fingerprint{}, FileID{}, err
	}
	if sameContent(prior, fresh) {
		refreshed := prior
		refreshed.RaciesClean = !fresh.MTime.Before(clockNow)
		return refreshed, id, nil
	}
	return fresh, id, nil
}

func sameContent(a, b Fingerprint) bool {
	return a.Size == b.Size && a.Mode == b.Mode && a.Hash == b.Hash
}

// MatchResult is the verdict Matches returns.
type MatchResult struct {
	Clean        bool
	ShouldUpdate bool // caller should persist a refreshed Fingerprint
	FileID       FileID
}

// Matches implements the cheap-then-thorough dirtiness check of spec.md
// §4.1: a size mismatch is dirty without rehashing; a size match with a
// differing mtime (or a racily-clean prior) forces a rehash.
func Matches(fs Stat, clockNow time.Time, path string, prior Fingerprint) (MatchResult, error) {
	info, err := fs.Lstat(path)
	if os.IsNotExist(err) {
		return MatchResult{Clean: prior.Missing()}, nil
	}
	if err != nil {
		return MatchResult{}, err
	}

	id := fs.FileID(info)
	mode := info.Mode() & modeBits
	if info.Size() != prior.Size || mode != prior.Mode {
		return MatchResult{Clean: false, FileID: id}, nil
	}
	if info.ModTime().Equal(prior.MTime) && !prior.RaciesClean {
		return MatchResult{Clean: true, FileID: id}, nil
	}

	// Same size and mode but the mtime moved, or the prior fingerprint was
	// taken in the same tick as a possible write: rehash to be sure.
	h, err := contentHash(fs, path, info)
	if err != nil {
		return MatchResult{}, err
	}
	if h != prior.Hash {
		return MatchResult{Clean: false, FileID: id}, nil
	}
	return MatchResult{Clean: true, ShouldUpdate: true, FileID: id}, nil
}

// MatchesInMemory is the same predicate as Matches, expressed as a pure
// function for callers that already obtained a stat/hash through another
// channel (e.g. a sibling step's observed output).
func MatchesInMemory(prior Fingerprint, newSize int64, newMode os.FileMode, newHash hashutil.Hash) bool {
	return prior.Size == newSize && prior.Mode&modeBits == newMode&modeBits && prior.Hash == newHash
}
