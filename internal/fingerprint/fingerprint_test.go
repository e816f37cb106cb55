package fingerprint_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/fstest"
)

func TestTake_MissingFile(t *testing.T) {
	fs := fstest.New(time.Unix(100, 0))
	fp, id, err := fingerprint.Take(fs, fs.Now, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if !fp.Missing() {
		t.Fatalf("expected missing fingerprint, got %+v", fp)
	}
	if id != (fingerprint.FileID{}) {
		t.Fatalf("expected zero FileID, got %+v", id)
	}
}

func TestMatches_UnchangedFile(t *testing.T) {
	fs := fstest.New(time.Unix(100, 0))
	fs.WriteFile("a", []byte("hello"))
	prior, _, err := fingerprint.Take(fs, time.Unix(200, 0), "a")
	if err != nil {
		t.Fatal(err)
	}

	res, err := fingerprint.Matches(fs, time.Unix(300, 0), "a", prior)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Clean {
		t.Fatal("expected clean for an unchanged file")
	}
}

func TestMatches_SizeChangeIsDirtyWithoutRehash(t *testing.T) {
	fs := fstest.New(time.Unix(100, 0))
	fs.WriteFile("a", []byte("hello"))
	prior, _, _ := fingerprint.Take(fs, time.Unix(200, 0), "a")

	fs.WriteFileAt("a", []byte("hello world, much longer"), prior.MTime)
	res, err := fingerprint.Matches(fs, time.Unix(300, 0), "a", prior)
	if err != nil {
		t.Fatal(err)
	}
	if res.Clean {
		t.Fatal("expected dirty for a size change")
	}
	if res.ShouldUpdate {
		t.Fatal("size mismatch must not request a rehash/update")
	}
}

func TestMatches_RaciesCleanForcesRehash(t *testing.T) {
	fs := fstest.New(time.Unix(100, 0))
	// The file is written at exactly clockNow: RaciesClean must be set.
	fs.WriteFileAt("a", []byte("hello"), time.Unix(100, 0))
	prior, _, err := fingerprint.Take(fs, time.Unix(100, 0), "a")
	if err != nil {
		t.Fatal(err)
	}
	if !prior.RaciesClean {
		t.Fatal("expected RaciesClean to be set when mtime == clockNow")
	}

	// Same size, same mtime, same content: still clean, but the caller
	// should persist a refreshed (non-racy) fingerprint.
	res, err := fingerprint.Matches(fs, time.Unix(200, 0), "a", prior)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Clean || !res.ShouldUpdate {
		t.Fatalf("expected clean+should-update for racily-clean match, got %+v", res)
	}

	// Now change the content within the same recorded mtime: must be caught.
	fs.WriteFileAt("a", []byte("jello"), time.Unix(100, 0))
	res2, err := fingerprint.Matches(fs, time.Unix(200, 0), "a", prior)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Clean {
		t.Fatal("racily-clean file with changed content must be dirty after rehash")
	}
}

func TestRetake_PreservesHashWhenUnchanged(t *testing.T) {
	fs := fstest.New(time.Unix(100, 0))
	fs.WriteFile("a", []byte("hello"))
	prior, _, _ := fingerprint.Take(fs, time.Unix(200, 0), "a")

	refreshed, _, err := fingerprint.Retake(fs, time.Unix(9999, 0), "a", prior)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(prior.Hash, refreshed.Hash); diff != "" {
		t.Fatalf("hash changed on retake of unchanged file (-want +got):\n%s", diff)
	}
	if refreshed.RaciesClean {
		t.Fatal("retake far in the future must not be racily clean")
	}
}

func TestMatchesInMemory_IgnoresNonExecPermissionBits(t *testing.T) {
	fs := fstest.New(time.Unix(100, 0))
	fs.WriteFile("a", []byte("hello"))
	prior, _, _ := fingerprint.Take(fs, time.Unix(200, 0), "a")

	// Flip a group/other permission bit that Take() would have masked away;
	// MatchesInMemory must still agree the file is unchanged.
	noisy := prior.Mode | 0o022
	if !fingerprint.MatchesInMemory(prior, prior.Size, noisy, prior.Hash) {
		t.Fatal("expected permission-bit churn to be ignored")
	}
}
