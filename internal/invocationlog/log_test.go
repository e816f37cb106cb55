package invocationlog_test

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/nbuild/nbuild/internal/fstest"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/invocationlog"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPersistent_RoundTripsThroughParse(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/log.bin"
	now := time.Unix(1000, 0)
	fs := fstest.New(now)
	fs.WriteFile("a.txt", []byte("hello"))

	log, openRes, err := invocationlog.Open(path, fs, fixedNow(now))
	if err != nil {
		t.Fatal(err)
	}
	if openRes.Truncated {
		t.Fatal("fresh log reported truncated")
	}

	fp, _, err := log.Fingerprint("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	stepHash := hashutil.Sum([]byte("step-one"))
	pf := invocationlog.PathFingerprint{Path: "a.txt", Fingerprint: fp}
	if err := log.RanCommand(stepHash, []invocationlog.PathFingerprint{pf}, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := log.CreatedDirectory("out"); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	res, err := invocationlog.Parse(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated {
		t.Fatal("unexpected truncation on a cleanly closed log")
	}
	rec, ok := res.Invocations.Record(stepHash)
	if !ok {
		t.Fatal("expected the recorded invocation to survive a reparse")
	}
	if len(rec.OutputFiles) != 1 || rec.OutputFiles[0].Path != "a.txt" {
		t.Fatalf("unexpected output files: %+v", rec.OutputFiles)
	}
	dirs := res.Invocations.CreatedDirectories()
	if len(dirs) != 1 || dirs[0] != "out" {
		t.Fatalf("expected created directory 'out' to survive reparse, got %v", dirs)
	}
}

func TestParse_TruncatedTailIsReportedNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/log.bin"
	now := time.Unix(1000, 0)
	fs := fstest.New(now)
	fs.WriteFile("a.txt", []byte("hello"))

	log, _, err := invocationlog.Open(path, fs, fixedNow(now))
	if err != nil {
		t.Fatal(err)
	}
	fp, _, err := log.Fingerprint("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	stepHash := hashutil.Sum([]byte("step-one"))
	pf := invocationlog.PathFingerprint{Path: "a.txt", Fingerprint: fp}
	if err := log.RanCommand(stepHash, []invocationlog.PathFingerprint{pf}, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	full, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	truncated := full[:len(full)-3]
	res, err := invocationlog.Parse(bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("a truncated tail must never be a fatal parse error, got %v", err)
	}
	if !res.Truncated {
		t.Fatal("expected Truncated=true for a cut-off final record")
	}
}

func TestPersistent_Recompact_PreservesLiveRecords(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/log.bin"
	now := time.Unix(1000, 0)
	fs := fstest.New(now)
	fs.WriteFile("a.txt", []byte("v1"))

	log, _, err := invocationlog.Open(path, fs, fixedNow(now))
	if err != nil {
		t.Fatal(err)
	}
	stepHash := hashutil.Sum([]byte("step-one"))
	for i := 0; i < 3; i++ {
		fp, _, err := log.Fingerprint("a.txt")
		if err != nil {
			t.Fatal(err)
		}
		pf := invocationlog.PathFingerprint{Path: "a.txt", Fingerprint: fp}
		if err := log.RanCommand(stepHash, []invocationlog.PathFingerprint{pf}, nil, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := log.Recompact(); err != nil {
		t.Fatal(err)
	}
	rec, ok := log.Invocations().Record(stepHash)
	if !ok {
		t.Fatal("expected the step's latest record to survive recompaction")
	}
	if rec.OutputFiles[0].Path != "a.txt" {
		t.Fatalf("unexpected record after recompaction: %+v", rec)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	res, err := invocationlog.Parse(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Invocations.Record(stepHash); !ok {
		t.Fatal("recompacted file on disk must still reparse to the live record")
	}
	if res.Invocations.NeedsRecompaction() {
		t.Fatal("a just-recompacted log should not immediately need recompaction again")
	}
}
