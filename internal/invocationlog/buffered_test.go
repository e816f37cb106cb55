package invocationlog_test

import (
	"testing"
	"time"

	"github.com/nbuild/nbuild/internal/fstest"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/invocationlog"
)

func TestBuffered_VisibleBeforeFlushButNotAppliedUnderneath(t *testing.T) {
	now := time.Unix(1, 0)
	fs := fstest.New(now)
	fs.WriteFile("a.txt", []byte("x"))
	underlying := invocationlog.NewInMemory(fs, fixedNow(now), nil)

	buf := invocationlog.NewBuffered(underlying)
	stepHash := hashutil.Sum([]byte("step"))
	fp, _, err := buf.Fingerprint("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	pf := invocationlog.PathFingerprint{Path: "a.txt", Fingerprint: fp}
	if err := buf.RanCommand(stepHash, []invocationlog.PathFingerprint{pf}, nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	if _, ok := buf.Invocations().Record(stepHash); !ok {
		t.Fatal("buffered record must be visible through the buffer before flush")
	}
	if _, ok := underlying.Invocations().Record(stepHash); ok {
		t.Fatal("buffered record must not reach the underlying log before Flush")
	}

	if err := buf.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, ok := underlying.Invocations().Record(stepHash); !ok {
		t.Fatal("expected the record to reach the underlying log after Flush")
	}
}

func TestBuffered_DiscardDropsPendingWrites(t *testing.T) {
	now := time.Unix(1, 0)
	fs := fstest.New(now)
	fs.WriteFile("a.txt", []byte("x"))
	underlying := invocationlog.NewInMemory(fs, fixedNow(now), nil)

	buf := invocationlog.NewBuffered(underlying)
	stepHash := hashutil.Sum([]byte("step"))
	fp, _, err := buf.Fingerprint("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	pf := invocationlog.PathFingerprint{Path: "a.txt", Fingerprint: fp}
	if err := buf.RanCommand(stepHash, []invocationlog.PathFingerprint{pf}, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	buf.Discard()
	if err := buf.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, ok := underlying.Invocations().Record(stepHash); ok {
		t.Fatal("a discarded buffer must never reach the underlying log")
	}
}
