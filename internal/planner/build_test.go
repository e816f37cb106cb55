package planner_test

import (
	"testing"
	"time"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/fstest"
	"github.com/nbuild/nbuild/internal/invocationlog"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/nbuild/nbuild/internal/manifest/manifesttest"
	"github.com/nbuild/nbuild/internal/planner"
)

func compile(t *testing.T, raw *manifest.RawManifest) *manifest.Compiled {
	t.Helper()
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func seedRecord(t *testing.T, fs *fstest.MemFS, now time.Time, inv *invocationlog.Invocations, step *manifest.Step) {
	t.Helper()
	var outs, ins []invocationlog.PathFingerprint
	for _, o := range step.Outputs {
		fp, _, err := fingerprint.Take(fs, now, o)
		if err != nil {
			t.Fatal(err)
		}
		outs = append(outs, invocationlog.PathFingerprint{Path: o, Fingerprint: fp})
	}
	for _, in := range step.AllDeclaredInputs() {
		fp, _, err := fingerprint.Take(fs, now, in)
		if err != nil {
			t.Fatal(err)
		}
		ins = append(ins, invocationlog.PathFingerprint{Path: in, Fingerprint: fp})
	}
	inv.SetRecordForTest(step.Hash, invocationlog.InvocationRecord{OutputFiles: outs, InputFiles: ins})
}

func TestDiscardCleanSteps_SkipsUpToDateChain(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("one").Command("cmd1").Build(),
		manifesttest.Step().Outputs("two").Inputs("one").Command("cmd2").Build(),
	)
	c := compile(t, raw)

	now := time.Unix(1000, 0)
	fs := fstest.New(now)
	fs.WriteFile("one", []byte("a"))
	fs.WriteFile("two", []byte("b"))

	inv := invocationlog.NewInvocations()
	seedRecord(t, fs, now, inv, c.Step(0))
	seedRecord(t, fs, now, inv, c.Step(1))

	b, forced := planner.Construct(c, inv, 1, c.Roots)
	memo := planner.NewFingerprintMatchesMemo(fs, now)
	clean, err := planner.DiscardCleanSteps(b, inv, memo, fs, forced, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !clean[0] || !clean[1] {
		t.Fatalf("expected both steps clean, got %v", clean)
	}
	if b.HasWork() {
		t.Fatal("expected the ready queue to be empty once every step is discarded clean")
	}
}

func TestDiscardCleanSteps_DirtyLeafBlocksOnlyItself(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("one").Command("cmd1").Build(),
		manifesttest.Step().Outputs("two").Inputs("one").Command("cmd2").Build(),
	)
	c := compile(t, raw)

	now := time.Unix(1000, 0)
	fs := fstest.New(now)
	fs.WriteFile("one", []byte("a"))
	fs.WriteFile("two", []byte("b"))

	inv := invocationlog.NewInvocations()
	// Only step "two" has a prior invocation; step "one" has none, so it
	// is unconditionally dirty.
	seedRecord(t, fs, now, inv, c.Step(1))

	b, forced := planner.Construct(c, inv, 1, c.Roots)
	memo := planner.NewFingerprintMatchesMemo(fs, now)
	clean, err := planner.DiscardCleanSteps(b, inv, memo, fs, forced, nil)
	if err != nil {
		t.Fatal(err)
	}
	if clean[0] {
		t.Fatal("step with no invocation record must not be considered clean")
	}
	if !b.HasWork() {
		t.Fatal("expected step 'one' to remain in the ready queue")
	}
	idx, ok := b.PopReady()
	if !ok || idx != 0 {
		t.Fatalf("expected only step 'one' (index 0) ready, got idx=%d ok=%v", idx, ok)
	}
}

func TestIgnoredAndAdditionalDependencies(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("a").Command("cmd1").Build(),
		manifesttest.Step().Outputs("b").Command("cmd2").Build(),
		manifesttest.Step().Outputs("c").Inputs("a").Command("cmd3").Build(),
	)
	c := compile(t, raw)
	step := c.Step(2) // declares "a" (step 0) as a dependency
	used := []manifest.StepIndex{1}
	ignored, additional := planner.IgnoredAndAdditionalDependencies(c, step, used)
	if len(ignored) != 1 || ignored[0] != 0 {
		t.Fatalf("expected declared-but-unused dep 0 to be ignored, got %v", ignored)
	}
	if len(additional) != 1 || additional[0] != c.Step(1).Hash {
		t.Fatalf("expected used-but-undeclared step 1's hash as additional, got %v", additional)
	}
}

func TestUsedDependencies_MapsFileIDsToSortedStepIndices(t *testing.T) {
	outputFiles := map[fingerprint.FileID]manifest.StepIndex{
		{Device: 1, Inode: 5}: 3,
		{Device: 1, Inode: 7}: 1,
	}
	used := planner.UsedDependencies(outputFiles, []fingerprint.FileID{{Device: 1, Inode: 5}, {Device: 1, Inode: 7}, {Device: 1, Inode: 5}})
	if len(used) != 2 || used[0] != 1 || used[1] != 3 {
		t.Fatalf("expected sorted deduplicated [1, 3], got %v", used)
	}
}
