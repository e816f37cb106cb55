package buildsched_test

import (
	"testing"
	"time"

	"github.com/nbuild/nbuild/internal/buildsched"
	"github.com/nbuild/nbuild/internal/fstest"
	"github.com/nbuild/nbuild/internal/invocationlog"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/nbuild/nbuild/internal/manifest/manifesttest"
	"github.com/nbuild/nbuild/internal/planner"
	"github.com/nbuild/nbuild/internal/runner"
)

// fakeRunner is a synchronous, unbounded test double: Invoke
// queues the command, and RunCommands drains every queued command through
// action, which decides success/failure and performs any filesystem side
// effect a real command would have had.
type fakeRunner struct {
	action func(command string, step *manifest.Step) runner.Result

	pending []func()
}

func (f *fakeRunner) Invoke(command string, step *manifest.Step, cb runner.Callback) error {
	f.pending = append(f.pending, func() { cb(f.action(command, step)) })
	return nil
}

func (f *fakeRunner) Size() int { return len(f.pending) }

func (f *fakeRunner) CanRunMore() bool { return true }

func (f *fakeRunner) RunCommands() (bool, error) {
	work := f.pending
	f.pending = nil
	for _, fn := range work {
		fn()
	}
	return false, nil
}

func TestScheduler_RunsDependencyChainToCompletion(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("gen.txt").Command("gen").Build(),
		manifesttest.Step().Outputs("app").Inputs("gen.txt").Command("link").Build(),
	)
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Unix(1000, 0)
	fs := fstest.New(now)
	inv := invocationlog.NewInvocations()
	log := invocationlog.NewInMemory(fs, func() time.Time { return now }, inv)

	b, forced := planner.Construct(c, inv, 1, c.Roots)
	memo := planner.NewFingerprintMatchesMemo(fs, now)
	clean, err := planner.DiscardCleanSteps(b, inv, memo, fs, forced, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := &fakeRunner{action: func(command string, step *manifest.Step) runner.Result {
		for _, o := range step.Outputs {
			fs.WriteFile(o, []byte(command))
		}
		return runner.Result{ExitStatus: runner.Success}
	}}

	s := &buildsched.Scheduler{
		Manifest:    c,
		Build:       b,
		CleanSteps:  clean,
		Invocations: inv,
		Log:         log,
		Runner:      r,
		FS:          fs,
		Now:         func() time.Time { return now },
	}
	result, err := s.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatal("expected the build to succeed")
	}
	if !fs.Exists("app") {
		t.Fatal("expected the dependent step to have run and produced its output")
	}
	if _, ok := inv.Record(c.Step(0).Hash); !ok {
		t.Fatal("expected the gen.txt step's invocation to be recorded")
	}
	if _, ok := inv.Record(c.Step(1).Hash); !ok {
		t.Fatal("expected the link step's invocation to be recorded")
	}
}

func TestScheduler_FailureStopsDependentsButDrainsSiblings(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("broken").Command("fail").Build(),
		manifesttest.Step().Outputs("fine").Command("ok").Build(),
		manifesttest.Step().Outputs("downstream").Inputs("broken").Command("link").Build(),
	)
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Unix(1000, 0)
	fs := fstest.New(now)
	inv := invocationlog.NewInvocations()
	log := invocationlog.NewInMemory(fs, func() time.Time { return now }, inv)

	b, forced := planner.Construct(c, inv, 1, c.Roots)
	memo := planner.NewFingerprintMatchesMemo(fs, now)
	clean, err := planner.DiscardCleanSteps(b, inv, memo, fs, forced, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := &fakeRunner{action: func(command string, step *manifest.Step) runner.Result {
		if command == "fail" {
			return runner.Result{ExitStatus: runner.Failure}
		}
		for _, o := range step.Outputs {
			fs.WriteFile(o, []byte(command))
		}
		return runner.Result{ExitStatus: runner.Success}
	}}

	s := &buildsched.Scheduler{
		Manifest:    c,
		Build:       b,
		CleanSteps:  clean,
		Invocations: inv,
		Log:         log,
		Runner:      r,
		FS:          fs,
		Now:         func() time.Time { return now },
	}
	result, err := s.Run()
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected the build to report failure")
	}
	if fs.Exists("downstream") {
		t.Fatal("a dependent of a failed step must never run")
	}
	if !fs.Exists("fine") {
		t.Fatal("an unrelated sibling step must still run to completion")
	}
}

func TestScheduler_PhonyStepCompletesWithoutInvokingRunner(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("real").Command("gen").Build(),
		manifesttest.Step().Outputs("alias").Inputs("real").Build(),
	)
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Unix(1000, 0)
	fs := fstest.New(now)
	inv := invocationlog.NewInvocations()
	log := invocationlog.NewInMemory(fs, func() time.Time { return now }, inv)

	b, forced := planner.Construct(c, inv, 1, c.Roots)
	memo := planner.NewFingerprintMatchesMemo(fs, now)
	clean, err := planner.DiscardCleanSteps(b, inv, memo, fs, forced, nil)
	if err != nil {
		t.Fatal(err)
	}

	var invoked []string
	r := &fakeRunner{action: func(command string, step *manifest.Step) runner.Result {
		invoked = append(invoked, command)
		for _, o := range step.Outputs {
			fs.WriteFile(o, []byte(command))
		}
		return runner.Result{ExitStatus: runner.Success}
	}}

	s := &buildsched.Scheduler{
		Manifest:    c,
		Build:       b,
		CleanSteps:  clean,
		Invocations: inv,
		Log:         log,
		Runner:      r,
		FS:          fs,
		Now:         func() time.Time { return now },
	}
	result, err := s.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatal("expected the build to succeed")
	}
	if len(invoked) != 1 || invoked[0] != "gen" {
		t.Fatalf("expected only the non-phony step to reach the runner, got %v", invoked)
	}
}
