package runner_test

import (
	"testing"

	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/nbuild/nbuild/internal/runner"
)

type fakeRunner struct {
	invoked []string
	size    int
	can     bool
}

func (f *fakeRunner) Invoke(command string, step *manifest.Step, cb runner.Callback) error {
	f.invoked = append(f.invoked, command)
	f.size++
	cb(runner.Result{ExitStatus: runner.Success})
	f.size--
	return nil
}
func (f *fakeRunner) Size() int          { return f.size }
func (f *fakeRunner) CanRunMore() bool   { return f.can }
func (f *fakeRunner) RunCommands() (bool, error) { return false, nil }

func TestPooledRunner_DelaysPastCapacity(t *testing.T) {
	var order []string
	var pendingCb runner.Callback
	inner := &blockingRunner{fakeRunner: &fakeRunner{can: true}, onInvoke: func(cmd string, cb runner.Callback) {
		order = append(order, "start:"+cmd)
		pendingCb = cb
	}}
	p := runner.NewPooledRunner(inner, map[string]int{"link": 1})

	step := &manifest.Step{Pool: "link"}
	if err := p.Invoke("first", step, func(r runner.Result) { order = append(order, "done:first") }); err != nil {
		t.Fatal(err)
	}
	if err := p.Invoke("second", step, func(r runner.Result) { order = append(order, "done:second") }); err != nil {
		t.Fatal(err)
	}
	if p.Size() != 2 {
		t.Fatalf("expected size 2 (1 running + 1 delayed), got %d", p.Size())
	}
	if len(order) != 1 || order[0] != "start:first" {
		t.Fatalf("expected only the first command to have started, got %v", order)
	}

	pendingCb(runner.Result{ExitStatus: runner.Success})
	if len(order) != 3 || order[1] != "start:second" || order[2] != "done:first" {
		t.Fatalf("expected completing the first to dispatch the second, got %v", order)
	}
}

type blockingRunner struct {
	*fakeRunner
	running  int
	onInvoke func(cmd string, cb runner.Callback)
}

func (b *blockingRunner) Invoke(command string, step *manifest.Step, cb runner.Callback) error {
	b.running++
	b.onInvoke(command, func(r runner.Result) {
		b.running--
		cb(r)
	})
	return nil
}

func (b *blockingRunner) Size() int { return b.running }

func TestLimitedRunner_CapsParallelism(t *testing.T) {
	inner := &fakeRunner{size: 2}
	l := runner.NewLimitedRunner(inner, 2, 0, nil)
	if l.CanRunMore() {
		t.Fatal("expected CanRunMore false once size reaches parallelism")
	}
	inner.size = 1
	if !l.CanRunMore() {
		t.Fatal("expected CanRunMore true below parallelism")
	}
}

func TestLimitedRunner_LoadAverageCapOnlyAppliesWithWorkInFlight(t *testing.T) {
	inner := &fakeRunner{size: 0}
	l := runner.NewLimitedRunner(inner, 0, 1.0, func() float64 { return 10.0 })
	if !l.CanRunMore() {
		t.Fatal("a single command must never be refused purely on load average")
	}
	inner.size = 1
	if l.CanRunMore() {
		t.Fatal("expected CanRunMore false once load average exceeds the cap with work in flight")
	}
}

func TestDryRunRunner_NeverInvokesRealCommand(t *testing.T) {
	d := &runner.DryRunRunner{}
	var got runner.Result
	if err := d.Invoke("rm -rf /", &manifest.Step{}, func(r runner.Result) { got = r }); err != nil {
		t.Fatal(err)
	}
	if d.Size() != 1 {
		t.Fatalf("expected one pending dry-run completion, got %d", d.Size())
	}
	if _, err := d.RunCommands(); err != nil {
		t.Fatal(err)
	}
	if got.ExitStatus != runner.Success {
		t.Fatalf("expected a dry run to always report success, got %v", got.ExitStatus)
	}
}
