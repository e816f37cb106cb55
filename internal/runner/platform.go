package runner

import (
	"bytes"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/nbuild/nbuild/internal/manifest"
)

// PlatformRunner is the leaf of the command runner stack (spec.md §4.7
// item 1): it spawns the subprocess, optionally under a Tracer, and
// reports observed read/write sets. Console-pool and generator steps
// bypass tracing, per spec.md §6.4 ("Traces from non-traced commands ...
// are empty sets").
type PlatformRunner struct {
	tracer Tracer

	mu          sync.Mutex
	inFlight    int
	interrupted bool

	completions chan completion
}

type completion struct {
	cb     Callback
	result Result
}

// NewPlatformRunner returns a PlatformRunner using tracer (NoopTracer if
// nil) to observe non-console, non-generator commands.
func NewPlatformRunner(tracer Tracer) *PlatformRunner {
	if tracer == nil {
		tracer = NoopTracer{}
	}
	return &PlatformRunner{tracer: tracer, completions: make(chan completion, 64)}
}

func buildShellCommand(command string) *exec.Cmd {
	shell, flag := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd.exe", "/c"
	}
	return exec.Command(shell, flag, command)
}

func (r *PlatformRunner) Invoke(command string, step *manifest.Step, cb Callback) error {
	cmd := buildShellCommand(command)
	useConsole := step.Pool == "console"
	trace := !useConsole && !step.Generator

	var buf bytes.Buffer
	if useConsole {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}
	if trace {
		r.tracer.PrepareCommand(cmd)
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	r.inFlight++
	r.mu.Unlock()

	go r.await(cmd, &buf, trace, cb)
	return nil
}

func (r *PlatformRunner) await(cmd *exec.Cmd, buf *bytes.Buffer, trace bool, cb Callback) {
	var inputFiles, outputFiles []string
	if trace {
		inputFiles, outputFiles, _ = r.tracer.Observed(cmd)
	}

	err := cmd.Wait()
	status := Success
	if err != nil {
		status = Failure
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()

	r.completions <- completion{cb: cb, result: Result{
		ExitStatus:  status,
		Output:      buf.Bytes(),
		InputFiles:  inputFiles,
		OutputFiles: outputFiles,
	}}
}

func (r *PlatformRunner) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

func (r *PlatformRunner) CanRunMore() bool {
	return true // unlimited; parallelism is the outer LimitedRunner's job.
}

// RunCommands blocks for at least one completion (the engine's sole
// suspension point, spec.md §5), then drains every completion already
// queued without blocking again.
func (r *PlatformRunner) RunCommands() (bool, error) {
	r.mu.Lock()
	interrupted := r.interrupted
	r.mu.Unlock()
	if interrupted {
		return true, nil
	}

	c := <-r.completions
	c.cb(c.result)
	for {
		select {
		case c := <-r.completions:
			c.cb(c.result)
		default:
			return false, nil
		}
	}
}

// Interrupt marks the runner interrupted; the next RunCommands call
// reports it (spec.md §5 "Cancellation").
func (r *PlatformRunner) Interrupt() {
	r.mu.Lock()
	r.interrupted = true
	r.mu.Unlock()
}
