// Package runner implements spec.md §4.7, the command runner stack: a
// platform runner leaf (process spawn plus optional tracer), and two
// outer decorators — PooledRunner (per-pool concurrency) and
// LimitedRunner (global parallelism/load-average cap) — composed per the
// decorator ordering the spec mandates. Grounded on original_source's
// cmd/{command_runner,real_command_runner,pooled_command_runner,
// limited_command_runner}.{h,cpp} and the teacher's subprocess*.go.
package runner

import (
	"github.com/nbuild/nbuild/internal/manifest"
)

// ExitStatus is the outcome of one invoked command (spec.md §6.3).
type ExitStatus int

const (
	Success ExitStatus = iota
	Failure
	Interrupted
)

// Result is what a Runner reports back through a command's callback
// (spec.md §6.3).
type Result struct {
	ExitStatus  ExitStatus
	Output      []byte
	InputFiles  []string
	OutputFiles []string
}

// Callback receives the Result of one invoked command.
type Callback func(Result)

// Runner is the command-runner contract of spec.md §4.7.
type Runner interface {
	// Invoke enqueues command for step, calling back with its Result once
	// it completes (synchronously, from within a RunCommands call).
	Invoke(command string, step *manifest.Step, cb Callback) error

	// Size reports how many commands are currently in flight or queued.
	Size() int

	// CanRunMore reports whether the scheduler may call Invoke again.
	CanRunMore() bool

	// RunCommands pumps completions, invoking callbacks for any commands
	// that finished. It returns true if the runner was interrupted (e.g.
	// SIGINT), in which case the scheduler must abort the build.
	RunCommands() (interrupted bool, err error)
}
