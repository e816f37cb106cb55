//go:build !linux

package runner

import "os/exec"

// PtraceTracer is a no-op stand-in on platforms without a ptrace-based
// tracer wired up; it behaves like NoopTracer so cmd/nbuild can refer to
// runner.PtraceTracer unconditionally.
type PtraceTracer struct {
	IgnoredPrefixes []string
}

func (t *PtraceTracer) PrepareCommand(cmd *exec.Cmd) {}

func (t *PtraceTracer) Observed(cmd *exec.Cmd) (inputFiles, outputFiles []string, err error) {
	return nil, nil, nil
}
