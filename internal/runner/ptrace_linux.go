//go:build linux

// Package runner's ptrace tracer observes a traced command's open/openat
// syscalls to build the read/write path sets spec.md §6.4 requires,
// grounded on original_source's shk-trace (the project's own Linux
// ptrace-based tracer) and the contract described in spec.md itself
// rather than any macOS kdebug/Mach-port internals (explicitly out of
// scope per spec.md's Non-goals).
package runner

import (
	"os/exec"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PtraceTracer traces a single child process via PTRACE_SYSCALL stops on
// Linux. Processes that child forks are not traced, so their file
// accesses are not reported.
type PtraceTracer struct {
	// IgnoredPrefixes are path prefixes dropped from both sets (spec.md
	// §6.4 item c): OS tmp directories, system libraries, and so on.
	IgnoredPrefixes []string
}

func (t *PtraceTracer) PrepareCommand(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true
}

// Observed runs the ptrace-syscall-stop loop until the traced process
// exits, classifying each open/openat by its access-mode flags.
func (t *PtraceTracer) Observed(cmd *exec.Cmd) (inputFiles, outputFiles []string, err error) {
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, nil, err
	}
	_ = unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACESYSGOOD)

	reads := map[string]bool{}
	writes := map[string]bool{}
	inSyscallEntry := false

	for {
		if err := unix.PtraceSyscall(pid, 0); err != nil {
			return nil, nil, err
		}
		if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
			return nil, nil, err
		}
		if ws.Exited() || ws.Signaled() {
			break
		}
		if !ws.Stopped() {
			continue
		}

		inSyscallEntry = !inSyscallEntry
		if !inSyscallEntry {
			// This is the syscall-exit stop; classification happens on entry.
			continue
		}

		var regs syscall.PtraceRegs
		if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
			continue
		}
		if err := classifySyscall(pid, &regs, reads, writes); err != nil {
			logrus.WithError(err).Debug("ptrace tracer: failed to classify a syscall entry")
		}
	}

	return filterIgnored(setToSlice(reads), t.IgnoredPrefixes), filterIgnored(setToSlice(writes), t.IgnoredPrefixes), nil
}

func setToSlice(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func filterIgnored(paths []string, prefixes []string) []string {
	if len(prefixes) == 0 {
		return paths
	}
	var out []string
	for _, p := range paths {
		ignored := false
		for _, pre := range prefixes {
			if strings.HasPrefix(p, pre) {
				ignored = true
				break
			}
		}
		if !ignored {
			out = append(out, p)
		}
	}
	return out
}

// readCString reads a NUL-terminated string from the tracee's memory at
// addr, in PEEKDATA-sized (word) chunks.
func readCString(pid int, addr uintptr) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 8)
	for {
		if _, err := syscall.PtracePeekData(pid, addr, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b == 0 {
				return sb.String(), nil
			}
			sb.WriteByte(b)
		}
		addr += uintptr(len(buf))
		if sb.Len() > 4096 {
			return sb.String(), nil
		}
	}
}
