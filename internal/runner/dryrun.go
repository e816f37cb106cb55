package runner

import "github.com/nbuild/nbuild/internal/manifest"

// DryRunRunner never spawns a command: every Invoke immediately succeeds
// with empty observed input/output sets, grounded on original_source's
// fs/dry_run_file_system.{h,cpp} ("a file system that doesn't do anything
// on file modification operations, it just silently ignores them"),
// generalized here from the file system to the whole command runner so
// that spec.md §6.6's dry-run mode ("no command invocation") holds.
type DryRunRunner struct {
	pending []completion
}

func (d *DryRunRunner) Invoke(command string, step *manifest.Step, cb Callback) error {
	d.pending = append(d.pending, completion{cb: cb, result: Result{ExitStatus: Success}})
	return nil
}

func (d *DryRunRunner) Size() int { return len(d.pending) }

func (d *DryRunRunner) CanRunMore() bool { return true }

func (d *DryRunRunner) RunCommands() (bool, error) {
	for _, c := range d.pending {
		c.cb(c.result)
	}
	d.pending = nil
	return false, nil
}
