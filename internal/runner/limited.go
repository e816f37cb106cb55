package runner

import "github.com/nbuild/nbuild/internal/manifest"

// LimitedRunner caps global concurrency by parallelism and by load
// average (spec.md §4.7 item 3), grounded on original_source's
// cmd/limited_command_runner.{h,cpp}. cmd/nbuild places it outermost,
// around a PooledRunner that wraps the PlatformRunner; since the
// PooledRunner's Size includes the commands it is holding back for pool
// capacity, those delayed commands count against the parallelism cap.
type LimitedRunner struct {
	inner Runner

	parallelism    int
	maxLoadAverage float64
	getLoadAverage func() float64
}

// NewLimitedRunner wraps inner. getLoadAverage may be nil (disables the
// load-average cap, keeping only the parallelism cap); maxLoadAverage
// <= 0 has the same effect.
func NewLimitedRunner(inner Runner, parallelism int, maxLoadAverage float64, getLoadAverage func() float64) *LimitedRunner {
	return &LimitedRunner{
		inner:          inner,
		parallelism:    parallelism,
		maxLoadAverage: maxLoadAverage,
		getLoadAverage: getLoadAverage,
	}
}

func (l *LimitedRunner) Invoke(command string, step *manifest.Step, cb Callback) error {
	return l.inner.Invoke(command, step, cb)
}

func (l *LimitedRunner) Size() int { return l.inner.Size() }

// CanRunMore implements spec.md §4.7 item 3: false once size reaches
// parallelism, or once the load average exceeds the cap while at least
// one command is already in flight (so a single command is never
// refused purely on load, avoiding livelock on an already-loaded host).
func (l *LimitedRunner) CanRunMore() bool {
	size := l.inner.Size()
	if l.parallelism > 0 && size >= l.parallelism {
		return false
	}
	if l.maxLoadAverage > 0 && l.getLoadAverage != nil && size > 0 {
		if l.getLoadAverage() > l.maxLoadAverage {
			return false
		}
	}
	return true
}

func (l *LimitedRunner) RunCommands() (bool, error) {
	return l.inner.RunCommands()
}
