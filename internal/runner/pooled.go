package runner

import (
	"github.com/nbuild/nbuild/internal/manifest"
)

// ConsoleCapacity mirrors manifest.ConsoleCapacity: the built-in
// "console" pool always has capacity 1 regardless of what the manifest
// declared (spec.md §4.7 item 2).
const ConsoleCapacity = 1

type delayedInvoke struct {
	command string
	step    *manifest.Step
	cb      Callback
}

// PooledRunner tracks a remaining-capacity counter per pool name and
// delays invokes past capacity in a FIFO queue, dispatching the oldest
// delayed command in a pool as soon as one of that pool's commands
// completes (spec.md §4.7 item 2). Grounded on original_source's
// cmd/pooled_command_runner.{h,cpp}.
type PooledRunner struct {
	inner Runner

	capacity  map[string]int // declared maximum per pool, as passed to NewPooledRunner
	remaining map[string]int // slots left per pool; only the empty pool name bypasses it
	queued    map[string][]delayedInvoke
	delayed   int
}

// NewPooledRunner wraps inner, enforcing capacities (pool name → max
// concurrent) plus the built-in console pool.
func NewPooledRunner(inner Runner, capacities map[string]int) *PooledRunner {
	remaining := map[string]int{}
	for name, n := range capacities {
		remaining[name] = n
	}
	remaining["console"] = ConsoleCapacity
	return &PooledRunner{
		inner:     inner,
		capacity:  capacities,
		remaining: remaining,
		queued:    map[string][]delayedInvoke{},
	}
}

func (p *PooledRunner) Invoke(command string, step *manifest.Step, cb Callback) error {
	pool := step.Pool
	if pool == "" {
		return p.inner.Invoke(command, step, cb)
	}
	if p.remaining[pool] > 0 {
		p.remaining[pool]--
		return p.inner.Invoke(command, step, p.wrapCallback(pool, cb))
	}
	p.queued[pool] = append(p.queued[pool], delayedInvoke{command: command, step: step, cb: cb})
	p.delayed++
	return nil
}

// wrapCallback releases the pool slot on completion and dispatches the
// next delayed command for that pool, if any, before calling through to
// the caller's callback.
func (p *PooledRunner) wrapCallback(pool string, cb Callback) Callback {
	return func(r Result) {
		p.remaining[pool]++
		if q := p.queued[pool]; len(q) > 0 {
			next := q[0]
			p.queued[pool] = q[1:]
			p.delayed--
			p.remaining[pool]--
			if err := p.inner.Invoke(next.command, next.step, p.wrapCallback(pool, next.cb)); err != nil {
				// Surface the dispatch failure through the delayed command's own
				// callback rather than dropping it silently.
				p.remaining[pool]++
				next.cb(Result{ExitStatus: Failure})
			}
		}
		cb(r)
	}
}

func (p *PooledRunner) Size() int {
	return p.inner.Size() + p.delayed
}

func (p *PooledRunner) CanRunMore() bool {
	return p.inner.CanRunMore()
}

func (p *PooledRunner) RunCommands() (bool, error) {
	return p.inner.RunCommands()
}
