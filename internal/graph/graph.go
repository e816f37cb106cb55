// Package graph holds the per-build mutable state shared by planner and
// buildsched: each step's node (dependency countdown, dependents,
// readiness) and the FileId → producing-step map used to resolve a
// tracer's observed accesses back to steps (spec.md §4.5, §2 item 5).
package graph

import (
	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/manifest"
)

// NodeState is where a step sits in the scheduling state machine (spec.md
// §4.8 "States of a step node").
type NodeState int

const (
	Blocked NodeState = iota
	Ready
	Dispatched
	CompleteSuccess
	CompleteFailure
)

func (s NodeState) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case Ready:
		return "ready"
	case Dispatched:
		return "dispatched"
	case CompleteSuccess:
		return "complete_success"
	case CompleteFailure:
		return "complete_failure"
	default:
		return "unknown"
	}
}

// Node is one step's live scheduling state.
type Node struct {
	Index       manifest.StepIndex
	State       NodeState
	ShouldBuild bool

	// Remaining counts down from the number of not-yet-satisfied
	// dependencies (declared edges plus resolved additional-dependencies).
	Remaining int

	// Dependents are step indices that have this node as a dependency,
	// including those reached only through additional_dependencies.
	Dependents []manifest.StepIndex

	// Bypassable is set by canSkipBuildCommand (the restat shortcut): a
	// ready node that can transition straight to CompleteSuccess without
	// invoking its command.
	Bypassable bool
}

// Build is the live state of one build invocation: one Node per
// should-build step, the ready queue, the output-file index, and the
// failure budget (spec.md §4.5 "Build.construct").
type Build struct {
	Manifest *manifest.Compiled

	Nodes map[manifest.StepIndex]*Node

	// ReadyQueue holds step indices whose Remaining has hit zero and that
	// have not yet been dispatched. FIFO order matters for per-pool
	// fairness (spec.md §5 "Ordering guarantees").
	ReadyQueue []manifest.StepIndex

	// OutputFiles maps a FileId to the step index that (as far as this
	// build knows) currently produces it. Populated incrementally as
	// steps are discarded-clean or completed.
	OutputFiles map[fingerprint.FileID]manifest.StepIndex

	RemainingFailures int
}

// PopReady removes and returns the front of the ready queue.
func (b *Build) PopReady() (manifest.StepIndex, bool) {
	if len(b.ReadyQueue) == 0 {
		return 0, false
	}
	idx := b.ReadyQueue[0]
	b.ReadyQueue = b.ReadyQueue[1:]
	return idx, true
}

// enqueueIfReady moves a node into the ready queue once its Remaining
// counter reaches zero.
func (b *Build) enqueueIfReady(idx manifest.StepIndex) {
	n := b.Nodes[idx]
	if n == nil || n.Remaining != 0 || n.State != Blocked {
		return
	}
	n.State = Ready
	b.ReadyQueue = append(b.ReadyQueue, idx)
}

// MarkStepNodeAsDone is the unified "this step is no longer pending"
// operation used by both discardCleanSteps and the scheduler (spec.md
// §4.5 "markStepNodeAsDone"): it registers the step's output FileIds,
// decrements every dependent's counter, and enqueues any dependent whose
// counter reaches zero.
func (b *Build) MarkStepNodeAsDone(idx manifest.StepIndex, outputFileIDs map[fingerprint.FileID]bool) {
	n := b.Nodes[idx]
	if n == nil {
		return
	}
	if n.State != CompleteFailure {
		n.State = CompleteSuccess
	}
	for id := range outputFileIDs {
		b.OutputFiles[id] = idx
	}
	for _, dep := range n.Dependents {
		dn := b.Nodes[dep]
		if dn == nil {
			continue
		}
		dn.Remaining--
		b.enqueueIfReady(dep)
	}
}

// MarkStepNodeAsFailed records a failed step: it does not decrement
// dependents' counters (spec.md §4.8 step 4 "do not enqueue dependents").
func (b *Build) MarkStepNodeAsFailed(idx manifest.StepIndex) {
	n := b.Nodes[idx]
	if n == nil {
		return
	}
	n.State = CompleteFailure
}

// HasWork reports whether the ready queue still holds steps. Blocked steps
// (waiting on a dependency) are not counted.
func (b *Build) HasWork() bool {
	return len(b.ReadyQueue) > 0
}
