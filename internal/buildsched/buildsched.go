// Package buildsched implements spec.md §4.8, the scheduler: the
// single-threaded cooperative loop that dispatches ready steps to the
// runner, applies the restat bypass, and folds each completion back into
// the build graph and invocation log. Grounded on original_source's
// build/build.{h,cpp} Builder::Build loop.
package buildsched

import (
	"sort"
	"strings"
	"time"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/graph"
	"github.com/nbuild/nbuild/internal/invocationlog"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/nbuild/nbuild/internal/planner"
	"github.com/nbuild/nbuild/internal/runner"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FS is the filesystem surface the scheduler needs beyond fingerprinting:
// creating output directories and rspfiles, and removing them again once a
// command has run.
type FS interface {
	fingerprint.Stat
	Mkdir(path string) error
	WriteFile(path string, b []byte) error
	Remove(path string) error
}

// StatusSink receives scheduling progress (spec.md §6.5); it does not
// prescribe rendering. A nil Status is replaced with a no-op sink.
type StatusSink interface {
	StepStarted(step *manifest.Step)
	StepFinished(step *manifest.Step, success bool, output []byte)
}

type noopStatus struct{}

func (noopStatus) StepStarted(*manifest.Step)                   {}
func (noopStatus) StepFinished(*manifest.Step, bool, []byte) {}

// Result is the outcome of one Scheduler.Run call.
type Result struct {
	Success     bool
	Interrupted bool
}

// Scheduler drives one build invocation to completion (spec.md §4.8).
type Scheduler struct {
	Manifest    *manifest.Compiled
	Build       *graph.Build
	CleanSteps  map[manifest.StepIndex]bool
	Invocations *invocationlog.Invocations
	Log         invocationlog.Log
	Runner      runner.Runner
	FS          FS
	Now         func() time.Time
	Status      StatusSink

	// IgnoredPrefixes are path prefixes (OS temp dirs, system libraries)
	// dropped from tracer-observed inputs even if the tracer itself did
	// not already filter them (spec.md §6.4 item c).
	IgnoredPrefixes []string

	inFlight map[manifest.StepIndex]*manifest.Step
	failed   bool
}

// Run drives the scheduler's main loop (spec.md §4.8) until the ready queue
// and in-flight work are both exhausted, or the runner reports an
// interrupt. Once the failure budget is spent, ready steps are no longer
// dispatched and the loop ends as soon as in-flight work has drained.
func (s *Scheduler) Run() (Result, error) {
	if s.Status == nil {
		s.Status = noopStatus{}
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	s.inFlight = map[manifest.StepIndex]*manifest.Step{}

	for (s.Build.RemainingFailures > 0 && s.Build.HasWork()) || s.Runner.Size() > 0 {
		if s.Build.RemainingFailures > 0 {
			for len(s.Build.ReadyQueue) > 0 && s.Runner.CanRunMore() {
				idx, ok := s.Build.PopReady()
				if !ok {
					break
				}
				if err := s.dispatch(idx); err != nil {
					return Result{Success: false}, err
				}
			}
		}

		if !(s.Build.RemainingFailures > 0 && s.Build.HasWork()) && s.Runner.Size() == 0 {
			break
		}

		interrupted, err := s.Runner.RunCommands()
		if err != nil {
			return Result{Success: false}, err
		}
		if interrupted {
			s.cleanupInFlight()
			return Result{Success: false, Interrupted: true}, nil
		}
	}

	return Result{Success: !s.failed}, nil
}

// dispatch implements spec.md §4.8 step 1: pop one ready step and either
// short-circuit it (phony, or bypassable via the restat check) or launch
// its command through the runner.
func (s *Scheduler) dispatch(idx manifest.StepIndex) error {
	step := s.Manifest.Step(idx)
	node := s.Build.Nodes[idx]

	bypass, err := planner.CanSkipBuildCommand(step, s.CleanSteps, idx, s.FS, s.Now(), s.Invocations)
	if err != nil {
		return err
	}
	if node != nil {
		node.Bypassable = bypass
	}

	if step.IsPhony() || bypass {
		outputIDs := planner.OutputFileIDsForBuildStep(step, s.FS)
		s.Status.StepStarted(step)
		s.Status.StepFinished(step, true, nil)
		s.Build.MarkStepNodeAsDone(idx, outputIDs)
		return nil
	}

	reapOldOutputs(s, step)

	for _, dir := range step.OutputDirs {
		if _, err := s.FS.Lstat(dir); err != nil {
			if err := s.FS.Mkdir(dir); err != nil {
				return errors.Wrapf(err, "create output directory %s", dir)
			}
			if err := s.Log.CreatedDirectory(dir); err != nil {
				return errors.Wrapf(err, "record created directory %s", dir)
			}
		}
	}

	if step.Rspfile != "" {
		if err := s.FS.WriteFile(step.Rspfile, []byte(step.RspfileContent)); err != nil {
			return errors.Wrapf(err, "write rspfile %s", step.Rspfile)
		}
	}

	s.inFlight[idx] = step
	s.Status.StepStarted(step)

	return s.Runner.Invoke(step.Command, step, func(result runner.Result) {
		s.handleCompletion(idx, step, result)
	})
}

func reapOldOutputs(s *Scheduler, step *manifest.Step) {
	rec, ok := s.Invocations.Record(step.Hash)
	if !ok {
		return
	}
	for _, out := range rec.OutputFiles {
		fp, _, err := fingerprint.Take(s.FS, time.Time{}, out.Path)
		if err != nil || fp.Missing() {
			continue
		}
		if fp.Size != out.Fingerprint.Size || fp.Mode != out.Fingerprint.Mode || fp.Hash != out.Fingerprint.Hash {
			continue
		}
		if err := s.FS.Remove(out.Path); err != nil {
			logrus.WithError(err).WithField("path", out.Path).Warn("scheduler: could not reap prior output before relaunch")
		}
	}
}

// handleCompletion implements spec.md §4.8 steps 3-8.
func (s *Scheduler) handleCompletion(idx manifest.StepIndex, step *manifest.Step, result runner.Result) {
	delete(s.inFlight, idx)
	if step.Depfile != "" {
		_ = s.FS.Remove(step.Depfile)
	}

	if result.ExitStatus != runner.Success {
		// The rspfile is deliberately retained on failure (spec.md §8), so a
		// developer can inspect the exact arguments the failed command saw.
		s.Build.RemainingFailures--
		s.Build.MarkStepNodeAsFailed(idx)
		s.failed = true
		s.Status.StepFinished(step, false, result.Output)
		return
	}
	if step.Rspfile != "" {
		_ = s.FS.Remove(step.Rspfile)
	}

	outputs, outputIDs, conflict := s.resolveOutputs(idx, step)
	if conflict != "" {
		s.failed = true
		s.Build.RemainingFailures = 0
		s.Build.MarkStepNodeAsFailed(idx)
		s.Status.StepFinished(step, false, result.Output)
		logrus.WithField("path", conflict).Error("scheduler: wrote to file that another step has already written to")
		return
	}

	inputs, observedInputIDs := s.resolveInputs(step, result)

	used := planner.UsedDependencies(s.Build.OutputFiles, observedInputIDs)
	ignored, additional := planner.IgnoredAndAdditionalDependencies(s.Manifest, step, used)

	if err := s.Log.RanCommand(step.Hash, outputs, inputs, ignored, additional); err != nil {
		logrus.WithError(err).Error("scheduler: invocation log write failed")
		s.failed = true
		s.Build.RemainingFailures = 0
		s.Build.MarkStepNodeAsFailed(idx)
		s.Status.StepFinished(step, false, result.Output)
		return
	}

	s.Build.MarkStepNodeAsDone(idx, outputIDs)
	s.Status.StepFinished(step, true, result.Output)
}

// resolveOutputs stats step's declared outputs, building the PathFingerprint
// list for the invocation log plus the FileId set for markStepNodeAsDone.
// It returns a non-empty conflict path if a non-directory output's FileId
// is already attributed to a different step.
func (s *Scheduler) resolveOutputs(idx manifest.StepIndex, step *manifest.Step) ([]invocationlog.PathFingerprint, map[fingerprint.FileID]bool, string) {
	var outputs []invocationlog.PathFingerprint
	ids := map[fingerprint.FileID]bool{}
	for _, o := range step.Outputs {
		fp, id, err := fingerprint.Take(s.FS, s.Now(), o)
		if err != nil || fp.Missing() {
			continue
		}
		outputs = append(outputs, invocationlog.PathFingerprint{Path: o, Fingerprint: fp})
		if fp.Mode.IsDir() {
			continue
		}
		if existing, ok := s.Build.OutputFiles[id]; ok && existing != idx {
			return outputs, ids, o
		}
		ids[id] = true
	}
	return outputs, ids, ""
}

// resolveInputs implements spec.md §4.8 step 5's input derivation: the
// union of (a) the step's explicitly declared inputs, always recorded
// regardless of whether the path happens to be another step's output —
// that is precisely the common case of a real dependency edge, and the
// oracle needs its fingerprint recorded to detect it changing later — and
// (b) paths the tracer observed, minus ignored prefixes and minus any path
// that is an output of this or any other step (those are accounted for via
// usedDependencies/ignoredAndAdditionalDependencies instead).
func (s *Scheduler) resolveInputs(step *manifest.Step, result runner.Result) ([]invocationlog.PathFingerprint, []fingerprint.FileID) {
	ownOutputs := map[string]bool{}
	for _, o := range step.Outputs {
		ownOutputs[o] = true
	}

	seen := map[string]bool{}
	var fps []invocationlog.PathFingerprint
	var ids []fingerprint.FileID

	record := func(p string) {
		if seen[p] {
			return
		}
		seen[p] = true
		fp, id, err := fingerprint.Take(s.FS, s.Now(), p)
		if err != nil || fp.Missing() {
			return
		}
		fps = append(fps, invocationlog.PathFingerprint{Path: p, Fingerprint: fp})
		ids = append(ids, id)
	}

	declared := append([]string(nil), step.AllDeclaredInputs()...)
	sort.Strings(declared)
	for _, p := range declared {
		record(p)
	}

	observed := append([]string(nil), result.InputFiles...)
	sort.Strings(observed)
	for _, p := range observed {
		if seen[p] || s.hasIgnoredPrefix(p) || ownOutputs[p] {
			continue
		}
		fp, id, err := fingerprint.Take(s.FS, s.Now(), p)
		if err != nil || fp.Missing() {
			continue
		}
		if _, isOutput := s.Build.OutputFiles[id]; isOutput {
			// Undeclared but resolves to a tracked step's output: folded
			// into used/additional-dependency tracking instead of being
			// recorded as a raw input fingerprint.
			ids = append(ids, id)
			seen[p] = true
			continue
		}
		seen[p] = true
		fps = append(fps, invocationlog.PathFingerprint{Path: p, Fingerprint: fp})
		ids = append(ids, id)
	}
	return fps, ids
}

func (s *Scheduler) hasIgnoredPrefix(p string) bool {
	for _, prefix := range s.IgnoredPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (s *Scheduler) cleanupInFlight() {
	for idx, step := range s.inFlight {
		if step.Rspfile != "" {
			_ = s.FS.Remove(step.Rspfile)
		}
		if step.Depfile != "" {
			_ = s.FS.Remove(step.Depfile)
		}
		delete(s.inFlight, idx)
	}
}
