package main

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/nbuild/nbuild/internal/buildsched"
	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/invocationlog"
	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/nbuild/nbuild/internal/planner"
	"github.com/nbuild/nbuild/internal/reaper"
	"github.com/nbuild/nbuild/internal/runner"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// fullFS is every filesystem operation the build needs: fingerprinting plus
// the mutations the scheduler and reaper perform.
type fullFS interface {
	fingerprint.Stat
	Mkdir(path string) error
	WriteFile(path string, b []byte) error
	Remove(path string) error
	RemoveEmptyDir(path string) (bool, error)
}

// maxManifestReloads bounds how many times a dirty manifest-regenerator
// step can force a reload within a single invocation, guarding against a
// regenerator whose output never settles.
const maxManifestReloads = 5

func runBuild(opts *options, targetArgs []string) error {
	now := time.Now
	var disk fullFS = fingerprint.OSFS{}
	if opts.dryRun {
		disk = dryRunFS{Stat: fingerprint.OSFS{}}
	}

	inv, persistent, needsRecompact, err := openInvocations(opts, disk)
	if err != nil {
		return err
	}
	if persistent != nil {
		defer func() {
			if cerr := persistent.Close(); cerr != nil {
				logrus.WithError(cerr).Warn("invocation log: error closing file handle")
			}
		}()
		if needsRecompact {
			if err := persistent.Recompact(); err != nil {
				logrus.WithError(err).Warn("invocation log: recompaction failed")
			}
		}
	}

	// Load, and if the manifest has a regenerating step, build it alone
	// first and reload before planning the rest (spec.md §8 scenario 6):
	// a regenerator that actually ran may have rewritten the manifest, and
	// the remaining targets must be planned against the fresh compile, not
	// the one loaded before the regenerator ran.
	var compiled *manifest.Compiled
	for i := 0; ; i++ {
		compiled, err = loadManifest(opts)
		if err != nil {
			return err
		}

		reaper.DeleteStaleOutputs(disk, compiled, inv)

		if compiled.Regenerator == nil {
			break
		}
		if i >= maxManifestReloads {
			return errors.Errorf("manifest regenerator did not settle after %d reloads", maxManifestReloads)
		}

		ran, err := runRegenerator(opts, compiled, inv, persistent, disk, now)
		if err != nil {
			return err
		}
		if !ran {
			break
		}
	}

	targets, err := resolveTargets(compiled, targetArgs)
	if err != nil {
		return err
	}

	allowedFailures := opts.keepGoing
	if allowedFailures <= 0 {
		allowedFailures = math.MaxInt32
	}

	b, forced := planner.Construct(compiled, inv, allowedFailures, targets)
	memo := planner.NewFingerprintMatchesMemo(disk, now())

	var schedLog invocationlog.Log
	if opts.dryRun {
		// Buffered collects everything a real build would have recorded
		// without ever calling the underlying (in-memory, itself
		// disk-free) Log, since a dry run never Flushes it.
		schedLog = invocationlog.NewBuffered(invocationlog.NewInMemory(disk, now, inv))
	} else {
		schedLog = persistent
	}
	onRefresh := func(stepHash hashutil.Hash, rec invocationlog.InvocationRecord) error {
		return schedLog.RanCommand(stepHash, rec.OutputFiles, rec.InputFiles, rec.IgnoredDependencies, rec.AdditionalDependencies)
	}
	cleanSteps, err := planner.DiscardCleanSteps(b, inv, memo, disk, forced, onRefresh)
	if err != nil {
		return errors.Wrap(err, "evaluate step cleanliness")
	}

	sched := &buildsched.Scheduler{
		Manifest:        compiled,
		Build:           b,
		CleanSteps:      cleanSteps,
		Invocations:     inv,
		Log:             schedLog,
		Runner:          newRunner(opts, compiled.Pools),
		FS:              disk,
		Now:             now,
		Status:          newConsoleStatus(len(b.Nodes)),
		IgnoredPrefixes: opts.ignoredPrefixes,
	}

	result, err := sched.Run()
	if err != nil {
		return errors.Wrap(err, "build")
	}

	if !opts.dryRun && inv.NeedsRecompaction() {
		if err := persistent.Recompact(); err != nil {
			logrus.WithError(err).Warn("invocation log: recompaction failed")
		}
	}

	if result.Interrupted {
		return errors.New("build interrupted")
	}
	if !result.Success {
		return errors.New("build failed")
	}
	fmt.Println("build succeeded")
	return nil
}

// runRegenerator builds compiled's manifest-regenerating step alone
// (spec.md §8 scenario 6), grounded on the teacher's ninja.go
// RebuildManifest: construct a single-target plan for just that step,
// run it to completion, and report whether it actually executed (as
// opposed to being already clean or restat-bypassed) so the caller knows
// whether to reload the manifest before continuing.
//
// Its invocation-log writes go through a Buffered log so a failed
// regeneration leaves no partial trace; a successful one is flushed into
// the real log before returning, except in a dry run, where the buffer is
// discarded.
func runRegenerator(opts *options, compiled *manifest.Compiled, inv *invocationlog.Invocations, persistent *invocationlog.Persistent, disk fullFS, now func() time.Time) (bool, error) {
	idx := *compiled.Regenerator
	b, forced := planner.Construct(compiled, inv, 1, []manifest.StepIndex{idx})
	memo := planner.NewFingerprintMatchesMemo(disk, now())

	var underlying invocationlog.Log
	if opts.dryRun {
		underlying = invocationlog.NewInMemory(disk, now, inv)
	} else {
		underlying = persistent
	}
	buffered := invocationlog.NewBuffered(underlying)

	onRefresh := func(stepHash hashutil.Hash, rec invocationlog.InvocationRecord) error {
		return buffered.RanCommand(stepHash, rec.OutputFiles, rec.InputFiles, rec.IgnoredDependencies, rec.AdditionalDependencies)
	}
	cleanSteps, err := planner.DiscardCleanSteps(b, inv, memo, disk, forced, onRefresh)
	if err != nil {
		return false, errors.Wrap(err, "evaluate manifest regenerator cleanliness")
	}
	wasClean := cleanSteps[idx]

	sched := &buildsched.Scheduler{
		Manifest:        compiled,
		Build:           b,
		CleanSteps:      cleanSteps,
		Invocations:     inv,
		Log:             buffered,
		Runner:          newRunner(opts, compiled.Pools),
		FS:              disk,
		Now:             now,
		Status:          newConsoleStatus(1),
		IgnoredPrefixes: opts.ignoredPrefixes,
	}

	result, err := sched.Run()
	if err != nil {
		return false, errors.Wrap(err, "rebuild manifest")
	}
	if result.Interrupted {
		return false, errors.New("manifest regeneration interrupted")
	}
	if !result.Success {
		return false, errors.New("manifest regeneration failed")
	}

	if opts.dryRun {
		buffered.Discard()
	} else if err := buffered.Flush(); err != nil {
		return false, errors.Wrap(err, "flush manifest-regeneration invocation log")
	}

	ran := !wasClean && !b.Nodes[idx].Bypassable
	return ran, nil
}

// newRunner builds the Runner stack for one scheduler pass, shared by the
// manifest-regenerator pre-pass and the main build: PlatformRunner wrapped
// by PooledRunner wrapped by LimitedRunner (spec.md §4.7 "Decorator
// ordering").
func newRunner(opts *options, pools map[string]int) runner.Runner {
	if opts.dryRun {
		return &runner.DryRunRunner{}
	}
	var tracer runner.Tracer = runner.NoopTracer{}
	if runtime.GOOS == "linux" {
		tracer = &runner.PtraceTracer{IgnoredPrefixes: opts.ignoredPrefixes}
	}
	platform := runner.NewPlatformRunner(tracer)
	pooled := runner.NewPooledRunner(platform, pools)
	return runner.NewLimitedRunner(pooled, opts.parallelism, opts.maxLoadAverage, loadAverage(opts))
}

func loadManifest(opts *options) (*manifest.Compiled, error) {
	compiled, _, err := manifest.ParseAndCompile(manifest.YAMLSource{}, opts.manifestPath, opts.compiledCache)
	if err != nil {
		return nil, errors.Wrap(err, "compile manifest")
	}
	return compiled, nil
}

// openInvocations reads the invocation log. In dry-run mode it parses the
// file read-only and never opens it for writing, so a dry run leaves the
// log file untouched even if it doesn't exist yet; otherwise it opens the
// real Persistent log the scheduler will write through. The returned bool
// reports whether the log needs recompaction (spec.md §4.2); it is always
// false for the dry-run read-only path, since recompaction is itself a
// disk rewrite a dry run must not perform.
func openInvocations(opts *options, fs fingerprint.Stat) (*invocationlog.Invocations, *invocationlog.Persistent, bool, error) {
	if !opts.dryRun {
		p, openRes, err := invocationlog.Open(opts.logPath, fs, time.Now)
		if err != nil {
			return nil, nil, false, errors.Wrap(err, "open invocation log")
		}
		if openRes.Truncated {
			logrus.Warn("invocation log: tail was truncated on parse, continuing with the last complete record")
		}
		return p.Invocations(), p, openRes.NeedsRecompact, nil
	}

	b, err := os.ReadFile(opts.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return invocationlog.NewInvocations(), nil, false, nil
		}
		return nil, nil, false, errors.Wrap(err, "read invocation log")
	}
	res, err := invocationlog.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, nil, false, errors.Wrap(err, "parse invocation log")
	}
	if res.Truncated {
		logrus.Warn("invocation log: tail was truncated on parse, continuing with the last complete record")
	}
	return res.Invocations, nil, false, nil
}

// resolveTargets implements spec.md §6.6's default target selection:
// explicit CLI targets first, else the manifest's defaults, else every
// root step.
func resolveTargets(c *manifest.Compiled, args []string) ([]manifest.StepIndex, error) {
	if len(args) == 0 {
		if len(c.Defaults) > 0 {
			return c.Defaults, nil
		}
		return c.Roots, nil
	}
	out := make([]manifest.StepIndex, 0, len(args))
	for _, a := range args {
		idx, ok := c.Outputs[manifest.Canonicalize(a)]
		if !ok {
			return nil, errors.Errorf("unknown target: %q", a)
		}
		out = append(out, idx)
	}
	return out, nil
}

// loadAverage returns nil (disabling the cap) when no load-average cap is
// set; otherwise it returns a sampler over the platform's GetLoadAverage
// that reports a negative (unavailable) reading as 0.
func loadAverage(opts *options) func() float64 {
	if opts.maxLoadAverage <= 0 {
		return nil
	}
	return func() float64 {
		v := runner.GetLoadAverage()
		if v < 0 {
			return 0
		}
		return v
	}
}
