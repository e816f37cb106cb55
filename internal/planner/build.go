// Package planner implements spec.md §4.4 (the dirtiness oracle) and
// §4.5 (Build construction and the clean-step discard pass), grounded on
// original_source's build/build.{h,cpp} and cache/cache_lookup_result.h.
package planner

import (
	"sort"
	"sync"
	"time"

	"github.com/nbuild/nbuild/internal/fingerprint"
	"github.com/nbuild/nbuild/internal/graph"
	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/nbuild/nbuild/internal/invocationlog"
	"github.com/nbuild/nbuild/internal/manifest"
	"golang.org/x/sync/errgroup"
)

// ForcedDirty marks steps whose prior invocation referenced an
// additional-dependency hash no longer present in the manifest: such a
// step is unconditionally dirty, since we can no longer tell whether the
// file it once read without declaring is unchanged (spec.md §4.5 step 2,
// "no_direct_dependencies_built=false").
type ForcedDirty map[manifest.StepIndex]bool

// Construct builds a graph.Build for targets, per spec.md §4.5
// "Build.construct": should-build is the set reachable from targets by
// walking dependency edges; each should-build step's Remaining counter
// starts at its declared-dependency count plus any additional
// dependencies (from its last invocation) that also belong to the
// should-build set.
func Construct(m *manifest.Compiled, inv *invocationlog.Invocations, allowedFailures int, targets []manifest.StepIndex) (*graph.Build, ForcedDirty) {
	shouldBuild := map[manifest.StepIndex]bool{}
	stack := append([]manifest.StepIndex(nil), targets...)
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if shouldBuild[idx] {
			continue
		}
		shouldBuild[idx] = true
		stack = append(stack, m.Step(idx).Deps...)
	}

	stepByHash := map[hashutil.Hash]manifest.StepIndex{}
	for i := range m.Steps {
		stepByHash[m.Steps[i].Hash] = manifest.StepIndex(i)
	}

	forced := ForcedDirty{}
	nodes := map[manifest.StepIndex]*graph.Node{}
	for idx := range shouldBuild {
		step := m.Step(idx)
		n := &graph.Node{Index: idx, ShouldBuild: true, State: graph.Blocked, Remaining: len(step.Deps)}
		if rec, ok := inv.Record(step.Hash); ok {
			for _, h := range rec.AdditionalDependencies {
				depIdx, found := stepByHash[h]
				if !found {
					forced[idx] = true
					continue
				}
				if shouldBuild[depIdx] && !containsIndex(step.Deps, depIdx) {
					n.Remaining++
				}
			}
		}
		nodes[idx] = n
	}

	for idx := range shouldBuild {
		step := m.Step(idx)
		for _, d := range step.Deps {
			if dn, ok := nodes[d]; ok {
				dn.Dependents = append(dn.Dependents, idx)
			}
		}
		if rec, ok := inv.Record(step.Hash); ok {
			for _, h := range rec.AdditionalDependencies {
				depIdx, found := stepByHash[h]
				if found && shouldBuild[depIdx] && !containsIndex(step.Deps, depIdx) {
					if dn, ok := nodes[depIdx]; ok {
						dn.Dependents = append(dn.Dependents, idx)
					}
				}
			}
		}
	}

	b := &graph.Build{
		Manifest:          m,
		Nodes:             nodes,
		OutputFiles:       map[fingerprint.FileID]manifest.StepIndex{},
		RemainingFailures: allowedFailures,
	}
	// Stable iteration order keeps scheduling deterministic for tests.
	ordered := make([]manifest.StepIndex, 0, len(nodes))
	for idx := range nodes {
		ordered = append(ordered, idx)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	for _, idx := range ordered {
		if nodes[idx].Remaining == 0 {
			nodes[idx].State = graph.Ready
			b.ReadyQueue = append(b.ReadyQueue, idx)
		}
	}
	return b, forced
}

func containsIndex(xs []manifest.StepIndex, x manifest.StepIndex) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// DiscardCleanSteps implements spec.md §4.5 "discardCleanSteps": first it
// evaluates IsClean for every should-build step concurrently, one
// goroutine per step feeding a CacheLookupTable (spec.md §5 "Cache lookup
// parallelism" — the memo's own lock guards its shared per-path result
// cache), then sweeps the ready queue leaves-first, marking as
// done every ready step whose popped verdict was clean. onRefresh, if
// non-nil, is called to persist a refreshed fingerprint record (IsClean's
// ShouldUpdate case) before the step is marked done.
func DiscardCleanSteps(
	b *graph.Build,
	inv *invocationlog.Invocations,
	memo *FingerprintMatchesMemo,
	fs fingerprint.Stat,
	forced ForcedDirty,
	onRefresh func(hashutil.Hash, invocationlog.InvocationRecord) error,
) (map[manifest.StepIndex]bool, error) {
	table := NewCacheLookupTable()

	var refreshMu sync.Mutex
	refreshByHash := map[hashutil.Hash]invocationlog.InvocationRecord{}

	var g errgroup.Group
	for idx := range b.Nodes {
		if forced[idx] {
			continue
		}
		step := b.Manifest.Step(idx)
		g.Go(func() error {
			rec, hasRec := inv.Record(step.Hash)
			v, err := IsClean(step, rec, hasRec, memo, fs)
			if err != nil {
				return err
			}
			if v.Refresh != nil {
				refreshMu.Lock()
				refreshByHash[step.Hash] = *v.Refresh
				refreshMu.Unlock()
			}
			table.Insert(step.Hash.String(), v.Clean)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cleanSteps := map[manifest.StepIndex]bool{}
	for idx := range b.Nodes {
		if forced[idx] {
			continue
		}
		step := b.Manifest.Step(idx)
		clean, ok := table.Pop(step.Hash.String())
		if !ok || !clean {
			continue
		}
		if rec, hasRefresh := refreshByHash[step.Hash]; hasRefresh && onRefresh != nil {
			if err := onRefresh(step.Hash, rec); err != nil {
				return nil, err
			}
		}
		cleanSteps[idx] = true
	}

	var stillReady []manifest.StepIndex
	for {
		idx, ok := b.PopReady()
		if !ok {
			break
		}
		if !cleanSteps[idx] {
			stillReady = append(stillReady, idx)
			continue
		}
		step := b.Manifest.Step(idx)
		outputIDs := OutputFileIDsForBuildStep(step, fs)
		b.MarkStepNodeAsDone(idx, outputIDs)
	}
	b.ReadyQueue = stillReady
	return cleanSteps, nil
}

// OutputFileIDsForBuildStep extracts the current FileIds of step's
// declared outputs (spec.md §4.5 "outputFileIdsForBuildStep"). Generator
// and phony steps have no fingerprinted outputs.
func OutputFileIDsForBuildStep(step *manifest.Step, fs fingerprint.Stat) map[fingerprint.FileID]bool {
	out := map[fingerprint.FileID]bool{}
	if step.Generator || step.IsPhony() {
		return out
	}
	for _, o := range step.Outputs {
		info, err := fs.Lstat(o)
		if err != nil {
			continue
		}
		out[fs.FileID(info)] = true
	}
	return out
}

// UsedDependencies maps the tracer's observed input FileIds back to step
// indices via outputFiles, producing a sorted, deduplicated list (spec.md
// §4.5 "usedDependencies").
func UsedDependencies(outputFiles map[fingerprint.FileID]manifest.StepIndex, observedInputs []fingerprint.FileID) []manifest.StepIndex {
	seen := map[manifest.StepIndex]bool{}
	var out []manifest.StepIndex
	for _, id := range observedInputs {
		if idx, ok := outputFiles[id]; ok && !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IgnoredAndAdditionalDependencies diffs step's declared dependency set
// against used (spec.md §4.5 "ignoredAndAdditionalDependencies"):
// declared-but-unused become ignored_dependencies (step indices, stable
// within one build); used-but-not-declared become additional_dependencies
// (step hashes, since indices may shift across manifest edits).
func IgnoredAndAdditionalDependencies(m *manifest.Compiled, step *manifest.Step, used []manifest.StepIndex) (ignored []manifest.StepIndex, additional []hashutil.Hash) {
	usedSet := map[manifest.StepIndex]bool{}
	for _, u := range used {
		usedSet[u] = true
	}
	declaredSet := map[manifest.StepIndex]bool{}
	for _, d := range step.Deps {
		declaredSet[d] = true
		if !usedSet[d] {
			ignored = append(ignored, d)
		}
	}
	for _, u := range used {
		if !declaredSet[u] {
			additional = append(additional, m.Step(u).Hash)
		}
	}
	return ignored, additional
}

// CanSkipBuildCommand implements the restat bypass of spec.md §4.8: a
// step whose own inputs were already assessed clean against the
// invocation log, but that only reached the ready queue because an
// upstream dependency had to rerun, can skip its command entirely if
// that dependency's rerun produced byte-identical content — checked here
// by re-hashing the step's recorded input paths after its dependencies
// have completed.
func CanSkipBuildCommand(step *manifest.Step, cleanSteps map[manifest.StepIndex]bool, idx manifest.StepIndex, fs fingerprint.Stat, now time.Time, inv *invocationlog.Invocations) (bool, error) {
	if step.IsPhony() || step.Generator || !cleanSteps[idx] {
		return false, nil
	}
	rec, ok := inv.Record(step.Hash)
	if !ok {
		return false, nil
	}
	for _, in := range rec.InputFiles {
		fresh, _, err := fingerprint.Take(fs, now, in.Path)
		if err != nil {
			return false, err
		}
		if fresh.Hash != in.Fingerprint.Hash {
			return false, nil
		}
	}
	return true, nil
}
