// Package manifest holds the raw (parsed) manifest and its compiled,
// immutable, index-addressable form (spec.md §3 "Step", "CompiledManifest").
package manifest

import (
	"path/filepath"
	"sort"

	"github.com/nbuild/nbuild/internal/hashutil"
)

// StepIndex addresses a Step within a Compiled manifest's Steps slice.
type StepIndex int32

// RawStep is one build step as parsed from manifest surface syntax, before
// dependency resolution and hashing.
type RawStep struct {
	Outputs       []string
	Inputs        []string // explicit inputs
	ImplicitIns   []string
	OrderOnlyIns  []string
	Command       string // empty means phony
	Description   string
	Pool          string
	Depfile       string
	Rspfile       string
	RspfileContent string
	Generator     bool
}

// RawManifest is the parsed-but-uncompiled manifest (spec.md §4.3 "Input").
type RawManifest struct {
	Steps         []RawStep
	Defaults      []string
	Pools         map[string]int
	BuildDir      string
	ManifestFiles []SourceFile
}

// SourceFile is one file that composed the manifest, with the mtime it had
// when read, used by the precompile cache (spec.md §4.3).
type SourceFile struct {
	Path  string
	MTime int64 // unix nanoseconds
}

// Step is one compiled, immutable build step.
type Step struct {
	Hash          hashutil.Hash
	Command       string
	Description   string
	Pool          string
	Depfile       string
	Rspfile       string
	RspfileContent string
	Generator     bool

	// Outputs/Inputs as declared in the manifest, canonicalized. Every
	// step keeps them for directory creation, the output map and
	// dependency resolution; only generator steps also use them for the
	// mtime-based oracle, while non-generator steps are checked via the
	// invocation log instead.
	Outputs      []string
	Inputs       []string
	ImplicitIns  []string
	OrderOnlyIns []string

	// Deps is the sorted, deduplicated set of dependency step indices,
	// resolved by matching Inputs/ImplicitIns/OrderOnlyIns against the
	// output map (spec.md §4.3 step 2).
	Deps []StepIndex

	// OutputDirs is the set of parent directories of Outputs.
	OutputDirs []string
}

// IsPhony reports whether the step has no command (a pure alias).
func (s *Step) IsPhony() bool {
	return s.Command == ""
}

// AllDeclaredInputs returns explicit + implicit + order-only inputs, the
// set used for dependency resolution and for the generator mtime oracle.
func (s *Step) AllDeclaredInputs() []string {
	out := make([]string, 0, len(s.Inputs)+len(s.ImplicitIns)+len(s.OrderOnlyIns))
	out = append(out, s.Inputs...)
	out = append(out, s.ImplicitIns...)
	out = append(out, s.OrderOnlyIns...)
	return out
}

// Canonicalize collapses "." and ".." and redundant separators so that
// "a/../b" and "b" resolve to the same map key (spec.md §4.3 "Path
// canonicalization").
func Canonicalize(path string) string {
	if path == "" {
		return path
	}
	return filepath.ToSlash(filepath.Clean(path))
}

func outputDirs(outputs []string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, o := range outputs {
		d := filepath.Dir(o)
		if d == "." || seen[d] {
			continue
		}
		seen[d] = true
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}
