package manifest

import (
	"fmt"
	"sort"

	"github.com/nbuild/nbuild/internal/hashutil"
	"github.com/pkg/errors"
)

// Compile-time error sentinels (spec.md §7 "Compile errors").
var (
	ErrDuplicateOutput  = errors.New("duplicate output")
	ErrCycle            = errors.New("dependency cycle")
	ErrGeneratorBoundary = errors.New("generator step may not depend on a non-generator step, or vice versa")
	ErrUnknownPool      = errors.New("reference to undefined pool")
)

// CycleError carries the reconstructed cycle path "a -> b -> ... -> a".
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	s := e.Path[0]
	for _, p := range e.Path[1:] {
		s += " -> " + p
	}
	return fmt.Sprintf("%v: %s", ErrCycle, s)
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Compile validates and compiles a RawManifest into its immutable form,
// implementing the six steps of spec.md §4.3.
func Compile(raw *RawManifest) (*Compiled, error) {
	c := &Compiled{
		Outputs:  map[string]StepIndex{},
		Inputs:   map[string][]StepIndex{},
		Pools:    map[string]int{},
		BuildDir: raw.BuildDir,
	}
	for name, depth := range raw.Pools {
		if depth < 0 {
			return nil, errors.Errorf("pool %q: negative capacity", name)
		}
		c.Pools[name] = depth
	}
	c.SourceFiles = append(c.SourceFiles, raw.ManifestFiles...)

	c.Steps = make([]Step, len(raw.Steps))
	for i, rs := range raw.Steps {
		c.Steps[i] = compileStep(rs)
	}

	// 1. Output-path map; duplicate outputs are a compile error.
	for idx := range c.Steps {
		for _, out := range c.Steps[idx].Outputs {
			if prev, ok := c.Outputs[out]; ok {
				return nil, errors.Wrapf(ErrDuplicateOutput, "%q produced by step %d and step %d", out, prev, idx)
			}
			c.Outputs[out] = StepIndex(idx)
		}
	}

	// 2. Dependency edges, resolved through the output map. Paths that
	// don't resolve are source files, not edges.
	for idx := range c.Steps {
		s := &c.Steps[idx]
		depSet := map[StepIndex]bool{}
		for _, in := range s.AllDeclaredInputs() {
			if producer, ok := c.Outputs[in]; ok {
				depSet[producer] = true
			}
			c.Inputs[in] = append(c.Inputs[in], StepIndex(idx))
		}
		deps := make([]StepIndex, 0, len(depSet))
		for d := range depSet {
			deps = append(deps, d)
		}
		sort.Slice(deps, func(a, b int) bool { return deps[a] < deps[b] })
		s.Deps = deps
	}

	// Pool references must exist.
	for idx := range c.Steps {
		pool := c.Steps[idx].Pool
		if pool != "" && pool != "console" {
			if _, ok := c.Pools[pool]; !ok {
				return nil, errors.Wrapf(ErrUnknownPool, "step %d references pool %q", idx, pool)
			}
		}
	}

	// 3. Generator/non-generator boundary check, treating phony steps as
	// transparent.
	if err := checkGeneratorBoundary(c); err != nil {
		return nil, err
	}

	// 4. Cycle detection.
	if err := detectCycles(c); err != nil {
		return nil, err
	}

	// 5. Roots (not depended upon by anything) and defaults.
	c.Roots = roots(c)
	defaults, err := resolveTargets(c, raw.Defaults)
	if err != nil {
		return nil, err
	}
	c.Defaults = defaults

	// Manifest regenerator: the step (if any) whose outputs include one of
	// the source files that composed this manifest.
	for idx := range c.Steps {
		for _, out := range c.Steps[idx].Outputs {
			for _, sf := range c.SourceFiles {
				if out == Canonicalize(sf.Path) {
					si := StepIndex(idx)
					c.Regenerator = &si
				}
			}
		}
	}

	return c, nil
}

func compileStep(rs RawStep) Step {
	outs := make([]string, len(rs.Outputs))
	seenOut := map[string]bool{}
	n := 0
	for _, o := range rs.Outputs {
		co := Canonicalize(o)
		if seenOut[co] {
			continue
		}
		seenOut[co] = true
		outs[n] = co
		n++
	}
	outs = outs[:n]

	canon := func(in []string) []string {
		out := make([]string, len(in))
		for i, p := range in {
			out[i] = Canonicalize(p)
		}
		return out
	}

	s := Step{
		Command:        rs.Command,
		Description:    rs.Description,
		Pool:           rs.Pool,
		Depfile:        rs.Depfile,
		Rspfile:        rs.Rspfile,
		RspfileContent: rs.RspfileContent,
		Generator:      rs.Generator,
		Outputs:        outs,
		Inputs:         canon(rs.Inputs),
		ImplicitIns:    canon(rs.ImplicitIns),
		OrderOnlyIns:   canon(rs.OrderOnlyIns),
	}
	s.OutputDirs = outputDirs(s.Outputs)
	s.Hash = stepHash(&s)
	return s
}

// stepHash derives a step's stable identity from its command plus declared
// inputs/outputs, so that two textually-identical steps across manifest
// edits are recognized as "the same step" by the invocation log.
func stepHash(s *Step) hashutil.Hash {
	h := hashutil.NewHasher()
	write := func(ss []string) {
		for _, p := range ss {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	h.Write([]byte(s.Command))
	h.Write([]byte{0})
	write(s.Outputs)
	write(s.Inputs)
	write(s.ImplicitIns)
	return h.Sum()
}

func checkGeneratorBoundary(c *Compiled) error {
	for idx := range c.Steps {
		s := &c.Steps[idx]
		if s.IsPhony() {
			continue
		}
		for _, dep := range s.Deps {
			d := &c.Steps[dep]
			if d.IsPhony() {
				continue
			}
			if d.Generator != s.Generator {
				return errors.Wrapf(ErrGeneratorBoundary, "step %d (generator=%v) depends on step %d (generator=%v)", idx, s.Generator, dep, d.Generator)
			}
		}
	}
	return nil
}

func detectCycles(c *Compiled) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(c.Steps))
	var stack []StepIndex

	var visit func(StepIndex) error
	visit = func(idx StepIndex) error {
		color[idx] = gray
		stack = append(stack, idx)
		for _, dep := range c.Steps[idx].Deps {
			switch color[dep] {
			case gray:
				// Found a back-edge: reconstruct the cycle from the stack.
				var names []string
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				for _, s := range stack[start:] {
					names = append(names, stepLabel(c, s))
				}
				names = append(names, stepLabel(c, dep))
				return &CycleError{Path: names}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[idx] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for idx := range c.Steps {
		if color[idx] == white {
			if err := visit(StepIndex(idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

func stepLabel(c *Compiled, idx StepIndex) string {
	if len(c.Steps[idx].Outputs) > 0 {
		return c.Steps[idx].Outputs[0]
	}
	return fmt.Sprintf("<step %d>", idx)
}

func roots(c *Compiled) []StepIndex {
	dependedUpon := make([]bool, len(c.Steps))
	for idx := range c.Steps {
		for _, dep := range c.Steps[idx].Deps {
			dependedUpon[dep] = true
		}
	}
	var out []StepIndex
	for idx := range c.Steps {
		if !dependedUpon[idx] {
			out = append(out, StepIndex(idx))
		}
	}
	return out
}

func resolveTargets(c *Compiled, paths []string) ([]StepIndex, error) {
	out := make([]StepIndex, 0, len(paths))
	for _, p := range paths {
		idx, ok := c.Outputs[Canonicalize(p)]
		if !ok {
			return nil, errors.Errorf("unknown target: %q", p)
		}
		out = append(out, idx)
	}
	return out, nil
}
