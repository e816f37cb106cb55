package manifest

// Compiled is the manifest in its immutable, index-addressable,
// serializable form (spec.md §3 "CompiledManifest").
type Compiled struct {
	Steps []Step

	// Outputs maps a canonicalized output path to the single step that
	// produces it (invariant: at most one producer per path).
	Outputs map[string]StepIndex

	// Inputs maps a canonicalized path to every step that consumes it as a
	// declared input.
	Inputs map[string][]StepIndex

	Defaults []StepIndex
	Roots    []StepIndex
	Pools    map[string]int
	BuildDir string

	// Regenerator is the step (if any) whose output is the manifest source
	// itself; when present it must run, and the manifest recompiled,
	// before anything else (spec.md §8 scenario 6).
	Regenerator *StepIndex

	SourceFiles []SourceFile
}

// Step returns the step at idx.
func (c *Compiled) Step(idx StepIndex) *Step {
	return &c.Steps[idx]
}

// ConsoleCapacity is the built-in "console" pool's fixed capacity: a
// console-using step always gets exclusive access to the terminal.
const ConsoleCapacity = 1

// PoolCapacity returns the capacity for name, treating the unnamed pool as
// unrestricted (0 meaning "no limit" per spec.md §4.7) and "console" as
// always capacity 1 regardless of what the manifest declared.
func (c *Compiled) PoolCapacity(name string) int {
	if name == "" {
		return 0
	}
	if name == "console" {
		return ConsoleCapacity
	}
	return c.Pools[name]
}
