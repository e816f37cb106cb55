// Package manifesttest provides a fluent builder for manifest.RawStep
// values, grounded on original_source's manifest/step_builder.{h,cpp}, so
// tests across the engine don't need to hand-write the YAML surface
// syntax just to get a RawManifest.
package manifesttest

import "github.com/nbuild/nbuild/internal/manifest"

// StepBuilder builds one manifest.RawStep.
type StepBuilder struct {
	step manifest.RawStep
}

// Step starts a new builder.
func Step() *StepBuilder {
	return &StepBuilder{}
}

func (b *StepBuilder) Outputs(paths ...string) *StepBuilder {
	b.step.Outputs = append(b.step.Outputs, paths...)
	return b
}

func (b *StepBuilder) Inputs(paths ...string) *StepBuilder {
	b.step.Inputs = append(b.step.Inputs, paths...)
	return b
}

func (b *StepBuilder) ImplicitIns(paths ...string) *StepBuilder {
	b.step.ImplicitIns = append(b.step.ImplicitIns, paths...)
	return b
}

func (b *StepBuilder) OrderOnlyIns(paths ...string) *StepBuilder {
	b.step.OrderOnlyIns = append(b.step.OrderOnlyIns, paths...)
	return b
}

func (b *StepBuilder) Command(cmd string) *StepBuilder {
	b.step.Command = cmd
	return b
}

func (b *StepBuilder) Pool(name string) *StepBuilder {
	b.step.Pool = name
	return b
}

func (b *StepBuilder) Depfile(path string) *StepBuilder {
	b.step.Depfile = path
	return b
}

func (b *StepBuilder) Rspfile(path, content string) *StepBuilder {
	b.step.Rspfile = path
	b.step.RspfileContent = content
	return b
}

func (b *StepBuilder) Generator() *StepBuilder {
	b.step.Generator = true
	return b
}

// Build returns the constructed RawStep.
func (b *StepBuilder) Build() manifest.RawStep {
	return b.step
}

// Manifest collects a list of built steps into a RawManifest.
func Manifest(buildDir string, steps ...manifest.RawStep) *manifest.RawManifest {
	return &manifest.RawManifest{BuildDir: buildDir, Steps: steps}
}
