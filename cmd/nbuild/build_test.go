package main

import (
	"testing"

	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/nbuild/nbuild/internal/manifest/manifesttest"
)

func compileFixture(t *testing.T) *manifest.Compiled {
	t.Helper()
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("a.o").Command("cc a").Build(),
		manifesttest.Step().Outputs("app").Inputs("a.o").Command("link").Build(),
	)
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestResolveTargets_DefaultsToManifestDefaults(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("a.o").Command("cc a").Build(),
		manifesttest.Step().Outputs("app").Inputs("a.o").Command("link").Build(),
	)
	raw.Defaults = []string{"a.o"}
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}

	targets, err := resolveTargets(c, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0] != c.Outputs["a.o"] {
		t.Fatalf("expected the manifest default target, got %v", targets)
	}
}

func TestResolveTargets_FallsBackToRootsWithNoDefaults(t *testing.T) {
	c := compileFixture(t)
	targets, err := resolveTargets(c, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != len(c.Roots) {
		t.Fatalf("expected every root step, got %v", targets)
	}
}

func TestResolveTargets_ExplicitArgsOverrideDefaults(t *testing.T) {
	c := compileFixture(t)
	targets, err := resolveTargets(c, []string{"a.o"})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0] != c.Outputs["a.o"] {
		t.Fatalf("expected the explicitly requested target, got %v", targets)
	}
}

func TestResolveTargets_UnknownTargetIsAnError(t *testing.T) {
	c := compileFixture(t)
	if _, err := resolveTargets(c, []string{"does-not-exist"}); err == nil {
		t.Fatal("expected an error for an unknown target")
	}
}

func TestDefaultIgnoredPrefixes_IncludesSystemDirectories(t *testing.T) {
	prefixes := defaultIgnoredPrefixes()
	want := map[string]bool{"/proc/": true, "/sys/": true, "/dev/": true}
	for _, p := range prefixes {
		delete(want, p)
	}
	if len(want) != 0 {
		t.Fatalf("missing expected prefixes: %v", want)
	}
}
