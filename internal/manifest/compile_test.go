package manifest_test

import (
	"strings"
	"testing"

	"github.com/nbuild/nbuild/internal/manifest"
	"github.com/nbuild/nbuild/internal/manifest/manifesttest"
)

func TestCompile_SingleChain(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("one").Command("cmd1").Build(),
		manifesttest.Step().Outputs("two").Inputs("one").Command("cmd2").Build(),
	)
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Steps[1].Deps) != 1 || c.Steps[1].Deps[0] != 0 {
		t.Fatalf("expected step two to depend on step one, got %v", c.Steps[1].Deps)
	}
	if len(c.Roots) != 1 || c.Roots[0] != 1 {
		t.Fatalf("expected step two (index 1) to be the only root, got %v", c.Roots)
	}
}

func TestCompile_DuplicateOutputIsError(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("dup").Command("a").Build(),
		manifesttest.Step().Outputs("dup").Command("b").Build(),
	)
	_, err := manifest.Compile(raw)
	if err == nil || !strings.Contains(err.Error(), "duplicate output") {
		t.Fatalf("expected duplicate output error, got %v", err)
	}
}

func TestCompile_CycleLength1(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("out").Inputs("out").Command("cmd").Build(),
	)
	_, err := manifest.Compile(raw)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var ce *manifest.CycleError
	if !asCycleError(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

func TestCompile_CycleLength2(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("a").Inputs("b").Command("cmd").Build(),
		manifesttest.Step().Outputs("b").Inputs("a").Command("cmd").Build(),
	)
	_, err := manifest.Compile(raw)
	var ce *manifest.CycleError
	if !asCycleError(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(ce.Path) < 3 {
		t.Fatalf("expected a reconstructed a -> b -> a path, got %v", ce.Path)
	}
}

func TestCompile_GeneratorBoundaryViolation(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("build.ninja").Command("gen").Generator().Build(),
		manifesttest.Step().Outputs("app").Inputs("build.ninja").Command("cc").Build(),
	)
	_, err := manifest.Compile(raw)
	if err == nil || !strings.Contains(err.Error(), "generator") {
		t.Fatalf("expected generator boundary error, got %v", err)
	}
}

func TestCompile_PathCanonicalization(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("a/../b").Command("cmd1").Build(),
		manifesttest.Step().Outputs("c").Inputs("b").Command("cmd2").Build(),
	)
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Outputs["b"]; !ok {
		t.Fatalf("expected canonicalized output %q, got %v", "b", c.Outputs)
	}
	if len(c.Steps[1].Deps) != 1 {
		t.Fatalf("expected the canonicalized path to resolve to a dependency edge")
	}
}

func TestMarshalLoad_RoundTrips(t *testing.T) {
	raw := manifesttest.Manifest("out",
		manifesttest.Step().Outputs("one").Command("cmd1").Build(),
		manifesttest.Step().Outputs("two").Inputs("one").Command("cmd2").Build(),
	)
	c, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := manifest.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := manifest.Load(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Steps) != len(c.Steps) {
		t.Fatalf("step count mismatch after round trip: %d != %d", len(loaded.Steps), len(c.Steps))
	}
	if loaded.Outputs["two"] != c.Outputs["two"] {
		t.Fatalf("outputs map mismatch after round trip")
	}
}

func asCycleError(err error, out **manifest.CycleError) bool {
	for err != nil {
		if ce, ok := err.(*manifest.CycleError); ok {
			*out = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
