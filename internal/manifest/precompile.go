package manifest

import (
	"os"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
)

// Source loads raw manifest bytes and parses them into a RawManifest; the
// YAML frontend (ParseYAML) is the concrete implementation used by
// cmd/nbuild, but ParseAndCompile is parameterized over it so tests can
// supply a RawManifest directly.
type Source interface {
	Parse(manifestPath string) (*RawManifest, error)
}

// ParseAndCompile implements spec.md §4.3 "Precompile cache": it reuses
// compiledPath's contents if they exist, carry a matching version header,
// and are newer than every manifest source file; otherwise it reparses,
// recompiles, and atomically rewrites compiledPath via renameio so a crash
// mid-write never corrupts the cache.
func ParseAndCompile(src Source, manifestPath, compiledPath string) (*Compiled, []byte, error) {
	raw, err := src.Parse(manifestPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse manifest")
	}

	if cached, ok := tryReuse(compiledPath, raw.ManifestFiles); ok {
		return cached, nil, nil
	}

	c, err := Compile(raw)
	if err != nil {
		return nil, nil, err
	}
	buf, err := Marshal(c)
	if err != nil {
		return nil, nil, err
	}
	if compiledPath != "" {
		if err := renameio.WriteFile(compiledPath, buf, 0o644); err != nil {
			return nil, nil, errors.Wrap(err, "write compiled manifest cache")
		}
	}
	return c, buf, nil
}

func tryReuse(compiledPath string, sources []SourceFile) (*Compiled, bool) {
	if compiledPath == "" {
		return nil, false
	}
	info, err := os.Stat(compiledPath)
	if err != nil {
		return nil, false
	}
	for _, sf := range sources {
		if time.Unix(0, sf.MTime).After(info.ModTime()) {
			return nil, false
		}
	}
	b, err := os.ReadFile(compiledPath)
	if err != nil {
		return nil, false
	}
	c, err := Load(b)
	if err != nil {
		return nil, false
	}
	return c, true
}
