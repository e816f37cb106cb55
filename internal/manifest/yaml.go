package manifest

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// yamlStep is the surface syntax for one step in the YAML manifest format
// documented in SPEC_FULL.md §3b.
type yamlStep struct {
	Outputs        []string `yaml:"outputs"`
	Inputs         []string `yaml:"inputs"`
	ImplicitIns    []string `yaml:"implicit_inputs"`
	OrderOnlyIns   []string `yaml:"order_only_inputs"`
	Command        string   `yaml:"command"`
	Description    string   `yaml:"description"`
	Pool           string   `yaml:"pool"`
	Depfile        string   `yaml:"depfile"`
	Rspfile        string   `yaml:"rspfile"`
	RspfileContent string   `yaml:"rspfile_content"`
	Generator      bool     `yaml:"generator"`
}

type yamlManifest struct {
	BuildDir string         `yaml:"build_dir"`
	Pools    map[string]int `yaml:"pools"`
	Steps    []yamlStep     `yaml:"steps"`
	Defaults []string       `yaml:"defaults"`
}

// YAMLSource is the Source implementation backed by the real filesystem,
// used by cmd/nbuild.
type YAMLSource struct{}

func (YAMLSource) Parse(manifestPath string) (*RawManifest, error) {
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(manifestPath)
	if err != nil {
		return nil, err
	}
	raw, err := ParseYAML(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", manifestPath)
	}
	raw.ManifestFiles = []SourceFile{{Path: filepath.Clean(manifestPath), MTime: info.ModTime().UnixNano()}}
	return raw, nil
}

// ParseYAML parses the SPEC_FULL.md §3b manifest surface syntax into a
// RawManifest, the input Compile expects. This is a thin frontend: it adds
// no semantics beyond translating one textual shape into the already
// fully-specified raw-manifest struct.
func ParseYAML(b []byte) (*RawManifest, error) {
	var ym yamlManifest
	if err := yaml.Unmarshal(b, &ym); err != nil {
		return nil, err
	}

	raw := &RawManifest{
		BuildDir: ym.BuildDir,
		Pools:    ym.Pools,
		Defaults: ym.Defaults,
	}
	for _, ys := range ym.Steps {
		raw.Steps = append(raw.Steps, RawStep{
			Outputs:        ys.Outputs,
			Inputs:         ys.Inputs,
			ImplicitIns:    ys.ImplicitIns,
			OrderOnlyIns:   ys.OrderOnlyIns,
			Command:        ys.Command,
			Description:    ys.Description,
			Pool:           ys.Pool,
			Depfile:        ys.Depfile,
			Rspfile:        ys.Rspfile,
			RspfileContent: ys.RspfileContent,
			Generator:      ys.Generator,
		})
	}
	return raw, nil
}
