package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/pkg/errors"
)

// formatVersion is bumped whenever the gob-encoded payload shape changes in
// a way that is not forward compatible; a mismatch discards the precompile
// cache (spec.md §6.2).
const formatVersion uint64 = 1

// gobPayload is the gob-friendly mirror of Compiled; Compiled itself keeps
// unexported invariants (e.g. map consistency) that are rebuilt on Load
// rather than trusted from the wire.
type gobPayload struct {
	Steps       []Step
	Defaults    []StepIndex
	Roots       []StepIndex
	Pools       map[string]int
	BuildDir    string
	Regenerator *StepIndex
	SourceFiles []SourceFile
}

// Marshal serializes c into the compiled-manifest wire format: a
// little-endian u64 version followed by a gob-encoded payload (spec.md
// §6.2). The lookup maps (Outputs/Inputs) are not serialized; Load
// reconstructs them from Steps, which is both smaller on disk and
// guarantees the maps can never drift from the steps they index.
func Marshal(c *Compiled) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, formatVersion); err != nil {
		return nil, err
	}
	payload := gobPayload{
		Steps:       c.Steps,
		Defaults:    c.Defaults,
		Roots:       c.Roots,
		Pools:       c.Pools,
		BuildDir:    c.BuildDir,
		Regenerator: c.Regenerator,
		SourceFiles: c.SourceFiles,
	}
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, errors.Wrap(err, "encode compiled manifest")
	}
	return buf.Bytes(), nil
}

// ErrVersionMismatch means the precompile cache was written by an
// incompatible version of this tool and must be discarded (spec.md §7).
var ErrVersionMismatch = errors.New("compiled manifest: version mismatch")

// Load validates and decodes bytes produced by Marshal.
func Load(b []byte) (*Compiled, error) {
	if len(b) < 8 {
		return nil, errors.New("compiled manifest: truncated header")
	}
	version := binary.LittleEndian.Uint64(b[:8])
	if version != formatVersion {
		return nil, ErrVersionMismatch
	}

	var payload gobPayload
	if err := gob.NewDecoder(bytes.NewReader(b[8:])).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decode compiled manifest")
	}

	c := &Compiled{
		Steps:       payload.Steps,
		Defaults:    payload.Defaults,
		Roots:       payload.Roots,
		Pools:       payload.Pools,
		BuildDir:    payload.BuildDir,
		Regenerator: payload.Regenerator,
		SourceFiles: payload.SourceFiles,
		Outputs:     map[string]StepIndex{},
		Inputs:      map[string][]StepIndex{},
	}

	n := StepIndex(len(c.Steps))
	checkIdx := func(idx StepIndex, what string) error {
		if idx < 0 || idx >= n {
			return errors.Errorf("compiled manifest: %s index %d out of bounds (have %d steps)", what, idx, n)
		}
		return nil
	}
	for _, idx := range c.Defaults {
		if err := checkIdx(idx, "default"); err != nil {
			return nil, err
		}
	}
	for _, idx := range c.Roots {
		if err := checkIdx(idx, "root"); err != nil {
			return nil, err
		}
	}
	if c.Regenerator != nil {
		if err := checkIdx(*c.Regenerator, "manifest-regenerator"); err != nil {
			return nil, err
		}
	}
	for idx := range c.Steps {
		for _, dep := range c.Steps[idx].Deps {
			if err := checkIdx(dep, "dependency"); err != nil {
				return nil, err
			}
		}
		for _, out := range c.Steps[idx].Outputs {
			c.Outputs[out] = StepIndex(idx)
		}
		for _, in := range c.Steps[idx].AllDeclaredInputs() {
			c.Inputs[in] = append(c.Inputs[in], StepIndex(idx))
		}
	}
	for name, depth := range c.Pools {
		if depth < 0 {
			return nil, errors.Errorf("compiled manifest: pool %q has negative capacity", name)
		}
	}
	return c, nil
}
