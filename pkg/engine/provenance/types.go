package provenance

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/DrSkyle/whichscript/pkg/config"
)

// UnknownScript is the sentinel script path used when neither an override
// nor an invoking source file is available.
const UnknownScript = "unknown/interactive"

// Runtime identifies the process that captured the record.
type Runtime struct {
	Interpreter string `json:"interpreter"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	MainModule  string `json:"main_module,omitempty"`
}

// VCSState is the version-control state of the script's working tree.
type VCSState struct {
	Commit string `json:"commit"`
	Dirty  bool   `json:"dirty"`
}

// OpenParams records how the tracked output was opened.
type OpenParams struct {
	Flag string `json:"flag"`
	Perm string `json:"perm"`
}

// Record describes what produced one tracked write. It is built fresh per
// write and never mutated afterwards.
type Record struct {
	ScriptPath string
	ScriptHash string
	CapturedAt time.Time
	Runtime    Runtime
	VCS        *VCSState
	OutputPath string
	OpenParams *OpenParams
	Config     config.Config

	snapshot []byte
}

// Snapshot returns a copy of the script bytes captured at write time.
func (r Record) Snapshot() []byte {
	return bytes.Clone(r.snapshot)
}

// HasSnapshot reports whether there is script content to copy.
func (r Record) HasSnapshot() bool {
	return len(r.snapshot) > 0
}

// KnownScript reports whether the record names a script rather than the sentinel.
func (r Record) KnownScript() bool {
	return r.ScriptPath != "" && r.ScriptPath != UnknownScript
}

// Metadata is the JSON document written to X.metadata.json and to the
// metadata.json entry of every archive bundle.
type Metadata struct {
	ScriptPath   *string       `json:"script_path"`
	ScriptHash   string        `json:"script_hash"`
	CapturedAt   string        `json:"captured_at"`
	Runtime      Runtime       `json:"runtime"`
	VCS          *VCSState     `json:"vcs"`
	OutputPath   string        `json:"output_path"`
	OpenParams   *OpenParams   `json:"open_params,omitempty"`
	Config       config.Config `json:"config"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

// Metadata renders the record; deps are the archive-relative dependency paths.
func (r Record) Metadata(deps []string) Metadata {
	m := Metadata{
		ScriptHash:   r.ScriptHash,
		CapturedAt:   r.CapturedAt.UTC().Format(time.RFC3339Nano),
		Runtime:      r.Runtime,
		VCS:          r.VCS,
		OutputPath:   r.OutputPath,
		OpenParams:   r.OpenParams,
		Config:       r.Config,
		Dependencies: deps,
	}
	if r.KnownScript() {
		p := r.ScriptPath
		m.ScriptPath = &p
	}
	return m
}

// Marshal encodes the document as indented JSON with a trailing newline.
func (m Metadata) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
