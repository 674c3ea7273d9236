package conform

import (
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/settld-labs/settld/pkg/fault"
)

// HarnessVersion is this harness's semver, gated against the pack's
// minHarnessVersion.
const HarnessVersion = "1.0.0"

// PackManifest describes a conformance pack directory: pack.yaml plus case
// files and bundle fixtures, all referenced relative to the pack root.
type PackManifest struct {
	Name              string   `yaml:"name"`
	Version           string   `yaml:"version"`
	MinHarnessVersion string   `yaml:"minHarnessVersion"`
	Cases             []string `yaml:"cases"`
}

// Pack is a loaded conformance pack.
type Pack struct {
	Root     string
	Manifest PackManifest
	Cases    []Case
}

// LoadPack reads pack.yaml from dir, gates the harness version, and loads
// every referenced case.
func LoadPack(dir string) (*Pack, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "pack.yaml"))
	if err != nil {
		return nil, fault.Wrap(fault.CodeSchemaInvalid, "pack.yaml unreadable", err)
	}
	var man PackManifest
	if err := yaml.Unmarshal(raw, &man); err != nil {
		return nil, fault.Wrap(fault.CodeSchemaInvalid, "pack.yaml does not parse", err)
	}
	if man.Name == "" || man.Version == "" {
		return nil, fault.New(fault.CodeSchemaInvalid, "pack.yaml needs name and version")
	}
	if man.MinHarnessVersion != "" {
		floor, err := semver.NewVersion(man.MinHarnessVersion)
		if err != nil {
			return nil, fault.Wrap(fault.CodeSchemaInvalid, "minHarnessVersion is not semver", err)
		}
		if semver.MustParse(HarnessVersion).LessThan(floor) {
			return nil, fault.Newf(fault.CodeUnsupportedSchemaVersion,
				"pack requires harness >= %s, this harness is %s", man.MinHarnessVersion, HarnessVersion)
		}
	}
	p := &Pack{Root: dir, Manifest: man}
	for _, rel := range man.Cases {
		c, err := LoadCase(filepath.Join(dir, rel))
		if err != nil {
			return nil, fault.Wrap(fault.CodeSchemaInvalid, "case "+rel, err)
		}
		p.Cases = append(p.Cases, c)
	}
	return p, nil
}
