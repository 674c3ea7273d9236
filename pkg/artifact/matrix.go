package artifact

import (
	"sort"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/fault"
)

func canonicalBytes(v any) ([]byte, error) {
	return canonicalize.Canonical(v)
}

// CompatFamily lists the versions one schema family supports.
type CompatFamily struct {
	Name     string `json:"name"`
	Versions []int  `json:"versions"`
}

// CompatMatrixCore enumerates every schema family a build can verify,
// ordered by name for a stable hash.
type CompatMatrixCore struct {
	Families []CompatFamily `json:"families"`
}

// CompatMatrixReport is the protocol compatibility matrix artifact.
type CompatMatrixReport struct {
	SchemaVersion    string           `json:"schemaVersion"`
	GeneratedAt      string           `json:"generatedAt"`
	CompatMatrixCore CompatMatrixCore `json:"compatMatrixCore"`
	CompatMatrixHash string           `json:"compatMatrixHash"`
}

// BuildCompatMatrixReport renders the Supported table as an artifact.
func BuildCompatMatrixReport(generatedAt string) (CompatMatrixReport, error) {
	core := CompatMatrixCore{Families: make([]CompatFamily, 0, len(Supported))}
	for name, versions := range Supported {
		vs := make([]int, len(versions))
		copy(vs, versions)
		sort.Ints(vs)
		core.Families = append(core.Families, CompatFamily{Name: name, Versions: vs})
	}
	sort.Slice(core.Families, func(i, j int) bool { return core.Families[i].Name < core.Families[j].Name })

	hash, err := Seal(core)
	if err != nil {
		return CompatMatrixReport{}, err
	}
	return CompatMatrixReport{
		SchemaVersion:    SchemaCompatMatrix,
		GeneratedAt:      generatedAt,
		CompatMatrixCore: core,
		CompatMatrixHash: hash,
	}, nil
}

// VerifyCompatMatrixReport rechecks the seal and the name ordering.
func VerifyCompatMatrixReport(rep CompatMatrixReport) *fault.Report {
	r := fault.NewReport()
	if !CheckVersion(r, "schemaVersion", rep.SchemaVersion, SchemaCompatMatrix) {
		return r
	}
	CheckSeal(r, "compatMatrixHash", rep.CompatMatrixCore, rep.CompatMatrixHash)
	fams := rep.CompatMatrixCore.Families
	for i := 1; i < len(fams); i++ {
		if fams[i-1].Name >= fams[i].Name {
			r.AddError(fault.CodeSchemaInvalid, "compatMatrixCore.families",
				"families are not ordered by name")
			break
		}
	}
	return r
}
