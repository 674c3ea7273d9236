package bundle

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/fault"
)

// ManifestPath is the well-known manifest entry name inside every bundle.
const ManifestPath = "manifest.json"

// ManifestSchemaVersion identifies the manifest document format.
const ManifestSchemaVersion = "BundleManifest.v1"

// ManifestFile binds one archive entry to its role and digest.
type ManifestFile struct {
	Path   string `json:"path"`
	Role   string `json:"role"`
	SHA256 string `json:"sha256"`
}

// Manifest is the bundle table of contents. Files are ordered by path so the
// manifest bytes are deterministic.
type Manifest struct {
	SchemaVersion string         `json:"schemaVersion"`
	GeneratedAt   string         `json:"generatedAt"`
	Files         []ManifestFile `json:"files"`
}

// Entry is one file staged into a bundle.
type Entry struct {
	Path string
	Role string
	Data []byte
}

// Write assembles a deterministic bundle: manifest.json plus every entry,
// digests computed over entry bytes.
func Write(generatedAt string, entries []Entry) ([]byte, error) {
	w := NewWriter()
	man := Manifest{
		SchemaVersion: ManifestSchemaVersion,
		GeneratedAt:   generatedAt,
		Files:         make([]ManifestFile, 0, len(entries)),
	}
	for _, e := range entries {
		if e.Path == ManifestPath {
			return nil, fault.New(fault.CodeZipUnsafeEntry,
				fmt.Sprintf("entry path %q is reserved", ManifestPath)).
				With("entry", e.Path)
		}
		if err := w.Add(e.Path, e.Data); err != nil {
			return nil, err
		}
		man.Files = append(man.Files, ManifestFile{
			Path:   e.Path,
			Role:   e.Role,
			SHA256: canonicalize.HashBytes(e.Data),
		})
	}
	sort.Slice(man.Files, func(i, j int) bool { return man.Files[i].Path < man.Files[j].Path })

	manBytes, err := canonicalize.Canonical(man)
	if err != nil {
		return nil, err
	}
	if err := w.Add(ManifestPath, manBytes); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// Open reads a bundle under the budget and returns its manifest and files.
func Open(data []byte, budget Budget) (Manifest, map[string][]byte, error) {
	r, err := OpenReader(data, budget)
	if err != nil {
		return Manifest{}, nil, err
	}
	files, err := r.ReadAll()
	if err != nil {
		return Manifest{}, nil, err
	}
	raw, ok := files[ManifestPath]
	if !ok {
		return Manifest{}, nil, fault.New(fault.CodeSchemaInvalid,
			fmt.Sprintf("bundle has no %s", ManifestPath))
	}
	var man Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return Manifest{}, nil, fault.Wrap(fault.CodeSchemaInvalid, "manifest is not valid JSON", err)
	}
	return man, files, nil
}

// VerifyManifest checks the manifest against extracted files: version, digest
// per file, no missing and no undeclared entries.
func VerifyManifest(man Manifest, files map[string][]byte) *fault.Report {
	rep := fault.NewReport()
	if man.SchemaVersion != ManifestSchemaVersion {
		rep.AddError(fault.CodeUnsupportedSchemaVersion, "schemaVersion",
			fmt.Sprintf("expected %q, got %q", ManifestSchemaVersion, man.SchemaVersion))
		return rep
	}
	declared := make(map[string]bool, len(man.Files))
	for i, mf := range man.Files {
		path := fmt.Sprintf("files[%d]", i)
		if declared[mf.Path] {
			rep.AddError(fault.CodeSchemaInvalid, path,
				fmt.Sprintf("path %q declared twice", mf.Path))
			continue
		}
		declared[mf.Path] = true
		data, ok := files[mf.Path]
		if !ok {
			rep.AddError(fault.CodeArtifactHashMismatch, path,
				fmt.Sprintf("declared file %q missing from archive", mf.Path))
			continue
		}
		if got := canonicalize.HashBytes(data); got != mf.SHA256 {
			rep.AddError(fault.CodeArtifactHashMismatch, path,
				fmt.Sprintf("file %q digest mismatch: manifest %s, archive %s", mf.Path, mf.SHA256, got))
		}
	}
	for path := range files {
		if path == ManifestPath || declared[path] {
			continue
		}
		rep.AddError(fault.CodeSchemaInvalid, "files",
			fmt.Sprintf("archive entry %q not declared in manifest", path))
	}
	return rep
}
