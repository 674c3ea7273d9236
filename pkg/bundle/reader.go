package bundle

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/settld-labs/settld/pkg/fault"
)

// Budget bounds what a SafeReader will accept from an untrusted archive. Zero
// fields mean "use the default"; use Unlimited explicitly if a caller really
// wants no bound.
type Budget struct {
	MaxEntries          int
	MaxPathBytes        int
	MaxFileBytes        int64
	MaxTotalBytes       int64
	MaxCompressionRatio float64
}

// DefaultBudget is sized for proof bundles: a handful of JSON documents plus
// evidence files.
func DefaultBudget() Budget {
	return Budget{
		MaxEntries:          512,
		MaxPathBytes:        255,
		MaxFileBytes:        64 << 20,
		MaxTotalBytes:       256 << 20,
		MaxCompressionRatio: 100,
	}
}

func (b Budget) withDefaults() Budget {
	def := DefaultBudget()
	if b.MaxEntries == 0 {
		b.MaxEntries = def.MaxEntries
	}
	if b.MaxPathBytes == 0 {
		b.MaxPathBytes = def.MaxPathBytes
	}
	if b.MaxFileBytes == 0 {
		b.MaxFileBytes = def.MaxFileBytes
	}
	if b.MaxTotalBytes == 0 {
		b.MaxTotalBytes = def.MaxTotalBytes
	}
	if b.MaxCompressionRatio == 0 {
		b.MaxCompressionRatio = def.MaxCompressionRatio
	}
	return b
}

// SafeReader reads untrusted ZIP archives under a Budget. Every entry path is
// validated up front; sizes are enforced both against declared headers and
// during the actual read, so a lying header cannot smuggle extra bytes.
type SafeReader struct {
	zr     *zip.Reader
	budget Budget
	byPath map[string]*zip.File
}

// OpenReader validates archive structure against the budget and returns a
// reader. Validation failures carry ZIP_UNSAFE_ENTRY or ZIP_BUDGET_EXCEEDED.
func OpenReader(data []byte, budget Budget) (*SafeReader, error) {
	budget = budget.withDefaults()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(fault.CodeZipUnsafeEntry, "not a readable zip archive", err)
	}
	if len(zr.File) > budget.MaxEntries {
		return nil, fault.New(fault.CodeZipBudgetExceeded,
			fmt.Sprintf("archive has %d entries, budget allows %d", len(zr.File), budget.MaxEntries)).
			With("entries", len(zr.File)).
			With("maxEntries", budget.MaxEntries)
	}

	byPath := make(map[string]*zip.File, len(zr.File))
	var declaredTotal int64
	for _, f := range zr.File {
		if err := validateEntryPath(f.Name); err != nil {
			return nil, err
		}
		if len(f.Name) > budget.MaxPathBytes {
			return nil, fault.New(fault.CodeZipBudgetExceeded,
				fmt.Sprintf("entry path %q exceeds %d bytes", f.Name, budget.MaxPathBytes)).
				With("entry", f.Name)
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return nil, fault.New(fault.CodeZipUnsafeEntry,
				fmt.Sprintf("entry %q is a symlink", f.Name)).
				With("entry", f.Name)
		}
		if _, dup := byPath[f.Name]; dup {
			return nil, fault.New(fault.CodeZipUnsafeEntry,
				fmt.Sprintf("duplicate entry %q", f.Name)).
				With("entry", f.Name)
		}
		size := int64(f.UncompressedSize64)
		if size > budget.MaxFileBytes {
			return nil, fault.New(fault.CodeZipBudgetExceeded,
				fmt.Sprintf("entry %q declares %d bytes, budget allows %d", f.Name, size, budget.MaxFileBytes)).
				With("entry", f.Name).
				With("maxFileBytes", budget.MaxFileBytes)
		}
		if f.CompressedSize64 > 0 {
			ratio := float64(f.UncompressedSize64) / float64(f.CompressedSize64)
			if ratio > budget.MaxCompressionRatio {
				return nil, fault.New(fault.CodeZipBudgetExceeded,
					fmt.Sprintf("entry %q compression ratio %.1f exceeds %.1f", f.Name, ratio, budget.MaxCompressionRatio)).
					With("entry", f.Name)
			}
		}
		declaredTotal += size
		if declaredTotal > budget.MaxTotalBytes {
			return nil, fault.New(fault.CodeZipBudgetExceeded,
				fmt.Sprintf("archive declares more than %d total bytes", budget.MaxTotalBytes)).
				With("maxTotalBytes", budget.MaxTotalBytes)
		}
		byPath[f.Name] = f
	}
	return &SafeReader{zr: zr, budget: budget, byPath: byPath}, nil
}

// Paths lists entry paths in lexicographic order.
func (r *SafeReader) Paths() []string {
	paths := make([]string, 0, len(r.byPath))
	for p := range r.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Has reports whether the archive contains path.
func (r *SafeReader) Has(path string) bool {
	_, ok := r.byPath[path]
	return ok
}

// Read extracts one entry, enforcing the file-size budget on the actual
// stream rather than the declared header.
func (r *SafeReader) Read(path string) ([]byte, error) {
	f, ok := r.byPath[path]
	if !ok {
		return nil, fault.New(fault.CodeZipUnsafeEntry, fmt.Sprintf("no entry %q", path)).
			With("entry", path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fault.Wrap(fault.CodeZipUnsafeEntry, fmt.Sprintf("open entry %q", path), err)
	}
	defer func() { _ = rc.Close() }()

	limited := io.LimitReader(rc, r.budget.MaxFileBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fault.Wrap(fault.CodeZipUnsafeEntry, fmt.Sprintf("read entry %q", path), err)
	}
	if int64(len(data)) > r.budget.MaxFileBytes {
		return nil, fault.New(fault.CodeZipBudgetExceeded,
			fmt.Sprintf("entry %q larger than declared, budget allows %d bytes", path, r.budget.MaxFileBytes)).
			With("entry", path).
			With("maxFileBytes", r.budget.MaxFileBytes)
	}
	return data, nil
}

// ReadAll extracts every entry keyed by path, enforcing the total budget over
// actual bytes.
func (r *SafeReader) ReadAll() (map[string][]byte, error) {
	out := make(map[string][]byte, len(r.byPath))
	var total int64
	for _, path := range r.Paths() {
		data, err := r.Read(path)
		if err != nil {
			return nil, err
		}
		total += int64(len(data))
		if total > r.budget.MaxTotalBytes {
			return nil, fault.New(fault.CodeZipBudgetExceeded,
				fmt.Sprintf("archive exceeds %d total bytes", r.budget.MaxTotalBytes)).
				With("maxTotalBytes", r.budget.MaxTotalBytes)
		}
		out[path] = data
	}
	return out, nil
}

// validateEntryPath rejects anything that could escape an extraction root or
// make two archives with the same logical content differ: absolute paths,
// traversal, backslashes, directory entries, and non-NFC names.
func validateEntryPath(path string) error {
	unsafe := func(reason string) error {
		return fault.New(fault.CodeZipUnsafeEntry,
			fmt.Sprintf("unsafe entry path %q: %s", path, reason)).
			With("entry", path)
	}
	switch {
	case path == "":
		return unsafe("empty")
	case strings.HasPrefix(path, "/"):
		return unsafe("absolute")
	case strings.Contains(path, "\\"):
		return unsafe("backslash separator")
	case strings.HasSuffix(path, "/"):
		return unsafe("directory entry")
	case !norm.NFC.IsNormalString(path):
		return unsafe("not NFC-normalized")
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			return unsafe("empty path segment")
		}
		if part == "." || part == ".." {
			return unsafe("relative path segment")
		}
	}
	return nil
}
