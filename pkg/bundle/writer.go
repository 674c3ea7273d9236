// Package bundle builds and reads proof bundle ZIP archives.
//
// Writers are deterministic: store-only compression, a fixed modification
// time, fixed file attributes, and entries ordered lexicographically by path.
// Two bundles built from identical inputs are byte-identical, so bundle
// digests are stable across hosts and runs.
package bundle

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/settld-labs/settld/pkg/fault"
)

// FixedModTime is stamped on every entry so archive bytes never depend on the
// build clock.
var FixedModTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const entryMode = 0o644

// Writer collects entries and emits a deterministic ZIP archive. Entries are
// buffered so Close can order them by path regardless of Add order.
type Writer struct {
	entries map[string][]byte
}

func NewWriter() *Writer {
	return &Writer{entries: make(map[string][]byte)}
}

// Add stages an entry. Paths must be safe (relative, forward slashes, NFC)
// and unique.
func (w *Writer) Add(path string, data []byte) error {
	if err := validateEntryPath(path); err != nil {
		return err
	}
	if _, ok := w.entries[path]; ok {
		return fault.New(fault.CodeZipUnsafeEntry, fmt.Sprintf("duplicate entry %q", path)).
			With("entry", path)
	}
	w.entries[path] = bytes.Clone(data)
	return nil
}

// Paths returns the staged entry paths in archive order.
func (w *Writer) Paths() []string {
	paths := make([]string, 0, len(w.entries))
	for p := range w.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// WriteTo writes the archive. Store-only entries, fixed mtime and mode, paths
// in lexicographic order.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: out}
	zw := zip.NewWriter(cw)
	for _, path := range w.Paths() {
		hdr := &zip.FileHeader{
			Name:     path,
			Method:   zip.Store,
			Modified: FixedModTime,
		}
		hdr.SetMode(entryMode)
		f, err := zw.CreateHeader(hdr)
		if err != nil {
			return cw.n, err
		}
		if _, err := f.Write(w.entries[path]); err != nil {
			return cw.n, err
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Bytes renders the archive in memory.
func (w *Writer) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
