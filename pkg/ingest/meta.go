package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/settld-labs/settld/pkg/fault"
)

func (s *Service) readMeta(zipSha256 string) (meta, bool, error) {
	data, err := os.ReadFile(s.metaPath(zipSha256))
	if os.IsNotExist(err) {
		return meta{}, false, nil
	}
	if err != nil {
		return meta{}, false, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}, false, fault.Wrap(fault.CodeSchemaInvalid, "corrupt meta record", err)
	}
	return m, true, nil
}

func (s *Service) writeMeta(zipSha256 string, m meta) error {
	path := s.metaPath(zipSha256)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	// Write-then-rename so a crashed writer never leaves a torn record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
