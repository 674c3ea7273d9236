package ingest

import (
	"io"
	"net/http"
	"strings"

	"github.com/settld-labs/settld/pkg/api"
	"github.com/settld-labs/settld/pkg/fault"
)

// maxUploadBytes caps one upload body. The ZIP budget inside Accept is
// tighter; this guard just stops unbounded reads.
const maxUploadBytes = 256 << 20

// Routes mounts the upload endpoints on mux. defaultTenant serves the
// tenant-less /v1/upload form.
func (s *Service) Routes(mux *http.ServeMux, defaultTenant string) {
	mux.HandleFunc("POST /v1/upload", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpload(w, r, defaultTenant)
	})
	mux.HandleFunc("POST /v1/ingest/{tenant}", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpload(w, r, r.PathValue("tenant"))
	})
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request, tenantID string) {
	if s.ingestKey != "" {
		scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || scheme != "Bearer" || key != s.ingestKey {
			api.WriteFault(w, fault.New(fault.CodeAuthKeyMissing, "ingest key required"))
			return
		}
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/zip" {
		api.WriteFault(w, fault.Newf(fault.CodeSchemaInvalid, "unsupported content type %q", ct))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		api.WriteFault(w, fault.Wrap(fault.CodeSchemaInvalid, "read upload body", err))
		return
	}
	if int64(len(data)) > maxUploadBytes {
		api.WriteFault(w, fault.New(fault.CodeZipBudgetExceeded, "upload exceeds size limit"))
		return
	}
	q := r.URL.Query()
	res, err := s.Accept(r.Context(), tenantID, data, q.Get("mode"), q.Get("rerun") == "1" || q.Get("rerun") == "true")
	if err != nil {
		api.WriteFault(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}
