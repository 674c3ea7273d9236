// Package api exposes the settlement substrate over HTTP: stream appends,
// sessions, work orders, x402 gates, and ops endpoints. Error responses are
// RFC 7807 problem documents carrying the stable fault code and its details.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/store"
)

// Problem is the RFC 7807 response body, extended with the stable code and
// its structured details so clients never parse messages.
type Problem struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Status  int            `json:"status"`
	Code    string         `json:"code,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps stable fault codes onto HTTP statuses. Unknown codes are
// treated as server faults.
func statusFor(code string) int {
	switch code {
	case fault.CodeSchemaInvalid,
		fault.CodeUnsupportedSchemaVersion,
		fault.CodeCanonicalJSONUnsupported,
		fault.CodeZipBudgetExceeded,
		fault.CodeZipUnsafeEntry:
		return http.StatusBadRequest
	case fault.CodeAuthKeyMissing:
		return http.StatusUnauthorized
	case fault.CodeSignerNotTrusted,
		fault.CodeSignerKeyNotActive,
		fault.CodeX402AgentSignerKeyInvalid:
		return http.StatusForbidden
	case fault.CodeOptimisticConcurrencyConflict,
		fault.CodeSessionEventCursorConflict:
		return http.StatusConflict
	case fault.CodeX402AgentSuspended:
		return http.StatusGone
	case fault.CodeX402AgentThrottled:
		return http.StatusTooManyRequests
	case fault.CodeEventIntegrityInvalid,
		fault.CodeArtifactHashMismatch,
		fault.CodeCrossArtifactBindingMismatch,
		fault.CodeX402ProviderSignatureInvalid,
		fault.CodeX402ReversalBindingEvidenceRequired,
		fault.CodeX402ReversalBindingEvidenceMismatch:
		return http.StatusUnprocessableEntity
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault renders err as a problem document. Typed faults keep their
// code and details; everything else becomes an opaque 500.
func WriteFault(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		WriteProblem(w, http.StatusNotFound, "", "not found")
		return
	}
	code := fault.CodeOf(err)
	status := statusFor(code)
	p := Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
	}
	if status < http.StatusInternalServerError {
		p.Detail = err.Error()
		p.Details = fault.DetailsOf(err)
	}
	writeProblem(w, p)
}

// WriteProblem renders an explicit status + code pair.
func WriteProblem(w http.ResponseWriter, status int, code, detail string) {
	writeProblem(w, Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteJSON renders a success body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
