package fault

// ReportEntry is one verification finding.
type ReportEntry struct {
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Report is the shared verifier result shape. Verifiers never panic or
// return errors for verification failures; every failure lands in Errors.
// OK is true exactly when Errors is empty.
type Report struct {
	OK       bool          `json:"ok"`
	Errors   []ReportEntry `json:"errors"`
	Warnings []ReportEntry `json:"warnings"`
}

// NewReport starts a passing report with empty (non-nil) finding lists so
// serialized reports carry [] rather than null.
func NewReport() *Report {
	return &Report{OK: true, Errors: []ReportEntry{}, Warnings: []ReportEntry{}}
}

// AddError records a failure and flips OK.
func (r *Report) AddError(code, path, message string) {
	r.Errors = append(r.Errors, ReportEntry{Code: code, Path: path, Message: message})
	r.OK = false
}

// AddWarning records a non-fatal finding.
func (r *Report) AddWarning(code, path, message string) {
	r.Warnings = append(r.Warnings, ReportEntry{Code: code, Path: path, Message: message})
}

// AddFault flattens err into an error entry at path. Errors without a typed
// code are recorded verbatim under the given fallback code.
func (r *Report) AddFault(err error, path, fallbackCode string) {
	code := CodeOf(err)
	if code == "" {
		code = fallbackCode
	}
	r.AddError(code, path, err.Error())
}

// Merge appends another report's findings, prefixing their paths.
func (r *Report) Merge(other *Report, pathPrefix string) {
	for _, e := range other.Errors {
		r.AddError(e.Code, joinPath(pathPrefix, e.Path), e.Message)
	}
	for _, w := range other.Warnings {
		r.AddWarning(w.Code, joinPath(pathPrefix, w.Path), w.Message)
	}
}

// HasErrorCode reports whether any error entry carries code.
func (r *Report) HasErrorCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// ErrorCodes lists the error codes in order of discovery.
func (r *Report) ErrorCodes() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Code)
	}
	return out
}

// WarningCodes lists the warning codes in order of discovery.
func (r *Report) WarningCodes() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Code)
	}
	return out
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	default:
		return prefix + "." + path
	}
}
