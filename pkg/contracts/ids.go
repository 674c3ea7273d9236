package contracts

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/settld-labs/settld/pkg/fault"
)

// Typed identifier prefixes.
const (
	PrefixAgent     = "agt_"
	PrefixSession   = "sess_"
	PrefixWorkOrder = "workord_"
	PrefixGate      = "gate_"
	PrefixRFQ       = "rfq_"
	PrefixEvent     = "evt_"
	PrefixReceipt   = "rcpt_"
	PrefixOutbox    = "obx_"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// NewID mints a prefixed identifier.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// ValidateID checks the shared identifier charset and length.
func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return fault.Newf(fault.CodeSchemaInvalid, "invalid identifier %q", id)
	}
	return nil
}
