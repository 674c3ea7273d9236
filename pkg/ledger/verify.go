package ledger

import (
	"fmt"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
)

// VerifyChain walks a stream's events in order, recomputing every digest and
// checking every link. It stops at the first break, reporting it as
// CHAIN_BROKEN_AT_INDEX_i, so the caller learns exactly where tampering
// begins; everything before that index is intact.
func VerifyChain(events []contracts.Event) *fault.Report {
	report := fault.NewReport()
	var prev *string
	for i := range events {
		e := events[i]
		path := fmt.Sprintf("events[%d]", i)

		if !hashPtrEqual(e.PrevChainHash, prev) {
			report.AddError(fault.ChainBrokenAt(i), path,
				fmt.Sprintf("prevChainHash of event %s does not match the preceding chainHash", e.ID))
			return report
		}

		ph, err := PayloadHash(e.V, e.ID, e.At, e.StreamID, e.Type, e.Actor, e.Payload)
		if err != nil {
			report.AddError(fault.ChainBrokenAt(i), path, err.Error())
			return report
		}
		if ph != e.PayloadHash {
			report.AddError(fault.ChainBrokenAt(i), path,
				fmt.Sprintf("payloadHash of event %s does not recompute", e.ID))
			return report
		}

		ch, err := ChainHash(e.V, e.PrevChainHash, e.PayloadHash)
		if err != nil {
			report.AddError(fault.ChainBrokenAt(i), path, err.Error())
			return report
		}
		if ch != e.ChainHash {
			report.AddError(fault.ChainBrokenAt(i), path,
				fmt.Sprintf("chainHash of event %s does not recompute", e.ID))
			return report
		}

		h := e.ChainHash
		prev = &h
	}
	return report
}
