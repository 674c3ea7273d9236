package session

import (
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
)

// Provenance is the taint marker carried in payload.provenance.
type Provenance struct {
	Label              string  `json:"label"`
	IsTainted          bool    `json:"isTainted"`
	DerivedFromEventID *string `json:"derivedFromEventId,omitempty"`
}

// taintOriginLabels mark an event as a taint origin regardless of history.
var taintOriginLabels = map[string]bool{
	"external":  true,
	"untrusted": true,
}

// stampTaint returns the payload with its provenance resolved against the
// prior events of the session: an origin label taints the event itself; any
// tainted ancestor taints it with derivedFromEventId pointing at the nearest
// (most recent) tainted prior event. Untainted events with no declared
// provenance stay unmarked.
func stampTaint(prior []contracts.Event, payload any) (any, error) {
	declared, m := extractProvenance(payload)
	ancestor := nearestTaintedAncestor(prior)

	var p Provenance
	switch {
	case declared != nil && taintOriginLabels[declared.Label]:
		p = Provenance{Label: declared.Label, IsTainted: true}
	case ancestor != "":
		id := ancestor
		label := ""
		if declared != nil {
			label = declared.Label
		}
		p = Provenance{Label: label, IsTainted: true, DerivedFromEventID: &id}
	case declared != nil:
		p = Provenance{Label: declared.Label, IsTainted: false}
	default:
		return payload, nil
	}

	if m == nil {
		if payload != nil {
			return nil, fault.New(fault.CodeSchemaInvalid,
				"provenance requires an object payload")
		}
		m = map[string]any{}
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["provenance"] = p
	return out, nil
}

// nearestTaintedAncestor returns the id of the most recent tainted event.
func nearestTaintedAncestor(events []contracts.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if p, _ := extractProvenance(events[i].Payload); p != nil && p.IsTainted {
			return events[i].ID
		}
	}
	return ""
}

// extractProvenance reads payload.provenance from a generic payload. It
// returns the provenance (if present) and the payload as a map (if it is
// one). Stored payloads arrive as map[string]any after canonical round-trip.
func extractProvenance(payload any) (*Provenance, map[string]any) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, nil
	}
	raw, ok := m["provenance"]
	if !ok {
		return nil, m
	}
	switch v := raw.(type) {
	case Provenance:
		return &v, m
	case map[string]any:
		p := Provenance{}
		if s, ok := v["label"].(string); ok {
			p.Label = s
		}
		if b, ok := v["isTainted"].(bool); ok {
			p.IsTainted = b
		}
		if s, ok := v["derivedFromEventId"].(string); ok {
			p.DerivedFromEventID = &s
		}
		return &p, m
	default:
		return nil, m
	}
}

// taintCheck is the recomputed taint view of one event.
type taintCheck struct {
	isTainted   bool
	derivedFrom string
}

// recomputeTaint walks the events in order and derives what each event's
// taint marker must be. Declared origin labels are honored; everything else
// follows from the ancestors.
func recomputeTaint(events []contracts.Event) []taintCheck {
	out := make([]taintCheck, len(events))
	lastTainted := ""
	for i, e := range events {
		p, _ := extractProvenance(e.Payload)
		switch {
		case p != nil && taintOriginLabels[p.Label]:
			out[i] = taintCheck{isTainted: true}
		case lastTainted != "":
			out[i] = taintCheck{isTainted: true, derivedFrom: lastTainted}
		default:
			out[i] = taintCheck{}
		}
		if out[i].isTainted {
			lastTainted = e.ID
		}
	}
	return out
}

// verifyTaint compares declared provenance against the recomputation.
// Any drift fails with SESSION_REPLAY_PROVENANCE_INVALID.
func verifyTaint(r *fault.Report, events []contracts.Event) (taintedCount int) {
	want := recomputeTaint(events)
	for i, e := range events {
		declared, _ := extractProvenance(e.Payload)
		path := pathAt(i)

		declaredTainted := declared != nil && declared.IsTainted
		if declaredTainted != want[i].isTainted {
			r.AddError(fault.CodeSessionReplayProvenanceInvalid, path,
				"declared taint does not match the recomputed chain taint")
			continue
		}
		if want[i].derivedFrom != "" {
			if declared == nil || declared.DerivedFromEventID == nil || *declared.DerivedFromEventID != want[i].derivedFrom {
				r.AddError(fault.CodeSessionReplayProvenanceInvalid, path,
					"derivedFromEventId does not point at the nearest tainted ancestor")
				continue
			}
		}
		if want[i].isTainted {
			taintedCount++
		}
	}
	return taintedCount
}
