// Package workorder tracks agreed work, its metering, and its completion.
// A work order owns an ordered list of meters; each top-up appends one meter
// atomically. The metering digest hashes the ordered meter hashes, so any
// replay of the same top-ups yields the same digest and a verifier can
// recompute it from the receipt alone.
package workorder

import (
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
)

// Work order states.
const (
	StateCreated    = "created"
	StateAccepted   = "accepted"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateSettled    = "settled"
	StateFailed     = "failed"
)

// transitions maps each state to the states it may move to.
var transitions = map[string][]string{
	StateCreated:    {StateAccepted, StateFailed},
	StateAccepted:   {StateInProgress, StateFailed},
	StateInProgress: {StateCompleted, StateFailed},
	StateCompleted:  {StateSettled, StateFailed},
	StateSettled:    {},
	StateFailed:     {},
}

// Meter is one applied top-up. Hash covers the canonical meter without the
// hash field itself.
type Meter struct {
	TopUpID     string `json:"topUpId"`
	EventKey    string `json:"eventKey"`
	AmountCents int64  `json:"amountCents"`
	Quantity    int64  `json:"quantity"`
	Currency    string `json:"currency"`
	OccurredAt  string `json:"occurredAt"`
	Hash        string `json:"hash"`
}

// TopUp is the input that becomes a Meter.
type TopUp struct {
	TopUpID     string `json:"topUpId"`
	EventKey    string `json:"eventKey"`
	AmountCents int64  `json:"amountCents"`
	Quantity    int64  `json:"quantity"`
	Currency    string `json:"currency"`
	OccurredAt  string `json:"occurredAt"`
}

// Metering is the derived money view of a work order.
type Metering struct {
	BaseAmountCents    int64  `json:"baseAmountCents"`
	TopUpTotalCents    int64  `json:"topUpTotalCents"`
	CoveredAmountCents int64  `json:"coveredAmountCents"`
	MaxCostCents       int64  `json:"maxCostCents"`
	RemainingCents     int64  `json:"remainingCents"`
	MeterDigest        string `json:"meterDigest"`
}

// Order is one work order. Meters are ordered by application.
type Order struct {
	WorkOrderID     string  `json:"workOrderId"`
	TenantID        string  `json:"tenantId"`
	State           string  `json:"state"`
	Description     string  `json:"description"`
	BaseAmountCents int64   `json:"baseAmountCents"`
	MaxCostCents    int64   `json:"maxCostCents"`
	Currency        string  `json:"currency"`
	X402GateID      string  `json:"x402GateId,omitempty"`
	X402RunID       string  `json:"x402RunId,omitempty"`
	Meters          []Meter `json:"meters"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
}

// New creates a work order in the created state.
func New(tenantID, description string, baseAmountCents, maxCostCents int64, currency string, now time.Time) (*Order, error) {
	if baseAmountCents < 0 || maxCostCents < 0 {
		return nil, fault.New(fault.CodeSchemaInvalid, "amounts must be non-negative")
	}
	if currency == "" {
		return nil, fault.New(fault.CodeSchemaInvalid, "currency is required")
	}
	at := contracts.FormatTime(now)
	return &Order{
		WorkOrderID:     contracts.NewID(contracts.PrefixWorkOrder),
		TenantID:        tenantID,
		State:           StateCreated,
		Description:     description,
		BaseAmountCents: baseAmountCents,
		MaxCostCents:    maxCostCents,
		Currency:        currency,
		Meters:          []Meter{},
		CreatedAt:       at,
		UpdatedAt:       at,
	}, nil
}

// Transition moves the order to next, enforcing the state machine.
func (o *Order) Transition(next string, now time.Time) error {
	for _, allowed := range transitions[o.State] {
		if allowed == next {
			o.State = next
			o.UpdatedAt = contracts.FormatTime(now)
			return nil
		}
	}
	return fault.Newf(fault.CodeSchemaInvalid,
		"work order %s cannot move from %s to %s", o.WorkOrderID, o.State, next).
		With("state", o.State).With("next", next)
}

// ApplyTopUp appends one meter atomically. Duplicate topUpId or eventKey
// rejects the whole top-up with no partial mutation.
func (o *Order) ApplyTopUp(tu TopUp) error {
	if err := validateTopUp(o, tu); err != nil {
		return err
	}
	h, err := meterHash(tu)
	if err != nil {
		return err
	}
	o.Meters = append(o.Meters, Meter{
		TopUpID:     tu.TopUpID,
		EventKey:    tu.EventKey,
		AmountCents: tu.AmountCents,
		Quantity:    tu.Quantity,
		Currency:    tu.Currency,
		OccurredAt:  tu.OccurredAt,
		Hash:        h,
	})
	return nil
}

func validateTopUp(o *Order, tu TopUp) error {
	switch {
	case tu.TopUpID == "" || tu.EventKey == "":
		return fault.New(fault.CodeSchemaInvalid, "topUpId and eventKey are required")
	case tu.AmountCents < 0 || tu.Quantity <= 0:
		return fault.New(fault.CodeSchemaInvalid, "top-up amount must be >= 0 and quantity > 0")
	case tu.Currency != o.Currency:
		return fault.Newf(fault.CodeSchemaInvalid,
			"top-up currency %q does not match work order currency %q", tu.Currency, o.Currency)
	}
	if _, err := time.Parse(time.RFC3339, tu.OccurredAt); err != nil {
		return fault.Newf(fault.CodeSchemaInvalid, "occurredAt %q is not RFC 3339", tu.OccurredAt)
	}
	for _, m := range o.Meters {
		if m.TopUpID == tu.TopUpID {
			return fault.Newf(fault.CodeSchemaInvalid, "duplicate topUpId %q", tu.TopUpID)
		}
		if m.EventKey == tu.EventKey {
			return fault.Newf(fault.CodeSchemaInvalid, "duplicate eventKey %q", tu.EventKey)
		}
	}
	return nil
}

func meterHash(tu TopUp) (string, error) {
	return canonicalize.Hash(map[string]any{
		"topUpId":     tu.TopUpID,
		"eventKey":    tu.EventKey,
		"amountCents": tu.AmountCents,
		"quantity":    tu.Quantity,
		"currency":    tu.Currency,
		"occurredAt":  tu.OccurredAt,
	})
}

func canonicalHash(v any) (string, error) {
	return canonicalize.Hash(v)
}

// Metering derives the current money view:
// coveredAmountCents = baseAmountCents + Σ meters.amountCents,
// remainingCents = max(0, maxCostCents − coveredAmountCents),
// meterDigest = sha256(canonical([meter1Hash, …])).
func (o *Order) Metering() (Metering, error) {
	var topUps int64
	hashes := make([]string, 0, len(o.Meters))
	for _, m := range o.Meters {
		topUps += m.AmountCents
		hashes = append(hashes, m.Hash)
	}
	digest, err := canonicalize.Hash(hashes)
	if err != nil {
		return Metering{}, err
	}
	covered := o.BaseAmountCents + topUps
	remaining := o.MaxCostCents - covered
	if remaining < 0 {
		remaining = 0
	}
	return Metering{
		BaseAmountCents:    o.BaseAmountCents,
		TopUpTotalCents:    topUps,
		CoveredAmountCents: covered,
		MaxCostCents:       o.MaxCostCents,
		RemainingCents:     remaining,
		MeterDigest:        digest,
	}, nil
}

// Settle moves a completed order to settled after checking the released
// amount against what the work order declared as covered.
func (o *Order) Settle(releasedAmountCents int64, now time.Time) error {
	if o.State != StateCompleted {
		return fault.Newf(fault.CodeSchemaInvalid,
			"work order %s is %s, only completed orders settle", o.WorkOrderID, o.State)
	}
	m, err := o.Metering()
	if err != nil {
		return err
	}
	if releasedAmountCents != m.CoveredAmountCents {
		return fault.Newf(fault.CodeSchemaInvalid,
			"released %d cents does not match covered amount %d", releasedAmountCents, m.CoveredAmountCents).
			With("releasedAmountCents", releasedAmountCents).
			With("coveredAmountCents", m.CoveredAmountCents)
	}
	return o.Transition(StateSettled, now)
}
