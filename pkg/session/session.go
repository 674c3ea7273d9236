// Package session implements the session substrate: sessions hold
// participants and policy refs, session events form a hash chain scoped by
// session, and replay packs plus transcripts are hash-bound derivations of
// that chain. Provenance taint propagates through the chain and is
// recomputed, never trusted, by verifiers.
package session

import (
	"context"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/store"
)

// Participant is one member of a session.
type Participant struct {
	AgentID string `json:"agentId"`
	Role    string `json:"role"`
}

// Session groups chained events under one stream.
type Session struct {
	SessionID    string        `json:"sessionId"`
	TenantID     string        `json:"tenantId"`
	Participants []Participant `json:"participants"`
	PolicyRef    *string       `json:"policyRef"`
	CreatedAt    string        `json:"createdAt"`
}

// New creates a session.
func New(tenantID string, participants []Participant, policyRef *string, now time.Time) *Session {
	if participants == nil {
		participants = []Participant{}
	}
	return &Session{
		SessionID:    contracts.NewID(contracts.PrefixSession),
		TenantID:     tenantID,
		Participants: participants,
		PolicyRef:    policyRef,
		CreatedAt:    contracts.FormatTime(now),
	}
}

// AppendOptions steer one session event append.
type AppendOptions struct {
	// ExpectedCursor, when non-negative, asserts the event count the caller
	// observed. A stale cursor fails with SESSION_EVENT_CURSOR_CONFLICT.
	ExpectedCursor int
	IdempotencyKey string
	Signer         *crypto.Signer
	At             string
}

// Append chains one event onto the session. Inside the store's critical
// section it checks the caller's cursor, stamps provenance taint derived
// from the prior events, finalizes against the live head, and persists.
func Append(ctx context.Context, st store.Store, s *Session, eventType string, actor contracts.Actor, payload any, opts AppendOptions) (contracts.Event, contracts.StreamSnapshot, error) {
	chain := ledger.New().WithClock(st.Now)
	return st.AppendEvent(ctx, s.TenantID, s.SessionID, func(tx store.AppendTx) (store.AppendDecision, error) {
		snap := tx.Snapshot()
		if opts.ExpectedCursor >= 0 && opts.ExpectedCursor != snap.EventCount {
			return store.AppendDecision{}, fault.Newf(fault.CodeSessionEventCursorConflict,
				"cursor %d is stale, session has %d events", opts.ExpectedCursor, snap.EventCount).
				With("expectedCursor", snap.EventCount)
		}
		if opts.IdempotencyKey != "" {
			if prior, ok, err := tx.EventByIdempotencyKey(opts.IdempotencyKey); err != nil {
				return store.AppendDecision{}, err
			} else if ok {
				return store.AppendDecision{Event: prior, Replay: true}, nil
			}
		}

		prior, err := st.ListEvents(ctx, s.TenantID, s.SessionID, "", 0)
		if err != nil {
			return store.AppendDecision{}, err
		}
		stamped, err := stampTaint(prior, payload)
		if err != nil {
			return store.AppendDecision{}, err
		}

		draft, err := chain.CreateChainedEvent(s.SessionID, eventType, actor, stamped, opts.At)
		if err != nil {
			return store.AppendDecision{}, err
		}
		event, err := ledger.FinalizeChainedEvent(draft, snap.LastChainHash, opts.Signer)
		if err != nil {
			return store.AppendDecision{}, err
		}
		return store.AppendDecision{Event: event, IdempotencyKey: opts.IdempotencyKey}, nil
	})
}

// NoCursor disables the cursor check in AppendOptions.
const NoCursor = -1
