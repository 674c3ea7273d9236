// Package ledger implements the per-stream signed hash chain.
//
// Every event carries two digests: payloadHash over the event's identity and
// payload, and chainHash linking it to its predecessor. The first event of a
// stream has prevChainHash null. Appends are serialized per stream by the
// store; optimistic concurrency lets callers assert the head they built
// against and receive the server's head back on conflict.
package ledger

import (
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
)

// EventVersion is the chain format version stamped into every event.
const EventVersion = 1

// TimeFormat is RFC 3339 UTC with millisecond precision. Event timestamps
// are strings on the wire; this is the form the service emits.
const TimeFormat = contracts.TimeFormat

// Draft is an event whose identity and payload hash are fixed but whose
// chain position is not. FinalizeChainedEvent turns a Draft into an Event.
type Draft contracts.Event

// Chain mints drafts. The zero clock is time.Now.
type Chain struct {
	clock func() time.Time
}

// New returns a Chain using the wall clock.
func New() *Chain {
	return &Chain{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// CreateChainedEvent builds a Draft: id, v, at, and payloadHash populated.
// An empty at takes the clock's current time.
func (c *Chain) CreateChainedEvent(streamID, eventType string, actor contracts.Actor, payload any, at string) (Draft, error) {
	if err := contracts.ValidateID(streamID); err != nil {
		return Draft{}, err
	}
	if err := contracts.ValidateID(eventType); err != nil {
		return Draft{}, err
	}
	if actor.Type == "" || actor.ID == "" {
		return Draft{}, fault.New(fault.CodeSchemaInvalid, "actor.type and actor.id are required")
	}
	if at == "" {
		at = c.clock().UTC().Format(TimeFormat)
	} else if _, err := time.Parse(time.RFC3339, at); err != nil {
		return Draft{}, fault.Newf(fault.CodeSchemaInvalid, "at %q is not RFC 3339", at)
	}

	d := Draft{
		V:        EventVersion,
		ID:       contracts.NewID(contracts.PrefixEvent),
		StreamID: streamID,
		Type:     eventType,
		At:       at,
		Actor:    actor,
		Payload:  payload,
	}
	ph, err := PayloadHash(d.V, d.ID, d.At, d.StreamID, d.Type, d.Actor, d.Payload)
	if err != nil {
		return Draft{}, err
	}
	d.PayloadHash = ph
	return d, nil
}

// FinalizeChainedEvent fixes the draft's chain position and optionally signs
// it. The signature covers the canonical event without its signature field.
func FinalizeChainedEvent(d Draft, prevChainHash *string, signer *crypto.Signer) (contracts.Event, error) {
	e := contracts.Event(d)
	if prevChainHash != nil {
		h := *prevChainHash
		e.PrevChainHash = &h
	} else {
		e.PrevChainHash = nil
	}

	ch, err := ChainHash(e.V, e.PrevChainHash, e.PayloadHash)
	if err != nil {
		return contracts.Event{}, err
	}
	e.ChainHash = ch

	if signer != nil {
		e.SignerKeyID = signer.KeyID
		msg, err := SigningBytes(e)
		if err != nil {
			return contracts.Event{}, err
		}
		e.Signature = signer.Sign(msg)
	}
	return e, nil
}

// PayloadHash computes sha256(canonical({v,id,at,streamId,type,actor,payload})).
func PayloadHash(v int, id, at, streamID, eventType string, actor contracts.Actor, payload any) (string, error) {
	return canonicalize.Hash(map[string]any{
		"v":        v,
		"id":       id,
		"at":       at,
		"streamId": streamID,
		"type":     eventType,
		"actor":    actor,
		"payload":  payload,
	})
}

// ChainHash computes sha256(canonical({v,prevChainHash,payloadHash})).
func ChainHash(v int, prevChainHash *string, payloadHash string) (string, error) {
	return canonicalize.Hash(map[string]any{
		"v":             v,
		"prevChainHash": prevChainHash,
		"payloadHash":   payloadHash,
	})
}

// SigningBytes returns the canonical event without its signature field.
func SigningBytes(e contracts.Event) ([]byte, error) {
	m := map[string]any{
		"v":             e.V,
		"id":            e.ID,
		"streamId":      e.StreamID,
		"type":          e.Type,
		"at":            e.At,
		"actor":         e.Actor,
		"payload":       e.Payload,
		"prevChainHash": e.PrevChainHash,
		"payloadHash":   e.PayloadHash,
		"chainHash":     e.ChainHash,
	}
	if e.SignerKeyID != "" {
		m["signerKeyId"] = e.SignerKeyID
	}
	return canonicalize.Canonical(m)
}

// VerifyEvent recomputes both digests of a single event. Any mismatch fails
// with EVENT_INTEGRITY_INVALID.
func VerifyEvent(e contracts.Event) error {
	ph, err := PayloadHash(e.V, e.ID, e.At, e.StreamID, e.Type, e.Actor, e.Payload)
	if err != nil {
		return err
	}
	if ph != e.PayloadHash {
		return fault.Newf(fault.CodeEventIntegrityInvalid,
			"payloadHash mismatch for event %s", e.ID).
			With("expected", ph).With("actual", e.PayloadHash)
	}
	ch, err := ChainHash(e.V, e.PrevChainHash, e.PayloadHash)
	if err != nil {
		return err
	}
	if ch != e.ChainHash {
		return fault.Newf(fault.CodeEventIntegrityInvalid,
			"chainHash mismatch for event %s", e.ID).
			With("expected", ch).With("actual", e.ChainHash)
	}
	return nil
}

func hashPtrEqual(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
