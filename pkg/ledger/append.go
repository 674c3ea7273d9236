package ledger

import (
	"context"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/store"
)

// KeyResolver maps a signerKeyId to its public key PEM.
type KeyResolver func(keyID string) (publicKeyPEM string, ok bool)

// AppendOptions steer one append.
type AppendOptions struct {
	// ExpectedPrev is the chain head the caller believes is current; nil
	// asserts an empty stream. Only checked when CheckExpectedPrev is set.
	ExpectedPrev      *string
	CheckExpectedPrev bool
	// IdempotencyKey makes the append replayable: a second append under the
	// same key returns the first event and writes nothing.
	IdempotencyKey string
	// ResolveKey verifies signed events. When nil, signatures are stored
	// without verification and checked at read time by verifiers.
	ResolveKey KeyResolver
}

// Append persists a finalized event at the head of a stream.
//
// Inside the store's per-stream critical section it (1) enforces optimistic
// concurrency, returning OPTIMISTIC_CONCURRENCY_CONFLICT with the server's
// head in details.expectedPrevChainHash; (2) replays a prior append under the
// same idempotency key; (3) checks linkage, recomputes digests, and verifies
// the signature if present, failing with EVENT_INTEGRITY_INVALID on any
// mismatch; then persists event and snapshot atomically.
func Append(ctx context.Context, st store.Store, tenantID, streamID string, event contracts.Event, opts AppendOptions) (contracts.Event, contracts.StreamSnapshot, error) {
	return st.AppendEvent(ctx, tenantID, streamID, func(tx store.AppendTx) (store.AppendDecision, error) {
		snap := tx.Snapshot()

		if err := checkExpectedPrev(snap, opts); err != nil {
			return store.AppendDecision{}, err
		}
		if prior, ok, err := replay(tx, opts.IdempotencyKey); err != nil {
			return store.AppendDecision{}, err
		} else if ok {
			return store.AppendDecision{Event: prior, Replay: true}, nil
		}

		if !hashPtrEqual(event.PrevChainHash, snap.LastChainHash) {
			return store.AppendDecision{}, fault.Newf(fault.CodeEventIntegrityInvalid,
				"event %s does not link to the stream head", event.ID)
		}
		if err := VerifyEvent(event); err != nil {
			return store.AppendDecision{}, err
		}
		if err := verifySignature(event, opts.ResolveKey); err != nil {
			return store.AppendDecision{}, err
		}

		return store.AppendDecision{Event: event, IdempotencyKey: opts.IdempotencyKey}, nil
	})
}

// AppendDraft finalizes a draft against the live head and persists it in the
// same critical section. This is the write path handlers use when the client
// sends payload material rather than a pre-signed event.
func AppendDraft(ctx context.Context, st store.Store, tenantID string, draft Draft, signer *crypto.Signer, opts AppendOptions) (contracts.Event, contracts.StreamSnapshot, error) {
	return st.AppendEvent(ctx, tenantID, draft.StreamID, func(tx store.AppendTx) (store.AppendDecision, error) {
		snap := tx.Snapshot()

		if err := checkExpectedPrev(snap, opts); err != nil {
			return store.AppendDecision{}, err
		}
		if prior, ok, err := replay(tx, opts.IdempotencyKey); err != nil {
			return store.AppendDecision{}, err
		} else if ok {
			return store.AppendDecision{Event: prior, Replay: true}, nil
		}

		event, err := FinalizeChainedEvent(draft, snap.LastChainHash, signer)
		if err != nil {
			return store.AppendDecision{}, err
		}
		return store.AppendDecision{Event: event, IdempotencyKey: opts.IdempotencyKey}, nil
	})
}

func checkExpectedPrev(snap contracts.StreamSnapshot, opts AppendOptions) error {
	if !opts.CheckExpectedPrev || hashPtrEqual(opts.ExpectedPrev, snap.LastChainHash) {
		return nil
	}
	var head any
	if snap.LastChainHash != nil {
		head = *snap.LastChainHash
	}
	return fault.New(fault.CodeOptimisticConcurrencyConflict,
		"stream head does not match the expected previous chain hash").
		With("expectedPrevChainHash", head)
}

func replay(tx store.AppendTx, key string) (contracts.Event, bool, error) {
	if key == "" {
		return contracts.Event{}, false, nil
	}
	return tx.EventByIdempotencyKey(key)
}

func verifySignature(e contracts.Event, resolve KeyResolver) error {
	if e.Signature == "" {
		return nil
	}
	if e.SignerKeyID == "" {
		return fault.Newf(fault.CodeEventIntegrityInvalid,
			"event %s carries a signature without signerKeyId", e.ID)
	}
	if resolve == nil {
		return nil
	}
	pem, ok := resolve(e.SignerKeyID)
	if !ok {
		return fault.Newf(fault.CodeSignerNotTrusted,
			"signerKeyId %s is not a known key", e.SignerKeyID).With("keyId", e.SignerKeyID)
	}
	msg, err := SigningBytes(e)
	if err != nil {
		return err
	}
	valid, err := crypto.Verify(msg, e.Signature, pem)
	if err != nil || !valid {
		return fault.Newf(fault.CodeEventIntegrityInvalid,
			"signature of event %s does not verify", e.ID)
	}
	return nil
}
