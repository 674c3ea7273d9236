package outbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/settld-labs/settld/pkg/canonicalize"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/store"
)

// Config tunes the delivery worker.
type Config struct {
	BatchSize      int
	LeaseFor       time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxAttempts    int
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      16,
		LeaseFor:       30 * time.Second,
		RequestTimeout: 10 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     5 * time.Minute,
		MaxAttempts:    10,
	}
}

// Worker leases outbox entries and delivers them. Receivers are expected to
// dedupe on the idempotency key; per-destination ordering is not guaranteed.
type Worker struct {
	st       store.Store
	router   *Router
	cfg      Config
	client   Doer
	breakers *breakerSet
	log      *slog.Logger
	jitter   func(max time.Duration) time.Duration
}

// NewWorker builds a worker with the default HTTP client.
func NewWorker(st store.Store, router *Router, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Worker{
		st:       st,
		router:   router,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		breakers: newBreakerSet(5, cfg.BackoffCap),
		log:      slog.Default(),
		jitter:   randomJitter,
	}
}

// WithClient overrides the delivery transport.
func (w *Worker) WithClient(c Doer) *Worker {
	w.client = c
	return w
}

// WithLogger overrides the logger.
func (w *Worker) WithLogger(log *slog.Logger) *Worker {
	w.log = log
	return w
}

// WithJitter overrides the backoff jitter for testing.
func (w *Worker) WithJitter(fn func(max time.Duration) time.Duration) *Worker {
	w.jitter = fn
	return w
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// Enqueue queues one artifact for every destination whose filter accepts it.
// The idempotency key is derived from the entry's identity, so re-enqueueing
// the same artifact to the same destination produces the same key.
func Enqueue(ctx context.Context, st store.Store, router *Router, rec contracts.ArtifactRecord) ([]contracts.OutboxEntry, error) {
	now := st.Now()
	var out []contracts.OutboxEntry
	for _, d := range router.Match(rec.Type, rec.TenantID) {
		key, err := canonicalize.Hash(map[string]any{
			"tenantId":      rec.TenantID,
			"artifactType":  rec.Type,
			"artifactId":    rec.ID,
			"destinationId": d.ID,
		})
		if err != nil {
			return nil, err
		}
		entry := contracts.OutboxEntry{
			ID:             contracts.NewID(contracts.PrefixOutbox),
			TenantID:       rec.TenantID,
			ArtifactType:   rec.Type,
			ArtifactID:     rec.ID,
			DestinationID:  d.ID,
			IdempotencyKey: key,
			CreatedAt:      now,
			NextAttemptAt:  now,
			State:          contracts.OutboxPending,
		}
		if err := st.EnqueueOutbox(ctx, entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Run delivers in a loop until the context ends.
func (w *Worker) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("outbox pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch and attempts delivery for each entry. It returns
// the number of entries delivered in this pass.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	entries, err := w.st.LeaseOutbox(ctx, w.cfg.BatchSize, w.st.Now(), w.cfg.LeaseFor)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, e := range entries {
		result := w.deliver(ctx, e)
		if err := w.st.AckOutbox(ctx, e.ID, result); err != nil {
			return delivered, err
		}
		if result.State == contracts.OutboxDelivered {
			delivered++
		} else {
			w.log.Warn("delivery attempt failed",
				"outboxId", e.ID,
				"destinationId", e.DestinationID,
				"attempts", e.Attempts,
				"state", result.State,
				"error", result.LastError)
		}
	}
	return delivered, nil
}

func (w *Worker) deliver(ctx context.Context, e contracts.OutboxEntry) store.AckResult {
	dest, ok := w.router.ByID(e.DestinationID)
	if !ok {
		// Configuration drift: the destination no longer exists. Nothing to
		// retry against.
		return store.AckResult{
			State:     contracts.OutboxDLQ,
			LastError: fmt.Sprintf("destination %s is not configured", e.DestinationID),
		}
	}
	br := w.breakers.forDest(dest.ID)
	if !br.allow(w.st.Now()) {
		return w.retryOrDLQ(e, fault.CodeDeliveryHTTPError,
			fmt.Sprintf("circuit open for destination %s", dest.ID))
	}

	body, err := w.canonicalBody(ctx, e)
	if err != nil {
		// The artifact is gone or unreadable; retrying cannot help.
		return store.AckResult{State: contracts.OutboxDLQ, LastError: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return store.AckResult{State: contracts.OutboxDLQ, LastError: err.Error()}
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-tenant-id", e.TenantID)
	req.Header.Set("x-artifact-type", e.ArtifactType)
	req.Header.Set("x-artifact-id", e.ArtifactID)
	req.Header.Set("x-idempotency-key", e.IdempotencyKey)
	req.Header.Set("x-signature", crypto.SignHMAC(dest.Secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		br.failure(w.st.Now())
		code := fault.CodeDeliveryHTTPError
		if isTimeout(err) {
			code = fault.CodeDeliveryTimeout
		}
		return w.retryOrDLQ(e, code, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		br.failure(w.st.Now())
		return w.retryOrDLQ(e, fault.CodeDeliveryHTTPError,
			fmt.Sprintf("destination returned %d", resp.StatusCode))
	}
	br.success()
	return store.AckResult{State: contracts.OutboxDelivered}
}

// canonicalBody loads the artifact and re-serializes it canonically. The
// signature covers exactly these bytes.
func (w *Worker) canonicalBody(ctx context.Context, e contracts.OutboxEntry) ([]byte, error) {
	rec, err := w.st.GetArtifact(ctx, e.TenantID, e.ArtifactType, e.ArtifactID)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(rec.Body, &v); err != nil {
		return nil, fault.Wrap(fault.CodeSchemaInvalid, "stored artifact body is not JSON", err)
	}
	return canonicalize.Canonical(v)
}

// retryOrDLQ schedules the next attempt, or dead-letters the entry once the
// attempt budget is spent. Attempts was already incremented by the lease.
func (w *Worker) retryOrDLQ(e contracts.OutboxEntry, code, msg string) store.AckResult {
	lastError := code + ": " + msg
	if e.Attempts >= w.cfg.MaxAttempts {
		return store.AckResult{
			State:     contracts.OutboxDLQ,
			LastError: fault.CodeDeliveryMaxAttemptsExceeded + ": " + lastError,
		}
	}
	return store.AckResult{
		State:         contracts.OutboxFailed,
		NextAttemptAt: w.st.Now().Add(w.Backoff(e.Attempts)),
		LastError:     lastError,
	}
}

// Backoff returns the delay before the attempt after the given one:
// min(cap, base*2^(attempts-1)) plus jitter bounded by base.
func (w *Worker) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := w.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.BackoffCap {
			d = w.cfg.BackoffCap
			break
		}
	}
	if d > w.cfg.BackoffCap {
		d = w.cfg.BackoffCap
	}
	return d + w.jitter(w.cfg.BackoffBase)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
