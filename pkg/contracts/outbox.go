package contracts

import "time"

// Outbox entry states.
const (
	OutboxPending   = "pending"
	OutboxInflight  = "inflight"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
	OutboxDLQ       = "dlq"
)

// OutboxEntry queues one artifact delivery to one destination. The
// idempotency key is fixed at enqueue time and never changes across retries
// so receivers can dedupe.
type OutboxEntry struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	ArtifactType   string    `json:"artifactType"`
	ArtifactID     string    `json:"artifactId"`
	DestinationID  string    `json:"destinationId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"nextAttemptAt"`
	LeaseUntil     time.Time `json:"leaseUntil"`
	State          string    `json:"state"`
	LastError      string    `json:"lastError,omitempty"`
}
