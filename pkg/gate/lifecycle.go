package gate

import "github.com/settld-labs/settld/pkg/fault"

// Agent lifecycle states. Routes operating on a suspended participant map to
// HTTP 410; throttled maps to 429.
const (
	LifecycleActive    = "active"
	LifecycleSuspended = "suspended"
	LifecycleThrottled = "throttled"
)

// Signer key statuses within an agent.
const (
	SignerKeyActive  = "active"
	SignerKeyRotated = "rotated"
	SignerKeyRevoked = "revoked"
)

// SignerKey is one key registered to an agent.
type SignerKey struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
	Status       string `json:"status"`
}

// Agent is a gate participant.
type Agent struct {
	AgentID    string      `json:"agentId"`
	TenantID   string      `json:"tenantId"`
	Lifecycle  string      `json:"lifecycle"`
	SignerKeys []SignerKey `json:"signerKeys"`
}

// CheckLifecycle gates any route operating on the agent.
func (a Agent) CheckLifecycle() error {
	switch a.Lifecycle {
	case LifecycleSuspended:
		return fault.Newf(fault.CodeX402AgentSuspended, "agent %s is suspended", a.AgentID).
			With("agentId", a.AgentID)
	case LifecycleThrottled:
		return fault.Newf(fault.CodeX402AgentThrottled, "agent %s is throttled", a.AgentID).
			With("agentId", a.AgentID)
	default:
		return nil
	}
}

// CheckSignerKey requires keyID to be registered and active. Rotated and
// revoked keys fail every signed operation.
func (a Agent) CheckSignerKey(keyID string) error {
	for _, k := range a.SignerKeys {
		if k.KeyID != keyID {
			continue
		}
		if k.Status != SignerKeyActive {
			return fault.Newf(fault.CodeX402AgentSignerKeyInvalid,
				"signer key %s of agent %s is %s", keyID, a.AgentID, k.Status).
				With("keyId", keyID).With("status", k.Status)
		}
		return nil
	}
	return fault.Newf(fault.CodeX402AgentSignerKeyInvalid,
		"signer key %s is not registered to agent %s", keyID, a.AgentID).
		With("keyId", keyID)
}
