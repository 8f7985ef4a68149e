package types

import "context"

// CertHandle identifies a registered requester certificate.
type CertHandle [8]byte

// Codec encodes outcomes into the response wire format.
//
// Encode must be deterministic: equal outcomes yield equal bytes.
type Codec interface {
	Encode(outcome Outcome) ([]byte, error)
}

// SecurityProvider registers requester certificates and encrypts payloads for them.
//
// Failures are non-fatal to the caller; the dispatcher falls back to plaintext.
type SecurityProvider interface {
	// RegisterCertificate parses and caches cert, returning its handle.
	RegisterCertificate(cert []byte) (CertHandle, error)

	// Encrypt seals payload for the holder of the registered certificate.
	Encrypt(payload []byte, handle CertHandle) ([]byte, error)
}

// Transport delivers encoded payloads to requesters.
type Transport interface {
	// Send delivers payload to host:port.
	//
	// viaForwarder marks that the original request arrived through an
	// intermediate forwarder, which changes return addressing only.
	Send(ctx context.Context, host string, port int, payload []byte, viaForwarder bool) error
}

// Audit event types.
const (
	AuditEventAdd     = "subscription.add"
	AuditEventCancel  = "subscription.cancel"
	AuditEventInvalid = "subscription.invalid"
	AuditEventFailed  = "subscription.failed"
	AuditEventExpired = "subscription.expired"
)

// AuditSink records a human-readable line for every processed record.
//
// Audit writes never affect control flow; callers log and ignore errors.
type AuditSink interface {
	Record(ctx context.Context, eventType string, description string) error
}

// LeaderGate decides whether this instance may run leader-only work.
type LeaderGate interface {
	IsLeader(ctx context.Context) bool
}
