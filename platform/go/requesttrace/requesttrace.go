package requesttrace

import (
	"context"

	"github.com/edconnect-jp/roster-bridge/platform/go/auth"
)

type contextKey string

const ctxAuditInfo contextKey = "ROSTER_BRIDGE_REQUEST_TRACE"

// ActorKind represents who initiated an ingestion or query.
type ActorKind string

const (
	ActorKindAPIKey ActorKind = "api-key"
	ActorKindSystem ActorKind = "system"
)

// AuditInfo captures request-scoped metadata carried into batch processing
// so upload outcomes can be attributed to a caller in the logs.
type AuditInfo struct {
	ActorKind ActorKind
	KeyName   string
	RequestID string
}

// IntoContext stores the AuditInfo in the provided context.
func IntoContext(ctx context.Context, audit AuditInfo) context.Context {
	return context.WithValue(ctx, ctxAuditInfo, audit)
}

// FromContext extracts the AuditInfo from context, returning false when not present.
func FromContext(ctx context.Context) (AuditInfo, bool) {
	if ctx == nil {
		return AuditInfo{}, false
	}
	audit, ok := ctx.Value(ctxAuditInfo).(AuditInfo)
	return audit, ok
}

// FromKey builds an AuditInfo from an authenticated API key and a request ID.
func FromKey(key auth.Key, requestID string) AuditInfo {
	return AuditInfo{
		ActorKind: ActorKindAPIKey,
		KeyName:   key.Name,
		RequestID: requestID,
	}
}

// System builds an AuditInfo for background or startup operations.
func System(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindSystem, RequestID: requestID}
}
