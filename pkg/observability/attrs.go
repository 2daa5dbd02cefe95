package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for runtime telemetry.
var (
	// HTTP surface
	AttrHTTPMethod = attribute.Key("warden.http.method")
	AttrHTTPRoute  = attribute.Key("warden.http.route")
	AttrHTTPStatus = attribute.Key("warden.http.status")

	// Task execution
	AttrTaskType   = attribute.Key("warden.task.type")
	AttrTaskStatus = attribute.Key("warden.task.status")

	// Authentication
	AttrAuthMethod  = attribute.Key("warden.auth.method")
	AttrAuthOutcome = attribute.Key("warden.auth.outcome")
	AttrUserID      = attribute.Key("warden.user.id")

	// Audit chain
	AttrAuditEvent = attribute.Key("warden.audit.event")
	AttrAuditLevel = attribute.Key("warden.audit.level")

	// Rate limiting
	AttrRateRule = attribute.Key("warden.ratelimit.rule")
)

// HTTPOperation creates attributes for one handled request.
func HTTPOperation(method, route string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrHTTPMethod.String(method),
		AttrHTTPRoute.String(route),
		AttrHTTPStatus.Int(status),
	}
}

// TaskOperation creates attributes for a task lifecycle event.
func TaskOperation(taskType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskType.String(taskType),
		AttrTaskStatus.String(status),
	}
}

// AuthOperation creates attributes for an authentication outcome.
func AuthOperation(method, outcome, userID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuthMethod.String(method),
		AttrAuthOutcome.String(outcome),
		AttrUserID.String(userID),
	}
}

// AuditOperation creates attributes for a recorded audit entry.
func AuditOperation(event, level string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuditEvent.String(event),
		AttrAuditLevel.String(level),
	}
}

// SpanFromContext extracts the span from context, no-op span if none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
