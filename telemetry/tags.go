// Package telemetry provides request tagging, operation labels and the
// OpenTelemetry metrics recorded by the offline cache.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// operationKey is the context key for the engine operation in progress.
	operationKey contextKey = "operation"
)

// Engine operations used to label backend metrics.
const (
	OpSync     = "sync"
	OpTeardown = "teardown"
	OpSweep    = "sweep"
	OpValidate = "validate"
	OpRead     = "read"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Endpoint string
	Outcome  string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint name for logging and metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetOutcome sets a short outcome string for the access log.
func SetOutcome(r *http.Request, outcome string) {
	if tags := GetTags(r); tags != nil {
		tags.Outcome = outcome
	}
}

// WithOperation returns a context labelled with the engine operation.
// Backend metrics recorded under ctx carry the label.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// OperationFromContext returns the operation label, or "none".
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return "none"
}
