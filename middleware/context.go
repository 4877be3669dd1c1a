package middleware

import (
	"context"

	"github.com/upb/oap-policy-engine/internal/observability"
	"github.com/upb/oap-policy-engine/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// AgentIDKey is the context key for the agent passport id
	AgentIDKey contextKey = "agent_id"

	// DecisionKey is the context key for the decision RequirePolicy issued
	DecisionKey contextKey = "decision"
)

// AgentPassportHeader carries the agent passport id
const AgentPassportHeader = "X-Agent-Passport-Id"

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context. Loggers built with
// observability.FromContext pick it up as well.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	ctx = observability.WithRequestID(ctx, requestID)
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetAgentIDFromContext retrieves the agent passport id from context
func GetAgentIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(AgentIDKey).(string); ok {
		return id
	}
	return ""
}

// WithAgentID adds the agent passport id to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// GetDecisionFromContext retrieves the allow decision RequirePolicy stored
func GetDecisionFromContext(ctx context.Context) *models.Decision {
	if d, ok := ctx.Value(DecisionKey).(*models.Decision); ok {
		return d
	}
	return nil
}

// WithDecision adds a decision to the context
func WithDecision(ctx context.Context, d *models.Decision) context.Context {
	return context.WithValue(ctx, DecisionKey, d)
}
