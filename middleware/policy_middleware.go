package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/policy"
	"github.com/upb/oap-policy-engine/utils"
)

// Decider issues decisions
type Decider interface {
	Decide(ctx context.Context, req policy.DecideRequest) (*models.Decision, error)
}

// AgentLimiter throttles requests per agent
type AgentLimiter interface {
	Allow(agentID string) error
}

// ContextExtractor builds the decision context from a request
type ContextExtractor func(r *http.Request) (map[string]interface{}, error)

// PolicyEnforcementMiddleware gates handlers of an embedding service on a decision
type PolicyEnforcementMiddleware struct {
	decider Decider
	limiter AgentLimiter
	logger  *zap.Logger
}

// NewPolicyEnforcementMiddleware creates a new PolicyEnforcementMiddleware.
// limiter may be nil.
func NewPolicyEnforcementMiddleware(decider Decider, limiter AgentLimiter, logger *zap.Logger) *PolicyEnforcementMiddleware {
	return &PolicyEnforcementMiddleware{
		decider: decider,
		limiter: limiter,
		logger:  logger,
	}
}

// RequirePolicy lets a request through only on an allow decision for
// policyID. The agent is read from X-Agent-Passport-Id and the context from
// extract. Denies answer 403 with the error object, malformed input 400,
// verification failures 500. The decision is stored in the request context.
func (m *PolicyEnforcementMiddleware) RequirePolicy(policyID string, extract ContextExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)
			agentID := r.Header.Get(AgentPassportHeader)

			if !models.IsValidPassportID(agentID) {
				m.logger.Debug("rejected malformed agent id",
					zap.String("request_id", requestID),
					zap.String("agent_id", agentID))
				m.write(w, http.StatusBadRequest, utils.ErrorResponse{
					Error:    utils.ErrorInvalidRequest,
					Code:     utils.CodeInvalidAgentID,
					Message:  fmt.Sprintf("%s must match ap_[a-z0-9]+", AgentPassportHeader),
					PolicyID: policyID,
					AgentID:  agentID,
				})
				return
			}

			if m.limiter != nil {
				if err := m.limiter.Allow(agentID); err != nil {
					status, body := utils.ErrorObject(err, policyID, agentID)
					m.write(w, status, body)
					return
				}
			}

			decisionCtx := map[string]interface{}{}
			if extract != nil {
				c, err := extract(r)
				if err != nil {
					m.write(w, http.StatusBadRequest, utils.ErrorResponse{
						Error:    utils.ErrorInvalidRequest,
						Code:     models.ReasonInvalidContext,
						Message:  err.Error(),
						PolicyID: policyID,
						AgentID:  agentID,
					})
					return
				}
				decisionCtx = c
			}

			d, err := m.decider.Decide(ctx, policy.DecideRequest{
				PolicyID:  policyID,
				AgentID:   agentID,
				Context:   decisionCtx,
				RequestID: requestID,
			})
			if err != nil {
				status, body := utils.ErrorObject(err, policyID, agentID)
				if d != nil {
					body.Details = map[string]interface{}{"decision_id": d.DecisionID}
				}
				if status >= http.StatusInternalServerError {
					m.logger.Error("policy verification failed",
						zap.String("request_id", requestID),
						zap.String("policy_id", policyID),
						zap.String("agent_id", agentID),
						zap.Error(err))
				}
				m.write(w, status, body)
				return
			}

			if !d.Allow {
				m.logger.Info("request blocked by policy",
					zap.String("request_id", requestID),
					zap.String("policy_id", policyID),
					zap.String("agent_id", agentID),
					zap.String("reason", d.FirstReason().Code))
				m.write(w, http.StatusForbidden, utils.DenyObject(d))
				return
			}

			ctx = WithAgentID(ctx, agentID)
			ctx = WithDecision(ctx, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *PolicyEnforcementMiddleware) write(w http.ResponseWriter, status int, body utils.ErrorResponse) {
	if err := utils.WriteErrorObject(w, status, body); err != nil {
		m.logger.Error("failed to write policy error response", zap.Error(err))
	}
}

// BodyContext uses the JSON request body as the decision context. The body
// is restored so the wrapped handler can read it again.
func BodyContext(r *http.Request) (map[string]interface{}, error) {
	if r.Body == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, utils.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("request body is not a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// LimiterFunc adapts a function to AgentLimiter
type LimiterFunc func(agentID string) error

// Allow calls f
func (f LimiterFunc) Allow(agentID string) error { return f(agentID) }
