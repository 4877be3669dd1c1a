package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/middleware"
	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/services/policy"
	"github.com/upb/oap-policy-engine/utils"
)

// DecideRequest is the body of the decision endpoints. Either agent_id or
// passport_id names the agent; X-Agent-Passport-Id may supply it instead.
type DecideRequest struct {
	AgentID    string                 `json:"agent_id,omitempty" validate:"required_without=PassportID,omitempty,passport_id"`
	PassportID string                 `json:"passport_id,omitempty" validate:"omitempty,passport_id"`
	PolicyID   string                 `json:"policy_id,omitempty" validate:"omitempty,policy_id"`
	Version    string                 `json:"version,omitempty"`
	Context    map[string]interface{} `json:"context"`
}

// agent returns the agent id the request names
func (r *DecideRequest) agent() string {
	if r.AgentID != "" {
		return r.AgentID
	}
	return r.PassportID
}

// Decider issues decisions
type Decider interface {
	Decide(ctx context.Context, req policy.DecideRequest) (*models.Decision, error)
}

// DecisionHandler serves the decision API
type DecisionHandler struct {
	decider Decider
	limiter middleware.AgentLimiter
	logger  *zap.Logger
}

// NewDecisionHandler creates a new DecisionHandler. limiter may be nil.
func NewDecisionHandler(decider Decider, limiter middleware.AgentLimiter, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{
		decider: decider,
		limiter: limiter,
		logger:  logger,
	}
}

// HandleVerifyPolicy handles POST /api/verify/policy/{policy_id}
func (h *DecisionHandler) HandleVerifyPolicy(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, chi.URLParam(r, "policy_id"))
}

// HandleDecide handles POST /v1/decide
func (h *DecisionHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "")
}

func (h *DecisionHandler) decide(w http.ResponseWriter, r *http.Request, pathPolicyID string) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req DecideRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, utils.ErrorResponse{
			Error:    utils.ErrorInvalidRequest,
			Code:     utils.CodeInvalidRequest,
			Message:  err.Error(),
			PolicyID: pathPolicyID,
		})
		return
	}

	if pathPolicyID != "" {
		if req.PolicyID != "" && req.PolicyID != pathPolicyID {
			h.writeError(w, http.StatusBadRequest, utils.ErrorResponse{
				Error:    utils.ErrorInvalidRequest,
				Code:     utils.CodeInvalidRequest,
				Message:  "policy_id in body does not match the path",
				PolicyID: pathPolicyID,
				AgentID:  req.agent(),
			})
			return
		}
		req.PolicyID = pathPolicyID
	}

	header := r.Header.Get(middleware.AgentPassportHeader)
	if header != "" {
		if agent := req.agent(); agent != "" && agent != header {
			h.writeError(w, http.StatusBadRequest, utils.ErrorResponse{
				Error:    utils.ErrorInvalidRequest,
				Code:     utils.CodeInvalidAgentID,
				Message:  middleware.AgentPassportHeader + " does not match the agent in the body",
				PolicyID: req.PolicyID,
				AgentID:  agent,
			})
			return
		}
		if req.agent() == "" {
			req.AgentID = header
		}
	}

	if req.PolicyID == "" {
		h.writeError(w, http.StatusBadRequest, utils.ErrorResponse{
			Error:   utils.ErrorInvalidRequest,
			Code:    utils.CodeInvalidRequest,
			Message: "policy_id is required",
			AgentID: req.agent(),
		})
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.logger.Debug("invalid decide request",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	agentID := req.agent()
	if h.limiter != nil {
		if err := h.limiter.Allow(agentID); err != nil {
			HandleDecisionError(w, err, req.PolicyID, agentID, h.logger)
			return
		}
	}

	d, err := h.decider.Decide(ctx, policy.DecideRequest{
		PolicyID:  req.PolicyID,
		Version:   req.Version,
		AgentID:   agentID,
		Context:   req.Context,
		RequestID: requestID,
	})
	if err != nil {
		status, body := utils.ErrorObject(err, req.PolicyID, agentID)
		if d != nil {
			body.Details = map[string]interface{}{
				"decision_id": d.DecisionID,
				"reason":      d.FirstReason().Code,
			}
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("decision failed",
				zap.String("request_id", requestID),
				zap.String("policy_id", req.PolicyID),
				zap.String("agent_id", agentID),
				zap.String("error_type", string(services.GetErrorType(err))),
				zap.Error(err))
		}
		h.writeError(w, status, body)
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, d); err != nil {
		h.logger.Error("failed to write decision response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (h *DecisionHandler) writeError(w http.ResponseWriter, status int, body utils.ErrorResponse) {
	if err := utils.WriteErrorObject(w, status, body); err != nil {
		h.logger.Error("failed to write error response", zap.Error(err))
	}
}
