package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/middleware"
	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/usage"
	"github.com/upb/oap-policy-engine/utils"
)

// RecordUsageRequest reports consumption after acting on an allow decision
type RecordUsageRequest struct {
	AgentID    string `json:"agent_id" validate:"required,passport_id"`
	Capability string `json:"capability" validate:"required"`
	Resource   string `json:"resource" validate:"required"`
	Amount     int64  `json:"amount" validate:"gt=0"`
	DecisionID string `json:"decision_id,omitempty"`
	Limit      *int64 `json:"limit,omitempty" validate:"omitempty,gte=0"`
	Period     string `json:"period,omitempty" validate:"omitempty,oneof=minute daily monthly"`
}

// UsageTotalResponse is the body of GET /v1/usage
type UsageTotalResponse struct {
	AgentID    string             `json:"agent_id"`
	Capability string             `json:"capability"`
	Resource   string             `json:"resource"`
	Period     models.UsagePeriod `json:"period"`
	Total      int64              `json:"total"`
}

// UsageRecorder records and reads consumption
type UsageRecorder interface {
	Record(ctx context.Context, req usage.RecordRequest) (*usage.RecordResult, error)
	Current(ctx context.Context, agentID, capability, resource string, period models.UsagePeriod) (int64, error)
}

// UsageHandler serves the usage endpoints
type UsageHandler struct {
	recorder UsageRecorder
	limiter  middleware.AgentLimiter
	logger   *zap.Logger
}

// NewUsageHandler creates a new UsageHandler. limiter may be nil.
func NewUsageHandler(recorder UsageRecorder, limiter middleware.AgentLimiter, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		recorder: recorder,
		limiter:  limiter,
		logger:   logger,
	}
}

// HandleRecordUsage handles POST /v1/usage. With a limit the capped period
// is incremented atomically; a refused increment answers 409 with the
// current totals in the details.
func (h *UsageHandler) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req RecordUsageRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteErrorObject(w, http.StatusBadRequest, utils.ErrorResponse{
			Error:   utils.ErrorInvalidRequest,
			Code:    utils.CodeInvalidRequest,
			Message: err.Error(),
		})
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if h.limiter != nil {
		if err := h.limiter.Allow(req.AgentID); err != nil {
			HandleDecisionError(w, err, "", req.AgentID, h.logger)
			return
		}
	}

	res, err := h.recorder.Record(ctx, usage.RecordRequest{
		AgentID:    req.AgentID,
		Capability: req.Capability,
		Resource:   req.Resource,
		Amount:     req.Amount,
		DecisionID: req.DecisionID,
		Limit:      req.Limit,
		Period:     models.UsagePeriod(req.Period),
	})
	if err != nil {
		if res != nil {
			status, body := utils.ErrorObject(err, "", req.AgentID)
			if body.Details == nil {
				body.Details = map[string]interface{}{}
			}
			body.Details["totals"] = res.Totals
			_ = utils.WriteErrorObject(w, status, body)
			return
		}
		HandleDecisionError(w, err, "", req.AgentID, h.logger)
		return
	}

	h.logger.Debug("usage recorded",
		zap.String("request_id", requestID),
		zap.String("agent_id", req.AgentID),
		zap.String("decision_id", req.DecisionID))

	if err := utils.WriteOK(w, res); err != nil {
		h.logger.Error("failed to write usage response", zap.Error(err))
	}
}

// HandleGetUsage handles GET /v1/usage?agent_id=&capability=&resource=&period=
func (h *UsageHandler) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	if !models.IsValidPassportID(agentID) {
		_ = utils.WriteErrorObject(w, http.StatusBadRequest, utils.ErrorResponse{
			Error:   utils.ErrorInvalidRequest,
			Code:    utils.CodeInvalidAgentID,
			Message: "agent_id must match ap_[a-z0-9]+",
			AgentID: agentID,
		})
		return
	}
	capability, resource := q.Get("capability"), q.Get("resource")
	if capability == "" || resource == "" {
		_ = utils.WriteBadRequest(w, "capability and resource are required", nil)
		return
	}
	period, err := models.ParseUsagePeriod(q.Get("period"))
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	total, err := h.recorder.Current(r.Context(), agentID, capability, resource, period)
	if err != nil {
		HandleDecisionError(w, err, "", agentID, h.logger)
		return
	}

	if err := utils.WriteOK(w, UsageTotalResponse{
		AgentID:    agentID,
		Capability: capability,
		Resource:   resource,
		Period:     period,
		Total:      total,
	}); err != nil {
		h.logger.Error("failed to write usage response", zap.Error(err))
	}
}
