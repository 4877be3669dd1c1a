package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/utils"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	HandleDecisionError(w, err, "", "", logger)
}

// HandleDecisionError writes err as a decision API error object naming the
// policy and agent involved
func HandleDecisionError(w http.ResponseWriter, err error, policyID, agentID string, logger *zap.Logger) {
	if err == nil {
		return
	}

	status, body := utils.ErrorObject(err, policyID, agentID)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("policy_id", policyID),
			zap.String("agent_id", agentID),
			zap.String("error_type", string(services.GetErrorType(err))),
			zap.Error(err))
	} else {
		logger.Debug("handled service error",
			zap.Int("status", status),
			zap.String("code", body.Code),
			zap.Error(err))
	}

	if err := utils.WriteErrorObject(w, status, body); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	body := utils.ErrorResponse{
		Error:   utils.ErrorInvalidRequest,
		Code:    utils.CodeInvalidRequest,
		Message: err.Error(),
	}
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		body.Details = make(map[string]interface{}, len(fields))
		for k, v := range fields {
			body.Details[k] = v
		}
		if _, ok := fields["agent_id"]; ok {
			body.Code = utils.CodeInvalidAgentID
		} else if _, ok := fields["passport_id"]; ok {
			body.Code = utils.CodeInvalidAgentID
		}
	}

	if err := utils.WriteErrorObject(w, http.StatusBadRequest, body); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
