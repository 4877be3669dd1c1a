package utils

import (
	"net/http"
	"strconv"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
)

// Error names and codes of the decision API error object
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorPolicyDenied            = "policy_denied"
	ErrorPolicyVerificationError = "policy_verification_error"

	CodeInvalidRequest   = "oap.invalid_request"
	CodeInvalidAgentID   = "oap.invalid_agent_id"
	CodePolicyNotFound   = "oap.policy_not_found"
	CodePassportNotFound = "oap.passport_not_found"
	CodeRateLimited      = "oap.rate_limited"
	CodeUsageCapExceeded = "oap.usage_cap_exceeded"
)

var upgradeInstructions = map[string]string{
	models.ReasonPassportSuspended:     "Contact the passport owner to reactivate this agent",
	models.ReasonUnknownCapability:     "Request the required capability on the agent passport",
	models.ReasonAssuranceInsufficient: "Raise the passport assurance level",
	models.ReasonLimitExceeded:         "Request higher limits or retry in a later period",
	models.ReasonCurrencyUnsupported:   "Use a currency supported by this policy",
}

// UpgradeInstructions returns the remediation hint for a deny reason code
func UpgradeInstructions(code string) string {
	return upgradeInstructions[code]
}

// ErrorObject maps err to its HTTP status and decision API error object.
// Infrastructure failures become 500 policy_verification_error; internal
// error messages are not exposed.
func ErrorObject(err error, policyID, agentID string) (int, ErrorResponse) {
	resp := ErrorResponse{
		Message:  services.Message(err),
		PolicyID: policyID,
		AgentID:  agentID,
	}
	if details := services.GetErrorDetails(err); len(details) > 0 {
		resp.Details = details
	}

	var status int
	switch {
	case services.IsValidationError(err):
		status = http.StatusBadRequest
		resp.Error = ErrorInvalidRequest
		switch {
		case services.HasSentinel(err, services.ErrInvalidAgentID):
			resp.Code = CodeInvalidAgentID
		case services.HasSentinel(err, services.ErrInvalidContext):
			resp.Code = models.ReasonInvalidContext
		default:
			resp.Code = CodeInvalidRequest
		}

	case services.IsNotFoundError(err):
		status = http.StatusNotFound
		resp.Error = "not_found"
		switch {
		case services.HasSentinel(err, services.ErrPassportNotFound):
			resp.Code = CodePassportNotFound
		case services.HasSentinel(err, services.ErrPolicyNotFound):
			resp.Code = CodePolicyNotFound
		}

	case services.IsUnauthorizedError(err):
		status = http.StatusUnauthorized
		resp.Error = "unauthorized"

	case services.IsForbiddenError(err), services.IsPolicyViolationError(err):
		status = http.StatusForbidden
		resp.Error = ErrorPolicyDenied
		resp.Code = models.ReasonPolicyDenied

	case services.IsRateLimitError(err):
		status = http.StatusTooManyRequests
		resp.Error = "rate_limit_exceeded"
		resp.Code = CodeRateLimited

	case services.IsConflictError(err):
		status = http.StatusConflict
		resp.Error = "conflict"
		switch {
		case services.HasSentinel(err, services.ErrUsageCapExceeded):
			resp.Code = CodeUsageCapExceeded
		case services.HasSentinel(err, services.ErrIdempotencyConflict):
			resp.Code = models.ReasonIdempotencyConflict
		}

	case services.IsExternalError(err):
		status = http.StatusInternalServerError
		resp.Error = ErrorPolicyVerificationError
		resp.Code = models.ReasonPolicyVerificationFailed
		resp.Message = "Policy verification failed"

	default:
		status = http.StatusInternalServerError
		resp.Error = "internal_error"
		resp.Message = "An internal error occurred"
		resp.Details = nil
	}
	return status, resp
}

// DenyObject builds the 403 error object for a deny decision
func DenyObject(d *models.Decision) ErrorResponse {
	reason := d.FirstReason()
	return ErrorResponse{
		Error:               ErrorPolicyDenied,
		Code:                reason.Code,
		Message:             reason.Message,
		PolicyID:            d.PolicyID,
		AgentID:             d.AgentID,
		UpgradeInstructions: UpgradeInstructions(reason.Code),
		Details:             map[string]interface{}{"decision_id": d.DecisionID},
	}
}

// WriteErrorObject writes body with status. Throttled responses carry
// Retry-After when the details hold retry_after_ms.
func WriteErrorObject(w http.ResponseWriter, status int, body ErrorResponse) error {
	if ms, ok := body.Details["retry_after_ms"].(int64); ok && ms > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
	}
	return WriteJSON(w, status, body)
}
