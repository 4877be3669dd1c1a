package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/utils"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var body utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
		expectedCode   string
	}{
		{
			name:           "policy not found",
			err:            services.ErrPolicyNotFound,
			expectedStatus: http.StatusNotFound,
			expectedError:  "not_found",
			expectedCode:   utils.CodePolicyNotFound,
		},
		{
			name:           "passport not found wrapped",
			err:            fmt.Errorf("lookup: %w", services.ErrPassportNotFound),
			expectedStatus: http.StatusNotFound,
			expectedError:  "not_found",
			expectedCode:   utils.CodePassportNotFound,
		},
		{
			name:           "invalid agent id",
			err:            services.ErrInvalidAgentID,
			expectedStatus: http.StatusBadRequest,
			expectedError:  utils.ErrorInvalidRequest,
			expectedCode:   utils.CodeInvalidAgentID,
		},
		{
			name:           "rate limited",
			err:            services.ErrRateLimitExceeded,
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "rate_limit_exceeded",
			expectedCode:   utils.CodeRateLimited,
		},
		{
			name:           "usage cap",
			err:            services.ErrUsageCapExceeded,
			expectedStatus: http.StatusConflict,
			expectedError:  "conflict",
			expectedCode:   utils.CodeUsageCapExceeded,
		},
		{
			name:           "store unavailable",
			err:            services.WrapExternal("redis down", errors.New("dial tcp")),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  utils.ErrorPolicyVerificationError,
		},
		{
			name:           "unknown error",
			err:            errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, zap.NewNop())

			assert.Equal(t, tt.expectedStatus, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.expectedError, body.Error)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, body.Code)
			}
		})
	}
}

func TestHandleDecisionError(t *testing.T) {
	t.Run("nil error writes nothing", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleDecisionError(w, nil, "finance.payment.refund", "ap_a", zap.NewNop())
		assert.Equal(t, 0, w.Body.Len())
	})

	t.Run("server errors are logged", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		w := httptest.NewRecorder()

		HandleDecisionError(w, errors.New("boom"), "finance.payment.refund", "ap_a", zap.New(core))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		require.Equal(t, 1, logs.FilterMessage("request failed").Len())
		body := decodeError(t, w)
		assert.Equal(t, "finance.payment.refund", body.PolicyID)
		assert.Equal(t, "ap_a", body.AgentID)
		assert.Equal(t, "An internal error occurred", body.Message)
	})

	t.Run("client errors log at debug", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		w := httptest.NewRecorder()

		HandleDecisionError(w, services.ErrPolicyNotFound, "x.y", "", zap.New(core))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, 0, logs.Len())
	})
}

func TestHandleValidationError(t *testing.T) {
	type payload struct {
		AgentID string `json:"agent_id" validate:"required,passport_id"`
		Amount  int64  `json:"amount" validate:"gt=0"`
	}

	t.Run("agent id field", func(t *testing.T) {
		err := utils.ValidateStruct(&payload{AgentID: "bad", Amount: 1})
		require.Error(t, err)

		w := httptest.NewRecorder()
		HandleValidationError(w, err, zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, utils.CodeInvalidAgentID, body.Code)
		assert.Contains(t, body.Details, "agent_id")
	})

	t.Run("other field", func(t *testing.T) {
		err := utils.ValidateStruct(&payload{AgentID: "ap_ok", Amount: 0})
		require.Error(t, err)

		w := httptest.NewRecorder()
		HandleValidationError(w, err, zap.NewNop())

		body := decodeError(t, w)
		assert.Equal(t, utils.CodeInvalidRequest, body.Code)
		assert.Contains(t, body.Details, "amount")
	})

	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleValidationError(w, errors.New("bad input"), zap.NewNop())

		body := decodeError(t, w)
		assert.Equal(t, "bad input", body.Message)
		assert.Nil(t, body.Details)
	})
}
