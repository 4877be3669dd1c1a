package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/usage"
	"github.com/upb/oap-policy-engine/utils"
)

func newUsageHandler() *UsageHandler {
	svc := usage.NewUsageService(usage.NewMemoryCounter(), zap.NewNop())
	return NewUsageHandler(svc, nil, zap.NewNop())
}

func postUsage(h *UsageHandler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.HandleRecordUsage(w, httptest.NewRequest(http.MethodPost, "/v1/usage", strings.NewReader(body)))
	return w
}

func TestHandleRecordUsage(t *testing.T) {
	h := newUsageHandler()

	w := postUsage(h, `{"agent_id":"ap_refund01","capability":"finance.payment.refund","resource":"refunds","amount":3,"decision_id":"dec_1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data usage.RecordResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.True(t, response.Data.Recorded)
	assert.Equal(t, int64(3), response.Data.Totals[models.PeriodDaily])
	assert.Equal(t, int64(3), response.Data.Totals[models.PeriodMonthly])
}

func TestHandleRecordUsage_Cap(t *testing.T) {
	h := newUsageHandler()
	body := `{"agent_id":"ap_refund01","capability":"finance.payment.refund","resource":"refunds","amount":4,"limit":5,"period":"daily"}`

	require.Equal(t, http.StatusOK, postUsage(h, body).Code)

	w := postUsage(h, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	errBody := decodeError(t, w)
	assert.Equal(t, utils.CodeUsageCapExceeded, errBody.Code)
	assert.Equal(t, "ap_refund01", errBody.AgentID)
	assert.EqualValues(t, 1, errBody.Details["remaining"])
	assert.Contains(t, errBody.Details, "totals")
}

func TestHandleRecordUsage_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
		field    string
	}{
		{
			name:     "bad agent",
			body:     `{"agent_id":"nope","capability":"c","resource":"r","amount":1}`,
			wantCode: utils.CodeInvalidAgentID,
			field:    "agent_id",
		},
		{
			name:     "zero amount",
			body:     `{"agent_id":"ap_a","capability":"c","resource":"r","amount":0}`,
			wantCode: utils.CodeInvalidRequest,
			field:    "amount",
		},
		{
			name:     "unknown period",
			body:     `{"agent_id":"ap_a","capability":"c","resource":"r","amount":1,"period":"hourly"}`,
			wantCode: utils.CodeInvalidRequest,
			field:    "period",
		},
		{
			name:     "empty body",
			body:     ``,
			wantCode: utils.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postUsage(newUsageHandler(), tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.wantCode, body.Code)
			if tt.field != "" {
				assert.Contains(t, body.Details, tt.field)
			}
		})
	}
}

func TestHandleGetUsage(t *testing.T) {
	h := newUsageHandler()
	require.Equal(t, http.StatusOK,
		postUsage(h, `{"agent_id":"ap_a","capability":"c","resource":"r","amount":7}`).Code)

	t.Run("total", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleGetUsage(w, httptest.NewRequest(http.MethodGet,
			"/v1/usage?agent_id=ap_a&capability=c&resource=r&period=monthly", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Data UsageTotalResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, int64(7), response.Data.Total)
		assert.Equal(t, models.PeriodMonthly, response.Data.Period)
	})

	t.Run("default period is daily", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleGetUsage(w, httptest.NewRequest(http.MethodGet,
			"/v1/usage?agent_id=ap_a&capability=c&resource=r", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"period":"daily"`)
	})

	t.Run("invalid agent", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleGetUsage(w, httptest.NewRequest(http.MethodGet,
			"/v1/usage?agent_id=bad&capability=c&resource=r", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, utils.CodeInvalidAgentID, decodeError(t, w).Code)
	})

	t.Run("missing resource", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleGetUsage(w, httptest.NewRequest(http.MethodGet, "/v1/usage?agent_id=ap_a&capability=c", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
