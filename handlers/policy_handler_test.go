package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/utils"
)

type fakeCatalog struct {
	policies []*models.Policy
}

func (c *fakeCatalog) ListPolicies() []*models.Policy {
	return c.policies
}

func (c *fakeCatalog) GetPolicy(id, version string) (*models.Policy, error) {
	for _, p := range c.policies {
		if p.ID == id && (version == "" || p.Version == version) {
			return p, nil
		}
	}
	return nil, services.ErrPolicyNotFound
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{policies: []*models.Policy{
		{
			ID:                   "finance.payment.refund",
			Name:                 "Refunds",
			Version:              "1.0.0",
			Status:               models.PolicyStatusActive,
			RequiresCapabilities: []string{"finance.payment.refund"},
			MinAssurance:         models.AssuranceL2,
			Cache:                models.CacheHints{TTLSeconds: 60},
		},
		{
			ID:                   "finance.payment.refund",
			Name:                 "Refunds",
			Version:              "1.1.0",
			Status:               models.PolicyStatusActive,
			RequiresCapabilities: []string{"finance.payment.refund"},
			MinAssurance:         models.AssuranceL2,
		},
	}}
}

func routePolicy(h *PolicyHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/policies", h.HandleListPolicies)
	r.Get("/v1/policies/{policy_id}", h.HandleGetPolicy)
	return r
}

func TestHandleListPolicies(t *testing.T) {
	h := NewPolicyHandler(testCatalog(), zap.NewNop())

	w := httptest.NewRecorder()
	routePolicy(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/policies", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data PolicyListResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, 2, response.Data.Count)
	require.Len(t, response.Data.Policies, 2)
	assert.Equal(t, 60, response.Data.Policies[0].DecisionTTLSeconds)
	assert.Equal(t, int(models.DefaultDecisionTTL.Seconds()), response.Data.Policies[1].DecisionTTLSeconds)
}

func TestHandleListPolicies_Empty(t *testing.T) {
	h := NewPolicyHandler(&fakeCatalog{}, zap.NewNop())

	w := httptest.NewRecorder()
	routePolicy(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/policies", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"policies":[]`)
}

func TestHandleGetPolicy(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedCode   string
		expectedVer    string
	}{
		{
			name:           "first match",
			path:           "/v1/policies/finance.payment.refund",
			expectedStatus: http.StatusOK,
			expectedVer:    "1.0.0",
		},
		{
			name:           "explicit version",
			path:           "/v1/policies/finance.payment.refund?version=1.1.0",
			expectedStatus: http.StatusOK,
			expectedVer:    "1.1.0",
		},
		{
			name:           "unknown policy",
			path:           "/v1/policies/finance.payment.capture",
			expectedStatus: http.StatusNotFound,
			expectedCode:   utils.CodePolicyNotFound,
		},
		{
			name:           "invalid id",
			path:           "/v1/policies/Not-A-Policy",
			expectedStatus: http.StatusBadRequest,
			expectedCode:   utils.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPolicyHandler(testCatalog(), zap.NewNop())

			w := httptest.NewRecorder()
			routePolicy(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				var response struct {
					Data models.Policy `json:"data"`
				}
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Equal(t, tt.expectedVer, response.Data.Version)
				return
			}
			body := decodeError(t, w)
			assert.Equal(t, tt.expectedCode, body.Code)
		})
	}
}
