package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/middleware"
	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/utils"
)

// PolicyCatalog exposes the loaded policies
type PolicyCatalog interface {
	ListPolicies() []*models.Policy
	GetPolicy(id, version string) (*models.Policy, error)
}

// PolicySummary is a policy in list responses
type PolicySummary struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	Version              string                `json:"version"`
	Status               models.PolicyStatus   `json:"status"`
	RequiresCapabilities []string              `json:"requires_capabilities"`
	MinAssurance         models.AssuranceLevel `json:"min_assurance"`
	DecisionTTLSeconds   int                   `json:"decision_ttl_seconds"`
}

// PolicyListResponse is the body of GET /v1/policies
type PolicyListResponse struct {
	Policies []PolicySummary `json:"policies"`
	Count    int             `json:"count"`
}

// PolicyHandler handles policy-related HTTP requests
type PolicyHandler struct {
	catalog PolicyCatalog
	logger  *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(catalog PolicyCatalog, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		catalog: catalog,
		logger:  logger,
	}
}

// HandleListPolicies handles GET /v1/policies
func (h *PolicyHandler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	policies := h.catalog.ListPolicies()
	resp := PolicyListResponse{
		Policies: make([]PolicySummary, 0, len(policies)),
		Count:    len(policies),
	}
	for _, p := range policies {
		resp.Policies = append(resp.Policies, PolicySummary{
			ID:                   p.ID,
			Name:                 p.Name,
			Version:              p.Version,
			Status:               p.Status,
			RequiresCapabilities: p.RequiresCapabilities,
			MinAssurance:         p.MinAssurance,
			DecisionTTLSeconds:   int(p.TTL().Seconds()),
		})
	}

	h.logger.Debug("listing policies",
		zap.String("request_id", requestID),
		zap.Int("count", resp.Count))

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write policies response", zap.Error(err))
	}
}

// HandleGetPolicy handles GET /v1/policies/{policy_id}?version=
func (h *PolicyHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policy_id")
	version := r.URL.Query().Get("version")

	if !utils.IsValidPolicyID(policyID) {
		HandleDecisionError(w, invalidPolicyID(policyID), policyID, "", h.logger)
		return
	}

	p, err := h.catalog.GetPolicy(policyID, version)
	if err != nil {
		HandleDecisionError(w, err, policyID, "", h.logger)
		return
	}

	if err := utils.WriteOK(w, p); err != nil {
		h.logger.Error("failed to write policy response", zap.Error(err))
	}
}

func invalidPolicyID(id string) error {
	return services.NewDomainError(services.ErrorTypeValidation,
		fmt.Sprintf("Invalid policy id %q", id), services.ErrInvalidPolicyID).WithDetail("policy_id", id)
}
