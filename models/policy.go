package models

import (
	"encoding/json"
	"time"
)

// PolicyStatus represents the publication state of a policy document
type PolicyStatus string

const (
	PolicyStatusActive     PolicyStatus = "active"
	PolicyStatusDraft      PolicyStatus = "draft"
	PolicyStatusDeprecated PolicyStatus = "deprecated"
)

// RuleType represents how an evaluation rule is checked
type RuleType string

const (
	RuleTypeExpression      RuleType = "expression"
	RuleTypeCustomValidator RuleType = "custom_validator"
)

// ViolationKind classifies context validation failures
type ViolationKind string

const (
	ViolationMissing        ViolationKind = "missing"
	ViolationType           ViolationKind = "type"
	ViolationCurrency       ViolationKind = "currency"
	ViolationAmount         ViolationKind = "amount"
	ViolationIdempotencyKey ViolationKind = "idempotency_key"
	ViolationSchema         ViolationKind = "schema"
)

// DefaultMaxAmountMinor is the exclusive upper bound for minor-unit amounts
const DefaultMaxAmountMinor int64 = 1_000_000_000

// DefaultDecisionTTL applies when a policy has no cache hint
const DefaultDecisionTTL = 60 * time.Second

// Policy is a named, versioned rule set gating one class of agent action.
// Policies are immutable once loaded.
type Policy struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	Version              string           `json:"version"`
	Status               PolicyStatus     `json:"status"`
	RequiresCapabilities []string         `json:"requires_capabilities"`
	MinAssurance         AssuranceLevel   `json:"min_assurance"`
	RequiredContext      json.RawMessage  `json:"required_context,omitempty"`
	EvaluationRules      []EvaluationRule `json:"evaluation_rules"`
	Enforcement          Enforcement      `json:"enforcement"`
	Cache                CacheHints       `json:"cache"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// EvaluationRule is one declarative check in a policy
type EvaluationRule struct {
	Name        string                 `json:"name"`
	Type        RuleType               `json:"type"`
	Condition   json.RawMessage        `json:"condition,omitempty"`
	Validator   string                 `json:"validator,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	DenyCode    string                 `json:"deny_code"`
	Description string                 `json:"description"`
}

// Enforcement holds policy-level enforcement switches
type Enforcement struct {
	IdempotencyRequired   bool                     `json:"idempotency_required"`
	AssuranceOverridePath string                   `json:"assurance_override_path,omitempty"`
	Capability            string                   `json:"capability,omitempty"`
	AmountField           string                   `json:"amount_field,omitempty"`
	CurrencyField         string                   `json:"currency_field,omitempty"`
	SupportedCurrencies   []string                 `json:"supported_currencies,omitempty"`
	MaxAmountMinor        int64                    `json:"max_amount_minor,omitempty"`
	TickSizeMinor         map[string]int64         `json:"tick_size_minor,omitempty"`
	ViolationCodes        map[ViolationKind]string `json:"violation_codes,omitempty"`
}

// CacheHints carries decision caching hints
type CacheHints struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// TTL returns the decision lifetime for this policy
func (p *Policy) TTL() time.Duration {
	if p.Cache.TTLSeconds <= 0 {
		return DefaultDecisionTTL
	}
	return time.Duration(p.Cache.TTLSeconds) * time.Second
}

// LimitsCapability returns the capability whose limits drive evaluation
func (p *Policy) LimitsCapability() string {
	if p.Enforcement.Capability != "" {
		return p.Enforcement.Capability
	}
	if len(p.RequiresCapabilities) > 0 {
		return p.RequiresCapabilities[0]
	}
	return ""
}

// AmountField returns the context field holding the minor-unit amount, or "" when none
func (p *Policy) AmountField() string {
	return p.Enforcement.AmountField
}

// CurrencyField returns the context field holding the ISO 4217 currency, or "" when none
func (p *Policy) CurrencyField() string {
	return p.Enforcement.CurrencyField
}

// MaxAmountMinor returns the exclusive amount bound
func (p *Policy) MaxAmountMinor() int64 {
	if p.Enforcement.MaxAmountMinor > 0 {
		return p.Enforcement.MaxAmountMinor
	}
	return DefaultMaxAmountMinor
}

var defaultViolationCodes = map[ViolationKind]string{
	ViolationMissing:        "missing_required_field",
	ViolationType:           ReasonInvalidContext,
	ViolationCurrency:       ReasonCurrencyUnsupported,
	ViolationAmount:         "invalid_amount",
	ViolationIdempotencyKey: "invalid_idempotency_key",
	ViolationSchema:         ReasonInvalidContext,
}

// ViolationCode maps a validation failure kind to this policy's reason code
func (p *Policy) ViolationCode(kind ViolationKind) string {
	if code, ok := p.Enforcement.ViolationCodes[kind]; ok && code != "" {
		return code
	}
	if code, ok := defaultViolationCodes[kind]; ok {
		return code
	}
	return ReasonInvalidContext
}

// Key returns the registry key of the policy
func (p *Policy) Key() string {
	return p.ID + "@" + p.Version
}
