package models

import "time"

// Severity represents how a reason should be treated by callers
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Stable reason codes shared across policy packs
const (
	ReasonAllowed                  = "oap.allowed"
	ReasonPassportSuspended        = "oap.passport_suspended"
	ReasonUnknownCapability        = "oap.unknown_capability"
	ReasonAssuranceInsufficient    = "oap.assurance_insufficient"
	ReasonInvalidContext           = "oap.invalid_context"
	ReasonCurrencyUnsupported      = "oap.currency_unsupported"
	ReasonLimitExceeded            = "oap.limit_exceeded"
	ReasonIdempotencyConflict      = "oap.idempotency_conflict"
	ReasonPolicyVerificationFailed = "oap.policy_verification_failed"
	ReasonPolicyDenied             = "oap.policy_denied"
)

// Reason is a machine-readable decision cause
type Reason struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the signed, time-bounded output of evaluating a policy.
// A decision is immutable once built.
type Decision struct {
	DecisionID        string           `json:"decision_id"`
	PolicyID          string           `json:"policy_id"`
	PolicyVersion     string           `json:"policy_version,omitempty"`
	PassportID        string           `json:"passport_id"`
	AgentID           string           `json:"agent_id"`
	OwnerID           string           `json:"owner_id"`
	AssuranceLevel    AssuranceLevel   `json:"assurance_level"`
	Allow             bool             `json:"allow"`
	Reasons           []Reason         `json:"reasons"`
	IssuedAt          time.Time        `json:"issued_at"`
	CreatedAt         time.Time        `json:"created_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	ExpiresIn         int              `json:"expires_in"`
	PassportDigest    string           `json:"passport_digest"`
	ContextDigest     string           `json:"context_digest,omitempty"`
	RemainingDailyCap map[string]int64 `json:"remaining_daily_cap,omitempty"`
	Signature         string           `json:"signature,omitempty"`
	KID               string           `json:"kid,omitempty"`
}

// FirstReason returns the leading reason, or the zero value when none
func (d *Decision) FirstReason() Reason {
	if d == nil || len(d.Reasons) == 0 {
		return Reason{}
	}
	return d.Reasons[0]
}

// HasReason reports whether any reason carries the code
func (d *Decision) HasReason(code string) bool {
	if d == nil {
		return false
	}
	for _, r := range d.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// ReasonCodes returns the codes of all reasons in order
func (d *Decision) ReasonCodes() []string {
	if d == nil {
		return nil
	}
	codes := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		codes = append(codes, r.Code)
	}
	return codes
}

// Expired reports whether the decision is past its expiry at now
func (d *Decision) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// Clone returns a deep copy safe to hand out from caches
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	c := *d
	c.Reasons = append([]Reason(nil), d.Reasons...)
	if d.RemainingDailyCap != nil {
		c.RemainingDailyCap = make(map[string]int64, len(d.RemainingDailyCap))
		for k, v := range d.RemainingDailyCap {
			c.RemainingDailyCap[k] = v
		}
	}
	return &c
}
