package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdempotencyKey identifies one logical request per policy and agent
type IdempotencyKey struct {
	PolicyID string `json:"policy_id"`
	AgentID  string `json:"agent_id"`
	Key      string `json:"key"`
}

// String returns the storage key
func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.PolicyID, k.AgentID, k.Key)
}

// IdempotencyRecord binds an idempotency key to the decision it produced
type IdempotencyRecord struct {
	IdempotencyKey
	DecisionID string    `json:"decision_id" db:"decision_id"`
	Outcome    string    `json:"outcome" db:"outcome"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the IdempotencyRecord model
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}

// Outcomes stored with idempotency records
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
)

// UsagePeriod represents the bucket a usage counter aggregates over
type UsagePeriod string

const (
	PeriodMinute  UsagePeriod = "minute"
	PeriodDaily   UsagePeriod = "daily"
	PeriodMonthly UsagePeriod = "monthly"
)

// ParseUsagePeriod validates a period name
func ParseUsagePeriod(s string) (UsagePeriod, error) {
	switch UsagePeriod(s) {
	case PeriodMinute, PeriodDaily, PeriodMonthly:
		return UsagePeriod(s), nil
	case "":
		return PeriodDaily, nil
	}
	return "", fmt.Errorf("unknown usage period %q", s)
}

// Bucket returns the period key containing t
func (p UsagePeriod) Bucket(t time.Time) string {
	return t.UTC().Format(p.layout())
}

// End returns the instant the bucket containing t closes
func (p UsagePeriod) End(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodMinute:
		return t.Truncate(time.Minute).Add(time.Minute)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
	}
}

func (p UsagePeriod) layout() string {
	switch p {
	case PeriodMinute:
		return "2006-01-02T15:04"
	case PeriodMonthly:
		return "2006-01"
	}
	return "2006-01-02"
}

// BucketEnd returns the instant a bucket key produced by Bucket closes
func (p UsagePeriod) BucketEnd(bucket string) (time.Time, error) {
	start, err := time.ParseInLocation(p.layout(), bucket, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s bucket %q: %w", p, bucket, err)
	}
	return p.End(start), nil
}

// UsagePeriods lists every period a usage record is counted in
func UsagePeriods() []UsagePeriod {
	return []UsagePeriod{PeriodMinute, PeriodDaily, PeriodMonthly}
}

// UsageKey identifies one running total
type UsageKey struct {
	AgentID    string      `json:"agent_id"`
	Capability string      `json:"capability"`
	Resource   string      `json:"resource"`
	Period     UsagePeriod `json:"period"`
	Bucket     string      `json:"bucket"`
}

// NewUsageKey builds the key for the bucket containing now
func NewUsageKey(agentID, capability, resource string, period UsagePeriod, now time.Time) UsageKey {
	return UsageKey{
		AgentID:    agentID,
		Capability: capability,
		Resource:   resource,
		Period:     period,
		Bucket:     period.Bucket(now),
	}
}

// ScopeKey returns the agent/capability/resource part of the key
func (k UsageKey) ScopeKey() string {
	return fmt.Sprintf("agent:%s:cap:%s:res:%s", k.AgentID, k.Capability, k.Resource)
}

// String returns the full storage key
func (k UsageKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ScopeKey(), k.Period, k.Bucket)
}

// DecisionAuditRecord is the persisted trail of one decision
type DecisionAuditRecord struct {
	ID            uuid.UUID `json:"id" db:"id"`
	DecisionID    string    `json:"decision_id" db:"decision_id"`
	PolicyID      string    `json:"policy_id" db:"policy_id"`
	PolicyVersion string    `json:"policy_version" db:"policy_version"`
	PassportID    string    `json:"passport_id" db:"passport_id"`
	OwnerID       string    `json:"owner_id" db:"owner_id"`
	Allow         bool      `json:"allow" db:"allow"`
	ReasonCodes   []string  `json:"reason_codes" db:"reason_codes"`
	ContextDigest string    `json:"context_digest" db:"context_digest"`
	RequestID     string    `json:"request_id" db:"request_id"`
	LatencyMs     int       `json:"latency_ms" db:"latency_ms"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the DecisionAuditRecord model
func (DecisionAuditRecord) TableName() string {
	return "decision_audit"
}

// NewDecisionAuditRecord creates an audit record for a decision
func NewDecisionAuditRecord(d *Decision) *DecisionAuditRecord {
	return &DecisionAuditRecord{
		ID:            uuid.New(),
		DecisionID:    d.DecisionID,
		PolicyID:      d.PolicyID,
		PolicyVersion: d.PolicyVersion,
		PassportID:    d.PassportID,
		OwnerID:       d.OwnerID,
		Allow:         d.Allow,
		ReasonCodes:   d.ReasonCodes(),
		ContextDigest: d.ContextDigest,
		CreatedAt:     time.Now().UTC(),
	}
}

// WithRequest sets request correlation data
func (r *DecisionAuditRecord) WithRequest(requestID string, latency time.Duration) *DecisionAuditRecord {
	r.RequestID = requestID
	r.LatencyMs = int(latency.Milliseconds())
	return r
}

// UsageCounter is one persisted running total
type UsageCounter struct {
	UsageKey
	Total     int64     `json:"total" db:"total"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the UsageCounter model
func (UsageCounter) TableName() string {
	return "usage_counters"
}
