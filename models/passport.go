package models

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// PassportStatus represents the lifecycle state of an agent passport
type PassportStatus string

const (
	PassportStatusActive    PassportStatus = "active"
	PassportStatusSuspended PassportStatus = "suspended"
	PassportStatusRevoked   PassportStatus = "revoked"
)

// passportIDPattern is the header/path convention for agent passport ids
var passportIDPattern = regexp.MustCompile(`^ap_[a-z0-9]+$`)

// IsValidPassportID reports whether id is an ap_ passport id or a UUID agent id
func IsValidPassportID(id string) bool {
	if passportIDPattern.MatchString(id) {
		return true
	}
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

// Capability is a dotted permission grant with optional parameters
type Capability struct {
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Passport is an agent's verified identity record.
// It is read-only to the decision core; evaluation never mutates it.
type Passport struct {
	PassportID     string                 `json:"passport_id" db:"passport_id"`
	AgentID        string                 `json:"agent_id,omitempty" db:"-"`
	Name           string                 `json:"name,omitempty" db:"name"`
	OwnerID        string                 `json:"owner_id" db:"owner_id"`
	OwnerType      string                 `json:"owner_type,omitempty" db:"owner_type"`
	Status         PassportStatus         `json:"status" db:"status"`
	AssuranceLevel AssuranceLevel         `json:"assurance_level" db:"assurance_level"`
	Capabilities   []Capability           `json:"capabilities" db:"capabilities"`
	Limits         map[string]interface{} `json:"limits" db:"limits"`
	Regions        []string               `json:"regions,omitempty" db:"regions"`
	Version        string                 `json:"version,omitempty" db:"version"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Passport model
func (Passport) TableName() string {
	return "passports"
}

// UnmarshalJSON accepts agent_id as an alias of passport_id
func (p *Passport) UnmarshalJSON(data []byte) error {
	type alias Passport
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.PassportID == "" {
		raw.PassportID = raw.AgentID
	}
	*p = Passport(raw)
	return nil
}

// ID returns the passport id, falling back to the agent id
func (p *Passport) ID() string {
	if p.PassportID != "" {
		return p.PassportID
	}
	return p.AgentID
}

// IsActive reports whether the passport may be used for decisions
func (p *Passport) IsActive() bool {
	return p.Status == PassportStatusActive
}

// Capability returns the capability entry with the given id
func (p *Passport) Capability(id string) (Capability, bool) {
	for _, c := range p.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// HasAnyCapability reports whether the passport holds at least one of ids
func (p *Passport) HasAnyCapability(ids []string) bool {
	for _, id := range ids {
		if _, ok := p.Capability(id); ok {
			return true
		}
	}
	return false
}
