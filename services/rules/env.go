package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/limits"
)

// IdempotencyLookup finds the decision previously recorded for a key.
// A missing key returns nil, nil.
type IdempotencyLookup interface {
	Lookup(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error)
}

// UsageReader reads the running total for a usage key
type UsageReader interface {
	Current(ctx context.Context, key models.UsageKey) (int64, error)
}

// Env is everything a condition or validator may read during one evaluation
type Env struct {
	Policy      *models.Policy
	Passport    *models.Passport
	Context     map[string]interface{}
	Limits      limits.View
	Capability  string
	Now         time.Time
	Idempotency IdempotencyLookup
	Usage       UsageReader

	passportDoc map[string]interface{}
}

func newEnv(p *models.Policy, pp *models.Passport, ctx map[string]interface{}, view limits.View, capability string, now time.Time) *Env {
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	return &Env{
		Policy:      p,
		Passport:    pp,
		Context:     ctx,
		Limits:      view,
		Capability:  capability,
		Now:         now,
		passportDoc: passportDocument(pp),
	}
}

// passportDocument exposes passport fields to conditions under the passport root
func passportDocument(p *models.Passport) map[string]interface{} {
	if p == nil {
		return nil
	}
	caps := make([]interface{}, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		caps = append(caps, c.ID)
	}
	doc := map[string]interface{}{
		"passport_id":     p.ID(),
		"agent_id":        p.ID(),
		"owner_id":        p.OwnerID,
		"owner_type":      p.OwnerType,
		"status":          string(p.Status),
		"assurance_level": string(p.AssuranceLevel),
		"capabilities":    caps,
	}
	// regions stays absent when unset so optional region checks skip
	if len(p.Regions) > 0 {
		regions := make([]interface{}, 0, len(p.Regions))
		for _, r := range p.Regions {
			regions = append(regions, r)
		}
		doc["regions"] = regions
	}
	return doc
}

func (e *Env) root(name string) (interface{}, bool) {
	switch name {
	case RootContext:
		return e.Context, true
	case RootLimits:
		return e.Limits.Map(), true
	case RootPassport:
		return e.passportDoc, e.passportDoc != nil
	}
	return nil, false
}

// Resolve returns the value at a parsed path, or nil when absent
func (e *Env) Resolve(p *FieldPath) interface{} {
	if p == nil {
		return nil
	}
	return p.resolve(e)
}

// Lookup parses and resolves a dotted path
func (e *Env) Lookup(path string) (interface{}, error) {
	p, err := ParseFieldPath(path)
	if err != nil {
		return nil, err
	}
	return p.resolve(e), nil
}

// AgentID returns the id used for idempotency and usage keys
func (e *Env) AgentID() string {
	if e.Passport == nil {
		return ""
	}
	return e.Passport.ID()
}

var placeholder = regexp.MustCompile(`\{((?:context|limits|passport)\.[^{}]+)\}`)

// Interpolate replaces {context.x}-style placeholders with their values.
// Unknown placeholders are left as written.
func (e *Env) Interpolate(text string) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		v, err := e.Lookup(m[1 : len(m)-1])
		if err != nil || v == nil {
			return m
		}
		return formatValue(v)
	})
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		if n, ok := limits.ToInt64(x); ok {
			return fmt.Sprintf("%d", n)
		}
		return fmt.Sprintf("%g", x)
	case []interface{}:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}
