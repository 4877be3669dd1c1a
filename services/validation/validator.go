// Package validation checks request contexts against a policy's required_context.
//
// Validation collects every violation instead of stopping at the first one:
// a context missing six required fields yields six violations. Checks run in a
// fixed order (required fields, idempotency key, currency, amount, then the
// remaining draft-07 schema constraints) and never touch external state.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/limits"
)

// IdempotencyKeyField is the context field carrying the caller's idempotency key
const IdempotencyKeyField = "idempotency_key"

const (
	minIdempotencyKeyLen = 8
	maxIdempotencyKeyLen = 64
)

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Violation is one context validation failure
type Violation struct {
	Field   string               `json:"field"`
	Kind    models.ViolationKind `json:"kind"`
	Message string               `json:"message"`
}

// Result is the outcome of validating one context
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether the context passed validation
func (r Result) OK() bool {
	return len(r.Violations) == 0
}

// Fields returns the fields with violations of the given kind
func (r Result) Fields(kind models.ViolationKind) []string {
	var out []string
	for _, v := range r.Violations {
		if v.Kind == kind {
			out = append(out, v.Field)
		}
	}
	return out
}

// Schema is a policy's compiled context contract
type Schema struct {
	policy   *models.Policy
	required []string
	compiled *jsonschema.Schema
}

type schemaShape struct {
	Required []string `json:"required"`
}

// Compile prepares the context schema for a policy. It fails when
// required_context is not a valid draft-07 schema.
func Compile(p *models.Policy) (*Schema, error) {
	if p == nil {
		return nil, errors.New("policy is nil")
	}
	s := &Schema{policy: p}

	if len(bytes.TrimSpace(p.RequiredContext)) > 0 {
		var shape schemaShape
		if err := json.Unmarshal(p.RequiredContext, &shape); err != nil {
			return nil, fmt.Errorf("policy %s: required_context: %w", p.ID, err)
		}
		s.required = append(s.required, shape.Required...)

		url := fmt.Sprintf("mem://policies/%s/%s/required_context.json", p.ID, p.Version)
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		if err := c.AddResource(url, bytes.NewReader(p.RequiredContext)); err != nil {
			return nil, fmt.Errorf("policy %s: required_context: %w", p.ID, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("policy %s: required_context: %w", p.ID, err)
		}
		s.compiled = compiled
	}

	if p.Enforcement.IdempotencyRequired && !contains(s.required, IdempotencyKeyField) {
		s.required = append(s.required, IdempotencyKeyField)
	}
	return s, nil
}

// Required returns the required context fields in declaration order
func (s *Schema) Required() []string {
	return append([]string(nil), s.required...)
}

// Validate checks ctx and returns every violation found
func (s *Schema) Validate(ctx map[string]interface{}) Result {
	var res Result
	flagged := make(map[string]bool)
	add := func(field string, kind models.ViolationKind, msg string) {
		flagged[field] = true
		res.Violations = append(res.Violations, Violation{Field: field, Kind: kind, Message: msg})
	}

	for _, field := range s.required {
		if IsMissing(ctx, field) {
			add(field, models.ViolationMissing, fmt.Sprintf("%s is required", field))
		}
	}

	if raw, ok := ctx[IdempotencyKeyField]; ok && !flagged[IdempotencyKeyField] && !isEmpty(raw) {
		if msg := checkIdempotencyKey(raw); msg != "" {
			add(IdempotencyKeyField, models.ViolationIdempotencyKey, msg)
		}
	}

	cur := ""
	if field := s.policy.CurrencyField(); field != "" && !flagged[field] {
		if raw, ok := ctx[field]; ok && !isEmpty(raw) {
			code, isString := raw.(string)
			switch {
			case !isString:
				add(field, models.ViolationType, fmt.Sprintf("Field %s must be a string", field))
			default:
				if msg := s.checkCurrency(code); msg != "" {
					add(field, models.ViolationCurrency, msg)
				} else {
					cur = code
				}
			}
		}
	}

	if field := s.policy.AmountField(); field != "" && !flagged[field] {
		if raw, ok := ctx[field]; ok && raw != nil {
			if kind, msg := s.checkAmount(field, raw, cur); msg != "" {
				add(field, kind, msg)
			}
		}
	}

	if s.compiled != nil {
		for _, v := range s.schemaViolations(ctx) {
			if flagged[v.Field] {
				continue
			}
			add(v.Field, v.Kind, v.Message)
		}
	}

	return res
}

func checkIdempotencyKey(raw interface{}) string {
	key, ok := raw.(string)
	if !ok || len(key) < minIdempotencyKeyLen || len(key) > maxIdempotencyKeyLen || !idempotencyKeyPattern.MatchString(key) {
		return "Invalid idempotency key format"
	}
	return ""
}

func (s *Schema) checkCurrency(code string) string {
	if _, err := ParseCurrency(code); err != nil {
		return fmt.Sprintf("Currency %s is not supported", code)
	}
	supported := s.policy.Enforcement.SupportedCurrencies
	if len(supported) > 0 && !contains(supported, code) {
		return fmt.Sprintf("Currency %s is not supported", code)
	}
	return ""
}

func (s *Schema) checkAmount(field string, raw interface{}, cur string) (models.ViolationKind, string) {
	amount, ok := limits.ToInt64(raw)
	if !ok {
		if _, isNum := raw.(float64); isNum {
			return models.ViolationAmount, fmt.Sprintf("Amount %v has invalid precision for currency %s", raw, cur)
		}
		return models.ViolationType, fmt.Sprintf("Field %s must be an integer", field)
	}
	if amount <= 0 {
		return models.ViolationAmount, "Amount must be positive"
	}
	if amount >= s.policy.MaxAmountMinor() {
		return models.ViolationAmount, "Amount exceeds maximum allowed amount"
	}
	if cur != "" {
		if tick := s.policy.Enforcement.TickSizeMinor[cur]; tick > 1 && amount%tick != 0 {
			return models.ViolationAmount, fmt.Sprintf("Amount %d has invalid precision for currency %s", amount, cur)
		}
	}
	return "", ""
}

func (s *Schema) schemaViolations(ctx map[string]interface{}) []Violation {
	doc, err := normalize(ctx)
	if err != nil {
		return []Violation{{Field: "context", Kind: models.ViolationSchema, Message: "Context is not a JSON object"}}
	}

	err = s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []Violation{{Field: "context", Kind: models.ViolationSchema, Message: err.Error()}}
	}

	var leaves []*jsonschema.ValidationError
	collectLeaves(ve, &leaves)
	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].InstanceLocation < leaves[j].InstanceLocation
	})

	seen := make(map[string]bool)
	var out []Violation
	for _, leaf := range leaves {
		if strings.HasSuffix(leaf.KeywordLocation, "/required") {
			continue
		}
		field := topField(leaf.InstanceLocation)
		if seen[field] {
			continue
		}
		seen[field] = true

		kind := models.ViolationSchema
		if strings.HasSuffix(leaf.KeywordLocation, "/type") {
			kind = models.ViolationType
		}
		out = append(out, Violation{
			Field:   field,
			Kind:    kind,
			Message: fmt.Sprintf("Field %s is invalid: %s", field, leaf.Message),
		})
	}
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]*jsonschema.ValidationError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ve)
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

func topField(instanceLocation string) string {
	loc := strings.TrimPrefix(instanceLocation, "/")
	if loc == "" {
		return "context"
	}
	if i := strings.IndexByte(loc, '/'); i >= 0 {
		loc = loc[:i]
	}
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(loc)
}

// normalize round-trips ctx through encoding/json so the schema sees plain JSON values
func normalize(ctx map[string]interface{}) (interface{}, error) {
	if ctx == nil {
		return map[string]interface{}{}, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// IsMissing reports whether field is absent, null or an empty string
func IsMissing(ctx map[string]interface{}, field string) bool {
	v, ok := ctx[field]
	return !ok || isEmpty(v)
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
