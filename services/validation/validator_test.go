package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/oap-policy-engine/models"
)

const refundSchema = `{
	"type": "object",
	"required": ["order_id", "customer_id", "amount_minor", "currency", "region", "reason_code", "idempotency_key"],
	"properties": {
		"order_id": {"type": "string", "minLength": 1},
		"customer_id": {"type": "string"},
		"amount_minor": {"type": "integer"},
		"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
		"region": {"type": "string", "pattern": "^[A-Z]{2}$"},
		"reason_code": {"type": "string"},
		"idempotency_key": {"type": "string"},
		"order_total_minor": {"type": "integer", "minimum": 1}
	}
}`

func refundPolicy() *models.Policy {
	return &models.Policy{
		ID:              "finance.payment.refund.v1",
		Version:         "1.0.0",
		RequiredContext: json.RawMessage(refundSchema),
		Enforcement: models.Enforcement{
			IdempotencyRequired: true,
			AmountField:         "amount_minor",
			CurrencyField:       "currency",
			SupportedCurrencies: []string{"USD", "EUR", "GBP", "JPY", "CAD", "AUD"},
		},
	}
}

func validContext() map[string]interface{} {
	return map[string]interface{}{
		"order_id":        "ORD-12345",
		"customer_id":     "CUST-67890",
		"amount_minor":    float64(5000),
		"currency":        "USD",
		"region":          "US",
		"reason_code":     "customer_request",
		"idempotency_key": "idempotency_key_123",
	}
}

func compile(t *testing.T, p *models.Policy) *Schema {
	t.Helper()
	s, err := Compile(p)
	require.NoError(t, err)
	return s
}

func TestValidate_ValidContext(t *testing.T) {
	res := compile(t, refundPolicy()).Validate(validContext())
	assert.True(t, res.OK(), "%+v", res.Violations)
}

func TestValidate_CollectsEveryMissingField(t *testing.T) {
	ctx := map[string]interface{}{"order_id": "ORD-12345"}

	res := compile(t, refundPolicy()).Validate(ctx)

	require.Len(t, res.Violations, 6)
	assert.Equal(t,
		[]string{"customer_id", "amount_minor", "currency", "region", "reason_code", "idempotency_key"},
		res.Fields(models.ViolationMissing))
	for _, v := range res.Violations {
		assert.Equal(t, models.ViolationMissing, v.Kind)
		assert.Equal(t, v.Field+" is required", v.Message)
	}
}

func TestValidate_NullAndEmptyCountAsMissing(t *testing.T) {
	ctx := validContext()
	ctx["customer_id"] = nil
	ctx["region"] = ""

	res := compile(t, refundPolicy()).Validate(ctx)

	assert.Equal(t, []string{"customer_id", "region"}, res.Fields(models.ViolationMissing))
	assert.Len(t, res.Violations, 2, "schema errors on already-flagged fields are dropped")
}

func TestValidate_IdempotencyRequiredAddsField(t *testing.T) {
	p := refundPolicy()
	p.RequiredContext = json.RawMessage(`{"type":"object","required":["order_id"]}`)

	s := compile(t, p)

	assert.Equal(t, []string{"order_id", "idempotency_key"}, s.Required())
}

func TestValidate_IdempotencyKeyFormat(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"typical", "idempotency_key_123", true},
		{"dashes", "abc-def-123", true},
		{"exactly eight", "abcdefgh", true},
		{"exactly sixty four", strings.Repeat("a", 64), true},
		{"too short", "abc1234", false},
		{"too long", strings.Repeat("a", 65), false},
		{"contains space", "key with space", false},
		{"contains at", "user@example.com", false},
	}
	s := compile(t, refundPolicy())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := validContext()
			ctx["idempotency_key"] = tt.key
			res := s.Validate(ctx)
			if tt.valid {
				assert.True(t, res.OK(), "%+v", res.Violations)
				return
			}
			require.Len(t, res.Violations, 1)
			assert.Equal(t, models.ViolationIdempotencyKey, res.Violations[0].Kind)
			assert.Equal(t, "Invalid idempotency key format", res.Violations[0].Message)
		})
	}
}

func TestValidate_Currency(t *testing.T) {
	tests := []struct {
		name     string
		currency interface{}
		kind     models.ViolationKind
	}{
		{"unsupported ISO code", "CHF", models.ViolationCurrency},
		{"unknown code", "XYZ", models.ViolationCurrency},
		{"lowercase", "usd", models.ViolationCurrency},
		{"not a string", float64(840), models.ViolationType},
	}
	s := compile(t, refundPolicy())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := validContext()
			ctx["currency"] = tt.currency
			res := s.Validate(ctx)
			require.Len(t, res.Violations, 1, "%+v", res.Violations)
			assert.Equal(t, tt.kind, res.Violations[0].Kind)
			assert.Equal(t, "currency", res.Violations[0].Field)
		})
	}
}

func TestValidate_AmountBounds(t *testing.T) {
	tests := []struct {
		name   string
		amount interface{}
		kind   models.ViolationKind
	}{
		{"one minor unit", float64(1), ""},
		{"cents are fine", float64(1001), ""},
		{"just below bound", float64(999_999_999), ""},
		{"zero", float64(0), models.ViolationAmount},
		{"negative", float64(-100), models.ViolationAmount},
		{"at bound", float64(1_000_000_000), models.ViolationAmount},
		{"fractional", 10.5, models.ViolationAmount},
		{"string", "5000", models.ViolationType},
	}
	s := compile(t, refundPolicy())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := validContext()
			ctx["amount_minor"] = tt.amount
			res := s.Validate(ctx)
			if tt.kind == "" {
				assert.True(t, res.OK(), "%+v", res.Violations)
				return
			}
			require.Len(t, res.Violations, 1, "%+v", res.Violations)
			assert.Equal(t, tt.kind, res.Violations[0].Kind)
		})
	}
}

func TestValidate_TickSize(t *testing.T) {
	p := refundPolicy()
	p.Enforcement.TickSizeMinor = map[string]int64{"USD": 5}
	s := compile(t, p)

	ctx := validContext()
	ctx["amount_minor"] = float64(1001)
	res := s.Validate(ctx)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, models.ViolationAmount, res.Violations[0].Kind)

	ctx["currency"] = "EUR"
	assert.True(t, s.Validate(ctx).OK(), "tick applies to USD only")
}

func TestValidate_SchemaConstraints(t *testing.T) {
	s := compile(t, refundPolicy())

	ctx := validContext()
	ctx["order_total_minor"] = float64(0)
	ctx["region"] = float64(1)

	res := s.Validate(ctx)

	require.Len(t, res.Violations, 2, "%+v", res.Violations)
	byField := map[string]Violation{}
	for _, v := range res.Violations {
		byField[v.Field] = v
	}
	assert.Equal(t, models.ViolationSchema, byField["order_total_minor"].Kind)
	assert.Equal(t, models.ViolationType, byField["region"].Kind)
}

func TestCompile_RejectsInvalidSchema(t *testing.T) {
	p := refundPolicy()
	p.RequiredContext = json.RawMessage(`{"type": 12}`)

	_, err := Compile(p)
	assert.Error(t, err)
}

func TestCompile_NoSchema(t *testing.T) {
	p := &models.Policy{ID: "x", Version: "1.0.0"}
	s := compile(t, p)
	assert.True(t, s.Validate(map[string]interface{}{"anything": true}).OK())
}

func TestFormatMinor(t *testing.T) {
	assert.Equal(t, "250.00", FormatMinor(25000, "USD"))
	assert.Equal(t, "10.01", FormatMinor(1001, "EUR"))
	assert.Equal(t, "5000", FormatMinor(5000, "JPY"))
	assert.Equal(t, 0, MinorUnits("JPY"))
	assert.Equal(t, 2, MinorUnits("USD"))
}
