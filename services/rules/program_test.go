package rules

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/policies"
)

func TestCompile_EmbeddedPacks(t *testing.T) {
	docs, err := policies.Documents()
	require.NoError(t, err)
	require.Len(t, docs, 10)

	stateful := map[string]bool{}
	for name, data := range docs {
		var p models.Policy
		require.NoError(t, json.Unmarshal(data, &p), name)
		assert.Equal(t, strings.TrimSuffix(name, ".json"), p.ID)

		prog, err := Compile(&p, nil)
		require.NoError(t, err, name)
		assert.Len(t, prog.RuleNames(), len(p.EvaluationRules))
		stateful[p.ID] = prog.Stateful()
	}

	assert.True(t, stateful["finance.payment.refund.v1"])
	assert.True(t, stateful["messaging.message.send.v1"])
	assert.False(t, stateful["legal.contract.review.v1"])
	assert.False(t, stateful["system.command.execute.v1"])
}

func TestCompile_RefundRuleOrder(t *testing.T) {
	prog := compilePack(t, "finance.payment.refund.v1")
	assert.Equal(t, []string{
		"reason_code_valid", "region_allowed", "same_currency", "assurance_tier",
		"order_balance", "idempotency", "daily_cap",
	}, prog.RuleNames())

	code, ok := prog.RuleDenyCode(ValidatorIdempotency)
	assert.True(t, ok)
	assert.Equal(t, "idempotency_replay", code)

	_, ok = prog.RuleDenyCode(ValidatorPIIGuard)
	assert.False(t, ok)
}

func TestCompile_Errors(t *testing.T) {
	base := func() *models.Policy {
		return &models.Policy{
			ID:           "test.policy.v1",
			Version:      "1.0.0",
			MinAssurance: models.AssuranceL1,
			EvaluationRules: []models.EvaluationRule{{
				Name:      "ok",
				Type:      models.RuleTypeExpression,
				Condition: json.RawMessage(`{"const": true}`),
				DenyCode:  "oap.denied",
			}},
		}
	}

	tests := []struct {
		name   string
		mutate func(p *models.Policy)
		want   string
	}{
		{name: "no id", mutate: func(p *models.Policy) { p.ID = "" }, want: "id is required"},
		{name: "no version", mutate: func(p *models.Policy) { p.Version = "" }, want: "version is required"},
		{name: "bad assurance", mutate: func(p *models.Policy) { p.MinAssurance = "L7" }, want: "min_assurance"},
		{name: "bad schema", mutate: func(p *models.Policy) { p.RequiredContext = json.RawMessage(`{"type": 12}`) }},
		{name: "unnamed rule", mutate: func(p *models.Policy) { p.EvaluationRules[0].Name = "" }, want: "has no name"},
		{name: "duplicate rule", mutate: func(p *models.Policy) {
			p.EvaluationRules = append(p.EvaluationRules, p.EvaluationRules[0])
		}, want: "duplicate rule"},
		{name: "no deny code", mutate: func(p *models.Policy) { p.EvaluationRules[0].DenyCode = "" }, want: "deny_code"},
		{name: "unknown op", mutate: func(p *models.Policy) {
			p.EvaluationRules[0].Condition = json.RawMessage(`{"op": "matches", "args": []}`)
		}, want: "unknown op"},
		{name: "unknown type", mutate: func(p *models.Policy) { p.EvaluationRules[0].Type = "script" }, want: "unknown type"},
		{name: "unknown validator", mutate: func(p *models.Policy) {
			p.EvaluationRules[0] = models.EvaluationRule{Name: "v", Type: models.RuleTypeCustomValidator, Validator: "nope", DenyCode: "x"}
		}, want: "unknown validator"},
		{name: "usage cap without limit path", mutate: func(p *models.Policy) {
			p.EvaluationRules[0] = models.EvaluationRule{Name: "v", Type: models.RuleTypeCustomValidator, Validator: ValidatorUsageCap, DenyCode: "x"}
		}, want: "limit_path"},
		{name: "usage cap bad period", mutate: func(p *models.Policy) {
			p.EvaluationRules[0] = models.EvaluationRule{Name: "v", Type: models.RuleTypeCustomValidator, Validator: ValidatorUsageCap, DenyCode: "x",
				Params: map[string]interface{}{"limit_path": "daily_cap", "period": "weekly"}}
		}, want: "weekly"},
		{name: "tiers missing", mutate: func(p *models.Policy) {
			p.EvaluationRules[0] = models.EvaluationRule{Name: "v", Type: models.RuleTypeCustomValidator, Validator: ValidatorAssuranceTier, DenyCode: "x"}
		}, want: "tiers"},
		{name: "blocked values without list", mutate: func(p *models.Policy) {
			p.EvaluationRules[0] = models.EvaluationRule{Name: "v", Type: models.RuleTypeCustomValidator, Validator: ValidatorBlockedValues, DenyCode: "x",
				Params: map[string]interface{}{"field": "items"}}
		}, want: "list_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			_, err := Compile(p, nil)
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}

	_, err := Compile(nil, nil)
	assert.Error(t, err)
	assert.Panics(t, func() { MustCompile(&models.Policy{}, nil) })
}

func TestRegistry_CustomValidator(t *testing.T) {
	reg := NewRegistry()
	assert.Contains(t, reg.Names(), ValidatorUsageCap)

	reg.Register("business_hours", func(_ context.Context, env *Env, _ Params) (Outcome, error) {
		if env.Now.Hour() < 9 || env.Now.Hour() >= 17 {
			return Fail("Outside business hours"), nil
		}
		return Pass(), nil
	}, WithParamCheck(func(p Params) error {
		if p.String("tz", "") == "" {
			return errors.New("business_hours requires tz")
		}
		return nil
	}))

	p := &models.Policy{
		ID:           "test.hours.v1",
		Version:      "1.0.0",
		MinAssurance: models.AssuranceL1,
		EvaluationRules: []models.EvaluationRule{{
			Name: "hours", Type: models.RuleTypeCustomValidator, Validator: "business_hours",
			DenyCode: "oap.outside_hours", Params: map[string]interface{}{"tz": "UTC"},
		}},
	}
	prog, err := Compile(p, reg)
	require.NoError(t, err)
	assert.False(t, prog.Stateful())

	pp := &models.Passport{PassportID: "ap_x", Status: models.PassportStatusActive, AssuranceLevel: models.AssuranceL1}
	res, err := NewEvaluator(nil, nil, nil, WithClock(func() time.Time { return fixedNow })).
		Evaluate(context.Background(), Input{Program: prog, Passport: pp})
	require.NoError(t, err)
	assert.True(t, res.Allow)

	res, err = NewEvaluator(nil, nil, nil, WithClock(func() time.Time { return fixedNow.Add(9 * time.Hour) })).
		Evaluate(context.Background(), Input{Program: prog, Passport: pp})
	require.NoError(t, err)
	assert.Equal(t, []string{"oap.outside_hours"}, codes(res))
	assert.Equal(t, "Outside business hours", res.Reasons[0].Message)

	delete(p.EvaluationRules[0].Params, "tz")
	_, err = Compile(p, reg)
	assert.ErrorContains(t, err, "requires tz")
}
