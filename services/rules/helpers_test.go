package rules

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/policies"
)

type fakeIdempotency struct {
	mu      sync.Mutex
	records map[models.IdempotencyKey]*models.IdempotencyRecord
	err     error
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{records: make(map[models.IdempotencyKey]*models.IdempotencyRecord)}
}

func (f *fakeIdempotency) Lookup(_ context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.records[key], nil
}

func (f *fakeIdempotency) put(key models.IdempotencyKey, decisionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = &models.IdempotencyRecord{IdempotencyKey: key, DecisionID: decisionID, Outcome: models.OutcomeAllow}
}

type fakeUsage struct {
	mu     sync.Mutex
	totals map[string]int64
	err    error
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{totals: make(map[string]int64)}
}

func (f *fakeUsage) Current(_ context.Context, key models.UsageKey) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.totals[key.String()], nil
}

func (f *fakeUsage) set(key models.UsageKey, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals[key.String()] = v
}

// loadPack decodes an embedded policy document
func loadPack(t testing.TB, id string) *models.Policy {
	t.Helper()
	data, err := policies.Packs.ReadFile(policies.PacksDir + "/" + id + ".json")
	require.NoError(t, err)
	var p models.Policy
	require.NoError(t, json.Unmarshal(data, &p))
	return &p
}

func compilePack(t testing.TB, id string) *Program {
	t.Helper()
	prog, err := Compile(loadPack(t, id), nil)
	require.NoError(t, err)
	return prog
}

// contextOf decodes a JSON request context the way the HTTP layer does
func contextOf(t testing.TB, raw string) map[string]interface{} {
	t.Helper()
	var ctx map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &ctx))
	return ctx
}

func passportOf(t testing.TB, raw string) *models.Passport {
	t.Helper()
	var p models.Passport
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return &p
}

const refundPassportJSON = `{
	"passport_id": "ap_refund01",
	"owner_id": "org_acme",
	"owner_type": "org",
	"status": "active",
	"assurance_level": "L2",
	"capabilities": [{"id": "payments.refund"}],
	"limits": {
		"payments.refund": {
			"currency_limits": {"USD": {"daily_cap": 50000}, "EUR": {"daily_cap": 20000}}
		}
	}
}`

const refundContextJSON = `{
	"order_id": "ORD-12345",
	"customer_id": "CUST-67890",
	"amount_minor": 5000,
	"currency": "USD",
	"region": "US",
	"reason_code": "customer_request",
	"idempotency_key": "idempotency_key_123"
}`

func refundContext(t testing.TB, overrides map[string]interface{}) map[string]interface{} {
	ctx := contextOf(t, refundContextJSON)
	for k, v := range overrides {
		if v == nil {
			delete(ctx, k)
			continue
		}
		ctx[k] = v
	}
	return ctx
}
