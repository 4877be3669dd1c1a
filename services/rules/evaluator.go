package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/services/limits"
)

// Evaluation stages, reported on the result
const (
	StageStatus     = "passport_status_active"
	StageCapability = "unknown_capability"
	StageAssurance  = "assurance_insufficient"
	StageContext    = "context_validation"
	StageRules      = "evaluation_rules"
)

// Input is one evaluation request
type Input struct {
	Program  *Program
	Passport *models.Passport
	Context  map[string]interface{}
}

// Result is the outcome of evaluation. Exactly one of allow or deny is
// reached; there is no pending state.
type Result struct {
	Allow           bool
	Reasons         []models.Reason
	Stage           string
	FailedRule      string
	Capability      string
	Usage           []UsageSnapshot
	Reserve         *models.IdempotencyKey
	PriorDecisionID string

	capExceeded bool
}

// RemainingDailyCap returns per-resource headroom from daily cap checks.
// On allow it is the headroom left after this request; on a cap deny it is
// the headroom the caller could still use.
func (r *Result) RemainingDailyCap() map[string]int64 {
	if !r.Allow && !r.capExceeded {
		return nil
	}
	var out map[string]int64
	for _, u := range r.Usage {
		if u.Key.Period != models.PeriodDaily {
			continue
		}
		if out == nil {
			out = make(map[string]int64)
		}
		if r.Allow {
			out[u.Key.Resource] = u.Remaining()
		} else {
			out[u.Key.Resource] = u.Headroom()
		}
	}
	return out
}

// Evaluator runs compiled policies against passports and contexts
type Evaluator struct {
	idempotency IdempotencyLookup
	usage       UsageReader
	now         func() time.Time
	logger      *zap.Logger
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithClock overrides the time source used for usage periods
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// NewEvaluator creates an evaluator reading the given stores. Either store may be
// nil when no loaded policy uses it; a policy that does then fails closed.
func NewEvaluator(idem IdempotencyLookup, usage UsageReader, logger *zap.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{
		idempotency: idem,
		usage:       usage,
		now:         time.Now,
		logger:      logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate applies the fixed checks (status, capability, assurance, context)
// and then the policy rules in file order. Context validation reports every
// violation; the first failing rule ends evaluation. A store failure yields a
// deny with oap.policy_verification_failed and an error wrapping
// services.ErrVerificationFailed.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	if in.Program == nil || in.Program.Policy == nil {
		return nil, errors.New("evaluate: program is nil")
	}
	if in.Passport == nil {
		return nil, errors.New("evaluate: passport is nil")
	}
	p := in.Program.Policy
	pp := in.Passport
	if in.Context == nil {
		in.Context = map[string]interface{}{}
	}

	if !pp.IsActive() {
		return deny(StageStatus, models.ReasonPassportSuspended,
			fmt.Sprintf("Agent is %s and cannot perform operations", statusLabel(pp.Status))), nil
	}

	if len(p.RequiresCapabilities) > 0 && !pp.HasAnyCapability(p.RequiresCapabilities) {
		return deny(StageCapability, models.ReasonUnknownCapability,
			fmt.Sprintf("Agent does not have %s capability", strings.Join(p.RequiresCapabilities, " or "))), nil
	}

	capability := selectCapability(p, pp)
	view := limits.Resolve(pp, capability)

	required := string(p.MinAssurance)
	if path := p.Enforcement.AssuranceOverridePath; path != "" {
		if override, ok := view.String(path); ok && override != "" {
			required = override
		}
	}
	if required != "" && !meetsAssurance(pp.AssuranceLevel, required) {
		return deny(StageAssurance, models.ReasonAssuranceInsufficient,
			fmt.Sprintf("Assurance level %s is insufficient, requires %s", pp.AssuranceLevel, required)), nil
	}

	if vr := in.Program.Schema.Validate(in.Context); !vr.OK() {
		res := &Result{Stage: StageContext, Capability: capability}
		for _, v := range vr.Violations {
			res.Reasons = append(res.Reasons, models.Reason{
				Code:     p.ViolationCode(v.Kind),
				Message:  v.Message,
				Severity: models.SeverityError,
			})
		}
		return res, nil
	}

	env := newEnv(p, pp, in.Context, view, capability, e.now())
	env.Idempotency = e.idempotency
	env.Usage = e.usage

	res := &Result{Stage: StageRules, Capability: capability}
	for _, r := range in.Program.rules {
		if r.expr != nil {
			if !r.expr.Holds(env) {
				return res.fail(r.rule, env.Interpolate(r.rule.Description)), nil
			}
			continue
		}

		out, err := r.validator.Fn(ctx, env, r.params)
		if err != nil {
			e.logger.Error("rule validator failed",
				zap.String("policy_id", p.ID),
				zap.String("rule", r.rule.Name),
				zap.String("validator", r.rule.Validator),
				zap.Error(err),
			)
			res.FailedRule = r.rule.Name
			res.Reasons = []models.Reason{{
				Code:     models.ReasonPolicyVerificationFailed,
				Message:  fmt.Sprintf("Policy verification failed at rule %s", r.rule.Name),
				Severity: models.SeverityError,
			}}
			return res, services.VerificationFailed(fmt.Sprintf("rule %s", r.rule.Name), err)
		}
		if out.Usage != nil {
			res.Usage = append(res.Usage, *out.Usage)
		}
		if out.Reserve != nil {
			res.Reserve = out.Reserve
		}
		if !out.Pass {
			res.PriorDecisionID = out.PriorDecisionID
			res.capExceeded = out.Usage != nil
			msg := out.Message
			if msg == "" {
				msg = env.Interpolate(r.rule.Description)
			}
			return res.fail(r.rule, msg), nil
		}
	}

	res.Allow = true
	res.Reasons = []models.Reason{{
		Code:     models.ReasonAllowed,
		Message:  "Request within limits and policy requirements",
		Severity: models.SeverityInfo,
	}}
	return res, nil
}

func (r *Result) fail(rule models.EvaluationRule, msg string) *Result {
	r.Allow = false
	r.FailedRule = rule.Name
	r.Reserve = nil
	r.Reasons = []models.Reason{{Code: rule.DenyCode, Message: msg, Severity: models.SeverityError}}
	return r
}

func deny(stage, code, msg string) *Result {
	return &Result{
		Stage:   stage,
		Reasons: []models.Reason{{Code: code, Message: msg, Severity: models.SeverityError}},
	}
}

func statusLabel(s models.PassportStatus) string {
	if s == "" {
		return "inactive"
	}
	return string(s)
}

// selectCapability picks the capability whose limits drive evaluation:
// the enforcement override, else the first required capability the passport holds
func selectCapability(p *models.Policy, pp *models.Passport) string {
	if p.Enforcement.Capability != "" {
		return p.Enforcement.Capability
	}
	for _, c := range p.RequiresCapabilities {
		if _, ok := pp.Capability(c); ok {
			return c
		}
	}
	return p.LimitsCapability()
}

// meetsAssurance checks have against a required level string. A bare "L4"
// accepts either top-tier track; an unknown requirement fails closed.
func meetsAssurance(have models.AssuranceLevel, required string) bool {
	if required == "L4" {
		return satisfiesTier(have, required)
	}
	need := models.AssuranceLevel(required)
	if !need.Valid() {
		return false
	}
	return have.Satisfies(need)
}
