// Package policy holds the loaded policy registry and runs the decision
// pipeline: resolve policy and passport, evaluate, build and sign, reserve
// the idempotency key, then cache, audit and report.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/internal/observability"
	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/services/decision"
	"github.com/upb/oap-policy-engine/services/idempotency"
	"github.com/upb/oap-policy-engine/services/rules"
)

// DecideRequest asks for a decision on one agent action
type DecideRequest struct {
	PolicyID string
	// Version is an optional semver constraint; empty selects the newest active version
	Version   string
	AgentID   string
	Context   map[string]interface{}
	RequestID string
}

// Auditor receives the trail of every decision
type Auditor interface {
	LogDecision(rec *models.DecisionAuditRecord) error
}

// DecisionService runs the decision pipeline
type DecisionService struct {
	registry    atomic.Pointer[Registry]
	passports   repositories.PassportRepository
	evaluator   *rules.Evaluator
	builder     *decision.Builder
	idempotency idempotency.Store
	cache       *DecisionCache
	auditor     Auditor
	metrics     *observability.Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a DecisionService
type Option func(*DecisionService)

// WithIdempotencyStore sets the store allow decisions reserve their key in
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(d *DecisionService) { d.idempotency = s }
}

// WithCache enables decision caching for stateless policies
func WithCache(c *DecisionCache) Option {
	return func(d *DecisionService) { d.cache = c }
}

// WithAuditor sets the decision audit sink
func WithAuditor(a Auditor) Option {
	return func(d *DecisionService) { d.auditor = a }
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *observability.Metrics) Option {
	return func(d *DecisionService) { d.metrics = m }
}

// WithTracer overrides the tracer; the global provider is used otherwise
func WithTracer(t trace.Tracer) Option {
	return func(d *DecisionService) { d.tracer = t }
}

// NewDecisionService creates a DecisionService
func NewDecisionService(
	registry *Registry,
	passports repositories.PassportRepository,
	evaluator *rules.Evaluator,
	builder *decision.Builder,
	logger *zap.Logger,
	opts ...Option,
) *DecisionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	s := &DecisionService{
		passports: passports,
		evaluator: evaluator,
		builder:   builder,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(observability.TracerName)
	}
	s.registry.Store(registry)
	return s
}

// Registry returns the current policy registry
func (s *DecisionService) Registry() *Registry {
	return s.registry.Load()
}

// SwapRegistry atomically replaces the policy registry. Cached decisions are
// dropped since they may belong to replaced policy versions.
func (s *DecisionService) SwapRegistry(r *Registry) {
	s.registry.Store(r)
	if s.cache != nil {
		s.cache.Clear()
	}
	s.logger.Info("policy registry replaced", zap.Int("versions", r.Len()))
}

// Reload loads sources with loader and swaps the result in. On error the
// current registry stays in place.
func (s *DecisionService) Reload(ctx context.Context, loader *Loader, sources ...Source) error {
	r, err := loader.Load(ctx, sources...)
	if err != nil {
		s.logger.Error("policy reload failed", zap.Error(err))
		return err
	}
	s.SwapRegistry(r)
	return nil
}

// GetPolicy returns a policy by id and optional version constraint
func (s *DecisionService) GetPolicy(id, version string) (*models.Policy, error) {
	e, err := s.Registry().GetVersion(id, version)
	if err != nil {
		return nil, err
	}
	return e.Policy, nil
}

// ListPolicies returns the newest version of every loaded policy
func (s *DecisionService) ListPolicies() []*models.Policy {
	entries := s.Registry().List()
	out := make([]*models.Policy, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Policy)
	}
	return out
}

// Verify checks a decision's signature
func (s *DecisionService) Verify(d *models.Decision) error {
	return s.builder.Verify(d)
}

// CacheStats returns decision cache statistics; zero when caching is off
func (s *DecisionService) CacheStats() CacheStats {
	if s.cache == nil {
		return CacheStats{}
	}
	return s.cache.Stats()
}

// Decide returns the decision for req. Policy denials are decisions, not
// errors. An error is returned for malformed requests, unknown policies or
// passports, and for infrastructure failures; in the last case the returned
// decision is a signed deny with oap.policy_verification_failed.
func (s *DecisionService) Decide(ctx context.Context, req DecideRequest) (*models.Decision, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "policy.Decide", trace.WithAttributes(
		attribute.String("oap.policy_id", req.PolicyID),
		attribute.String("oap.agent_id", req.AgentID),
	))
	defer span.End()

	d, err := s.decide(ctx, req, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if d == nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("oap.decision_id", d.DecisionID),
		attribute.Bool("oap.allow", d.Allow),
		attribute.String("oap.reason", d.FirstReason().Code),
	)
	elapsed := s.now().Sub(start)
	s.metrics.ObserveDecision(d.PolicyID, d.Allow, d.FirstReason().Code, elapsed)
	s.logDecision(ctx, d, err)
	s.auditDecision(d, req.RequestID, elapsed)
	return d, err
}

func (s *DecisionService) decide(ctx context.Context, req DecideRequest, span trace.Span) (*models.Decision, error) {
	if req.PolicyID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "policy_id is required", services.ErrInvalidPolicyID)
	}
	if !models.IsValidPassportID(req.AgentID) {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("Invalid agent passport id %q", req.AgentID), services.ErrInvalidAgentID).
			WithDetail("agent_id", req.AgentID)
	}

	entry, err := s.Registry().GetVersion(req.PolicyID, req.Version)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("oap.policy_version", entry.Policy.Version))

	pp, err := s.passport(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	ctxDigest, err := decision.ContextDigest(req.Context)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "context is not valid JSON", errors.Join(services.ErrInvalidContext, err))
	}

	cacheable := s.cache != nil && !entry.Program.Stateful()
	var key CacheKey
	if cacheable {
		pd, err := decision.PassportDigest(pp)
		if err != nil {
			return nil, services.WrapInternal("failed to digest passport", err)
		}
		key = CacheKey{
			PolicyID:       entry.Policy.ID,
			PolicyVersion:  entry.Policy.Version,
			PassportID:     pp.ID(),
			PassportDigest: pd,
			ContextDigest:  ctxDigest,
		}
		if d := s.cache.Get(key); d != nil {
			s.metrics.CacheResult("hit")
			span.SetAttributes(attribute.Bool("oap.cache_hit", true))
			return d, nil
		}
		s.metrics.CacheResult("miss")
	} else if s.cache != nil {
		s.metrics.CacheResult("bypass")
	}

	evalCtx, evalSpan := s.tracer.Start(ctx, "rules.Evaluate")
	res, evalErr := s.evaluator.Evaluate(evalCtx, rules.Input{
		Program:  entry.Program,
		Passport: pp,
		Context:  req.Context,
	})
	if res != nil {
		evalSpan.SetAttributes(attribute.String("oap.stage", res.Stage), attribute.String("oap.failed_rule", res.FailedRule))
	}
	evalSpan.End()
	if res == nil {
		return nil, services.WrapInternal("evaluation failed", evalErr)
	}

	d, err := s.builder.Build(entry.Policy, pp, res, ctxDigest)
	if err != nil {
		return nil, err
	}
	if evalErr != nil {
		return d, evalErr
	}

	if d.Allow && res.Reserve != nil {
		if err := s.reserve(ctx, entry, res.Reserve, d); err != nil {
			return d, err
		}
	}

	if cacheable {
		s.cache.Set(key, d)
	}
	return d, nil
}

func (s *DecisionService) passport(ctx context.Context, agentID string) (*models.Passport, error) {
	if s.passports == nil {
		return nil, services.VerificationFailed("passport store not configured", errors.New("no passport repository"))
	}
	pp, err := s.passports.GetByID(ctx, agentID)
	if err != nil {
		if services.IsNotFoundError(err) {
			return nil, err
		}
		s.logger.Error("passport lookup failed", zap.String("agent_id", agentID), zap.Error(err))
		return nil, services.VerificationFailed("passport lookup failed", err)
	}
	if pp == nil {
		return nil, services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("passport %s not found", agentID), services.ErrPassportNotFound).WithDetail("agent_id", agentID)
	}
	return pp, nil
}

// reserve binds the request's idempotency key to allow decision d. Losing
// the race to a concurrent request turns d into a replay deny; a store
// failure turns it into a verification failure. Either way d is re-signed.
func (s *DecisionService) reserve(ctx context.Context, entry *Entry, key *models.IdempotencyKey, d *models.Decision) error {
	if s.idempotency == nil {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "idempotency.Reserve")
	defer span.End()

	r, err := s.idempotency.Reserve(ctx, &models.IdempotencyRecord{
		IdempotencyKey: *key,
		DecisionID:     d.DecisionID,
		Outcome:        models.OutcomeAllow,
		CreatedAt:      d.IssuedAt,
	})
	if err != nil {
		span.RecordError(err)
		s.rewriteDeny(d, models.Reason{
			Code:     models.ReasonPolicyVerificationFailed,
			Message:  "Policy verification failed at idempotency reservation",
			Severity: models.SeverityError,
		})
		if signErr := s.builder.Sign(d); signErr != nil {
			return signErr
		}
		return services.VerificationFailed("idempotency reservation failed", err)
	}
	// A record carrying this decision's id is our own write surfacing late.
	if !r.AlreadyExists || r.PriorDecisionID == d.DecisionID {
		return nil
	}

	code, ok := entry.Program.RuleDenyCode(rules.ValidatorIdempotency)
	if !ok {
		code = models.ReasonIdempotencyConflict
	}
	s.rewriteDeny(d, models.Reason{
		Code:     code,
		Message:  fmt.Sprintf("Duplicate idempotency key detected. Previous decision: %s", r.PriorDecisionID),
		Severity: models.SeverityError,
	})
	return s.builder.Sign(d)
}

func (s *DecisionService) rewriteDeny(d *models.Decision, reason models.Reason) {
	d.Allow = false
	d.Reasons = []models.Reason{reason}
	d.RemainingDailyCap = nil
}

func (s *DecisionService) logDecision(ctx context.Context, d *models.Decision, err error) {
	logger := observability.FromContext(ctx, s.logger)
	fields := []zap.Field{
		zap.String("policy_id", d.PolicyID),
		zap.String("passport_id", d.PassportID),
		zap.String("decision_id", d.DecisionID),
		zap.Bool("allow", d.Allow),
		zap.String("reason", d.FirstReason().Code),
	}
	switch {
	case err != nil:
		logger.Error("decision failed verification", append(fields, zap.Error(err))...)
	case d.Allow:
		logger.Debug("decision issued", fields...)
	default:
		logger.Info("decision denied", fields...)
	}
}

func (s *DecisionService) auditDecision(d *models.Decision, requestID string, elapsed time.Duration) {
	if s.auditor == nil {
		return
	}
	rec := models.NewDecisionAuditRecord(d).WithRequest(requestID, elapsed)
	if err := s.auditor.LogDecision(rec); err != nil {
		s.logger.Warn("failed to queue decision audit",
			zap.String("decision_id", d.DecisionID),
			zap.Error(err),
		)
	}
}
