package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
)

// RecordRequest is consumption a caller reports after acting on an allow decision
type RecordRequest struct {
	AgentID    string
	Capability string
	Resource   string
	Amount     int64
	DecisionID string
	// Limit, when set, makes the Period bucket increment exact: it is
	// skipped if the new total would exceed it.
	Limit  *int64
	Period models.UsagePeriod
}

// RecordResult reports the totals after recording
type RecordResult struct {
	Recorded bool                         `json:"recorded"`
	Totals   map[models.UsagePeriod]int64 `json:"totals"`
	Limit    *int64                       `json:"limit,omitempty"`
	Period   models.UsagePeriod           `json:"period,omitempty"`
}

// UsageService records consumption into every usage period
type UsageService struct {
	counter Counter
	now     func() time.Time
	logger  *zap.Logger
}

// NewUsageService creates a UsageService over counter
func NewUsageService(counter Counter, logger *zap.Logger) *UsageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageService{counter: counter, now: time.Now, logger: logger}
}

// Counter returns the counter the service writes to. The evaluator reads from it.
func (s *UsageService) Counter() Counter {
	return s.counter
}

func (s *UsageService) validate(req RecordRequest) error {
	switch {
	case req.AgentID == "":
		return services.NewDomainError(services.ErrorTypeValidation, "agent_id is required", services.ErrInvalidInput)
	case req.Capability == "" || req.Resource == "":
		return services.NewDomainError(services.ErrorTypeValidation, "capability and resource are required", services.ErrInvalidInput)
	case req.Amount <= 0:
		return services.NewDomainError(services.ErrorTypeValidation, "amount must be positive", services.ErrInvalidInput)
	case req.Limit != nil && *req.Limit < 0:
		return services.NewDomainError(services.ErrorTypeValidation, "limit must not be negative", services.ErrInvalidInput)
	}
	return nil
}

// Record adds req.Amount to the minute, daily and monthly buckets. When
// req.Limit is set it delegates to RecordWithin.
func (s *UsageService) Record(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if req.Limit != nil {
		return s.RecordWithin(ctx, req)
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	keys := s.keys(req, s.now())
	var totals map[models.UsageKey]int64
	var err error
	if b, ok := s.counter.(BatchAdder); ok {
		totals, err = b.AddBatch(ctx, keys, req.Amount)
	} else {
		totals, err = addEach(ctx, s.counter, keys, req.Amount)
	}
	if err != nil {
		s.logger.Error("failed to record usage",
			zap.String("agent_id", req.AgentID),
			zap.String("capability", req.Capability),
			zap.String("resource", req.Resource),
			zap.Error(err),
		)
		return nil, wrapStoreError("record usage", err)
	}

	res := &RecordResult{Recorded: true, Totals: make(map[models.UsagePeriod]int64, len(totals))}
	for k, total := range totals {
		res.Totals[k.Period] = total
	}

	s.logger.Debug("usage recorded",
		zap.String("agent_id", req.AgentID),
		zap.String("resource", req.Resource),
		zap.Int64("amount", req.Amount),
		zap.String("decision_id", req.DecisionID),
	)
	return res, nil
}

// RecordWithin increments the req.Period bucket only if the new total stays
// within *req.Limit. The check and increment are atomic in the counter. The
// other periods are incremented afterwards only when the guarded add succeeded.
// A refused add returns ErrUsageCapExceeded alongside the unchanged totals.
func (s *UsageService) RecordWithin(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if req.Limit == nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "limit is required", services.ErrInvalidInput)
	}
	period := req.Period
	if period == "" {
		period = models.PeriodDaily
	}

	now := s.now()
	capped := models.NewUsageKey(req.AgentID, req.Capability, req.Resource, period, now)
	total, ok, err := s.counter.AddWithin(ctx, capped, req.Amount, *req.Limit)
	if err != nil {
		s.logger.Error("failed to record usage within limit",
			zap.String("agent_id", req.AgentID),
			zap.String("resource", req.Resource),
			zap.Error(err),
		)
		return nil, wrapStoreError("record usage", err)
	}

	res := &RecordResult{
		Recorded: ok,
		Totals:   map[models.UsagePeriod]int64{period: total},
		Limit:    req.Limit,
		Period:   period,
	}
	if !ok {
		s.logger.Info("usage cap reached",
			zap.String("agent_id", req.AgentID),
			zap.String("resource", req.Resource),
			zap.String("period", string(period)),
			zap.Int64("current", total),
			zap.Int64("amount", req.Amount),
			zap.Int64("limit", *req.Limit),
		)
		msg := fmt.Sprintf("%s cap %d exceeded for %s; current %d + %d > %d",
			period, *req.Limit, req.Resource, total, req.Amount, *req.Limit)
		return res, services.NewDomainError(services.ErrorTypeConflict, msg, services.ErrUsageCapExceeded).
			WithDetail("remaining", max(*req.Limit-total, 0))
	}

	for _, k := range s.keys(req, now) {
		if k.Period == period {
			continue
		}
		t, err := s.counter.Add(ctx, k, req.Amount)
		if err != nil {
			// The capped bucket is already counted; the others lag until the next record.
			s.logger.Warn("failed to record secondary usage period",
				zap.String("agent_id", req.AgentID),
				zap.String("period", string(k.Period)),
				zap.Error(err),
			)
			continue
		}
		res.Totals[k.Period] = t
	}
	return res, nil
}

// Current returns the running total for one period
func (s *UsageService) Current(ctx context.Context, agentID, capability, resource string, period models.UsagePeriod) (int64, error) {
	total, err := s.counter.Current(ctx, models.NewUsageKey(agentID, capability, resource, period, s.now()))
	if err != nil {
		return 0, wrapStoreError("read usage", err)
	}
	return total, nil
}

func (s *UsageService) keys(req RecordRequest, now time.Time) []models.UsageKey {
	periods := models.UsagePeriods()
	keys := make([]models.UsageKey, 0, len(periods))
	for _, p := range periods {
		keys = append(keys, models.NewUsageKey(req.AgentID, req.Capability, req.Resource, p, now))
	}
	return keys
}

func wrapStoreError(msg string, err error) error {
	var de *services.DomainError
	if errors.As(err, &de) {
		return err
	}
	return services.WrapExternal(msg, errors.Join(services.ErrStoreUnavailable, err))
}
