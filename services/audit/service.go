package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/internal/observability"
	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
)

// AuditService writes decision audit records in the background so the
// decision path never waits on the audit store
type AuditService struct {
	repo        repositories.DecisionAuditRepository
	logger      *zap.Logger
	metrics     *observability.Metrics
	records     chan *models.DecisionAuditRecord
	workerCount int
	bufferSize  int
	timeout     time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.RWMutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize   int           // Size of the record buffer channel
	WorkerCount  int           // Number of concurrent workers
	WriteTimeout time.Duration // Per-record store timeout
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		WorkerCount:  4,
		WriteTimeout: 5 * time.Second,
	}
}

// NewAuditService creates a new AuditService. With a nil repo records are
// written to the log only.
func NewAuditService(repo repositories.DecisionAuditRepository, logger *zap.Logger, metrics *observability.Metrics, config Config) *AuditService {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &AuditService{
		repo:        repo,
		logger:      logger,
		metrics:     metrics,
		records:     make(chan *models.DecisionAuditRecord, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		timeout:     config.WriteTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize),
		zap.Bool("persistent", s.repo != nil))

	return nil
}

// Stop stops accepting records and waits for pending ones to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.stopped = true
	close(s.records)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_records", len(s.records)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// LogDecision queues rec without blocking. A full buffer drops the record.
func (s *AuditService) LogDecision(rec *models.DecisionAuditRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || s.stopped {
		return fmt.Errorf("audit service not started")
	}

	select {
	case s.records <- rec:
		s.metrics.SetAuditBuffer(len(s.records), s.bufferSize)
		return nil
	default:
		s.logger.Warn("audit buffer full, dropping decision record",
			zap.String("decision_id", rec.DecisionID),
			zap.String("policy_id", rec.PolicyID))
		return fmt.Errorf("audit buffer full")
	}
}

// LogDecisionBlocking queues rec, waiting for buffer space until ctx ends
func (s *AuditService) LogDecisionBlocking(ctx context.Context, rec *models.DecisionAuditRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || s.stopped {
		return fmt.Errorf("audit service not started")
	}

	select {
	case s.records <- rec:
		s.metrics.SetAuditBuffer(len(s.records), s.bufferSize)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("audit service stopped")
	}
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for rec := range s.records {
		s.metrics.SetAuditBuffer(len(s.records), s.bufferSize)
		if err := s.write(rec); err != nil {
			s.metrics.StoreError("audit", "insert")
			s.logger.Error("failed to write decision record",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("decision_id", rec.DecisionID),
				zap.String("policy_id", rec.PolicyID))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) write(rec *models.DecisionAuditRecord) error {
	if s.repo == nil {
		s.logger.Info("decision",
			zap.String("decision_id", rec.DecisionID),
			zap.String("policy_id", rec.PolicyID),
			zap.String("policy_version", rec.PolicyVersion),
			zap.String("passport_id", rec.PassportID),
			zap.Bool("allow", rec.Allow),
			zap.Strings("reasons", rec.ReasonCodes),
			zap.String("request_id", rec.RequestID),
			zap.Int("latency_ms", rec.LatencyMs))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.repo.Insert(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert decision record: %w", err)
	}
	return nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:     s.bufferSize,
		PendingRecords: len(s.records),
		WorkerCount:    s.workerCount,
		Started:        s.started && !s.stopped,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize     int  `json:"buffer_size"`
	PendingRecords int  `json:"pending_records"`
	WorkerCount    int  `json:"worker_count"`
	Started        bool `json:"started"`
}
