// Package audit records one event per request outcome. Emission never blocks
// the caller and write failures are logged and dropped.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/action-control-plane/models"
	"go.uber.org/zap"
)

// Sink persists audit events. repositories.AuditRepository satisfies it.
type Sink interface {
	Insert(ctx context.Context, event *models.AuditEvent) error
}

// LogSink writes audit events to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Insert implements Sink
func (s *LogSink) Insert(_ context.Context, e *models.AuditEvent) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID.String()),
		zap.String("request_id", e.RequestID),
		zap.String("pack", e.Pack),
		zap.String("action", e.Action),
		zap.String("actor_type", string(e.ActorType)),
		zap.String("result", string(e.Result)),
		zap.String("code", e.Code),
		zap.Bool("dry_run", e.DryRun),
		zap.String("request_hash", e.RequestHash),
		zap.Int64("latency_ms", e.LatencyMs),
	}
	if e.TenantID != nil {
		fields = append(fields, zap.String("tenant_id", e.TenantID.String()))
	}
	if e.CredentialPrefix != "" {
		fields = append(fields, zap.String("credential_prefix", e.CredentialPrefix))
	}
	if e.DecisionID != "" {
		fields = append(fields, zap.String("decision_id", e.DecisionID))
	}
	s.logger.Info("audit event", fields...)
	return nil
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize   int           // Size of the event buffer channel
	WorkerCount  int           // Number of concurrent workers
	WriteTimeout time.Duration // Per-event sink timeout
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		WorkerCount:  5,
		WriteTimeout: 5 * time.Second,
	}
}

// AuditService handles asynchronous audit emission
type AuditService struct {
	sink        Sink
	logger      *zap.Logger
	eventChan   chan *models.AuditEvent
	workerCount int
	bufferSize  int
	timeout     time.Duration
	wg          sync.WaitGroup
	mu          sync.RWMutex
	started     bool
	stopped     bool

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewAuditService creates a new AuditService instance
func NewAuditService(sink Sink, logger *zap.Logger, config Config) *AuditService {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	return &AuditService{
		sink:        sink,
		logger:      logger,
		eventChan:   make(chan *models.AuditEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		timeout:     config.WriteTimeout,
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
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting events and waits for pending ones to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Emit queues an event and returns immediately. When the buffer is full or
// the service has stopped the event is dropped and logged.
func (s *AuditService) Emit(event *models.AuditEvent) {
	if event == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		s.drop(event, "audit service stopped")
		return
	}

	select {
	case s.eventChan <- event:
	default:
		s.drop(event, "audit event channel full")
	}
}

func (s *AuditService) drop(event *models.AuditEvent, reason string) {
	s.dropped.Add(1)
	s.logger.Warn(reason+", dropping event",
		zap.String("request_id", event.RequestID),
		zap.String("action", event.Action))
}

// worker processes events from the channel
func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.failed.Add(1)
			s.logger.Error("failed to write audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("request_id", event.RequestID),
				zap.String("action", event.Action))
			continue
		}
		s.written.Add(1)
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// processEvent writes a single audit event. A panicking sink counts as a
// failed write.
func (s *AuditService) processEvent(event *models.AuditEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit sink panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.sink.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int    `json:"buffer_size"`
	PendingEvents int    `json:"pending_events"`
	WorkerCount   int    `json:"worker_count"`
	Started       bool   `json:"started"`
	Written       uint64 `json:"written"`
	Failed        uint64 `json:"failed"`
	Dropped       uint64 `json:"dropped"`
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
		Written:       s.written.Load(),
		Failed:        s.failed.Load(),
		Dropped:       s.dropped.Load(),
	}
}
