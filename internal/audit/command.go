package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/audittrail/internal/jobs"
)

// Validation and lifecycle errors returned by the command service.
var (
	ErrNilRequest          = errors.New("audit request is nil")
	ErrInvalidEventType    = errors.New("invalid audit event type")
	ErrMissingEntityType   = errors.New("entity type is required")
	ErrEntityTypeTooLong   = fmt.Errorf("entity type exceeds %d characters", MaxEntityTypeLength)
	ErrChangeReasonTooLong = fmt.Errorf("change reason exceeds %d characters", MaxChangeReasonLength)
	ErrUserRoleTooLong     = fmt.Errorf("user role exceeds %d characters", MaxUserRoleLength)
	ErrInvalidSource       = errors.New("invalid audit source")
	ErrValueEncoding       = errors.New("failed to encode audit value")
	ErrQueueFull           = errors.New("audit async queue is full")
	ErrServiceClosed       = errors.New("audit command service is closed")
)

// SecurityEntityType is the entity type of entries written by RecordSecurityEvent.
const SecurityEntityType = "SECURITY"

// ExportEntityType is the entity type of entries written by RecordExport.
const ExportEntityType = "EXPORT"

// SystemEntityType is the entity type of process lifecycle entries.
const SystemEntityType = "SYSTEM"

// Default async settings.
const (
	DefaultAsyncWorkers   = 4
	DefaultAsyncQueueSize = 1024
)

// Publisher receives every committed entry, e.g. for a live feed.
type Publisher interface {
	Publish(entry *Entry)
}

// CommandConfig configures a CommandService.
type CommandConfig struct {
	// AsyncWorkers is the number of goroutines committing async requests.
	// Default: 4.
	AsyncWorkers int

	// AsyncQueueSize bounds the number of pending async requests.
	// Default: 1024.
	AsyncQueueSize int

	// AnonymizeIPs truncates IP addresses before they are hashed.
	AnonymizeIPs bool

	Logger     *slog.Logger
	Metrics    *Metrics
	JobMetrics jobs.Reporter
	Publisher  Publisher

	// OnAsyncFailure is called from a worker when an async append fails.
	OnAsyncFailure func(req Request, err error)
}

// CommandService is the write side of the audit trail.
type CommandService struct {
	writer *ChainWriter
	cfg    CommandConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *asyncJob
	wg     sync.WaitGroup
}

type asyncJob struct {
	ctx       context.Context
	req       Request
	candidate Entry
	pending   *Pending
}

// NewCommandService creates a command service and starts its async workers.
// Call Close to drain the queue and stop the workers.
func NewCommandService(writer *ChainWriter, cfg CommandConfig) *CommandService {
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = DefaultAsyncWorkers
	}
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = DefaultAsyncQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &CommandService{
		writer: writer,
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan *asyncJob, cfg.AsyncQueueSize),
	}

	s.wg.Add(cfg.AsyncWorkers)
	for i := 0; i < cfg.AsyncWorkers; i++ {
		go s.worker()
	}
	return s
}

// Record validates req and synchronously appends it to the chain. Storage
// errors are returned to the caller.
func (s *CommandService) Record(ctx context.Context, req *Request) (string, error) {
	candidate, err := s.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	entry, err := s.commit(ctx, candidate, ModeSync)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// RecordAsync validates req synchronously and returns a validation error
// immediately. Otherwise the append is handed to the worker pool and its
// outcome is delivered only through the returned Pending.
func (s *CommandService) RecordAsync(ctx context.Context, req *Request) (*Pending, error) {
	candidate, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	pending := newPending()
	job := &asyncJob{
		ctx:       context.WithoutCancel(ctx),
		req:       *req,
		candidate: candidate,
		pending:   pending,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		pending.resolve("", ErrServiceClosed)
		return pending, nil
	}

	select {
	case s.queue <- job:
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SetQueueDepth(len(s.queue))
		}
	default:
		s.logger.Error("audit async queue full, entry dropped",
			slog.String("event_type", string(req.EventType)),
			slog.String("entity_type", req.EntityType),
			slog.String("entity_id", req.EntityID),
		)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncDropped()
			s.cfg.Metrics.IncRecorded(ModeAsync, OutcomeFailure)
		}
		if s.cfg.JobMetrics != nil {
			s.cfg.JobMetrics.IncJobErrors(jobs.JobTypeAuditAsyncRecord, "queue_full")
		}
		pending.resolve("", ErrQueueFull)
	}
	return pending, nil
}

// RecordSecurityEvent synchronously records a security event with the given
// description.
func (s *CommandService) RecordSecurityEvent(ctx context.Context, eventType EventType, description string) (string, error) {
	return s.Record(ctx, &Request{
		EventType:  eventType,
		EntityType: SecurityEntityType,
		NewValue:   map[string]string{"details": description},
	})
}

// RecordExport synchronously records the start of a data export.
func (s *CommandService) RecordExport(ctx context.Context, exportType string, params any) (string, error) {
	return s.Record(ctx, &Request{
		EventType:  EventDataExportStarted,
		EntityType: ExportEntityType,
		EntityID:   exportType,
		NewValue:   params,
	})
}

// Wrap runs op and audits its outcome. On success req is recorded (async when
// req.Async is set). On failure the failure counterpart of req.EventType is
// recorded synchronously with the error in NewValue, and op's error is
// returned unchanged even if that audit fails.
func (s *CommandService) Wrap(ctx context.Context, req *Request, op func(ctx context.Context) error) error {
	if req == nil {
		return ErrNilRequest
	}

	opErr := op(ctx)
	if opErr != nil {
		failure := *req
		failure.EventType = req.EventType.FailureCounterpart()
		failure.NewValue = map[string]any{
			"error":     true,
			"exception": fmt.Sprintf("%T", opErr),
			"message":   opErr.Error(),
			"original":  req.NewValue,
		}
		if _, err := s.Record(ctx, &failure); err != nil {
			s.logger.Error("failed to audit operation failure",
				slog.String("event_type", string(failure.EventType)),
				slog.String("entity_type", failure.EntityType),
				slog.String("entity_id", failure.EntityID),
				slog.String("operation_error", opErr.Error()),
				slog.String("error", err.Error()),
			)
		}
		return opErr
	}

	if req.Async {
		_, err := s.RecordAsync(ctx, req)
		return err
	}
	_, err := s.Record(ctx, req)
	return err
}

// Close stops accepting async work and waits until queued requests are
// committed or ctx is done.
func (s *CommandService) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining audit queue: %w", ctx.Err())
	}
}

func (s *CommandService) worker() {
	defer s.wg.Done()
	for job := range s.queue {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SetQueueDepth(len(s.queue))
		}

		start := time.Now()
		entry, err := s.commit(job.ctx, job.candidate, ModeAsync)
		if s.cfg.JobMetrics != nil {
			s.cfg.JobMetrics.ObserveJobDuration(jobs.JobTypeAuditAsyncRecord, time.Since(start).Seconds())
		}
		if err != nil {
			if s.cfg.JobMetrics != nil {
				s.cfg.JobMetrics.IncJobsTotal(jobs.JobTypeAuditAsyncRecord, jobs.StatusFailure)
				s.cfg.JobMetrics.IncJobErrors(jobs.JobTypeAuditAsyncRecord, "store_error")
			}
			if s.cfg.OnAsyncFailure != nil {
				s.cfg.OnAsyncFailure(job.req, err)
			}
			job.pending.resolve("", err)
			continue
		}
		if s.cfg.JobMetrics != nil {
			s.cfg.JobMetrics.IncJobsTotal(jobs.JobTypeAuditAsyncRecord, jobs.StatusSuccess)
		}
		job.pending.resolve(entry.ID, nil)
	}
}

// commit appends candidate and runs the post-commit hooks.
func (s *CommandService) commit(ctx context.Context, candidate Entry, mode string) (*Entry, error) {
	entry, err := s.writer.Commit(ctx, candidate)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncRecorded(mode, OutcomeFailure)
		}
		s.logger.Error("failed to record audit entry",
			slog.String("mode", mode),
			slog.String("event_type", string(candidate.EventType)),
			slog.String("entity_type", candidate.EntityType),
			slog.String("entity_id", candidate.EntityID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncRecorded(mode, OutcomeSuccess)
	}
	s.logger.Debug("audit entry recorded",
		slog.String("entry_id", entry.ID),
		slog.Int64("sequence", entry.Sequence),
		slog.String("event_type", string(entry.EventType)),
	)

	if entry.EventType.RequiresNotification() {
		s.logger.Warn("security notification required",
			slog.String("entry_id", entry.ID),
			slog.String("event_type", string(entry.EventType)),
			slog.String("user_id", entry.UserID),
			slog.String("entity_type", entry.EntityType),
			slog.String("entity_id", entry.EntityID),
		)
	}
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(entry.Clone())
	}
	return entry, nil
}

// prepare validates req and builds the unsealed candidate entry.
func (s *CommandService) prepare(ctx context.Context, req *Request) (Entry, error) {
	if err := ValidateRequest(req); err != nil {
		return Entry{}, err
	}

	actor := req.Actor
	if actor.ID == "" {
		if ctxActor, ok := ActorFromContext(ctx); ok {
			actor = ctxActor
		} else {
			actor = SystemActor
		}
	}
	if len(actor.Role) > MaxUserRoleLength {
		return Entry{}, ErrUserRoleTooLong
	}

	oldValue, err := encodeValue(req.OldValue)
	if err != nil {
		return Entry{}, err
	}
	newValue, err := encodeValue(req.NewValue)
	if err != nil {
		return Entry{}, err
	}

	md := RequestMetadataFromContext(ctx)
	source := firstSource(req.Source, md.Source, SourceSystem)
	ip := firstNonEmpty(req.IPAddress, md.IPAddress)
	if s.cfg.AnonymizeIPs {
		ip = AnonymizeIP(ip)
	}

	return Entry{
		EventType:    req.EventType,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		UserID:       actor.ID,
		UserName:     actor.Name,
		UserRole:     actor.Role,
		OldValue:     oldValue,
		NewValue:     newValue,
		ChangeReason: req.ChangeReason,
		UserComment:  req.UserComment,
		Source:       source,
		IPAddress:    ip,
		UserAgent:    firstNonEmpty(req.UserAgent, md.UserAgent),
		RequestID:    firstNonEmpty(req.RequestID, md.RequestID),
		APIEndpoint:  firstNonEmpty(req.APIEndpoint, md.APIEndpoint),
	}, nil
}

// ValidateRequest checks the fields of req that do not depend on context.
func ValidateRequest(req *Request) error {
	if req == nil {
		return ErrNilRequest
	}
	if !req.EventType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, req.EventType)
	}
	if req.EntityType == "" {
		return ErrMissingEntityType
	}
	if len(req.EntityType) > MaxEntityTypeLength {
		return ErrEntityTypeTooLong
	}
	if len(req.ChangeReason) > MaxChangeReasonLength {
		return ErrChangeReasonTooLong
	}
	if len(req.Actor.Role) > MaxUserRoleLength {
		return ErrUserRoleTooLong
	}
	if req.Source != "" && !req.Source.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidSource, req.Source)
	}
	return nil
}

// encodeValue stores strings verbatim and JSON encodes anything else.
func encodeValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case json.RawMessage:
		return string(val), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValueEncoding, err)
	}
	return string(data), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstSource(values ...Source) Source {
	for _, v := range values {
		if v.IsValid() {
			return v
		}
	}
	return SourceSystem
}

// Pending is the eventual outcome of a RecordAsync call.
type Pending struct {
	done chan struct{}
	once sync.Once
	id   string
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(id string, err error) {
	p.once.Do(func() {
		p.id = id
		p.err = err
		close(p.done)
	})
}

// Done is closed once the append has committed or failed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the append completes or ctx is done. A ctx expiry does
// not cancel the append.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.id, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ID returns the committed entry ID, or "" while pending or after failure.
func (p *Pending) ID() string {
	select {
	case <-p.done:
		return p.id
	default:
		return ""
	}
}

// Err returns the append error, or nil while pending or after success.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
