package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/audittrail/internal/jobs"
)

// DefaultRetentionInterval is the default interval between retention runs.
const DefaultRetentionInterval = 24 * time.Hour

// DefaultRetentionTimeout bounds a single retention run.
const DefaultRetentionTimeout = 10 * time.Minute

// RetentionEntityType is the entity type of the entry recorded for each purge.
const RetentionEntityType = "AUDIT_TRAIL"

// Retention errors.
var (
	ErrInvalidCutoff = errors.New("retention cutoff must be a past instant")
	ErrArchiveFailed = errors.New("archive of expired entries failed")
)

// RetentionStore is the part of the store the retention manager needs.
type RetentionStore interface {
	Reader
	Pruner
}

// Archiver copies entries to long-term storage before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, entries iter.Seq2[*Entry, error]) error
}

// Recorder records an audit entry; CommandService implements it.
type Recorder interface {
	Record(ctx context.Context, req *Request) (string, error)
}

// RetentionConfig configures a RetentionManager.
type RetentionConfig struct {
	// Period is how long entries are kept. Default: 90 days.
	Period time.Duration
	// Interval between scheduled runs. Default: 24 hours.
	Interval time.Duration
	// Timeout for a single scheduled run. Default: 10 minutes.
	Timeout time.Duration
	// DryRun makes scheduled runs count instead of delete.
	DryRun bool

	// Archiver, when set, receives the expired entries before deletion. An
	// archive failure aborts the purge.
	Archiver Archiver
	// Recorder, when set, records a RETENTION_PURGED entry after each real purge.
	Recorder Recorder
	// Maintenance is shared with the QueryService.
	Maintenance *sync.RWMutex

	Logger     *slog.Logger
	Metrics    *Metrics
	JobMetrics jobs.Reporter
	Now        func() time.Time
}

// RetentionManager deletes entries older than the retention period, on
// demand or on a schedule.
type RetentionManager struct {
	store  RetentionStore
	config RetentionConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRetentionManager creates a retention manager over store.
func NewRetentionManager(store RetentionStore, config RetentionConfig) *RetentionManager {
	if config.Period <= 0 {
		config.Period = DefaultRetentionPeriod
	}
	if config.Interval <= 0 {
		config.Interval = DefaultRetentionInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRetentionTimeout
	}
	if config.Maintenance == nil {
		config.Maintenance = &sync.RWMutex{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &RetentionManager{store: store, config: config}
}

// Purge removes every entry with OccurredAt before cutoff, or only counts
// them when dryRun is set. It holds the maintenance lock exclusively, so no
// in-process integrity verification observes a partial deletion.
func (m *RetentionManager) Purge(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if cutoff.IsZero() || cutoff.After(m.config.Now()) {
		return 0, ErrInvalidCutoff
	}

	m.config.Maintenance.Lock()
	deleted, err := m.purgeLocked(ctx, cutoff, dryRun)
	m.config.Maintenance.Unlock()
	if err != nil {
		return 0, err
	}

	if dryRun {
		m.config.Logger.Info("retention dry run",
			slog.Time("cutoff", cutoff),
			slog.Int64("would_delete", deleted),
		)
		return deleted, nil
	}

	m.config.Logger.Info("retention purge completed",
		slog.Time("cutoff", cutoff),
		slog.Int64("deleted", deleted),
	)
	if m.config.Metrics != nil {
		m.config.Metrics.AddRetentionDeleted(deleted)
	}

	if deleted > 0 && m.config.Recorder != nil {
		_, err := m.config.Recorder.Record(ctx, &Request{
			EventType:  EventRetentionPurged,
			EntityType: RetentionEntityType,
			NewValue: map[string]any{
				"cutoff":  cutoff.Format(time.RFC3339Nano),
				"deleted": deleted,
			},
			ChangeReason: fmt.Sprintf("retention period %s", m.config.Period),
			Source:       SourceSystem,
		})
		if err != nil {
			m.config.Logger.Error("failed to record retention purge",
				slog.String("error", err.Error()))
		}
	}
	return deleted, nil
}

func (m *RetentionManager) purgeLocked(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if !dryRun && m.config.Archiver != nil {
		expired := Criteria{To: cutoff.Add(-time.Microsecond)}
		n, err := m.store.Count(ctx, expired)
		if err != nil {
			return 0, fmt.Errorf("count expired entries: %w", err)
		}
		if n > 0 {
			seq := func(yield func(*Entry, error) bool) {
				err := m.store.Stream(ctx, expired, func(e *Entry) error {
					if !yield(e, nil) {
						return errStopIteration
					}
					return nil
				})
				if err != nil && !errors.Is(err, errStopIteration) {
					yield(nil, err)
				}
			}
			if err := m.config.Archiver.Archive(ctx, cutoff, seq); err != nil {
				return 0, fmt.Errorf("%w: %w", ErrArchiveFailed, err)
			}
		}
	}

	deleted, err := m.store.DeleteOlderThan(ctx, cutoff, dryRun)
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}

	if !dryRun && deleted > 0 {
		m.logEpoch(ctx, cutoff)
	}
	return deleted, nil
}

// logEpoch logs the boundary recorded for the oldest surviving entry, if any.
func (m *RetentionManager) logEpoch(ctx context.Context, cutoff time.Time) {
	first, _, ok, err := m.store.SequenceRange(ctx, cutoff, m.config.Now().Add(24*time.Hour))
	if err != nil || !ok {
		return
	}
	boundaries, err := m.store.EpochBoundaries(ctx, first, first)
	if err != nil || len(boundaries) == 0 {
		return
	}
	m.config.Logger.Info("chain epoch boundary recorded",
		slog.Int64("sequence", boundaries[0].Sequence),
		slog.Time("cutoff", boundaries[0].Cutoff),
		slog.Int64("deleted", boundaries[0].DeletedCount),
	)
}

// RunOnce purges entries older than the configured period.
func (m *RetentionManager) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	deleted, err := m.Purge(ctx, m.config.Now().Add(-m.config.Period), m.config.DryRun)

	if m.config.JobMetrics != nil {
		m.config.JobMetrics.ObserveJobDuration(jobs.JobTypeAuditRetention, time.Since(start).Seconds())
		if err != nil {
			m.config.JobMetrics.IncJobsTotal(jobs.JobTypeAuditRetention, jobs.StatusFailure)
			m.config.JobMetrics.IncJobErrors(jobs.JobTypeAuditRetention, retentionErrorType(err))
		} else {
			m.config.JobMetrics.IncJobsTotal(jobs.JobTypeAuditRetention, jobs.StatusSuccess)
		}
	}
	return deleted, err
}

// Start begins scheduled retention runs.
// Returns immediately; the job runs in a background goroutine.
func (m *RetentionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop signals the scheduled runs to stop and waits for the loop to exit.
func (m *RetentionManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// IsRunning returns whether scheduled runs are active.
func (m *RetentionManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *RetentionManager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.config.Logger.Info("audit retention started",
		slog.Duration("period", m.config.Period),
		slog.Duration("interval", m.config.Interval),
		slog.Bool("dry_run", m.config.DryRun),
	)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.config.Logger.Info("audit retention stopping due to context cancellation")
			return
		case <-m.stopCh:
			m.config.Logger.Info("audit retention stopping due to stop signal")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
			if _, err := m.RunOnce(runCtx); err != nil {
				m.config.Logger.Error("audit retention run failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func retentionErrorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrInvalidCutoff):
		return "validation_error"
	case errors.Is(err, ErrArchiveFailed):
		return "archive_error"
	}
	return "store_error"
}
