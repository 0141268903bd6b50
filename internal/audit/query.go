package audit

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/audittrail/internal/jobs"
)

// Paging defaults.
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Query defaults.
const (
	DefaultRetentionPeriod         = 90 * 24 * time.Hour
	DefaultNotificationWindow      = 5 * time.Minute
	DefaultRetentionAlertThreshold = 100
	DefaultDashboardCacheTTL       = 30 * time.Second
)

// QueryConfig configures a QueryService.
type QueryConfig struct {
	// MaxPageSize caps the page size of every paginated query.
	// Default: 1000.
	MaxPageSize int

	// RetentionPeriod is used for retention compliance figures and alerts.
	// Default: 90 days.
	RetentionPeriod time.Duration

	// NotificationWindow bounds FindRequiringNotification and the SECURITY alert.
	// Default: 5 minutes.
	NotificationWindow time.Duration

	// RetentionAlertThreshold is the number of overdue entries above which the
	// RETENTION alert is raised as WARNING rather than INFO.
	// Default: 100.
	RetentionAlertThreshold int64

	// Cache stores dashboard snapshots for CacheTTL. Optional.
	Cache    DashboardCache
	CacheTTL time.Duration

	// Maintenance is shared with the RetentionManager so that verification
	// never overlaps a purge in this process.
	Maintenance *sync.RWMutex

	Metrics *Metrics
	// JobMetrics reports integrity scans as background jobs. Optional.
	JobMetrics jobs.Reporter
	Logger     *slog.Logger
	Now        func() time.Time
}

// QueryService is the read side of the audit trail. It holds only a Reader,
// so no write path is reachable through it.
type QueryService struct {
	reader Reader
	cfg    QueryConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewQueryService creates a query service over reader.
func NewQueryService(reader Reader, cfg QueryConfig) *QueryService {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = MaxPageSize
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = DefaultRetentionPeriod
	}
	if cfg.NotificationWindow <= 0 {
		cfg.NotificationWindow = DefaultNotificationWindow
	}
	if cfg.RetentionAlertThreshold <= 0 {
		cfg.RetentionAlertThreshold = DefaultRetentionAlertThreshold
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultDashboardCacheTTL
	}
	if cfg.Maintenance == nil {
		cfg.Maintenance = &sync.RWMutex{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &QueryService{reader: reader, cfg: cfg, logger: cfg.Logger, now: now}
}

// page normalizes a page number and size.
func (q *QueryService) page(number, size int) Page {
	if number < 0 {
		number = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > q.cfg.MaxPageSize {
		size = q.cfg.MaxPageSize
	}
	return Page{Number: number, Size: size}
}

// Get returns one entry by ID.
func (q *QueryService) Get(ctx context.Context, id string) (*Entry, error) {
	return q.reader.Get(ctx, id)
}

// FindByEntity returns the history of one entity, most recent first.
func (q *QueryService) FindByEntity(ctx context.Context, entityType, entityID string, page, size int) ([]*Entry, error) {
	return q.reader.FindByEntity(ctx, entityType, entityID, q.page(page, size))
}

// FindByUser returns an actor's entries in [from, to], most recent first.
func (q *QueryService) FindByUser(ctx context.Context, userID string, from, to time.Time, page, size int) ([]*Entry, error) {
	return q.reader.FindByUser(ctx, userID, from, to, q.page(page, size))
}

// FindByEventType returns entries of one type in [from, to], most recent first.
func (q *QueryService) FindByEventType(ctx context.Context, eventType EventType, from, to time.Time, page, size int) ([]*Entry, error) {
	if !eventType.IsValid() {
		return nil, ErrInvalidEventType
	}
	return q.reader.FindByEventType(ctx, eventType, from, to, q.page(page, size))
}

// FindSecurityEvents returns security relevant entries in [from, to].
func (q *QueryService) FindSecurityEvents(ctx context.Context, from, to time.Time, page, size int) ([]*Entry, error) {
	return q.reader.Search(ctx, Criteria{
		EventTypes: eventTypesWhere(EventType.IsSecurityRelevant),
		From:       from,
		To:         to,
		Page:       q.page(page, size),
	})
}

// FindFailures returns failure entries in [from, to].
func (q *QueryService) FindFailures(ctx context.Context, from, to time.Time, page, size int) ([]*Entry, error) {
	return q.reader.Search(ctx, Criteria{
		EventTypes: eventTypesWhere(EventType.IsFailure),
		From:       from,
		To:         to,
		Page:       q.page(page, size),
	})
}

// GetCriticalEvents returns up to limit critical entries from the last 24 hours.
func (q *QueryService) GetCriticalEvents(ctx context.Context, limit int) ([]*Entry, error) {
	now := q.now()
	return q.reader.Search(ctx, Criteria{
		EventTypes: eventTypesWhere(EventType.IsCritical),
		From:       now.Add(-24 * time.Hour),
		To:         now,
		Page:       q.page(0, limit),
	})
}

// FindRequiringNotification returns entries needing security follow-up that
// occurred within the notification window.
func (q *QueryService) FindRequiringNotification(ctx context.Context) ([]*Entry, error) {
	now := q.now()
	return q.reader.Search(ctx, Criteria{
		EventTypes: eventTypesWhere(EventType.RequiresNotification),
		From:       now.Add(-q.cfg.NotificationWindow),
		To:         now,
		Page:       q.page(0, q.cfg.MaxPageSize),
	})
}

// Search returns entries matching c, most recent first, paginated.
func (q *QueryService) Search(ctx context.Context, c Criteria) ([]*Entry, error) {
	c.Page = q.page(c.Page.Number, c.Page.Size)
	return q.reader.Search(ctx, c)
}

// Count returns the number of entries matching c.
func (q *QueryService) Count(ctx context.Context, c Criteria) (int64, error) {
	return q.reader.Count(ctx, c)
}

var errStopIteration = errors.New("stop iteration")

// StreamForExport lazily yields every entry matching c, ignoring pagination.
// Each range over the returned sequence runs a new query.
func (q *QueryService) StreamForExport(ctx context.Context, c Criteria) iter.Seq2[*Entry, error] {
	c.Page = Page{}
	return func(yield func(*Entry, error) bool) {
		err := q.reader.Stream(ctx, c, func(e *Entry) error {
			if !yield(e, nil) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(nil, err)
		}
	}
}

// eventTypesWhere returns the known event types satisfying pred.
func eventTypesWhere(pred func(EventType) bool) []EventType {
	var types []EventType
	for _, t := range AllEventTypes {
		if pred(t) {
			types = append(types, t)
		}
	}
	return types
}
