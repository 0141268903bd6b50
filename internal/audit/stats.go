package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Statistics summarizes the entries of a period.
type Statistics struct {
	TotalEvents        int64               `json:"total_events"`
	UniqueUsers        int                 `json:"unique_users"`
	UniqueEntities     int                 `json:"unique_entities"`
	FailureCount       int64               `json:"failure_count"`
	SecurityEventCount int64               `json:"security_event_count"`
	EventTypeCounts    map[EventType]int64 `json:"event_type_counts"`
	PeriodStart        time.Time           `json:"period_start"`
	PeriodEnd          time.Time           `json:"period_end"`
}

// EventTypeCount is one row of a top-N event type ranking.
type EventTypeCount struct {
	EventType EventType `json:"event_type"`
	Count     int64     `json:"count"`
}

// Integrity status values reported on the dashboard.
const (
	IntegrityValid       = "valid"
	IntegrityCompromised = "compromised"
)

// DashboardMetrics is the 24 hour overview shown on the audit dashboard.
type DashboardMetrics struct {
	TotalEventsToday    int64            `json:"total_events_today"`
	ActiveUsers         int              `json:"active_users"`
	CriticalEventsToday int64            `json:"critical_events_today"`
	IntegrityStatus     string           `json:"integrity_status"`
	RetentionCompliance float64          `json:"retention_compliance"`
	LastAudit           *time.Time       `json:"last_audit,omitempty"`
	TopEventTypes       []EventTypeCount `json:"top_event_types"`
	GeneratedAt         time.Time        `json:"generated_at"`
}

// ActivityPoint is one bucket of the activity chart.
type ActivityPoint struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// Activity chart groupings.
const (
	GroupByHour = "hour"
	GroupByDay  = "day"
)

const maxActivityDays = 365

// GetStatistics aggregates the entries with OccurredAt in [from, to].
func (q *QueryService) GetStatistics(ctx context.Context, from, to time.Time) (*Statistics, error) {
	stats := &Statistics{
		EventTypeCounts: make(map[EventType]int64),
		PeriodStart:     from,
		PeriodEnd:       to,
	}
	users := make(map[string]struct{})
	entities := make(map[string]struct{})

	err := q.reader.Stream(ctx, Criteria{From: from, To: to}, func(e *Entry) error {
		stats.TotalEvents++
		stats.EventTypeCounts[e.EventType]++
		users[e.UserID] = struct{}{}
		if e.EntityID != "" {
			entities[e.EntityType+"/"+e.EntityID] = struct{}{}
		}
		if e.EventType.IsFailure() {
			stats.FailureCount++
		}
		if e.EventType.IsSecurityRelevant() {
			stats.SecurityEventCount++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compute statistics: %w", err)
	}

	stats.UniqueUsers = len(users)
	stats.UniqueEntities = len(entities)
	return stats, nil
}

// GetDashboardMetrics returns the 24 hour overview, served from the cache
// when one is configured and fresh.
func (q *QueryService) GetDashboardMetrics(ctx context.Context) (*DashboardMetrics, error) {
	if q.cfg.Cache != nil {
		cached, ok, err := q.cfg.Cache.GetDashboard(ctx)
		if err != nil {
			q.logger.Warn("dashboard cache read failed", slog.String("error", err.Error()))
		} else if ok {
			return cached, nil
		}
	}

	now := q.now()
	dayAgo := now.Add(-24 * time.Hour)

	stats, err := q.GetStatistics(ctx, dayAgo, now)
	if err != nil {
		return nil, err
	}

	metrics := &DashboardMetrics{
		TotalEventsToday: stats.TotalEvents,
		ActiveUsers:      stats.UniqueUsers,
		TopEventTypes:    topEventTypes(stats.EventTypeCounts, 5),
		GeneratedAt:      now,
	}
	for t, n := range stats.EventTypeCounts {
		if t.IsCritical() {
			metrics.CriticalEventsToday += n
		}
	}

	issues, err := q.VerifyIntegrity(ctx, dayAgo, now)
	if err != nil {
		return nil, err
	}
	metrics.IntegrityStatus = IntegrityValid
	if len(issues) > 0 {
		metrics.IntegrityStatus = IntegrityCompromised
	}

	metrics.RetentionCompliance, err = q.retentionCompliance(ctx, now)
	if err != nil {
		return nil, err
	}

	latest, err := q.reader.Search(ctx, Criteria{Page: Page{Size: 1}})
	if err != nil {
		return nil, fmt.Errorf("load latest entry: %w", err)
	}
	if len(latest) > 0 {
		t := latest[0].OccurredAt
		metrics.LastAudit = &t
	}

	if q.cfg.Cache != nil {
		if err := q.cfg.Cache.SetDashboard(ctx, metrics, q.cfg.CacheTTL); err != nil {
			q.logger.Warn("dashboard cache write failed", slog.String("error", err.Error()))
		}
	}
	return metrics, nil
}

// retentionCompliance returns the percentage of entries still inside the
// retention period, 100 for an empty store.
func (q *QueryService) retentionCompliance(ctx context.Context, now time.Time) (float64, error) {
	total, err := q.reader.Count(ctx, Criteria{})
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	if total == 0 {
		return 100, nil
	}
	overdue, err := q.countOverdue(ctx, now)
	if err != nil {
		return 0, err
	}
	return float64(total-overdue) / float64(total) * 100, nil
}

// countOverdue counts entries older than the retention period.
func (q *QueryService) countOverdue(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-q.cfg.RetentionPeriod)
	n, err := q.reader.Count(ctx, Criteria{To: cutoff.Add(-time.Microsecond)})
	if err != nil {
		return 0, fmt.Errorf("count overdue entries: %w", err)
	}
	return n, nil
}

// GetActivityChartData buckets the last days of activity by hour of day or
// by calendar day (UTC). Empty buckets are reported with a zero count.
func (q *QueryService) GetActivityChartData(ctx context.Context, days int, groupBy string) ([]ActivityPoint, error) {
	days = min(max(days, 1), maxActivityDays)

	now := q.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := today.AddDate(0, 0, -(days - 1))

	var points []ActivityPoint
	var bucket func(time.Time) int
	if groupBy == GroupByHour {
		points = make([]ActivityPoint, 24)
		for h := range points {
			points[h].Label = fmt.Sprintf("%02d:00", h)
		}
		bucket = func(t time.Time) int { return t.Hour() }
	} else {
		points = make([]ActivityPoint, days)
		for d := range points {
			points[d].Label = from.AddDate(0, 0, d).Format(time.DateOnly)
		}
		bucket = func(t time.Time) int { return int(t.Sub(from) / (24 * time.Hour)) }
	}

	err := q.reader.Stream(ctx, Criteria{From: from, To: now}, func(e *Entry) error {
		i := bucket(e.OccurredAt.UTC())
		if i >= 0 && i < len(points) {
			points[i].Count++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compute activity: %w", err)
	}
	return points, nil
}

// topEventTypes returns the n most frequent event types, ties broken by name.
func topEventTypes(counts map[EventType]int64, n int) []EventTypeCount {
	ranked := make([]EventTypeCount, 0, len(counts))
	for t, c := range counts {
		ranked = append(ranked, EventTypeCount{EventType: t, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].EventType < ranked[j].EventType
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
