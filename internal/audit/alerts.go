package audit

import (
	"context"
	"fmt"
	"time"
)

// Alert types.
const (
	AlertRetention = "RETENTION"
	AlertIntegrity = "INTEGRITY"
	AlertSecurity  = "SECURITY"
)

// Alert severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// ComplianceAlert is a condition of the audit trail that needs operator attention.
type ComplianceAlert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// GetComplianceAlerts reports entries overdue for retention, integrity issues
// in the last 24 hours and recent events requiring notification.
func (q *QueryService) GetComplianceAlerts(ctx context.Context) ([]ComplianceAlert, error) {
	now := q.now()
	alerts := []ComplianceAlert{}

	overdue, err := q.countOverdue(ctx, now)
	if err != nil {
		return nil, err
	}
	if overdue > 0 {
		severity := SeverityInfo
		if overdue > q.cfg.RetentionAlertThreshold {
			severity = SeverityWarning
		}
		alerts = append(alerts, ComplianceAlert{
			Type:      AlertRetention,
			Severity:  severity,
			Message:   fmt.Sprintf("%d audit entries are older than the %d day retention period", overdue, int(q.cfg.RetentionPeriod.Hours()/24)),
			Count:     overdue,
			Timestamp: now,
		})
	}

	issues, err := q.VerifyIntegrity(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		alerts = append(alerts, ComplianceAlert{
			Type:      AlertIntegrity,
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("%d integrity issues detected in the last 24 hours", len(issues)),
			Count:     int64(len(issues)),
			Timestamp: now,
		})
	}

	pending, err := q.reader.Count(ctx, Criteria{
		EventTypes: eventTypesWhere(EventType.RequiresNotification),
		From:       now.Add(-q.cfg.NotificationWindow),
		To:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("count notification events: %w", err)
	}
	if pending > 0 {
		alerts = append(alerts, ComplianceAlert{
			Type:      AlertSecurity,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("%d security events require notification", pending),
			Count:     pending,
			Timestamp: now,
		})
	}

	return alerts, nil
}
