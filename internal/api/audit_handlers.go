package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/jobs"
	"github.com/onnwee/audittrail/internal/middleware"
	"github.com/onnwee/audittrail/internal/stream"
)

// Request limits.
const (
	DefaultQueryWindow      = 24 * time.Hour
	DefaultActivityDays     = 30
	DefaultCriticalLimit    = 100
	MaxDescriptionLength    = 2000
	maxSecurityEventBodyLen = 64 << 10
	maxPageNumber           = 1_000_000
)

// AuditHandlers serves the query side of the audit trail plus the two write
// paths exposed over HTTP: security events and export bookkeeping.
type AuditHandlers struct {
	query      *audit.QueryService
	command    *audit.CommandService
	feed       *stream.EntryBroadcaster
	jobMetrics jobs.Reporter
	upgrader   websocket.Upgrader
	now        func() time.Time
}

// AuditHandlersConfig configures the audit handlers.
type AuditHandlersConfig struct {
	Query   *audit.QueryService
	Command *audit.CommandService
	// Feed serves /audit/stream. Optional; the route answers 503 without it.
	Feed *stream.EntryBroadcaster
	// AllowedOrigins for the live feed. Empty means same-origin only, "*" allows any.
	AllowedOrigins []string
	// JobMetrics reports exports as background jobs. Optional.
	JobMetrics jobs.Reporter
	Now        func() time.Time
}

// NewAuditHandlers creates the audit handlers.
func NewAuditHandlers(cfg AuditHandlersConfig) *AuditHandlers {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	h := &AuditHandlers{
		query:      cfg.Query,
		command:    cfg.Command,
		feed:       cfg.Feed,
		jobMetrics: cfg.JobMetrics,
		now:        now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(cfg.AllowedOrigins) > 0 {
		origins := slices.Clone(cfg.AllowedOrigins)
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		}
	}
	return h
}

// EntriesResponse is a page of entries.
type EntriesResponse struct {
	Entries []*audit.Entry `json:"entries"`
	Page    int            `json:"page"`
	Size    int            `json:"size"`
	Count   int            `json:"count"`
}

// VerifyResponse is the result of an integrity check.
type VerifyResponse struct {
	Valid     bool                   `json:"valid"`
	Issues    []audit.IntegrityIssue `json:"issues"`
	From      time.Time              `json:"from"`
	To        time.Time              `json:"to"`
	CheckedAt time.Time              `json:"checked_at"`
}

// SecurityEventRequest is the body of POST /audit/security-events.
type SecurityEventRequest struct {
	EventType   string `json:"event_type"`
	Description string `json:"description"`
}

// SecurityEventResponse carries the ID of the recorded entry.
type SecurityEventResponse struct {
	ID string `json:"id"`
}

// GetEntry handles GET /audit/entries/{id}.
func (h *AuditHandlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.query.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entry)
}

// EntityHistory handles GET /audit/entities/{type}/{id}.
func (h *AuditHandlers) EntityHistory(w http.ResponseWriter, r *http.Request) {
	page, size, err := parsePage(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	entries, err := h.query.FindByEntity(r.Context(), r.PathValue("type"), r.PathValue("id"), page, size)
	h.writeEntries(w, r, entries, err, page, size)
}

// UserActivity handles GET /audit/users/{id}. from and to are optional.
func (h *AuditHandlers) UserActivity(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseOptionalRange(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	page, size, err := parsePage(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	entries, err := h.query.FindByUser(r.Context(), r.PathValue("id"), from, to, page, size)
	h.writeEntries(w, r, entries, err, page, size)
}

// EventTypeEntries handles GET /audit/event-types/{type}.
func (h *AuditHandlers) EventTypeEntries(w http.ResponseWriter, r *http.Request) {
	eventType := audit.EventType(r.PathValue("type"))
	if !eventType.IsValid() {
		writeValidationError(w, r, fmt.Sprintf("unknown event type %q", eventType))
		return
	}
	from, to, err := parseOptionalRange(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	page, size, err := parsePage(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	entries, err := h.query.FindByEventType(r.Context(), eventType, from, to, page, size)
	h.writeEntries(w, r, entries, err, page, size)
}

// SecurityEvents handles GET /audit/security-events.
func (h *AuditHandlers) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.parseRange(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	page, size, err := parsePage(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	entries, err := h.query.FindSecurityEvents(r.Context(), from, to, page, size)
	h.writeEntries(w, r, entries, err, page, size)
}

// Failures handles GET /audit/failures.
func (h *AuditHandlers) Failures(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.parseRange(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	page, size, err := parsePage(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	entries, err := h.query.FindFailures(r.Context(), from, to, page, size)
	h.writeEntries(w, r, entries, err, page, size)
}

// CriticalEvents handles GET /audit/critical?limit=N.
func (h *AuditHandlers) CriticalEvents(w http.ResponseWriter, r *http.Request) {
	limit := DefaultCriticalLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		var err error
		if limit, err = parseIntInRange(s, "limit", 1, audit.MaxPageSize); err != nil {
			writeValidationError(w, r, err.Error())
			return
		}
	}
	entries, err := h.query.GetCriticalEvents(r.Context(), limit)
	h.writeEntries(w, r, entries, err, 0, limit)
}

// Search handles GET /audit/search.
func (h *AuditHandlers) Search(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	entries, err := h.query.Search(r.Context(), criteria)
	h.writeEntries(w, r, entries, err, criteria.Page.Number, criteria.Page.Size)
}

// Export handles GET /audit/export?format=csv|json plus the search filters.
// The export is recorded before any entry is streamed, and its outcome after.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	criteria, err := parseCriteria(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	criteria.Page = audit.Page{}

	params := exportParams(criteria)
	startedID, err := h.command.RecordExport(ctx, string(format), params)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// Large exports outlive the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		slog.DebugContext(ctx, "export keeps the server write deadline", "error", err)
	}

	filename := fmt.Sprintf("audit-export-%s.%s", h.now().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("X-Audit-Export-ID", startedID)
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	n, exportErr := audit.Export(w, format, h.query.StreamForExport(ctx, criteria))
	h.reportExport(start, exportErr)

	outcome := &audit.Request{
		EventType:  audit.EventDataExportCompleted,
		EntityType: audit.ExportEntityType,
		EntityID:   string(format),
		NewValue:   map[string]any{"started_entry_id": startedID, "entries": n},
	}
	if exportErr != nil {
		slog.ErrorContext(ctx, "audit export failed after headers were sent",
			"error", exportErr,
			"entries_written", n,
			"export_entry_id", startedID,
		)
		outcome.EventType = audit.EventDataExportFailed
		outcome.NewValue = map[string]any{"started_entry_id": startedID, "entries": n, "message": exportErr.Error()}
	}
	// The client may already be gone; the outcome is recorded regardless.
	if _, err := h.command.Record(context.WithoutCancel(ctx), outcome); err != nil {
		slog.ErrorContext(ctx, "failed to record export outcome", "error", err, "export_entry_id", startedID)
	}
}

func (h *AuditHandlers) reportExport(start time.Time, err error) {
	if h.jobMetrics == nil {
		return
	}
	h.jobMetrics.ObserveJobDuration(jobs.JobTypeAuditExport, time.Since(start).Seconds())
	if err != nil {
		h.jobMetrics.IncJobsTotal(jobs.JobTypeAuditExport, jobs.StatusFailure)
		h.jobMetrics.IncJobErrors(jobs.JobTypeAuditExport, "stream_error")
		return
	}
	h.jobMetrics.IncJobsTotal(jobs.JobTypeAuditExport, jobs.StatusSuccess)
}

// Statistics handles GET /audit/statistics. The range defaults to the last 24 hours.
func (h *AuditHandlers) Statistics(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.parseRange(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	stats, err := h.query.GetStatistics(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// Dashboard handles GET /audit/dashboard.
func (h *AuditHandlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.query.GetDashboardMetrics(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, metrics)
}

// Activity handles GET /audit/activity?days=N&groupBy=hour|day.
func (h *AuditHandlers) Activity(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	days := DefaultActivityDays
	if s := query.Get("days"); s != "" {
		var err error
		if days, err = parseIntInRange(s, "days", 1, 365); err != nil {
			writeValidationError(w, r, err.Error())
			return
		}
	}
	groupBy := query.Get("groupBy")
	switch groupBy {
	case "":
		groupBy = audit.GroupByDay
	case audit.GroupByDay, audit.GroupByHour:
	default:
		writeValidationError(w, r, "groupBy must be 'hour' or 'day'")
		return
	}

	points, err := h.query.GetActivityChartData(r.Context(), days, groupBy)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, points)
}

// Verify handles GET /audit/verify. Integrity findings are reported in the
// body with status 200; the range defaults to the last 24 hours.
func (h *AuditHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.parseRange(r)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	issues, err := h.query.VerifyIntegrity(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if issues == nil {
		issues = []audit.IntegrityIssue{}
	}
	writeJSON(w, r, http.StatusOK, VerifyResponse{
		Valid:     len(issues) == 0,
		Issues:    issues,
		From:      from,
		To:        to,
		CheckedAt: h.now(),
	})
}

// Alerts handles GET /audit/alerts.
func (h *AuditHandlers) Alerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.query.GetComplianceAlerts(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, alerts)
}

// Notifications handles GET /audit/notifications.
func (h *AuditHandlers) Notifications(w http.ResponseWriter, r *http.Request) {
	entries, err := h.query.FindRequiringNotification(r.Context())
	h.writeEntries(w, r, entries, err, 0, len(entries))
}

// RecordSecurityEvent handles POST /audit/security-events.
func (h *AuditHandlers) RecordSecurityEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSecurityEventBodyLen)
	var req SecurityEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	eventType := audit.EventType(strings.TrimSpace(req.EventType))
	if !eventType.IsValid() {
		writeValidationError(w, r, fmt.Sprintf("unknown event type %q", req.EventType))
		return
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		writeValidationError(w, r, "description is required")
		return
	}
	if len(description) > MaxDescriptionLength {
		writeValidationError(w, r, fmt.Sprintf("description exceeds %d characters", MaxDescriptionLength))
		return
	}

	id, err := h.command.RecordSecurityEvent(r.Context(), eventType, description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, SecurityEventResponse{ID: id})
}

// Stream handles GET /audit/stream, a WebSocket feed of committed entries.
// Optional filters: eventType (repeatable) and entityType.
func (h *AuditHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.feed == nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnavailable)
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeUnavailable, "Live feed is not enabled")
		return
	}

	eventTypes, err := parseEventTypes(r.URL.Query()["eventType"])
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	filter := stream.Filter{EventTypes: eventTypes, EntityType: r.URL.Query().Get("entityType")}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "failed to upgrade audit feed connection", "error", err)
		return
	}

	h.feed.Subscribe(conn, filter)
	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "audit feed client subscribed",
		"request_id", requestID,
		"event_types", len(filter.EventTypes),
		"entity_type", filter.EntityType,
	)

	defer func() {
		h.feed.Unsubscribe(conn)
		_ = conn.Close()
		slog.InfoContext(ctx, "audit feed client unsubscribed", "request_id", requestID)
	}()

	// Clients never send; reading detects disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.WarnContext(ctx, "audit feed connection closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (h *AuditHandlers) writeEntries(w http.ResponseWriter, r *http.Request, entries []*audit.Entry, err error, page, size int) {
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, r, http.StatusOK, EntriesResponse{
		Entries: entries,
		Page:    page,
		Size:    size,
		Count:   len(entries),
	})
}

// parseRange parses from and to, defaulting to the DefaultQueryWindow ending now.
func (h *AuditHandlers) parseRange(r *http.Request) (time.Time, time.Time, error) {
	from, to, err := parseOptionalRange(r)
	if err != nil {
		return from, to, err
	}
	if to.IsZero() {
		to = h.now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultQueryWindow)
	}
	if !from.Before(to) {
		return from, to, errors.New("'from' must be before 'to'")
	}
	return from, to, nil
}

// parseOptionalRange parses from and to; absent values are zero.
func parseOptionalRange(r *http.Request) (from, to time.Time, err error) {
	query := r.URL.Query()
	if from, err = parseTime(query.Get("from"), "from"); err != nil {
		return
	}
	if to, err = parseTime(query.Get("to"), "to"); err != nil {
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		err = errors.New("'from' must not be after 'to'")
	}
	return
}

func parseTime(s, fieldName string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid '%s' timestamp, must be RFC3339 format", fieldName)
	}
	return t.UTC(), nil
}

// parsePage parses the 0-based page and the page size. The query service
// applies the defaults and the upper bound.
func parsePage(r *http.Request) (page, size int, err error) {
	query := r.URL.Query()
	if s := query.Get("page"); s != "" {
		if page, err = parseIntInRange(s, "page", 0, maxPageNumber); err != nil {
			return 0, 0, err
		}
	}
	if s := query.Get("size"); s != "" {
		if size, err = parseIntInRange(s, "size", 1, audit.MaxPageSize); err != nil {
			return 0, 0, err
		}
	}
	if size == 0 {
		size = audit.DefaultPageSize
	}
	return page, size, nil
}

// parseCriteria builds search criteria from userId, entityType, entityId,
// eventType (repeatable), source (repeatable), from, to, q, page and size.
func parseCriteria(r *http.Request) (audit.Criteria, error) {
	query := r.URL.Query()
	from, to, err := parseOptionalRange(r)
	if err != nil {
		return audit.Criteria{}, err
	}
	page, size, err := parsePage(r)
	if err != nil {
		return audit.Criteria{}, err
	}
	eventTypes, err := parseEventTypes(query["eventType"])
	if err != nil {
		return audit.Criteria{}, err
	}
	var sources []audit.Source
	for _, s := range query["source"] {
		source := audit.Source(strings.ToUpper(strings.TrimSpace(s)))
		if !source.IsValid() {
			return audit.Criteria{}, fmt.Errorf("unknown source %q", s)
		}
		sources = append(sources, source)
	}

	return audit.Criteria{
		UserID:     strings.TrimSpace(query.Get("userId")),
		EntityType: strings.TrimSpace(query.Get("entityType")),
		EntityID:   strings.TrimSpace(query.Get("entityId")),
		EventTypes: eventTypes,
		Sources:    sources,
		From:       from,
		To:         to,
		Text:       strings.TrimSpace(query.Get("q")),
		Page:       audit.Page{Number: page, Size: size},
	}, nil
}

func parseEventTypes(values []string) ([]audit.EventType, error) {
	var types []audit.EventType
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			t := audit.EventType(strings.ToUpper(strings.TrimSpace(part)))
			if t == "" {
				continue
			}
			if !t.IsValid() {
				return nil, fmt.Errorf("unknown event type %q", part)
			}
			types = append(types, t)
		}
	}
	return types, nil
}

// exportParams describes the export filters in the DATA_EXPORT_STARTED entry.
func exportParams(c audit.Criteria) map[string]any {
	params := map[string]any{}
	if c.UserID != "" {
		params["user_id"] = c.UserID
	}
	if c.EntityType != "" {
		params["entity_type"] = c.EntityType
	}
	if c.EntityID != "" {
		params["entity_id"] = c.EntityID
	}
	if len(c.EventTypes) > 0 {
		params["event_types"] = c.EventTypes
	}
	if len(c.Sources) > 0 {
		params["sources"] = c.Sources
	}
	if !c.From.IsZero() {
		params["from"] = c.From.Format(time.RFC3339)
	}
	if !c.To.IsZero() {
		params["to"] = c.To.Format(time.RFC3339)
	}
	if c.Text != "" {
		params["q"] = c.Text
	}
	return params
}

// parseIntInRange parses an integer from a string with range validation.
func parseIntInRange(s, fieldName string, min, max int) (int, error) {
	val, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer", fieldName)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", fieldName, min, max)
	}
	return val, nil
}
