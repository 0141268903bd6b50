package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/audittrail/internal/tracing"
)

const entryColumns = `seq, id, event_type, entity_type, entity_id, user_id, user_name, user_role,
	old_value, new_value, change_reason, user_comment, source, ip_address, user_agent,
	request_id, api_endpoint, occurred_at, data_hash, previous_hash, schema_version`

// PostgresStore is a Postgres-backed Store. Appends from any number of
// processes are serialized on the audit_chain_head row lock.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a store over an open database handle with the
// audit_trail migrations applied.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Append implements Appender.
func (s *PostgresStore) Append(ctx context.Context, seal SealFunc) (entry *Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_trail", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback audit append", slog.String("error", rbErr.Error()))
		}
	}()

	head, err := lockHead(ctx, tx)
	if err != nil {
		return nil, err
	}

	entry, err = seal(head)
	if err != nil {
		return nil, err
	}
	if err := checkSealed(entry, head); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_trail (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		entry.Sequence, entry.ID, string(entry.EventType), entry.EntityType, entry.EntityID,
		entry.UserID, entry.UserName, entry.UserRole,
		entry.OldValue, entry.NewValue, entry.ChangeReason, entry.UserComment,
		string(entry.Source), entry.IPAddress, entry.UserAgent, entry.RequestID, entry.APIEndpoint,
		entry.OccurredAt, entry.DataHash, entry.PreviousHash, entry.SchemaVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE audit_chain_head SET last_seq = $1, last_hash = $2, updated_at = NOW()
		WHERE id = 1
	`, entry.Sequence, entry.DataHash)
	if err != nil {
		return nil, fmt.Errorf("failed to advance chain head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit entry: %w", err)
	}

	return entry.Clone(), nil
}

// lockHead reads the chain head, holding its row lock until tx ends.
func lockHead(ctx context.Context, tx *sql.Tx) (ChainHead, error) {
	var head ChainHead
	err := tx.QueryRowContext(ctx, `
		SELECT last_seq, last_hash FROM audit_chain_head WHERE id = 1 FOR UPDATE
	`).Scan(&head.Sequence, &head.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainHead{}, fmt.Errorf("audit_chain_head row missing: run migrations")
	}
	if err != nil {
		return ChainHead{}, fmt.Errorf("failed to lock chain head: %w", err)
	}
	return head, nil
}

// Get implements Reader.
func (s *PostgresStore) Get(ctx context.Context, id string) (entry *Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_trail", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	uid, parseErr := uuid.Parse(id)
	if parseErr != nil {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_trail WHERE id = $1`, uid.String())
	entry, err = scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return entry, nil
}

// Scan implements Reader.
func (s *PostgresStore) Scan(ctx context.Context, fromSeq, toSeq int64) (entries []*Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_trail", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM audit_trail
		WHERE seq BETWEEN $1 AND $2
		ORDER BY seq ASC
	`, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit trail: %w", err)
	}
	return collectRows(rows)
}

// SequenceRange implements Reader.
func (s *PostgresStore) SequenceRange(ctx context.Context, from, to time.Time) (first, last int64, ok bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_trail", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var minSeq, maxSeq sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(seq), MAX(seq) FROM audit_trail
		WHERE occurred_at BETWEEN $1 AND $2
	`, from, to).Scan(&minSeq, &maxSeq)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to query sequence range: %w", err)
	}
	if !minSeq.Valid {
		return 0, 0, false, nil
	}
	return minSeq.Int64, maxSeq.Int64, true, nil
}

// FindByEntity implements Reader.
func (s *PostgresStore) FindByEntity(ctx context.Context, entityType, entityID string, page Page) ([]*Entry, error) {
	return s.Search(ctx, Criteria{EntityType: entityType, EntityID: entityID, Page: page})
}

// FindByUser implements Reader.
func (s *PostgresStore) FindByUser(ctx context.Context, userID string, from, to time.Time, page Page) ([]*Entry, error) {
	return s.Search(ctx, Criteria{UserID: userID, From: from, To: to, Page: page})
}

// FindByEventType implements Reader.
func (s *PostgresStore) FindByEventType(ctx context.Context, eventType EventType, from, to time.Time, page Page) ([]*Entry, error) {
	return s.Search(ctx, Criteria{EventTypes: []EventType{eventType}, From: from, To: to, Page: page})
}

// Search implements Reader.
func (s *PostgresStore) Search(ctx context.Context, c Criteria) (entries []*Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_trail", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	where, args := buildWhere(c)
	query := `SELECT ` + entryColumns + ` FROM audit_trail` + where +
		` ORDER BY occurred_at DESC, seq DESC`
	if c.Page.Size > 0 {
		args = append(args, c.Page.Size, c.Page.Offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit trail: %w", err)
	}
	entries, err = collectRows(rows)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return entries, nil
}

// Stream implements Reader using a server-side row cursor.
func (s *PostgresStore) Stream(ctx context.Context, c Criteria, fn func(*Entry) error) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_trail", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	where, args := buildWhere(c)
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_trail`+where+
		` ORDER BY occurred_at DESC, seq DESC`, args...)
	if err != nil {
		return fmt.Errorf("failed to stream audit trail: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count implements Reader.
func (s *PostgresStore) Count(ctx context.Context, c Criteria) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_trail", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	where, args := buildWhere(c)
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_trail`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// EpochBoundaries implements Reader.
func (s *PostgresStore) EpochBoundaries(ctx context.Context, fromSeq, toSeq int64) (boundaries []EpochBoundary, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_chain_epochs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, cutoff, deleted_count, created_at FROM audit_chain_epochs
		WHERE seq BETWEEN $1 AND $2
		ORDER BY seq ASC
	`, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain epochs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b EpochBoundary
		if err := rows.Scan(&b.Sequence, &b.Cutoff, &b.DeletedCount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chain epoch: %w", err)
		}
		boundaries = append(boundaries, b)
	}
	return boundaries, rows.Err()
}

// DeleteOlderThan implements Pruner. It holds the chain head row lock so no
// append interleaves with the deletion, and records epoch boundaries in the
// same transaction.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (deleted int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_trail", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if dryRun {
		if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_trail WHERE occurred_at < $1`, cutoff).Scan(&deleted); err != nil {
			return 0, fmt.Errorf("failed to count expired audit entries: %w", err)
		}
		return deleted, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback retention delete", slog.String("error", rbErr.Error()))
		}
	}()

	head, err := lockHead(ctx, tx)
	if err != nil {
		return 0, err
	}

	var expired int64
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_trail WHERE occurred_at < $1`, cutoff).Scan(&expired); err != nil {
		return 0, fmt.Errorf("failed to count expired audit entries: %w", err)
	}
	if expired == 0 {
		return 0, nil
	}

	_, err = tx.ExecContext(ctx, `
		WITH ordered AS (
			SELECT seq,
				occurred_at < $1 AS doomed,
				LAG(occurred_at < $1) OVER (ORDER BY seq) AS prev_doomed
			FROM audit_trail
		)
		INSERT INTO audit_chain_epochs (seq, cutoff, deleted_count, created_at)
		SELECT seq, $1::timestamptz, $2::bigint, NOW() FROM ordered
		WHERE NOT doomed AND prev_doomed
		ON CONFLICT (seq) DO NOTHING
	`, cutoff, expired)
	if err != nil {
		return 0, fmt.Errorf("failed to record chain epochs: %w", err)
	}

	// The head is not rewound: when it is deleted, the next append starts an epoch.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_chain_epochs (seq, cutoff, deleted_count, created_at)
		SELECT $3::bigint + 1, $1::timestamptz, $2::bigint, NOW()
		WHERE EXISTS (SELECT 1 FROM audit_trail WHERE seq = $3 AND occurred_at < $1)
		ON CONFLICT (seq) DO NOTHING
	`, cutoff, expired, head.Sequence)
	if err != nil {
		return 0, fmt.Errorf("failed to record head epoch: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM audit_trail WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit entries: %w", err)
	}
	deleted, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit retention delete: %w", err)
	}

	s.logger.Info("deleted expired audit entries",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	return deleted, nil
}

// buildWhere renders c as a WHERE clause with positional arguments.
func buildWhere(c Criteria) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if c.UserID != "" {
		add("user_id = $%d", c.UserID)
	}
	if c.EntityType != "" {
		add("entity_type = $%d", c.EntityType)
	}
	if c.EntityID != "" {
		add("entity_id = $%d", c.EntityID)
	}
	if len(c.EventTypes) > 0 {
		types := make([]string, len(c.EventTypes))
		for i, t := range c.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if len(c.Sources) > 0 {
		sources := make([]string, len(c.Sources))
		for i, src := range c.Sources {
			sources[i] = string(src)
		}
		add("source = ANY($%d)", pq.Array(sources))
	}
	if !c.From.IsZero() {
		add("occurred_at >= $%d", c.From)
	}
	if !c.To.IsZero() {
		add("occurred_at <= $%d", c.To)
	}
	if c.Text != "" {
		args = append(args, "%"+escapeLike(c.Text)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(change_reason ILIKE $%d OR user_comment ILIKE $%d)", n, n))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var eventType, source string
	err := row.Scan(
		&e.Sequence, &e.ID, &eventType, &e.EntityType, &e.EntityID,
		&e.UserID, &e.UserName, &e.UserRole,
		&e.OldValue, &e.NewValue, &e.ChangeReason, &e.UserComment,
		&source, &e.IPAddress, &e.UserAgent, &e.RequestID, &e.APIEndpoint,
		&e.OccurredAt, &e.DataHash, &e.PreviousHash, &e.SchemaVersion,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = EventType(eventType)
	e.Source = Source(source)
	e.OccurredAt = e.OccurredAt.UTC()
	return &e, nil
}

func collectRows(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}
