package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrChainHeadMissing is returned when the audit_chain_head row is absent,
// which means the schema was not migrated.
var ErrChainHeadMissing = errors.New("audit chain head row missing")

// DBChecker checks the Postgres database holding the audit trail.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database and confirms the chain head row exists.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	var seq int64
	err := d.db.QueryRowContext(ctx, "SELECT last_seq FROM audit_chain_head WHERE id = 1").Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrChainHeadMissing
	}
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	return nil
}
