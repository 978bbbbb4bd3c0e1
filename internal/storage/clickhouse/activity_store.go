package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Erio-Harrison/defi-tools/internal/observability"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// ActivityStore implements storage.ActivityStore using ClickHouse.
type ActivityStore struct {
	conn *Conn
}

// NewActivityStore creates a new ActivityStore.
func NewActivityStore(conn *Conn) *ActivityStore {
	return &ActivityStore{conn: conn}
}

// Compile-time interface check.
var _ storage.ActivityStore = (*ActivityStore)(nil)

const activityColumns = `event_id, owner, strategy_id, operation, amount, result, error_code, balance_after, timestamp`

// Append adds an event. Returns ErrDuplicateKey if event_id exists.
func (s *ActivityStore) Append(ctx context.Context, e *storage.ActivityEvent) error {
	if e == nil || e.EventID == "" || e.Owner == "" {
		return storage.ErrInvalidInput
	}

	// ReplacingMergeTree would fold the duplicate; append-only callers want to know
	exists, err := s.exists(ctx, e.EventID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	start := time.Now()
	err = s.conn.Exec(ctx, `INSERT INTO activity_events (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Owner, e.StrategyID, e.Operation, e.Amount,
		e.Result, e.ErrorCode, e.BalanceAfter, e.Timestamp,
	)
	observability.RecordDBQuery("clickhouse", "append_activity", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	return nil
}

// GetByOwner retrieves events of owner within [start, end] (inclusive).
func (s *ActivityStore) GetByOwner(ctx context.Context, owner string, start, end int64) ([]*storage.ActivityEvent, error) {
	query := `
		SELECT ` + activityColumns + `
		FROM activity_events FINAL
		WHERE owner = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, inserted_at ASC, event_id ASC
	`
	return s.query(ctx, "activity_by_owner", query, owner, start, end)
}

// GetByStrategy retrieves events of one strategy.
func (s *ActivityStore) GetByStrategy(ctx context.Context, owner string, strategyID uint64) ([]*storage.ActivityEvent, error) {
	query := `
		SELECT ` + activityColumns + `
		FROM activity_events FINAL
		WHERE owner = ? AND strategy_id = ?
		ORDER BY timestamp ASC, inserted_at ASC, event_id ASC
	`
	return s.query(ctx, "activity_by_strategy", query, owner, strategyID)
}

func (s *ActivityStore) query(ctx context.Context, op, query string, args ...any) ([]*storage.ActivityEvent, error) {
	start := time.Now()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		observability.RecordDBQuery("clickhouse", op, time.Since(start).Seconds(), err)
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	defer rows.Close()

	events, err := scanActivityEvents(rows)
	observability.RecordDBQuery("clickhouse", op, time.Since(start).Seconds(), err)
	return events, err
}

func (s *ActivityStore) exists(ctx context.Context, eventID string) (bool, error) {
	var count uint64
	row := s.conn.QueryRow(ctx, `SELECT count() FROM activity_events WHERE event_id = ?`, eventID)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanActivityEvents(rows driver.Rows) ([]*storage.ActivityEvent, error) {
	var result []*storage.ActivityEvent
	for rows.Next() {
		var e storage.ActivityEvent
		err := rows.Scan(
			&e.EventID,
			&e.Owner,
			&e.StrategyID,
			&e.Operation,
			&e.Amount,
			&e.Result,
			&e.ErrorCode,
			&e.BalanceAfter,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity events: %w", err)
	}
	return result, nil
}
