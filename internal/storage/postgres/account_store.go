package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/observability"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// AccountStore implements storage.AccountStore using PostgreSQL.
// Revisions are checked with conditional UPDATEs inside one transaction.
type AccountStore struct {
	pool *Pool
}

// NewAccountStore creates a new AccountStore.
func NewAccountStore(pool *Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AccountStore = (*AccountStore)(nil)

const profileColumns = `owner, risk_level, strategy_counter, vault_bump, last_activity,
	total_value_lamports, is_paused, revision`

const strategyColumns = `owner, strategy_id, allocations, time_interval_seconds, max_deviation_bps,
	auto_rebalance, created_at, last_executed_at, max_slippage_bps, revision`

// allocationRow is the JSONB shape of one allocation.
type allocationRow struct {
	Protocol        uint8  `json:"protocol"`
	Asset           uint8  `json:"asset"`
	TargetWeightBps uint16 `json:"target_weight_bps"`
}

// GetProfile retrieves the profile of owner. Returns ErrNotFound if not exists.
func (s *AccountStore) GetProfile(ctx context.Context, owner string) (*domain.UserProfile, error) {
	start := time.Now()
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE owner = $1`

	p, err := scanProfile(s.pool.QueryRow(ctx, query, owner))
	observability.RecordDBQuery("postgres", "get_profile", time.Since(start).Seconds(), ignoreNoRows(err))
	if err != nil {
		return nil, wrap("get profile", err)
	}
	return p, nil
}

// GetStrategy retrieves a strategy by (owner, strategyID). Returns ErrNotFound if not exists.
func (s *AccountStore) GetStrategy(ctx context.Context, owner string, strategyID uint64) (*domain.StrategyConfig, error) {
	start := time.Now()
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE owner = $1 AND strategy_id = $2`

	st, err := scanStrategy(s.pool.QueryRow(ctx, query, owner, int64(strategyID)))
	observability.RecordDBQuery("postgres", "get_strategy", time.Since(start).Seconds(), ignoreNoRows(err))
	if err != nil {
		return nil, wrap("get strategy", err)
	}
	return st, nil
}

// ListStrategies retrieves all strategies of owner, ordered by strategy_id ASC.
func (s *AccountStore) ListStrategies(ctx context.Context, owner string) ([]*domain.StrategyConfig, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE owner = $1 ORDER BY strategy_id ASC`
	return s.queryStrategies(ctx, "list_strategies", query, owner)
}

// ListAutoRebalance retrieves every strategy with auto_rebalance set.
func (s *AccountStore) ListAutoRebalance(ctx context.Context) ([]*domain.StrategyConfig, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE auto_rebalance ORDER BY owner ASC, strategy_id ASC`
	return s.queryStrategies(ctx, "list_auto_rebalance", query)
}

func (s *AccountStore) queryStrategies(ctx context.Context, op, query string, args ...any) ([]*domain.StrategyConfig, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		observability.RecordDBQuery("postgres", op, time.Since(start).Seconds(), err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []*domain.StrategyConfig
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		result = append(result, st)
	}
	err = rows.Err()
	observability.RecordDBQuery("postgres", op, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("iterate strategies: %w", err)
	}
	return result, nil
}

// CreateProfile inserts a new profile. Returns ErrDuplicateKey if owner exists.
func (s *AccountStore) CreateProfile(ctx context.Context, p *domain.UserProfile) error {
	if p == nil || p.Revision != 0 {
		return storage.ErrInvalidInput
	}
	return s.Commit(ctx, storage.Changeset{Profile: p})
}

// SaveProfile replaces a profile read at p.Revision. Returns ErrConflict if stale.
func (s *AccountStore) SaveProfile(ctx context.Context, p *domain.UserProfile) error {
	if p == nil || p.Revision == 0 {
		return storage.ErrInvalidInput
	}
	return s.Commit(ctx, storage.Changeset{Profile: p})
}

// Commit writes the changeset in one transaction. The profile is written
// first so a new strategy's foreign key resolves.
func (s *AccountStore) Commit(ctx context.Context, cs storage.Changeset) error {
	if cs.Empty() {
		return storage.ErrInvalidInput
	}
	if (cs.Profile != nil && cs.Profile.Owner == "") || (cs.Strategy != nil && cs.Strategy.Owner == "") {
		return storage.ErrInvalidInput
	}

	// Encode before opening the transaction
	var allocations []byte
	if cs.Strategy != nil {
		var err error
		if allocations, err = encodeAllocations(cs.Strategy.Allocations); err != nil {
			return err
		}
	}

	start := time.Now()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if p := cs.Profile; p != nil {
			if err := writeProfile(ctx, tx, p); err != nil {
				return err
			}
		}
		if st := cs.Strategy; st != nil {
			if err := writeStrategy(ctx, tx, st, allocations); err != nil {
				return err
			}
		}
		return nil
	})
	observability.RecordDBQuery("postgres", "commit", time.Since(start).Seconds(), commitFailure(err))
	if err != nil {
		return err
	}

	if cs.Profile != nil {
		cs.Profile.Revision++
	}
	if cs.Strategy != nil {
		cs.Strategy.Revision++
	}
	return nil
}

func writeProfile(ctx context.Context, tx pgx.Tx, p *domain.UserProfile) error {
	if p.Revision == 0 {
		_, err := tx.Exec(ctx, `
			INSERT INTO profiles (
				owner, risk_level, strategy_counter, vault_bump, last_activity,
				total_value_lamports, is_paused, revision
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		`,
			p.Owner, int16(p.RiskLevel), int64(p.StrategyCounter), int16(p.VaultBump),
			p.LastActivity, int64(p.TotalValueLamports), p.IsPaused,
		)
		if err != nil {
			return wrap("insert profile", err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE profiles SET
			risk_level = $2, strategy_counter = $3, vault_bump = $4, last_activity = $5,
			total_value_lamports = $6, is_paused = $7,
			revision = revision + 1, updated_at = NOW()
		WHERE owner = $1 AND revision = $8
	`,
		p.Owner, int16(p.RiskLevel), int64(p.StrategyCounter), int16(p.VaultBump),
		p.LastActivity, int64(p.TotalValueLamports), p.IsPaused, int64(p.Revision),
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, tx, `SELECT 1 FROM profiles WHERE owner = $1`, p.Owner)
	}
	return nil
}

func writeStrategy(ctx context.Context, tx pgx.Tx, st *domain.StrategyConfig, allocations []byte) error {
	rc := st.RebalanceCondition
	if st.Revision == 0 {
		_, err := tx.Exec(ctx, `
			INSERT INTO strategies (
				owner, strategy_id, allocations, time_interval_seconds, max_deviation_bps,
				auto_rebalance, created_at, last_executed_at, max_slippage_bps, revision
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		`,
			st.Owner, int64(st.StrategyID), allocations, int64(rc.TimeIntervalSeconds), int32(rc.MaxDeviationBps),
			rc.AutoRebalance, st.CreatedAt, st.LastExecutedAt, int32(st.MaxSlippageBps),
		)
		if err != nil {
			return wrap("insert strategy", err)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE strategies SET
			allocations = $3, time_interval_seconds = $4, max_deviation_bps = $5,
			auto_rebalance = $6, last_executed_at = $7, max_slippage_bps = $8,
			revision = revision + 1, updated_at = NOW()
		WHERE owner = $1 AND strategy_id = $2 AND revision = $9
	`,
		st.Owner, int64(st.StrategyID), allocations, int64(rc.TimeIntervalSeconds), int32(rc.MaxDeviationBps),
		rc.AutoRebalance, st.LastExecutedAt, int32(st.MaxSlippageBps), int64(st.Revision),
	)
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, tx,
			`SELECT 1 FROM strategies WHERE owner = $1 AND strategy_id = $2`, st.Owner, int64(st.StrategyID))
	}
	return nil
}

// missingOrStale tells a missing row from a revision mismatch after an
// UPDATE matched nothing.
func missingOrStale(ctx context.Context, tx pgx.Tx, query string, args ...any) error {
	var one int
	err := tx.QueryRow(ctx, query, args...).Scan(&one)
	if err != nil {
		return wrap("check existing row", err)
	}
	return storage.ErrConflict
}

func scanProfile(row pgx.Row) (*domain.UserProfile, error) {
	var p domain.UserProfile
	var riskLevel, vaultBump int16
	var counter, total, revision int64

	err := row.Scan(
		&p.Owner,
		&riskLevel,
		&counter,
		&vaultBump,
		&p.LastActivity,
		&total,
		&p.IsPaused,
		&revision,
	)
	if err != nil {
		return nil, err
	}

	p.RiskLevel = uint8(riskLevel)
	p.VaultBump = uint8(vaultBump)
	p.StrategyCounter = uint64(counter)
	p.TotalValueLamports = uint64(total)
	p.Revision = uint64(revision)
	return &p, nil
}

func scanStrategy(row pgx.Row) (*domain.StrategyConfig, error) {
	var st domain.StrategyConfig
	var id, interval, revision int64
	var deviation, slippage int32
	var allocations []byte

	err := row.Scan(
		&st.Owner,
		&id,
		&allocations,
		&interval,
		&deviation,
		&st.RebalanceCondition.AutoRebalance,
		&st.CreatedAt,
		&st.LastExecutedAt,
		&slippage,
		&revision,
	)
	if err != nil {
		return nil, err
	}

	st.StrategyID = uint64(id)
	st.RebalanceCondition.TimeIntervalSeconds = uint64(interval)
	st.RebalanceCondition.MaxDeviationBps = uint16(deviation)
	st.MaxSlippageBps = uint16(slippage)
	st.Revision = uint64(revision)

	if st.Allocations, err = decodeAllocations(allocations); err != nil {
		return nil, err
	}
	return &st, nil
}

func encodeAllocations(allocs []domain.Allocation) ([]byte, error) {
	rows := make([]allocationRow, len(allocs))
	for i, a := range allocs {
		rows[i] = allocationRow{Protocol: uint8(a.Protocol), Asset: uint8(a.Asset), TargetWeightBps: a.TargetWeightBps}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("marshal allocations: %w", err)
	}
	return data, nil
}

func decodeAllocations(data []byte) ([]domain.Allocation, error) {
	var rows []allocationRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal allocations: %w", err)
	}
	allocs := make([]domain.Allocation, len(rows))
	for i, r := range rows {
		allocs[i] = domain.Allocation{Protocol: domain.Protocol(r.Protocol), Asset: domain.Asset(r.Asset), TargetWeightBps: r.TargetWeightBps}
	}
	return allocs, nil
}

// ignoreNoRows keeps lookups of absent rows out of the error metric.
func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

// commitFailure drops expected commit outcomes from the error metric.
func commitFailure(err error) error {
	for _, expected := range []error{storage.ErrConflict, storage.ErrDuplicateKey, storage.ErrNotFound} {
		if errors.Is(err, expected) {
			return nil
		}
	}
	return err
}
