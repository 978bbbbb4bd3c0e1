// Package redis implements storage.AccountStore on Redis. Records are kept in
// the on-chain account layout (internal/codec) next to their revision, and
// Commit uses WATCH/MULTI for optimistic concurrency.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Erio-Harrison/defi-tools/internal/codec"
	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/observability"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "defi"

const (
	fieldData = "data"
	fieldRev  = "rev"
)

// AccountStore implements storage.AccountStore using Redis.
//
// Key layout:
//
//	<prefix>:profile:<owner>        hash {data, rev}
//	<prefix>:strategy:<owner>:<id>  hash {data, rev}
//	<prefix>:strategies:<owner>     sorted set of ids
//	<prefix>:auto_rebalance         set of "<owner>:<id>"
type AccountStore struct {
	client *redis.Client
	prefix string
}

// NewAccountStore creates a new AccountStore. An empty prefix uses DefaultPrefix.
func NewAccountStore(client *redis.Client, prefix string) *AccountStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &AccountStore{client: client, prefix: prefix}
}

// NewClient creates a client and verifies the connection.
func NewClient(ctx context.Context, opt *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Compile-time interface check.
var _ storage.AccountStore = (*AccountStore)(nil)

func (s *AccountStore) profileKey(owner string) string {
	return s.prefix + ":profile:" + owner
}

func (s *AccountStore) strategyKey(owner string, id uint64) string {
	return s.prefix + ":strategy:" + owner + ":" + strconv.FormatUint(id, 10)
}

func (s *AccountStore) indexKey(owner string) string {
	return s.prefix + ":strategies:" + owner
}

func (s *AccountStore) autoKey() string {
	return s.prefix + ":auto_rebalance"
}

// GetProfile retrieves the profile of owner. Returns ErrNotFound if not exists.
func (s *AccountStore) GetProfile(ctx context.Context, owner string) (*domain.UserProfile, error) {
	start := time.Now()
	vals, err := s.client.HMGet(ctx, s.profileKey(owner), fieldData, fieldRev).Result()
	observability.RecordDBQuery("redis", "get_profile", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return decodeProfile(vals)
}

// GetStrategy retrieves a strategy by (owner, strategyID). Returns ErrNotFound if not exists.
func (s *AccountStore) GetStrategy(ctx context.Context, owner string, strategyID uint64) (*domain.StrategyConfig, error) {
	start := time.Now()
	vals, err := s.client.HMGet(ctx, s.strategyKey(owner, strategyID), fieldData, fieldRev).Result()
	observability.RecordDBQuery("redis", "get_strategy", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	return decodeStrategy(vals)
}

// ListStrategies retrieves all strategies of owner, ordered by strategy_id ASC.
func (s *AccountStore) ListStrategies(ctx context.Context, owner string) ([]*domain.StrategyConfig, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list strategy ids: %w", err)
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse strategy id %q: %w", m, err)
		}
		keys = append(keys, s.strategyKey(owner, id))
	}
	return s.loadStrategies(ctx, "list_strategies", keys)
}

// ListAutoRebalance retrieves every strategy with auto_rebalance set.
func (s *AccountStore) ListAutoRebalance(ctx context.Context) ([]*domain.StrategyConfig, error) {
	members, err := s.client.SMembers(ctx, s.autoKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list auto rebalance: %w", err)
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		owner, idStr, ok := strings.Cut(m, ":")
		if !ok {
			return nil, fmt.Errorf("malformed auto rebalance member %q", m)
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse strategy id %q: %w", idStr, err)
		}
		keys = append(keys, s.strategyKey(owner, id))
	}

	list, err := s.loadStrategies(ctx, "list_auto_rebalance", keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Owner != list[j].Owner {
			return list[i].Owner < list[j].Owner
		}
		return list[i].StrategyID < list[j].StrategyID
	})
	return list, nil
}

// loadStrategies fetches keys in one pipeline, preserving order.
// Keys that vanished between the index read and the fetch are skipped.
func (s *AccountStore) loadStrategies(ctx context.Context, op string, keys []string) ([]*domain.StrategyConfig, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	start := time.Now()
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, k, fieldData, fieldRev)
		}
		return nil
	})
	observability.RecordDBQuery("redis", op, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	result := make([]*domain.StrategyConfig, 0, len(keys))
	for _, cmd := range cmds {
		st, err := decodeStrategy(cmd.Val())
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, st)
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

// Commit writes the changeset in one MULTI block guarded by WATCH on every
// written key. A concurrent write to a watched key aborts with ErrConflict.
func (s *AccountStore) Commit(ctx context.Context, cs storage.Changeset) error {
	if cs.Empty() {
		return storage.ErrInvalidInput
	}
	if (cs.Profile != nil && cs.Profile.Owner == "") || (cs.Strategy != nil && cs.Strategy.Owner == "") {
		return storage.ErrInvalidInput
	}

	var profileData, strategyData []byte
	var keys []string
	var err error
	if p := cs.Profile; p != nil {
		if profileData, err = codec.EncodeProfile(p); err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		keys = append(keys, s.profileKey(p.Owner))
	}
	if st := cs.Strategy; st != nil {
		if strategyData, err = codec.EncodeStrategy(st); err != nil {
			return fmt.Errorf("encode strategy: %w", err)
		}
		keys = append(keys, s.strategyKey(st.Owner, st.StrategyID))
	}

	start := time.Now()
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		if p := cs.Profile; p != nil {
			if err := checkRevision(ctx, tx, s.profileKey(p.Owner), p.Revision); err != nil {
				return err
			}
		}
		if st := cs.Strategy; st != nil {
			if err := checkRevision(ctx, tx, s.strategyKey(st.Owner, st.StrategyID), st.Revision); err != nil {
				return err
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if p := cs.Profile; p != nil {
				pipe.HSet(ctx, s.profileKey(p.Owner), fieldData, profileData, fieldRev, p.Revision+1)
			}
			if st := cs.Strategy; st != nil {
				pipe.HSet(ctx, s.strategyKey(st.Owner, st.StrategyID), fieldData, strategyData, fieldRev, st.Revision+1)
				pipe.ZAdd(ctx, s.indexKey(st.Owner), redis.Z{
					Score:  float64(st.StrategyID),
					Member: strconv.FormatUint(st.StrategyID, 10),
				})
				member := st.Owner + ":" + strconv.FormatUint(st.StrategyID, 10)
				if st.RebalanceCondition.AutoRebalance {
					pipe.SAdd(ctx, s.autoKey(), member)
				} else {
					pipe.SRem(ctx, s.autoKey(), member)
				}
			}
			return nil
		})
		return err
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		err = storage.ErrConflict
	}
	observability.RecordDBQuery("redis", "commit", time.Since(start).Seconds(), commitFailure(err))
	if err != nil {
		if isSentinel(err) {
			return err
		}
		return fmt.Errorf("commit: %w", err)
	}

	if cs.Profile != nil {
		cs.Profile.Revision++
	}
	if cs.Strategy != nil {
		cs.Strategy.Revision++
	}
	return nil
}

// checkRevision compares the stored revision of key with expected.
// Runs inside WATCH, so the answer holds until EXEC.
func checkRevision(ctx context.Context, tx *redis.Tx, key string, expected uint64) error {
	stored, err := tx.HGet(ctx, key, fieldRev).Uint64()
	exists := true
	if errors.Is(err, redis.Nil) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read revision: %w", err)
	}

	switch {
	case expected == 0 && exists:
		return storage.ErrDuplicateKey
	case expected == 0:
		return nil
	case !exists:
		return storage.ErrNotFound
	case stored != expected:
		return storage.ErrConflict
	}
	return nil
}

// fields splits an HMGET {data, rev} reply. A missing hash yields ErrNotFound.
func fields(vals []any) ([]byte, uint64, error) {
	if len(vals) != 2 || vals[0] == nil {
		return nil, 0, storage.ErrNotFound
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected data type %T", vals[0])
	}
	revStr, ok := vals[1].(string)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected revision type %T", vals[1])
	}
	rev, err := strconv.ParseUint(revStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("parse revision: %w", err)
	}
	return []byte(data), rev, nil
}

func decodeProfile(vals []any) (*domain.UserProfile, error) {
	data, rev, err := fields(vals)
	if err != nil {
		return nil, err
	}
	p, err := codec.DecodeProfile(data)
	if err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	p.Revision = rev
	return p, nil
}

func decodeStrategy(vals []any) (*domain.StrategyConfig, error) {
	data, rev, err := fields(vals)
	if err != nil {
		return nil, err
	}
	st, err := codec.DecodeStrategy(data)
	if err != nil {
		return nil, fmt.Errorf("decode strategy: %w", err)
	}
	st.Revision = rev
	return st, nil
}

func isSentinel(err error) bool {
	return errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, storage.ErrDuplicateKey) ||
		errors.Is(err, storage.ErrNotFound)
}

func commitFailure(err error) error {
	if isSentinel(err) {
		return nil
	}
	return err
}
