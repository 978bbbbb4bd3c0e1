package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/lifecycle"
	"github.com/Erio-Harrison/defi-tools/internal/rebalance"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// lamportsPerSOLExp is the decimal exponent of one lamport in SOL.
const lamportsPerSOLExp = -9

// Lamports renders a u64 lamport amount as an exact string and as SOL.
type Lamports struct {
	Lamports string `json:"lamports"`
	SOL      string `json:"sol"`
}

func lamports(v uint64) Lamports {
	sol := decimal.NewFromBigInt(new(big.Int).SetUint64(v), lamportsPerSOLExp)
	return Lamports{Lamports: strconv.FormatUint(v, 10), SOL: sol.String()}
}

// parseLamports parses a decimal u64 amount. JSON numbers lose precision
// above 2^53, so amounts travel as strings.
func parseLamports(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount must be a decimal u64: %w", err)
	}
	return v, nil
}

type createProfileRequest struct {
	RiskLevel json.Number `json:"risk_level" binding:"required"`
}

// riskLevel narrows the requested level to a u8. Integers outside the u8
// range, however large, are InvalidRiskLevel; 0 and 6..255 are left to the
// lifecycle check.
func (r createProfileRequest) riskLevel() (uint8, error) {
	v, err := strconv.ParseInt(r.RiskLevel.String(), 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return 0, domain.ErrInvalidRiskLevel
	}
	if err != nil {
		return 0, fmt.Errorf("risk_level must be an integer: %w", err)
	}
	if v < 0 || v > math.MaxUint8 {
		return 0, domain.ErrInvalidRiskLevel
	}
	return uint8(v), nil
}

type allocationDTO struct {
	Protocol        uint8  `json:"protocol"`
	ProtocolName    string `json:"protocol_name,omitempty"`
	Asset           uint8  `json:"asset"`
	AssetName       string `json:"asset_name,omitempty"`
	TargetWeightBps uint16 `json:"target_weight_bps"`
}

type rebalanceConditionDTO struct {
	TimeIntervalSeconds uint64 `json:"time_interval_seconds"`
	MaxDeviationBps     uint16 `json:"max_deviation_bps"`
	AutoRebalance       bool   `json:"auto_rebalance"`
}

type createStrategyRequest struct {
	Allocations        []allocationDTO       `json:"allocations"`
	RebalanceCondition rebalanceConditionDTO `json:"rebalance_condition"`
	MaxSlippageBps     uint16                `json:"max_slippage_bps"`
}

func (r createStrategyRequest) params() lifecycle.StrategyParams {
	allocs := make([]domain.Allocation, 0, len(r.Allocations))
	for _, a := range r.Allocations {
		allocs = append(allocs, domain.Allocation{
			Protocol:        domain.Protocol(a.Protocol),
			Asset:           domain.Asset(a.Asset),
			TargetWeightBps: a.TargetWeightBps,
		})
	}
	return lifecycle.StrategyParams{
		Allocations: allocs,
		RebalanceCondition: domain.RebalanceCondition{
			TimeIntervalSeconds: r.RebalanceCondition.TimeIntervalSeconds,
			MaxDeviationBps:     r.RebalanceCondition.MaxDeviationBps,
			AutoRebalance:       r.RebalanceCondition.AutoRebalance,
		},
		MaxSlippageBps: r.MaxSlippageBps,
	}
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type profileDTO struct {
	Owner           string   `json:"owner"`
	RiskLevel       uint8    `json:"risk_level"`
	StrategyCounter string   `json:"strategy_counter"`
	VaultBump       uint8    `json:"vault_bump"`
	LastActivity    int64    `json:"last_activity"`
	TotalValue      Lamports `json:"total_value"`
	IsPaused        bool     `json:"is_paused"`
}

func toProfileDTO(p *domain.UserProfile) profileDTO {
	return profileDTO{
		Owner:           p.Owner,
		RiskLevel:       p.RiskLevel,
		StrategyCounter: strconv.FormatUint(p.StrategyCounter, 10),
		VaultBump:       p.VaultBump,
		LastActivity:    p.LastActivity,
		TotalValue:      lamports(p.TotalValueLamports),
		IsPaused:        p.IsPaused,
	}
}

type strategyDTO struct {
	Owner              string                `json:"owner"`
	StrategyID         string                `json:"strategy_id"`
	Allocations        []allocationDTO       `json:"allocations"`
	RebalanceCondition rebalanceConditionDTO `json:"rebalance_condition"`
	CreatedAt          int64                 `json:"created_at"`
	LastExecutedAt     int64                 `json:"last_executed_at"`
	NextRebalanceAt    int64                 `json:"next_rebalance_at"` // 0 until first executed
	MaxSlippageBps     uint16                `json:"max_slippage_bps"`
}

func toStrategyDTO(s *domain.StrategyConfig) strategyDTO {
	allocs := make([]allocationDTO, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		allocs = append(allocs, allocationDTO{
			Protocol:        uint8(a.Protocol),
			ProtocolName:    a.Protocol.String(),
			Asset:           uint8(a.Asset),
			AssetName:       a.Asset.String(),
			TargetWeightBps: a.TargetWeightBps,
		})
	}
	return strategyDTO{
		Owner:       s.Owner,
		StrategyID:  strconv.FormatUint(s.StrategyID, 10),
		Allocations: allocs,
		RebalanceCondition: rebalanceConditionDTO{
			TimeIntervalSeconds: s.RebalanceCondition.TimeIntervalSeconds,
			MaxDeviationBps:     s.RebalanceCondition.MaxDeviationBps,
			AutoRebalance:       s.RebalanceCondition.AutoRebalance,
		},
		CreatedAt:       s.CreatedAt,
		LastExecutedAt:  s.LastExecutedAt,
		NextRebalanceAt: rebalance.NextEligibleAt(s),
		MaxSlippageBps:  s.MaxSlippageBps,
	}
}

func toStrategyDTOs(list []*domain.StrategyConfig) []strategyDTO {
	out := make([]strategyDTO, 0, len(list))
	for _, s := range list {
		out = append(out, toStrategyDTO(s))
	}
	return out
}

type activityDTO struct {
	EventID      string   `json:"event_id"`
	StrategyID   *string  `json:"strategy_id,omitempty"`
	Operation    string   `json:"operation"`
	Amount       Lamports `json:"amount"`
	Result       string   `json:"result"`
	ErrorCode    uint32   `json:"error_code,omitempty"`
	BalanceAfter Lamports `json:"balance_after"`
	Timestamp    int64    `json:"timestamp"`
}

func toActivityDTOs(events []*storage.ActivityEvent) []activityDTO {
	out := make([]activityDTO, 0, len(events))
	for _, e := range events {
		d := activityDTO{
			EventID:      e.EventID,
			Operation:    e.Operation,
			Amount:       lamports(e.Amount),
			Result:       e.Result,
			ErrorCode:    e.ErrorCode,
			BalanceAfter: lamports(e.BalanceAfter),
			Timestamp:    e.Timestamp,
		}
		if e.StrategyID != nil {
			id := strconv.FormatUint(*e.StrategyID, 10)
			d.StrategyID = &id
		}
		out = append(out, d)
	}
	return out
}
