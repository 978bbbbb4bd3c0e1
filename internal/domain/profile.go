package domain

// Risk level bounds for UserProfile.RiskLevel (inclusive).
const (
	MinRiskLevel uint8 = 1
	MaxRiskLevel uint8 = 5
)

// UserProfile is the per-identity root record.
// Keyed by owner; exactly one profile exists per identity.
type UserProfile struct {
	Owner              string // base58 public key, immutable after creation
	RiskLevel          uint8  // 1..5, 5 = highest risk tolerance
	StrategyCounter    uint64 // next strategy id; never decreases
	VaultBump          uint8  // bump seed of the profile address
	LastActivity       int64  // unix seconds of the last mutating operation
	TotalValueLamports uint64 // commingled balance across all strategies
	IsPaused           bool   // emergency mode: blocks everything except withdrawal

	// Revision is store metadata for optimistic concurrency.
	// It is not part of the account layout.
	Revision uint64
}

// ValidRiskLevel reports whether level is within [MinRiskLevel, MaxRiskLevel].
func ValidRiskLevel(level uint8) bool {
	return level >= MinRiskLevel && level <= MaxRiskLevel
}

// Clone returns a copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
