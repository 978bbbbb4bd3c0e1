package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "So11111111111111111111111111111111111111112"

func sampleProfile() *domain.UserProfile {
	return &domain.UserProfile{
		Owner:              owner,
		RiskLevel:          3,
		StrategyCounter:    2,
		VaultBump:          254,
		LastActivity:       1700000000,
		TotalValueLamports: 1_500_000_000,
		IsPaused:           true,
	}
}

func sampleStrategy() *domain.StrategyConfig {
	return &domain.StrategyConfig{
		Owner:      owner,
		StrategyID: 1,
		Allocations: []domain.Allocation{
			{Protocol: domain.ProtocolRaydium, Asset: domain.AssetSOL, TargetWeightBps: 6000},
			{Protocol: domain.ProtocolSolend, Asset: domain.AssetUSDC, TargetWeightBps: 4000},
		},
		RebalanceCondition: domain.RebalanceCondition{
			TimeIntervalSeconds: 3600,
			MaxDeviationBps:     250,
			AutoRebalance:       true,
		},
		CreatedAt:      1700000000,
		LastExecutedAt: 1700003600,
		MaxSlippageBps: 100,
	}
}

func TestDiscriminator(t *testing.T) {
	sum := sha256.Sum256([]byte("account:UserProfile"))
	d := ProfileDiscriminator()
	assert.Equal(t, sum[:8], d[:])
	assert.NotEqual(t, ProfileDiscriminator(), StrategyDiscriminator())
}

func TestEncodeProfile_Layout(t *testing.T) {
	data, err := EncodeProfile(sampleProfile())
	require.NoError(t, err)

	require.Len(t, data, 8+32+1+8+1+8+8+1)
	assert.Equal(t, uint8(3), data[40], "risk_level")
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(data[41:49]), "strategy_counter")
	assert.Equal(t, uint8(254), data[49], "vault_bump")
	assert.Equal(t, uint64(1700000000), binary.LittleEndian.Uint64(data[50:58]), "last_activity")
	assert.Equal(t, uint64(1_500_000_000), binary.LittleEndian.Uint64(data[58:66]), "total_value")
	assert.Equal(t, uint8(1), data[66], "is_paused")
}

func TestProfile_RoundTripIgnoresRevision(t *testing.T) {
	p := sampleProfile()
	p.Revision = 7

	data, err := EncodeProfile(p)
	require.NoError(t, err)
	// accounts are allocated with padding
	data = append(data, make([]byte, 16)...)

	got, err := DecodeProfile(data)
	require.NoError(t, err)

	want := sampleProfile()
	assert.Equal(t, want, got)
}

func TestEncodeStrategy_Layout(t *testing.T) {
	data, err := EncodeStrategy(sampleStrategy())
	require.NoError(t, err)

	require.Len(t, data, 8+32+8+4+2*4+8+2+1+8+8+2)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[48:52]), "allocations length")
	assert.Equal(t, []byte{0, 0}, data[52:54], "first allocation slots")
	assert.Equal(t, uint16(6000), binary.LittleEndian.Uint16(data[54:56]))
	assert.Equal(t, uint16(100), binary.LittleEndian.Uint16(data[len(data)-2:]), "max_slippage_bps")
}

func TestStrategy_RoundTrip(t *testing.T) {
	data, err := EncodeStrategy(sampleStrategy())
	require.NoError(t, err)

	got, err := DecodeStrategy(data)
	require.NoError(t, err)
	assert.Equal(t, sampleStrategy(), got)
}

func TestDecode_WrongDiscriminator(t *testing.T) {
	data, err := EncodeStrategy(sampleStrategy())
	require.NoError(t, err)

	_, err = DecodeProfile(data)
	assert.ErrorIs(t, err, ErrDiscriminator)
}

func TestDecode_ShortData(t *testing.T) {
	data, err := EncodeProfile(sampleProfile())
	require.NoError(t, err)

	_, err = DecodeProfile(data[:4])
	assert.ErrorIs(t, err, ErrShortData)

	_, err = DecodeProfile(data[:50])
	assert.ErrorIs(t, err, ErrShortData)
}

func TestDecodeStrategy_HugeLengthPrefix(t *testing.T) {
	data, err := EncodeStrategy(sampleStrategy())
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[48:52], 1<<30)

	_, err = DecodeStrategy(data)
	assert.ErrorIs(t, err, ErrShortData)
}

func TestDecode_InvalidBool(t *testing.T) {
	data, err := EncodeProfile(sampleProfile())
	require.NoError(t, err)
	data[66] = 2

	_, err = DecodeProfile(data)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestEncode_InvalidOwner(t *testing.T) {
	p := sampleProfile()
	p.Owner = "alice"

	_, err := EncodeProfile(p)
	assert.ErrorIs(t, err, ErrInvalidData)
}
