// Package codec encodes ledger accounts in the program's on-chain layout:
// an 8-byte Anchor discriminator followed by the Borsh-serialized fields.
package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/mr-tron/base58"
)

// DiscriminatorLen is the length of the account type prefix.
const DiscriminatorLen = 8

var (
	// ErrDiscriminator is returned when data belongs to another account type.
	ErrDiscriminator = errors.New("account discriminator mismatch")
	// ErrShortData is returned when data ends before the layout does.
	ErrShortData = errors.New("account data too short")
	// ErrInvalidData is returned for values the layout cannot hold.
	ErrInvalidData = errors.New("invalid account data")
)

var (
	profileDiscriminator  = Discriminator("UserProfile")
	strategyDiscriminator = Discriminator("StrategyConfig")
)

// Discriminator returns sha256("account:<name>")[:8].
func Discriminator(name string) [DiscriminatorLen]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminatorLen]byte
	copy(d[:], sum[:DiscriminatorLen])
	return d
}

// ProfileDiscriminator returns the UserProfile account prefix.
func ProfileDiscriminator() [DiscriminatorLen]byte { return profileDiscriminator }

// StrategyDiscriminator returns the StrategyConfig account prefix.
func StrategyDiscriminator() [DiscriminatorLen]byte { return strategyDiscriminator }

// EncodeProfile serializes p. Revision is not part of the layout.
func EncodeProfile(p *domain.UserProfile) ([]byte, error) {
	w := newWriter(profileDiscriminator)
	if err := w.pubkey(p.Owner); err != nil {
		return nil, err
	}
	w.u8(p.RiskLevel)
	w.u64(p.StrategyCounter)
	w.u8(p.VaultBump)
	w.i64(p.LastActivity)
	w.u64(p.TotalValueLamports)
	w.boolean(p.IsPaused)
	return w.buf, nil
}

// DecodeProfile parses a UserProfile account. Trailing bytes are ignored,
// since on-chain accounts are allocated with padding.
func DecodeProfile(data []byte) (*domain.UserProfile, error) {
	r, err := newReader(data, profileDiscriminator)
	if err != nil {
		return nil, err
	}
	p := &domain.UserProfile{}
	p.Owner = r.pubkey()
	p.RiskLevel = r.u8()
	p.StrategyCounter = r.u64()
	p.VaultBump = r.u8()
	p.LastActivity = r.i64()
	p.TotalValueLamports = r.u64()
	p.IsPaused = r.boolean()
	if r.err != nil {
		return nil, fmt.Errorf("decode profile: %w", r.err)
	}
	return p, nil
}

// EncodeStrategy serializes s. Revision is not part of the layout.
func EncodeStrategy(s *domain.StrategyConfig) ([]byte, error) {
	w := newWriter(strategyDiscriminator)
	if err := w.pubkey(s.Owner); err != nil {
		return nil, err
	}
	w.u64(s.StrategyID)
	if uint64(len(s.Allocations)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: %d allocations", ErrInvalidData, len(s.Allocations))
	}
	w.u32(uint32(len(s.Allocations)))
	for _, a := range s.Allocations {
		w.u8(uint8(a.Protocol))
		w.u8(uint8(a.Asset))
		w.u16(a.TargetWeightBps)
	}
	w.u64(s.RebalanceCondition.TimeIntervalSeconds)
	w.u16(s.RebalanceCondition.MaxDeviationBps)
	w.boolean(s.RebalanceCondition.AutoRebalance)
	w.i64(s.CreatedAt)
	w.i64(s.LastExecutedAt)
	w.u16(s.MaxSlippageBps)
	return w.buf, nil
}

// DecodeStrategy parses a StrategyConfig account.
func DecodeStrategy(data []byte) (*domain.StrategyConfig, error) {
	r, err := newReader(data, strategyDiscriminator)
	if err != nil {
		return nil, err
	}
	s := &domain.StrategyConfig{}
	s.Owner = r.pubkey()
	s.StrategyID = r.u64()

	n := r.u32()
	// each entry is 4 bytes; reject lengths the remaining data cannot hold
	if r.err == nil && uint64(n)*4 > uint64(r.remaining()) {
		r.err = ErrShortData
	}
	if r.err == nil {
		s.Allocations = make([]domain.Allocation, n)
		for i := range s.Allocations {
			s.Allocations[i] = domain.Allocation{
				Protocol:        domain.Protocol(r.u8()),
				Asset:           domain.Asset(r.u8()),
				TargetWeightBps: r.u16(),
			}
		}
	}

	s.RebalanceCondition.TimeIntervalSeconds = r.u64()
	s.RebalanceCondition.MaxDeviationBps = r.u16()
	s.RebalanceCondition.AutoRebalance = r.boolean()
	s.CreatedAt = r.i64()
	s.LastExecutedAt = r.i64()
	s.MaxSlippageBps = r.u16()
	if r.err != nil {
		return nil, fmt.Errorf("decode strategy: %w", r.err)
	}
	return s, nil
}

type writer struct {
	buf []byte
}

func newWriter(disc [DiscriminatorLen]byte) *writer {
	w := &writer{buf: make([]byte, 0, 128)}
	w.buf = append(w.buf, disc[:]...)
	return w
}

func (w *writer) pubkey(key string) error {
	b, err := base58.Decode(key)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("%w: owner %q is not a public key", ErrInvalidData, key)
	}
	w.buf = append(w.buf, b...)
	return nil
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) i64(v int64) { w.u64(uint64(v)) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

// reader records the first error and returns zero values afterwards.
type reader struct {
	data []byte
	off  int
	err  error
}

func newReader(data []byte, disc [DiscriminatorLen]byte) (*reader, error) {
	if len(data) < DiscriminatorLen {
		return nil, ErrShortData
	}
	if [DiscriminatorLen]byte(data[:DiscriminatorLen]) != disc {
		return nil, ErrDiscriminator
	}
	return &reader{data: data, off: DiscriminatorLen}, nil
}

func (r *reader) remaining() int { return len(r.data) - r.off }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = ErrShortData
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) pubkey() string {
	b := r.take(32)
	if b == nil {
		return ""
	}
	return base58.Encode(b)
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) boolean() bool {
	v := r.u8()
	if v > 1 && r.err == nil {
		r.err = fmt.Errorf("%w: bool byte %d", ErrInvalidData, v)
	}
	return v == 1
}
