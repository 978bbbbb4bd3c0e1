// Package pda derives program addresses for ledger accounts.
package pda

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// DefaultProgramID is the deployed ledger program.
const DefaultProgramID = "CdH2ymLMr7RyYcd1nyDZm59DRv6JgrtzuAxoH7STFvnm"

const (
	maxSeedLen = 32
	maxSeeds   = 16
	marker     = "ProgramDerivedAddress"
)

// Seed prefixes used by the program.
var (
	profileSeed  = []byte("user")
	strategySeed = []byte("strategy")
)

var (
	// ErrInvalidInput is returned for malformed keys or seeds.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoBump is returned when every bump lands on the curve.
	ErrNoBump = errors.New("no viable bump seed")
)

// Address is a derived account address with its bump seed.
type Address struct {
	Key  string // base58
	Bump uint8
}

// DecodeKey decodes a base58 public key and checks its length.
func DecodeKey(key string) ([]byte, error) {
	b, err := base58.Decode(key)
	if err != nil {
		return nil, fmt.Errorf("%w: decode key %q: %v", ErrInvalidInput, key, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: key %q has %d bytes", ErrInvalidInput, key, len(b))
	}
	return b, nil
}

// ValidKey reports whether key is a 32-byte base58 public key.
func ValidKey(key string) bool {
	_, err := DecodeKey(key)
	return err == nil
}

// FindProgramAddress searches bumps from 255 down to 1 and returns the first
// hash of seeds|bump|program|marker that is off the ed25519 curve.
func FindProgramAddress(seeds [][]byte, programID string) (Address, error) {
	program, err := DecodeKey(programID)
	if err != nil {
		return Address{}, err
	}
	if len(seeds) > maxSeeds-1 {
		return Address{}, fmt.Errorf("%w: %d seeds", ErrInvalidInput, len(seeds))
	}
	for _, seed := range seeds {
		if len(seed) > maxSeedLen {
			return Address{}, fmt.Errorf("%w: seed of %d bytes", ErrInvalidInput, len(seed))
		}
	}

	for bump := 255; bump > 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program)
		h.Write([]byte(marker))
		sum := h.Sum(nil)

		if !isOnCurve(sum) {
			return Address{Key: base58.Encode(sum), Bump: uint8(bump)}, nil
		}
	}
	return Address{}, ErrNoBump
}

// ProfileAddress derives the profile account of owner.
func ProfileAddress(owner, programID string) (Address, error) {
	ownerKey, err := DecodeKey(owner)
	if err != nil {
		return Address{}, err
	}
	return FindProgramAddress([][]byte{profileSeed, ownerKey}, programID)
}

// StrategyAddress derives the strategy account with the given id under owner's profile.
func StrategyAddress(owner string, strategyID uint64, programID string) (Address, error) {
	profile, err := ProfileAddress(owner, programID)
	if err != nil {
		return Address{}, err
	}
	profileKey, err := base58.Decode(profile.Key)
	if err != nil {
		return Address{}, fmt.Errorf("decode profile address: %w", err)
	}
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], strategyID)
	return FindProgramAddress([][]byte{strategySeed, profileKey, id[:]}, programID)
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
