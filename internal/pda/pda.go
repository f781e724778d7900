// Package pda derives program addresses: deterministic account addresses
// that lie off the ed25519 curve and therefore have no private key.
package pda

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"yield-vault/internal/domain"
)

// Derivation limits enforced by the ledger runtime.
const (
	MaxSeeds      = 16
	MaxSeedLength = 32
)

const marker = "ProgramDerivedAddress"

var (
	// ErrOnCurve is returned when a seed set hashes to a valid ed25519 point.
	ErrOnCurve = errors.New("derived address is on the ed25519 curve")

	// ErrMaxSeedLength is returned when a seed exceeds MaxSeedLength or too many seeds are given.
	ErrMaxSeedLength = errors.New("seed limits exceeded")

	// ErrDerivationExhausted is returned when no bump in [0, 255] yields an off-curve address.
	ErrDerivationExhausted = errors.New("no viable bump seed found")
)

// CreateProgramAddress hashes seeds with programID and returns the address
// if it is off the curve. The bump, if any, must already be the last seed.
func CreateProgramAddress(seeds [][]byte, programID domain.Address) (domain.Address, error) {
	if len(seeds) > MaxSeeds {
		return domain.Address{}, fmt.Errorf("%w: %d seeds", ErrMaxSeedLength, len(seeds))
	}

	h := sha256.New()
	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return domain.Address{}, fmt.Errorf("%w: seed %d is %d bytes", ErrMaxSeedLength, i, len(seed))
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(marker))

	var addr domain.Address
	copy(addr[:], h.Sum(nil))

	if IsOnCurve(addr[:]) {
		return domain.Address{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 down to 0 and returns the first
// off-curve address together with its bump. Pure and deterministic.
func FindProgramAddress(seeds [][]byte, programID domain.Address) (domain.Address, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return domain.Address{}, 0, fmt.Errorf("%w: %d seeds plus bump", ErrMaxSeedLength, len(seeds))
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return domain.Address{}, 0, err
		}
	}

	return domain.Address{}, 0, ErrDerivationExhausted
}

// IsOnCurve reports whether point decodes as a valid ed25519 point.
func IsOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
