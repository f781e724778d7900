package vault

import (
	"encoding/binary"
	"errors"
	"fmt"

	"yield-vault/internal/domain"
	"yield-vault/internal/pda"
)

// SeedPrefix is the first derivation seed of every vault address.
const SeedPrefix = "yield_vault"

// Seeds returns the derivation seeds for (vaultID, owner), without bump.
func Seeds(vaultID uint64, owner domain.Address) [][]byte {
	id := make([]byte, 8)
	binary.LittleEndian.PutUint64(id, vaultID)
	return [][]byte{[]byte(SeedPrefix), id, owner.Bytes()}
}

// DeriveAddress returns the vault address and bump for (vaultID, owner).
func DeriveAddress(programID domain.Address, vaultID uint64, owner domain.Address) (domain.Address, uint8, error) {
	addr, bump, err := pda.FindProgramAddress(Seeds(vaultID, owner), programID)
	if err != nil {
		return domain.Address{}, 0, fmt.Errorf("derive vault address: %w", err)
	}
	return addr, bump, nil
}

// VerifyAddress re-derives the address of r for owner using the stored bump
// and checks it equals addr. A mismatch means the record is forged, corrupt,
// or belongs to another owner.
func VerifyAddress(programID domain.Address, r *Record, owner, addr domain.Address) error {
	seeds := append(Seeds(r.VaultID, owner), []byte{r.Bump})
	derived, err := pda.CreateProgramAddress(seeds, programID)
	if err != nil {
		if errors.Is(err, pda.ErrOnCurve) {
			return fmt.Errorf("%w: stored bump %d does not derive", ErrWrongVaultAuthority, r.Bump)
		}
		return fmt.Errorf("verify vault address: %w", err)
	}
	if derived != addr {
		return fmt.Errorf("%w: %s does not derive from owner %s", ErrWrongVaultAuthority, addr, owner)
	}
	return nil
}
