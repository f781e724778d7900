package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-vault/internal/domain"
	"yield-vault/internal/pda"
)

var testProgramID = domain.Address{0xAB, 0xCD, 0xEF}

func TestDeriveAddress(t *testing.T) {
	owner := domain.Address{0x01}

	a1, bump1, err := DeriveAddress(testProgramID, 1, owner)
	require.NoError(t, err)
	a2, bump2, err := DeriveAddress(testProgramID, 1, owner)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, bump1, bump2)
	assert.False(t, pda.IsOnCurve(a1[:]))

	other, _, err := DeriveAddress(testProgramID, 2, owner)
	require.NoError(t, err)
	assert.NotEqual(t, a1, other)

	otherOwner, _, err := DeriveAddress(testProgramID, 1, domain.Address{0x02})
	require.NoError(t, err)
	assert.NotEqual(t, a1, otherOwner)

	otherProgram, _, err := DeriveAddress(domain.Address{0x99}, 1, owner)
	require.NoError(t, err)
	assert.NotEqual(t, a1, otherProgram)
}

func TestVerifyAddress(t *testing.T) {
	owner := domain.Address{0x01}
	addr, bump, err := DeriveAddress(testProgramID, 1, owner)
	require.NoError(t, err)

	r := sampleRecord()
	r.VaultID = 1
	r.Bump = bump
	require.NoError(t, VerifyAddress(testProgramID, r, owner, addr))

	t.Run("wrong owner", func(t *testing.T) {
		err := VerifyAddress(testProgramID, r, domain.Address{0x02}, addr)
		assert.ErrorIs(t, err, ErrWrongVaultAuthority)
		assert.True(t, IsKind(err, KindAuthorization))
	})

	t.Run("wrong vault id", func(t *testing.T) {
		c := r.Clone()
		c.VaultID = 2
		assert.ErrorIs(t, VerifyAddress(testProgramID, c, owner, addr), ErrWrongVaultAuthority)
	})

	t.Run("wrong bump", func(t *testing.T) {
		c := r.Clone()
		c.Bump = bump - 1
		assert.ErrorIs(t, VerifyAddress(testProgramID, c, owner, addr), ErrWrongVaultAuthority)
	})

	t.Run("wrong program", func(t *testing.T) {
		assert.ErrorIs(t, VerifyAddress(domain.Address{0x99}, r, owner, addr), ErrWrongVaultAuthority)
	})
}
