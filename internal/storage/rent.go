package storage

// Rent parameters of the host ledger.
const (
	// AccountStorageOverhead is the per-account metadata charged as if it were data.
	AccountStorageOverhead = 128
	// LamportsPerByteYear is the rent rate.
	LamportsPerByteYear = 3480
	// ExemptionThresholdYears is how many years of rent make an account exempt.
	ExemptionThresholdYears = 2
)

// MinimumBalance returns the lamports an account of space bytes must hold
// to be rent exempt.
func MinimumBalance(space int) uint64 {
	return uint64(AccountStorageOverhead+space) * LamportsPerByteYear * ExemptionThresholdYears
}
