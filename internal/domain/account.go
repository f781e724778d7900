package domain

// Account is a ledger account. Wallets are accounts owned by the system
// program with no data; program state accounts carry fixed-size data.
type Account struct {
	Address  Address
	Owner    Address // owning program
	Lamports uint64
	Data     []byte
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	if a.Data != nil {
		c.Data = make([]byte, len(a.Data))
		copy(c.Data, a.Data)
	}
	return &c
}

// TokenAccount holds a balance of a single mint on behalf of an owner.
// Layout mirrors SPL token accounts: mint(32) | owner(32) | amount(8).
type TokenAccount struct {
	Address Address
	Mint    Address
	Owner   Address // authority allowed to move funds
	Amount  uint64
}
