package solana

import (
	"encoding/base64"
	"fmt"

	"yield-vault/internal/domain"
)

// Commitment used for reads and subscriptions.
const Commitment = "confirmed"

// MaxMultipleAccounts is the getMultipleAccounts request limit.
const MaxMultipleAccounts = 100

// AccountInfo represents a Solana account as returned by RPC.
type AccountInfo struct {
	Address    domain.Address
	Lamports   uint64
	Owner      domain.Address
	Data       []byte
	Executable bool
	RentEpoch  uint64
	Slot       uint64 // context slot of the read
}

// rpcAccount is the wire form of an account with base64 encoding.
type rpcAccount struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [base64_data, encoding]
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

func (a *rpcAccount) toAccountInfo(addr domain.Address, slot uint64) (*AccountInfo, error) {
	owner, err := domain.ParseAddress(a.Owner)
	if err != nil {
		return nil, fmt.Errorf("account %s owner: %w", addr, err)
	}

	info := &AccountInfo{
		Address:    addr,
		Lamports:   a.Lamports,
		Owner:      owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
		Slot:       slot,
	}

	if len(a.Data) >= 1 && a.Data[0] != "" {
		if len(a.Data) >= 2 && a.Data[1] != "base64" {
			return nil, fmt.Errorf("account %s: unexpected encoding %q", addr, a.Data[1])
		}
		info.Data, err = base64.StdEncoding.DecodeString(a.Data[0])
		if err != nil {
			return nil, fmt.Errorf("account %s data: %w", addr, err)
		}
	}
	return info, nil
}
