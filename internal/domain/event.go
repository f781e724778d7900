package domain

// EventKind is the type of vault lifecycle event.
type EventKind string

const (
	EventInitialized EventKind = "INITIALIZED"
	EventDeposited   EventKind = "DEPOSITED"
	EventWithdrawn   EventKind = "WITHDRAWN"
	EventClosed      EventKind = "CLOSED"
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	return string(k)
}

// IsValid checks if the kind is a valid value.
func (k EventKind) IsValid() bool {
	switch k {
	case EventInitialized, EventDeposited, EventWithdrawn, EventClosed:
		return true
	}
	return false
}

// VaultEvent records a committed vault operation.
// Corresponds to vault_events table in ClickHouse.
type VaultEvent struct {
	EventID    string    // uuid
	Kind       EventKind // INITIALIZED | DEPOSITED | WITHDRAWN | CLOSED
	Vault      string    // vault address (base58)
	Owner      string    // owner address (base58)
	VaultID    uint64
	ProjectID  string // empty for INITIALIZED / CLOSED
	Mint       string
	Protocol   string
	Amount     uint64 // token amount; refunded lamports for CLOSED
	OccurredAt int64  // Unix timestamp in milliseconds
	Seq        uint64 // emission order within OccurredAt
}
