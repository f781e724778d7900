package clickhouse

import (
	"context"
	"fmt"
	"time"

	"yield-vault/internal/domain"
	"yield-vault/internal/observability"
	"yield-vault/internal/storage"
)

// VaultEventStore implements storage.VaultEventStore using ClickHouse.
type VaultEventStore struct {
	conn *Conn
}

// NewVaultEventStore creates a new VaultEventStore.
func NewVaultEventStore(conn *Conn) *VaultEventStore {
	return &VaultEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.VaultEventStore = (*VaultEventStore)(nil)

const vaultEventColumns = `
	event_id, kind, vault, owner, vault_id, project_id, mint, protocol, amount, occurred_at, seq
`

// Insert adds a new event. Returns ErrDuplicateKey if event_id exists.
func (s *VaultEventStore) Insert(ctx context.Context, e *domain.VaultEvent) (err error) {
	if e == nil || e.EventID == "" || !e.Kind.IsValid() {
		return storage.ErrInvalidInput
	}

	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "vault_events_insert", time.Since(start).Seconds(), err)
	}()

	// MergeTree does not enforce uniqueness, so check first.
	var count uint64
	err = s.conn.QueryRow(ctx, `SELECT count() FROM vault_events WHERE event_id = ?`, e.EventID).Scan(&count)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if count > 0 {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO vault_events (`+vaultEventColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	err = batch.Append(
		e.EventID, string(e.Kind), e.Vault, e.Owner, e.VaultID,
		e.ProjectID, e.Mint, e.Protocol, e.Amount, e.OccurredAt, e.Seq,
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByVault retrieves all events for a vault address, ordered by (occurred_at, seq).
func (s *VaultEventStore) GetByVault(ctx context.Context, vault string) ([]*domain.VaultEvent, error) {
	return s.query(ctx, "by_vault", `WHERE vault = ?`, vault)
}

// GetByOwner retrieves all events for an owner, ordered by (occurred_at, seq).
func (s *VaultEventStore) GetByOwner(ctx context.Context, owner string) ([]*domain.VaultEvent, error) {
	return s.query(ctx, "by_owner", `WHERE owner = ?`, owner)
}

// GetByTimeRange retrieves events within [start, end] (inclusive).
func (s *VaultEventStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.VaultEvent, error) {
	return s.query(ctx, "by_time_range", `WHERE occurred_at >= ? AND occurred_at <= ?`, start, end)
}

func (s *VaultEventStore) query(ctx context.Context, op, where string, args ...any) (events []*domain.VaultEvent, err error) {
	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "vault_events_"+op, time.Since(start).Seconds(), err)
	}()

	rows, err := s.conn.Query(ctx, `
		SELECT `+vaultEventColumns+`
		FROM vault_events FINAL
		`+where+`
		ORDER BY occurred_at ASC, seq ASC, event_id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query vault events %s: %w", op, err)
	}
	defer rows.Close()

	return scanVaultEvents(rows)
}

type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanVaultEvents(rows chRows) ([]*domain.VaultEvent, error) {
	var events []*domain.VaultEvent

	for rows.Next() {
		var e domain.VaultEvent
		var kind string
		err := rows.Scan(
			&e.EventID, &kind, &e.Vault, &e.Owner, &e.VaultID,
			&e.ProjectID, &e.Mint, &e.Protocol, &e.Amount, &e.OccurredAt, &e.Seq,
		)
		if err != nil {
			return nil, fmt.Errorf("scan vault event row: %w", err)
		}
		e.Kind = domain.EventKind(kind)
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault event rows: %w", err)
	}

	return events, nil
}
