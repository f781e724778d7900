package migrations

import (
	"context"
	"fmt"
	"strings"

	"yield-vault/internal/storage/postgres"
)

// RunPostgresMigrations applies the ledger schema. Every file is idempotent.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	files, err := readDir(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, f := range files {
		if strings.TrimSpace(f.body) == "" {
			continue
		}
		// pgx runs multi-statement text as one simple-protocol batch.
		if _, err := pool.Exec(ctx, f.body); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.name, err)
		}
	}
	return nil
}
