package chirpdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE remotes (
			proto      INTEGER NOT NULL,
			addr       TEXT NOT NULL,
			port       INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL,
			serial_hwm INTEGER NOT NULL,
			PRIMARY KEY (proto, addr, port)
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create remotes table: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP TABLE remotes`); err != nil {
		return fmt.Errorf("drop remotes table: %w", err)
	}
	return nil
}
