package postgres

import (
	"context"
	"fmt"
)

// InstanceUUID returns the stable identifier of this replicated store. The
// value is generated once by the schema migration and never changes, so
// clients can detect when they are pointed at a different store and reset
// their replication checkpoint.
func InstanceUUID(ctx context.Context, pool PgxPool) (string, error) {
	var uuid string
	err := pool.QueryRow(ctx,
		`SELECT db_uuid::text FROM instance WHERE id = 'singleton'`,
	).Scan(&uuid)
	if err != nil {
		return "", fmt.Errorf("query instance uuid: %w", err)
	}
	return uuid, nil
}
