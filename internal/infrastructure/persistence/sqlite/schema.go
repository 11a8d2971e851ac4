package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

// ShardCount is the number of tables per shard file.
const ShardCount = 16

// tableName returns the shard table for a uuid.
func tableName(id shared.UUID) string {
	return shardTable(id.Shard())
}

func shardTable(i int) string {
	return fmt.Sprintf("datas_%x", i)
}

const createShardTable = `
CREATE TABLE IF NOT EXISTS %s (
    uuid    TEXT PRIMARY KEY,
    kind    TEXT NOT NULL,
    payload TEXT NOT NULL
)`

// migrate creates the sixteen shard tables.
func migrate(ctx context.Context, db *sql.DB) error {
	for i := 0; i < ShardCount; i++ {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(createShardTable, shardTable(i))); err != nil {
			return fmt.Errorf("create %s: %w", shardTable(i), err)
		}
	}
	return nil
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (uuid, kind, payload) VALUES (?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET kind = excluded.kind, payload = excluded.payload`, table)
}

func selectQuery(table string) string {
	return fmt.Sprintf(`SELECT kind, payload FROM %s WHERE uuid = ?`, table)
}

func listQuery(table string) string {
	return fmt.Sprintf(`SELECT uuid, kind, payload FROM %s ORDER BY uuid`, table)
}

func listIDsQuery(table string) string {
	return fmt.Sprintf(`SELECT uuid FROM %s`, table)
}

func countQuery(table string) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
}

func deleteQuery(table string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE uuid = ?`, table)
}
