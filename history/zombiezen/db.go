// Package zombiezen implements the history.Writer interface on sqlite.
package zombiezen

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/lbcert/history"
)

const schema = `CREATE TABLE IF NOT EXISTS issuances (
	id INTEGER PRIMARY KEY,
	partition TEXT NOT NULL,
	name TEXT NOT NULL,
	domains TEXT NOT NULL,
	not_before TEXT NOT NULL,
	not_after TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ'))
);`

// Db implements history.Writer using zombiezen/sqlite.
type Db struct {
	pool *sqlitex.Pool
}

// NewWriter creates a Db on an externally managed pool and ensures the
// issuances table exists.
func NewWriter(pool *sqlitex.Pool) (*Db, error) {
	if pool == nil {
		panic("zombiezen.NewWriter: received nil pool")
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("history: failed to get connection: %w", err)
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("history: creating schema: %w", err)
	}
	return &Db{pool: pool}, nil
}

// AddIssuance appends one issuance event to the 'issuances' table.
func (d *Db) AddIssuance(ctx context.Context, event history.Event) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("history: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO issuances (partition, name, domains, not_before, not_after)
		 VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				event.Partition,
				event.Name,
				strings.Join(event.Domains, ","),
				history.TimeFormat(event.NotBefore),
				history.TimeFormat(event.NotAfter),
			},
		})
	if err != nil {
		return fmt.Errorf("history: failed to insert issuance for %s/%s: %w",
			event.Partition, event.Name, err)
	}
	return nil
}
