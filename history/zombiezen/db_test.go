package zombiezen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/lbcert/history"
)

func newTestWriter(t *testing.T) *Db {
	t.Helper()
	pool, err := sqlitex.NewPool("file::memory:?mode=memory", sqlitex.PoolOptions{PoolSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	db, err := NewWriter(pool)
	require.NoError(t, err)
	return db
}

func TestAddIssuance(t *testing.T) {
	db := newTestWriter(t)
	notBefore := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := history.Event{
		Partition: "Common",
		Name:      "www_example_com",
		Domains:   []string{"www.example.com", "example.com"},
		NotBefore: notBefore,
		NotAfter:  notBefore.AddDate(0, 0, 90),
	}
	require.NoError(t, db.AddIssuance(context.Background(), event))
	require.NoError(t, db.AddIssuance(context.Background(), event))

	conn, err := db.pool.Take(context.Background())
	require.NoError(t, err)
	defer db.pool.Put(conn)

	var rows int
	var domains, notBeforeText string
	err = sqlitex.Execute(conn,
		`SELECT domains, not_before FROM issuances WHERE partition = ? AND name = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{"Common", "www_example_com"},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows++
				domains = stmt.ColumnText(0)
				notBeforeText = stmt.ColumnText(1)
				return nil
			},
		})
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, "www.example.com,example.com", domains)
	assert.Equal(t, "2026-03-01T12:00:00Z", notBeforeText)
}

func TestNewWriterIsIdempotent(t *testing.T) {
	db := newTestWriter(t)
	// A second writer on the same pool finds the schema already in place.
	again, err := NewWriter(db.pool)
	require.NoError(t, err)
	assert.NotNil(t, again)
}
