package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (" + placeholders(3) + ")"
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3, $4)", rebind(Postgres, q))
	assert.Equal(t, q, rebind(SQLite, q))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": SQLite, "sqlite3": SQLite, "postgres": Postgres, "pgx": Postgres} {
		got, err := ParseDialect(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}
