package sqlstore

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresMigrations_MoneyIsNumeric(t *testing.T) {
	up, err := fs.ReadFile(migrations, "migrations/postgres/000002_numeric_money.up.sql")
	require.NoError(t, err)
	sql := string(up)

	for _, col := range []string{
		"annual_tax_amount", "base_amount", "arrears_amount", "penalty_amount",
		"interest_amount", "total_amount", "paid_amount", "balance_amount", "amount",
	} {
		assert.Contains(t, sql, "ALTER COLUMN "+col+" TYPE NUMERIC(14,2)", col)
	}
	for _, seq := range reservedSequences {
		assert.Contains(t, sql, "CREATE SEQUENCE "+seq+";")
	}
}

func TestMigrations_EveryUpHasDown(t *testing.T) {
	for _, d := range []Dialect{SQLite, Postgres} {
		entries, err := fs.ReadDir(migrations, "migrations/"+string(d))
		require.NoError(t, err)
		names := map[string]bool{}
		for _, e := range entries {
			names[e.Name()] = true
		}
		for name := range names {
			if strings.HasSuffix(name, ".up.sql") {
				assert.True(t, names[strings.TrimSuffix(name, ".up.sql")+".down.sql"], "%s/%s", d, name)
			}
		}
	}
}
