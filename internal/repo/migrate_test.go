package repo

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/pricing", migrateURL("postgres://u:p@db:5432/pricing"))
	require.Equal(t, "pgx5://db/pricing?sslmode=disable", migrateURL("postgresql://db/pricing?sslmode=disable"))
	require.Equal(t, "pgx5://db/pricing", migrateURL("pgx5://db/pricing"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	up, down := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			down[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, up)
	require.Equal(t, up, down)
}
