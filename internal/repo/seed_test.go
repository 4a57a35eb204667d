package repo_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/repo"
	"github.com/noah-isme/toko-pricing/internal/rules"
)

type execCall struct {
	sql  string
	args []any
}

// recordingDB captures writes. Seed never reads.
type recordingDB struct {
	calls []execCall
}

func (d *recordingDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.calls = append(d.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("unexpected query")
}

func (d *recordingDB) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("unexpected query")
}

func (d *recordingDB) matching(prefix string) []execCall {
	var out []execCall
	for _, c := range d.calls {
		if strings.HasPrefix(strings.TrimSpace(c.sql), prefix) {
			out = append(out, c)
		}
	}
	return out
}

func TestSeedWritesFixture(t *testing.T) {
	f, err := os.Open("testdata/catalog.yaml")
	require.NoError(t, err)
	defer f.Close()
	fixture, err := repo.DecodeFixture(f)
	require.NoError(t, err)

	db := &recordingDB{}
	require.NoError(t, repo.Seed(context.Background(), db, fixture))

	require.Len(t, db.matching("INSERT INTO customer_groups"), 4)
	require.Len(t, db.matching("INSERT INTO products"), 3)
	require.Len(t, db.matching("INSERT INTO product_variants"), 2)
	require.Len(t, db.matching("INSERT INTO price_rules"), 5)
	// group 2 tiers {1, 10} on the product plus {1} on variant 12
	require.Len(t, db.matching("INSERT INTO tier_prices"), 3)

	rates := db.matching("INSERT INTO tax_rates")
	require.Len(t, rates, 2)
	require.Equal(t, []any{int64(1), 0, "ID", "*", "*", "*", "11", 1, false, "PPN"}, rates[0].args)

	coupon := db.matching("INSERT INTO rule_usages (rule_id, coupon_code)")
	require.Len(t, coupon, 2)
	require.Equal(t, []any{int64(4), "HEMAT10"}, coupon[0].args, "uses go to the first rule in sort order")
	customer := db.matching("INSERT INTO rule_usages (rule_id, customer_id)")
	require.Len(t, customer, 1)
	require.Equal(t, []any{int64(3), int64(7)}, customer[0].args)
}

func TestSeedRejectsInvalidRules(t *testing.T) {
	db := &recordingDB{}
	err := repo.Seed(context.Background(), db, repo.Fixture{
		Rules: []rules.Rule{{ID: 1, Kind: "bogus"}},
	})
	require.Error(t, err)
	require.Empty(t, db.matching("INSERT INTO price_rules"))
}
