package conversation

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"helpdesk/cmd/internal/ids"
)

// Integration tests are enabled when HELPDESK_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Contract(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreContract(t, func(t *testing.T) Store {
		schema := "helpdesk_it_" + strings.ToLower(ids.MustULID(time.Now()))
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })

		st, err := NewPostgresStore(pool, WithSchema(schema))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		require.NoError(t, st.Migrate(ctx))
		return st
	})
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	cases := []string{"", "   ", "1abc", "a-b", `x"; DROP TABLE y; --`}
	for _, tc := range cases {
		if _, err := NewPostgresStore(&pgxpool.Pool{}, WithSchema(tc)); err == nil {
			t.Fatalf("WithSchema(%q): expected error", tc)
		}
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("HELPDESK_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HELPDESK_DATABASE_URL not set; skipping Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
