// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/fiatescrow/migrations"
)

// PGTest opens a test database connection, applies the embedded goose
// migrations, and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// When POSTGRES_URL is set that database is used; otherwise a throwaway
// postgres container is started. The cleanup function truncates all
// application tables (not system tables) and stops the container.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	stop := func() {}
	if dbURL == "" {
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("fiatescrow"),
			postgres.WithUsername("escrow"),
			postgres.WithPassword("escrow"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("pgtest: postgres container unavailable: %v", err)
		}
		stop = func() { _ = testcontainers.TerminateContainer(ctr) }
		if dbURL, err = ctr.ConnectionString(ctx, "sslmode=disable"); err != nil {
			stop()
			t.Fatalf("pgtest: connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		stop()
		t.Fatalf("pgtest: open database: %v", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		stop()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		stop()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		stop()
	}
	return db, cleanup
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests. Uses TRUNCATE ... CASCADE to handle foreign keys; goose's
// version table is left alone.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
}

// Truncate empties all application tables so subtests start clean.
func Truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	truncateAll(context.Background(), db)
}
