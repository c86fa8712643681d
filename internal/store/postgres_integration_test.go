package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var integrationOrgs = Table{
	Name:    "organizations",
	Columns: []string{"name", "website", "industry", "phone", "address", "notes"},
	Unique:  [][]string{{OwnerColumn, "name"}},
}

func migratedPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testDatabase(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, os.DirFS(testMigrationsDir)); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresDB(db)
}

func TestPostgresScopedClientsSeeOnlyTheirRows(t *testing.T) {
	pg := migratedPostgres(t)
	ctx := context.Background()
	alice := pg.Scoped(Claims{Subject: "alice", Email: "alice@example.com", Role: "editor"})
	bob := pg.Scoped(Claims{Subject: "bob", Email: "bob@example.com", Role: "editor"})

	raw, err := alice.Insert(ctx, integrationOrgs, map[string]any{OwnerColumn: "alice", "name": "Acme"})
	if err != nil {
		t.Fatalf("alice insert: %v", err)
	}
	var created struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode inserted row: %v", err)
	}
	if created.UserID != "alice" {
		t.Fatalf("expected owner alice, got %q", created.UserID)
	}

	rows, err := bob.Select(ctx, integrationOrgs)
	if err != nil {
		t.Fatalf("bob select: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("bob must not see alice's rows, got %d", len(rows))
	}

	row, err := bob.Update(ctx, integrationOrgs, created.ID, map[string]any{"name": "Hijacked"})
	if err != nil {
		t.Fatalf("bob update: %v", err)
	}
	if row != nil {
		t.Fatal("bob must not update alice's row")
	}

	removed, err := bob.Delete(ctx, integrationOrgs, created.ID)
	if err != nil {
		t.Fatalf("bob delete: %v", err)
	}
	if removed != 0 {
		t.Fatalf("bob must not delete alice's row, removed %d", removed)
	}

	row, err = alice.SelectByID(ctx, integrationOrgs, created.ID)
	if err != nil {
		t.Fatalf("alice select by id: %v", err)
	}
	if row == nil {
		t.Fatal("alice must still see her row")
	}
}

func TestPostgresRejectsForeignOwnerAndAnonymousWrites(t *testing.T) {
	pg := migratedPostgres(t)
	ctx := context.Background()

	_, err := pg.Scoped(Claims{Subject: "bob"}).Insert(ctx, integrationOrgs, map[string]any{OwnerColumn: "alice", "name": "Acme"})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != CodeInsufficientPrivs {
		t.Fatalf("expected SQLSTATE 42501 for a foreign owner, got %v", err)
	}

	_, err = pg.Anonymous().Insert(ctx, integrationOrgs, map[string]any{OwnerColumn: "alice", "name": "Acme"})
	if !errors.As(err, &pgErr) || pgErr.Code != CodeInsufficientPrivs {
		t.Fatalf("expected SQLSTATE 42501 for the anonymous role, got %v", err)
	}
}

func TestPostgresUniqueNamePerOwner(t *testing.T) {
	pg := migratedPostgres(t)
	ctx := context.Background()
	alice := pg.Scoped(Claims{Subject: "alice"})

	if _, err := alice.Insert(ctx, integrationOrgs, map[string]any{OwnerColumn: "alice", "name": "Acme"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := alice.Insert(ctx, integrationOrgs, map[string]any{OwnerColumn: "alice", "name": "Acme"})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != CodeUniqueViolation {
		t.Fatalf("expected SQLSTATE 23505, got %v", err)
	}

	if _, err := pg.Scoped(Claims{Subject: "bob"}).Insert(ctx, integrationOrgs, map[string]any{OwnerColumn: "bob", "name": "Acme"}); err != nil {
		t.Fatalf("another owner may reuse the name: %v", err)
	}
}

func TestPostgresUserDirectory(t *testing.T) {
	pg := migratedPostgres(t)
	ctx := context.Background()

	if _, err := pg.SQL().ExecContext(ctx, `INSERT INTO crm_users (id, email, role) VALUES ('alice', 'alice@example.com', 'admin')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	user, err := pg.GetUserByID(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if user.Role != "admin" || user.DeactivatedAt != nil {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, err := pg.GetUserByID(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
