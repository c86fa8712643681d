package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Database roles the scoped clients switch to. Both are created by the
// schema migration and are the only roles the RLS policies grant to.
const (
	RoleAuthenticated = "crm_authenticated"
	RoleAnonymous     = "crm_anon"
)

// Compile-time contract assertion.
var _ DB = (*PostgresDB)(nil)

type PostgresDB struct {
	db *sql.DB
}

func NewPostgresDB(db *sql.DB) *PostgresDB {
	return &PostgresDB{db: db}
}

func (p *PostgresDB) SQL() *sql.DB {
	return p.db
}

func (p *PostgresDB) Scoped(claims Claims) Client {
	return &postgresClient{db: p.db, role: RoleAuthenticated, claims: claims}
}

func (p *PostgresDB) Anonymous() Client {
	return &postgresClient{db: p.db, role: RoleAnonymous}
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// GetUserByID reads the user directory with the service credentials; it is
// the privileged lookup behind bearer verification and bypasses RLS.
func (p *PostgresDB) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, role, deactivated_at, created_at
		FROM crm_users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role, &user.DeactivatedAt, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

type postgresClient struct {
	db     *sql.DB
	role   string
	claims Claims
}

// run executes fn in a transaction whose role and request.jwt.claim.*
// settings are local to it, so the RLS policies see this caller only.
func (c *postgresClient) run(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		SELECT set_config('role', $1, true),
			set_config('request.jwt.claim.sub', $2, true),
			set_config('request.jwt.claim.email', $3, true),
			set_config('request.jwt.claim.role', $4, true)
	`, c.role, c.claims.Subject, c.claims.Email, c.claims.Role); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply claims: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *postgresClient) Select(ctx context.Context, table Table) ([]json.RawMessage, error) {
	query := fmt.Sprintf(`SELECT to_jsonb(t.*)::text FROM %s AS t ORDER BY t.created_at DESC, t.id`, quote(table.Name))
	items := make([]json.RawMessage, 0)
	err := c.run(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("select %s: %w", table.Name, err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("scan %s: %w", table.Name, err)
			}
			items = append(items, json.RawMessage(raw))
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate %s: %w", table.Name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (c *postgresClient) SelectByID(ctx context.Context, table Table, id string) (json.RawMessage, error) {
	query := fmt.Sprintf(`SELECT to_jsonb(t.*)::text FROM %s AS t WHERE t.id = $1`, quote(table.Name))
	var row json.RawMessage
	err := c.run(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, query, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select %s by id: %w", table.Name, err)
		}
		row = json.RawMessage(raw)
		return nil
	})
	return row, err
}

func (c *postgresClient) Insert(ctx context.Context, table Table, values map[string]any) (json.RawMessage, error) {
	columns, err := insertColumns(table, values)
	if err != nil {
		return nil, err
	}
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, column := range columns {
		quoted[i] = quote(column)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[column]
	}
	query := fmt.Sprintf(
		`INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t.*)::text`,
		quote(table.Name), strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
	)
	var row json.RawMessage
	err = c.run(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, query, args...).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert %s: %w", table.Name, err)
		}
		row = json.RawMessage(raw)
		return nil
	})
	return row, err
}

func (c *postgresClient) Update(ctx context.Context, table Table, id string, values map[string]any) (json.RawMessage, error) {
	columns, err := updateColumns(table, values)
	if err != nil {
		return nil, err
	}
	assignments := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)
	for i, column := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", quote(column), i+1))
		args = append(args, values[column])
	}
	assignments = append(assignments, "updated_at = NOW()")
	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE %s AS t SET %s WHERE t.id = $%d RETURNING to_jsonb(t.*)::text`,
		quote(table.Name), strings.Join(assignments, ", "), len(args),
	)
	var row json.RawMessage
	err = c.run(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, query, args...).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update %s: %w", table.Name, err)
		}
		row = json.RawMessage(raw)
		return nil
	})
	return row, err
}

func (c *postgresClient) Delete(ctx context.Context, table Table, id string) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, quote(table.Name))
	var removed int64
	err := c.run(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", table.Name, err)
		}
		removed, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete %s rows affected: %w", table.Name, err)
		}
		return nil
	})
	return removed, err
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
