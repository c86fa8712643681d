package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the memory backend raises so callers classify its
// failures exactly like Postgres ones.
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeInsufficientPrivs   = "42501"
)

var _ DB = (*MemoryDB)(nil)

// MemoryDB keeps rows in process and applies the same owner policy the
// Postgres migrations install: a caller sees and changes only rows whose
// user_id equals its subject, and the anonymous role may not write.
type MemoryDB struct {
	mu      sync.Mutex
	tables  map[string]map[string]map[string]any
	schemas map[string]Table
	users   map[string]User
	now     func() time.Time
	last    time.Time
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		tables:  make(map[string]map[string]map[string]any),
		schemas: make(map[string]Table),
		users:   make(map[string]User),
		now:     time.Now,
	}
}

func (m *MemoryDB) Scoped(claims Claims) Client {
	return &memoryClient{db: m, subject: claims.Subject}
}

func (m *MemoryDB) Anonymous() Client {
	return &memoryClient{db: m}
}

func (m *MemoryDB) Ping(context.Context) error {
	return nil
}

func (m *MemoryDB) AddUser(user User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
}

func (m *MemoryDB) GetUserByID(_ context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// timestamp is strictly increasing so updated_at never moves backwards
// even when the clock has coarse resolution.
func (m *MemoryDB) timestamp() string {
	now := m.now().UTC()
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now.Format(time.RFC3339Nano)
}

func (m *MemoryDB) table(table Table) map[string]map[string]any {
	m.schemas[table.Name] = table
	return m.rows(table.Name)
}

func (m *MemoryDB) rows(table string) map[string]map[string]any {
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]map[string]any)
		m.tables[table] = rows
	}
	return rows
}

type memoryClient struct {
	db      *MemoryDB
	subject string
}

func (c *memoryClient) visible(row map[string]any) bool {
	return c.subject != "" && row[OwnerColumn] == c.subject
}

func (c *memoryClient) Select(_ context.Context, table Table) ([]json.RawMessage, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	matched := make([]map[string]any, 0)
	for _, row := range c.db.table(table) {
		if c.visible(row) {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ci, cj := matched[i]["created_at"].(string), matched[j]["created_at"].(string)
		if ci != cj {
			return ci > cj
		}
		return matched[i]["id"].(string) < matched[j]["id"].(string)
	})
	items := make([]json.RawMessage, 0, len(matched))
	for _, row := range matched {
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode %s row: %w", table.Name, err)
		}
		items = append(items, raw)
	}
	return items, nil
}

func (c *memoryClient) SelectByID(_ context.Context, table Table, id string) (json.RawMessage, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	row, ok := c.db.table(table)[id]
	if !ok || !c.visible(row) {
		return nil, nil
	}
	return json.Marshal(row)
}

func (c *memoryClient) Insert(_ context.Context, table Table, values map[string]any) (json.RawMessage, error) {
	if _, err := insertColumns(table, values); err != nil {
		return nil, err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if c.subject == "" || values[OwnerColumn] != c.subject {
		return nil, fmt.Errorf("insert %s: %w", table.Name, rlsViolation(table.Name))
	}
	row := make(map[string]any, len(table.Columns)+4)
	for _, column := range table.Columns {
		row[column] = table.Defaults[column]
	}
	for column, value := range values {
		row[column] = value
	}
	row["id"] = uuid.NewString()
	stamp := c.db.timestamp()
	row["created_at"] = stamp
	row["updated_at"] = stamp
	if err := c.db.checkConstraints(table, row); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table.Name, err)
	}
	c.db.table(table)[row["id"].(string)] = row
	return json.Marshal(row)
}

func (c *memoryClient) Update(_ context.Context, table Table, id string, values map[string]any) (json.RawMessage, error) {
	if _, err := updateColumns(table, values); err != nil {
		return nil, err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	current, ok := c.db.table(table)[id]
	if !ok || !c.visible(current) {
		return nil, nil
	}
	next := make(map[string]any, len(current)+len(values))
	for column, value := range current {
		next[column] = value
	}
	for column, value := range values {
		next[column] = value
	}
	next["updated_at"] = c.db.timestamp()
	if err := c.db.checkConstraints(table, next); err != nil {
		return nil, fmt.Errorf("update %s: %w", table.Name, err)
	}
	c.db.table(table)[id] = next
	return json.Marshal(next)
}

func (c *memoryClient) Delete(_ context.Context, table Table, id string) (int64, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	row, ok := c.db.table(table)[id]
	if !ok || !c.visible(row) {
		return 0, nil
	}
	delete(c.db.table(table), id)
	c.db.clearReferences(table.Name, id)
	return 1, nil
}

// checkConstraints enforces unique keys and references. Like Postgres
// foreign keys, reference checks ignore row ownership.
func (m *MemoryDB) checkConstraints(table Table, row map[string]any) error {
	for _, key := range table.Unique {
		for otherID, other := range m.table(table) {
			if otherID == row["id"] {
				continue
			}
			if sameKey(key, row, other) {
				return &pgconn.PgError{
					Code:           CodeUniqueViolation,
					Message:        fmt.Sprintf("duplicate key value violates unique constraint %q", table.Name+"_"+strings.Join(key, "_")+"_key"),
					TableName:      table.Name,
					ConstraintName: table.Name + "_" + strings.Join(key, "_") + "_key",
				}
			}
		}
	}
	for column, target := range table.References {
		ref, ok := row[column].(string)
		if !ok || ref == "" {
			continue
		}
		if _, exists := m.rows(target)[ref]; !exists {
			return &pgconn.PgError{
				Code:       CodeForeignKeyViolation,
				Message:    fmt.Sprintf("insert or update on table %q violates foreign key constraint on %q", table.Name, column),
				TableName:  table.Name,
				ColumnName: column,
			}
		}
	}
	return nil
}

// clearReferences mirrors ON DELETE SET NULL.
func (m *MemoryDB) clearReferences(target, id string) {
	for name, table := range m.schemas {
		for column, refTable := range table.References {
			if refTable != target {
				continue
			}
			for _, row := range m.rows(name) {
				if row[column] == id {
					row[column] = nil
				}
			}
		}
	}
}

func sameKey(key []string, a, b map[string]any) bool {
	for _, column := range key {
		av, bv := a[column], b[column]
		if av == nil || bv == nil || av != bv {
			return false
		}
	}
	return true
}

func rlsViolation(table string) error {
	return &pgconn.PgError{
		Code:      CodeInsufficientPrivs,
		Message:   fmt.Sprintf("new row violates row-level security policy for table %q", table),
		TableName: table,
	}
}
