package store

import (
	"errors"
	"time"
)

// OwnerColumn holds the id of the identity that created a row. Row-level
// security policies filter on it.
const OwnerColumn = "user_id"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownColumn = errors.New("unknown column")
)

// User is a directory entry read with the service credentials.
type User struct {
	ID            string
	Email         string
	DisplayName   string
	Role          string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

// Claims are the verified facts about a caller that a scoped client
// presents to the database on every statement.
type Claims struct {
	Subject string
	Email   string
	Role    string
}

// Table describes one entity table. Columns lists the columns callers may
// write; id, user_id and the timestamps are managed by the store.
// Defaults mirror the column defaults of the schema migration.
type Table struct {
	Name       string
	Columns    []string
	Unique     [][]string
	References map[string]string
	Defaults   map[string]any
}

func (t Table) writable(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}
