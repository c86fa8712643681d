package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Client is a database handle bound to one caller. Rows come back as JSON
// objects so each entity package decodes into its own record type.
//
// Implementations never filter by owner themselves: visibility is whatever
// the row-level security policies allow for the bound claims.
type Client interface {
	Select(ctx context.Context, table Table) ([]json.RawMessage, error)
	// SelectByID returns nil, nil when no visible row matches.
	SelectByID(ctx context.Context, table Table, id string) (json.RawMessage, error)
	// Insert returns the persisted row. A nil row with a nil error means the
	// store accepted the write but returned nothing.
	Insert(ctx context.Context, table Table, values map[string]any) (json.RawMessage, error)
	// Update returns nil, nil when no visible row matches.
	Update(ctx context.Context, table Table, id string, values map[string]any) (json.RawMessage, error)
	Delete(ctx context.Context, table Table, id string) (int64, error)
}

// DB builds clients. Scoped and Anonymous are pure composition; neither
// touches the network.
type DB interface {
	Scoped(claims Claims) Client
	Anonymous() Client
	Ping(ctx context.Context) error
}

// insertColumns checks values against the table and returns the column
// names in a stable order. The owner column is accepted on insert only.
func insertColumns(table Table, values map[string]any) ([]string, error) {
	columns := make([]string, 0, len(values))
	for column := range values {
		if column != OwnerColumn && !table.writable(column) {
			return nil, fmt.Errorf("%w %q on %s", ErrUnknownColumn, column, table.Name)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns, nil
}

func updateColumns(table Table, values map[string]any) ([]string, error) {
	columns := make([]string, 0, len(values))
	for column := range values {
		if !table.writable(column) {
			return nil, fmt.Errorf("%w %q on %s", ErrUnknownColumn, column, table.Name)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns, nil
}
