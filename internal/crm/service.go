// Package crm holds the entity services. Every call runs against the
// caller's scoped client, so ownership is enforced by the store and a row
// that is not the caller's is indistinguishable from one that does not
// exist.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"pipecd/api/internal/store"
	"pipecd/api/internal/validate"
)

// ErrNoRowReturned means the store accepted a create but returned no row.
var ErrNoRowReturned = errors.New("store returned no row")

type Service[T any] struct {
	entity string
	table  store.Table
}

func NewService[T any](entity string, table store.Table) *Service[T] {
	return &Service[T]{entity: entity, table: table}
}

func (s *Service[T]) Entity() string { return s.entity }

func (s *Service[T]) Table() store.Table { return s.table }

func (s *Service[T]) List(ctx context.Context, c store.Client) ([]T, error) {
	rows, err := c.Select(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.table.Name, err)
	}
	items := make([]T, 0, len(rows))
	for _, raw := range rows {
		item, err := s.decode(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}

// GetByID returns nil when no visible row has the id.
func (s *Service[T]) GetByID(ctx context.Context, c store.Client, id string) (*T, error) {
	raw, err := c.SelectByID(ctx, s.table, id)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.entity, err)
	}
	if raw == nil {
		return nil, nil
	}
	return s.decode(raw)
}

// Create persists in with ownerID as the owner. Any owner value already in
// in is overwritten.
func (s *Service[T]) Create(ctx context.Context, c store.Client, ownerID string, in validate.Input) (*T, error) {
	values := in.Clone()
	values[store.OwnerColumn] = ownerID

	raw, err := c.Insert(ctx, s.table, values)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", s.entity, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("create %s: %w", s.entity, ErrNoRowReturned)
	}
	return s.decode(raw)
}

// Update returns nil when no visible row has the id.
func (s *Service[T]) Update(ctx context.Context, c store.Client, id string, in validate.Input) (*T, error) {
	if len(in) == 0 {
		return s.GetByID(ctx, c, id)
	}
	raw, err := c.Update(ctx, s.table, id, in)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", s.entity, err)
	}
	if raw == nil {
		return nil, nil
	}
	return s.decode(raw)
}

// Delete returns the number of rows removed. A row-level security denial
// counts as zero rows, the same as a missing row.
func (s *Service[T]) Delete(ctx context.Context, c store.Client, id string) (int64, error) {
	removed, err := c.Delete(ctx, s.table, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == store.CodeInsufficientPrivs {
			return 0, nil
		}
		return 0, fmt.Errorf("delete %s: %w", s.entity, err)
	}
	return removed, nil
}

func (s *Service[T]) decode(raw json.RawMessage) (*T, error) {
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.entity, err)
	}
	return &item, nil
}
