// Package db provides shared Postgres helpers for bulk upsert and copy
// operations.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Copier streams typed records into a table over the COPY protocol.
type Copier[T any] struct {
	Table   string
	Columns []string
	// Noun names a record in errors, e.g. "outcome row 3". Default "record".
	Noun   string
	Encode func(*T) ([]any, error)
}

// Rows encodes every item, failing on the first one Encode rejects. Items
// are passed by pointer so Encode may fill defaults in place.
func (c Copier[T]) Rows(items []T) ([][]any, error) {
	noun := c.Noun
	if noun == "" {
		noun = "record"
	}
	rows := make([][]any, 0, len(items))
	for i := range items {
		row, err := c.Encode(&items[i])
		if err != nil {
			return nil, eris.Wrapf(err, "db: %s row %d", noun, i+1)
		}
		if len(row) != len(c.Columns) {
			return nil, eris.Errorf("db: %s row %d has %d values for %d columns", noun, i+1, len(row), len(c.Columns))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Copy encodes items and loads them in one COPY. Nothing is sent when an
// item fails to encode.
func (c Copier[T]) Copy(ctx context.Context, pool Pool, items []T) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	rows, err := c.Rows(items)
	if err != nil {
		return 0, err
	}
	return CopyFrom(ctx, pool, c.Table, c.Columns, rows)
}

// CopyFrom loads pre-encoded rows with COPY.
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}
