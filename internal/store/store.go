package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a row id does not exist in a table.
var ErrNotFound = errors.New("not found")

// Fields is a key-column cell map, keyed by column name.
type Fields map[string]string

// Row is one record in a table.
type Row struct {
	ID        string
	Fields    Fields
	CreatedAt string
}

// Store is the narrow record-store contract the engine works against.
// Table identifiers (including work-item shard partitions) are opaque
// configuration; the engine never hard-codes them.
type Store interface {
	// Get returns the row with the given id, or ErrNotFound.
	Get(ctx context.Context, table, id string) (Row, error)
	// Query returns rows whose cells equal every entry in match.
	// An empty match returns the whole table.
	Query(ctx context.Context, table string, match Fields) ([]Row, error)
	// Insert adds a row and returns its assigned id.
	Insert(ctx context.Context, table string, fields Fields) (string, error)
	// Update merges fields into an existing row.
	Update(ctx context.Context, table, id string, fields Fields) error
}

// Clone returns a copy so callers can mutate without aliasing.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
