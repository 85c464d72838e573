package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLite backs the Store contract with a single records table. Logical
// tables (blockers, each work-item shard) live side by side keyed by
// the tbl column, so partitions stay opaque identifiers to callers.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLite) Get(ctx context.Context, table, id string) (Row, error) {
	var payload, createdAt string
	err := s.DB.QueryRowContext(ctx, `SELECT fields_json, created_at FROM records WHERE tbl=? AND id=?`, table, id).
		Scan(&payload, &createdAt)
	if err == sql.ErrNoRows {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	fields, err := decodeFields(payload)
	if err != nil {
		return Row{}, err
	}
	return Row{ID: id, Fields: fields, CreatedAt: createdAt}, nil
}

func (s SQLite) Query(ctx context.Context, table string, match Fields) ([]Row, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, fields_json, created_at FROM records WHERE tbl=? ORDER BY created_at ASC, id ASC`, table)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	var res []Row
	for rows.Next() {
		var id, payload, createdAt string
		if err := rows.Scan(&id, &payload, &createdAt); err != nil {
			return nil, err
		}
		fields, err := decodeFields(payload)
		if err != nil {
			return nil, err
		}
		if !matches(fields, match) {
			continue
		}
		res = append(res, Row{ID: id, Fields: fields, CreatedAt: createdAt})
	}
	return res, rows.Err()
}

func (s SQLite) Insert(ctx context.Context, table string, fields Fields) (string, error) {
	id := uuid.New().String()
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	createdAt := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO records(tbl,id,fields_json,created_at) VALUES (?,?,?,?)`,
		table, id, string(payload), createdAt); err != nil {
		return "", fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

func (s SQLite) Update(ctx context.Context, table, id string, fields Fields) error {
	row, err := s.Get(ctx, table, id)
	if err != nil {
		return err
	}
	merged := row.Fields.Clone()
	for k, v := range fields {
		merged[k] = v
	}
	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE records SET fields_json=? WHERE tbl=? AND id=?`, string(payload), table, id)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeFields(payload string) (Fields, error) {
	fields := Fields{}
	if payload == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}

func matches(fields, match Fields) bool {
	for k, want := range match {
		if fields[k] != want {
			return false
		}
	}
	return true
}
