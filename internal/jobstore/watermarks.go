package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetWatermark records the replication frontier for a source table.
func (s *Store) SetWatermark(ctx context.Context, table, token string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (table_name, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`, table, token, formatTime(at))
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", table, err)
	}
	return nil
}

// SetWatermarks records several frontiers in one transaction.
func (s *Store) SetWatermarks(ctx context.Context, tokens map[string]string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set watermarks: begin tx: %w", err)
	}
	defer tx.Rollback()
	for table, token := range tokens {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO watermarks (table_name, token, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(table_name) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
		`, table, token, formatTime(at)); err != nil {
			return fmt.Errorf("set watermark %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set watermarks: commit: %w", err)
	}
	return nil
}

// Watermark returns a table's token. ok is false when none is recorded.
func (s *Store) Watermark(ctx context.Context, table string) (token string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT token FROM watermarks WHERE table_name = ?`, table).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get watermark %s: %w", table, err)
	}
	return token, true, nil
}

// Watermarks returns every recorded token by table.
func (s *Store) Watermarks(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT table_name, token FROM watermarks`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var table, token string
		if err := rows.Scan(&table, &token); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out[table] = token
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return out, nil
}
