package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/syncline/internal/value"
)

// ConflictStatus is a held conflict's position.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

// ErrNotPending is returned when resolving a conflict that is already
// resolved or ignored.
var ErrNotPending = errors.New("conflict is not pending")

// Conflict is a persisted conflict.
type Conflict struct {
	ID       string
	RunID    string
	Table    string
	RecordID string
	TargetID string
	Source   *value.Map
	Target   *value.Map

	// Partial is the source payload with every automatically resolvable
	// field resolved. Manual fields keep their source values. Nil when the
	// conflict was saved without one.
	Partial *value.Map

	// Resolved is the payload written to the target, nil while pending.
	Resolved *value.Map

	// Unresolved lists fields awaiting manual resolution.
	Unresolved []string
	Status     ConflictStatus
	Strategy   string
	Resolver   string
	Created    time.Time
	ResolvedAt time.Time
}

// ConflictFilter narrows ListConflicts. Zero fields match everything.
type ConflictFilter struct {
	Status ConflictStatus
	Table  string
	RunID  string
}

// SaveConflict inserts a conflict or replaces the stored one with the same ID.
func (s *Store) SaveConflict(ctx context.Context, c Conflict) error {
	src, err := marshalPayload(c.Source)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	tgt, err := marshalPayload(c.Target)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	partial, err := marshalNullPayload(c.Partial)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	resolved, err := marshalNullPayload(c.Resolved)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	unresolved, err := json.Marshal(nonNil(c.Unresolved))
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts
		(id, run_id, table_name, record_id, target_id, source_payload, target_payload,
		 partial_payload, resolved_payload, unresolved_fields, status, strategy, resolver,
		 created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolved_payload = excluded.resolved_payload,
			unresolved_fields = excluded.unresolved_fields,
			status = excluded.status,
			strategy = excluded.strategy,
			resolver = excluded.resolver,
			resolved_at = excluded.resolved_at
	`,
		c.ID, c.RunID, c.Table, c.RecordID, c.TargetID, src, tgt,
		partial, resolved, string(unresolved), string(c.Status), c.Strategy, c.Resolver,
		formatTime(c.Created), formatNullTime(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// GetConflict returns a conflict by ID.
func (s *Store) GetConflict(ctx context.Context, id string) (Conflict, error) {
	row := s.db.QueryRowContext(ctx, selectConflict+` WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListConflicts returns matching conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context, f ConflictFilter) ([]Conflict, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, f.Table)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	query := selectConflict
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	out := []Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// MarkResolved records the payload written for a pending conflict.
func (s *Store) MarkResolved(ctx context.Context, id string, resolved *value.Map, strategy, resolver string) error {
	return s.finish(ctx, id, ConflictResolved, resolved, strategy, resolver)
}

// MarkIgnored closes a pending conflict without writing.
func (s *Store) MarkIgnored(ctx context.Context, id, resolver string) error {
	return s.finish(ctx, id, ConflictIgnored, nil, "", resolver)
}

func (s *Store) finish(ctx context.Context, id string, status ConflictStatus, resolved *value.Map, strategy, resolver string) error {
	payload, err := marshalNullPayload(resolved)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET status = ?, resolved_payload = ?, strategy = COALESCE(NULLIF(?, ''), strategy),
		    resolver = ?, unresolved_fields = '[]', resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(status), payload, strategy, resolver, formatTime(s.now()), id, string(ConflictPending))
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetConflict(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("conflict %s: %w", id, ErrNotPending)
}

const selectConflict = `
	SELECT id, run_id, table_name, record_id, target_id, source_payload, target_payload,
	       partial_payload, resolved_payload, unresolved_fields, status, strategy, resolver, created_at, resolved_at
	FROM conflicts`

func scanConflict(sc scanner) (Conflict, error) {
	var (
		c          Conflict
		src, tgt   string
		partial    sql.NullString
		resolved   sql.NullString
		unresolved string
		status     string
		created    string
		resolvedAt sql.NullString
	)
	if err := sc.Scan(&c.ID, &c.RunID, &c.Table, &c.RecordID, &c.TargetID, &src, &tgt,
		&partial, &resolved, &unresolved, &status, &c.Strategy, &c.Resolver, &created, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conflict{}, err
		}
		return Conflict{}, fmt.Errorf("scan conflict: %w", err)
	}
	c.Status = ConflictStatus(status)

	var err error
	if c.Source, err = parsePayload(src); err != nil {
		return Conflict{}, err
	}
	if c.Target, err = parsePayload(tgt); err != nil {
		return Conflict{}, err
	}
	if partial.Valid {
		if c.Partial, err = parsePayload(partial.String); err != nil {
			return Conflict{}, err
		}
	}
	if resolved.Valid {
		if c.Resolved, err = parsePayload(resolved.String); err != nil {
			return Conflict{}, err
		}
	}
	if err := json.Unmarshal([]byte(unresolved), &c.Unresolved); err != nil {
		return Conflict{}, fmt.Errorf("decode unresolved fields: %w", err)
	}
	if len(c.Unresolved) == 0 {
		c.Unresolved = nil
	}
	if c.Created, err = parseTime(created); err != nil {
		return Conflict{}, err
	}
	if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return Conflict{}, err
	}
	return c, nil
}

func marshalPayload(m *value.Map) (string, error) {
	if m == nil {
		m = value.NewMap()
	}
	b, err := value.MarshalJSON(m)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func marshalNullPayload(m *value.Map) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := marshalPayload(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: b, Valid: true}, nil
}

func parsePayload(s string) (*value.Map, error) {
	v, err := value.ParseJSON([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	m, ok := v.(*value.Map)
	if !ok {
		return nil, fmt.Errorf("decode payload: %s is not an object", value.TypeName(v))
	}
	return m, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
