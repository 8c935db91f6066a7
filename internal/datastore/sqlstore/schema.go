package sqlstore

import (
	"context"
	"fmt"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/querysql"
)

// Schema implements datastore.DataStore. Results are cached until the next
// raw statement.
func (s *Store) Schema(ctx context.Context, table string) (datastore.Schema, error) {
	return s.schema(ctx, s.db, table)
}

func (s *Store) schema(ctx context.Context, r runner, table string) (datastore.Schema, error) {
	s.mu.RLock()
	cached, ok := s.schemas[table]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var (
		schema datastore.Schema
		err    error
	)
	if s.dialect == querysql.Postgres {
		schema, err = s.postgresSchema(ctx, r, table)
	} else {
		schema, err = s.sqliteSchema(ctx, r, table)
	}
	if err != nil {
		return datastore.Schema{}, err
	}
	if len(schema.Columns) == 0 {
		return datastore.Schema{}, fmt.Errorf("schema %s: %w", table, datastore.ErrNoSuchTable)
	}

	s.mu.Lock()
	s.schemas[table] = schema
	s.mu.Unlock()
	return schema, nil
}

func (s *Store) sqliteSchema(ctx context.Context, r runner, table string) (datastore.Schema, error) {
	rows, err := r.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", querysql.Quote(table)))
	if err != nil {
		return datastore.Schema{}, classify("sqlstore.schema", err)
	}
	defer rows.Close()

	schema := datastore.Schema{Table: table}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return datastore.Schema{}, fmt.Errorf("scan table_info: %w", err)
		}
		tag, ok := datastore.FromSQLType(typ)
		if !ok {
			s.logger.Debug("unmapped column type", "table", table, "column", name, "type", typ)
		}
		schema.Columns = append(schema.Columns, datastore.Column{
			Name:       name,
			Type:       tag,
			Nullable:   notNull == 0 && pk == 0,
			PrimaryKey: pk > 0,
		})
	}
	return schema, rows.Err()
}

func (s *Store) postgresSchema(ctx context.Context, r runner, table string) (datastore.Schema, error) {
	const columnsQuery = `
		SELECT
			column_name,
			data_type,
			is_nullable,
			COALESCE(numeric_precision, 0),
			COALESCE(numeric_scale, 0),
			COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := r.QueryContext(ctx, columnsQuery, s.pgSchema, table)
	if err != nil {
		return datastore.Schema{}, classify("sqlstore.schema", err)
	}
	defer rows.Close()

	schema := datastore.Schema{Table: table}
	for rows.Next() {
		var (
			name, dataType, nullable string
			precision, scale, length int
		)
		if err := rows.Scan(&name, &dataType, &nullable, &precision, &scale, &length); err != nil {
			return datastore.Schema{}, fmt.Errorf("scan columns: %w", err)
		}
		tag, _ := datastore.FromSQLType(dataType)
		switch tag.Base {
		case datastore.Decimal:
			if dataType == "numeric" {
				tag.Precision, tag.Scale = precision, scale
			}
		case datastore.Varchar, datastore.Char:
			tag.Length = length
		}
		schema.Columns = append(schema.Columns, datastore.Column{
			Name:     name,
			Type:     tag,
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return datastore.Schema{}, err
	}

	const pkQuery = `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`

	pkRows, err := r.QueryContext(ctx, pkQuery, s.pgSchema, table)
	if err != nil {
		return datastore.Schema{}, classify("sqlstore.schema", err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return datastore.Schema{}, fmt.Errorf("scan primary key: %w", err)
		}
		for i := range schema.Columns {
			if schema.Columns[i].Name == col {
				schema.Columns[i].PrimaryKey = true
			}
		}
	}
	return schema, pkRows.Err()
}
