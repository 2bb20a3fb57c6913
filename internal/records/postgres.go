package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore keeps records in a single jsonb-backed table via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const selectColumns = `id, tbl, unique_key, fields, created_at, updated_at`

// Get fetches a record by id.
func (s *PostgresStore) Get(ctx context.Context, table, id string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM records WHERE tbl = $1 AND id = $2`, table, id)
	return scanRecord(row)
}

// FindOne returns the oldest record matching filter.
func (s *PostgresStore) FindOne(ctx context.Context, table string, filter Filter) (Record, error) {
	recs, err := s.Find(ctx, table, filter, 1)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

// Find lists records matching filter in creation order. limit <= 0 means no limit.
func (s *PostgresStore) Find(ctx context.Context, table string, filter Filter, limit int) ([]Record, error) {
	query, args := buildFindQuery(table, filter, limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

func buildFindQuery(table string, filter Filter, limit int) (string, []any) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	args := []any{table}
	b.WriteString(`SELECT ` + selectColumns + ` FROM records WHERE tbl = $1`)
	for _, k := range keys {
		args = append(args, k, filter[k])
		fmt.Fprintf(&b, ` AND fields->>$%d = $%d`, len(args)-1, len(args))
	}
	b.WriteString(` ORDER BY created_at, id`)
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args
}

// Create inserts a record. A duplicate (table, unique key) returns ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, rec NewRecord) (Record, error) {
	fieldsJSON, err := json.Marshal(nonNil(rec.Fields))
	if err != nil {
		return Record{}, fmt.Errorf("marshal fields: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO records (id, tbl, unique_key, fields, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING `+selectColumns,
		newID(), rec.Table, emptyToNil(rec.UniqueKey), fieldsJSON)
	out, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Record{}, ErrConflict
		}
		return Record{}, fmt.Errorf("insert %s: %w", rec.Table, err)
	}
	return out, nil
}

// Patch merges fields into the record in a single update.
func (s *PostgresStore) Patch(ctx context.Context, table, id string, fields map[string]any) (Record, error) {
	fieldsJSON, err := json.Marshal(nonNil(fields))
	if err != nil {
		return Record{}, fmt.Errorf("marshal fields: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE records
		SET fields = fields || $3::jsonb, updated_at = NOW()
		WHERE tbl = $1 AND id = $2
		RETURNING `+selectColumns,
		table, id, fieldsJSON)
	out, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("patch %s: %w", table, err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var uniqueKey pgtype.Text
	var fieldsJSON []byte
	if err := row.Scan(&rec.ID, &rec.Table, &uniqueKey, &fieldsJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return Record{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	if uniqueKey.Valid {
		rec.UniqueKey = uniqueKey.String
	}
	return rec, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
