package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS table_rows (
	collection TEXT        NOT NULL,
	row_id     TEXT        NOT NULL,
	fields     JSONB       NOT NULL DEFAULT '{}'::jsonb,
	sequence   INTEGER,
	inserted   BIGSERIAL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, row_id)
);
CREATE INDEX IF NOT EXISTS table_rows_sequence_idx ON table_rows (collection, sequence);
`

// rankedRows numbers a collection's rows by insertion. inserted is global
// across collections, so the rank is computed per collection.
const rankedRows = `WITH ranked AS (
	SELECT row_id, fields, sequence, inserted, row_number() OVER (ORDER BY inserted) AS rank
	FROM table_rows WHERE collection = $1
)`

// PgStore is a PostgreSQL-backed RowStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// OpenPostgres connects a pool sized from cfg and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, cfg config.StoreConfig) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the rows table when missing.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate table_rows: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

// List pushes filtering, ordering and paging down to PostgreSQL. Sort keys
// compare as jsonb values, so numbers order numerically and strings
// byte-wise.
func (s *PgStore) List(ctx context.Context, collection string, params model.DataParams) (model.Page, error) {
	var filter string
	args := []any{collection}
	argIdx := 2

	for k, v := range params.Filters {
		filter += fmt.Sprintf(" AND fields->>$%d = $%d", argIdx, argIdx+1)
		args = append(args, k, v)
		argIdx += 2
	}
	if q := strings.TrimSpace(params.Query); q != "" {
		filter += fmt.Sprintf(" AND fields::text ILIKE '%%' || $%d || '%%'", argIdx)
		args = append(args, q)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM table_rows WHERE collection = $1"+filter, args...).Scan(&total); err != nil {
		return model.Page{}, fmt.Errorf("count table rows: %w", err)
	}

	// Unsequenced rows keep the slot of their insertion rank, as positionKey.
	order := " ORDER BY CASE WHEN sequence IS NULL THEN 2 * rank + 1 ELSE 2 * sequence END, inserted ASC"
	state := model.SortState{Key: params.Sort, Direction: model.ParseDirection(params.SortDir)}.Normalize()
	if state.Active() {
		dir := "ASC"
		if state.Direction == model.DirectionDescending {
			dir = "DESC"
		}
		order = fmt.Sprintf(" ORDER BY fields->$%d %s NULLS LAST, inserted ASC", argIdx, dir)
		args = append(args, state.Key)
		argIdx++
	}

	sql := rankedRows + " SELECT row_id, fields, sequence FROM ranked WHERE TRUE" + filter + order
	if params.PageSize > 0 {
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, params.PageSize, (max(params.Page, 1)-1)*params.PageSize)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return model.Page{}, fmt.Errorf("query table rows: %w", err)
	}
	defer rows.Close()

	page := model.Page{TotalItems: total, Rows: []model.Row{}}
	for rows.Next() {
		var (
			id       string
			fields   []byte
			sequence *int32
		)
		if err := rows.Scan(&id, &fields, &sequence); err != nil {
			return model.Page{}, fmt.Errorf("scan table row: %w", err)
		}
		r := model.Row{ID: model.RowID(id)}
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return model.Page{}, fmt.Errorf("unmarshal fields of %q: %w", id, err)
		}
		if sequence != nil {
			r.Sequence = int(*sequence)
		}
		page.Rows = append(page.Rows, r)
	}
	return page, rows.Err()
}

// SetSequence updates one row. The write is skipped when the row already
// holds sequence, which keeps repeated writes idempotent.
func (s *PgStore) SetSequence(ctx context.Context, collection string, id model.RowID, sequence int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE table_rows SET sequence = $3, updated_at = now()
		WHERE collection = $1 AND row_id = $2 AND sequence IS DISTINCT FROM $3`,
		collection, string(id), sequence,
	)
	if err != nil {
		return fmt.Errorf("update sequence of %q: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists int
	err = s.pool.QueryRow(ctx,
		`SELECT 1 FROM table_rows WHERE collection = $1 AND row_id = $2`,
		collection, string(id),
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(collection, id)
	}
	if err != nil {
		return fmt.Errorf("lookup row %q: %w", id, err)
	}
	return nil
}

// Put upserts rows in one batch.
func (s *PgStore) Put(ctx context.Context, collection string, rows []model.Row) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields of %q: %w", r.ID, err)
		}
		var sequence *int
		if r.Sequence != 0 {
			sequence = &r.Sequence
		}
		batch.Queue(`
			INSERT INTO table_rows (collection, row_id, fields, sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (collection, row_id) DO UPDATE
			SET fields = EXCLUDED.fields, sequence = EXCLUDED.sequence, updated_at = now()`,
			collection, string(r.ID), fields, sequence,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert table rows: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
