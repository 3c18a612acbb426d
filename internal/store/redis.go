package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/tabula/internal/sorting"
	"github.com/pitabwire/tabula/model"
)

type redisRow struct {
	Fields   map[string]any `json:"fields"`
	Sequence int            `json:"sequence,omitempty"`
	Inserted int64          `json:"inserted"`
}

// score orders the sorted set. Inserted counts from 1 per collection, so it
// is the row's insertion rank.
func (r redisRow) score() float64 {
	return float64(positionKey(r.Sequence, r.Inserted))
}

// RedisStore is a Redis-backed RowStore. Each collection is a hash of rows
// plus a sorted set ordering row IDs by sequence.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	sorter *sorting.Engine
}

// NewRedisStore creates a store over client. Keys are namespaced by prefix.
func NewRedisStore(client redis.Cmdable, prefix string, sorter *sorting.Engine) *RedisStore {
	if sorter == nil {
		sorter = sorting.NewEngine()
	}
	if prefix == "" {
		prefix = "tabula"
	}
	return &RedisStore{client: client, prefix: prefix, sorter: sorter}
}

func (s *RedisStore) rowsKey(collection string) string {
	return fmt.Sprintf("%s:rows:%s", s.prefix, collection)
}

func (s *RedisStore) orderKey(collection string) string {
	return fmt.Sprintf("%s:order:%s", s.prefix, collection)
}

func (s *RedisStore) counterKey(collection string) string {
	return fmt.Sprintf("%s:inserted:%s", s.prefix, collection)
}

// List serves plain page requests from the sorted set and falls back to
// in-process filtering for sorted, filtered or searched requests.
func (s *RedisStore) List(ctx context.Context, collection string, params model.DataParams) (model.Page, error) {
	plain := params.Sort == "" && len(params.Filters) == 0 && strings.TrimSpace(params.Query) == ""
	if plain {
		return s.listOrdered(ctx, collection, params)
	}

	raw, err := s.client.HGetAll(ctx, s.rowsKey(collection)).Result()
	if err != nil {
		return model.Page{}, fmt.Errorf("redis hgetall %q: %w", collection, err)
	}

	type entry struct {
		row      model.Row
		inserted int64
	}
	entries := make([]entry, 0, len(raw))
	for id, data := range raw {
		rr, err := decodeRow(id, data)
		if err != nil {
			return model.Page{}, err
		}
		entries = append(entries, entry{
			row:      model.Row{ID: model.RowID(id), Fields: rr.Fields, Sequence: rr.Sequence},
			inserted: rr.Inserted,
		})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.inserted, b.inserted)
	})

	rows := make([]model.Row, len(entries))
	for i, e := range entries {
		rows[i] = e.row
	}
	return query(s.sorter, rows, params), nil
}

func (s *RedisStore) listOrdered(ctx context.Context, collection string, params model.DataParams) (model.Page, error) {
	total, err := s.client.ZCard(ctx, s.orderKey(collection)).Result()
	if err != nil {
		return model.Page{}, fmt.Errorf("redis zcard %q: %w", collection, err)
	}

	start, stop := int64(0), int64(-1)
	if params.PageSize > 0 {
		start = int64((max(params.Page, 1) - 1) * params.PageSize)
		stop = start + int64(params.PageSize) - 1
	}
	page := model.Page{TotalItems: int(total), Rows: []model.Row{}}
	if total == 0 || start >= total {
		return page, nil
	}

	ids, err := s.client.ZRange(ctx, s.orderKey(collection), start, stop).Result()
	if err != nil {
		return model.Page{}, fmt.Errorf("redis zrange %q: %w", collection, err)
	}
	if len(ids) == 0 {
		return page, nil
	}
	values, err := s.client.HMGet(ctx, s.rowsKey(collection), ids...).Result()
	if err != nil {
		return model.Page{}, fmt.Errorf("redis hmget %q: %w", collection, err)
	}

	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			// Removed between ZRANGE and HMGET.
			continue
		}
		rr, err := decodeRow(ids[i], data)
		if err != nil {
			return model.Page{}, err
		}
		page.Rows = append(page.Rows, model.Row{ID: model.RowID(ids[i]), Fields: rr.Fields, Sequence: rr.Sequence})
	}
	return page, nil
}

// SetSequence stores the position of one row.
func (s *RedisStore) SetSequence(ctx context.Context, collection string, id model.RowID, sequence int) error {
	data, err := s.client.HGet(ctx, s.rowsKey(collection), string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return notFound(collection, id)
	}
	if err != nil {
		return fmt.Errorf("redis hget %q: %w", id, err)
	}

	rr, err := decodeRow(string(id), data)
	if err != nil {
		return err
	}
	if rr.Sequence == sequence {
		return nil
	}
	rr.Sequence = sequence
	return s.write(ctx, collection, string(id), rr)
}

// Put inserts or replaces rows. Replaced rows keep their insertion rank.
func (s *RedisStore) Put(ctx context.Context, collection string, rows []model.Row) error {
	for _, r := range rows {
		rr := redisRow{Fields: r.Fields, Sequence: r.Sequence}

		existing, err := s.client.HGet(ctx, s.rowsKey(collection), string(r.ID)).Result()
		switch {
		case errors.Is(err, redis.Nil):
			n, err := s.client.Incr(ctx, s.counterKey(collection)).Result()
			if err != nil {
				return fmt.Errorf("redis incr %q: %w", collection, err)
			}
			rr.Inserted = n
		case err != nil:
			return fmt.Errorf("redis hget %q: %w", r.ID, err)
		default:
			prev, err := decodeRow(string(r.ID), existing)
			if err != nil {
				return err
			}
			rr.Inserted = prev.Inserted
		}

		if err := s.write(ctx, collection, string(r.ID), rr); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) write(ctx context.Context, collection, id string, rr redisRow) error {
	data, err := json.Marshal(rr)
	if err != nil {
		return fmt.Errorf("marshal row %q: %w", id, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.rowsKey(collection), id, data)
		pipe.ZAdd(ctx, s.orderKey(collection), redis.Z{Score: rr.score(), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write row %q: %w", id, err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeRow(id, data string) (redisRow, error) {
	var rr redisRow
	if err := json.Unmarshal([]byte(data), &rr); err != nil {
		return redisRow{}, fmt.Errorf("unmarshal row %q: %w", id, err)
	}
	return rr, nil
}
