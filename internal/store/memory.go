package store

import (
	"context"
	"maps"
	"sync"

	"github.com/pitabwire/tabula/internal/sorting"
	"github.com/pitabwire/tabula/model"
)

type memCollection struct {
	order []model.RowID
	rows  map[model.RowID]model.Row
}

// MemoryStore is an in-process RowStore for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	sorter      *sorting.Engine
}

// NewMemoryStore creates an empty store. sorter orders server-side sorted
// requests; nil uses a default engine.
func NewMemoryStore(sorter *sorting.Engine) *MemoryStore {
	if sorter == nil {
		sorter = sorting.NewEngine()
	}
	return &MemoryStore{
		collections: make(map[string]*memCollection),
		sorter:      sorter,
	}
}

// List returns the rows of collection. An unknown collection is empty.
func (s *MemoryStore) List(_ context.Context, collection string, params model.DataParams) (model.Page, error) {
	s.mu.RLock()
	c, ok := s.collections[collection]
	var rows []model.Row
	if ok {
		rows = make([]model.Row, 0, len(c.order))
		for _, id := range c.order {
			rows = append(rows, cloneRow(c.rows[id]))
		}
	}
	s.mu.RUnlock()

	return query(s.sorter, rows, params), nil
}

// SetSequence stores the position of one row.
func (s *MemoryStore) SetSequence(_ context.Context, collection string, id model.RowID, sequence int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		return notFound(collection, id)
	}
	r, ok := c.rows[id]
	if !ok {
		return notFound(collection, id)
	}
	if r.Sequence == sequence {
		return nil
	}
	r.Sequence = sequence
	c.rows[id] = r
	return nil
}

// Put inserts or replaces rows, keeping the position of replaced rows.
func (s *MemoryStore) Put(_ context.Context, collection string, rows []model.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[collection]
	if !ok {
		c = &memCollection{rows: make(map[model.RowID]model.Row)}
		s.collections[collection] = c
	}
	for _, r := range rows {
		if _, exists := c.rows[r.ID]; !exists {
			c.order = append(c.order, r.ID)
		}
		c.rows[r.ID] = cloneRow(r)
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of rows in collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[collection]; ok {
		return len(c.order)
	}
	return 0
}

func cloneRow(r model.Row) model.Row {
	r.Fields = maps.Clone(r.Fields)
	return r
}
