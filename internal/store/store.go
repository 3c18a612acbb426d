// Package store persists table rows and their sequence positions for tables
// whose source kind is "store". Rows are grouped into named collections.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/tabula/internal/paging"
	"github.com/pitabwire/tabula/internal/sorting"
	"github.com/pitabwire/tabula/model"
)

// RowStore holds the rows of every store-backed table.
type RowStore interface {
	// List returns the rows of collection matching params, ordered by the
	// requested sort or, without one, by ascending sequence with unsequenced
	// rows last in insertion order. A zero PageSize returns every match.
	List(ctx context.Context, collection string, params model.DataParams) (model.Page, error)

	// SetSequence stores the position of one row. Writing the current value
	// is a no-op. An unknown row is a NOT_FOUND error.
	SetSequence(ctx context.Context, collection string, id model.RowID, sequence int) error

	// Put inserts or replaces rows.
	Put(ctx context.Context, collection string, rows []model.Row) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Binding adapts one collection of a RowStore to model.RowSource.
type Binding struct {
	store      RowStore
	collection string
}

// Bind returns the RowSource for collection.
func Bind(s RowStore, collection string) *Binding {
	return &Binding{store: s, collection: collection}
}

// Fetch lists the collection.
func (b *Binding) Fetch(ctx context.Context, params model.DataParams) (model.Page, error) {
	return b.store.List(ctx, b.collection, params)
}

// PersistRowOrder writes one row's sequence.
func (b *Binding) PersistRowOrder(ctx context.Context, id model.RowID, sequence int) error {
	return b.store.SetSequence(ctx, b.collection, id, sequence)
}

// Collection returns the bound collection name.
func (b *Binding) Collection() string {
	return b.collection
}

func notFound(collection string, id model.RowID) error {
	return model.NewNotFoundError(fmt.Sprintf("row %q not found in %q", id, collection))
}

// query filters, orders and pages rows in process. Stores that cannot push
// a request down to their backend use it. rows must be in insertion order.
func query(sorter *sorting.Engine, rows []model.Row, params model.DataParams) model.Page {
	matched := make([]model.Row, 0, len(rows))
	for _, r := range rows {
		if matches(r, params) {
			matched = append(matched, r)
		}
	}

	state := model.SortState{Key: params.Sort, Direction: model.ParseDirection(params.SortDir)}.Normalize()
	if state.Active() {
		matched = sorter.Sort(matched, state)
	} else {
		rank := make(map[model.RowID]int64, len(rows))
		for i, r := range rows {
			rank[r.ID] = int64(i + 1)
		}
		slices.SortStableFunc(matched, func(a, b model.Row) int {
			return cmp.Compare(positionKey(a.Sequence, rank[a.ID]), positionKey(b.Sequence, rank[b.ID]))
		})
	}

	page := model.Page{TotalItems: len(matched), Rows: matched}
	if params.PageSize > 0 {
		page.Rows = paging.Slice(matched, max(params.Page, 1), params.PageSize)
	}
	return page
}

// positionKey places a row in stored order. A sequenced row sits at its
// sequence. A row that was never sequenced sits just after the sequence equal
// to its 1-based insertion rank, which is the position it was listed at
// before any reorder.
func positionKey(sequence int, rank int64) int64 {
	if sequence != 0 {
		return 2 * int64(sequence)
	}
	return 2*rank + 1
}

func matches(r model.Row, params model.DataParams) bool {
	for k, want := range params.Filters {
		v, ok := r.Value(k)
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	if q := strings.TrimSpace(params.Query); q != "" {
		q = strings.ToLower(q)
		for _, v := range r.Fields {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
				return true
			}
		}
		return false
	}
	return true
}
