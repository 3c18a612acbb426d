// Package paging slices table collections into pages and classifies their
// load state.
package paging

import "github.com/pitabwire/tabula/model"

// Classify reports whether a collection reference is still loading (nil),
// loaded but empty, or loaded with rows.
func Classify(c *model.Collection) model.LoadState {
	switch {
	case c == nil:
		return model.LoadUninitialized
	case c.Len() == 0:
		return model.LoadEmpty
	default:
		return model.LoadPopulated
	}
}

// Slice returns items[(page-1)*size : page*size], clipped to the input.
// Pages before the first, past the last, or with a non-positive size yield an
// empty slice. The result shares the input's backing array.
func Slice[T any](items []T, page, size int) []T {
	if page < 1 || size < 1 {
		return []T{}
	}
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	end := min(start+size, len(items))
	return items[start:end:end]
}

// TotalPages returns ceil(totalItems / pageSize). It is 0 for an empty
// collection.
func TotalPages(totalItems, pageSize int) int {
	if totalItems <= 0 || pageSize < 1 {
		return 0
	}
	return (totalItems + pageSize - 1) / pageSize
}

// DisplayTotalPages is TotalPages floored at 1, for "page 1 of 1" status text
// on an empty table.
func DisplayTotalPages(totalItems, pageSize int) int {
	return max(1, TotalPages(totalItems, pageSize))
}

// ClampPage bounds page to [1, DisplayTotalPages].
func ClampPage(page, totalItems, pageSize int) int {
	return min(max(page, 1), DisplayTotalPages(totalItems, pageSize))
}

// State builds the render-facing pagination state.
func State(page, pageSize, totalItems int) model.PaginationState {
	return model.PaginationState{
		CurrentPage: page,
		PageSize:    pageSize,
		TotalItems:  totalItems,
		TotalPages:  DisplayTotalPages(totalItems, pageSize),
	}
}
