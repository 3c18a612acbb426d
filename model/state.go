package model

import "strings"

// Direction is the sort direction of a column.
type Direction string

// Sort directions. The zero value means the table is unsorted.
const (
	DirectionNone       Direction = ""
	DirectionAscending  Direction = "asc"
	DirectionDescending Direction = "desc"
)

// String returns "none" for the unsorted direction.
func (d Direction) String() string {
	if d == DirectionNone {
		return "none"
	}
	return string(d)
}

// ParseDirection accepts the spellings used by list endpoints. Anything
// unrecognised is DirectionNone.
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "ascending":
		return DirectionAscending
	case "desc", "descending":
		return DirectionDescending
	}
	return DirectionNone
}

// SortState is the active sort of a table. Key is empty exactly when
// Direction is DirectionNone; the zero value is the fresh state.
type SortState struct {
	Key       string    `json:"key,omitempty"`
	Direction Direction `json:"direction,omitempty"`
}

// Active reports whether a sort is applied.
func (s SortState) Active() bool {
	return s.Key != "" && s.Direction != DirectionNone
}

// Normalize restores the key/direction invariant.
func (s SortState) Normalize() SortState {
	if s.Key == "" || s.Direction == DirectionNone {
		return SortState{}
	}
	return s
}

// PaginationState is the paging position of a table.
type PaginationState struct {
	CurrentPage int `json:"current_page"`
	PageSize    int `json:"page_size"`
	TotalItems  int `json:"total_items"`
	// TotalPages is the display value: at least 1, even for an empty table.
	TotalPages int `json:"total_pages"`
}

// Offset returns the number of items before the current page.
func (p PaginationState) Offset() int {
	if p.CurrentPage < 1 || p.PageSize < 1 {
		return 0
	}
	return (p.CurrentPage - 1) * p.PageSize
}

// LoadState classifies a collection reference.
type LoadState string

// Load states. Uninitialized and Empty are rendered differently: skeleton rows
// versus a "no data" message.
const (
	LoadUninitialized LoadState = "uninitialized"
	LoadEmpty         LoadState = "empty"
	LoadPopulated     LoadState = "populated"
)
