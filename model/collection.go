package model

import (
	"fmt"
	"slices"
)

// Collection is an ordered set of rows. Rows are stored in slots that never
// move; the order vector maps positions to slots. Moving a row remaps
// positions only, so lookups by RowID stay valid across reorders.
//
// A Collection is not safe for concurrent mutation. The owner serialises
// writers.
type Collection struct {
	slots []Row
	order []int
	index map[RowID]int
}

// NewCollection builds a collection from rows in their given order. Duplicate
// identities are rejected.
func NewCollection(rows []Row) (*Collection, error) {
	c := &Collection{
		slots: make([]Row, len(rows)),
		order: make([]int, len(rows)),
		index: make(map[RowID]int, len(rows)),
	}
	for i, r := range rows {
		if _, dup := c.index[r.ID]; dup {
			return nil, NewConflictError(fmt.Sprintf("duplicate row id %q", r.ID))
		}
		c.slots[i] = r
		c.order[i] = i
		c.index[r.ID] = i
	}
	return c, nil
}

// MustCollection is NewCollection for fixed inputs; it panics on duplicates.
func MustCollection(rows []Row) *Collection {
	c, err := NewCollection(rows)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of rows. A nil collection has no rows.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// At returns the row at position pos.
func (c *Collection) At(pos int) Row {
	return c.slots[c.order[pos]]
}

// Rows returns the rows in their current order. The slice is a copy; the
// Fields maps are shared.
func (c *Collection) Rows() []Row {
	if c == nil {
		return nil
	}
	out := make([]Row, len(c.order))
	for i, slot := range c.order {
		out[i] = c.slots[slot]
	}
	return out
}

// ByID returns the row with the given identity.
func (c *Collection) ByID(id RowID) (Row, bool) {
	slot, ok := c.index[id]
	if !ok {
		return Row{}, false
	}
	return c.slots[slot], true
}

// PositionOf returns the current position of the row, or -1.
func (c *Collection) PositionOf(id RowID) int {
	slot, ok := c.index[id]
	if !ok {
		return -1
	}
	return slices.Index(c.order, slot)
}

// Move removes the row at position from and reinserts it at position to.
// Rows between the two positions shift by one.
func (c *Collection) Move(from, to int) error {
	n := c.Len()
	if from < 0 || from >= n || to < 0 || to >= n {
		return NewInvalidDragError(fmt.Sprintf("move %d -> %d outside collection of %d rows", from, to, n))
	}
	if from == to {
		return nil
	}
	slot := c.order[from]
	c.order = slices.Delete(c.order, from, from+1)
	c.order = slices.Insert(c.order, to, slot)
	return nil
}

// SetSequence records the persisted position for a row.
func (c *Collection) SetSequence(id RowID, seq int) bool {
	slot, ok := c.index[id]
	if !ok {
		return false
	}
	c.slots[slot].Sequence = seq
	return true
}

// HasField reports whether at least one row carries key.
func (c *Collection) HasField(key string) bool {
	if c == nil {
		return false
	}
	for i := range c.slots {
		if _, ok := c.slots[i].Fields[key]; ok {
			return true
		}
	}
	return false
}
