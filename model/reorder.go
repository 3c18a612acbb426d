package model

// ReorderOperation is produced when a drag ends over a valid target.
// FromIndex and ToIndex are rendered-slice positions; GlobalFrom and GlobalTo
// are the same positions in the whole collection.
type ReorderOperation struct {
	ID         string `json:"id"`
	ItemID     RowID  `json:"item_id"`
	FromIndex  int    `json:"from_index"`
	ToIndex    int    `json:"to_index"`
	GlobalFrom int    `json:"global_from"`
	GlobalTo   int    `json:"global_to"`
}

// SequenceAssignment is the position written back for one row after a
// reorder: globalStartOffset + localIndex + 1.
type SequenceAssignment struct {
	RowID    RowID `json:"row_id"`
	Sequence int   `json:"sequence"`
	Previous int   `json:"previous"`
}

// Changed reports whether the row needs to be persisted.
func (a SequenceAssignment) Changed() bool {
	return a.Sequence != a.Previous
}

// PersistOutcome is the settled result of one row write.
type PersistOutcome struct {
	Assignment SequenceAssignment
	Err        error
}
