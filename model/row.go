package model

import (
	"fmt"
	"strconv"
)

// DefaultIDField is the record field used as row identity when a table does
// not name one.
const DefaultIDField = "id"

// DefaultSequenceField is the record field holding a row's persisted position.
const DefaultSequenceField = "sequence"

// RowID is the stable identity of a row. It never changes when the row moves.
type RowID string

// Row is one record in a table collection.
type Row struct {
	ID     RowID          `json:"id"`
	Fields map[string]any `json:"fields"`
	// Sequence is the last persisted position, or 0 when unknown.
	Sequence int `json:"sequence,omitempty"`
}

// Value returns the field value for key and whether the field is present.
func (r Row) Value(key string) (any, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// RowsFromRecords builds rows from raw records. The identity is taken from
// idField when present and non-empty; otherwise the record's load position is
// used. Index identity does not survive reordering across reloads.
func RowsFromRecords(records []map[string]any, idField, sequenceField string) []Row {
	if idField == "" {
		idField = DefaultIDField
	}
	if sequenceField == "" {
		sequenceField = DefaultSequenceField
	}

	rows := make([]Row, len(records))
	for i, rec := range records {
		rows[i] = Row{
			ID:       identityOf(rec, idField, i),
			Fields:   rec,
			Sequence: sequenceOf(rec[sequenceField]),
		}
	}
	return rows
}

func identityOf(rec map[string]any, idField string, index int) RowID {
	v, ok := rec[idField]
	if !ok || v == nil {
		return RowID(strconv.Itoa(index))
	}
	s := fmt.Sprint(v)
	if s == "" {
		return RowID(strconv.Itoa(index))
	}
	return RowID(s)
}

func sequenceOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return int(i)
	}
	return 0
}
