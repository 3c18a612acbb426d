// Package sorting orders table rows by a single column with a tri-state
// (ascending, descending, unsorted) cycle.
package sorting

import (
	"slices"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/pitabwire/tabula/model"
)

// Collations select how non-numeric values compare.
const (
	// CollationLocale compares lowercased strings with the locale's
	// collation rules.
	CollationLocale = "locale"
	// CollationNatural compares lowercased strings treating digit runs as
	// numbers, so "bay 9" sorts before "bay 10".
	CollationNatural = "natural"
)

// NextState returns the sort state after a header click on key. Clicking a
// different (or unsorted) column sorts it ascending; clicking the ascending
// column flips to descending; clicking the descending column clears the sort.
func NextState(current model.SortState, key string) model.SortState {
	current = current.Normalize()
	if key == "" {
		return model.SortState{}
	}
	if current.Key != key {
		return model.SortState{Key: key, Direction: model.DirectionAscending}
	}
	if current.Direction == model.DirectionAscending {
		return model.SortState{Key: key, Direction: model.DirectionDescending}
	}
	return model.SortState{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for fallback warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLocale sets the collation locale as a BCP 47 tag. Unparseable tags fall
// back to the root locale.
func WithLocale(tag string) Option {
	return func(e *Engine) {
		t, err := language.Parse(tag)
		if err != nil {
			t = language.Und
		}
		e.locale = t
	}
}

// WithCollation selects CollationLocale or CollationNatural.
func WithCollation(name string) Option {
	return func(e *Engine) {
		if name == CollationNatural {
			e.collation = CollationNatural
		}
	}
}

// WithFallbackHook is called with the key whenever a sort falls back to the
// original order because no row carries that key.
func WithFallbackHook(fn func(key string)) Option {
	return func(e *Engine) {
		e.onFallback = fn
	}
}

// Engine sorts rows. It holds configuration only and is safe for concurrent
// use.
type Engine struct {
	logger     *zap.Logger
	locale     language.Tag
	collation  string
	onFallback func(key string)
}

// NewEngine creates a sort engine using locale collation for the root locale.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:    zap.NewNop(),
		locale:    language.Und,
		collation: CollationLocale,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sort returns rows ordered by state. The input slice is never modified.
// Rows without a value for the key sort last in both directions, and rows
// with equal values keep their relative order. An unsorted state, or a key
// that no row carries, returns the rows in their original order.
func (e *Engine) Sort(rows []model.Row, state model.SortState) []model.Row {
	out := slices.Clone(rows)
	state = state.Normalize()
	if !state.Active() || len(out) == 0 {
		return out
	}

	if !anyHasKey(out, state.Key) {
		e.logger.Warn("sort key absent from every row, keeping original order",
			zap.String("key", state.Key),
			zap.Int("rows", len(out)),
		)
		if e.onFallback != nil {
			e.onFallback(state.Key)
		}
		return out
	}

	cmpValues := e.newComparer()
	descending := state.Direction == model.DirectionDescending

	slices.SortStableFunc(out, func(a, b model.Row) int {
		av, bv := a.Fields[state.Key], b.Fields[state.Key]
		aNull, bNull := av == nil, bv == nil
		switch {
		case aNull && bNull:
			return 0
		case aNull:
			return 1
		case bNull:
			return -1
		}
		c := cmpValues(av, bv)
		if descending {
			return -c
		}
		return c
	})
	return out
}

func anyHasKey(rows []model.Row, key string) bool {
	for _, r := range rows {
		if _, ok := r.Fields[key]; ok {
			return true
		}
	}
	return false
}
