package reorder

import (
	"context"
	"slices"

	"github.com/pitabwire/tabula/model"
)

// Result is the settled outcome of a reorder.
type Result struct {
	Operation   model.ReorderOperation
	Assignments []model.SequenceAssignment
	Outcomes    []model.PersistOutcome
	// Err is the aggregated failure, nil when every write succeeded.
	Err      *model.ErrorEnvelope
	Reloaded bool
}

// Commit tracks one reorder from the local splice until its persistence
// phase settles.
type Commit struct {
	op          model.ReorderOperation
	assignments []model.SequenceAssignment
	done        chan struct{}
	result      Result
}

func newCommit(op model.ReorderOperation, assignments []model.SequenceAssignment) *Commit {
	return &Commit{op: op, assignments: assignments, done: make(chan struct{})}
}

// Operation returns the reorder this commit belongs to.
func (c *Commit) Operation() model.ReorderOperation {
	return c.op
}

// Assignments returns the sequences computed for the rendered slice.
func (c *Commit) Assignments() []model.SequenceAssignment {
	return slices.Clone(c.assignments)
}

// Done is closed once the persistence phase has settled.
func (c *Commit) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the commit settles or ctx ends.
func (c *Commit) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Commit) finish(r Result) {
	c.result = r
	close(c.done)
}
