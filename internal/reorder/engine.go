// Package reorder implements drag-to-reorder for table rows: a gesture state
// machine, an optimistic local splice, and a background persistence phase
// that reloads the table when any row write fails.
package reorder

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/model"
)

// Phase is the engine's position in the drag lifecycle.
type Phase string

// Phases. Pending is a pointer press that has not yet travelled the
// activation distance; releasing it is a click, not a drop.
const (
	PhaseIdle        Phase = "idle"
	PhasePending     Phase = "pending"
	PhaseDragging    Phase = "dragging"
	PhaseReconciling Phase = "reconciling"
)

// Trigger records how a drag was started.
type Trigger string

// Triggers.
const (
	TriggerPointer  Trigger = "pointer"
	TriggerKeyboard Trigger = "keyboard"
)

// DefaultActivationDistance is the pointer travel, in pixels, that turns a
// press into a drag.
const DefaultActivationDistance = 5.0

// Point is a pointer position in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Window locates the rendered slice. Start is the index of its first row in
// the collection and Base is that row's position in the whole table. They
// are equal when the collection holds every row; when the server pages,
// the collection is the page, Start is 0 and Base is the page offset.
type Window struct {
	Collection *model.Collection
	Start      int
	Base       int
	Len        int
}

// Reloader refetches the table after a failed persistence phase.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloadFunc adapts a function to Reloader.
type ReloadFunc func(ctx context.Context) error

// Reload calls f.
func (f ReloadFunc) Reload(ctx context.Context) error { return f(ctx) }

// Recorder receives reorder metrics. observability.Metrics provides one per
// table.
type Recorder interface {
	RecordReorder(outcome string)
	RecordPersist(status string, d time.Duration)
	RecordReload(status string)
	RecordReconcile(d time.Duration)
}

// Outcomes reported to Recorder.RecordReorder.
const (
	OutcomeSaved     = "saved"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Config is the construction-time configuration of an Engine.
type Config struct {
	ActivationDistance float64
	// MaxConcurrent bounds parallel row writes. Zero means one goroutine per
	// changed row.
	MaxConcurrent int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithReloader sets what runs after a failed persistence phase.
func WithReloader(r Reloader) Option {
	return func(e *Engine) { e.reloader = r }
}

// WithFailureHandler receives the single aggregated event of a failed phase.
func WithFailureHandler(fn func(FailureEvent)) Option {
	return func(e *Engine) { e.onFailure = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

type dragState struct {
	trigger Trigger
	origin  int
	over    int
	start   Point
}

// Engine drives reordering for one table. Reorders are serialised: while a
// persistence phase is in flight the engine is Reconciling and refuses new
// drags.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	phase    Phase
	drag     dragState
	closed   bool
	inflight sync.WaitGroup

	persister model.RowOrderPersister
	reloader  Reloader
	onFailure func(FailureEvent)
	metrics   Recorder
	logger    *zap.Logger
}

// NewEngine creates an idle engine writing through persister.
func NewEngine(cfg Config, persister model.RowOrderPersister, opts ...Option) *Engine {
	if cfg.ActivationDistance <= 0 {
		cfg.ActivationDistance = DefaultActivationDistance
	}
	e := &Engine{
		cfg:       cfg,
		phase:     PhaseIdle,
		persister: persister,
		metrics:   nopRecorder{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Interactive reports whether a new drag may start.
func (e *Engine) Interactive() bool {
	return e.Phase() != PhaseReconciling
}

// Status describes the drag for the render layer.
func (e *Engine) Status() model.DragStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := model.DragStatus{Phase: string(e.phase)}
	if e.phase == PhasePending || e.phase == PhaseDragging {
		st.Origin = e.drag.origin
		st.Over = e.drag.over
	}
	return st
}

// PointerDown arms a drag on the handle of the row at index in the rendered
// slice. The drag starts once the pointer travels the activation distance.
func (e *Engine) PointerDown(index, sliceLen int, at Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.canStartLocked(index, sliceLen); err != nil {
		return err
	}
	e.phase = PhasePending
	e.drag = dragState{trigger: TriggerPointer, origin: index, over: index, start: at}
	return nil
}

// PointerMove reports pointer travel. It returns true once the engine is
// dragging.
func (e *Engine) PointerMove(at Point) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case PhaseDragging:
		return true
	case PhasePending:
		dist := math.Hypot(at.X-e.drag.start.X, at.Y-e.drag.start.Y)
		if dist >= e.cfg.ActivationDistance {
			e.phase = PhaseDragging
			e.logger.Debug("drag activated",
				zap.Int("origin", e.drag.origin),
				zap.Float64("distance", dist),
			)
			return true
		}
	}
	return false
}

// KeyboardPickUp starts dragging the row at index immediately.
func (e *Engine) KeyboardPickUp(index, sliceLen int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.canStartLocked(index, sliceLen); err != nil {
		return err
	}
	e.phase = PhaseDragging
	e.drag = dragState{trigger: TriggerKeyboard, origin: index, over: index}
	return nil
}

// Over records the row currently under the dragged item.
func (e *Engine) Over(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == PhaseDragging || e.phase == PhasePending {
		e.drag.over = index
	}
}

// KeyboardMove shifts the drop target by delta rows, staying inside the
// rendered slice, and returns the new target.
func (e *Engine) KeyboardMove(delta, sliceLen int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseDragging || sliceLen < 1 {
		return e.drag.over
	}
	e.drag.over = min(max(e.drag.over+delta, 0), sliceLen-1)
	return e.drag.over
}

// Cancel aborts a drag without side effects. It returns false when there was
// nothing to cancel.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhasePending && e.phase != PhaseDragging {
		return false
	}
	wasDragging := e.phase == PhaseDragging
	e.resetLocked()
	if wasDragging {
		e.metrics.RecordReorder(OutcomeCancelled)
	}
	return true
}

// Drop ends the drag over target, a rendered-slice index. A pending press is
// treated as a click and a drop on an invalid target or the origin cancels;
// both return a nil Commit. Otherwise the collection is spliced before Drop
// returns and the changed rows are persisted in the background.
//
// The persistence phase runs on a context detached from ctx's cancellation:
// row writes, once issued, are not cancelled.
func (e *Engine) Drop(ctx context.Context, w Window, target int, valid bool) (*Commit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropLocked(ctx, w, target, valid)
}

// KeyboardDrop drops a keyboard drag on the target last set by KeyboardMove.
func (e *Engine) KeyboardDrop(ctx context.Context, w Window) (*Commit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropLocked(ctx, w, e.drag.over, true)
}

func (e *Engine) dropLocked(ctx context.Context, w Window, target int, valid bool) (*Commit, error) {
	switch e.phase {
	case PhaseReconciling:
		return nil, model.NewReconcilingError()
	case PhaseIdle:
		return nil, model.NewInvalidTransitionError("no drag in progress")
	case PhasePending:
		e.resetLocked()
		return nil, nil
	}

	origin := e.drag.origin
	if !valid || target == origin || target < 0 || target >= w.Len {
		e.resetLocked()
		e.metrics.RecordReorder(OutcomeCancelled)
		return nil, nil
	}
	if w.Collection == nil {
		e.resetLocked()
		return nil, model.NewTableNotLoadedError()
	}
	if w.Start < 0 || w.Start+w.Len > w.Collection.Len() {
		e.resetLocked()
		return nil, model.NewInvalidDragError(fmt.Sprintf(
			"rendered slice [%d, %d) outside collection of %d rows", w.Start, w.Start+w.Len, w.Collection.Len()))
	}

	op := model.ReorderOperation{
		ID:         uuid.NewString(),
		ItemID:     w.Collection.At(w.Start + origin).ID,
		FromIndex:  origin,
		ToIndex:    target,
		GlobalFrom: w.Base + origin,
		GlobalTo:   w.Base + target,
	}

	assignments, err := apply(w, op)
	if err != nil {
		e.resetLocked()
		return nil, err
	}

	e.logger.Info("row reordered",
		zap.String("operation_id", op.ID),
		zap.String("item_id", string(op.ItemID)),
		zap.Int("global_from", op.GlobalFrom),
		zap.Int("global_to", op.GlobalTo),
	)

	commit := newCommit(op, assignments)
	changed := changedOnly(assignments)
	if len(changed) == 0 {
		e.resetLocked()
		e.metrics.RecordReorder(OutcomeUnchanged)
		commit.finish(Result{Operation: op, Assignments: assignments})
		return commit, nil
	}

	e.phase = PhaseReconciling
	e.drag = dragState{}
	e.inflight.Add(1)
	go e.persist(context.WithoutCancel(ctx), commit, changed)
	return commit, nil
}

// Wait blocks until any in-flight persistence phase has settled.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Close marks the owning table as unmounted. In-flight writes still finish,
// but their failures are neither reported nor followed by a reload.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.phase == PhasePending || e.phase == PhaseDragging {
		e.resetLocked()
	}
}

func (e *Engine) canStartLocked(index, sliceLen int) error {
	switch e.phase {
	case PhaseReconciling:
		e.metrics.RecordReorder(OutcomeRejected)
		return model.NewReconcilingError()
	case PhasePending, PhaseDragging:
		return model.NewInvalidTransitionError("a drag is already in progress")
	}
	if e.closed {
		return model.NewInvalidTransitionError("table is closed")
	}
	if index < 0 || index >= sliceLen {
		return model.NewInvalidDragError(fmt.Sprintf("row %d is not on the current page", index))
	}
	return nil
}

func (e *Engine) resetLocked() {
	e.phase = PhaseIdle
	e.drag = dragState{}
}

// apply splices the collection and assigns sequences to every row of the
// rendered slice. The previous value of a row is its stored sequence. A row
// the store never sequenced has previous 0, so it is always written.
func apply(w Window, op model.ReorderOperation) ([]model.SequenceAssignment, error) {
	c := w.Collection
	previous := make(map[model.RowID]int, w.Len)
	for i := range w.Len {
		r := c.At(w.Start + i)
		previous[r.ID] = r.Sequence
	}

	if err := c.Move(w.Start+op.FromIndex, w.Start+op.ToIndex); err != nil {
		return nil, err
	}

	assignments := make([]model.SequenceAssignment, w.Len)
	for i := range w.Len {
		r := c.At(w.Start + i)
		seq := w.Base + i + 1
		assignments[i] = model.SequenceAssignment{RowID: r.ID, Sequence: seq, Previous: previous[r.ID]}
		c.SetSequence(r.ID, seq)
	}
	return assignments, nil
}

func changedOnly(assignments []model.SequenceAssignment) []model.SequenceAssignment {
	var out []model.SequenceAssignment
	for _, a := range assignments {
		if a.Changed() {
			out = append(out, a)
		}
	}
	return out
}

type nopRecorder struct{}

func (nopRecorder) RecordReorder(string)                {}
func (nopRecorder) RecordPersist(string, time.Duration) {}
func (nopRecorder) RecordReload(string)                 {}
func (nopRecorder) RecordReconcile(time.Duration)       {}
