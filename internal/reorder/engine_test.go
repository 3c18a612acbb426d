package reorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tabula/model"
)

type recordingPersister struct {
	mu    sync.Mutex
	calls map[model.RowID]int
	fail  map[model.RowID]error
	gate  chan struct{}
	ctxOK bool
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{calls: map[model.RowID]int{}, fail: map[model.RowID]error{}, ctxOK: true}
}

func (p *recordingPersister) PersistRowOrder(ctx context.Context, id model.RowID, seq int) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id] = seq
	if ctx.Err() != nil {
		p.ctxOK = false
	}
	return p.fail[id]
}

func (p *recordingPersister) snapshot() map[model.RowID]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[model.RowID]int, len(p.calls))
	for k, v := range p.calls {
		out[k] = v
	}
	return out
}

type reloadCounter struct {
	mu    sync.Mutex
	count int
}

func (r *reloadCounter) Reload(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func (r *reloadCounter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func lettered(names ...string) *model.Collection {
	rows := make([]model.Row, len(names))
	for i, n := range names {
		rows[i] = model.Row{ID: model.RowID(n), Sequence: i + 1}
	}
	return model.MustCollection(rows)
}

func numbered(n int) *model.Collection {
	rows := make([]model.Row, n)
	for i := range rows {
		rows[i] = model.Row{ID: model.RowID(fmt.Sprintf("r%02d", i)), Sequence: i + 1}
	}
	return model.MustCollection(rows)
}

func orderOf(c *model.Collection) string {
	ids := make([]string, c.Len())
	for i := range ids {
		ids[i] = string(c.At(i).ID)
	}
	return strings.Join(ids, ",")
}

func fullWindow(c *model.Collection) Window {
	return Window{Collection: c, Start: 0, Base: 0, Len: c.Len()}
}

func waitCommit(t *testing.T, c *Commit) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestDrop_unsequencedRowsAreAllWritten(t *testing.T) {
	persister := newRecordingPersister()
	e := NewEngine(Config{}, persister)
	coll := model.MustCollection([]model.Row{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}})

	require.NoError(t, e.KeyboardPickUp(3, 4))
	commit, err := e.Drop(context.Background(), fullWindow(coll), 2, true)
	require.NoError(t, err)
	require.NotNil(t, commit)

	res := waitCommit(t, commit)
	assert.Nil(t, res.Err)
	assert.Equal(t, "a,b,d,c", orderOf(coll))
	// Rows whose stored sequence is unknown are written even where their
	// position did not move.
	assert.Equal(t, map[model.RowID]int{"a": 1, "b": 2, "d": 3, "c": 4}, persister.snapshot())
}

func TestDrop_full_success(t *testing.T) {
	persister := newRecordingPersister()
	reloads := &reloadCounter{}
	var failures []FailureEvent
	e := NewEngine(Config{}, persister,
		WithReloader(reloads),
		WithFailureHandler(func(ev FailureEvent) { failures = append(failures, ev) }),
	)
	coll := lettered("A", "B", "C", "D", "E")

	require.NoError(t, e.PointerDown(2, 5, Point{X: 10, Y: 10}))
	require.True(t, e.PointerMove(Point{X: 10, Y: 30}))

	commit, err := e.Drop(context.Background(), fullWindow(coll), 0, true)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, "C,A,B,D,E", orderOf(coll), "local order must change before persistence settles")

	res := waitCommit(t, commit)
	assert.Nil(t, res.Err)
	assert.False(t, res.Reloaded)
	assert.Equal(t, map[model.RowID]int{"C": 1, "A": 2, "B": 3}, persister.snapshot())
	assert.Len(t, res.Outcomes, 3)
	assert.Equal(t, 0, reloads.calls())
	assert.Empty(t, failures)
	assert.Equal(t, PhaseIdle, e.Phase())

	op := commit.Operation()
	assert.Equal(t, model.RowID("C"), op.ItemID)
	assert.Equal(t, 2, op.GlobalFrom)
	assert.Equal(t, 0, op.GlobalTo)
	assert.NotEmpty(t, op.ID)

	row, _ := coll.ByID("C")
	assert.Equal(t, 1, row.Sequence)
}

func TestDrop_partial_failure_reports_once_and_reloads(t *testing.T) {
	persister := newRecordingPersister()
	persister.fail["A"] = model.NewBackendUnavailableError()
	reloads := &reloadCounter{}
	var mu sync.Mutex
	var failures []FailureEvent
	e := NewEngine(Config{}, persister,
		WithReloader(reloads),
		WithFailureHandler(func(ev FailureEvent) {
			mu.Lock()
			failures = append(failures, ev)
			mu.Unlock()
		}),
	)
	coll := lettered("A", "B", "C", "D", "E")

	require.NoError(t, e.KeyboardPickUp(2, 5))
	commit, err := e.Drop(context.Background(), fullWindow(coll), 0, true)
	require.NoError(t, err)

	res := waitCommit(t, commit)
	require.NotNil(t, res.Err)
	assert.Equal(t, model.ErrReorderPersistFailed, res.Err.Code)
	assert.True(t, res.Reloaded)
	assert.Equal(t, 1, reloads.calls())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	ev := failures[0]
	assert.Equal(t, 3, ev.Attempted)
	require.Len(t, ev.Failed, 1)
	assert.Equal(t, model.RowID("A"), ev.Failed[0].Assignment.RowID)
	require.Len(t, ev.Err.Details, 1)
	assert.Equal(t, "A", ev.Err.Details[0].Field)
	assert.Equal(t, model.ErrBackendUnavailable, ev.Err.Details[0].Code)

	var env *model.ErrorEnvelope
	assert.True(t, errors.As(ev.Cause, &env))

	// The other writes still went out.
	assert.Equal(t, map[model.RowID]int{"C": 1, "A": 2, "B": 3}, persister.snapshot())
	// No rollback: the optimistic order stays until the reload replaces it.
	assert.Equal(t, "C,A,B,D,E", orderOf(coll))
}

func TestDrop_total_failure_is_one_event(t *testing.T) {
	persister := newRecordingPersister()
	down := errors.New("connection refused")
	for _, id := range []model.RowID{"A", "B", "C"} {
		persister.fail[id] = down
	}
	reloads := &reloadCounter{}
	events := 0
	var mu sync.Mutex
	e := NewEngine(Config{}, persister,
		WithReloader(reloads),
		WithFailureHandler(func(FailureEvent) { mu.Lock(); events++; mu.Unlock() }),
	)
	coll := lettered("A", "B", "C", "D", "E")

	require.NoError(t, e.KeyboardPickUp(2, 5))
	commit, err := e.Drop(context.Background(), fullWindow(coll), 0, true)
	require.NoError(t, err)

	res := waitCommit(t, commit)
	require.NotNil(t, res.Err)
	assert.Equal(t, "3 of 3 row positions could not be saved", res.Err.Message)
	assert.Equal(t, 1, reloads.calls())
	mu.Lock()
	assert.Equal(t, 1, events)
	mu.Unlock()
	assert.True(t, errors.Is(res.Outcomes[0].Err, down))
}

func TestDrop_translates_page_coordinates(t *testing.T) {
	persister := newRecordingPersister()
	e := NewEngine(Config{}, persister)
	coll := numbered(25)
	// Page 3 of size 10: rows 20..24 are rendered.
	w := Window{Collection: coll, Start: 20, Base: 20, Len: 5}

	require.NoError(t, e.KeyboardPickUp(1, w.Len))
	commit, err := e.Drop(context.Background(), w, 3, true)
	require.NoError(t, err)

	op := commit.Operation()
	assert.Equal(t, 21, op.GlobalFrom)
	assert.Equal(t, 23, op.GlobalTo)
	assert.Equal(t, model.RowID("r21"), coll.At(23).ID)
	assert.Equal(t, model.RowID("r22"), coll.At(21).ID)
	assert.Equal(t, model.RowID("r23"), coll.At(22).ID)
	assert.Equal(t, model.RowID("r20"), coll.At(20).ID)
	assert.Equal(t, model.RowID("r24"), coll.At(24).ID)

	seqs := map[model.RowID]int{}
	for _, a := range commit.Assignments() {
		seqs[a.RowID] = a.Sequence
	}
	assert.Equal(t, map[model.RowID]int{"r20": 21, "r22": 22, "r23": 23, "r21": 24, "r24": 25}, seqs)

	waitCommit(t, commit)
	assert.Equal(t, map[model.RowID]int{"r22": 22, "r23": 23, "r21": 24}, persister.snapshot())
}

func TestDrop_server_window_uses_base_for_sequences(t *testing.T) {
	persister := newRecordingPersister()
	e := NewEngine(Config{}, persister)
	rows := make([]model.Row, 3)
	for i := range rows {
		rows[i] = model.Row{ID: model.RowID(fmt.Sprintf("p%d", i)), Sequence: 11 + i}
	}
	coll := model.MustCollection(rows)
	w := Window{Collection: coll, Start: 0, Base: 10, Len: 3}

	require.NoError(t, e.KeyboardPickUp(2, 3))
	commit, err := e.Drop(context.Background(), w, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 12, commit.Operation().GlobalFrom)
	assert.Equal(t, 10, commit.Operation().GlobalTo)

	waitCommit(t, commit)
	assert.Equal(t, map[model.RowID]int{"p2": 11, "p0": 12, "p1": 13}, persister.snapshot())
}

func TestDrop_rows_without_stored_sequence_use_position(t *testing.T) {
	persister := newRecordingPersister()
	e := NewEngine(Config{}, persister)
	coll := model.MustCollection([]model.Row{{ID: "A"}, {ID: "B"}, {ID: "C"}})

	require.NoError(t, e.KeyboardPickUp(0, 3))
	commit, err := e.Drop(context.Background(), fullWindow(coll), 1, true)
	require.NoError(t, err)
	waitCommit(t, commit)
	assert.Equal(t, map[model.RowID]int{"B": 1, "A": 2}, persister.snapshot())
}

func TestEngine_not_interactive_while_reconciling(t *testing.T) {
	persister := newRecordingPersister()
	persister.gate = make(chan struct{})
	e := NewEngine(Config{}, persister)
	coll := lettered("A", "B", "C")

	require.NoError(t, e.KeyboardPickUp(0, 3))
	commit, err := e.Drop(context.Background(), fullWindow(coll), 2, true)
	require.NoError(t, err)

	assert.Equal(t, PhaseReconciling, e.Phase())
	assert.False(t, e.Interactive())

	err = e.KeyboardPickUp(1, 3)
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.Equal(t, model.ErrReconciling, env.Code)
	assert.Error(t, e.PointerDown(1, 3, Point{}))

	close(persister.gate)
	waitCommit(t, commit)
	e.Wait()
	assert.Equal(t, PhaseIdle, e.Phase())
	assert.NoError(t, e.KeyboardPickUp(1, 3))
}

func TestDrop_press_below_activation_distance_is_a_click(t *testing.T) {
	persister := newRecordingPersister()
	e := NewEngine(Config{ActivationDistance: 8}, persister)
	coll := lettered("A", "B", "C")

	require.NoError(t, e.PointerDown(0, 3, Point{X: 0, Y: 0}))
	assert.False(t, e.PointerMove(Point{X: 3, Y: 4}))
	assert.Equal(t, PhasePending, e.Phase())

	commit, err := e.Drop(context.Background(), fullWindow(coll), 2, true)
	require.NoError(t, err)
	assert.Nil(t, commit)
	assert.Equal(t, "A,B,C", orderOf(coll))
	assert.Equal(t, PhaseIdle, e.Phase())
}

func TestDrop_activation_at_exact_distance(t *testing.T) {
	e := NewEngine(Config{ActivationDistance: 5}, newRecordingPersister())
	require.NoError(t, e.PointerDown(0, 3, Point{}))
	assert.True(t, e.PointerMove(Point{X: 3, Y: 4}))
	assert.Equal(t, PhaseDragging, e.Phase())
}

func TestDrop_invalid_target_cancels(t *testing.T) {
	tests := []struct {
		name   string
		target int
		valid  bool
	}{
		{"not a drop zone", 1, false},
		{"same position", 0, true},
		{"past the slice", 7, true},
		{"negative", -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			persister := newRecordingPersister()
			e := NewEngine(Config{}, persister)
			coll := lettered("A", "B", "C")
			require.NoError(t, e.KeyboardPickUp(0, 3))

			commit, err := e.Drop(context.Background(), fullWindow(coll), tt.target, tt.valid)
			require.NoError(t, err)
			assert.Nil(t, commit)
			assert.Equal(t, "A,B,C", orderOf(coll))
			assert.Equal(t, PhaseIdle, e.Phase())
			assert.Empty(t, persister.snapshot())
		})
	}
}

func TestCancel_has_no_side_effects(t *testing.T) {
	persister := newRecordingPersister()
	e := NewEngine(Config{}, persister)
	coll := lettered("A", "B", "C")

	require.NoError(t, e.KeyboardPickUp(0, 3))
	e.KeyboardMove(2, 3)
	assert.True(t, e.Cancel())
	assert.Equal(t, PhaseIdle, e.Phase())
	assert.Equal(t, "A,B,C", orderOf(coll))
	assert.False(t, e.Cancel())

	_, err := e.Drop(context.Background(), fullWindow(coll), 2, true)
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.Equal(t, model.ErrInvalidTransition, env.Code)
}

func TestKeyboardMove_clamps_to_slice(t *testing.T) {
	e := NewEngine(Config{}, newRecordingPersister())
	require.NoError(t, e.KeyboardPickUp(1, 4))
	assert.Equal(t, 0, e.KeyboardMove(-5, 4))
	assert.Equal(t, 3, e.KeyboardMove(10, 4))
	assert.Equal(t, 2, e.KeyboardMove(-1, 4))
	assert.Equal(t, 2, e.Status().Over)
}

func TestKeyboardDrop_uses_latest_target_under_concurrent_moves(t *testing.T) {
	for range 50 {
		e := NewEngine(Config{}, newRecordingPersister())
		coll := numbered(8)
		require.NoError(t, e.KeyboardPickUp(0, 8))

		var (
			wg      sync.WaitGroup
			highest int
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 7 {
				highest = max(highest, e.KeyboardMove(1, 8))
			}
		}()
		commit, err := e.KeyboardDrop(context.Background(), fullWindow(coll))
		require.NoError(t, err)
		wg.Wait()

		// Moves after the drop see an idle engine and report 0, so the
		// highest target returned is the one the drop landed on.
		if commit == nil {
			assert.Equal(t, 0, highest)
			assert.Equal(t, "r00", string(coll.At(0).ID))
			continue
		}
		waitCommit(t, commit)
		assert.Equal(t, highest, commit.Operation().ToIndex)
		assert.Equal(t, "r00", string(coll.At(highest).ID))
	}
}

func TestStart_rejects_rows_off_the_page(t *testing.T) {
	e := NewEngine(Config{}, newRecordingPersister())
	err := e.KeyboardPickUp(5, 3)
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.Equal(t, model.ErrInvalidDrag, env.Code)
	assert.Equal(t, PhaseIdle, e.Phase())

	require.NoError(t, e.KeyboardPickUp(0, 3))
	assert.Error(t, e.KeyboardPickUp(1, 3), "second drag while dragging")
}

func TestDrop_persistence_survives_caller_cancellation(t *testing.T) {
	persister := newRecordingPersister()
	persister.gate = make(chan struct{})
	e := NewEngine(Config{}, persister)
	coll := lettered("A", "B")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.KeyboardPickUp(0, 2))
	commit, err := e.Drop(ctx, fullWindow(coll), 1, true)
	require.NoError(t, err)
	cancel()
	close(persister.gate)

	res := waitCommit(t, commit)
	assert.Nil(t, res.Err)
	assert.True(t, persister.ctxOK, "row writes saw a cancelled context")
}

func TestClose_discards_failure_of_in_flight_reorder(t *testing.T) {
	persister := newRecordingPersister()
	persister.gate = make(chan struct{})
	persister.fail["B"] = errors.New("boom")
	reloads := &reloadCounter{}
	events := 0
	e := NewEngine(Config{}, persister,
		WithReloader(reloads),
		WithFailureHandler(func(FailureEvent) { events++ }),
	)
	coll := lettered("A", "B")

	require.NoError(t, e.KeyboardPickUp(0, 2))
	commit, err := e.Drop(context.Background(), fullWindow(coll), 1, true)
	require.NoError(t, err)

	e.Close()
	close(persister.gate)
	res := waitCommit(t, commit)
	require.NotNil(t, res.Err)
	assert.False(t, res.Reloaded)
	assert.Equal(t, 0, reloads.calls())
	assert.Equal(t, 0, events)

	assert.Error(t, e.KeyboardPickUp(0, 2), "closed engine accepts no drags")
}

func TestPersistAll_bounded_concurrency_collects_every_outcome(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	persister := model.PersisterFunc(func(ctx context.Context, id model.RowID, seq int) error {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		if id == "r03" {
			return errors.New("nope")
		}
		return nil
	})
	e := NewEngine(Config{MaxConcurrent: 2}, persister)
	changed := make([]model.SequenceAssignment, 8)
	for i := range changed {
		changed[i] = model.SequenceAssignment{RowID: model.RowID(fmt.Sprintf("r%02d", i)), Sequence: i + 1, Previous: 0}
	}

	outcomes := e.persistAll(context.Background(), changed)
	assert.Len(t, outcomes, 8)
	assert.LessOrEqual(t, peak, 2)
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestPersistOne_recovers_panics(t *testing.T) {
	e := NewEngine(Config{}, model.PersisterFunc(func(context.Context, model.RowID, int) error {
		panic("backend client bug")
	}))
	err := e.persistOne(context.Background(), model.SequenceAssignment{RowID: "A", Sequence: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestStatus_reports_drag(t *testing.T) {
	e := NewEngine(Config{}, newRecordingPersister())
	require.NoError(t, e.KeyboardPickUp(1, 3))
	e.Over(2)
	st := e.Status()
	assert.Equal(t, string(PhaseDragging), st.Phase)
	assert.Equal(t, 1, st.Origin)
	assert.Equal(t, 2, st.Over)
}
