// Package table composes the sort, pagination and reorder engines into a
// controller for one mounted table, and keeps one controller per user and
// table in a session manager.
package table

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/paging"
	"github.com/pitabwire/tabula/internal/reorder"
	"github.com/pitabwire/tabula/internal/sorting"
	"github.com/pitabwire/tabula/model"
)

// Load reasons reported to Recorder.RecordLoad.
const (
	ReasonInitial = "initial"
	ReasonReload  = "reload"
	ReasonSort    = "sort"
	ReasonPage    = "page"
	ReasonFilter  = "filter"
	ReasonFailure = "reorder_failure"
)

const defaultMaxNotices = 5

// Recorder receives table metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordSortToggle(tableID, direction string)
	RecordSortFallback(tableID string)
	RecordPageChange(tableID, kind string)
	RecordLoad(tableID, reason, status string, rows int, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordSortToggle(string, string)                          {}
func (nopRecorder) RecordSortFallback(string)                                {}
func (nopRecorder) RecordPageChange(string, string)                          {}
func (nopRecorder) RecordLoad(string, string, string, int, time.Duration) {}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder sets the table metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithReorderRecorder sets the reorder metrics recorder.
func WithReorderRecorder(r reorder.Recorder) Option {
	return func(c *Controller) { c.reorderMetrics = r }
}

// WithPageControl hands page state to the caller.
func WithPageControl(ctrl *paging.Control) Option {
	return func(c *Controller) { c.pageControl = ctrl }
}

// Controller is one mounted table. It owns the collection and serialises
// every change to it.
type Controller struct {
	mu sync.Mutex

	def    model.TableDefinition
	source model.RowSource
	sorter *sorting.Engine
	pager  *paging.Paginator
	drag   *reorder.Engine

	collection *model.Collection
	total      int
	loading    bool
	loadErr    error
	sort       model.SortState
	filters    map[string]string
	query      string
	notices    []model.Notice
	maxNotices int
	revision   uint64
	loadSeq    uint64
	closed     bool

	pageControl    *paging.Control
	metrics        Recorder
	reorderMetrics reorder.Recorder
	logger         *zap.Logger
}

// New creates an unloaded controller for def reading from and persisting to
// source. tables supplies collation and write limits.
func New(def model.TableDefinition, source model.RowSource, tables config.TablesConfig, opts ...Option) *Controller {
	c := &Controller{
		def:        def,
		source:     source,
		sort:       model.SortState{Key: def.DefaultSort, Direction: model.ParseDirection(def.SortDir)}.Normalize(),
		maxNotices: tables.MaxNotices,
		metrics:    nopRecorder{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxNotices < 1 {
		c.maxNotices = defaultMaxNotices
	}

	c.sorter = sorting.NewEngine(
		sorting.WithLogger(c.logger),
		sorting.WithLocale(tables.Locale),
		sorting.WithCollation(tables.Collation),
		sorting.WithFallbackHook(func(string) { c.metrics.RecordSortFallback(def.ID) }),
	)
	c.pager = paging.New(paging.Config{
		Mode:            def.Pagination.Mode,
		PageSizeOptions: def.Pagination.PageSizeOptions,
		DefaultPageSize: def.Pagination.DefaultPageSize,
	}, c.pageControl)
	c.drag = reorder.NewEngine(
		reorder.Config{
			ActivationDistance: def.DragActivationDistance,
			MaxConcurrent:      tables.MaxConcurrentWrites,
		},
		source,
		reorder.WithLogger(c.logger),
		reorder.WithRecorder(c.reorderMetrics),
		reorder.WithFailureHandler(c.onReorderFailure),
		reorder.WithReloader(reorder.ReloadFunc(func(ctx context.Context) error {
			return c.load(ctx, ReasonFailure)
		})),
	)
	return c
}

// Definition returns the table definition the controller was built from.
func (c *Controller) Definition() model.TableDefinition {
	return c.def
}

// Descriptor returns the static description of the table.
func (c *Controller) Descriptor() model.TableDescriptor {
	return Describe(c.def)
}

// Describe builds the descriptor the UI shell renders headers and controls
// from.
func Describe(def model.TableDefinition) model.TableDescriptor {
	cols := make([]model.ColumnDescriptor, len(def.Columns))
	for i, col := range def.Columns {
		cols[i] = model.ColumnDescriptor{
			Key:      col.Key,
			Label:    col.Label,
			Type:     col.Type,
			Sortable: col.Sortable,
			Width:    col.Width,
		}
	}
	mode := def.Pagination.Mode
	if mode == "" {
		mode = model.PaginationClient
	}
	return model.TableDescriptor{
		ID:                     def.ID,
		Title:                  def.Title,
		ItemName:               def.ItemName,
		Columns:                cols,
		DragHandle:             def.DragHandle,
		Reorderable:            def.Reorderable,
		PaginationMode:         mode,
		PageSizeOptions:        slices.Clone(def.Pagination.PageSizeOptions),
		DefaultPageSize:        def.Pagination.DefaultPageSize,
		DragActivationDistance: def.DragActivationDistance,
	}
}

// Load fetches the collection for the first time.
func (c *Controller) Load(ctx context.Context) error {
	return c.load(ctx, ReasonInitial)
}

// EnsureLoaded loads the table unless it holds a collection or a load is
// already running.
func (c *Controller) EnsureLoaded(ctx context.Context) error {
	c.mu.Lock()
	skip := c.collection != nil || c.loading
	c.mu.Unlock()
	if skip {
		return nil
	}
	return c.load(ctx, ReasonInitial)
}

// Reload refetches the collection, keeping sort, page and filters.
func (c *Controller) Reload(ctx context.Context) error {
	return c.load(ctx, ReasonReload)
}

// load fetches with the current parameters. The lock is released while the
// source is called; only the latest of overlapping loads is applied.
func (c *Controller) load(ctx context.Context, reason string) (err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.loadSeq++
	seq := c.loadSeq
	c.loading = true
	c.revision++
	params := c.pager.Request(c.sort, maps.Clone(c.filters))
	params.Query = c.query
	c.mu.Unlock()

	ctx, span := observability.StartTableSpan(ctx, "table.load", c.def.ID,
		attribute.String("table.load_reason", reason),
	)
	start := time.Now()
	page, err := c.source.Fetch(ctx, params)
	var coll *model.Collection
	if err == nil {
		coll, err = model.NewCollection(page.Rows)
	}
	if err == nil {
		span.SetAttributes(observability.AttrRowCount.Int(len(page.Rows)))
	}
	observability.EndSpanWithError(span, err)

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordLoad(c.def.ID, reason, status, len(page.Rows), time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || seq != c.loadSeq {
		return err
	}
	c.loading = false
	c.loadErr = err
	c.revision++
	if err != nil {
		c.logger.Warn("table load failed", zap.String("reason", reason), zap.Error(err))
		return err
	}
	c.collection = coll
	c.total = page.TotalItems
	if c.pager.Mode() == model.PaginationClient {
		c.total = coll.Len()
	}
	c.logger.Debug("table loaded",
		zap.String("reason", reason),
		zap.Int("rows", coll.Len()),
		zap.Int("total", c.total),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// ToggleSort applies a header click on key. Keys that are not sortable
// columns leave the state unchanged.
func (c *Controller) ToggleSort(ctx context.Context, key string) (model.SortState, error) {
	c.mu.Lock()
	col, ok := c.column(key)
	if !ok || !col.Sortable {
		c.logger.Warn("ignoring sort on unsortable key", zap.String("key", key))
		state := c.sort
		c.mu.Unlock()
		return state, nil
	}
	c.drag.Cancel()
	c.sort = sorting.NextState(c.sort, key)
	c.revision++
	state := c.sort
	server := c.pager.Mode() == model.PaginationServer
	c.mu.Unlock()

	c.metrics.RecordSortToggle(c.def.ID, state.Direction.String())
	if server {
		return state, c.load(ctx, ReasonSort)
	}
	return state, nil
}

// SetPage moves to page. Server-paged tables refetch.
func (c *Controller) SetPage(ctx context.Context, page int) error {
	c.mu.Lock()
	c.drag.Cancel()
	c.pager.SetPage(page)
	c.revision++
	server := c.pager.Mode() == model.PaginationServer
	c.mu.Unlock()

	c.metrics.RecordPageChange(c.def.ID, "page")
	if server {
		return c.load(ctx, ReasonPage)
	}
	return nil
}

// SetPageSize changes the page size and returns to page 1.
func (c *Controller) SetPageSize(ctx context.Context, size int) error {
	c.mu.Lock()
	if err := c.pager.SetPageSize(size); err != nil {
		c.mu.Unlock()
		return err
	}
	c.drag.Cancel()
	c.revision++
	server := c.pager.Mode() == model.PaginationServer
	c.mu.Unlock()

	c.metrics.RecordPageChange(c.def.ID, "size")
	if server {
		return c.load(ctx, ReasonPage)
	}
	return nil
}

// SetFilters replaces the filters and free-text query, returns to page 1 and
// refetches.
func (c *Controller) SetFilters(ctx context.Context, filters map[string]string, query string) error {
	c.mu.Lock()
	c.drag.Cancel()
	c.filters = maps.Clone(filters)
	c.query = query
	c.pager.Reset()
	c.revision++
	c.mu.Unlock()

	return c.load(ctx, ReasonFilter)
}

// PointerDown arms a drag on the row at index of the rendered slice.
func (c *Controller) PointerDown(index int, at reorder.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, err := c.dragWindowLocked()
	if err != nil {
		return err
	}
	if err := c.drag.PointerDown(index, w.Len, at); err != nil {
		return err
	}
	c.revision++
	return nil
}

// PointerMove reports pointer travel and whether the drag is active.
func (c *Controller) PointerMove(at reorder.Point) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.drag.Phase()
	active := c.drag.PointerMove(at)
	if c.drag.Phase() != before {
		c.revision++
	}
	return active
}

// KeyboardPickUp starts a keyboard drag on the row at index.
func (c *Controller) KeyboardPickUp(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, err := c.dragWindowLocked()
	if err != nil {
		return err
	}
	if err := c.drag.KeyboardPickUp(index, w.Len); err != nil {
		return err
	}
	c.revision++
	return nil
}

// KeyboardMove moves the drop target by delta rows and returns it.
func (c *Controller) KeyboardMove(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.drag.KeyboardMove(delta, len(c.visibleLocked()))
	c.revision++
	return target
}

// Over records the row under the dragged item.
func (c *Controller) Over(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drag.Over(index)
	c.revision++
}

// Cancel aborts the current drag.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.drag.Cancel() {
		return false
	}
	c.revision++
	return true
}

// Drop ends a pointer drag over target. valid is false when the pointer was
// released outside any row. A nil Commit means nothing moved.
func (c *Controller) Drop(ctx context.Context, target int, valid bool) (*reorder.Commit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	commit, err := c.drag.Drop(ctx, c.windowLocked(), target, valid)
	c.revision++
	return commit, err
}

// KeyboardDrop drops a keyboard drag on its current target.
func (c *Controller) KeyboardDrop(ctx context.Context) (*reorder.Commit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	commit, err := c.drag.KeyboardDrop(ctx, c.windowLocked())
	c.revision++
	return commit, err
}

// Wait blocks until any in-flight reorder has settled.
func (c *Controller) Wait() {
	c.drag.Wait()
}

// DismissNotice removes a notice. It reports whether the notice existed.
func (c *Controller) DismissNotice(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.notices, func(n model.Notice) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	c.notices = slices.Delete(c.notices, i, i+1)
	c.revision++
	return true
}

// View renders the current state.
func (c *Controller) View() model.TableView {
	c.mu.Lock()
	defer c.mu.Unlock()

	visible := c.visibleLocked()
	status := c.drag.Status()
	if (status.Phase == string(reorder.PhasePending) || status.Phase == string(reorder.PhaseDragging)) &&
		status.Origin >= 0 && status.Origin < len(visible) {
		status.ItemID = visible[status.Origin].ID
	}

	return model.TableView{
		TableID:         c.def.ID,
		ItemName:        c.def.ItemName,
		LoadState:       paging.Classify(c.collection),
		Loading:         c.loading,
		Rows:            visible,
		Sort:            c.sort,
		Pagination:      c.pager.State(c.total),
		PageSizeOptions: c.pager.Options(),
		DragHandle:      c.def.DragHandle,
		Drag:            status,
		Interactive:     c.drag.Interactive(),
		Notices:         slices.Clone(c.notices),
		Revision:        c.revision,
	}
}

// Close unmounts the table. Loads that finish afterwards are dropped and
// reorder failures are no longer reported.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.drag.Close()
}

func (c *Controller) onReorderFailure(ev reorder.FailureEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, model.Notice{
		ID:      uuid.NewString(),
		Level:   model.NoticeError,
		Code:    ev.Err.Code,
		Message: ev.Err.Message,
		At:      time.Now().UTC(),
	})
	if over := len(c.notices) - c.maxNotices; over > 0 {
		c.notices = slices.Delete(c.notices, 0, over)
	}
	c.revision++
}

func (c *Controller) column(key string) (model.ColumnDefinition, bool) {
	for _, col := range c.def.Columns {
		if col.Key == key {
			return col, true
		}
	}
	return model.ColumnDefinition{}, false
}

// visibleLocked runs the collection through sort and pagination. Server
// pages arrive sorted.
func (c *Controller) visibleLocked() []model.Row {
	if c.collection == nil {
		return nil
	}
	rows := c.collection.Rows()
	if c.pager.Mode() == model.PaginationClient {
		rows = c.sorter.Sort(rows, c.sort)
	}
	return c.pager.Visible(rows)
}

// windowLocked locates the rendered slice in the collection.
func (c *Controller) windowLocked() reorder.Window {
	n := len(c.visibleLocked())
	if c.pager.Mode() == model.PaginationServer {
		return reorder.Window{Collection: c.collection, Start: 0, Base: c.pager.Offset(), Len: n}
	}
	offset := c.pager.Offset()
	return reorder.Window{Collection: c.collection, Start: offset, Base: offset, Len: n}
}

// dragWindowLocked checks that a drag may start. A sorted view is not the
// stored order, so reordering it is rejected.
func (c *Controller) dragWindowLocked() (reorder.Window, error) {
	if !c.def.Reorderable {
		return reorder.Window{}, model.NewInvalidDragError("table is not reorderable")
	}
	if c.collection == nil {
		return reorder.Window{}, model.NewTableNotLoadedError()
	}
	if c.sort.Active() {
		return reorder.Window{}, model.NewInvalidDragError("clear the sort before reordering rows")
	}
	return c.windowLocked(), nil
}
