package reorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// FailureEvent is the single report of a persistence phase in which at least
// one row write failed.
type FailureEvent struct {
	Operation model.ReorderOperation
	Attempted int
	Failed    []model.PersistOutcome
	// Err is a *model.ErrorEnvelope with code REORDER_PERSIST_FAILED.
	Err *model.ErrorEnvelope
	// Cause joins the individual row errors.
	Cause error
}

// persist writes every changed row, waits for all of them to settle, and on
// any failure reports once and reloads. It runs on its own goroutine.
func (e *Engine) persist(ctx context.Context, commit *Commit, changed []model.SequenceAssignment) {
	defer e.inflight.Done()
	start := time.Now()
	op := commit.Operation()

	ctx, span := observability.StartSpan(ctx, "reorder.persist",
		observability.AttrOperationID.String(op.ID),
		observability.AttrRowID.String(string(op.ItemID)),
		attribute.Int("reorder.rows_changed", len(changed)),
	)

	outcomes := e.persistAll(ctx, changed)
	result := Result{Operation: op, Assignments: commit.assignments, Outcomes: outcomes}

	var failed []model.PersistOutcome
	var causes []error
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
			causes = append(causes, fmt.Errorf("row %s: %w", o.Assignment.RowID, o.Err))
		}
	}

	if len(failed) == 0 {
		e.logger.Info("reorder saved",
			zap.String("operation_id", op.ID),
			zap.Int("rows", len(changed)),
			zap.Duration("elapsed", time.Since(start)),
		)
		e.metrics.RecordReorder(OutcomeSaved)
		observability.EndSpanWithError(span, nil)
		e.settle(commit, result, start)
		return
	}

	details := make([]model.FieldError, len(failed))
	for i, f := range failed {
		details[i] = model.FieldError{
			Field:   string(f.Assignment.RowID),
			Code:    errorCode(f.Err),
			Message: f.Err.Error(),
		}
	}
	event := FailureEvent{
		Operation: op,
		Attempted: len(changed),
		Failed:    failed,
		Err:       model.NewReorderPersistError(len(failed), len(changed), details),
		Cause:     errors.Join(causes...),
	}
	result.Err = event.Err
	e.metrics.RecordReorder(OutcomeFailed)
	observability.EndSpanWithError(span, event.Cause)

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		e.logger.Debug("reorder failed after table closed, discarding",
			zap.String("operation_id", op.ID),
			zap.Int("failed", len(failed)),
		)
		e.settle(commit, result, start)
		return
	}

	e.logger.Warn("reorder not saved, reloading table",
		zap.String("operation_id", op.ID),
		zap.Int("failed", len(failed)),
		zap.Int("attempted", len(changed)),
		zap.Error(event.Cause),
	)
	if e.onFailure != nil {
		e.onFailure(event)
	}
	if e.reloader != nil {
		result.Reloaded = true
		if err := e.reloader.Reload(ctx); err != nil {
			e.metrics.RecordReload("error")
			e.logger.Error("reload after failed reorder", zap.Error(err))
		} else {
			e.metrics.RecordReload("ok")
		}
	}
	e.settle(commit, result, start)
}

// persistAll issues one write per assignment concurrently and collects every
// outcome; a failing write never short-circuits its siblings.
func (e *Engine) persistAll(ctx context.Context, changed []model.SequenceAssignment) []model.PersistOutcome {
	ch := make(chan model.PersistOutcome, len(changed))
	var wg sync.WaitGroup

	var sem chan struct{}
	if e.cfg.MaxConcurrent > 0 {
		sem = make(chan struct{}, e.cfg.MaxConcurrent)
	}

	for _, a := range changed {
		wg.Add(1)
		go func(a model.SequenceAssignment) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			ch <- model.PersistOutcome{Assignment: a, Err: e.persistOne(ctx, a)}
		}(a)
	}

	go func() {
		wg.Wait()
		close(ch)
	}()

	outcomes := make([]model.PersistOutcome, 0, len(changed))
	for o := range ch {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (e *Engine) persistOne(ctx context.Context, a model.SequenceAssignment) (err error) {
	ctx, span := observability.StartSpan(ctx, "reorder.persist_row",
		observability.AttrRowID.String(string(a.RowID)),
		observability.AttrSequence.Int(a.Sequence),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persist row %s: panic: %v", a.RowID, r)
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordPersist(status, time.Since(start))
		observability.EndSpanWithError(span, err)
	}()
	return e.persister.PersistRowOrder(ctx, a.RowID, a.Sequence)
}

func (e *Engine) settle(commit *Commit, result Result, start time.Time) {
	e.metrics.RecordReconcile(time.Since(start))
	e.mu.Lock()
	e.phase = PhaseIdle
	e.mu.Unlock()
	commit.finish(result)
}

func errorCode(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrBackendTimeout
	}
	return model.ErrInternalError
}
