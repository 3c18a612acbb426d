package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

const (
	defaultItemsPath = "items"
	defaultTotalPath = "total"
)

// BackendSource loads and reorders a table's rows through the backend
// operations named in its definition.
type BackendSource struct {
	client        *Client
	tableID       string
	list          model.OperationBinding
	reorder       model.OperationBinding
	pagination    config.PaginationConfig
	itemsPath     string
	totalPath     string
	idField       string
	sequenceField string
	logger        *zap.Logger
}

// NewBackendSource binds def to the client. The list operation must exist in
// the client's index. The reorder operation is optional; without it the
// source rejects every persist.
func NewBackendSource(c *Client, def model.TableDefinition, logger *zap.Logger) (*BackendSource, error) {
	src := def.Source
	if !src.List.Defined() {
		return nil, fmt.Errorf("invoker: table %q has no list operation", def.ID)
	}
	if _, ok := c.index.GetOperation(src.List.ServiceID, src.List.OperationID); !ok {
		return nil, fmt.Errorf("invoker: table %q: list operation %s/%s not found",
			def.ID, src.List.ServiceID, src.List.OperationID)
	}
	svc, ok := c.Service(src.List.ServiceID)
	if !ok {
		return nil, fmt.Errorf("invoker: table %q: service %q not configured", def.ID, src.List.ServiceID)
	}
	if src.Reorder.Defined() {
		if _, ok := c.index.GetOperation(src.Reorder.ServiceID, src.Reorder.OperationID); !ok {
			return nil, fmt.Errorf("invoker: table %q: reorder operation %s/%s not found",
				def.ID, src.Reorder.ServiceID, src.Reorder.OperationID)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &BackendSource{
		client:        c,
		tableID:       def.ID,
		list:          src.List,
		reorder:       src.Reorder,
		pagination:    svc.Pagination,
		itemsPath:     src.ItemsPath,
		totalPath:     src.TotalPath,
		idField:       def.IDField,
		sequenceField: def.SequenceField,
		logger:        logger.With(zap.String("table_id", def.ID)),
	}
	if b.itemsPath == "" {
		b.itemsPath = defaultItemsPath
	}
	if b.totalPath == "" {
		b.totalPath = defaultTotalPath
	}
	if b.sequenceField == "" {
		b.sequenceField = model.DefaultSequenceField
	}
	return b, nil
}

// Fetch calls the list operation. Filters travel as query parameters under
// their own names.
func (b *BackendSource) Fetch(ctx context.Context, params model.DataParams) (model.Page, error) {
	query := make(map[string]string, len(params.Filters)+5)
	for k, v := range params.Filters {
		query[k] = v
	}
	if params.PageSize > 0 {
		query[paramName(b.pagination.PageParam, "page")] = strconv.Itoa(max(params.Page, 1))
		query[paramName(b.pagination.SizeParam, "page_size")] = strconv.Itoa(params.PageSize)
	}
	if params.Sort != "" {
		query[paramName(b.pagination.SortParam, "sort")] = params.Sort
		if params.SortDir != "" {
			query[paramName(b.pagination.SortDirParam, "sort_dir")] = params.SortDir
		}
	}
	if params.Query != "" {
		query["q"] = params.Query
	}

	result, err := b.client.Invoke(ctx, model.RequestContextFrom(ctx), b.list, model.InvocationInput{QueryParams: query})
	if err != nil {
		return model.Page{}, err
	}
	if result.StatusCode >= 300 {
		return model.Page{}, classifyStatus(result, "list "+b.tableID)
	}

	records, err := extractItems(result.Body, b.itemsPath)
	if err != nil {
		return model.Page{}, fmt.Errorf("invoker: table %q: %w", b.tableID, err)
	}
	total, ok := extractTotal(result, b.totalPath)
	if !ok {
		total = len(records)
	}
	return model.Page{
		Rows:       model.RowsFromRecords(records, b.idField, b.sequenceField),
		TotalItems: total,
	}, nil
}

// PersistRowOrder writes one row's sequence through the reorder operation.
// The body is validated against the operation's request schema first.
func (b *BackendSource) PersistRowOrder(ctx context.Context, id model.RowID, sequence int) error {
	if !b.reorder.Defined() {
		return model.NewBadRequestError(fmt.Sprintf("table %q has no reorder operation", b.tableID))
	}
	op, _ := b.client.index.GetOperation(b.reorder.ServiceID, b.reorder.OperationID)

	idParam := b.reorder.IDParam
	if idParam == "" {
		for _, p := range op.Parameters {
			if p.In == "path" {
				idParam = p.Name
				break
			}
		}
	}

	body := map[string]any{b.sequenceField: sequence}
	if verrs := b.client.index.ValidateRequest(b.reorder.ServiceID, b.reorder.OperationID, body); len(verrs) > 0 {
		details := make([]model.FieldError, len(verrs))
		for i, v := range verrs {
			details[i] = model.FieldError{Field: v.Field, Code: "INVALID", Message: v.Message}
		}
		return model.NewValidationError(details)
	}

	input := model.InvocationInput{Body: body}
	if idParam != "" {
		input.PathParams = map[string]string{idParam: string(id)}
	}

	start := time.Now()
	result, err := b.client.Invoke(ctx, model.RequestContextFrom(ctx), b.reorder, input)
	if err != nil {
		return err
	}
	if result.StatusCode >= 300 {
		return classifyStatus(result, fmt.Sprintf("row %s", id))
	}
	observability.LoggerFrom(ctx, b.logger).Debug("row position persisted",
		zap.String("row_id", string(id)),
		zap.Int("sequence", sequence),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// classifyStatus maps a non-2xx backend response to an error envelope.
func classifyStatus(result model.InvocationResult, subject string) error {
	msg := backendMessage(result.Body)
	switch {
	case result.StatusCode == http.StatusNotFound:
		if msg == "" {
			msg = subject + " not found"
		}
		return model.NewNotFoundError(msg)
	case result.StatusCode == http.StatusConflict:
		if msg == "" {
			msg = subject + " conflicts with the current state"
		}
		return model.NewConflictError(msg)
	case result.StatusCode == http.StatusTooManyRequests:
		return model.NewRateLimitedError()
	case result.StatusCode == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case result.StatusCode >= 500:
		return model.NewBackendUnavailableError()
	case result.StatusCode >= 400:
		if msg == "" {
			msg = fmt.Sprintf("backend rejected %s with status %d", subject, result.StatusCode)
		}
		return model.NewBadRequestError(msg)
	}
	return fmt.Errorf("invoker: unexpected status %d for %s", result.StatusCode, subject)
}

func backendMessage(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"message", "error"} {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}

func paramName(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// lookup walks a dot-separated path through nested objects.
func lookup(body any, path string) (any, bool) {
	cur := body
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// extractItems returns the records at path. A bare array body is accepted
// as the item list.
func extractItems(body any, path string) ([]map[string]any, error) {
	raw, ok := body.([]any)
	if !ok {
		v, found := lookup(body, path)
		if !found {
			return nil, fmt.Errorf("response has no %q list", path)
		}
		if raw, ok = v.([]any); !ok {
			return nil, fmt.Errorf("response field %q is %T, not a list", path, v)
		}
	}
	records := make([]map[string]any, 0, len(raw))
	for i, item := range raw {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d is %T, not an object", i, item)
		}
		records = append(records, rec)
	}
	return records, nil
}

// extractTotal reads the total count from the body, falling back to the
// X-Total-Count response header.
func extractTotal(result model.InvocationResult, path string) (int, bool) {
	if v, ok := lookup(result.Body, path); ok {
		switch n := v.(type) {
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i), true
			}
		case float64:
			return int(n), true
		}
	}
	if h := result.Headers["X-Total-Count"]; h != "" {
		if i, err := strconv.Atoi(h); err == nil {
			return i, true
		}
	}
	return 0, false
}
