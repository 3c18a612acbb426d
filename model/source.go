package model

import "context"

// DataParams describes a fetch request for a table's rows.
type DataParams struct {
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Sort     string            `json:"sort,omitempty"`
	SortDir  string            `json:"sort_dir,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
	Query    string            `json:"query,omitempty"`
}

// Page is the result of a fetch. TotalItems counts all matching rows, which
// is larger than len(Rows) when the source pages on the server.
type Page struct {
	Rows       []Row `json:"rows"`
	TotalItems int   `json:"total_items"`
}

// DataLoader fetches a table's collection. A zero Page/PageSize asks for
// every row.
type DataLoader interface {
	Fetch(ctx context.Context, params DataParams) (Page, error)
}

// RowOrderPersister writes one row's position to the remote store.
// Implementations must treat re-writing the current value as a no-op.
type RowOrderPersister interface {
	PersistRowOrder(ctx context.Context, id RowID, sequence int) error
}

// RowSource is a store that can both load and persist a table.
type RowSource interface {
	DataLoader
	RowOrderPersister
}

// DataLoaderFunc adapts a function to DataLoader.
type DataLoaderFunc func(ctx context.Context, params DataParams) (Page, error)

// Fetch calls f.
func (f DataLoaderFunc) Fetch(ctx context.Context, params DataParams) (Page, error) {
	return f(ctx, params)
}

// PersisterFunc adapts a function to RowOrderPersister.
type PersisterFunc func(ctx context.Context, id RowID, sequence int) error

// PersistRowOrder calls f.
func (f PersisterFunc) PersistRowOrder(ctx context.Context, id RowID, sequence int) error {
	return f(ctx, id, sequence)
}

// InvocationInput is a constructed backend request.
type InvocationInput struct {
	PathParams  map[string]string `json:"path_params,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
}

// InvocationResult is a backend response.
type InvocationResult struct {
	StatusCode int               `json:"status_code"`
	Body       any               `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}
