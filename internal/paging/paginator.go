package paging

import (
	"fmt"
	"slices"

	"github.com/pitabwire/tabula/model"
)

// DefaultPageSize applies when neither the table nor the config names one.
const DefaultPageSize = 25

// Control hands page state to the caller. When a Paginator has a Control it
// keeps no state of its own: reads go through Page/PageSize and writes are
// reported through the callbacks.
type Control struct {
	Page             func() int
	PageSize         func() int
	OnPageChange     func(page int)
	OnPageSizeChange func(size int)
}

// Config is the construction-time configuration of a Paginator.
type Config struct {
	Mode            string
	PageSizeOptions []int
	DefaultPageSize int
}

// Paginator tracks the current page of one table. It is not safe for
// concurrent use; the table controller serialises access.
type Paginator struct {
	control     *Control
	mode        string
	options     []int
	defaultSize int
	page        int
	size        int
}

// New creates a Paginator. A nil control makes it uncontrolled, starting at
// page 1 with the default page size.
func New(cfg Config, control *Control) *Paginator {
	size := cfg.DefaultPageSize
	if size < 1 {
		size = DefaultPageSize
	}
	mode := cfg.Mode
	if mode != model.PaginationServer {
		mode = model.PaginationClient
	}
	return &Paginator{
		control:     control,
		mode:        mode,
		options:     slices.Clone(cfg.PageSizeOptions),
		defaultSize: size,
		page:        1,
		size:        size,
	}
}

// Controlled reports whether page state lives with the caller.
func (p *Paginator) Controlled() bool {
	return p.control != nil
}

// Mode returns model.PaginationClient or model.PaginationServer.
func (p *Paginator) Mode() string {
	return p.mode
}

// Options returns the selectable page sizes.
func (p *Paginator) Options() []int {
	return slices.Clone(p.options)
}

// Page returns the current page, never below 1.
func (p *Paginator) Page() int {
	page := p.page
	if p.control != nil && p.control.Page != nil {
		page = p.control.Page()
	}
	return max(page, 1)
}

// PageSize returns the current page size, falling back to the default when
// the controller reports a non-positive size.
func (p *Paginator) PageSize() int {
	size := p.size
	if p.control != nil && p.control.PageSize != nil {
		size = p.control.PageSize()
	}
	if size < 1 {
		return p.defaultSize
	}
	return size
}

// SetPage moves to page, raising values below 1 to 1. Pages past the end are
// accepted; they render as an empty slice.
func (p *Paginator) SetPage(page int) {
	page = max(page, 1)
	if p.control != nil {
		if p.control.OnPageChange != nil {
			p.control.OnPageChange(page)
		}
		return
	}
	p.page = page
}

// SetPageSize changes the page size and always returns to page 1. Sizes not
// listed in the configured options are rejected.
func (p *Paginator) SetPageSize(size int) error {
	if size < 1 {
		return model.NewValidationError([]model.FieldError{{
			Field: "page_size", Code: "INVALID", Message: "page size must be positive",
		}})
	}
	if len(p.options) > 0 && !slices.Contains(p.options, size) {
		return model.NewValidationError([]model.FieldError{{
			Field:   "page_size",
			Code:    "NOT_AN_OPTION",
			Message: fmt.Sprintf("page size %d is not one of %v", size, p.options),
		}})
	}
	if p.control != nil {
		if p.control.OnPageSizeChange != nil {
			p.control.OnPageSizeChange(size)
		}
		if p.control.OnPageChange != nil {
			p.control.OnPageChange(1)
		}
		return nil
	}
	p.size = size
	p.page = 1
	return nil
}

// Reset returns to page 1, as after a filter change.
func (p *Paginator) Reset() {
	p.SetPage(1)
}

// Offset returns the number of items before the current page.
func (p *Paginator) Offset() int {
	return (p.Page() - 1) * p.PageSize()
}

// Visible returns the rows to render. In client mode rows is the whole
// collection and is sliced; in server mode rows is already the page.
func (p *Paginator) Visible(rows []model.Row) []model.Row {
	if p.mode == model.PaginationServer {
		return rows
	}
	return Slice(rows, p.Page(), p.PageSize())
}

// State returns the pagination state for totalItems.
func (p *Paginator) State(totalItems int) model.PaginationState {
	return State(p.Page(), p.PageSize(), totalItems)
}

// Request builds the fetch parameters for the loader. Client mode asks for
// every row; server mode asks for the current page.
func (p *Paginator) Request(sort model.SortState, filters map[string]string) model.DataParams {
	params := model.DataParams{Filters: filters}
	if p.mode != model.PaginationServer {
		return params
	}
	params.Page = p.Page()
	params.PageSize = p.PageSize()
	if sort = sort.Normalize(); sort.Active() {
		params.Sort = sort.Key
		params.SortDir = string(sort.Direction)
	}
	return params
}
