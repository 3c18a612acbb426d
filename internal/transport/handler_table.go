package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

const maxBodyBytes = 1 << 20

func handleListTables(catalog TableCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs := catalog.AllTables()
		out := make([]model.TableDescriptor, 0, len(defs))
		for _, def := range defs {
			out = append(out, table.Describe(def))
		}
		slices.SortFunc(out, func(a, b model.TableDescriptor) int {
			return strings.Compare(a.ID, b.ID)
		})
		WriteJSON(w, http.StatusOK, map[string]any{"tables": out})
	}
}

func handleDescribeTable(catalog TableCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tableID := chi.URLParam(r, "tableId")
		def, ok := catalog.GetTable(tableID)
		if !ok {
			WriteNotFound(w, "table "+tableID+" not found")
			return
		}
		WriteJSON(w, http.StatusOK, table.Describe(def))
	}
}

func handleView(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		// A failed first load still renders: the view carries the error state.
		_ = c.EnsureLoaded(r.Context())
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleLoad(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		if err := c.Reload(r.Context()); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleSort(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Key string `json:"key"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Key == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "key", Code: "REQUIRED", Message: "key is required"},
			})
			return
		}
		c, ok := loadedControllerFor(tables, w, r)
		if !ok {
			return
		}
		if _, err := c.ToggleSort(r.Context(), body.Key); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handlePage(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Page int `json:"page"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := loadedControllerFor(tables, w, r)
		if !ok {
			return
		}
		if err := c.SetPage(r.Context(), body.Page); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handlePageSize(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PageSize int `json:"page_size"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := loadedControllerFor(tables, w, r)
		if !ok {
			return
		}
		if err := c.SetPageSize(r.Context(), body.PageSize); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleFilters(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Filters map[string]string `json:"filters"`
			Query   string            `json:"query"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		if err := c.SetFilters(r.Context(), body.Filters, body.Query); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleDismissNotice(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		if !c.DismissNotice(chi.URLParam(r, "noticeId")) {
			WriteNotFound(w, "notice not found")
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleReleaseSession(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := caller(w, r)
		if !ok {
			return
		}
		tables.Release(rctx, chi.URLParam(r, "tableId"))
		w.WriteHeader(http.StatusNoContent)
	}
}

// caller returns the authenticated identity. Sessions are keyed by tenant and
// subject, so a token missing either is refused.
func caller(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	if err := rctx.Validate(); err != nil {
		WriteError(w, model.NewUnauthorizedError(err.Error()))
		return nil, false
	}
	return rctx, true
}

// controllerFor resolves the caller's session for the routed table.
func controllerFor(tables *table.Manager, w http.ResponseWriter, r *http.Request) (*table.Controller, bool) {
	rctx, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	c, err := tables.Get(rctx, chi.URLParam(r, "tableId"))
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	return c, true
}

// loadedControllerFor is controllerFor for actions that only make sense on a
// table with rows, so the first call on a fresh session loads it.
func loadedControllerFor(tables *table.Manager, w http.ResponseWriter, r *http.Request) (*table.Controller, bool) {
	c, ok := controllerFor(tables, w, r)
	if !ok {
		return nil, false
	}
	if err := c.EnsureLoaded(r.Context()); err != nil {
		WriteError(w, err)
		return nil, false
	}
	return c, true
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}
