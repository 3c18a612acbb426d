package transport

import (
	"net/http"
	"strconv"

	"github.com/pitabwire/tabula/internal/reorder"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// dropResponse reports a committed reorder. Result is set only when the
// caller asked to wait for persistence to settle.
type dropResponse struct {
	Operation   model.ReorderOperation     `json:"operation"`
	Assignments []model.SequenceAssignment `json:"assignments"`
	Result      *persistResult             `json:"result,omitempty"`
	View        model.TableView            `json:"view"`
}

type persistResult struct {
	Written  int                  `json:"written"`
	Failed   int                  `json:"failed"`
	Error    *model.ErrorEnvelope `json:"error,omitempty"`
	Reloaded bool                 `json:"reloaded"`
}

func handleDragStart(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Index int     `json:"index"`
			X     float64 `json:"x"`
			Y     float64 `json:"y"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := loadedControllerFor(tables, w, r)
		if !ok {
			return
		}
		if err := c.PointerDown(body.Index, reorder.Point{X: body.X, Y: body.Y}); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleDragMove(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reorder.Point
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		c.PointerMove(body)
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleDragOver(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Index int `json:"index"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		c.Over(body.Index)
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleDragDrop(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Target int  `json:"target"`
			Valid  bool `json:"valid"`
		}{Valid: true}
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		commit, err := c.Drop(r.Context(), body.Target, body.Valid)
		writeDrop(w, r, c, commit, err)
	}
}

func handleDragCancel(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		c.Cancel()
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleKeyboardPickUp(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Index int `json:"index"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := loadedControllerFor(tables, w, r)
		if !ok {
			return
		}
		if err := c.KeyboardPickUp(body.Index); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleKeyboardMove(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Delta int `json:"delta"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		c.KeyboardMove(body.Delta)
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleKeyboardDrop(tables *table.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controllerFor(tables, w, r)
		if !ok {
			return
		}
		commit, err := c.KeyboardDrop(r.Context())
		writeDrop(w, r, c, commit, err)
	}
}

// writeDrop renders the outcome of a drop. A nil commit means the drop
// produced no reorder (same position or invalid target) and the view is
// returned as is. With ?wait=true the handler blocks until persistence
// settles and a failed write maps to its error status.
func writeDrop(w http.ResponseWriter, r *http.Request, c *table.Controller, commit *reorder.Commit, err error) {
	if err != nil {
		WriteError(w, err)
		return
	}
	if commit == nil {
		WriteJSON(w, http.StatusOK, c.View())
		return
	}

	resp := dropResponse{
		Operation:   commit.Operation(),
		Assignments: commit.Assignments(),
	}
	status := http.StatusAccepted
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		result, err := commit.Wait(r.Context())
		if err != nil {
			WriteError(w, model.NewBackendTimeoutError())
			return
		}
		resp.Result = summarize(result)
		status = http.StatusOK
		if result.Err != nil {
			status = StatusFor(result.Err)
		}
	}
	resp.View = c.View()
	WriteJSON(w, status, resp)
}

func summarize(result reorder.Result) *persistResult {
	out := &persistResult{Error: result.Err, Reloaded: result.Reloaded}
	for _, o := range result.Outcomes {
		if o.Err != nil {
			out.Failed++
		} else {
			out.Written++
		}
	}
	return out
}
