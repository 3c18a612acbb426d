package integration

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/pitabwire/tabula/model"
)

// SpotsFixture is a stateful parking-svc. listSpots pages the spots in
// sequence order unless a sort is requested; reorderSpot stores the new
// sequence of one spot.
type SpotsFixture struct {
	mu     sync.Mutex
	spots  []map[string]any
	reject map[string]bool
}

// NewSpotsFixture creates n spots S01..Sn with sequences 1..n.
func NewSpotsFixture(n int) *SpotsFixture {
	f := &SpotsFixture{reject: make(map[string]bool)}
	for i := 1; i <= n; i++ {
		f.spots = append(f.spots, map[string]any{
			"code":     fmt.Sprintf("S%02d", i),
			"bay":      fmt.Sprintf("bay-%c", 'a'+rune((n-i)%26)),
			"level":    i % 3,
			"sequence": i,
		})
	}
	return f
}

// Install makes the fixture answer the backend's list and reorder calls.
func (f *SpotsFixture) Install(mb *MockBackend) *SpotsFixture {
	mb.OnOperation("listSpots").RespondUsing(f.list)
	mb.OnOperation("reorderSpot").RespondUsing(f.reorder)
	return f
}

// Reject makes reorderSpot fail for code.
func (f *SpotsFixture) Reject(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[code] = true
}

// Order returns the spot codes in stored sequence order.
func (f *SpotsFixture) Order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ordered := f.orderedLocked("", "")
	out := make([]string, len(ordered))
	for i, s := range ordered {
		out[i] = s["code"].(string)
	}
	return out
}

// Sequence returns the stored sequence of code.
func (f *SpotsFixture) Sequence(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.spots {
		if s["code"] == code {
			return s["sequence"].(int)
		}
	}
	return 0
}

func (f *SpotsFixture) list(req *RecordedRequest) (int, any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ordered := f.orderedLocked(req.QueryParams["sort"], req.QueryParams["sort_dir"])
	if level := req.QueryParams["level"]; level != "" {
		ordered = slices.DeleteFunc(ordered, func(s map[string]any) bool {
			return strconv.Itoa(s["level"].(int)) != level
		})
	}
	total := len(ordered)

	page, _ := strconv.Atoi(req.QueryParams["page"])
	size, _ := strconv.Atoi(req.QueryParams["page_size"])
	if page >= 1 && size >= 1 {
		start := min((page-1)*size, total)
		ordered = ordered[start:min(start+size, total)]
	}
	return http.StatusOK, map[string]any{"items": ordered, "total": total}
}

func (f *SpotsFixture) reorder(req *RecordedRequest) (int, any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	code := req.PathParams["spotId"]
	if f.reject[code] {
		return http.StatusServiceUnavailable, map[string]any{"message": "position store unavailable"}
	}
	seq, ok := req.Body["sequence"].(float64)
	if !ok {
		return http.StatusBadRequest, map[string]any{"message": "sequence is required"}
	}
	for _, s := range f.spots {
		if s["code"] == code {
			s["sequence"] = int(seq)
			return http.StatusNoContent, nil
		}
	}
	return http.StatusNotFound, map[string]any{"message": "unknown spot " + code}
}

// orderedLocked returns copies of the spots, sorted by key or by sequence.
// Ties keep insertion order.
func (f *SpotsFixture) orderedLocked(key, dir string) []map[string]any {
	out := make([]map[string]any, len(f.spots))
	for i, s := range f.spots {
		out[i] = map[string]any{"code": s["code"], "bay": s["bay"], "level": s["level"], "sequence": s["sequence"]}
	}
	if key == "" {
		key = "sequence"
	}
	slices.SortStableFunc(out, func(a, b map[string]any) int {
		var c int
		switch av := a[key].(type) {
		case int:
			c = cmp.Compare(av, b[key].(int))
		default:
			c = cmp.Compare(fmt.Sprint(av), fmt.Sprint(b[key]))
		}
		if dir == "desc" {
			return -c
		}
		return c
	})
	return out
}

// Chores returns store rows for the household chores table.
func Chores() []model.Row {
	names := []string{"dishes", "Laundry", "vacuum", "Bins", "windows"}
	minutes := []int{15, 45, 30, 5, 60}
	rows := make([]model.Row, len(names))
	for i, name := range names {
		rows[i] = model.Row{
			ID:       model.RowID(fmt.Sprintf("c%d", i+1)),
			Sequence: i + 1,
			Fields:   map[string]any{"name": name, "minutes": minutes[i]},
		}
	}
	return rows
}
