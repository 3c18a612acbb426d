package sorting

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fvbommel/sortorder"
	"golang.org/x/text/collate"
	"golang.org/x/text/unicode/norm"
)

// newComparer returns a value comparison for one Sort call. A collate.Collator
// keeps internal buffers, so each call gets its own.
func (e *Engine) newComparer() func(a, b any) int {
	var compareText func(a, b string) int
	if e.collation == CollationNatural {
		compareText = naturalCompare
	} else {
		col := collate.New(e.locale)
		compareText = col.CompareString
	}

	// Numbers rank ahead of text so a column mixing the two still sorts
	// under a transitive order.
	return func(a, b any) int {
		an, aNum := numeric(a)
		bn, bNum := numeric(b)
		switch {
		case aNum && bNum:
			return cmp.Compare(an, bn)
		case aNum:
			return -1
		case bNum:
			return 1
		}
		return compareText(project(a), project(b))
	}
}

func naturalCompare(a, b string) int {
	switch {
	case a == b:
		return 0
	case sortorder.NaturalLess(a, b):
		return -1
	default:
		return 1
	}
}

// numeric converts Go and JSON number types. Strings are never coerced.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// project renders a value as the lowercased, NFC-normalised string that
// text comparison works on.
func project(v any) string {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	case time.Time:
		s = x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	return strings.ToLower(norm.NFC.String(s))
}
