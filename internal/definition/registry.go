package definition

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/tabula/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	files  map[string]model.TableFile
	tables map[string]model.TableDefinition
	// tableSums maps a table ID to the checksum of the file declaring it.
	tableSums map[string]string
	ids       []string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given files.
func NewRegistry(files []model.TableFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a snapshot built from
// files and returns the IDs of tables that were added, removed or changed.
func (r *Registry) Replace(files []model.TableFile) []string {
	s := &snapshot{
		files:     make(map[string]model.TableFile, len(files)),
		tables:    make(map[string]model.TableDefinition),
		tableSums: make(map[string]string),
	}

	checksumParts := make([]string, 0, len(files))
	for _, f := range files {
		s.files[f.Domain] = f
		checksumParts = append(checksumParts, f.Checksum)
		for _, t := range f.Tables {
			s.tables[t.ID] = t
			s.tableSums[t.ID] = f.Checksum
			s.ids = append(s.ids, t.ID)
		}
	}
	slices.Sort(s.ids)

	slices.Sort(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	old := r.snap.Swap(s)
	return changedTables(old, s)
}

func changedTables(old, next *snapshot) []string {
	if old == nil {
		return nil
	}
	var changed []string
	for id, sum := range old.tableSums {
		if next.tableSums[id] != sum {
			changed = append(changed, id)
		}
	}
	for id := range next.tableSums {
		if _, ok := old.tableSums[id]; !ok {
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return changed
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetTable returns the table definition with the given ID.
func (r *Registry) GetTable(tableID string) (model.TableDefinition, bool) {
	t, ok := r.current().tables[tableID]
	return t, ok
}

// GetFile returns the definition file for a domain.
func (r *Registry) GetFile(domain string) (model.TableFile, bool) {
	f, ok := r.current().files[domain]
	return f, ok
}

// TableIDs returns every table ID, sorted.
func (r *Registry) TableIDs() []string {
	return slices.Clone(r.current().ids)
}

// AllTables returns every table definition in ID order.
func (r *Registry) AllTables() []model.TableDefinition {
	s := r.current()
	out := make([]model.TableDefinition, len(s.ids))
	for i, id := range s.ids {
		out[i] = s.tables[id]
	}
	return out
}

// Len returns the number of tables.
func (r *Registry) Len() int {
	return len(r.current().tables)
}

// Loaded reports whether at least one table is registered.
func (r *Registry) Loaded() bool {
	return r.Len() > 0
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
