package definition

import (
	"slices"
	"testing"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

var testDefaults = config.TablesConfig{
	PageSizeOptions:        []int{10, 20, 50},
	DefaultPageSize:        20,
	DragActivationDistance: 8,
}

func TestLoader_LoadFile(t *testing.T) {
	f, err := NewLoader(testDefaults).LoadFile("testdata/tables/parking.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if f.Domain != "parking" || f.Version != "1.0.0" {
		t.Errorf("Domain/Version = %q/%q", f.Domain, f.Version)
	}
	if len(f.Tables) != 1 {
		t.Fatalf("Tables = %d, want 1", len(f.Tables))
	}
	tbl := f.Tables[0]
	if tbl.ID != "parking-spots" || tbl.IDField != "code" {
		t.Errorf("table = %q id_field %q", tbl.ID, tbl.IDField)
	}
	if len(tbl.Columns) != 4 || tbl.Columns[3].Type != "number" {
		t.Errorf("columns = %+v", tbl.Columns)
	}
	if tbl.DragHandle != "drag" || !tbl.Reorderable {
		t.Errorf("drag handle = %q, reorderable = %v", tbl.DragHandle, tbl.Reorderable)
	}
	if tbl.Pagination.Mode != model.PaginationServer || tbl.Pagination.DefaultPageSize != 10 {
		t.Errorf("pagination = %+v", tbl.Pagination)
	}
	if !slices.Equal(tbl.Pagination.PageSizeOptions, []int{10, 20}) {
		t.Errorf("declared page sizes were overridden: %v", tbl.Pagination.PageSizeOptions)
	}
	if tbl.Source.Reorder.IDParam != "spotId" {
		t.Errorf("reorder binding = %+v", tbl.Source.Reorder)
	}
	if f.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if f.SourceFile != "testdata/tables/parking.yaml" {
		t.Errorf("SourceFile = %q", f.SourceFile)
	}
}

func TestLoader_LoadFile_appliesDefaults(t *testing.T) {
	f, err := NewLoader(testDefaults).LoadFile("testdata/tables/household/chores.yml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	tbl := f.Tables[0]

	if tbl.IDField != model.DefaultIDField || tbl.SequenceField != model.DefaultSequenceField {
		t.Errorf("fields = %q/%q", tbl.IDField, tbl.SequenceField)
	}
	if tbl.Source.Kind != model.SourceStore || tbl.Source.Collection != "chores" {
		t.Errorf("source = %+v, want store collection chores", tbl.Source)
	}
	if tbl.Pagination.Mode != model.PaginationClient {
		t.Errorf("mode = %q, want client", tbl.Pagination.Mode)
	}
	if !slices.Equal(tbl.Pagination.PageSizeOptions, testDefaults.PageSizeOptions) || tbl.Pagination.DefaultPageSize != 20 {
		t.Errorf("pagination = %+v", tbl.Pagination)
	}
	if tbl.DragActivationDistance != 8 {
		t.Errorf("DragActivationDistance = %v, want 8", tbl.DragActivationDistance)
	}
	if tbl.SortDir != "asc" {
		t.Errorf("SortDir = %q, want asc for a default sort", tbl.SortDir)
	}
	if tbl.ItemName != "items" {
		t.Errorf("ItemName = %q, want items", tbl.ItemName)
	}
}

func TestLoader_LoadFile_defaultsDoNotAlias(t *testing.T) {
	l := NewLoader(testDefaults)
	f, _ := l.LoadFile("testdata/tables/household/chores.yml")
	f.Tables[0].Pagination.PageSizeOptions[0] = 99

	if l.defaults.PageSizeOptions[0] != 10 {
		t.Error("mutating a loaded table changed the loader defaults")
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	if _, err := NewLoader(testDefaults).LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() should return error for missing file")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	if _, err := NewLoader(testDefaults).LoadFile("testdata/broken/bad.yaml"); err == nil {
		t.Fatal("LoadFile() should return error for malformed YAML")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	files, err := NewLoader(testDefaults).LoadAll([]string{"testdata/tables"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("LoadAll() = %d files, want 2 (README ignored)", len(files))
	}
	domains := []string{files[0].Domain, files[1].Domain}
	slices.Sort(domains)
	if !slices.Equal(domains, []string{"household", "parking"}) {
		t.Errorf("domains = %v", domains)
	}
}

func TestLoader_LoadAll_missingDirectory(t *testing.T) {
	if _, err := NewLoader(testDefaults).LoadAll([]string{"testdata/nope"}); err == nil {
		t.Fatal("LoadAll() should fail for a missing directory")
	}
}

func TestLoader_LoadAll_propagatesParseErrors(t *testing.T) {
	if _, err := NewLoader(testDefaults).LoadAll([]string{"testdata/broken"}); err == nil {
		t.Fatal("LoadAll() should fail on malformed YAML")
	}
}
