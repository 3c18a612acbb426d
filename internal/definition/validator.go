package definition

import (
	"fmt"
	"net/http"

	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definitions structurally, referentially, and against OpenAPI specs.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var (
	validColumnTypes = map[string]bool{"": true, "text": true, "number": true, "date": true, "boolean": true}
	validSortDirs    = map[string]bool{"": true, "asc": true, "desc": true}
	validModes       = map[string]bool{model.PaginationClient: true, model.PaginationServer: true}
	validKinds       = map[string]bool{model.SourceStore: true, model.SourceOpenAPI: true}
)

// Validate checks all files. The index may be nil to skip OpenAPI checks.
func (v *Validator) Validate(files []model.TableFile, index *openapi.Index) []VError {
	var errs []VError
	seen := make(map[string]string)
	domains := make(map[string]string)

	for i, f := range files {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if f.SourceFile != "" {
			prefix = f.SourceFile
		}

		if f.Domain == "" {
			errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
		} else if other, dup := domains[f.Domain]; dup {
			errs = append(errs, VError{Path: prefix + ".domain", Code: "DUPLICATE", Message: fmt.Sprintf("domain %q already declared in %s", f.Domain, other)})
		} else {
			domains[f.Domain] = prefix
		}
		if f.Version == "" {
			errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
		}
		if len(f.Tables) == 0 {
			errs = append(errs, VError{Path: prefix + ".tables", Code: "REQUIRED", Message: "at least one table is required"})
		}

		for j, t := range f.Tables {
			tp := fmt.Sprintf("%s.tables[%d]", prefix, j)
			if t.ID != "" {
				if other, dup := seen[t.ID]; dup {
					errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("table %q already declared at %s", t.ID, other)})
				}
				seen[t.ID] = tp
			}
			errs = append(errs, v.validateTable(tp, t, index)...)
		}
	}
	return errs
}

func (v *Validator) validateTable(prefix string, t model.TableDefinition, index *openapi.Index) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if t.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: "REQUIRED", Message: "title is required"})
	}
	if len(t.Columns) == 0 {
		errs = append(errs, VError{Path: prefix + ".columns", Code: "REQUIRED", Message: "at least one column is required"})
	}

	columns := make(map[string]model.ColumnDefinition, len(t.Columns))
	for i, c := range t.Columns {
		cp := fmt.Sprintf("%s.columns[%d]", prefix, i)
		switch {
		case c.Key == "":
			errs = append(errs, VError{Path: cp + ".key", Code: "REQUIRED", Message: "key is required"})
		case columns[c.Key].Key != "":
			errs = append(errs, VError{Path: cp + ".key", Code: "DUPLICATE", Message: fmt.Sprintf("column %q declared twice", c.Key)})
		default:
			columns[c.Key] = c
		}
		if !validColumnTypes[c.Type] {
			errs = append(errs, VError{Path: cp + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid column type %q", c.Type)})
		}
	}

	if t.DragHandle != "" {
		if _, ok := columns[t.DragHandle]; !ok {
			errs = append(errs, VError{Path: prefix + ".drag_handle", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("drag handle column %q not found", t.DragHandle)})
		}
	}
	if t.DragActivationDistance < 0 {
		errs = append(errs, VError{Path: prefix + ".drag_activation_distance", Code: "RANGE", Message: "drag_activation_distance must not be negative"})
	}

	if t.DefaultSort != "" {
		c, ok := columns[t.DefaultSort]
		if !ok {
			errs = append(errs, VError{Path: prefix + ".default_sort", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("column %q not found", t.DefaultSort)})
		} else if !c.Sortable {
			errs = append(errs, VError{Path: prefix + ".default_sort", Code: "NOT_SORTABLE", Message: fmt.Sprintf("column %q is not sortable", t.DefaultSort)})
		}
	}
	if !validSortDirs[t.SortDir] {
		errs = append(errs, VError{Path: prefix + ".sort_dir", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid sort direction %q", t.SortDir)})
	}

	errs = append(errs, v.validatePagination(prefix+".pagination", t.Pagination)...)
	errs = append(errs, v.validateSource(prefix+".source", t, index)...)
	return errs
}

func (v *Validator) validatePagination(prefix string, p model.PaginationDefinition) []VError {
	var errs []VError

	if !validModes[p.Mode] {
		errs = append(errs, VError{Path: prefix + ".mode", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid pagination mode %q", p.Mode)})
	}
	seen := make(map[int]bool, len(p.PageSizeOptions))
	for i, size := range p.PageSizeOptions {
		if size < 1 || size > 500 {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.page_size_options[%d]", prefix, i), Code: "RANGE", Message: "page sizes must be 1-500"})
		}
		if seen[size] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.page_size_options[%d]", prefix, i), Code: "DUPLICATE", Message: fmt.Sprintf("page size %d listed twice", size)})
		}
		seen[size] = true
	}
	if p.DefaultPageSize < 0 {
		errs = append(errs, VError{Path: prefix + ".default_page_size", Code: "RANGE", Message: "default_page_size must not be negative"})
	} else if p.DefaultPageSize > 0 && len(p.PageSizeOptions) > 0 && !seen[p.DefaultPageSize] {
		errs = append(errs, VError{Path: prefix + ".default_page_size", Code: "NOT_AN_OPTION", Message: fmt.Sprintf("default page size %d is not one of the page size options", p.DefaultPageSize)})
	}
	return errs
}

func (v *Validator) validateSource(prefix string, t model.TableDefinition, index *openapi.Index) []VError {
	var errs []VError
	src := t.Source

	if !validKinds[src.Kind] {
		return append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid source kind %q", src.Kind)})
	}
	if src.Kind != model.SourceOpenAPI {
		return errs
	}

	if !src.List.Defined() {
		errs = append(errs, VError{Path: prefix + ".list", Code: "REQUIRED", Message: "list operation is required for openapi sources"})
	}
	if t.Reorderable && !src.Reorder.Defined() {
		errs = append(errs, VError{Path: prefix + ".reorder", Code: "REQUIRED", Message: "reorder operation is required for reorderable openapi tables"})
	}
	if index == nil {
		return errs
	}

	if src.List.Defined() {
		op, ok := index.GetOperation(src.List.ServiceID, src.List.OperationID)
		switch {
		case !ok:
			errs = append(errs, operationNotFound(prefix+".list", src.List))
		case op.Method != http.MethodGet:
			errs = append(errs, VError{Path: prefix + ".list.operation_id", Code: "INVALID_METHOD", Message: fmt.Sprintf("list operation %q must be a GET, not %s", src.List.OperationID, op.Method)})
		}
	}

	if src.Reorder.Defined() {
		op, ok := index.GetOperation(src.Reorder.ServiceID, src.Reorder.OperationID)
		if !ok {
			errs = append(errs, operationNotFound(prefix+".reorder", src.Reorder))
			return errs
		}
		if src.Reorder.IDParam != "" {
			if _, ok := op.Parameter("path", src.Reorder.IDParam); !ok {
				errs = append(errs, VError{Path: prefix + ".reorder.id_param", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("operation %q has no path parameter %q", src.Reorder.OperationID, src.Reorder.IDParam)})
			}
		} else if !hasPathParam(op) {
			errs = append(errs, VError{Path: prefix + ".reorder.id_param", Code: "REQUIRED", Message: fmt.Sprintf("operation %q has no path parameter to carry the row id", src.Reorder.OperationID)})
		}
	}
	return errs
}

func operationNotFound(path string, b model.OperationBinding) VError {
	return VError{
		Path:    path + ".operation_id",
		Code:    "OPERATION_NOT_FOUND",
		Message: fmt.Sprintf("operation %q not found in service %q", b.OperationID, b.ServiceID),
	}
}

func hasPathParam(op openapi.IndexedOperation) bool {
	for _, p := range op.Parameters {
		if p.In == "path" {
			return true
		}
	}
	return false
}
