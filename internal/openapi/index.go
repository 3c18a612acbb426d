// Package openapi indexes backend OpenAPI documents by operationId so table
// sources can be bound to list and reorder operations.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource is one backend document to index.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// IndexedOperation is an operation resolved against its service. Parameters
// holds path-item parameters followed by the operation's own.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
	BaseURL      string
}

// Parameter finds a parameter by location ("path", "query", "header") and
// name.
func (op IndexedOperation) Parameter(in, name string) (*openapi3.Parameter, bool) {
	i := slices.IndexFunc(op.Parameters, func(p *openapi3.Parameter) bool {
		return p.In == in && p.Name == name
	})
	if i < 0 {
		return nil, false
	}
	return op.Parameters[i], true
}

// jsonSchema returns the application/json request schema, or nil.
func (op IndexedOperation) jsonSchema() *openapi3.Schema {
	if op.RequestBody == nil {
		return nil
	}
	mt := op.RequestBody.Content.Get("application/json")
	if mt == nil || mt.Schema == nil {
		return nil
	}
	return mt.Schema.Value
}

// ValidationError is one schema violation in a request body.
type ValidationError struct {
	Field   string
	Message string
}

// Index maps service ID to operation ID to operation. It is built once by
// Load and read concurrently afterwards.
type Index struct {
	services map[string]map[string]IndexedOperation
}

func NewIndex() *Index {
	return &Index{services: map[string]map[string]IndexedOperation{}}
}

// Load parses and validates each document and indexes every operation that
// has an operationId. External refs are refused. The base URL falls back to
// the document's first server.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}
		if err := doc.Validate(context.Background()); err != nil {
			return fmt.Errorf("openapi: validating %s: %w", src.ServiceID, err)
		}

		base := src.BaseURL
		if base == "" && len(doc.Servers) > 0 {
			base = doc.Servers[0].URL
		}
		ops := idx.services[src.ServiceID]
		if ops == nil {
			ops = map[string]IndexedOperation{}
			idx.services[src.ServiceID] = ops
		}
		for path, item := range doc.Paths.Map() {
			for method, op := range item.Operations() {
				if op.OperationID == "" {
					continue
				}
				ops[op.OperationID] = IndexedOperation{
					ServiceID:    src.ServiceID,
					OperationID:  op.OperationID,
					Method:       method,
					PathTemplate: path,
					Parameters:   append(derefParams(item.Parameters), derefParams(op.Parameters)...),
					RequestBody:  derefBody(op.RequestBody),
					Responses:    op.Responses,
					BaseURL:      base,
				}
			}
		}
	}
	return nil
}

func derefParams(refs openapi3.Parameters) []*openapi3.Parameter {
	out := make([]*openapi3.Parameter, 0, len(refs))
	for _, ref := range refs {
		if ref != nil && ref.Value != nil {
			out = append(out, ref.Value)
		}
	}
	return out
}

func derefBody(ref *openapi3.RequestBodyRef) *openapi3.RequestBody {
	if ref == nil {
		return nil
	}
	return ref.Value
}

func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	op, ok := idx.services[serviceID][operationID]
	return op, ok
}

// AllOperationIDs lists a service's operations in sorted order.
func (idx *Index) AllOperationIDs(serviceID string) []string {
	return slices.Sorted(maps.Keys(idx.services[serviceID]))
}

// Services lists the indexed service IDs in sorted order.
func (idx *Index) Services() []string {
	return slices.Sorted(maps.Keys(idx.services))
}

// Len counts operations across all services.
func (idx *Index) Len() int {
	n := 0
	for _, ops := range idx.services {
		n += len(ops)
	}
	return n
}

// ValidateRequest checks body against the operation's JSON request schema
// and reports every violation. Operations without a JSON body accept
// anything.
func (idx *Index) ValidateRequest(serviceID, operationID string, body map[string]any) []ValidationError {
	op, ok := idx.GetOperation(serviceID, operationID)
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s/%s not found", serviceID, operationID)}}
	}
	schema := op.jsonSchema()
	if schema == nil {
		return nil
	}

	err := schema.VisitJSON(jsonNumbers(body), openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	var multi openapi3.MultiError
	if !errors.As(err, &multi) {
		return []ValidationError{asValidationError(err)}
	}
	out := make([]ValidationError, 0, len(multi))
	for _, e := range multi {
		out = append(out, asValidationError(e))
	}
	return out
}

func asValidationError(err error) ValidationError {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return ValidationError{Message: err.Error()}
	}
	return ValidationError{Field: strings.Join(se.JSONPointer(), "."), Message: se.Reason}
}

// jsonNumbers rewrites Go integers as float64, the shape VisitJSON expects
// for decoded JSON numbers.
func jsonNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jsonNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonNumbers(item)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	}
	return v
}
