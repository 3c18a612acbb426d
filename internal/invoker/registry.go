// Package invoker binds table definitions to the stores and backend
// services that own their rows, calling backends through OpenAPI-driven
// HTTP with circuit breaker and retry support.
package invoker

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/store"
	"github.com/pitabwire/tabula/model"
)

// SourceFactory builds the RowSource for tables of the kinds it supports.
type SourceFactory interface {
	Supports(src model.SourceDefinition) bool
	Build(def model.TableDefinition) (model.RowSource, error)
}

// Registry holds all SourceFactory implementations and resolves a table to
// the first one that supports its source kind.
type Registry struct {
	factories []SourceFactory
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a factory to the registry.
func (r *Registry) Register(f SourceFactory) {
	r.factories = append(r.factories, f)
}

// Resolve builds the RowSource for def.
func (r *Registry) Resolve(def model.TableDefinition) (model.RowSource, error) {
	for _, f := range r.factories {
		if f.Supports(def.Source) {
			return f.Build(def)
		}
	}
	return nil, fmt.Errorf("invoker: no source supports kind %q for table %q", def.Source.Kind, def.ID)
}

// StoreFactory serves "store" tables from a RowStore. An empty kind also
// resolves here.
type StoreFactory struct {
	Store store.RowStore
}

// Supports implements SourceFactory.
func (f StoreFactory) Supports(src model.SourceDefinition) bool {
	return src.Kind == model.SourceStore || src.Kind == ""
}

// Build implements SourceFactory. The collection defaults to the table ID.
func (f StoreFactory) Build(def model.TableDefinition) (model.RowSource, error) {
	collection := def.Source.Collection
	if collection == "" {
		collection = def.ID
	}
	return store.Bind(f.Store, collection), nil
}

// BackendFactory serves "openapi" tables through a Client.
type BackendFactory struct {
	Client *Client
	Logger *zap.Logger
}

// Supports implements SourceFactory.
func (f BackendFactory) Supports(src model.SourceDefinition) bool {
	return src.Kind == model.SourceOpenAPI
}

// Build implements SourceFactory.
func (f BackendFactory) Build(def model.TableDefinition) (model.RowSource, error) {
	return NewBackendSource(f.Client, def, f.Logger)
}
