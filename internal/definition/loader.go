// Package definition loads YAML table definitions, validates them against
// OpenAPI specs, and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

// Loader scans directories for YAML definition files, parses them, fills
// unset table settings from the configured defaults, and computes SHA-256
// checksums.
type Loader struct {
	defaults config.TablesConfig
}

// NewLoader creates a Loader that applies defaults to every table it reads.
func NewLoader(defaults config.TablesConfig) *Loader {
	return &Loader{defaults: defaults}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a TableFile. Files are returned in path order.
func (l *Loader) LoadAll(directories []string) ([]model.TableFile, error) {
	var files []model.TableFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !isDefinitionFile(path) {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) (model.TableFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.TableFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f model.TableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.TableFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i := range f.Tables {
		f.Tables[i] = l.applyDefaults(f.Tables[i])
	}
	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = path

	return f, nil
}

func (l *Loader) applyDefaults(t model.TableDefinition) model.TableDefinition {
	if t.IDField == "" {
		t.IDField = model.DefaultIDField
	}
	if t.SequenceField == "" {
		t.SequenceField = model.DefaultSequenceField
	}
	if t.ItemName == "" {
		t.ItemName = "items"
	}
	if t.Source.Kind == "" {
		t.Source.Kind = model.SourceStore
	}
	if t.Source.Kind == model.SourceStore && t.Source.Collection == "" {
		t.Source.Collection = t.ID
	}
	if t.Pagination.Mode == "" {
		t.Pagination.Mode = model.PaginationClient
	}
	if len(t.Pagination.PageSizeOptions) == 0 {
		t.Pagination.PageSizeOptions = slices.Clone(l.defaults.PageSizeOptions)
	}
	if t.Pagination.DefaultPageSize == 0 {
		t.Pagination.DefaultPageSize = l.defaults.DefaultPageSize
	}
	if t.DragActivationDistance == 0 {
		t.DragActivationDistance = l.defaults.DragActivationDistance
	}
	if t.DefaultSort != "" && t.SortDir == "" {
		t.SortDir = string(model.DirectionAscending)
	}
	return t
}

func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
