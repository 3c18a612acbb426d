package model

// TableFile is the root structure of a definition file. Each file declares
// one domain's tables.
type TableFile struct {
	Domain  string            `yaml:"domain"  json:"domain"`
	Version string            `yaml:"version" json:"version"`
	Tables  []TableDefinition `yaml:"tables"  json:"tables"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// TableDefinition describes one list view.
type TableDefinition struct {
	ID            string             `yaml:"id"             json:"id"`
	Title         string             `yaml:"title"          json:"title"`
	ItemName      string             `yaml:"item_name"      json:"item_name"`
	IDField       string             `yaml:"id_field"       json:"id_field,omitempty"`
	SequenceField string             `yaml:"sequence_field" json:"sequence_field,omitempty"`
	Columns       []ColumnDefinition `yaml:"columns"        json:"columns"`
	// DragHandle names the column whose cell hosts the drag affordance.
	DragHandle             string               `yaml:"drag_handle"              json:"drag_handle,omitempty"`
	Reorderable            bool                 `yaml:"reorderable"              json:"reorderable"`
	DragActivationDistance float64              `yaml:"drag_activation_distance" json:"drag_activation_distance,omitempty"`
	DefaultSort            string               `yaml:"default_sort"             json:"default_sort,omitempty"`
	SortDir                string               `yaml:"sort_dir"                 json:"sort_dir,omitempty"`
	Pagination             PaginationDefinition `yaml:"pagination"               json:"pagination"`
	Source                 SourceDefinition     `yaml:"source"                   json:"source"`
}

// ColumnDefinition describes a table column.
type ColumnDefinition struct {
	Key      string `yaml:"key"      json:"key"`
	Label    string `yaml:"label"    json:"label"`
	Type     string `yaml:"type"     json:"type,omitempty"`
	Sortable bool   `yaml:"sortable" json:"sortable"`
	Width    string `yaml:"width"    json:"width,omitempty"`
}

// Pagination modes.
const (
	PaginationClient = "client"
	PaginationServer = "server"
)

// PaginationDefinition describes how a table pages.
type PaginationDefinition struct {
	Mode            string `yaml:"mode"              json:"mode,omitempty"`
	PageSizeOptions []int  `yaml:"page_size_options" json:"page_size_options,omitempty"`
	DefaultPageSize int    `yaml:"default_page_size" json:"default_page_size,omitempty"`
}

// Source kinds.
const (
	SourceStore   = "store"
	SourceOpenAPI = "openapi"
)

// SourceDefinition binds a table to the store that owns its rows.
type SourceDefinition struct {
	Kind string `yaml:"kind" json:"kind"`
	// Collection is the store key for "store" sources. Defaults to the table ID.
	Collection string `yaml:"collection" json:"collection,omitempty"`
	// List and Reorder are the backend operations for "openapi" sources.
	List    OperationBinding `yaml:"list"    json:"list,omitempty"`
	Reorder OperationBinding `yaml:"reorder" json:"reorder,omitempty"`
	// ItemsPath and TotalPath locate rows and the total count in a list
	// response, as dot-separated paths.
	ItemsPath string `yaml:"items_path" json:"items_path,omitempty"`
	TotalPath string `yaml:"total_path" json:"total_path,omitempty"`
}

// OperationBinding names a backend operation.
type OperationBinding struct {
	ServiceID   string `yaml:"service_id"   json:"service_id,omitempty"`
	OperationID string `yaml:"operation_id" json:"operation_id,omitempty"`
	// IDParam is the path parameter that receives the row ID.
	IDParam string `yaml:"id_param" json:"id_param,omitempty"`
}

// Defined reports whether the binding names an operation.
func (b OperationBinding) Defined() bool {
	return b.ServiceID != "" && b.OperationID != ""
}
