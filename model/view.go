package model

import "time"

// TableDescriptor is the static description of a table sent to the UI shell.
type TableDescriptor struct {
	ID                     string             `json:"id"`
	Title                  string             `json:"title"`
	ItemName               string             `json:"item_name"`
	Columns                []ColumnDescriptor `json:"columns"`
	DragHandle             string             `json:"drag_handle_target,omitempty"`
	Reorderable            bool               `json:"reorderable"`
	PaginationMode         string             `json:"pagination_mode"`
	PageSizeOptions        []int              `json:"page_size_options"`
	DefaultPageSize        int                `json:"default_page_size"`
	DragActivationDistance float64            `json:"drag_activation_distance"`
}

// ColumnDescriptor describes a rendered column.
type ColumnDescriptor struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Type     string `json:"type,omitempty"`
	Sortable bool   `json:"sortable"`
	Width    string `json:"width,omitempty"`
}

// TableView is what the render layer draws for one cycle.
type TableView struct {
	TableID         string          `json:"table_id"`
	ItemName        string          `json:"item_name"`
	LoadState       LoadState       `json:"load_state"`
	Loading         bool            `json:"loading"`
	Rows            []Row           `json:"visible_rows"`
	Sort            SortState       `json:"sort"`
	Pagination      PaginationState `json:"pagination"`
	PageSizeOptions []int           `json:"page_size_options"`
	DragHandle      string          `json:"drag_handle_target,omitempty"`
	Drag            DragStatus      `json:"drag"`
	// Interactive is false while a reorder is being reconciled.
	Interactive bool     `json:"interactive"`
	Notices     []Notice `json:"notices,omitempty"`
	Revision    uint64   `json:"revision"`
}

// DragStatus is the reorder engine's phase as seen by the render layer.
type DragStatus struct {
	Phase  string `json:"phase"`
	ItemID RowID  `json:"item_id,omitempty"`
	Origin int    `json:"origin,omitempty"`
	Over   int    `json:"over,omitempty"`
}

// Notice levels.
const (
	NoticeError = "error"
	NoticeInfo  = "info"
)

// Notice is a message the render layer shows as a toast or banner.
type Notice struct {
	ID      string    `json:"id"`
	Level   string    `json:"level"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
