package graph

import (
	"fmt"
	"time"
)

// FileNode is the full attribute set written for a (:File) node. Nil
// fields clear the corresponding property.
type FileNode struct {
	Path         string     `json:"path"`
	SHA256       string     `json:"sha256"`
	XXH128       string     `json:"xxh128"`
	Size         *int64     `json:"size,omitempty"`
	ModifiedTime *time.Time `json:"modified_time,omitempty"`
	AccessedTime *time.Time `json:"accessed_time,omitempty"`
	ChangedTime  *time.Time `json:"changed_time,omitempty"`
	DiscoveredAt *time.Time `json:"discovered_at,omitempty"`
	EventType    string     `json:"event_type"`
}

// StoredFile is a node read back from the graph with its outgoing
// NEIGHBOR paths.
type StoredFile struct {
	FileNode
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Neighbors []string   `json:"neighbors"`
}

// Migration is one idempotent schema statement
type Migration struct {
	Name        string
	Description string
	Query       string
}

// ErrFileNotFound is returned by FetchFile when no node has the path
type ErrFileNotFound struct {
	Path string
}

func (e ErrFileNotFound) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}
