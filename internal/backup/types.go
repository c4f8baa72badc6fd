package backup

import (
	"time"
)

// RecordFile is the metadata file stored next to every dump
const RecordFile = "backup.json"

// Reason describes why a backup was taken
type Reason string

const (
	ReasonPreImport Reason = "pre-import"
	ReasonManual    Reason = "manual"
)

// Record describes one point-in-time dump of a database.
// Connection strings are never persisted; the environment is resolved again at restore time.
type Record struct {
	ID          string    `json:"id" yaml:"id"`
	Environment string    `json:"environment" yaml:"environment"`
	Database    string    `json:"database" yaml:"database"`
	Location    string    `json:"location" yaml:"location"`
	DumpPath    string    `json:"dump_path" yaml:"dump_path"`
	Empty       bool      `json:"empty" yaml:"empty"`
	SizeBytes   int64     `json:"size_bytes" yaml:"size_bytes"`
	Checksum    string    `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	CreatedBy   string    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	Reason      Reason    `json:"reason,omitempty" yaml:"reason,omitempty"`
	ToolVersion string    `json:"tool_version,omitempty" yaml:"tool_version,omitempty"`
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Environment string
	Database    string
	Before      time.Time
}

// Matches reports whether r passes the filter
func (f Filter) Matches(r *Record) bool {
	if f.Environment != "" && !equalFold(f.Environment, r.Environment) {
		return false
	}
	if f.Database != "" && f.Database != r.Database {
		return false
	}
	if !f.Before.IsZero() && !r.CreatedAt.Before(f.Before) {
		return false
	}
	return true
}

// PruneResult reports what a prune did or would do
type PruneResult struct {
	Deleted []*Record `json:"deleted" yaml:"deleted"`
	Kept    []*Record `json:"kept" yaml:"kept"`
	Errors  []string  `json:"errors,omitempty" yaml:"errors,omitempty"`
	DryRun  bool      `json:"dry_run" yaml:"dry_run"`
	Freed   int64     `json:"freed_bytes" yaml:"freed_bytes"`
}
