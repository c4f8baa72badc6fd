package orchestrator

import (
	"strings"

	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/tools"
)

// SyncRequest describes one synchronization. Build it with NewSyncRequest to get the defaults.
type SyncRequest struct {
	SourceEnv string `json:"source_env" yaml:"source_env"`
	TargetEnv string `json:"target_env" yaml:"target_env"`
	SourceDB  string `json:"source_db" yaml:"source_db"`
	// TargetDB defaults to SourceDB
	TargetDB string `json:"target_db" yaml:"target_db"`
	// Backup dumps the target before the import so a failed import can be rolled back
	Backup bool `json:"backup" yaml:"backup"`
	// Drop drops each target collection before restoring it
	Drop bool `json:"drop" yaml:"drop"`
	// Clear deletes target documents before an additive restore. Ignored when Drop is set.
	Clear bool `json:"clear" yaml:"clear"`
	// DryRun validates and reports the plan without running any tool
	DryRun bool `json:"dry_run" yaml:"dry_run"`
}

// NewSyncRequest returns a request with backup and drop enabled
func NewSyncRequest(sourceEnv, targetEnv, database string) SyncRequest {
	return SyncRequest{
		SourceEnv: sourceEnv,
		TargetEnv: targetEnv,
		SourceDB:  database,
		Backup:    true,
		Drop:      true,
	}
}

// Normalize trims names, fills the target database and resolves drop over clear.
// It fails with a configuration error when a required field is missing.
func (r SyncRequest) Normalize() (SyncRequest, error) {
	r.SourceEnv = strings.TrimSpace(r.SourceEnv)
	r.TargetEnv = strings.TrimSpace(r.TargetEnv)
	r.SourceDB = strings.TrimSpace(r.SourceDB)
	r.TargetDB = strings.TrimSpace(r.TargetDB)

	var missing []string
	if r.SourceEnv == "" {
		missing = append(missing, "source environment")
	}
	if r.TargetEnv == "" {
		missing = append(missing, "target environment")
	}
	if r.SourceDB == "" {
		missing = append(missing, "source database")
	}
	if len(missing) > 0 {
		return r, apperrors.NewConfigurationError("incomplete sync request: missing "+strings.Join(missing, ", "), nil).
			WithUserMessage("Missing " + strings.Join(missing, ", ") + ". Pass them as flags or use --interactive.")
	}

	if r.TargetDB == "" {
		r.TargetDB = r.SourceDB
	}
	if r.Drop {
		r.Clear = false
	}
	return r, nil
}

// Mode returns the import mode the request asks for
func (r SyncRequest) Mode() tools.ImportMode {
	return tools.ModeFor(r.Drop, r.Clear)
}

// SelfSync reports whether source and target are the same database
func (r SyncRequest) SelfSync() bool {
	return strings.EqualFold(r.SourceEnv, r.TargetEnv) && r.SourceDB == r.TargetDB
}
