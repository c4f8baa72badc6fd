package backup

import (
	"fmt"
	"sort"
	"time"
)

// RetentionPolicy decides which backups an explicit prune may remove
type RetentionPolicy struct {
	// KeepLast backups are kept per environment and database. At least one is always kept.
	KeepLast int
	// OlderThan protects anything younger than this age when set
	OlderThan time.Duration
}

// Validate checks the policy values
func (p RetentionPolicy) Validate() error {
	if p.KeepLast < 0 {
		return NewValidationError("keep count cannot be negative", nil)
	}
	if p.OlderThan < 0 {
		return NewValidationError("age threshold cannot be negative", nil)
	}
	return nil
}

// Prune applies the policy to backups matching filter. With dryRun nothing is removed.
func (m *Manager) Prune(filter Filter, policy RetentionPolicy, dryRun bool) (*PruneResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	records, err := m.store.List(filter)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*Record)
	for _, r := range records {
		key := r.Environment + "/" + r.Database
		groups[key] = append(groups[key], r)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := &PruneResult{DryRun: dryRun}
	for _, key := range keys {
		toDelete, toKeep := m.applyRetentionRules(groups[key], policy)
		result.Kept = append(result.Kept, toKeep...)

		for _, r := range toDelete {
			if !dryRun {
				if err := m.store.Delete(r); err != nil {
					msg := fmt.Sprintf("failed to delete backup %s: %v", r.ID, err)
					result.Errors = append(result.Errors, msg)
					m.logger.Error(msg)
					continue
				}
				m.logger.WithFields(map[string]interface{}{
					"backup_id":  r.ID,
					"created_at": r.CreatedAt.Format(time.RFC3339),
					"reason":     "prune",
				}).Info("Deleted backup")
			}
			result.Deleted = append(result.Deleted, r)
			result.Freed += r.SizeBytes
		}
	}

	m.logger.Infof("Prune finished: %d deleted, %d kept (dry run: %v)", len(result.Deleted), len(result.Kept), dryRun)
	return result, nil
}

// applyRetentionRules splits one group, sorted newest first, into delete and keep lists
func (m *Manager) applyRetentionRules(group []*Record, policy RetentionPolicy) ([]*Record, []*Record) {
	keepCount := policy.KeepLast
	if keepCount < 1 {
		keepCount = 1
	}

	var cutoff time.Time
	if policy.OlderThan > 0 {
		cutoff = m.now().Add(-policy.OlderThan)
	}

	var toDelete, toKeep []*Record
	for i, r := range group {
		switch {
		case i < keepCount:
			toKeep = append(toKeep, r)
		case !cutoff.IsZero() && r.CreatedAt.After(cutoff):
			toKeep = append(toKeep, r)
		default:
			toDelete = append(toDelete, r)
		}
	}
	return toDelete, toKeep
}
