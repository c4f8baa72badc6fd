package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetentionPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetentionPolicy
		wantErr bool
	}{
		{name: "zero", policy: RetentionPolicy{}},
		{name: "keep and age", policy: RetentionPolicy{KeepLast: 3, OlderThan: time.Hour}},
		{name: "negative keep", policy: RetentionPolicy{KeepLast: -1}, wantErr: true},
		{name: "negative age", policy: RetentionPolicy{OlderThan: -time.Hour}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyRetentionRules(t *testing.T) {
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	m := &Manager{now: func() time.Time { return now }}

	// newest first, one per day
	group := make([]*Record, 5)
	for i := range group {
		group[i] = &Record{ID: string(rune('a' + i)), CreatedAt: now.AddDate(0, 0, -(i + 1))}
	}

	ids := func(records []*Record) []string {
		var out []string
		for _, r := range records {
			out = append(out, r.ID)
		}
		return out
	}

	tests := []struct {
		name       string
		policy     RetentionPolicy
		wantDelete []string
		wantKeep   []string
	}{
		{
			name:       "keep last two",
			policy:     RetentionPolicy{KeepLast: 2},
			wantDelete: []string{"c", "d", "e"},
			wantKeep:   []string{"a", "b"},
		},
		{
			name:       "zero keeps the newest",
			policy:     RetentionPolicy{},
			wantDelete: []string{"b", "c", "d", "e"},
			wantKeep:   []string{"a"},
		},
		{
			name:       "age protects recent backups",
			policy:     RetentionPolicy{KeepLast: 1, OlderThan: 80 * time.Hour},
			wantDelete: []string{"d", "e"},
			wantKeep:   []string{"a", "b", "c"},
		},
		{
			name:     "keep more than exist",
			policy:   RetentionPolicy{KeepLast: 10},
			wantKeep: []string{"a", "b", "c", "d", "e"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toDelete, toKeep := m.applyRetentionRules(group, tt.policy)

			assert.Equal(t, tt.wantDelete, ids(toDelete))
			assert.Equal(t, tt.wantKeep, ids(toKeep))
		})
	}
}
