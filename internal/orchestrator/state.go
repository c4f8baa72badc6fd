package orchestrator

import (
	"time"

	"mongo-env-sync/internal/backup"
)

// State is a step of the sync workflow
type State string

const (
	StateValidating  State = "validating"
	StateExporting   State = "exporting"
	StateBackingUp   State = "backing_up"
	StateImporting   State = "importing"
	StateRollingBack State = "rolling_back"
	StateSucceeded   State = "succeeded"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether the workflow stops in s
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateRolledBack, StateFailed, StateCancelled:
		return true
	}
	return false
}

// allowed lists the legal transitions. Failed and Cancelled are reachable from any non-terminal state.
var allowed = map[State][]State{
	StateValidating:  {StateExporting, StateSucceeded},
	StateExporting:   {StateBackingUp, StateImporting},
	StateBackingUp:   {StateImporting},
	StateImporting:   {StateSucceeded, StateRollingBack},
	StateRollingBack: {StateRolledBack},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Step is one planned workflow action, reported by dry runs
type Step struct {
	State       State  `json:"state" yaml:"state"`
	Description string `json:"description" yaml:"description"`
}

// Outcome is the audit result of one sync
type Outcome struct {
	Request     SyncRequest    `json:"request" yaml:"request"`
	State       State          `json:"state" yaml:"state"`
	Exported    bool           `json:"exported" yaml:"exported"`
	BackedUp    bool           `json:"backed_up" yaml:"backed_up"`
	Imported    bool           `json:"imported" yaml:"imported"`
	RolledBack  bool           `json:"rolled_back" yaml:"rolled_back"`
	Backup      *backup.Record `json:"backup,omitempty" yaml:"backup,omitempty"`
	ExportPath  string         `json:"export_path,omitempty" yaml:"export_path,omitempty"`
	Plan        []Step         `json:"plan,omitempty" yaml:"plan,omitempty"`
	Warnings    []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Transitions []State        `json:"transitions" yaml:"transitions"`
	Duration    time.Duration  `json:"duration" yaml:"duration"`
	Err         error          `json:"-" yaml:"-"`
}

// Succeeded reports whether the sync reached its goal
func (o *Outcome) Succeeded() bool {
	return o.State == StateSucceeded
}
