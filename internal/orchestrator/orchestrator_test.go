package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongo-env-sync/internal/backup"
	"mongo-env-sync/internal/environment"
	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/exitcodes"
	"mongo-env-sync/internal/mongotest"
)

const (
	srcURI = "mongodb://src:27017"
	dstURI = "mongodb://dst:27017"
)

var sourceOrders = mongotest.Database{
	"items": {"i1", "i2", "i3"},
	"users": {"u1"},
}

var targetOrders = mongotest.Database{
	"items":  {"old1"},
	"legacy": {"l1", "l2"},
}

type harness struct {
	cluster *mongotest.Cluster
	locator *mongotest.Locator
	store   *backup.LocalStore
	backups *backup.Manager
	orch    *Orchestrator
	seen    []State
	hook    func(from, to State)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg, err := environment.New(
		environment.Environment{Name: "SRC", URI: srcURI},
		environment.Environment{Name: "DST", URI: dstURI},
	)
	require.NoError(t, err)

	store, err := backup.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		cluster: mongotest.NewCluster(),
		locator: &mongotest.Locator{},
		store:   store,
	}

	h.backups, err = backup.NewManager(backup.Options{
		Store:    store,
		Resolver: reg,
		Locator:  h.locator,
		Runner:   h.cluster,
		Dropper:  h.cluster,
	})
	require.NoError(t, err)

	h.orch, err = New(Options{
		Resolver:      reg,
		Locator:       h.locator,
		Runner:        h.cluster,
		Backups:       h.backups,
		Exports:       store,
		Clearer:       h.cluster,
		SourceChecker: h.cluster,
		OnTransition: func(from, to State) {
			h.seen = append(h.seen, to)
			if h.hook != nil {
				h.hook(from, to)
			}
		},
		Now: func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	h.cluster.Seed(srcURI, "orders", sourceOrders)
	h.cluster.Seed(dstURI, "orders", targetOrders)
	return h
}

func (h *harness) tools() []string {
	var out []string
	for _, c := range h.cluster.Calls() {
		out = append(out, c.Tool)
	}
	return out
}

func TestSync_Succeeds(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("SRC", "DST", "orders"))

	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, outcome.State)
	assert.True(t, outcome.Exported)
	assert.True(t, outcome.BackedUp)
	assert.True(t, outcome.Imported)
	assert.False(t, outcome.RolledBack)
	assert.Equal(t, []State{StateValidating, StateExporting, StateBackingUp, StateImporting, StateSucceeded}, outcome.Transitions)
	assert.Equal(t, outcome.Transitions[1:], h.seen)

	got := h.cluster.Snapshot(dstURI, "orders")
	assert.Equal(t, sourceOrders["items"], got["items"])
	assert.Equal(t, sourceOrders["users"], got["users"])
	assert.Equal(t, []string{"mongodump@orders", "mongodump@orders", "mongorestore@orders"}, h.cluster.ToolSequence())

	calls := h.cluster.Calls()
	assert.Equal(t, srcURI, calls[0].URI, "export reads the source")
	assert.Equal(t, dstURI, calls[1].URI, "backup reads the target")
	assert.True(t, calls[2].Drop)

	require.NotNil(t, outcome.Backup)
	assert.DirExists(t, outcome.Backup.Location, "backups are kept after success")
	assert.DirExists(t, outcome.ExportPath, "exports are kept after success")
	assert.True(t, strings.HasPrefix(outcome.ExportPath, filepath.Join(h.store.Root(), backup.ExportsDir)))
	assert.Equal(t, exitcodes.Success, exitcodes.FromState(string(outcome.State), err))
}

func TestSync_DropIsIdempotent(t *testing.T) {
	h := newHarness(t)
	req := NewSyncRequest("SRC", "DST", "orders")

	_, err := h.orch.Sync(context.Background(), req)
	require.NoError(t, err)
	first := h.cluster.Checksum(dstURI, "orders")

	_, err = h.orch.Sync(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, h.cluster.Checksum(dstURI, "orders"))
}

func TestSync_ImportFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	before := h.cluster.Checksum(dstURI, "orders")
	h.cluster.Fail(mongotest.Failure{Tool: "mongorestore", URI: dstURI, ExitCode: 1, Partial: true, Message: "Failed: E11000 duplicate key"})

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("SRC", "DST", "orders"))

	require.Error(t, err)
	assert.Equal(t, StateRolledBack, outcome.State)
	assert.True(t, outcome.BackedUp)
	assert.False(t, outcome.Imported)
	assert.True(t, outcome.RolledBack)
	assert.Equal(t, []State{StateValidating, StateExporting, StateBackingUp, StateImporting, StateRollingBack, StateRolledBack}, outcome.Transitions)

	assert.Equal(t, before, h.cluster.Checksum(dstURI, "orders"), "target returns to its pre-import state")

	var sub *apperrors.SubprocessError
	require.True(t, errors.As(err, &sub))
	assert.Equal(t, apperrors.StageImport, sub.Stage)
	assert.Equal(t, 1, sub.ExitCode)
	assert.Equal(t, []string{"Failed: E11000 duplicate key"}, sub.Tail)

	assert.Equal(t, exitcodes.RolledBack, exitcodes.FromState(string(outcome.State), err))
	assert.NotEqual(t, exitcodes.Success, exitcodes.FromState(string(outcome.State), err))
}

func TestSync_ImportFailureWithoutBackup(t *testing.T) {
	h := newHarness(t)
	h.cluster.Fail(mongotest.Failure{Tool: "mongorestore", ExitCode: 1})
	req := NewSyncRequest("SRC", "DST", "orders")
	req.Backup = false

	outcome, err := h.orch.Sync(context.Background(), req)

	require.Error(t, err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.False(t, outcome.BackedUp)
	assert.False(t, outcome.RolledBack)
	assert.Nil(t, outcome.Backup)
	assert.Equal(t, []string{"mongodump", "mongorestore"}, h.tools(), "no backup and no restore")
	assert.NotContains(t, outcome.Transitions, StateRollingBack)

	joined := strings.Join(outcome.Warnings, "\n")
	assert.Contains(t, joined, "No backup was available")

	list, listErr := h.backups.List(backup.Filter{})
	require.NoError(t, listErr)
	assert.Empty(t, list)
	assert.Equal(t, exitcodes.Failed, exitcodes.FromState(string(outcome.State), err))
}

func TestSync_ExportFailureStopsEverything(t *testing.T) {
	h := newHarness(t)
	before := h.cluster.Checksum(dstURI, "orders")
	h.cluster.Fail(mongotest.Failure{Tool: "mongodump", URI: srcURI, ExitCode: 1, Message: "Failed: connection refused"})

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("SRC", "DST", "orders"))

	require.Error(t, err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.False(t, outcome.Exported)
	assert.Equal(t, []string{"mongodump"}, h.tools())
	assert.Equal(t, before, h.cluster.Checksum(dstURI, "orders"))

	var sub *apperrors.SubprocessError
	require.True(t, errors.As(err, &sub))
	assert.Equal(t, apperrors.StageExport, sub.Stage)
}

func TestSync_BackupFailureBlocksImport(t *testing.T) {
	h := newHarness(t)
	before := h.cluster.Checksum(dstURI, "orders")
	h.cluster.Fail(mongotest.Failure{Tool: "mongodump", URI: dstURI, ExitCode: 1})

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("SRC", "DST", "orders"))

	require.Error(t, err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.True(t, outcome.Exported)
	assert.False(t, outcome.BackedUp)
	assert.Equal(t, []string{"mongodump", "mongodump"}, h.tools())
	assert.Equal(t, before, h.cluster.Checksum(dstURI, "orders"))

	var sub *apperrors.SubprocessError
	require.True(t, errors.As(err, &sub))
	assert.Equal(t, apperrors.StageBackup, sub.Stage)
}

func TestSync_RestoreFailureNeedsManualIntervention(t *testing.T) {
	h := newHarness(t)
	h.cluster.Fail(mongotest.Failure{Tool: "mongorestore", ExitCode: 1, Partial: true})
	h.cluster.Fail(mongotest.Failure{Tool: "mongorestore", ExitCode: 1})

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("SRC", "DST", "orders"))

	require.Error(t, err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.False(t, outcome.RolledBack)
	assert.Contains(t, outcome.Transitions, StateRollingBack)
	assert.Equal(t, apperrors.ErrorTypeRestoreFailure, apperrors.GetErrorType(err))
	assert.Contains(t, apperrors.FormatUserError(err), "MANUAL INTERVENTION REQUIRED")
	assert.Contains(t, apperrors.FormatUserError(err), outcome.Backup.Location)
	assert.Equal(t, exitcodes.RestoreFailed, exitcodes.FromState(string(outcome.State), err))
}

func TestSync_UnknownEnvironment(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("SRC", "STAGING", "orders"))

	require.Error(t, err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, apperrors.ErrorTypeUnknownEnvironment, apperrors.GetErrorType(err))
	assert.Contains(t, apperrors.FormatUserError(err), "DST, SRC")
	assert.Zero(t, h.locator.Calls(), "tools are not located for an invalid request")
	assert.Empty(t, h.cluster.Calls(), "no subprocess spawned")
	assert.Equal(t, exitcodes.ConfigError, exitcodes.FromState(string(outcome.State), err))
}

func TestSync_ToolsNotFound(t *testing.T) {
	h := newHarness(t)
	h.locator.Err = apperrors.NewToolsNotFoundError("mongorestore", "not found in PATH", nil)

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("SRC", "DST", "orders"))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, apperrors.ErrorTypeToolsNotFound, apperrors.GetErrorType(err))
	assert.Empty(t, h.cluster.Calls())
}

func TestSync_MissingSourceDatabase(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("SRC", "DST", "billing"))

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.GetErrorType(err))
	assert.Empty(t, h.cluster.Calls())
}

func TestSync_IncompleteRequest(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Sync(context.Background(), SyncRequest{SourceEnv: "SRC"})

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.GetErrorType(err))
	assert.Zero(t, h.locator.Calls())
}

func TestSync_ClearMode(t *testing.T) {
	h := newHarness(t)
	req := NewSyncRequest("SRC", "DST", "orders")
	req.Drop = false
	req.Clear = true

	outcome, err := h.orch.Sync(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, outcome.State)
	got := h.cluster.Snapshot(dstURI, "orders")
	assert.Equal(t, []string{"i1", "i2", "i3"}, got["items"])
	assert.Equal(t, []string{"u1"}, got["users"])
	assert.Empty(t, got["legacy"])
	assert.Contains(t, got, "legacy", "clear keeps collections")

	calls := h.cluster.Calls()
	assert.False(t, calls[len(calls)-1].Drop)
}

func TestSync_AdditiveMode(t *testing.T) {
	h := newHarness(t)
	req := NewSyncRequest("SRC", "DST", "orders")
	req.Drop = false

	_, err := h.orch.Sync(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, []string{"old1", "i1", "i2", "i3"}, h.cluster.Snapshot(dstURI, "orders")["items"])
	assert.Equal(t, []string{"l1", "l2"}, h.cluster.Snapshot(dstURI, "orders")["legacy"])
}

func TestSync_DropWinsOverClear(t *testing.T) {
	h := newHarness(t)
	req := NewSyncRequest("SRC", "DST", "orders")
	req.Clear = true

	outcome, err := h.orch.Sync(context.Background(), req)

	require.NoError(t, err)
	assert.False(t, outcome.Request.Clear)
	assert.Equal(t, []string{"l1", "l2"}, h.cluster.Snapshot(dstURI, "orders")["legacy"],
		"drop only replaces collections present in the export")
}

func TestSync_DifferentTargetDatabase(t *testing.T) {
	h := newHarness(t)
	req := NewSyncRequest("SRC", "DST", "orders")
	req.TargetDB = "orders_copy"

	outcome, err := h.orch.Sync(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, sourceOrders, h.cluster.Snapshot(dstURI, "orders_copy"))
	assert.Equal(t, targetOrders, h.cluster.Snapshot(dstURI, "orders"), "the same-named target database is untouched")
	assert.DirExists(t, filepath.Join(outcome.ExportPath, "orders_copy"))
	assert.True(t, outcome.Backup.Empty, "new target database backs up as empty")
}

func TestSync_NewTargetDatabaseRollsBackToAbsent(t *testing.T) {
	h := newHarness(t)
	h.cluster.Fail(mongotest.Failure{Tool: "mongorestore", ExitCode: 1, Partial: true})
	req := NewSyncRequest("SRC", "DST", "orders")
	req.TargetDB = "fresh"

	outcome, err := h.orch.Sync(context.Background(), req)

	require.Error(t, err)
	assert.Equal(t, StateRolledBack, outcome.State)
	assert.Nil(t, h.cluster.Snapshot(dstURI, "fresh"))
}

func TestSync_SelfSyncWarns(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Sync(context.Background(), NewSyncRequest("DST", "dst", "orders"))

	require.NoError(t, err)
	assert.Contains(t, strings.Join(outcome.Warnings, "\n"), "same database")
	assert.Equal(t, targetOrders, h.cluster.Snapshot(dstURI, "orders"))
}

func TestSync_DryRun(t *testing.T) {
	h := newHarness(t)
	req := NewSyncRequest("SRC", "DST", "orders")
	req.DryRun = true

	outcome, err := h.orch.Sync(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, outcome.State)
	assert.Equal(t, []State{StateValidating, StateSucceeded}, outcome.Transitions)
	require.Len(t, outcome.Plan, 3)
	assert.Equal(t, StateBackingUp, outcome.Plan[1].State)
	assert.Equal(t, 1, h.locator.Calls(), "dry run still checks the tools")
	assert.Empty(t, h.cluster.Calls())
	assert.False(t, outcome.Exported)
}

func TestSync_CancelledDuringImportRestoresBackup(t *testing.T) {
	h := newHarness(t)
	before := h.cluster.Checksum(dstURI, "orders")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	h.cluster.Block = make(chan struct{})
	h.cluster.OnRestore = func(mongotest.Call) { once.Do(cancel) }

	outcome, err := h.orch.Sync(ctx, NewSyncRequest("SRC", "DST", "orders"))

	require.Error(t, err)
	assert.Equal(t, StateCancelled, outcome.State)
	assert.True(t, outcome.RolledBack)
	assert.True(t, errors.Is(err, apperrors.ErrCancelled))
	assert.Equal(t, before, h.cluster.Checksum(dstURI, "orders"))
	assert.Equal(t, []string{"mongodump", "mongodump", "mongorestore", "mongorestore"}, h.tools())
	assert.Equal(t, exitcodes.Cancelled, exitcodes.FromState(string(outcome.State), err))
}

func TestSync_CancelledDuringRollbackStillRestores(t *testing.T) {
	h := newHarness(t)
	before := h.cluster.Checksum(dstURI, "orders")
	h.cluster.Fail(mongotest.Failure{Tool: "mongorestore", URI: dstURI, ExitCode: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.hook = func(_, to State) {
		if to == StateRollingBack {
			cancel()
		}
	}

	outcome, err := h.orch.Sync(ctx, NewSyncRequest("SRC", "DST", "orders"))

	require.Error(t, err)
	assert.Equal(t, StateRolledBack, outcome.State)
	assert.True(t, outcome.RolledBack)
	assert.Equal(t, before, h.cluster.Checksum(dstURI, "orders"), "an interrupt during rollback must not leave the target dropped")
	assert.Equal(t, []string{"mongodump", "mongodump", "mongorestore", "mongorestore"}, h.tools())
	assert.Equal(t, exitcodes.RolledBack, exitcodes.FromState(string(outcome.State), err))
}

func TestSync_CancelledBeforeImport(t *testing.T) {
	h := newHarness(t)
	before := h.cluster.Checksum(dstURI, "orders")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.hook = func(_, to State) {
		if to == StateBackingUp {
			cancel()
		}
	}

	outcome, err := h.orch.Sync(ctx, NewSyncRequest("SRC", "DST", "orders"))

	require.Error(t, err)
	assert.Equal(t, StateCancelled, outcome.State)
	assert.False(t, outcome.BackedUp)
	assert.True(t, apperrors.IsCancelled(err))
	assert.Equal(t, []string{"mongodump"}, h.tools())
	assert.Equal(t, before, h.cluster.Checksum(dstURI, "orders"))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.GetErrorType(err))
}
