package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongo-env-sync/internal/environment"
	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/mongotest"
)

const dstURI = "mongodb://dst:27017"

type fixture struct {
	cluster  *mongotest.Cluster
	locator  *mongotest.Locator
	registry *environment.Registry
	manager  *Manager
	root     string
	clock    time.Time
}

func newFixture(t *testing.T, withDropper bool) *fixture {
	t.Helper()

	reg, err := environment.New(environment.Environment{Name: "DST", URI: dstURI})
	require.NoError(t, err)

	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)

	f := &fixture{
		cluster:  mongotest.NewCluster(),
		locator:  &mongotest.Locator{},
		registry: reg,
		root:     root,
		clock:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	opts := Options{
		Store:    store,
		Resolver: reg,
		Locator:  f.locator,
		Runner:   f.cluster,
		Now:      func() time.Time { return f.clock },
	}
	if withDropper {
		opts.Dropper = f.cluster
	}
	f.manager, err = NewManager(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) env(t *testing.T) environment.Environment {
	env, err := f.registry.Resolve("DST")
	require.NoError(t, err)
	return env
}

func TestCreateBackup_Layout(t *testing.T) {
	f := newFixture(t, true)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a", "b"}})

	rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)

	assert.Equal(t, "DST", rec.Environment)
	assert.Equal(t, "orders", rec.Database)
	assert.Equal(t, ReasonPreImport, rec.Reason)
	assert.False(t, rec.Empty)
	assert.Greater(t, rec.SizeBytes, int64(0))
	assert.Regexp(t, `^20240301T120000Z-[0-9a-f]{8}$`, rec.ID)
	assert.Equal(t, filepath.Join(f.root, "DST", "orders", rec.ID), rec.Location)
	assert.DirExists(t, filepath.Join(rec.DumpPath, "orders"))
	assert.FileExists(t, filepath.Join(rec.Location, RecordFile))

	loaded, err := f.manager.Find(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, loaded.ID)
	assert.True(t, rec.CreatedAt.Equal(loaded.CreatedAt))
}

func TestCreateBackup_SameSecondDoesNotCollide(t *testing.T) {
	f := newFixture(t, true)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a"}})

	first, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)
	second, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)

	assert.NotEqual(t, first.Location, second.Location)
}

func TestCreateBackup_DumpFailure(t *testing.T) {
	f := newFixture(t, true)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a"}})
	f.cluster.Fail(mongotest.Failure{Tool: "mongodump", ExitCode: 2, Message: "Failed: not authorized"})

	rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")

	require.Error(t, err)
	assert.Nil(t, rec)
	var sub *apperrors.SubprocessError
	require.True(t, errors.As(err, &sub))
	assert.Equal(t, apperrors.StageBackup, sub.Stage)
	assert.Equal(t, 2, sub.ExitCode)
	assert.Equal(t, []string{"Failed: not authorized"}, sub.Tail)

	var be *BackupError
	require.True(t, errors.As(err, &be))
	location, _ := be.Context["location"].(string)
	require.NotEmpty(t, location)
	assert.NoDirExists(t, location, "an incomplete backup directory is removed")

	list, err := f.manager.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, list, "a failed dump must not appear as a usable backup")
}

func TestCreateBackup_ToolsMissing(t *testing.T) {
	f := newFixture(t, true)
	f.locator.Err = apperrors.NewToolsNotFoundError("mongodump", "not found in PATH", nil)

	_, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")

	assert.Equal(t, apperrors.ErrorTypeToolsNotFound, apperrors.GetErrorType(err))
	assert.Empty(t, f.cluster.Calls())
}

func TestRestoreBackup_ReturnsExactState(t *testing.T) {
	f := newFixture(t, true)
	before := mongotest.Database{"items": {"a", "b"}, "users": {"u1"}}
	f.cluster.Seed(dstURI, "orders", before)
	want := f.cluster.Checksum(dstURI, "orders")

	rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)

	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"x"}, "extra": {"y"}})

	require.NoError(t, f.manager.RestoreBackup(context.Background(), rec))
	assert.Equal(t, want, f.cluster.Checksum(dstURI, "orders"))

	calls := f.cluster.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "mongorestore", last.Tool)
	assert.True(t, last.Drop, "restore always drops")
}

func TestRestoreBackup_EmptyBackupDropsDatabase(t *testing.T) {
	f := newFixture(t, true)

	rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "fresh")
	require.NoError(t, err)
	assert.True(t, rec.Empty)

	f.cluster.Seed(dstURI, "fresh", mongotest.Database{"items": {"imported"}})

	require.NoError(t, f.manager.RestoreBackup(context.Background(), rec))
	assert.Nil(t, f.cluster.Snapshot(dstURI, "fresh"))
}

func TestRestoreBackup_WithoutDropperStillDropsCollections(t *testing.T) {
	f := newFixture(t, false)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a"}})

	rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)

	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a", "dup"}})
	require.NoError(t, f.manager.RestoreBackup(context.Background(), rec))

	assert.Equal(t, mongotest.Database{"items": {"a"}}, f.cluster.Snapshot(dstURI, "orders"))
}

func TestRestoreBackup_Failure(t *testing.T) {
	f := newFixture(t, true)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a"}})
	rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)

	f.cluster.Fail(mongotest.Failure{Tool: "mongorestore", ExitCode: 1})
	err = f.manager.RestoreBackup(context.Background(), rec)

	require.Error(t, err)
	var be *BackupError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, BackupErrorTypeRestore, be.Type)
	var sub *apperrors.SubprocessError
	require.True(t, errors.As(err, &sub))
	assert.Equal(t, apperrors.StageRestore, sub.Stage)
}

func TestRestoreBackup_MissingDump(t *testing.T) {
	f := newFixture(t, true)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a"}})
	rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(rec.DumpPath))
	err = f.manager.RestoreBackup(context.Background(), rec)

	require.Error(t, err)
	assert.Equal(t, mongotest.Database{"items": {"a"}}, f.cluster.Snapshot(dstURI, "orders"),
		"nothing is dropped when the backup itself is unusable")
}

func TestRestoreBackup_CancelledDropsNothing(t *testing.T) {
	f := newFixture(t, true)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a"}})
	rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)
	calls := len(f.cluster.Calls())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.manager.RestoreBackup(ctx, rec)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCancelled))
	assert.Equal(t, mongotest.Database{"items": {"a"}}, f.cluster.Snapshot(dstURI, "orders"))
	assert.Len(t, f.cluster.Calls(), calls)
}

func TestRestoreBackup_UnknownEnvironment(t *testing.T) {
	f := newFixture(t, true)
	rec := &Record{ID: "x", Environment: "GONE", Database: "orders"}

	err := f.manager.RestoreBackup(context.Background(), rec)

	assert.Equal(t, apperrors.ErrorTypeUnknownEnvironment, apperrors.GetErrorType(err))
}

func TestPrune(t *testing.T) {
	f := newFixture(t, true)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a"}})

	var created []*Record
	for i := 0; i < 4; i++ {
		f.clock = time.Date(2024, 3, 1+i, 12, 0, 0, 0, time.UTC)
		rec, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
		require.NoError(t, err)
		created = append(created, rec)
	}
	f.clock = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	dry, err := f.manager.Prune(Filter{Environment: "dst"}, RetentionPolicy{KeepLast: 2}, true)
	require.NoError(t, err)
	assert.Len(t, dry.Deleted, 2)
	assert.Len(t, dry.Kept, 2)
	for _, r := range created {
		assert.DirExists(t, r.Location, "dry run deletes nothing")
	}

	result, err := f.manager.Prune(Filter{}, RetentionPolicy{KeepLast: 1, OlderThan: 8 * 24 * time.Hour}, false)
	require.NoError(t, err)
	require.Len(t, result.Deleted, 1)
	assert.Equal(t, created[0].ID, result.Deleted[0].ID)
	assert.NoDirExists(t, created[0].Location)
	assert.DirExists(t, created[3].Location)
}

func TestPrune_AlwaysKeepsNewest(t *testing.T) {
	f := newFixture(t, true)
	f.cluster.Seed(dstURI, "orders", mongotest.Database{"items": {"a"}})
	_, err := f.manager.CreateBackup(context.Background(), f.env(t), "orders")
	require.NoError(t, err)

	result, err := f.manager.Prune(Filter{}, RetentionPolicy{KeepLast: 0}, false)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.Len(t, result.Kept, 1)

	_, err = f.manager.Prune(Filter{}, RetentionPolicy{KeepLast: -1}, false)
	assert.Error(t, err)
}

func TestList_SkipsExports(t *testing.T) {
	f := newFixture(t, true)
	dir, err := f.manager.Store().PrepareExport("SRC", "orders", "20240101T000000Z-abcdef12")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, RecordFile), []byte("{}"), 0o640))

	list, err := f.manager.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFind_NotFound(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.manager.Find("nope")

	assert.True(t, IsNotFound(err))
}

func TestDelete_RefusesOutsideRoot(t *testing.T) {
	f := newFixture(t, true)

	err := f.manager.Store().Delete(&Record{ID: "x", Location: t.TempDir()})

	assert.Error(t, err)
}
