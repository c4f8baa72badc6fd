// Package backup takes and restores point-in-time dumps of a target database.
//
// Backups are plain mongodump output directories with a small JSON record next
// to them, so they can always be restored by hand with mongorestore. Nothing in
// the sync workflow deletes a backup; only an explicit prune does.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"mongo-env-sync/internal/environment"
	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/logging"
	"mongo-env-sync/internal/runner"
	"mongo-env-sync/internal/tools"
)

// Resolver maps an environment name to its connection details
type Resolver interface {
	Resolve(name string) (environment.Environment, error)
}

// ToolLocator provides the dump and restore executables
type ToolLocator interface {
	Locate(ctx context.Context) (*tools.Paths, error)
}

// DatabaseDropper removes a whole database so a restore leaves nothing the backup did not contain
type DatabaseDropper interface {
	DropDatabase(ctx context.Context, uri, database string) error
}

// Options configures a Manager
type Options struct {
	Store    *LocalStore
	Resolver Resolver
	Locator  ToolLocator
	Runner   runner.Runner
	// Dropper is optional. Without it a restore only replaces collections present in the backup.
	Dropper DatabaseDropper
	Logger  *logging.Logger
	Now     func() time.Time
	Token   func() string
}

// Manager creates and restores backups
type Manager struct {
	store    *LocalStore
	resolver Resolver
	locator  ToolLocator
	runner   runner.Runner
	dropper  DatabaseDropper
	logger   *logging.Logger
	now      func() time.Time
	token    func() string
}

// NewManager creates a backup manager
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, NewValidationError("backup store is required", nil)
	}
	if opts.Resolver == nil || opts.Locator == nil || opts.Runner == nil {
		return nil, NewValidationError("resolver, tool locator and runner are required", nil)
	}

	m := &Manager{
		store:    opts.Store,
		resolver: opts.Resolver,
		locator:  opts.Locator,
		runner:   opts.Runner,
		dropper:  opts.Dropper,
		logger:   opts.Logger,
		now:      opts.Now,
		token:    opts.Token,
	}
	if m.logger == nil {
		m.logger = logging.NewNopLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.token == nil {
		m.token = NewToken
	}
	return m, nil
}

// NewToken returns a short random suffix that keeps concurrent runs from sharing a directory
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Store exposes the underlying layout
func (m *Manager) Store() *LocalStore {
	return m.store
}

// CreateBackup dumps database from env before a destructive import
func (m *Manager) CreateBackup(ctx context.Context, env environment.Environment, database string) (*Record, error) {
	return m.Snapshot(ctx, env, database, ReasonPreImport)
}

// Snapshot dumps database from env into a new backup directory
func (m *Manager) Snapshot(ctx context.Context, env environment.Environment, database string, reason Reason) (rec *Record, err error) {
	finish := m.logger.LogOperationStart("backup", map[string]interface{}{
		"environment": env.Key,
		"database":    database,
	})
	defer func() { finish(err) }()

	paths, err := m.locator.Locate(ctx)
	if err != nil {
		return nil, err
	}

	createdAt := m.now().UTC()
	id := NewID(createdAt, m.token())
	dir, err := m.store.PrepareBackup(env.Key, database, id)
	if err != nil {
		return nil, err
	}
	// list and prune never see a directory without backup.json
	defer func() {
		if err == nil {
			return
		}
		if discardErr := m.store.Discard(dir); discardErr != nil {
			m.logger.Warnf("Could not remove incomplete backup %s: %v", dir, discardErr)
		}
	}()

	dumpPath := filepath.Join(dir, DumpDir)
	cmd := tools.DumpCommand(paths, env.URI, database, dumpPath, string(apperrors.StageBackup))
	outcome, err := m.runner.Run(ctx, cmd)
	if err != nil {
		return nil, NewDumpError(fmt.Sprintf("backup of %s/%s did not complete", env.Key, database), err).
			WithContext("location", dir)
	}
	if !outcome.Success() {
		return nil, NewDumpError(fmt.Sprintf("backup of %s/%s failed", env.Key, database), &apperrors.SubprocessError{
			Stage:    apperrors.StageBackup,
			Tool:     tools.DumpTool,
			ExitCode: outcome.ExitCode,
			Tail:     outcome.Tail,
		}).WithContext("location", dir)
	}

	rec = &Record{
		ID:          id,
		Environment: env.Key,
		Database:    database,
		Location:    dir,
		DumpPath:    dumpPath,
		CreatedAt:   createdAt,
		CreatedBy:   currentUser(),
		Reason:      reason,
	}
	if paths.DumpVersion != nil {
		rec.ToolVersion = paths.DumpVersion.String()
	}

	if info, statErr := os.Stat(filepath.Join(dumpPath, database)); statErr != nil || !info.IsDir() {
		// mongodump writes nothing for a database that does not exist yet
		rec.Empty = true
		m.logger.Warnf("Backup of %s/%s is empty: the database has no collections", env.Key, database)
	} else {
		if size, sizeErr := DirSize(dumpPath); sizeErr == nil {
			rec.SizeBytes = size
		}
		if sum, sumErr := CalculateChecksum(dumpPath); sumErr == nil {
			rec.Checksum = sum
		} else {
			m.logger.Warnf("Could not checksum backup %s: %v", id, sumErr)
		}
	}

	if err = m.store.SaveRecord(rec); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"backup_id": rec.ID,
		"location":  rec.Location,
		"size":      rec.SizeBytes,
	}).Info("Backup created")

	return rec, nil
}

// RestoreBackup returns the record's database to the backed-up state.
// Existing collections are always dropped, whatever the original import mode was.
func (m *Manager) RestoreBackup(ctx context.Context, rec *Record) (err error) {
	if rec == nil {
		return NewValidationError("backup record is required", nil)
	}

	finish := m.logger.LogOperationStart("restore", map[string]interface{}{
		"environment": rec.Environment,
		"database":    rec.Database,
		"backup_id":   rec.ID,
	})
	defer func() { finish(err) }()

	env, err := m.resolver.Resolve(rec.Environment)
	if err != nil {
		return err
	}
	paths, err := m.locator.Locate(ctx)
	if err != nil {
		return err
	}

	if err = ValidateIntegrity(rec); err != nil {
		return err
	}

	// nothing is dropped unless the restore can still start
	if err = ctx.Err(); err != nil {
		return NewRestoreError(fmt.Sprintf("restore of %s/%s not started", env.Key, rec.Database), apperrors.ErrCancelled).
			WithContext("location", rec.Location)
	}

	if m.dropper != nil {
		if dropErr := m.dropper.DropDatabase(ctx, env.URI, rec.Database); dropErr != nil {
			return NewRestoreError(fmt.Sprintf("could not drop %s/%s before restoring", env.Key, rec.Database), dropErr).
				WithContext("location", rec.Location)
		}
	}

	if rec.Empty {
		if m.dropper == nil {
			m.logger.Warnf("Backup %s is empty and no database connection is available; collections created since the backup were left in place", rec.ID)
		}
		return nil
	}

	cmd := tools.RestoreCommand(paths, env.URI, rec.Database, rec.DumpPath, true, string(apperrors.StageRestore))
	outcome, err := m.runner.Run(ctx, cmd)
	if err != nil {
		return NewRestoreError(fmt.Sprintf("restore of %s/%s did not complete", env.Key, rec.Database), err).
			WithContext("location", rec.Location)
	}
	if !outcome.Success() {
		return NewRestoreError(fmt.Sprintf("restore of %s/%s failed", env.Key, rec.Database), &apperrors.SubprocessError{
			Stage:    apperrors.StageRestore,
			Tool:     tools.RestoreTool,
			ExitCode: outcome.ExitCode,
			Tail:     outcome.Tail,
		}).WithContext("location", rec.Location)
	}

	m.logger.WithFields(map[string]interface{}{
		"backup_id":   rec.ID,
		"environment": env.Key,
		"database":    rec.Database,
	}).Info("Backup restored")

	return nil
}

// List returns backups matching filter, newest first
func (m *Manager) List(filter Filter) ([]*Record, error) {
	return m.store.List(filter)
}

// Find resolves a backup by ID or directory
func (m *Manager) Find(ref string) (*Record, error) {
	return m.store.Find(ref)
}

// IsNotFound reports whether err means the backup does not exist
func IsNotFound(err error) bool {
	var be *BackupError
	return errors.As(err, &be) && be.Type == BackupErrorTypeNotFound
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
