// Package orchestrator runs the sync workflow: validate, export the source,
// back up the target, import, and restore the backup when the import fails.
//
// The workflow is strictly sequential. Every step that can change the target
// runs after a successful export and, when requested, a successful backup, so
// a failure before the import never touches the target at all.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mongo-env-sync/internal/backup"
	"mongo-env-sync/internal/environment"
	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/logging"
	"mongo-env-sync/internal/runner"
	"mongo-env-sync/internal/tools"
)

// Resolver maps environment names to connection details
type Resolver interface {
	Resolve(name string) (environment.Environment, error)
}

// ToolLocator provides validated dump and restore executables
type ToolLocator interface {
	Locate(ctx context.Context) (*tools.Paths, error)
}

// Backups creates and restores pre-import backups
type Backups interface {
	CreateBackup(ctx context.Context, env environment.Environment, database string) (*backup.Record, error)
	RestoreBackup(ctx context.Context, rec *backup.Record) error
}

// ExportStore allocates directories for source exports
type ExportStore interface {
	PrepareExport(env, database, id string) (string, error)
}

// Clearer empties target collections for clear-mode imports
type Clearer interface {
	ClearCollections(ctx context.Context, uri, database string) (int, error)
}

// SourceChecker confirms the source database exists before exporting it
type SourceChecker interface {
	DatabaseExists(ctx context.Context, uri, database string) (bool, error)
}

// Options wires the orchestrator's collaborators
type Options struct {
	Resolver Resolver
	Locator  ToolLocator
	Runner   runner.Runner
	Backups  Backups
	Exports  ExportStore
	// Clearer is required only for clear-mode requests
	Clearer Clearer
	// SourceChecker is optional
	SourceChecker SourceChecker
	Logger        *logging.Logger
	// OnTransition is called after every state change
	OnTransition func(from, to State)
	Now          func() time.Time
	Token        func() string
}

// Orchestrator runs sync requests
type Orchestrator struct {
	resolver      Resolver
	locator       ToolLocator
	runner        runner.Runner
	backups       Backups
	exports       ExportStore
	clearer       Clearer
	sourceChecker SourceChecker
	logger        *logging.Logger
	onTransition  func(from, to State)
	now           func() time.Time
	token         func() string
}

// New creates an orchestrator
func New(opts Options) (*Orchestrator, error) {
	if opts.Resolver == nil || opts.Locator == nil || opts.Runner == nil || opts.Backups == nil || opts.Exports == nil {
		return nil, apperrors.NewConfigurationError("orchestrator requires resolver, locator, runner, backups and export store", nil)
	}

	o := &Orchestrator{
		resolver:      opts.Resolver,
		locator:       opts.Locator,
		runner:        opts.Runner,
		backups:       opts.Backups,
		exports:       opts.Exports,
		clearer:       opts.Clearer,
		sourceChecker: opts.SourceChecker,
		logger:        opts.Logger,
		onTransition:  opts.OnTransition,
		now:           opts.Now,
		token:         opts.Token,
	}
	if o.logger == nil {
		o.logger = logging.NewNopLogger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.token == nil {
		o.token = backup.NewToken
	}
	return o, nil
}

// run carries the state of one Sync call
type run struct {
	o       *Orchestrator
	req     SyncRequest
	source  environment.Environment
	target  environment.Environment
	paths   *tools.Paths
	outcome *Outcome
}

// Sync executes req. The returned outcome is never nil; its Err equals the returned error.
func (o *Orchestrator) Sync(ctx context.Context, req SyncRequest) (*Outcome, error) {
	start := o.now()
	r := &run{
		o: o,
		outcome: &Outcome{
			Request:     req,
			State:       StateValidating,
			Transitions: []State{StateValidating},
		},
	}

	r.execute(ctx, req)

	r.outcome.Duration = o.now().Sub(start)
	o.logger.WithFields(map[string]interface{}{
		"state":       string(r.outcome.State),
		"exported":    r.outcome.Exported,
		"backed_up":   r.outcome.BackedUp,
		"imported":    r.outcome.Imported,
		"rolled_back": r.outcome.RolledBack,
		"duration":    r.outcome.Duration.String(),
	}).Info("Sync finished")
	return r.outcome, r.outcome.Err
}

func (r *run) execute(ctx context.Context, req SyncRequest) {
	if err := r.validate(ctx, req); err != nil {
		r.fail(ctx, err)
		return
	}

	if r.req.DryRun {
		r.outcome.Plan = r.plan()
		r.transition(StateSucceeded)
		return
	}

	r.transition(StateExporting)
	exportDir, err := r.export(ctx)
	if err != nil {
		r.fail(ctx, err)
		return
	}

	if r.req.Backup {
		r.transition(StateBackingUp)
		rec, err := r.o.backups.CreateBackup(ctx, r.target, r.req.TargetDB)
		if err != nil {
			r.fail(ctx, err)
			return
		}
		r.outcome.BackedUp = true
		r.outcome.Backup = rec
	}

	r.transition(StateImporting)
	if err := r.importExport(ctx, exportDir); err != nil {
		r.recover(ctx, err)
		return
	}
	r.outcome.Imported = true
	r.transition(StateSucceeded)
}

// validate resolves everything the workflow needs. Nothing here touches a database
// except the optional read-only source check, which runs after the tools are found.
func (r *run) validate(ctx context.Context, req SyncRequest) error {
	req, err := req.Normalize()
	if err != nil {
		return err
	}
	r.req = req
	r.outcome.Request = req

	if r.source, err = r.o.resolver.Resolve(req.SourceEnv); err != nil {
		return err
	}
	if r.target, err = r.o.resolver.Resolve(req.TargetEnv); err != nil {
		return err
	}
	if req.Mode() == tools.ModeClear && r.o.clearer == nil {
		return apperrors.NewConfigurationError("clear mode needs a database connection, none is configured", nil)
	}

	if r.paths, err = r.o.locator.Locate(ctx); err != nil {
		return err
	}

	if req.SelfSync() {
		r.warn(fmt.Sprintf("Source and target are the same database (%s/%s)", r.target.Key, req.TargetDB))
	}
	if !req.Backup {
		r.warn("Backup is disabled: a failed import cannot be rolled back")
	}

	if r.o.sourceChecker != nil {
		exists, err := r.o.sourceChecker.DatabaseExists(ctx, r.source.URI, req.SourceDB)
		if err != nil {
			if apperrors.IsCancelled(err) || ctx.Err() != nil {
				return err
			}
			r.warn(fmt.Sprintf("Could not verify that %s/%s exists: %v", r.source.Key, req.SourceDB, err))
		} else if !exists {
			return apperrors.NewConfigurationError(
				fmt.Sprintf("database %q does not exist in environment %s", req.SourceDB, r.source.Key), nil)
		}
	}

	r.o.logger.WithFields(map[string]interface{}{
		"source":    r.source.Key + "/" + req.SourceDB,
		"target":    r.target.Key + "/" + req.TargetDB,
		"mode":      string(req.Mode()),
		"backup":    req.Backup,
		"dump_tool": r.paths.Dump,
	}).Info("Sync validated")
	return nil
}

func (r *run) plan() []Step {
	steps := []Step{{
		State:       StateExporting,
		Description: fmt.Sprintf("export %s from %s", r.req.SourceDB, r.source.Key),
	}}
	if r.req.Backup {
		steps = append(steps, Step{
			State:       StateBackingUp,
			Description: fmt.Sprintf("back up %s on %s", r.req.TargetDB, r.target.Key),
		})
	}
	steps = append(steps, Step{
		State:       StateImporting,
		Description: fmt.Sprintf("import into %s on %s (%s)", r.req.TargetDB, r.target.Key, r.req.Mode()),
	})
	return steps
}

// export dumps the source and returns the directory that holds <target db>/
func (r *run) export(ctx context.Context) (string, error) {
	id := backup.NewID(r.o.now(), r.o.token())
	dir, err := r.o.exports.PrepareExport(r.source.Key, r.req.SourceDB, id)
	if err != nil {
		return "", err
	}
	r.outcome.ExportPath = dir

	cmd := tools.DumpCommand(r.paths, r.source.URI, r.req.SourceDB, dir, string(apperrors.StageExport))
	outcome, err := r.o.runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if !outcome.Success() {
		return "", &apperrors.SubprocessError{
			Stage:    apperrors.StageExport,
			Tool:     tools.DumpTool,
			ExitCode: outcome.ExitCode,
			Tail:     outcome.Tail,
		}
	}

	dumped := filepath.Join(dir, r.req.SourceDB)
	if info, statErr := os.Stat(dumped); statErr != nil || !info.IsDir() {
		return "", apperrors.NewAppError(apperrors.ErrorTypeSubprocess,
			fmt.Sprintf("export of %s/%s produced no data", r.source.Key, r.req.SourceDB), statErr).
			WithContext("export_path", dir).
			WithUserMessage(fmt.Sprintf("mongodump wrote nothing for database %q. Check the database name and the permissions of the source user.", r.req.SourceDB))
	}

	if r.req.TargetDB != r.req.SourceDB {
		if err := os.Rename(dumped, filepath.Join(dir, r.req.TargetDB)); err != nil {
			return "", apperrors.NewAppError(apperrors.ErrorTypeIO, "could not rename export for the target database", err).
				WithContext("export_path", dir)
		}
	}

	r.outcome.Exported = true
	r.o.logger.WithField("export_path", dir).Info("Export completed")
	return dir, nil
}

// importExport applies the export to the target according to the import mode
func (r *run) importExport(ctx context.Context, exportDir string) error {
	if r.req.Mode() == tools.ModeClear {
		cleared, err := r.o.clearer.ClearCollections(ctx, r.target.URI, r.req.TargetDB)
		if err != nil {
			return &apperrors.SubprocessError{Stage: apperrors.StageClear, Cause: err}
		}
		r.o.logger.Infof("Cleared %d collections in %s/%s", cleared, r.target.Key, r.req.TargetDB)
	}

	cmd := tools.RestoreCommand(r.paths, r.target.URI, r.req.TargetDB, exportDir, r.req.Drop, string(apperrors.StageImport))
	outcome, err := r.o.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !outcome.Success() {
		return &apperrors.SubprocessError{
			Stage:    apperrors.StageImport,
			Tool:     tools.RestoreTool,
			ExitCode: outcome.ExitCode,
			Tail:     outcome.Tail,
		}
	}
	return nil
}

// recover handles a failed or interrupted import
func (r *run) recover(ctx context.Context, importErr error) {
	interrupted := isCancellation(ctx, importErr)
	rec := r.outcome.Backup

	if rec == nil {
		r.warn("No backup was available: the target database may be partially modified")
		r.fail(ctx, importErr)
		return
	}

	r.transition(StateRollingBack)
	r.o.logger.WithFields(map[string]interface{}{
		"backup_id": rec.ID,
		"location":  rec.Location,
	}).Warn("Import failed, restoring target from backup")

	// once rolling back, an interrupt must not stop the restore half way
	restoreCtx := context.WithoutCancel(ctx)

	if err := r.o.backups.RestoreBackup(restoreCtx, rec); err != nil {
		r.outcome.Err = apperrors.NewRestoreFailure(rec.Location, err).
			WithContext("import_error", importErr.Error())
		r.o.logger.WithField("location", rec.Location).Error("Restore from backup failed: manual intervention required")
		r.transition(StateFailed)
		return
	}

	r.outcome.RolledBack = true
	r.outcome.Err = importErr
	if interrupted {
		r.outcome.Err = cancelled(importErr)
		r.transition(StateCancelled)
		return
	}
	r.transition(StateRolledBack)
}

// fail ends the workflow, as cancelled when the error came from an interruption
func (r *run) fail(ctx context.Context, err error) {
	if isCancellation(ctx, err) {
		r.outcome.Err = cancelled(err)
		r.transition(StateCancelled)
		return
	}
	r.outcome.Err = err
	r.transition(StateFailed)
}

func (r *run) transition(to State) {
	from := r.outcome.State
	if !canTransition(from, to) {
		r.o.logger.Errorf("Illegal state transition %s -> %s", from, to)
		return
	}
	r.outcome.State = to
	r.outcome.Transitions = append(r.outcome.Transitions, to)
	r.o.logger.LogStateTransition(string(from), string(to))
	if r.o.onTransition != nil {
		r.o.onTransition(from, to)
	}
}

func (r *run) warn(msg string) {
	r.outcome.Warnings = append(r.outcome.Warnings, msg)
	r.o.logger.Warn(msg)
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) || apperrors.IsCancelled(err)
}

func cancelled(err error) error {
	if errors.Is(err, apperrors.ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %v", apperrors.ErrCancelled, err)
}
