package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"mongo-env-sync/internal/backup"
	"mongo-env-sync/internal/config"
	"mongo-env-sync/internal/confirmation"
	"mongo-env-sync/internal/display"
	"mongo-env-sync/internal/environment"
	appErrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/exitcodes"
	"mongo-env-sync/internal/logging"
	"mongo-env-sync/internal/mongodb"
	"mongo-env-sync/internal/orchestrator"
	"mongo-env-sync/internal/runner"
	"mongo-env-sync/internal/tools"
)

// maxConcurrentQueries bounds the environments queried at once by Environments
const maxConcurrentQueries = 4

// Database is the driver-backed surface the application needs
type Database interface {
	Ping(ctx context.Context, uri string) error
	ListDatabases(ctx context.Context, uri string) ([]mongodb.DatabaseInfo, error)
	DatabaseExists(ctx context.Context, uri, database string) (bool, error)
	ClearCollections(ctx context.Context, uri, database string) (int, error)
	DropDatabase(ctx context.Context, uri, database string) error
}

// Options configures an Application. Zero-valued collaborators are built from Config.
type Options struct {
	Config  *config.Config
	Environ []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer

	Logger   *logging.Logger
	Runner   runner.Runner
	Locator  orchestrator.ToolLocator
	Database Database
	Prompts  confirmation.ConfirmationService
}

// Application represents the main application
type Application struct {
	cfg          *config.Config
	logger       *logging.Logger
	printer      *display.Printer
	registry     *environment.Registry
	locator      orchestrator.ToolLocator
	backups      *backup.Manager
	db           Database
	prompts      confirmation.ConfirmationService
	orchestrator *orchestrator.Orchestrator
	stderr       io.Writer
}

// SyncOptions controls the interactive parts of a sync
type SyncOptions struct {
	// Interactive prompts for missing request fields and for a final confirmation
	Interactive bool
	// AskOptions also prompts for backup and import mode
	AskOptions bool
	// AutoApprove skips the final confirmation
	AutoApprove bool
}

// NewApplication wires the application from its configuration
func NewApplication(opts Options) (*Application, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewLogger(logging.Config{
			Level:   logging.ParseLevel(cfg.LogLevel),
			Output:  opts.Stderr,
			Format:  cfg.LogFormat,
			LogFile: cfg.LogFile,
		})
		if err != nil {
			return nil, appErrors.NewConfigurationError("failed to initialize logging", err)
		}
	}

	format, err := display.ParseFormat(cfg.Display.OutputFormat)
	if err != nil {
		return nil, err
	}
	printer := display.New(display.Options{
		Out:          opts.Stdout,
		Err:          opts.Stderr,
		ColorEnabled: cfg.Display.ColorEnabled,
		UseIcons:     cfg.Display.UseIcons,
		ShowProgress: cfg.Display.ShowProgress,
		Format:       format,
	})

	registry, err := environment.Load(opts.Environ, cfg.EnvPrefix, cfg.EnvSuffix)
	if err != nil {
		return nil, err
	}
	logger.WithField("environments", strings.Join(registry.Names(), ",")).Debug("Environments loaded")

	toolRunner := opts.Runner
	locator := opts.Locator
	if toolRunner == nil {
		base := runner.New(runner.Options{TailLines: cfg.TailLines, GracePeriod: cfg.GracePeriod, Logger: logger})
		if locator == nil {
			locator, err = tools.NewLocator(tools.Config{BinDir: cfg.BinPath, MinVersion: cfg.MinToolVersion}, base, logger)
			if err != nil {
				return nil, err
			}
		}
		toolRunner = base
		if sink := printer.Progress(); sink != nil {
			toolRunner = base.WithProgress(sink)
		}
	}
	if locator == nil {
		locator, err = tools.NewLocator(tools.Config{BinDir: cfg.BinPath, MinVersion: cfg.MinToolVersion}, toolRunner, logger)
		if err != nil {
			return nil, err
		}
	}

	db := opts.Database
	if db == nil {
		retry := appErrors.DefaultRetryConfig()
		db = mongodb.NewClient(mongodb.Config{Timeout: cfg.ConnectTimeout, Retry: retry}, logger)
	}

	store, err := backup.NewLocalStore(cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	backups, err := backup.NewManager(backup.Options{
		Store:    store,
		Resolver: registry,
		Locator:  locator,
		Runner:   toolRunner,
		Dropper:  db,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Resolver:      registry,
		Locator:       locator,
		Runner:        toolRunner,
		Backups:       backups,
		Exports:       store,
		Clearer:       db,
		SourceChecker: db,
		Logger:        logger,
		OnTransition:  printer.Transition,
	})
	if err != nil {
		return nil, err
	}

	prompts := opts.Prompts
	if prompts == nil {
		prompts = confirmation.NewConfirmationService(opts.Stdin, opts.Stderr, cfg.Display.ColorEnabled)
	}

	return &Application{
		cfg:          cfg,
		logger:       logger,
		printer:      printer,
		registry:     registry,
		locator:      locator,
		backups:      backups,
		db:           db,
		prompts:      prompts,
		orchestrator: orch,
		stderr:       opts.Stderr,
	}, nil
}

// Sync runs one synchronization and reports it. The returned error carries the
// exit code for anything but success.
func (app *Application) Sync(ctx context.Context, req orchestrator.SyncRequest, opts SyncOptions) (*orchestrator.Outcome, error) {
	if err := app.registry.RequireAny(); err != nil {
		app.handleExecutionError(err)
		return nil, err
	}

	if opts.Interactive {
		completed, err := app.prompts.CompleteRequest(ctx, req, confirmation.Choices{
			Environments: app.registry.Names(),
			Databases:    app.databaseNames,
			AskOptions:   opts.AskOptions,
		})
		if err != nil {
			app.handleExecutionError(err)
			return nil, err
		}
		req = completed
	}
	if normalized, err := req.Normalize(); err == nil {
		req = normalized
	}

	if opts.Interactive && !req.DryRun {
		ok, err := app.prompts.ConfirmSync(ctx, req, opts.AutoApprove)
		if err != nil {
			app.handleExecutionError(err)
			return nil, err
		}
		if !ok {
			app.logger.Info("Sync declined at confirmation")
			return nil, nil
		}
	}

	app.printer.RenderRequest(req)
	app.logger.WithFields(map[string]interface{}{
		"source": req.SourceEnv + "/" + req.SourceDB,
		"target": req.TargetEnv + "/" + req.TargetDB,
	}).Info("Mongo env sync starting")

	outcome, err := app.orchestrator.Sync(ctx, req)
	code := exitcodes.FromState(string(outcome.State), err)
	if renderErr := app.printer.RenderOutcome(outcome, code); renderErr != nil {
		app.logger.WithField("error", renderErr.Error()).Warn("Failed to render outcome")
	}

	if err != nil {
		app.logError(err)
		app.provideTroubleshootingHints(err)
	}
	if code != exitcodes.Success {
		return outcome, exitcodes.NewExitError(err, code)
	}
	return outcome, nil
}

func (app *Application) databaseNames(ctx context.Context, envName string) ([]string, error) {
	env, err := app.registry.Resolve(envName)
	if err != nil {
		return nil, err
	}
	dbs, err := app.db.ListDatabases(ctx, env.URI)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(dbs))
	for i, db := range dbs {
		names[i] = db.Name
	}
	return names, nil
}

// Environments describes every configured environment. Unless offline, each
// one is queried for its databases; an unreachable environment is reported,
// not fatal.
func (app *Application) Environments(ctx context.Context, offline bool) ([]display.EnvironmentView, error) {
	envs := app.registry.List()
	views := make([]display.EnvironmentView, len(envs))
	for i, env := range envs {
		views[i] = display.EnvironmentView{Name: env.Name, Variable: env.Variable, URI: env.MaskedURI()}
	}
	if offline {
		return views, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentQueries)
	for i, env := range envs {
		i, env := i, env
		eg.Go(func() error {
			dbs, err := app.db.ListDatabases(egCtx, env.URI)
			if err != nil {
				if appErrors.IsCancelled(err) {
					return err
				}
				app.logger.WithFields(map[string]interface{}{
					"environment": env.Name,
					"error":       logging.SanitizeURI(err.Error()),
				}).Warn("Environment unreachable")
				views[i].Error = logging.SanitizeURI(describe(err))
				return nil
			}
			for _, db := range dbs {
				views[i].Databases = append(views[i].Databases, display.DatabaseView{Name: db.Name, SizeOnDisk: db.SizeOnDisk, Empty: db.Empty})
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// ShowEnvironments renders Environments
func (app *Application) ShowEnvironments(ctx context.Context, offline bool) error {
	views, err := app.Environments(ctx, offline)
	if err != nil {
		app.handleExecutionError(err)
		return err
	}
	if len(views) == 0 && !app.printer.Structured() {
		app.printer.Warning("No environments configured")
		app.printer.Info(fmt.Sprintf("Define environments as %s_<NAME>_%s variables, for example %s_DEV_%s=mongodb://localhost:27017",
			app.cfg.EnvPrefix, app.cfg.EnvSuffix, app.cfg.EnvPrefix, app.cfg.EnvSuffix))
		return nil
	}
	return app.printer.RenderEnvironments(views)
}

// ListBackups renders the backups matching filter
func (app *Application) ListBackups(filter backup.Filter) error {
	records, err := app.backups.List(filter)
	if err != nil {
		app.handleExecutionError(err)
		return err
	}
	return app.printer.RenderBackups(records)
}

// ShowBackup renders one backup found by ID or path
func (app *Application) ShowBackup(ref string) error {
	rec, err := app.backups.Find(ref)
	if err != nil {
		app.handleExecutionError(err)
		return err
	}
	return app.printer.RenderBackup(rec)
}

// CreateBackup takes a manual backup of database in the named environment
func (app *Application) CreateBackup(ctx context.Context, envName, database string) (*backup.Record, error) {
	env, err := app.registry.Resolve(envName)
	if err != nil {
		app.handleExecutionError(err)
		return nil, err
	}
	if strings.TrimSpace(database) == "" {
		err := appErrors.NewConfigurationError("database name is required", nil)
		app.handleExecutionError(err)
		return nil, err
	}

	rec, err := app.backups.Snapshot(ctx, env, database, backup.ReasonManual)
	if err != nil {
		app.handleExecutionError(err)
		return nil, err
	}
	if rec.Empty {
		app.printer.Warning(fmt.Sprintf("Database %s does not exist in %s; the backup is empty", database, env.Name))
	}
	app.printer.Success(fmt.Sprintf("Backed up %s/%s to %s", env.Name, database, rec.Location))
	return rec, app.printer.RenderBackup(rec)
}

// VerifyBackup checks that a backup is complete and unchanged since it was taken
func (app *Application) VerifyBackup(ref string) error {
	rec, err := app.backups.Find(ref)
	if err == nil {
		err = backup.ValidateIntegrity(rec)
	}
	if err != nil {
		app.handleExecutionError(err)
		return err
	}
	if rec.Checksum == "" && !rec.Empty {
		app.printer.Warning(fmt.Sprintf("Backup %s has no recorded checksum; only its layout was checked", rec.ID))
	}
	app.printer.Success(fmt.Sprintf("Backup %s is intact", rec.ID))
	return nil
}

// RestoreBackup restores a backup into the environment and database it was taken from
func (app *Application) RestoreBackup(ctx context.Context, ref string, interactive, autoApprove bool) error {
	rec, err := app.backups.Find(ref)
	if err == nil {
		err = app.checkReachable(ctx, rec.Environment)
	}
	if err != nil {
		app.handleExecutionError(err)
		return err
	}

	if interactive {
		question := fmt.Sprintf("Replace %s/%s with backup %s?", rec.Environment, rec.Database, rec.ID)
		ok, err := app.prompts.Confirm(ctx, question, autoApprove)
		if err != nil {
			app.handleExecutionError(err)
			return err
		}
		if !ok {
			return nil
		}
	}

	if err := app.backups.RestoreBackup(ctx, rec); err != nil {
		err = restoreFailure(rec, err)
		app.handleExecutionError(err)
		return err
	}
	app.printer.Success(fmt.Sprintf("Restored %s/%s from %s", rec.Environment, rec.Database, rec.Location))
	return nil
}

// restoreFailure escalates a restore that got as far as touching the target database
func restoreFailure(rec *backup.Record, err error) error {
	var backupErr *backup.BackupError
	if appErrors.IsCancelled(err) || !errors.As(err, &backupErr) || backupErr.Type != backup.BackupErrorTypeRestore {
		return err
	}
	return appErrors.NewAppError(appErrors.ErrorTypeRestoreFailure, "restore from backup failed", err).
		WithContext("backup", rec.Location).
		WithUserMessage(fmt.Sprintf(
			"MANUAL INTERVENTION REQUIRED: restoring %s/%s from %s failed. The database may be in an inconsistent state; "+
				"retry with `mongo-env-sync backup restore %s` once the cause is fixed.",
			rec.Environment, rec.Database, rec.Location, rec.ID))
}

// checkReachable pings the named environment before anything destructive is asked for
func (app *Application) checkReachable(ctx context.Context, envName string) error {
	env, err := app.registry.Resolve(envName)
	if err != nil {
		return err
	}
	if err := app.db.Ping(ctx, env.URI); err != nil {
		if appErrors.IsCancelled(err) {
			return err
		}
		return appErrors.NewAppError(appErrors.ErrorTypeConnection, fmt.Sprintf("environment %s is not reachable", env.Name), err).
			WithUserMessage(fmt.Sprintf("Environment %s is not reachable: %s", env.Name, logging.SanitizeURI(describe(err))))
	}
	return nil
}

// PruneBackups applies a retention policy to the backups matching filter
func (app *Application) PruneBackups(filter backup.Filter, policy backup.RetentionPolicy, dryRun bool) error {
	res, err := app.backups.Prune(filter, policy, dryRun)
	if err != nil {
		app.handleExecutionError(err)
		return err
	}
	if err := app.printer.RenderPrune(res); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return appErrors.NewAppError(appErrors.ErrorTypeIO, fmt.Sprintf("%d backup(s) could not be deleted", len(res.Errors)), nil)
	}
	return nil
}

// describe returns the user message of an AppError, or the error text
func describe(err error) string {
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return err.Error()
}

// userMessage formats known error types and falls back to the error text
func userMessage(err error) string {
	var appErr *appErrors.AppError
	var subErr *appErrors.SubprocessError
	if errors.As(err, &appErr) || errors.As(err, &subErr) {
		return appErrors.FormatUserError(err)
	}
	return logging.SanitizeURI(err.Error())
}

// handleExecutionError prints a user-facing error and hints
func (app *Application) handleExecutionError(err error) {
	if err == nil {
		return
	}
	app.printer.Error(userMessage(err))
	app.logError(err)
	app.provideTroubleshootingHints(err)
}

func (app *Application) logError(err error) {
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		app.logger.WithFields(map[string]interface{}{
			"error_type":  string(appErr.Type),
			"recoverable": appErr.IsRecoverable(),
			"context":     appErr.Context,
		}).Debug("Execution failed")
		return
	}
	app.logger.WithField("error", logging.SanitizeURI(err.Error())).Debug("Execution failed")
}

// provideTroubleshootingHints provides helpful troubleshooting information
func (app *Application) provideTroubleshootingHints(err error) {
	w := app.stderr
	switch appErrors.GetErrorType(err) {
	case appErrors.ErrorTypeUnknownEnvironment, appErrors.ErrorTypeConfiguration:
		if app.registry.Len() == 0 {
			fmt.Fprintf(w, "\nTroubleshooting hints:\n")
			fmt.Fprintf(w, "- Define environments as %s_<NAME>_%s variables, for example %s_DEV_%s=mongodb://localhost:27017\n",
				app.cfg.EnvPrefix, app.cfg.EnvSuffix, app.cfg.EnvPrefix, app.cfg.EnvSuffix)
			fmt.Fprintf(w, "- Variables can also be placed in a .env file in the working directory\n")
			return
		}
		if appErrors.GetErrorType(err) == appErrors.ErrorTypeUnknownEnvironment {
			fmt.Fprintf(w, "\nTroubleshooting hints:\n")
			fmt.Fprintf(w, "- Configured environments: %s\n", strings.Join(app.registry.Names(), ", "))
			fmt.Fprintf(w, "- Environment names are matched case-insensitively\n")
		}

	case appErrors.ErrorTypeToolsNotFound:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- Install the MongoDB Database Tools (mongodump and mongorestore)\n")
		fmt.Fprintf(w, "- Set MONGODB_BIN_PATH to the directory containing them, or add it to PATH\n")
		if app.cfg.MinToolVersion != "" {
			fmt.Fprintf(w, "- Version %s or newer is required\n", app.cfg.MinToolVersion)
		}

	case appErrors.ErrorTypeConnection:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- Check that the MongoDB server is running and reachable\n")
		fmt.Fprintf(w, "- Verify the host and port in the connection string\n")
		fmt.Fprintf(w, "- Check firewall settings and IP allow lists\n")

	case appErrors.ErrorTypePermission:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- Verify the username and password in the connection string\n")
		fmt.Fprintf(w, "- Check that the user has the required roles on both databases\n")

	case appErrors.ErrorTypeTimeout:
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		fmt.Fprintf(w, "- The server did not answer in time\n")
		fmt.Fprintf(w, "- Try increasing connect_timeout\n")

	case appErrors.ErrorTypeRestoreFailure:
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) {
			if location, ok := appErr.Context["backup"].(string); ok && location != "" {
				fmt.Fprintf(w, "\nManual intervention required:\n")
				fmt.Fprintf(w, "- The pre-import backup is kept at %s\n", location)
				fmt.Fprintf(w, "- Retry with: mongo-env-sync backup restore %s\n", location)
				fmt.Fprintf(w, "- Or restore the dump directly: mongorestore --uri=<target-uri> --drop %s/dump\n", location)
			}
		}
	}
}

// ToolPaths locates and validates mongodump and mongorestore
func (app *Application) ToolPaths(ctx context.Context) (*tools.Paths, error) {
	paths, err := app.locator.Locate(ctx)
	if err != nil {
		app.handleExecutionError(err)
		return nil, err
	}
	return paths, nil
}

// Printer returns the output printer
func (app *Application) Printer() *display.Printer {
	return app.printer
}

// GetLogger returns the application logger
func (app *Application) GetLogger() *logging.Logger {
	return app.logger
}

// Registry returns the environment registry
func (app *Application) Registry() *environment.Registry {
	return app.registry
}
