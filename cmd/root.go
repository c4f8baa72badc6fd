package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mongo-env-sync/internal/application"
	"mongo-env-sync/internal/config"
	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/exitcodes"
)

var (
	cfgFile string
	envFile string

	// Display flags
	noColor    bool
	noIcons    bool
	noProgress bool

	// initErr holds a failure from initConfig, reported when a command runs
	initErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mongo-env-sync",
	Short: "Synchronize MongoDB databases between named environments",
	Long: `mongo-env-sync copies a MongoDB database from one environment to another
using mongodump and mongorestore. The target is backed up before the import
and restored automatically when the import fails.

Environments are defined by variables named MONGO_<NAME>_URI, read from the
process environment and from a .env file in the working directory.

Examples:
  # Copy the orders database from DEV to STAGING
  mongo-env-sync sync --from dev --to staging --db orders

  # Choose everything interactively
  mongo-env-sync sync --interactive

  # Show what would happen without running any tool
  mongo-env-sync sync -f dev -t staging -d orders --dry-run

  # List environments and their databases as JSON
  mongo-env-sync info --format json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with ctx. Errors the application has
// already reported are returned without being printed again.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}

	var rep *reportedError
	if !errors.As(err, &rep) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/"+config.ConfigName+".yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default is ./.env when present)")
	rootCmd.PersistentFlags().String("bin-path", "", "directory containing mongodump and mongorestore")
	rootCmd.PersistentFlags().String("backup-dir", "", "root directory for backups and exports")
	rootCmd.PersistentFlags().String("log-level", "normal", "log level (quiet, normal, verbose, debug)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().String("format", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().Int("tail-lines", 20, "tool output lines kept for error reports")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().BoolVar(&noIcons, "no-icons", false, "disable Unicode icons")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable progress indicators")

	viper.BindPFlag("bin_path", rootCmd.PersistentFlags().Lookup("bin-path"))
	viper.BindPFlag("backup_dir", rootCmd.PersistentFlags().Lookup("backup-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("display.output_format", rootCmd.PersistentFlags().Lookup("format"))
	viper.BindPFlag("tail_lines", rootCmd.PersistentFlags().Lookup("tail-lines"))

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}

// initConfig loads the dotenv file, environment variables and the config file
func initConfig() {
	initErr = nil
	if envFile != "" {
		initErr = config.LoadDotEnv(envFile)
	} else {
		initErr = config.LoadDotEnv()
	}
	if initErr != nil {
		return
	}

	v := viper.GetViper()
	config.SetDefaults(v)
	if initErr = config.BindEnv(v); initErr != nil {
		return
	}
	initErr = config.ReadFile(v, cfgFile)
}

// loadConfig builds the configuration from flags, environment and file
func loadConfig() (*config.Config, error) {
	if initErr != nil {
		return nil, initErr
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if noColor {
		cfg.Display.ColorEnabled = false
	}
	if noIcons {
		cfg.Display.UseIcons = false
	}
	if noProgress {
		cfg.Display.ShowProgress = false
	}
	return cfg, nil
}

// newApplication wires the application for cmd
func newApplication(cmd *cobra.Command) (*application.Application, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return application.NewApplication(application.Options{
		Config: cfg,
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
}

// stdinFile returns the command input as a file when it is one
func stdinFile(cmd *cobra.Command) *os.File {
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		return f
	}
	return nil
}

// reportedError marks an error the application has already shown to the user
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }

func (e *reportedError) Unwrap() error { return e.err }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return &reportedError{err: err}
}

func describeError(err error) string {
	var exitErr *exitcodes.ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return exitErr.Error()
	}
	var appErr *apperrors.AppError
	var subErr *apperrors.SubprocessError
	if errors.As(err, &appErr) || errors.As(err, &subErr) {
		return apperrors.FormatUserError(err)
	}
	return err.Error()
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  "Print the version information for mongo-env-sync",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mongo-env-sync version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

// createConfigCommand creates the config subcommand for generating sample config
func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Generate a sample configuration file",
		Long: `Generate a sample configuration file that can be used with the --config flag.

Examples:
  # Write the default config file
  mongo-env-sync config > ~/` + config.ConfigName + `.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := config.Sample()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), sample)
			return nil
		},
	}
}
