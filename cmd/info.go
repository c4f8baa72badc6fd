package cmd

import (
	"fmt"

	goversion "github.com/hashicorp/go-version"
	"github.com/spf13/cobra"
)

var (
	infoOffline bool
	infoTools   bool
)

// infoCmd shows the configured environments
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the configured MongoDB environments",
	Long: `List every environment defined by a MONGO_<NAME>_URI variable with its
masked connection string and, unless --offline is given, its databases.
Environments are queried concurrently; an unreachable one is reported and
does not stop the others.

Examples:
  mongo-env-sync info
  mongo-env-sync info --offline --format yaml
  mongo-env-sync info --tools`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().BoolVar(&infoOffline, "offline", false, "do not connect to the environments")
	infoCmd.Flags().BoolVar(&infoTools, "tools", false, "also locate and check mongodump and mongorestore")
}

func runInfo(cmd *cobra.Command, args []string) error {
	app, err := newApplication(cmd)
	if err != nil {
		return err
	}

	if err := app.ShowEnvironments(cmd.Context(), infoOffline); err != nil {
		return reported(err)
	}

	if infoTools {
		paths, err := app.ToolPaths(cmd.Context())
		if err != nil {
			return reported(err)
		}
		if !app.Printer().Structured() {
			fmt.Fprintln(cmd.OutOrStdout())
			app.Printer().Info(fmt.Sprintf("mongodump %s (%s)", versionString(paths.DumpVersion), paths.Dump))
			app.Printer().Info(fmt.Sprintf("mongorestore %s (%s)", versionString(paths.RestoreVersion), paths.Restore))
		}
	}
	return nil
}

func versionString(v *goversion.Version) string {
	if v == nil {
		return "unknown version"
	}
	return v.String()
}
