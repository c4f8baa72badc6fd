package tools

import (
	"runtime"

	"mongo-env-sync/internal/runner"
)

// ImportMode selects what happens to existing target collections
type ImportMode string

const (
	// ModeAdditive inserts into existing collections
	ModeAdditive ImportMode = "additive"
	// ModeDrop drops each collection before restoring it
	ModeDrop ImportMode = "drop"
	// ModeClear deletes all documents but keeps collections and indexes
	ModeClear ImportMode = "clear"
)

// ModeFor derives the import mode from the request flags. Drop wins over clear.
func ModeFor(drop, clear bool) ImportMode {
	switch {
	case drop:
		return ModeDrop
	case clear:
		return ModeClear
	default:
		return ModeAdditive
	}
}

// DumpCommand exports database db from uri into outDir/<db>
func DumpCommand(paths *Paths, uri, db, outDir, label string) runner.Command {
	return runner.Command{
		Path: paths.Dump,
		Args: []string{
			"--uri=" + uri,
			"--db=" + db,
			"--out=" + outDir,
		},
		Label: label,
	}
}

// RestoreCommand imports dumpDir/<db> into db at uri
func RestoreCommand(paths *Paths, uri, db, dumpDir string, drop bool, label string) runner.Command {
	args := []string{
		"--uri=" + uri,
		"--nsInclude=" + db + ".*",
	}
	if drop {
		args = append(args, "--drop")
	}
	args = append(args, dumpDir)

	return runner.Command{
		Path:  paths.Restore,
		Args:  args,
		Label: label,
	}
}

func executableName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}
