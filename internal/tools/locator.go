// Package tools finds the MongoDB Database Tools and builds their command lines.
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/hashicorp/go-version"

	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/logging"
	"mongo-env-sync/internal/runner"
)

const (
	DumpTool    = "mongodump"
	RestoreTool = "mongorestore"
)

// Paths holds the resolved tool executables
type Paths struct {
	Dump           string
	Restore        string
	DumpVersion    *version.Version
	RestoreVersion *version.Version
}

// Config controls where tools are looked up
type Config struct {
	// BinDir, when set, is the only place tools are looked for
	BinDir string
	// MinVersion rejects older tools when set, e.g. "100.0.0"
	MinVersion string
}

// Locator resolves the tools once and caches the result for the process lifetime.
// An interrupted lookup is not cached.
type Locator struct {
	binDir     string
	minVersion *version.Version
	runner     runner.Runner
	logger     *logging.Logger
	lookPath   func(string) (string, error)

	mu    sync.Mutex
	done  bool
	paths *Paths
	err   error
}

// NewLocator creates a locator. A malformed MinVersion is a configuration error.
func NewLocator(cfg Config, r runner.Runner, logger *logging.Logger) (*Locator, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	l := &Locator{
		binDir:   strings.TrimSpace(cfg.BinDir),
		runner:   r,
		logger:   logger,
		lookPath: exec.LookPath,
	}
	if cfg.MinVersion != "" {
		v, err := version.NewVersion(cfg.MinVersion)
		if err != nil {
			return nil, apperrors.NewConfigurationError(
				fmt.Sprintf("invalid minimum tool version %q", cfg.MinVersion), err)
		}
		l.minVersion = v
	}
	return l, nil
}

// Locate returns the tool paths, verifying each tool answers --version.
// Only the first call that runs to completion does any work.
func (l *Locator) Locate(ctx context.Context) (*Paths, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.paths, l.err
	}

	paths, err := l.locate(ctx)
	if err != nil && apperrors.IsCancelled(err) {
		return nil, err
	}
	l.paths, l.err, l.done = paths, err, true
	return paths, err
}

func (l *Locator) locate(ctx context.Context) (*Paths, error) {
	var dump, restore string
	var err error

	if l.binDir != "" {
		dump, restore, err = l.fromDir()
	} else {
		dump, restore, err = l.fromPath()
	}
	if err != nil {
		return nil, err
	}

	paths := &Paths{Dump: dump, Restore: restore}
	if paths.DumpVersion, err = l.checkVersion(ctx, DumpTool, dump); err != nil {
		return nil, err
	}
	if paths.RestoreVersion, err = l.checkVersion(ctx, RestoreTool, restore); err != nil {
		return nil, err
	}

	l.logger.WithFields(map[string]interface{}{
		"mongodump":    dump,
		"mongorestore": restore,
	}).Debug("Located MongoDB tools")

	return paths, nil
}

func (l *Locator) fromDir() (string, string, error) {
	var missing []string
	var problems []string
	resolved := make(map[string]string, 2)

	for _, name := range []string{DumpTool, RestoreTool} {
		candidate := filepath.Join(l.binDir, executableName(name))
		info, err := os.Stat(candidate)
		switch {
		case err != nil:
			missing = append(missing, name)
			problems = append(problems, fmt.Sprintf("%s not found in %s", name, l.binDir))
		case info.IsDir() || (runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0):
			missing = append(missing, name)
			problems = append(problems, fmt.Sprintf("%s in %s is not an executable file", name, l.binDir))
		default:
			resolved[name] = candidate
		}
	}

	if len(missing) > 0 {
		return "", "", apperrors.NewToolsNotFoundError(strings.Join(missing, ", "), strings.Join(problems, "; "), nil).
			WithContext("bin_path", l.binDir)
	}
	return resolved[DumpTool], resolved[RestoreTool], nil
}

func (l *Locator) fromPath() (string, string, error) {
	var missing []string
	resolved := make(map[string]string, 2)

	for _, name := range []string{DumpTool, RestoreTool} {
		p, err := l.lookPath(executableName(name))
		if err != nil {
			missing = append(missing, name)
			continue
		}
		resolved[name] = p
	}

	if len(missing) > 0 {
		return "", "", apperrors.NewToolsNotFoundError(strings.Join(missing, ", "), "not found in PATH", nil)
	}
	return resolved[DumpTool], resolved[RestoreTool], nil
}

var versionPattern = regexp.MustCompile(`(?i)version:?\s*r?v?(\d+\.\d+(?:\.\d+)?)`)

func (l *Locator) checkVersion(ctx context.Context, name, path string) (*version.Version, error) {
	outcome, err := l.runner.Run(ctx, runner.Command{Path: path, Args: []string{"--version"}, Label: "version"})
	if err != nil {
		if errors.Is(err, apperrors.ErrCancelled) {
			return nil, err
		}
		return nil, apperrors.NewToolsNotFoundError(name, "could not be started", err).
			WithContext("path", path)
	}
	if !outcome.Success() {
		return nil, apperrors.NewToolsNotFoundError(name,
			fmt.Sprintf("'%s --version' exited with code %d", path, outcome.ExitCode), nil).
			WithContext("path", path)
	}

	v := parseVersion(outcome.Tail)
	if l.minVersion == nil {
		return v, nil
	}
	if v == nil {
		return nil, apperrors.NewToolsNotFoundError(name, "version could not be determined", nil).
			WithContext("path", path)
	}
	if v.LessThan(l.minVersion) {
		return nil, apperrors.NewToolsNotFoundError(name,
			fmt.Sprintf("version %s is older than the required %s", v, l.minVersion), nil).
			WithContext("path", path)
	}
	return v, nil
}

func parseVersion(lines []string) *version.Version {
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "git version") {
			continue
		}
		m := versionPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if v, err := version.NewVersion(m[1]); err == nil {
			return v
		}
	}
	return nil
}
