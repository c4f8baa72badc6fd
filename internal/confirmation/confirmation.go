// Package confirmation asks the user for missing sync parameters and for the
// final go-ahead before a destructive import.
package confirmation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"mongo-env-sync/internal/display"
	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/orchestrator"
	"mongo-env-sync/internal/tools"
)

// DatabaseLister returns the databases of a named environment
type DatabaseLister func(ctx context.Context, env string) ([]string, error)

// Choices bounds what the prompts offer
type Choices struct {
	Environments []string
	// Databases is optional; without it the database name is typed in
	Databases DatabaseLister
	// AskOptions also prompts for backup and import mode
	AskOptions bool
}

// ConfirmationService handles user input for a sync
type ConfirmationService interface {
	CompleteRequest(ctx context.Context, req orchestrator.SyncRequest, choices Choices) (orchestrator.SyncRequest, error)
	ConfirmSync(ctx context.Context, req orchestrator.SyncRequest, autoApprove bool) (bool, error)
	Confirm(ctx context.Context, question string, autoApprove bool) (bool, error)
}

type confirmationService struct {
	reader *bufio.Reader
	writer io.Writer
	colors *display.ColorSystem
	theme  display.ColorTheme
}

// NewConfirmationService creates a service reading from in and prompting on out
func NewConfirmationService(in io.Reader, out io.Writer, useColors bool) ConfirmationService {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	return &confirmationService{
		reader: bufio.NewReader(in),
		writer: out,
		colors: display.NewColorSystem(out, useColors),
		theme:  display.ThemeFor(out),
	}
}

// IsInteractive reports whether f is a terminal a user can type into
func IsInteractive(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd())) || isatty.IsCygwinTerminal(f.Fd())
}

// CompleteRequest prompts for every field of req that is still empty
func (cs *confirmationService) CompleteRequest(ctx context.Context, req orchestrator.SyncRequest, choices Choices) (orchestrator.SyncRequest, error) {
	if len(choices.Environments) == 0 {
		return req, apperrors.NewConfigurationError("no environments available to choose from", nil)
	}

	var err error
	if strings.TrimSpace(req.SourceEnv) == "" {
		if req.SourceEnv, err = cs.chooseOne(ctx, "Source environment", choices.Environments, ""); err != nil {
			return req, err
		}
	}

	if strings.TrimSpace(req.SourceDB) == "" {
		var dbs []string
		if choices.Databases != nil {
			dbs, err = choices.Databases(ctx, req.SourceEnv)
			if err != nil {
				if apperrors.IsCancelled(err) {
					return req, err
				}
				cs.warn(fmt.Sprintf("Could not list databases of %s: %s", req.SourceEnv, apperrors.FormatUserError(err)))
			}
		}
		if len(dbs) > 0 {
			req.SourceDB, err = cs.chooseOne(ctx, "Source database", dbs, "")
		} else {
			req.SourceDB, err = cs.promptString(ctx, "Source database", "")
		}
		if err != nil {
			return req, err
		}
	}

	if strings.TrimSpace(req.TargetEnv) == "" {
		if req.TargetEnv, err = cs.chooseOne(ctx, "Target environment", choices.Environments, ""); err != nil {
			return req, err
		}
	}

	if strings.TrimSpace(req.TargetDB) == "" {
		if req.TargetDB, err = cs.promptString(ctx, "Target database", req.SourceDB); err != nil {
			return req, err
		}
	}

	if choices.AskOptions {
		if req.Backup, err = cs.promptYesNo(ctx, "Back up the target database first?", req.Backup); err != nil {
			return req, err
		}
		current := string(req.Mode())
		modes := []string{string(tools.ModeDrop), string(tools.ModeClear), string(tools.ModeAdditive)}
		mode, err := cs.chooseOne(ctx, "Import mode", modes, current)
		if err != nil {
			return req, err
		}
		req.Drop = mode == string(tools.ModeDrop)
		req.Clear = mode == string(tools.ModeClear)
	}

	return req, nil
}

// ConfirmSync shows what the sync will change and asks for approval
func (cs *confirmationService) ConfirmSync(ctx context.Context, req orchestrator.SyncRequest, autoApprove bool) (bool, error) {
	cs.displaySummary(req)

	if autoApprove {
		fmt.Fprintln(cs.writer, cs.colors.Colorize("Auto-approving sync...", cs.theme.Success))
		return true, nil
	}

	return cs.Confirm(ctx, "Do you want to continue?", false)
}

// Confirm asks a yes/no question that defaults to no
func (cs *confirmationService) Confirm(ctx context.Context, question string, autoApprove bool) (bool, error) {
	if autoApprove {
		return true, nil
	}
	for {
		input, err := cs.read(ctx, cs.colors.Colorize(question+" [y/N]: ", cs.theme.Primary))
		if err != nil {
			return false, err
		}
		switch strings.ToLower(input) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			fmt.Fprintln(cs.writer, cs.colors.Colorize("Operation cancelled by user", cs.theme.Warning))
			return false, nil
		default:
			fmt.Fprintf(cs.writer, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", input)
		}
	}
}

func (cs *confirmationService) displaySummary(req orchestrator.SyncRequest) {
	w := cs.writer
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Source: %s/%s\n", req.SourceEnv, req.SourceDB)
	fmt.Fprintf(w, "Target: %s/%s\n", req.TargetEnv, req.TargetDB)
	fmt.Fprintf(w, "Mode:   %s\n", req.Mode())
	backup := "yes"
	if !req.Backup {
		backup = "no"
	}
	fmt.Fprintf(w, "Backup: %s\n\n", backup)

	switch req.Mode() {
	case tools.ModeDrop:
		cs.warn(fmt.Sprintf("Collections in %s/%s that also exist in the source will be dropped and replaced.", req.TargetEnv, req.TargetDB))
	case tools.ModeClear:
		cs.warn(fmt.Sprintf("All documents in %s/%s will be deleted before the import.", req.TargetEnv, req.TargetDB))
	}
	if !req.Backup {
		cs.warn("No backup will be taken; a failed import cannot be rolled back.")
	}
	if req.SelfSync() {
		cs.warn("Source and target are the same database.")
	}
}

func (cs *confirmationService) warn(msg string) {
	fmt.Fprintln(cs.writer, cs.colors.Colorize("WARNING: "+msg, cs.theme.Warning))
}

// chooseOne accepts a list number or a name from options. An empty answer picks def when set.
func (cs *confirmationService) chooseOne(ctx context.Context, label string, options []string, def string) (string, error) {
	fmt.Fprintf(cs.writer, "%s:\n", label)
	for i, opt := range options {
		marker := " "
		if opt == def {
			marker = "*"
		}
		fmt.Fprintf(cs.writer, " %s %d) %s\n", marker, i+1, opt)
	}

	prompt := "Select [1-" + strconv.Itoa(len(options)) + "]: "
	if def != "" {
		prompt = fmt.Sprintf("Select [1-%d, default %s]: ", len(options), def)
	}
	for {
		input, err := cs.read(ctx, prompt)
		if err != nil {
			return "", err
		}
		if input == "" && def != "" {
			return def, nil
		}
		if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], nil
		}
		for _, opt := range options {
			if strings.EqualFold(opt, input) {
				return opt, nil
			}
		}
		fmt.Fprintf(cs.writer, "Invalid choice '%s'.\n", input)
	}
}

func (cs *confirmationService) promptString(ctx context.Context, label, def string) (string, error) {
	prompt := label + ": "
	if def != "" {
		prompt = fmt.Sprintf("%s [%s]: ", label, def)
	}
	for {
		input, err := cs.read(ctx, prompt)
		if err != nil {
			return "", err
		}
		if input == "" {
			input = def
		}
		if input != "" {
			return input, nil
		}
		fmt.Fprintln(cs.writer, "A value is required.")
	}
}

func (cs *confirmationService) promptYesNo(ctx context.Context, label string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		input, err := cs.read(ctx, label+" "+hint+": ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(input) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintf(cs.writer, "Invalid input '%s'. Please enter 'y' or 'n'.\n", input)
	}
}

type readResult struct {
	line string
	err  error
}

// read prints prompt and waits for one line or for ctx to end
func (cs *confirmationService) read(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(cs.writer, prompt)

	ch := make(chan readResult, 1)
	go func() {
		line, err := cs.reader.ReadString('\n')
		ch <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cs.writer)
		return "", apperrors.ErrCancelled
	case res := <-ch:
		if res.err != nil && !(res.err == io.EOF && res.line != "") {
			if res.err == io.EOF {
				return "", apperrors.NewConfigurationError("input ended before all answers were given", res.err).
					WithUserMessage("No answer received. Pass the values as flags when stdin is not a terminal.")
			}
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return strings.TrimSpace(res.line), nil
	}
}
