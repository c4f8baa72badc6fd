// Package display renders sync progress and results for the terminal, or as
// JSON and YAML for scripts.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mongo-env-sync/internal/backup"
	apperrors "mongo-env-sync/internal/errors"
	"mongo-env-sync/internal/orchestrator"
	"mongo-env-sync/internal/runner"
)

// Format is an output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates an output format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	}
	return "", apperrors.NewConfigurationError(fmt.Sprintf("unsupported output format %q (use table, json or yaml)", s), nil)
}

// Options configures a Printer
type Options struct {
	Out          io.Writer
	Err          io.Writer
	ColorEnabled bool
	UseIcons     bool
	ShowProgress bool
	Format       Format
}

// Printer writes human-readable or structured output. Structured formats keep
// stdout parseable by sending status messages to the error stream.
type Printer struct {
	out          io.Writer
	err          io.Writer
	colors       *ColorSystem
	theme        ColorTheme
	unicode      bool
	interactive  bool
	showProgress bool
	format       Format
}

// New creates a printer; nil writers default to stdout and stderr
func New(opts Options) *Printer {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	return &Printer{
		out:          opts.Out,
		err:          opts.Err,
		colors:       NewColorSystem(opts.Out, opts.ColorEnabled),
		theme:        ThemeFor(opts.Out),
		unicode:      opts.UseIcons && detectUnicodeSupport(),
		interactive:  detectColorSupport(opts.Err),
		showProgress: opts.ShowProgress,
		format:       opts.Format,
	}
}

// Format returns the output format
func (p *Printer) Format() Format {
	return p.format
}

// Structured reports whether results are emitted as JSON or YAML
func (p *Printer) Structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

// Progress returns a sink for tool progress, or nil when progress is disabled
func (p *Printer) Progress() runner.ProgressSink {
	if !p.showProgress {
		return nil
	}
	return newSpinner(p)
}

func (p *Printer) messages() io.Writer {
	if p.Structured() {
		return p.err
	}
	return p.out
}

func (p *Printer) line(icon string, clr Color, msg string) {
	prefix := renderIcon(icon, p.unicode)
	if prefix != "" {
		prefix = p.colors.Colorize(prefix, clr) + " "
	}
	fmt.Fprintf(p.messages(), "%s%s\n", prefix, msg)
}

// Header prints a title underlined to its width
func (p *Printer) Header(title string) {
	w := p.messages()
	fmt.Fprintf(w, "\n%s\n%s\n", p.colors.Colorize(title, p.theme.Primary), strings.Repeat("=", len(title)))
}

// Success prints a success message
func (p *Printer) Success(msg string) { p.line("success", p.theme.Success, msg) }

// Warning prints a warning message
func (p *Printer) Warning(msg string) { p.line("warning", p.theme.Warning, msg) }

// Error prints an error message to the error stream
func (p *Printer) Error(msg string) {
	prefix := renderIcon("error", p.unicode)
	fmt.Fprintf(p.err, "%s %s\n", p.colors.Colorize(prefix, p.theme.Error), msg)
}

// Info prints an informational message
func (p *Printer) Info(msg string) { p.line("info", p.theme.Info, msg) }

var stepIcons = map[orchestrator.State]string{
	orchestrator.StateExporting:   "export",
	orchestrator.StateBackingUp:   "backup",
	orchestrator.StateImporting:   "import",
	orchestrator.StateRollingBack: "rollback",
}

var stepTitles = map[orchestrator.State]string{
	orchestrator.StateExporting:   "Exporting source database",
	orchestrator.StateBackingUp:   "Backing up target database",
	orchestrator.StateImporting:   "Importing into target database",
	orchestrator.StateRollingBack: "Import failed, restoring target from backup",
}

// Transition reports a workflow step as it starts
func (p *Printer) Transition(_, to orchestrator.State) {
	icon, ok := stepIcons[to]
	if !ok {
		return
	}
	clr := p.theme.Primary
	if to == orchestrator.StateRollingBack {
		clr = p.theme.Warning
	}
	p.line(icon, clr, stepTitles[to])
}

// Emit writes v in the structured output format
func (p *Printer) Emit(v interface{}) error {
	switch p.format {
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

// RenderRequest prints what a sync is about to do
func (p *Printer) RenderRequest(req orchestrator.SyncRequest) {
	if p.Structured() {
		return
	}
	p.Header(fmt.Sprintf("Sync %s/%s %s %s/%s", req.SourceEnv, req.SourceDB, renderIcon("arrow", p.unicode), req.TargetEnv, req.TargetDB))
	w := p.out
	fmt.Fprintf(w, "  Import mode: %s\n", req.Mode())
	fmt.Fprintf(w, "  Backup:      %s\n", onOff(req.Backup))
	if req.DryRun {
		fmt.Fprintf(w, "  Dry run:     %s\n", onOff(true))
	}
	fmt.Fprintln(w)
}

type outcomeView struct {
	orchestrator.Outcome `yaml:",inline"`
	DurationText         string `json:"duration_text" yaml:"duration_text"`
	Error                string `json:"error,omitempty" yaml:"error,omitempty"`
	ExitCode             int    `json:"exit_code" yaml:"exit_code"`
}

// RenderOutcome prints the final result of a sync
func (p *Printer) RenderOutcome(o *orchestrator.Outcome, exitCode int) error {
	if o == nil {
		return nil
	}
	if p.Structured() {
		view := outcomeView{Outcome: *o, DurationText: o.Duration.Round(time.Millisecond).String(), ExitCode: exitCode}
		if o.Err != nil {
			view.Error = apperrors.FormatUserError(o.Err)
		}
		return p.Emit(view)
	}

	w := p.out
	if len(o.Plan) > 0 {
		fmt.Fprintln(w, "Planned steps:")
		for i, step := range o.Plan {
			fmt.Fprintf(w, "  %d. %s\n", i+1, step.Description)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "  %s exported  %s backed up  %s imported  %s rolled back\n",
		p.mark(o.Exported), p.mark(o.BackedUp), p.mark(o.Imported), p.mark(o.RolledBack))
	if o.Backup != nil {
		fmt.Fprintf(w, "  Backup: %s (%s)\n", o.Backup.Location, o.Backup.ID)
	}
	if o.ExportPath != "" && o.State != orchestrator.StateSucceeded {
		fmt.Fprintf(w, "  Export kept at: %s\n", o.ExportPath)
	}
	fmt.Fprintf(w, "  Duration: %s\n\n", o.Duration.Round(time.Millisecond))

	for _, warning := range o.Warnings {
		p.Warning(warning)
	}

	switch o.State {
	case orchestrator.StateSucceeded:
		if o.Request.DryRun {
			p.Success("Dry run complete, nothing was changed")
		} else {
			p.Success(fmt.Sprintf("Synchronized %s/%s into %s/%s", o.Request.SourceEnv, o.Request.SourceDB, o.Request.TargetEnv, o.Request.TargetDB))
		}
	case orchestrator.StateRolledBack:
		p.Warning("Import failed and the target database was restored from its backup")
		p.Error(apperrors.FormatUserError(o.Err))
	case orchestrator.StateCancelled:
		msg := "Sync cancelled"
		if o.RolledBack {
			msg += "; the target database was restored from its backup"
		}
		p.Warning(msg)
	default:
		p.Error(apperrors.FormatUserError(o.Err))
	}
	return nil
}

func (p *Printer) mark(done bool) string {
	if done {
		return p.colors.Colorize(renderIcon("success", p.unicode), p.theme.Success)
	}
	return p.colors.Colorize(renderIcon("skip", p.unicode), p.theme.Muted)
}

// EnvironmentView is one configured environment and, when reachable, its databases
type EnvironmentView struct {
	Name      string         `json:"name" yaml:"name"`
	Variable  string         `json:"variable" yaml:"variable"`
	URI       string         `json:"uri" yaml:"uri"`
	Databases []DatabaseView `json:"databases,omitempty" yaml:"databases,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// DatabaseView is one database of an environment
type DatabaseView struct {
	Name       string `json:"name" yaml:"name"`
	SizeOnDisk int64  `json:"size_on_disk" yaml:"size_on_disk"`
	Empty      bool   `json:"empty" yaml:"empty"`
}

// RenderEnvironments prints the configured environments
func (p *Printer) RenderEnvironments(envs []EnvironmentView) error {
	if p.Structured() {
		return p.Emit(envs)
	}
	if len(envs) == 0 {
		p.Warning("No environments configured")
		return nil
	}

	table := NewTable("ENVIRONMENT", "URI", "DATABASES")
	table.colors, table.header = p.colors, p.theme.Primary
	for _, env := range envs {
		dbs := "-"
		switch {
		case env.Error != "":
			dbs = "unreachable: " + env.Error
		case len(env.Databases) > 0:
			names := make([]string, len(env.Databases))
			for i, db := range env.Databases {
				names[i] = db.Name
			}
			dbs = strings.Join(names, ", ")
		}
		table.AddRow(env.Name, env.URI, dbs)
	}
	table.Render(p.out)
	return nil
}

// RenderBackups prints a backup listing
func (p *Printer) RenderBackups(records []*backup.Record) error {
	if p.Structured() {
		if records == nil {
			records = []*backup.Record{}
		}
		return p.Emit(records)
	}
	if len(records) == 0 {
		p.Info("No backups found")
		return nil
	}

	table := NewTable("ID", "ENVIRONMENT", "DATABASE", "CREATED", "SIZE", "REASON")
	table.colors, table.header = p.colors, p.theme.Primary
	for _, r := range records {
		size := HumanBytes(r.SizeBytes)
		if r.Empty {
			size = "empty"
		}
		table.AddRow(r.ID, r.Environment, r.Database, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), size, string(r.Reason))
	}
	table.Render(p.out)
	return nil
}

// RenderBackup prints the details of one backup
func (p *Printer) RenderBackup(r *backup.Record) error {
	if p.Structured() {
		return p.Emit(r)
	}
	w := p.out
	fmt.Fprintf(w, "ID:           %s\n", r.ID)
	fmt.Fprintf(w, "Environment:  %s\n", r.Environment)
	fmt.Fprintf(w, "Database:     %s\n", r.Database)
	fmt.Fprintf(w, "Created:      %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	if r.CreatedBy != "" {
		fmt.Fprintf(w, "Created by:   %s\n", r.CreatedBy)
	}
	if r.Reason != "" {
		fmt.Fprintf(w, "Reason:       %s\n", r.Reason)
	}
	fmt.Fprintf(w, "Location:     %s\n", r.Location)
	if r.Empty {
		fmt.Fprintln(w, "Contents:     database did not exist")
	} else {
		fmt.Fprintf(w, "Size:         %s\n", HumanBytes(r.SizeBytes))
	}
	if r.ToolVersion != "" {
		fmt.Fprintf(w, "Tool version: %s\n", r.ToolVersion)
	}
	if r.Checksum != "" {
		fmt.Fprintf(w, "Checksum:     sha256:%s\n", r.Checksum)
	}
	return nil
}

// RenderPrune prints the result of a retention run
func (p *Printer) RenderPrune(res *backup.PruneResult) error {
	if p.Structured() {
		return p.Emit(res)
	}
	verb := "Deleted"
	if res.DryRun {
		verb = "Would delete"
	}
	for _, r := range res.Deleted {
		fmt.Fprintf(p.out, "  %s %s (%s/%s, %s)\n", verb, r.ID, r.Environment, r.Database, r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	for _, e := range res.Errors {
		p.Error(e)
	}
	summary := fmt.Sprintf("%s %d backup(s), kept %d, %s freed", verb, len(res.Deleted), len(res.Kept), HumanBytes(res.Freed))
	if len(res.Errors) > 0 {
		p.Warning(summary)
	} else {
		p.Success(summary)
	}
	return nil
}

// HumanBytes formats a byte count with binary units
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
