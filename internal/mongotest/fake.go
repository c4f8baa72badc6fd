// Package mongotest provides an in-memory stand-in for MongoDB deployments and
// the dump/restore tools, for tests that exercise the sync workflow end to end
// without a server.
package mongotest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"mongo-env-sync/internal/mongodb"
	"mongo-env-sync/internal/runner"
	"mongo-env-sync/internal/tools"
)

// Database maps collection names to documents
type Database map[string][]string

// Failure makes the next matching tool invocation exit nonzero
type Failure struct {
	Tool     string // "mongodump" or "mongorestore"
	URI      string // empty matches any
	ExitCode int
	// Partial applies the first collection before failing, leaving the target half-written
	Partial bool
	Message string
}

// Call records one tool invocation
type Call struct {
	Tool string
	URI  string
	DB   string
	Dir  string
	Drop bool
}

// Cluster is a set of fake deployments addressed by URI.
// It implements runner.Runner for mongodump and mongorestore invocations.
type Cluster struct {
	mu       sync.Mutex
	data     map[string]map[string]Database
	failures []Failure
	calls    []Call
	down     map[string]error
	// Block, when set, is waited on (or ctx) by the next restore after it has written its data
	Block chan struct{}
	// OnRestore runs after a restore has written its data, before it waits on Block
	OnRestore func(Call)
}

// NewCluster creates an empty cluster
func NewCluster() *Cluster {
	return &Cluster{data: make(map[string]map[string]Database)}
}

// Seed replaces the contents of db at uri
func (c *Cluster) Seed(uri, db string, content Database) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data[uri] == nil {
		c.data[uri] = make(map[string]Database)
	}
	c.data[uri][db] = copyDB(content)
}

// Snapshot returns a copy of db at uri, nil if absent
func (c *Cluster) Snapshot(uri, db string) Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[uri][db]
	if !ok {
		return nil
	}
	return copyDB(d)
}

// Checksum returns a canonical rendering of db for equality checks
func (c *Cluster) Checksum(uri, db string) string {
	snap := c.Snapshot(uri, db)
	names := make([]string, 0, len(snap))
	for n := range snap {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		docs := append([]string(nil), snap[n]...)
		sort.Strings(docs)
		fmt.Fprintf(&b, "%s:%s;", n, strings.Join(docs, ","))
	}
	return b.String()
}

// Fail queues a failure for a future invocation
func (c *Cluster) Fail(f Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
}

// Calls returns the recorded invocations
func (c *Cluster) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// ToolSequence returns "tool@db" for every recorded invocation
func (c *Cluster) ToolSequence() []string {
	var out []string
	for _, call := range c.Calls() {
		out = append(out, call.Tool+"@"+call.DB)
	}
	return out
}

// DropDatabase removes db at uri
func (c *Cluster) DropDatabase(_ context.Context, uri, db string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data[uri], db)
	return nil
}

// ClearCollections deletes all documents but keeps the collections
func (c *Cluster) ClearCollections(_ context.Context, uri, db string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.data[uri][db]
	n := 0
	for name := range d {
		if strings.HasPrefix(name, "system.") {
			continue
		}
		d[name] = []string{}
		n++
	}
	return n, nil
}

// DatabaseExists reports whether db is present at uri
func (c *Cluster) DatabaseExists(_ context.Context, uri, db string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[uri][db]
	return ok, nil
}

// SetUnreachable makes driver calls against uri fail with err
func (c *Cluster) SetUnreachable(uri string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down == nil {
		c.down = make(map[string]error)
	}
	c.down[uri] = err
}

// Ping fails for deployments marked unreachable
func (c *Cluster) Ping(_ context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down[uri]
}

// ListDatabases lists the databases at uri sorted by name
func (c *Cluster) ListDatabases(_ context.Context, uri string) ([]mongodb.DatabaseInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.down[uri]; err != nil {
		return nil, err
	}
	var out []mongodb.DatabaseInfo
	for name, d := range c.data[uri] {
		size := 0
		for _, docs := range d {
			size += len(docs)
		}
		out = append(out, mongodb.DatabaseInfo{Name: name, SizeOnDisk: int64(size), Empty: size == 0})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Run emulates the tools. Only flag forms produced by the tools package are understood.
func (c *Cluster) Run(ctx context.Context, cmd runner.Command) (*runner.ExitOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s not started: %w", cmd.Label, context.Canceled)
	}

	tool := filepath.Base(cmd.Path)
	flags, positional := parseArgs(cmd.Args)

	if _, ok := flags["version"]; ok {
		return &runner.ExitOutcome{Tail: []string{tool + " version: 100.9.4"}}, nil
	}

	switch tool {
	case "mongodump":
		return c.dump(flags)
	case "mongorestore":
		dir := ""
		if len(positional) > 0 {
			dir = positional[len(positional)-1]
		}
		return c.restore(ctx, flags, dir)
	default:
		return nil, fmt.Errorf("fork/exec %s: no such file or directory", cmd.Path)
	}
}

func (c *Cluster) dump(flags map[string]string) (*runner.ExitOutcome, error) {
	uri, db, out := flags["uri"], flags["db"], flags["out"]

	c.mu.Lock()
	c.calls = append(c.calls, Call{Tool: "mongodump", URI: uri, DB: db, Dir: out})
	if f, ok := c.takeFailure("mongodump", uri); ok {
		c.mu.Unlock()
		return &runner.ExitOutcome{ExitCode: f.ExitCode, Tail: []string{failureMessage(f)}}, nil
	}
	content, exists := c.data[uri][db]
	content = copyDB(content)
	c.mu.Unlock()

	if !exists {
		return &runner.ExitOutcome{Tail: []string{"done dumping " + db + " (0 documents)"}}, nil
	}

	dir := filepath.Join(out, db)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &runner.ExitOutcome{ExitCode: 1, Tail: []string{err.Error()}}, nil
	}
	for name, docs := range content {
		data, _ := json.Marshal(docs)
		if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0o640); err != nil {
			return &runner.ExitOutcome{ExitCode: 1, Tail: []string{err.Error()}}, nil
		}
	}
	return &runner.ExitOutcome{Tail: []string{fmt.Sprintf("done dumping %s (%d collections)", db, len(content))}}, nil
}

func (c *Cluster) restore(ctx context.Context, flags map[string]string, dir string) (*runner.ExitOutcome, error) {
	uri := flags["uri"]
	db := strings.TrimSuffix(flags["nsInclude"], ".*")
	_, drop := flags["drop"]

	call := Call{Tool: "mongorestore", URI: uri, DB: db, Dir: dir, Drop: drop}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	failure, failing := c.takeFailure("mongorestore", uri)
	block, hook := c.Block, c.OnRestore
	c.Block = nil
	c.mu.Unlock()

	source, err := readDump(filepath.Join(dir, db))
	if err != nil {
		return &runner.ExitOutcome{ExitCode: 1, Tail: []string{err.Error()}}, nil
	}

	names := make([]string, 0, len(source))
	for n := range source {
		names = append(names, n)
	}
	sort.Strings(names)

	if failing && !failure.Partial {
		return &runner.ExitOutcome{ExitCode: failure.ExitCode, Tail: []string{failureMessage(failure)}}, nil
	}

	c.mu.Lock()
	if c.data[uri] == nil {
		c.data[uri] = make(map[string]Database)
	}
	if c.data[uri][db] == nil {
		c.data[uri][db] = make(Database)
	}
	target := c.data[uri][db]
	for i, n := range names {
		if failing && i > 0 {
			break
		}
		if drop {
			target[n] = append([]string(nil), source[n]...)
		} else {
			target[n] = append(target[n], source[n]...)
		}
	}
	c.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &runner.ExitOutcome{ExitCode: 130, Tail: []string{"interrupted"}}, fmt.Errorf("restore interrupted: %w", ctx.Err())
		}
	}

	if failing {
		return &runner.ExitOutcome{ExitCode: failure.ExitCode, Tail: []string{failureMessage(failure)}}, nil
	}
	return &runner.ExitOutcome{Tail: []string{fmt.Sprintf("%d collections restored", len(names))}}, nil
}

func (c *Cluster) takeFailure(tool, uri string) (Failure, bool) {
	for i, f := range c.failures {
		if f.Tool == tool && (f.URI == "" || f.URI == uri) {
			c.failures = append(c.failures[:i], c.failures[i+1:]...)
			if f.ExitCode == 0 {
				f.ExitCode = 1
			}
			return f, true
		}
	}
	return Failure{}, false
}

func failureMessage(f Failure) string {
	if f.Message != "" {
		return f.Message
	}
	return fmt.Sprintf("Failed: %s simulated error", f.Tool)
}

func readDump(dir string) (Database, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("Failed: %w", err)
	}
	out := make(Database)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var docs []string
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = docs
	}
	return out, nil
}

func parseArgs(args []string) (map[string]string, []string) {
	flags := make(map[string]string)
	var positional []string
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			positional = append(positional, a)
			continue
		}
		k, v, _ := strings.Cut(strings.TrimPrefix(a, "--"), "=")
		flags[k] = v
	}
	return flags, positional
}

func copyDB(d Database) Database {
	if d == nil {
		return nil
	}
	out := make(Database, len(d))
	for k, v := range d {
		out[k] = append([]string{}, v...)
	}
	return out
}

// Locator returns fixed tool paths and counts lookups
type Locator struct {
	mu    sync.Mutex
	Err   error
	calls int
}

// Locate implements the tool lookup used by the workflow
func (l *Locator) Locate(context.Context) (*tools.Paths, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.Err != nil {
		return nil, l.Err
	}
	return &tools.Paths{Dump: "/fake/bin/mongodump", Restore: "/fake/bin/mongorestore"}, nil
}

// Calls returns how many times Locate ran
func (l *Locator) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
