package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// ExportsDir holds source exports, next to the per-environment backup trees
	ExportsDir = "_exports"
	// DumpDir is the mongodump --out directory inside each backup
	DumpDir = "dump"

	stampLayout = "20060102T150405Z"
)

// LocalStore owns the on-disk layout:
//
//	{root}/{ENV}/{database}/{stamp}-{token}/dump/{database}/...
//	{root}/{ENV}/{database}/{stamp}-{token}/backup.json
//	{root}/_exports/{ENV}/{database}/{stamp}-{token}/{database}/...
type LocalStore struct {
	root        string
	permissions os.FileMode
}

// NewLocalStore creates a store rooted at root. The directory is created lazily.
func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, NewValidationError("backup root directory is required", nil)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid backup root %q", root), err)
	}
	return &LocalStore{root: abs, permissions: 0o750}, nil
}

// Root returns the absolute root directory
func (s *LocalStore) Root() string {
	return s.root
}

// NewID returns a collision-resistant directory name for a new artifact
func NewID(at time.Time, token string) string {
	return at.UTC().Format(stampLayout) + "-" + token
}

// PrepareBackup creates an empty backup directory and returns it
func (s *LocalStore) PrepareBackup(env, database, id string) (string, error) {
	dir := filepath.Join(s.root, safeSegment(env), safeSegment(database), id)
	return dir, s.mkdirFresh(dir)
}

// PrepareExport creates an empty export directory and returns it
func (s *LocalStore) PrepareExport(env, database, id string) (string, error) {
	dir := filepath.Join(s.root, ExportsDir, safeSegment(env), safeSegment(database), id)
	return dir, s.mkdirFresh(dir)
}

func (s *LocalStore) mkdirFresh(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return NewStorageError(fmt.Sprintf("directory %s already exists", dir), nil)
	}
	if err := os.MkdirAll(dir, s.permissions); err != nil {
		return NewStorageError(fmt.Sprintf("failed to create directory %s", dir), err)
	}
	return nil
}

// SaveRecord writes the record's metadata file into its location
func (s *LocalStore) SaveRecord(r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return NewStorageError("failed to marshal backup record", err)
	}

	path := filepath.Join(r.Location, RecordFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return NewStorageError("failed to write backup record", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return NewStorageError("failed to write backup record", err)
	}
	return nil
}

// LoadRecord reads the record from a backup directory
func (s *LocalStore) LoadRecord(dir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewNotFoundError(fmt.Sprintf("no backup record in %s", dir), err)
		}
		return nil, NewStorageError("failed to read backup record", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, NewStorageError(fmt.Sprintf("corrupt backup record in %s", dir), err)
	}
	// directories may have been moved since the record was written
	r.Location = dir
	r.DumpPath = filepath.Join(dir, DumpDir)
	return &r, nil
}

// Find resolves a backup by directory path or by ID
func (s *LocalStore) Find(ref string) (*Record, error) {
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return s.LoadRecord(ref)
	}

	all, err := s.List(Filter{})
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.ID == ref {
			return r, nil
		}
	}
	return nil, NewNotFoundError(fmt.Sprintf("backup %q not found under %s", ref, s.root), nil)
}

// List returns backup records matching the filter, newest first
func (s *LocalStore) List(filter Filter) ([]*Record, error) {
	var records []*Record

	if _, err := os.Stat(s.root); errors.Is(err, fs.ErrNotExist) {
		return records, nil
	}

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != s.root && d.Name() == ExportsDir && filepath.Dir(path) == s.root {
			return filepath.SkipDir
		}

		if _, statErr := os.Stat(filepath.Join(path, RecordFile)); statErr != nil {
			return nil
		}
		r, loadErr := s.LoadRecord(path)
		if loadErr != nil {
			// unreadable records are skipped, never deleted
			return filepath.SkipDir
		}
		if filter.Matches(r) {
			records = append(records, r)
		}
		return filepath.SkipDir
	})
	if err != nil {
		return nil, NewStorageError("failed to list backups", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes a backup directory. Only explicit operator commands call this.
func (s *LocalStore) Delete(r *Record) error {
	if err := s.removeUnderRoot(r.Location); err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete backup %s", r.ID), err)
	}
	return nil
}

// Discard removes a directory from PrepareBackup whose dump never completed
func (s *LocalStore) Discard(dir string) error {
	if err := s.removeUnderRoot(dir); err != nil {
		return NewStorageError(fmt.Sprintf("failed to discard incomplete backup %s", dir), err)
	}
	return nil
}

func (s *LocalStore) removeUnderRoot(dir string) error {
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return NewValidationError(fmt.Sprintf("refusing to delete %s outside %s", dir, s.root), err)
	}
	return os.RemoveAll(dir)
}

// DirSize sums the size of regular files under dir
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// safeSegment keeps user-supplied names from escaping the root
func safeSegment(s string) string {
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	s = strings.ReplaceAll(s, "/", "_")
	if s == "." || s == ".." || s == "" {
		return "_"
	}
	return s
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
