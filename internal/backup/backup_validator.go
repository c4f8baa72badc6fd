package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ValidateIntegrity checks that a backup can be restored: its metadata is
// complete, its dump is present and, when a checksum was recorded, the dump
// files are unchanged since the backup was taken.
func ValidateIntegrity(rec *Record) error {
	if rec == nil {
		return NewValidationError("backup record is required", nil)
	}
	if rec.ID == "" {
		return NewValidationError("backup ID is empty", nil)
	}
	if rec.Environment == "" || rec.Database == "" {
		return NewValidationError(fmt.Sprintf("backup %s does not name its environment and database", rec.ID), nil)
	}
	if rec.Empty {
		return nil
	}

	dbDir := filepath.Join(rec.DumpPath, rec.Database)
	if info, err := os.Stat(dbDir); err != nil || !info.IsDir() {
		return NewValidationError(fmt.Sprintf("backup %s has no dump for database %s", rec.ID, rec.Database), err).
			WithContext("location", rec.Location)
	}

	if rec.Checksum == "" {
		return nil
	}
	actual, err := CalculateChecksum(rec.DumpPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("could not read backup %s", rec.ID), err).
			WithContext("location", rec.Location)
	}
	if actual != rec.Checksum {
		return NewValidationError(fmt.Sprintf("backup %s was modified after it was taken (checksum mismatch)", rec.ID), nil).
			WithContext("location", rec.Location).
			WithContext("expected", rec.Checksum).
			WithContext("actual", actual)
	}
	return nil
}

// CalculateChecksum hashes every regular file under dir together with its relative path
func CalculateChecksum(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	hash := sha256.New()
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(hash, "%s\x00", filepath.ToSlash(rel))
		if err := hashFile(hash, path); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
