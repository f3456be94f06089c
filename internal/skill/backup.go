package skill

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
)

// BackupArea owns the directory where per-run backups live. It sits outside
// every sandbox so steps can never reach it.
type BackupArea struct {
	baseDir string
}

func NewBackupArea(baseDir string) *BackupArea {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "aule-escrow", "skill-backups")
	}
	return &BackupArea{baseDir: baseDir}
}

// Prepare creates the backup directory for one run.
// Path: baseDir/{runID}
func (a *BackupArea) Prepare(runID string) (string, error) {
	path := filepath.Join(a.baseDir, runID)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}
	return path, nil
}

// Cleanup removes a run's backup directory.
func (a *BackupArea) Cleanup(runID string) error {
	return os.RemoveAll(filepath.Join(a.baseDir, runID))
}

// GetPath returns the backup directory of a run.
func (a *BackupArea) GetPath(runID string) string {
	return filepath.Join(a.baseDir, runID)
}

// backupEntry maps one original path to its saved copy. A path that did not
// exist before the run has no copy and is removed on rollback.
type backupEntry struct {
	Original   string
	BackupPath string
	Existed    bool
	Mode       fs.FileMode
}

// backupSet is the sole source of truth for rollback.
type backupSet struct {
	dir     string
	now     func() time.Time
	entries map[string]*backupEntry
	order   []string
	// createdDirs are parents made by steps, removed on rollback when empty.
	createdDirs []string
}

func newBackupSet(dir string, now func() time.Time) *backupSet {
	return &backupSet{dir: dir, now: now, entries: make(map[string]*backupEntry)}
}

func (b *backupSet) Len() int { return len(b.entries) }

// capture saves path once, before its first mutation.
func (b *backupSet) capture(path string) error {
	if _, done := b.entries[path]; done {
		return nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		b.add(&backupEntry{Original: path})
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s for backup: %w", path, err)
	}
	name := fmt.Sprintf("%04d-%s-%s.bak", len(b.order), b.now().UTC().Format("20060102T150405.000"), filepath.Base(path))
	dst := filepath.Join(b.dir, name)
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return fmt.Errorf("write backup of %s: %w", path, err)
	}

	b.add(&backupEntry{Original: path, BackupPath: dst, Existed: true, Mode: info.Mode().Perm()})
	return nil
}

// captureExisting backs up path only if it exists. Used for declared context
// files, where a missing file has nothing to restore.
func (b *backupSet) captureExisting(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return b.capture(path)
}

func (b *backupSet) add(e *backupEntry) {
	b.entries[e.Original] = e
	b.order = append(b.order, e.Original)
}

// restore puts every original back, newest capture first. It returns the
// number restored and the originals that could not be.
func (b *backupSet) restore() (int, []string, error) {
	var merr *multierror.Error
	var failed []string
	restored := 0

	for i := len(b.order) - 1; i >= 0; i-- {
		e := b.entries[b.order[i]]
		if err := e.restore(); err != nil {
			merr = multierror.Append(merr, err)
			failed = append(failed, e.Original)
			continue
		}
		restored++
	}
	return restored, failed, merr.ErrorOrNil()
}

func (e *backupEntry) restore() error {
	if !e.Existed {
		if err := os.Remove(e.Original); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove created file %s: %w", e.Original, err)
		}
		return nil
	}

	data, err := os.ReadFile(e.BackupPath)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", e.BackupPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(e.Original), 0o755); err != nil {
		return fmt.Errorf("recreate parent of %s: %w", e.Original, err)
	}
	if err := os.WriteFile(e.Original, data, e.Mode); err != nil {
		return fmt.Errorf("restore %s: %w", e.Original, err)
	}
	return nil
}

// ensureParent creates the parent directories of path, remembering each one
// it had to make.
func (b *backupSet) ensureParent(path string) error {
	var missing []string
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dir, err)
		}
		missing = append(missing, dir)
		if filepath.Dir(dir) == dir {
			break
		}
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create %s: %w", missing[i], err)
		}
		b.createdDirs = append(b.createdDirs, missing[i])
	}
	return nil
}

// paths lists every original and created directory the set will touch on
// rollback.
func (b *backupSet) paths() []string {
	out := make([]string, 0, len(b.order)+len(b.createdDirs))
	out = append(out, b.order...)
	return append(out, b.createdDirs...)
}

// removeCreatedDirs removes directories made during the run, deepest first.
// Non-empty directories are left alone.
func (b *backupSet) removeCreatedDirs() {
	for i := len(b.createdDirs) - 1; i >= 0; i-- {
		_ = os.Remove(b.createdDirs[i])
	}
}
