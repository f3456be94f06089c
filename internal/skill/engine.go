package skill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

const (
	// DefaultMaxForEachItems bounds a single for-each expansion.
	DefaultMaxForEachItems = 1000
	// preflightBudget caps how many paths the pre-mutation scan checks.
	preflightBudget = 10000
)

var (
	ErrValidationFailed   = errors.New("skill pre-validation failed")
	ErrRollbackIncomplete = errors.New("rollback incomplete")
)

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
)

// Change records one mutation for reporting.
type Change struct {
	Type    ChangeType `json:"type"`
	Path    string     `json:"path"`
	From    string     `json:"from,omitempty"`
	Content string     `json:"content,omitempty"`
}

// Request is one execution of a definition against a sandbox root.
type Request struct {
	Root    string
	Inputs  map[string]any
	Context map[string]any
}

// Result is what a run reports back.
type Result struct {
	SkillID          string        `json:"skill_id"`
	Success          bool          `json:"success"`
	Message          string        `json:"message"`
	Changes          []Change      `json:"changes"`
	RolledBack       bool          `json:"rolled_back"`
	RollbackFailures []string      `json:"rollback_failures,omitempty"`
	BackupDir        string        `json:"backup_dir,omitempty"`
	Error            string        `json:"error,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Engine runs skill definitions with all-or-nothing file semantics.
// One Engine may serve concurrent runs; file operations serialize per path.
type Engine struct {
	logger     *slog.Logger
	backups    *BackupArea
	locks      *pathLocks
	clock      clock.Clock
	maxForEach int
}

type EngineOption func(*Engine)

func WithEngineClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

func WithMaxForEachItems(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxForEach = n
		}
	}
}

func NewEngine(logger *slog.Logger, backups *BackupArea, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:     logger,
		backups:    backups,
		locks:      newPathLocks(),
		clock:      clock.New(),
		maxForEach: DefaultMaxForEachItems,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute validates inputs, backs up, runs every step in order and rolls the
// whole run back on the first failure. The returned error is the cause.
func (e *Engine) Execute(ctx context.Context, def *Definition, req Request) (*Result, error) {
	start := e.clock.Now()
	logger := e.logger.With("skill_id", def.ID)
	res := &Result{SkillID: def.ID, Changes: []Change{}}
	finish := func() { res.Duration = e.clock.Since(start) }
	defer finish()

	untouched := func(err error) (*Result, error) {
		res.Error = err.Error()
		res.Message = fmt.Sprintf("Skill %q did not run: %v. No files were changed.", def.Name, err)
		logger.Warn("skill rejected before execution", "error", err)
		return res, err
	}

	inputs, err := validateInputs(def.Inputs, req.Inputs)
	if err != nil {
		return untouched(err)
	}
	sb, err := NewSandbox(req.Root)
	if err != nil {
		return untouched(err)
	}
	sc := newScope(inputs, req.Context)
	budget := preflightBudget
	if err := e.preflight(def.Execution, sc, sb, &budget); err != nil {
		return untouched(err)
	}

	runID := uuid.New().String()
	dir, err := e.backups.Prepare(runID)
	if err != nil {
		return untouched(err)
	}

	r := &run{
		engine:  e,
		sandbox: sb,
		backups: newBackupSet(dir, e.clock.Now),
		logger:  logger.With("run_id", runID),
	}
	r.logger.Info("skill execution started", "root", sb.Root(), "steps", len(def.Execution))

	if err := r.backupContext(def.ContextFiles, sc); err != nil {
		return e.rollback(r, runID, def, res, fmt.Errorf("backup: %w", err))
	}
	if err := r.validate(def.Validation, sc); err != nil {
		return e.rollback(r, runID, def, res, err)
	}
	if err := r.runSteps(ctx, def.Execution, sc); err != nil {
		return e.rollback(r, runID, def, res, err)
	}

	if err := e.backups.Cleanup(runID); err != nil {
		r.logger.Warn("failed to remove backups after success", "dir", dir, "error", err)
	}
	res.Success = true
	res.Changes = r.changes
	res.Message = successMessage(def, sc, len(r.changes))
	r.logger.Info("skill execution completed", "changes", len(r.changes))
	return res, nil
}

func (e *Engine) rollback(r *run, runID string, def *Definition, res *Result, cause error) (*Result, error) {
	res.Changes = r.changes
	res.Error = cause.Error()

	if r.backups.Len() == 0 {
		r.logger.Warn("ROLLBACK HAS NO BACKUPS: nothing could be restored", "error", cause)
		_ = e.backups.Cleanup(runID)
		res.Message = fmt.Sprintf("Skill %q failed: %v. No backups were recorded, so rollback had nothing to restore.", def.Name, cause)
		return res, cause
	}

	unlock := e.locks.lock(r.backups.paths()...)
	restored, failed, rerr := r.backups.restore()
	r.backups.removeCreatedDirs()
	unlock()

	if len(failed) == 0 {
		if err := e.backups.Cleanup(runID); err != nil {
			r.logger.Warn("failed to remove backups after rollback", "error", err)
		}
		res.RolledBack = true
		res.Message = fmt.Sprintf("Skill %q failed: %v. All changes were rolled back (%d file(s) restored).", def.Name, cause, restored)
		r.logger.Warn("skill execution rolled back", "error", cause, "restored", restored)
		return res, cause
	}

	rel := make([]string, len(failed))
	for i, p := range failed {
		rel[i] = r.sandbox.Rel(p)
	}
	res.RollbackFailures = rel
	res.BackupDir = r.backups.dir
	res.Message = fmt.Sprintf("Skill %q failed: %v. Changes were NOT fully rolled back: %d file(s) could not be restored (%s). Backups kept in %s.",
		def.Name, cause, len(failed), strings.Join(rel, ", "), r.backups.dir)
	r.logger.Error("rollback incomplete, manual intervention required",
		"error", cause,
		"rollback_error", rerr,
		"restored", restored,
		"failed_paths", rel,
		"backup_dir", r.backups.dir,
	)
	return res, fmt.Errorf("%w: %w", ErrRollbackIncomplete, cause)
}

func successMessage(def *Definition, sc *scope, changes int) string {
	if def.SuccessMessage != "" {
		if msg, err := sc.render(def.SuccessMessage); err == nil {
			return msg
		}
		return def.SuccessMessage
	}
	return fmt.Sprintf("Skill %q completed with %d change(s).", def.Name, changes)
}

// preflight rejects sandbox escapes that can be resolved before any file is
// touched. Paths depending on runtime reads are checked again at execution.
func (e *Engine) preflight(steps []Step, sc *scope, sb *Sandbox, budget *int) error {
	check := func(tmpl string) error {
		if *budget <= 0 {
			return nil
		}
		*budget--
		p, err := sc.render(tmpl)
		if errors.Is(err, ErrUnresolved) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = sb.Resolve(p)
		return err
	}

	for _, step := range steps {
		var err error
		switch s := step.(type) {
		case ReadFileStep:
			err = check(s.Path)
		case WriteFileStep:
			err = check(s.Path)
		case UpdateFileStep:
			err = check(s.Path)
		case DeleteFileStep:
			err = check(s.Path)
		case RenameFileStep:
			if err = check(s.From); err == nil {
				err = check(s.To)
			}
		case ForEachStep:
			v, rerr := sc.resolve(s.Items)
			if rerr != nil {
				continue
			}
			items, ok := asItems(v)
			if !ok {
				return fmt.Errorf("%s: items must resolve to a list, got %T", s.Label(), v)
			}
			if len(items) > e.maxForEach {
				return fmt.Errorf("%s: %d items exceeds the limit of %d", s.Label(), len(items), e.maxForEach)
			}
			for i, it := range items {
				if err = e.preflight(s.Steps, sc.withLoop(s.As, it, i), sb, budget); err != nil {
					break
				}
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", step.Label(), err)
		}
	}
	return nil
}

// run is the transient state of one execution.
type run struct {
	engine  *Engine
	sandbox *Sandbox
	backups *backupSet
	changes []Change
	logger  *slog.Logger
}

func (r *run) backupContext(patterns []string, sc *scope) error {
	for _, pattern := range patterns {
		rendered, err := sc.render(pattern)
		if err != nil {
			return err
		}
		rendered = filepath.ToSlash(filepath.Clean(rendered))
		if strings.HasPrefix(rendered, "../") || rendered == ".." || filepath.IsAbs(rendered) {
			return fmt.Errorf("%w: context pattern %q", ErrSandboxEscape, pattern)
		}
		matches, err := doublestar.Glob(r.sandbox.FS(), rendered)
		if err != nil {
			return fmt.Errorf("expand %q: %w", pattern, err)
		}
		for _, m := range matches {
			p, err := r.sandbox.Resolve(m)
			if err != nil {
				return err
			}
			if !isFile(p) {
				continue
			}
			if err := r.backups.captureExisting(p); err != nil {
				return err
			}
		}
	}
	r.logger.Debug("context files backed up", "count", r.backups.Len())
	return nil
}

func (r *run) validate(checks []Check, sc *scope) error {
	for i, c := range checks {
		rendered, err := sc.render(c.Path)
		if err != nil {
			return fmt.Errorf("validation[%d]: %w", i, err)
		}
		p, err := r.sandbox.Resolve(rendered)
		if err != nil {
			return fmt.Errorf("validation[%d]: %w", i, err)
		}

		ok := true
		switch c.Type {
		case CheckFileExists:
			ok = isFile(p)
		case CheckFileNotExists:
			_, statErr := os.Stat(p)
			ok = errors.Is(statErr, fs.ErrNotExist)
		case CheckFileContains:
			needle, err := sc.render(c.Contains)
			if err != nil {
				return fmt.Errorf("validation[%d]: %w", i, err)
			}
			data, err := os.ReadFile(p)
			ok = err == nil && strings.Contains(string(data), needle)
		}
		if !ok {
			msg := c.Message
			if msg == "" {
				msg = fmt.Sprintf("%s check failed for %s", c.Type, rendered)
			}
			return fmt.Errorf("%w: %s", ErrValidationFailed, msg)
		}
	}
	return nil
}

func (r *run) runSteps(ctx context.Context, steps []Step, sc *scope) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before %s: %w", step.Label(), err)
		}
		if err := r.runStep(ctx, step, sc); err != nil {
			return fmt.Errorf("step %q: %w", step.Label(), err)
		}
	}
	return nil
}

func (r *run) runStep(ctx context.Context, step Step, sc *scope) error {
	switch s := step.(type) {
	case ReadFileStep:
		return r.readFile(s, sc)
	case WriteFileStep:
		return r.writeFile(s, sc)
	case UpdateFileStep:
		return r.updateFile(s, sc)
	case DeleteFileStep:
		return r.deleteFile(s, sc)
	case RenameFileStep:
		return r.renameFile(s, sc)
	case ForEachStep:
		return r.forEach(ctx, s, sc)
	}
	return fmt.Errorf("unsupported step %T", step)
}

func (r *run) path(sc *scope, tmpl string) (string, error) {
	rendered, err := sc.render(tmpl)
	if err != nil {
		return "", err
	}
	return r.sandbox.Resolve(rendered)
}

func (r *run) readFile(s ReadFileStep, sc *scope) error {
	p, err := r.path(sc, s.Path)
	if err != nil {
		return err
	}
	unlock := r.engine.locks.lock(p)
	defer unlock()

	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read %s: %w", r.sandbox.Rel(p), err)
	}
	sc.vars[s.As] = string(data)
	return nil
}

func (r *run) writeFile(s WriteFileStep, sc *scope) error {
	p, err := r.path(sc, s.Path)
	if err != nil {
		return err
	}
	content, err := sc.render(s.Content)
	if err != nil {
		return err
	}
	unlock := r.engine.locks.lock(p)
	defer unlock()

	typ := ChangeUpdate
	if !exists(p) {
		typ = ChangeCreate
	}
	if err := r.backups.capture(p); err != nil {
		return err
	}
	if err := r.backups.ensureParent(p); err != nil {
		return err
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", r.sandbox.Rel(p), err)
	}
	r.record(Change{Type: typ, Path: r.sandbox.Rel(p), Content: content})
	return nil
}

func (r *run) updateFile(s UpdateFileStep, sc *scope) error {
	p, err := r.path(sc, s.Path)
	if err != nil {
		return err
	}
	content, err := sc.render(s.Content)
	if err != nil {
		return err
	}
	find, err := sc.render(s.Find)
	if err != nil {
		return err
	}
	unlock := r.engine.locks.lock(p)
	defer unlock()

	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("update %s: %w", r.sandbox.Rel(p), err)
	}
	current := string(data)

	var updated string
	switch s.Mode {
	case UpdateAppend:
		updated = current + content
	case UpdateInsertAfter:
		i := strings.Index(current, find)
		if i < 0 {
			return fmt.Errorf("anchor %q not found in %s", find, r.sandbox.Rel(p))
		}
		at := i + len(find)
		updated = current[:at] + content + current[at:]
	case UpdateReplace:
		if !strings.Contains(current, find) {
			return fmt.Errorf("text %q not found in %s", find, r.sandbox.Rel(p))
		}
		updated = strings.Replace(current, find, content, 1)
	default:
		return fmt.Errorf("unknown update mode %q", s.Mode)
	}

	if err := r.backups.capture(p); err != nil {
		return err
	}
	if err := os.WriteFile(p, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", r.sandbox.Rel(p), err)
	}
	r.record(Change{Type: ChangeUpdate, Path: r.sandbox.Rel(p), Content: updated})
	return nil
}

func (r *run) deleteFile(s DeleteFileStep, sc *scope) error {
	p, err := r.path(sc, s.Path)
	if err != nil {
		return err
	}
	unlock := r.engine.locks.lock(p)
	defer unlock()

	if !isFile(p) {
		return fmt.Errorf("delete %s: no such file", r.sandbox.Rel(p))
	}
	if err := r.backups.capture(p); err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("delete %s: %w", r.sandbox.Rel(p), err)
	}
	r.record(Change{Type: ChangeDelete, Path: r.sandbox.Rel(p)})
	return nil
}

func (r *run) renameFile(s RenameFileStep, sc *scope) error {
	from, err := r.path(sc, s.From)
	if err != nil {
		return err
	}
	to, err := r.path(sc, s.To)
	if err != nil {
		return err
	}
	unlock := r.engine.locks.lock(from, to)
	defer unlock()

	if !isFile(from) {
		return fmt.Errorf("rename %s: no such file", r.sandbox.Rel(from))
	}
	if err := r.backups.capture(from); err != nil {
		return err
	}
	if err := r.backups.capture(to); err != nil {
		return err
	}
	if err := r.backups.ensureParent(to); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s: %w", r.sandbox.Rel(from), err)
	}
	r.record(Change{Type: ChangeRename, Path: r.sandbox.Rel(to), From: r.sandbox.Rel(from)})
	return nil
}

func (r *run) forEach(ctx context.Context, s ForEachStep, sc *scope) error {
	v, err := sc.resolve(s.Items)
	if err != nil {
		return err
	}
	items, ok := asItems(v)
	if !ok {
		return fmt.Errorf("items must resolve to a list, got %T", v)
	}
	if len(items) > r.engine.maxForEach {
		return fmt.Errorf("%d items exceeds the limit of %d", len(items), r.engine.maxForEach)
	}
	for i, it := range items {
		if err := r.runSteps(ctx, s.Steps, sc.withLoop(s.As, it, i)); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

func (r *run) record(c Change) {
	r.changes = append(r.changes, c)
	r.logger.Debug("skill change recorded", "type", c.Type, "path", c.Path)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
