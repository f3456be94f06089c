package skill

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrSandboxEscape is returned for any path that resolves outside the root.
var ErrSandboxEscape = errors.New("security violation: path is outside sandbox root")

// Sandbox confines step paths to one directory tree.
type Sandbox struct {
	root string // absolute, symlinks resolved
}

func NewSandbox(root string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", resolved)
	}
	return &Sandbox{root: resolved}, nil
}

func (s *Sandbox) Root() string { return s.root }

// FS exposes the sandbox for glob matching.
func (s *Sandbox) FS() fs.FS { return os.DirFS(s.root) }

// Resolve returns the absolute location of requested inside the root.
// The check runs on the cleaned path and again after resolving symlinks
// of the deepest existing ancestor.
func (s *Sandbox) Resolve(requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(requested, 0) {
		return "", fmt.Errorf("%w: %q", ErrSandboxEscape, requested)
	}

	var candidate string
	if filepath.IsAbs(requested) {
		candidate = filepath.Clean(requested)
	} else {
		candidate = filepath.Join(s.root, requested)
	}
	if !within(s.root, candidate) {
		return "", fmt.Errorf("%w: %q", ErrSandboxEscape, requested)
	}

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", requested, err)
	}
	if !within(s.root, resolved) {
		return "", fmt.Errorf("%w: %q", ErrSandboxEscape, requested)
	}
	return candidate, nil
}

// Rel returns p relative to the root, for reporting.
func (s *Sandbox) Rel(p string) string {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// re-appends the missing tail.
func resolveExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
