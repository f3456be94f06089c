package skill

import (
	"fmt"
)

type StepKind string

const (
	KindReadFile   StepKind = "read-file"
	KindWriteFile  StepKind = "write-file"
	KindUpdateFile StepKind = "update-file"
	KindDeleteFile StepKind = "delete-file"
	KindRenameFile StepKind = "rename-file"
	KindForEach    StepKind = "for-each"
)

type UpdateMode string

const (
	UpdateInsertAfter UpdateMode = "insert-after"
	UpdateReplace     UpdateMode = "replace"
	UpdateAppend      UpdateMode = "append"
)

// Step is one of the closed set of step variants below.
type Step interface {
	Kind() StepKind
	Label() string
}

// ReadFileStep loads a file into vars under As.
type ReadFileStep struct {
	Name string
	Path string
	As   string
}

// WriteFileStep creates or overwrites a file.
type WriteFileStep struct {
	Name    string
	Path    string
	Content string
}

// UpdateFileStep edits an existing file in place.
type UpdateFileStep struct {
	Name    string
	Path    string
	Mode    UpdateMode
	Find    string // anchor for insert-after and replace
	Content string
}

type DeleteFileStep struct {
	Name string
	Path string
}

type RenameFileStep struct {
	Name string
	From string
	To   string
}

// ForEachStep runs Steps once per element of the array Items resolves to.
type ForEachStep struct {
	Name  string
	Items string
	As    string
	Steps []Step
}

func (s ReadFileStep) Kind() StepKind   { return KindReadFile }
func (s WriteFileStep) Kind() StepKind  { return KindWriteFile }
func (s UpdateFileStep) Kind() StepKind { return KindUpdateFile }
func (s DeleteFileStep) Kind() StepKind { return KindDeleteFile }
func (s RenameFileStep) Kind() StepKind { return KindRenameFile }
func (s ForEachStep) Kind() StepKind    { return KindForEach }

func (s ReadFileStep) Label() string   { return label(s.Name, KindReadFile, s.Path) }
func (s WriteFileStep) Label() string  { return label(s.Name, KindWriteFile, s.Path) }
func (s UpdateFileStep) Label() string { return label(s.Name, KindUpdateFile, s.Path) }
func (s DeleteFileStep) Label() string { return label(s.Name, KindDeleteFile, s.Path) }
func (s RenameFileStep) Label() string { return label(s.Name, KindRenameFile, s.From) }
func (s ForEachStep) Label() string    { return label(s.Name, KindForEach, s.Items) }

func label(name string, kind StepKind, target string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s %s", kind, target)
}

// rawStep is the untyped document form of any step.
type rawStep struct {
	Type    StepKind   `json:"type"`
	Name    string     `json:"name"`
	Path    string     `json:"path"`
	As      string     `json:"as"`
	Content *string    `json:"content"`
	Mode    UpdateMode `json:"mode"`
	Find    string     `json:"find"`
	From    string     `json:"from"`
	To      string     `json:"to"`
	Items   string     `json:"items"`
	Steps   []rawStep  `json:"steps"`
}

func buildSteps(raws []rawStep, depth int, where string) ([]Step, error) {
	steps := make([]Step, 0, len(raws))
	for i, r := range raws {
		at := fmt.Sprintf("%s[%d]", where, i)
		s, err := r.build(depth, at)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func (r rawStep) build(depth int, at string) (Step, error) {
	content := ""
	if r.Content != nil {
		content = *r.Content
	}

	switch r.Type {
	case KindReadFile:
		return ReadFileStep{Name: r.Name, Path: r.Path, As: r.As}, nil
	case KindWriteFile:
		return WriteFileStep{Name: r.Name, Path: r.Path, Content: content}, nil
	case KindUpdateFile:
		if (r.Mode == UpdateInsertAfter || r.Mode == UpdateReplace) && r.Find == "" {
			return nil, fmt.Errorf("%w: %s: %s needs find", ErrInvalidDefinition, at, r.Mode)
		}
		return UpdateFileStep{Name: r.Name, Path: r.Path, Mode: r.Mode, Find: r.Find, Content: content}, nil
	case KindDeleteFile:
		return DeleteFileStep{Name: r.Name, Path: r.Path}, nil
	case KindRenameFile:
		return RenameFileStep{Name: r.Name, From: r.From, To: r.To}, nil
	case KindForEach:
		if depth > MaxNestingDepth {
			return nil, fmt.Errorf("%w: %s: for-each nested deeper than %d", ErrInvalidDefinition, at, MaxNestingDepth)
		}
		nested, err := buildSteps(r.Steps, depth+1, at+".steps")
		if err != nil {
			return nil, err
		}
		as := r.As
		if as == "" {
			as = "item"
		}
		return ForEachStep{Name: r.Name, Items: r.Items, As: as, Steps: nested}, nil
	default:
		return nil, fmt.Errorf("%w: %s: unknown step type %q", ErrInvalidDefinition, at, r.Type)
	}
}
