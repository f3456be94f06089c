package skill

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnresolved is returned when a ${...} reference names nothing in scope.
var ErrUnresolved = errors.New("unresolved template reference")

var refPattern = regexp.MustCompile(`\$\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_-]+)*)\s*\}`)

// scope is the running state templates resolve against.
type scope struct {
	inputs  map[string]any
	context map[string]any
	vars    map[string]any
	locals  map[string]any // loop bindings, innermost wins
}

func newScope(inputs, ctx map[string]any) *scope {
	if inputs == nil {
		inputs = map[string]any{}
	}
	if ctx == nil {
		ctx = map[string]any{}
	}
	return &scope{inputs: inputs, context: ctx, vars: map[string]any{}, locals: map[string]any{}}
}

// withLoop returns a child scope binding one for-each iteration.
// vars stay shared so reads inside a loop remain visible after it.
func (s *scope) withLoop(as string, item any, index int) *scope {
	locals := make(map[string]any, len(s.locals)+3)
	for k, v := range s.locals {
		locals[k] = v
	}
	locals["item"] = item
	locals["index"] = index
	locals[as] = item
	return &scope{inputs: s.inputs, context: s.context, vars: s.vars, locals: locals}
}

func (s *scope) lookup(ref string) (any, error) {
	parts := strings.Split(ref, ".")
	var cur any
	switch head := parts[0]; head {
	case "inputs":
		cur = s.inputs
	case "context":
		cur = s.context
	case "vars":
		cur = s.vars
	default:
		v, ok := s.locals[head]
		if !ok {
			return nil, fmt.Errorf("%w: ${%s}", ErrUnresolved, ref)
		}
		cur = v
	}

	for _, p := range parts[1:] {
		next, ok := descend(cur, p)
		if !ok {
			return nil, fmt.Errorf("%w: ${%s}", ErrUnresolved, ref)
		}
		cur = next
	}
	return cur, nil
}

func descend(v any, key string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		next, ok := t[key]
		return next, ok
	case map[string]string:
		next, ok := t[key]
		return next, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	case []string:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	}
	return nil, false
}

// render substitutes every reference in tmpl with its string form.
func (s *scope) render(tmpl string) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		if firstErr != nil {
			return m
		}
		ref := refPattern.FindStringSubmatch(m)[1]
		v, err := s.lookup(ref)
		if err != nil {
			firstErr = err
			return m
		}
		return stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolve returns the raw value when tmpl is exactly one reference,
// otherwise the rendered string.
func (s *scope) resolve(tmpl string) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if loc := refPattern.FindStringSubmatchIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		return s.lookup(trimmed[loc[2]:loc[3]])
	}
	return s.render(tmpl)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// asItems converts a resolved for-each source into a slice.
func asItems(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}
