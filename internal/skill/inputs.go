package skill

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrInvalidInputs is returned before any file is touched.
var ErrInvalidInputs = errors.New("invalid skill inputs")

// validateInputs checks supplied values against the declared inputs and
// returns a copy with defaults applied.
func validateInputs(specs []InputSpec, supplied map[string]any) (map[string]any, error) {
	var merr *multierror.Error
	out := make(map[string]any, len(specs))
	declared := make(map[string]struct{}, len(specs))

	for _, spec := range specs {
		declared[spec.Name] = struct{}{}
		v, ok := supplied[spec.Name]
		if !ok || v == nil {
			if spec.Default != nil {
				out[spec.Name] = spec.Default
				continue
			}
			if spec.Required {
				merr = multierror.Append(merr, fmt.Errorf("%s: required", spec.Name))
			}
			continue
		}
		if err := checkType(spec, v); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", spec.Name, err))
			continue
		}
		out[spec.Name] = v
	}

	for name := range supplied {
		if _, ok := declared[name]; !ok {
			merr = multierror.Append(merr, fmt.Errorf("%s: not declared by this skill", name))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		merr.ErrorFormat = listFormat
		return nil, fmt.Errorf("%w: %v", ErrInvalidInputs, merr)
	}
	return out, nil
}

func checkType(spec InputSpec, v any) error {
	switch spec.Type {
	case InputString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case InputNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, json.Number:
		default:
			return fmt.Errorf("expected number, got %T", v)
		}
	case InputBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case InputSelect:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected one of %v, got %T", spec.Options, v)
		}
		if !slices.Contains(spec.Options, s) {
			return fmt.Errorf("%q is not one of %v", s, spec.Options)
		}
	case InputMultiSelect:
		items, ok := asItems(v)
		if !ok {
			return fmt.Errorf("expected a list of %v, got %T", spec.Options, v)
		}
		for _, it := range items {
			s, ok := it.(string)
			if !ok || !slices.Contains(spec.Options, s) {
				return fmt.Errorf("%v is not one of %v", it, spec.Options)
			}
		}
	default:
		return fmt.Errorf("unknown input type %q", spec.Type)
	}
	return nil
}

// CoerceInputs converts command-line key=value strings into the types the
// definition declares. Multiselect values are comma separated.
func CoerceInputs(def *Definition, raw map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for name, s := range raw {
		spec, ok := def.Input(name)
		if !ok {
			out[name] = s
			continue
		}
		switch spec.Type {
		case InputNumber:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %q is not a number", ErrInvalidInputs, name, s)
			}
			out[name] = f
		case InputBoolean:
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %q is not a boolean", ErrInvalidInputs, name, s)
			}
			out[name] = b
		case InputMultiSelect:
			var items []any
			for _, part := range strings.Split(s, ",") {
				if part = strings.TrimSpace(part); part != "" {
					items = append(items, part)
				}
			}
			out[name] = items
		default:
			out[name] = s
		}
	}
	return out, nil
}

func listFormat(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
