package skill

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// ErrInvalidDefinition wraps every load-time rejection of a skill document.
var ErrInvalidDefinition = errors.New("invalid skill definition")

// MaxNestingDepth bounds how deeply for-each steps may nest.
const MaxNestingDepth = 4

type InputType string

const (
	InputString      InputType = "string"
	InputNumber      InputType = "number"
	InputBoolean     InputType = "boolean"
	InputSelect      InputType = "select"
	InputMultiSelect InputType = "multiselect"
)

// InputSpec declares one typed skill input.
type InputSpec struct {
	Name        string    `json:"name"`
	Type        InputType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Options     []string  `json:"options,omitempty"`
	Default     any       `json:"default,omitempty"`
}

type CheckType string

const (
	CheckFileExists    CheckType = "file-exists"
	CheckFileNotExists CheckType = "file-not-exists"
	CheckFileContains  CheckType = "file-contains"
)

// Check is a pre-execution validation against the sandbox.
type Check struct {
	Type     CheckType `json:"type"`
	Path     string    `json:"path"`
	Contains string    `json:"contains,omitempty"`
	Message  string    `json:"message,omitempty"`
}

type Pricing struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
}

// Definition is a validated, typed skill document.
type Definition struct {
	ID                string
	Name              string
	Description       string
	Version           string
	Pricing           Pricing
	Inputs            []InputSpec
	ContextFiles      []string
	Validation        []Check
	Execution         []Step
	SuccessMessage    string
	EstimatedDuration string
}

// rawDefinition mirrors the document shape before steps are typed.
type rawDefinition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Version     string      `json:"version"`
	Pricing     Pricing     `json:"pricing"`
	Inputs      []InputSpec `json:"inputs"`
	Context     struct {
		Files []string `json:"files"`
	} `json:"context"`
	Validation        []Check   `json:"validation"`
	Execution         []rawStep `json:"execution"`
	SuccessMessage    string    `json:"successMessage"`
	EstimatedDuration string    `json:"estimatedDuration"`
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("skill.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("skill.json")
})

// Parse decodes a YAML or JSON skill document, validates it against the
// skill schema and converts every step into its typed variant.
func Parse(data []byte) (*Definition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidDefinition, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}

	// Round-trip through JSON so the schema sees plain JSON values.
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: convert: %v", ErrInvalidDefinition, err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile skill schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(asJSON, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	var raw rawDefinition
	if err := json.Unmarshal(asJSON, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return raw.build()
}

// LoadFile reads and parses a skill document from disk.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

func (r rawDefinition) build() (*Definition, error) {
	seen := make(map[string]struct{}, len(r.Inputs))
	for _, in := range r.Inputs {
		if _, dup := seen[in.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate input %q", ErrInvalidDefinition, in.Name)
		}
		seen[in.Name] = struct{}{}
		if (in.Type == InputSelect || in.Type == InputMultiSelect) && len(in.Options) == 0 {
			return nil, fmt.Errorf("%w: input %q of type %s needs options", ErrInvalidDefinition, in.Name, in.Type)
		}
	}
	for i, c := range r.Validation {
		if c.Type == CheckFileContains && c.Contains == "" {
			return nil, fmt.Errorf("%w: validation[%d]: file-contains needs contains", ErrInvalidDefinition, i)
		}
	}

	steps, err := buildSteps(r.Execution, 1, "execution")
	if err != nil {
		return nil, err
	}

	return &Definition{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		Version:           r.Version,
		Pricing:           r.Pricing,
		Inputs:            r.Inputs,
		ContextFiles:      r.Context.Files,
		Validation:        r.Validation,
		Execution:         steps,
		SuccessMessage:    strings.TrimSpace(r.SuccessMessage),
		EstimatedDuration: r.EstimatedDuration,
	}, nil
}

// Input returns the named input spec.
func (d *Definition) Input(name string) (InputSpec, bool) {
	for _, in := range d.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}
