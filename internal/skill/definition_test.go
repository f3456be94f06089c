package skill

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readmeSkill = `
id: add-license-badge
name: Add license badge
description: Inserts a license badge under the README title
pricing:
  amount: 2.50
  currency: USD
inputs:
  - name: license
    type: select
    required: true
    options: [MIT, Apache-2.0]
  - name: files
    type: multiselect
    options: [a.txt, b.txt]
    default: []
context:
  files:
    - README.md
    - "docs/**/*.md"
validation:
  - type: file-exists
    path: README.md
    message: README.md is missing
execution:
  - type: read-file
    path: README.md
    as: readme
  - type: update-file
    path: README.md
    mode: insert-after
    find: "# Project"
    content: "\n![license](${inputs.license})"
  - type: for-each
    items: "${inputs.files}"
    as: file
    steps:
      - type: write-file
        path: "out/${file}"
        content: "${index}"
successMessage: Added ${inputs.license} badge
estimatedDuration: 5s
`

func TestParse_YAML(t *testing.T) {
	def, err := Parse([]byte(readmeSkill))
	require.NoError(t, err)

	assert.Equal(t, "add-license-badge", def.ID)
	assert.Equal(t, "2.5", def.Pricing.Amount.String())
	assert.Equal(t, []string{"README.md", "docs/**/*.md"}, def.ContextFiles)
	require.Len(t, def.Inputs, 2)
	assert.Equal(t, InputSelect, def.Inputs[0].Type)
	require.Len(t, def.Validation, 1)
	require.Len(t, def.Execution, 3)

	read, ok := def.Execution[0].(ReadFileStep)
	require.True(t, ok)
	assert.Equal(t, "readme", read.As)

	upd, ok := def.Execution[1].(UpdateFileStep)
	require.True(t, ok)
	assert.Equal(t, UpdateInsertAfter, upd.Mode)
	assert.Equal(t, "# Project", upd.Find)

	loop, ok := def.Execution[2].(ForEachStep)
	require.True(t, ok)
	assert.Equal(t, "file", loop.As)
	require.Len(t, loop.Steps, 1)
	assert.Equal(t, KindWriteFile, loop.Steps[0].Kind())
}

func TestParse_JSON(t *testing.T) {
	doc := `{"id":"touch","name":"Touch","execution":[{"type":"write-file","path":"x.txt","content":""}]}`
	def, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, def.Execution, 1)
	assert.Equal(t, WriteFileStep{Path: "x.txt"}, def.Execution[0])
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", ``, "empty document"},
		{"missing execution", `{"id":"a","name":"A"}`, ""},
		{"unknown step type", `{"id":"a","name":"A","execution":[{"type":"run-shell","cmd":"rm -rf /"}]}`, ""},
		{"extra field on step", `{"id":"a","name":"A","execution":[{"type":"delete-file","path":"a","content":"x"}]}`, ""},
		{"insert-after without find", `{"id":"a","name":"A","execution":[{"type":"update-file","path":"a","mode":"insert-after","content":"x"}]}`, "needs find"},
		{"bad input type", `{"id":"a","name":"A","inputs":[{"name":"x","type":"date"}],"execution":[{"type":"delete-file","path":"a"}]}`, ""},
		{"select without options", `{"id":"a","name":"A","inputs":[{"name":"x","type":"select"}],"execution":[{"type":"delete-file","path":"a"}]}`, "needs options"},
		{"duplicate input", `{"id":"a","name":"A","inputs":[{"name":"x","type":"string"},{"name":"x","type":"number"}],"execution":[{"type":"delete-file","path":"a"}]}`, "duplicate input"},
		{"contains check without needle", `{"id":"a","name":"A","validation":[{"type":"file-contains","path":"a"}],"execution":[{"type":"delete-file","path":"a"}]}`, "needs contains"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestParse_NestingDepth(t *testing.T) {
	nest := func(levels int) string {
		step := `{"type":"delete-file","path":"a"}`
		for i := 0; i < levels; i++ {
			step = `{"type":"for-each","items":"${inputs.x}","steps":[` + step + `]}`
		}
		return `{"id":"a","name":"A","execution":[` + step + `]}`
	}

	_, err := Parse([]byte(nest(MaxNestingDepth)))
	assert.NoError(t, err)

	_, err = Parse([]byte(nest(MaxNestingDepth + 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested deeper")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(readmeSkill), 0o644))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Add license badge", def.Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestCoerceInputs(t *testing.T) {
	def, err := Parse([]byte(strings.Replace(readmeSkill, "  - name: files", "  - name: count\n    type: number\n  - name: dry\n    type: boolean\n  - name: files", 1)))
	require.NoError(t, err)

	got, err := CoerceInputs(def, map[string]string{
		"license": "MIT",
		"count":   "3",
		"dry":     "true",
		"files":   "a.txt, b.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "MIT", got["license"])
	assert.Equal(t, 3.0, got["count"])
	assert.Equal(t, true, got["dry"])
	assert.Equal(t, []any{"a.txt", "b.txt"}, got["files"])

	_, err = CoerceInputs(def, map[string]string{"count": "three"})
	assert.ErrorIs(t, err, ErrInvalidInputs)
}
