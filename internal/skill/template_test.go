package skill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_Render(t *testing.T) {
	sc := newScope(
		map[string]any{"name": "api", "count": 3.0, "tags": []any{"x", "y"}},
		map[string]any{"project": map[string]any{"root": "svc"}},
	)
	sc.vars["readme"] = "hello"

	tests := []struct {
		tmpl string
		want string
	}{
		{"plain", "plain"},
		{"${inputs.name}.go", "api.go"},
		{"${ inputs.name }", "api"},
		{"${context.project.root}/${inputs.name}", "svc/api"},
		{"n=${inputs.count}", "n=3"},
		{"${inputs.tags.1}", "y"},
		{"${inputs.tags}", `["x","y"]`},
		{"${vars.readme}!", "hello!"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := sc.render(tt.tmpl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScope_Unresolved(t *testing.T) {
	sc := newScope(map[string]any{"name": "api"}, nil)
	for _, tmpl := range []string{"${inputs.missing}", "${inputs.name.deeper}", "${item}", "${nope.x}"} {
		_, err := sc.render(tmpl)
		assert.ErrorIs(t, err, ErrUnresolved, tmpl)
	}
}

func TestScope_ResolveRawAndLoop(t *testing.T) {
	sc := newScope(map[string]any{"files": []any{"a", "b"}}, nil)

	v, err := sc.resolve("${inputs.files}")
	require.NoError(t, err)
	items, ok := asItems(v)
	require.True(t, ok)
	assert.Len(t, items, 2)

	inner := sc.withLoop("file", items[1], 1)
	got, err := inner.render("${file}-${item}-${index}")
	require.NoError(t, err)
	assert.Equal(t, "b-b-1", got)

	// Loop bindings do not leak back into the parent scope.
	_, err = sc.render("${file}")
	assert.ErrorIs(t, err, ErrUnresolved)

	// vars are shared with the parent.
	inner.vars["seen"] = "yes"
	got, err = sc.render("${vars.seen}")
	require.NoError(t, err)
	assert.Equal(t, "yes", got)
}
