package index

import (
	"testing"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimple(t *testing.T) {
	q, err := Parse("type:Widget")
	require.NoError(t, err)
	assert.Equal(t, TermQuery, q.Kind)
	assert.Equal(t, "type", q.Field)
	assert.Equal(t, "Widget", q.Term)
}

func TestParseBareTermAndPhrase(t *testing.T) {
	q, err := Parse("hello")
	require.NoError(t, err)
	assert.Equal(t, TermQuery, q.Kind)
	assert.Equal(t, "", q.Field)

	q, err = Parse(`title:"A Widget"`)
	require.NoError(t, err)
	assert.Equal(t, PhraseQuery, q.Kind)
	assert.Equal(t, "A Widget", q.Term)
}

func TestParseBoolean(t *testing.T) {
	t.Run("implicit AND", func(t *testing.T) {
		q, err := Parse("type:Widget color:red")
		require.NoError(t, err)
		require.Equal(t, AndQuery, q.Kind)
		require.Len(t, q.Children, 2)
	})

	t.Run("explicit operators and parens", func(t *testing.T) {
		q, err := Parse("type:Widget AND (color:red OR color:blue)")
		require.NoError(t, err)
		require.Equal(t, AndQuery, q.Kind)
		require.Len(t, q.Children, 2)
		assert.Equal(t, OrQuery, q.Children[1].Kind)
	})

	t.Run("NOT", func(t *testing.T) {
		q, err := Parse("NOT type:Widget")
		require.NoError(t, err)
		require.Equal(t, NotQuery, q.Kind)
		assert.Equal(t, TermQuery, q.Children[0].Kind)
	})
}

func TestParseFieldNamesAreLowercased(t *testing.T) {
	q, err := Parse("Type:Widget")
	require.NoError(t, err)
	assert.Equal(t, "type", q.Field)
	assert.Equal(t, "Widget", q.Term, "term case is preserved for the engine to normalize")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"dangling field", "type:("},
		{"field without value", "type:"},
		{"unbalanced paren", "(type:Widget"},
		{"stray closing paren", "type:Widget)"},
		{"unterminated phrase", `title:"abc`},
		{"unescaped slash", "id:obj/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.query)
			require.Error(t, err)
			assert.True(t, core.IsApplicationError(err), "parse failures must be application errors, got %v", err)
		})
	}
}

func TestEscapeQueryEnablesReparse(t *testing.T) {
	raw := "id:obj/1"
	_, err := Parse(raw)
	require.Error(t, err)

	q, err := Parse(EscapeQuery(raw))
	require.NoError(t, err)
	assert.Equal(t, "obj/1", q.Term)
}

func TestNeedsReindexQuery(t *testing.T) {
	q := NeedsReindexQuery("attr:3")
	require.Equal(t, NotQuery, q.Kind)
	child := q.Children[0]
	assert.Equal(t, PhraseQuery, child.Kind)
	assert.Equal(t, core.FieldBuilderVersion, child.Field)
	assert.Equal(t, "attr:3", child.Term)
}
