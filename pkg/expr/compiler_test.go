package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileSimpleEquality(t *testing.T) {
	c := NewCompiler()
	q, err := c.Compile(`ip.src == 10.0.0.1`)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"term": map[string]any{"ip.src": "10.0.0.1"}}, q)
}

func TestCompileConjunction(t *testing.T) {
	c := NewCompiler()
	q, err := c.Compile(`port == 80 && protocol == tcp`)
	require.NoError(t, err)

	b, ok := q["bool"].(map[string]any)
	require.True(t, ok)
	must, ok := b["must"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, must, 2)
}

func TestCompileEmptyIsMatchAll(t *testing.T) {
	c := NewCompiler()
	q, err := c.Compile("")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"match_all": map[string]any{}}, q)
}

func TestCompileInvalidClause(t *testing.T) {
	c := NewCompiler()
	_, err := c.Compile("not a real expression")
	require.Error(t, err)
}

func TestAndDropsMatchAll(t *testing.T) {
	a := map[string]any{"match_all": map[string]any{}}
	b := map[string]any{"term": map[string]any{"x": 1}}
	require.Equal(t, b, And(a, b))
}
