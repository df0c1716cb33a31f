package canonical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	in := map[string]any{"zebra": 1, "alpha": 2, "mike": 3}
	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":3,"zebra":1}`, string(out))
}

func TestMarshalNestedObjects(t *testing.T) {
	in := map[string]any{
		"outer": map[string]any{"b": []any{"x", "y"}, "a": true},
		"n":     nil,
	}
	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"n":null,"outer":{"a":true,"b":["x","y"]}}`, string(out))
}

func TestMarshalHonorsStructTags(t *testing.T) {
	type rec struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	out, err := Marshal(rec{Name: "svc", Count: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"count":7,"name":"svc"}`, string(out))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	out, err := Marshal(map[string]any{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestHashDeterministic(t *testing.T) {
	v := map[string]any{"k": "v", "list": []any{1, 2, 3}}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Equal(t, strings.ToLower(h1), h1)
}

func TestHashSensitiveToValues(t *testing.T) {
	h1, err := Hash(map[string]any{"k": "v1"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"k": "v2"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashExcluding(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	withExtra := map[string]any{"a": 1, "b": 2, "content_hash": "deadbeef"}

	h1, err := Hash(base)
	require.NoError(t, err)
	h2, err := HashExcluding(withExtra, "content_hash")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashExcludingRejectsNonObject(t *testing.T) {
	_, err := HashExcluding([]int{1, 2, 3}, "x")
	assert.Error(t, err)
}

func TestMarshalNumberFormatting(t *testing.T) {
	// ES6 shortest-form numbers: trailing zeros dropped, integral floats bare.
	out, err := Marshal(map[string]any{"a": 0.5, "b": 10.0, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":0.5,"b":10,"c":3}`, string(out))
}
