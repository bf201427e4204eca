package extractor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_SimplePaths(t *testing.T) {
	e := New()

	data := map[string]any{
		"name": "Maria",
		"address": map[string]any{
			"city": "São Paulo",
		},
	}

	tests := []struct {
		path     string
		expected any
	}{
		{"name", "Maria"},
		{"address.city", "São Paulo"},
		{"address.zip", nil},
		{"missing", nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			value, err := e.Extract(data, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestExtract_ArrayIndex(t *testing.T) {
	e := New()

	data := map[string]any{
		"items": []any{
			map[string]any{"value": "first"},
			map[string]any{"value": "second"},
		},
	}

	value, err := e.Extract(data, "items[1].value")
	require.NoError(t, err)
	assert.Equal(t, "second", value)

	value, err = e.Extract(data, "items[5].value")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestExtract_WildcardReturnsFirstMatch(t *testing.T) {
	e := New()

	raw := `{
		"entry": [
			{"changes": [
				{"value": {"messages": [
					{"from": "15551234567", "id": "wamid.1"}
				]}}
			]}
		]
	}`
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &data))

	value, err := e.Extract(data, "entry[*].changes[*].value.messages[*].from")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", value)
}

func TestExtract_WildcardNoMatch(t *testing.T) {
	e := New()

	value, err := e.Extract(map[string]any{"entry": []any{}}, "entry[*].changes[*].value")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestExtractAll_CollectsAcrossBranches(t *testing.T) {
	e := New()

	data := map[string]any{
		"entry": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		},
	}

	values, err := e.ExtractAll(data, "entry[*].id")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, values)
}

func TestExtractString(t *testing.T) {
	e := New()

	data := map[string]any{"count": float64(42), "name": "Maria"}

	s, err := e.ExtractString(data, "count")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "42", *s)

	s, err = e.ExtractString(data, "missing")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestFromJSON(t *testing.T) {
	m, err := FromJSON(json.RawMessage(`{"a": 1}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), m["a"])

	_, err = FromJSON(json.RawMessage(`not json`))
	assert.Error(t, err)
}
