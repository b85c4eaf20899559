package dragonpos

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addItemDef = ToolDefinition{
	Name: "add_item_to_transaction",
	Parameters: map[string]ParameterSpec{
		"item_description": {Type: TypeString, Required: true},
		"quantity":         {Type: TypeInteger},
		"confidence":       {Type: TypeNumber},
	},
}

func TestNormalize_CoercesNumbers(t *testing.T) {
	got, err := addItemDef.Normalize(map[string]any{
		"item_description": "Kopi C",
		"quantity":         float64(2),
		"confidence":       1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got["quantity"])
	assert.Equal(t, 1.0, got["confidence"])
	assert.Equal(t, 2, IntArg(got, "quantity", 1))
	assert.Equal(t, "Kopi C", StringArg(got, "item_description"))

	got, err = addItemDef.Normalize(map[string]any{
		"item_description": "Kopi",
		"quantity":         json.Number("3"),
		"confidence":       "0.75",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got["quantity"])
	c, ok := FloatArg(got, "confidence")
	assert.True(t, ok)
	assert.Equal(t, 0.75, c)
}

func TestNormalize_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing required", map[string]any{"quantity": 1}, "missing required argument"},
		{"blank required", map[string]any{"item_description": "  "}, "must not be empty"},
		{"wrong type", map[string]any{"item_description": 5}, "expected string"},
		{"fractional integer", map[string]any{"item_description": "Kopi", "quantity": 1.5}, "expected integer"},
		{"quoted NaN", map[string]any{"item_description": "Kopi", "confidence": "NaN"}, "finite number"},
		{"infinite number", map[string]any{"item_description": "Kopi", "confidence": math.Inf(1)}, "finite number"},
		{"infinite integer", map[string]any{"item_description": "Kopi", "quantity": "Inf"}, "finite number"},
		{"unknown key", map[string]any{"item": "Kopi"}, "unknown argument(s) item"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := addItemDef.Normalize(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNormalize_OptionalAbsent(t *testing.T) {
	got, err := addItemDef.Normalize(map[string]any{"item_description": "Teh", "quantity": nil})
	require.NoError(t, err)
	assert.Equal(t, 1, IntArg(got, "quantity", 1))
	_, ok := FloatArg(got, "confidence")
	assert.False(t, ok)

	empty := ToolDefinition{Name: "get_transaction"}
	got, err = empty.Normalize(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
