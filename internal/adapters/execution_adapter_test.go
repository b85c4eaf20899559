package adapters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
)

type toolMap map[string]dragonpos.Tool

func (m toolMap) Tool(name string) (dragonpos.Tool, bool) {
	t, ok := m[name]
	return t, ok
}

func registry() toolMap {
	add := NewGoToolAdapter("add_item_to_transaction",
		func(_ context.Context, _ *dragonpos.Session, args map[string]any) (dragonpos.ToolResult, error) {
			return dragonpos.ToolResult{Output: "Added " + dragonpos.StringArg(args, "item_description")}, nil
		},
		WithParameter("item_description", dragonpos.ParameterSpec{Type: dragonpos.TypeString, Required: true}),
		WithMutating(),
	)
	pay := NewGoToolAdapter("process_payment",
		func(context.Context, *dragonpos.Session, map[string]any) (dragonpos.ToolResult, error) {
			return dragonpos.ToolResult{Status: dragonpos.ToolStatusFailed, Output: "There is no transaction to pay for."}, nil
		},
		WithMutating(),
	)
	broken := NewGoToolAdapter("get_transaction",
		func(context.Context, *dragonpos.Session, map[string]any) (dragonpos.ToolResult, error) {
			return dragonpos.ToolResult{}, errors.New("kernel unreachable")
		},
	)
	panics := NewGoToolAdapter("get_popular_items",
		func(context.Context, *dragonpos.Session, map[string]any) (dragonpos.ToolResult, error) {
			panic("boom")
		},
	)
	return toolMap{add.Name(): add, pay.Name(): pay, broken.Name(): broken, panics.Name(): panics}
}

func TestExecutionStage_IsolatesFailures(t *testing.T) {
	stage, err := NewExecutionStage(registry())
	require.NoError(t, err)

	res, err := stage.Execute(context.Background(), dragonpos.NewSession("t1", "SGD"), []dragonpos.ToolInvocation{
		{FunctionName: "get_transaction"},
		{FunctionName: "get_popular_items"},
		{FunctionName: "teleport"},
		{FunctionName: "add_item_to_transaction", Arguments: map[string]any{"item_description": "Kopi C"}},
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.Mutated, "the add after the failures still ran")
	assert.Equal(t, []string{"get_transaction", "get_popular_items", "add_item_to_transaction"}, res.ToolsExecuted)
	require.Len(t, res.Results, 3)
	assert.Equal(t, dragonpos.ToolStatusFailed, res.Results[0].Status)
	assert.Equal(t, dragonpos.ToolStatusFailed, res.Results[1].Status)
	assert.Equal(t, dragonpos.ToolStatusOK, res.Results[2].Status)
	assert.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[2], "teleport")
	assert.Equal(t, "add_item_to_transaction: Added Kopi C", res.Outputs[3])
}

func TestExecutionStage_FailedStatusIsAnError(t *testing.T) {
	stage, err := NewExecutionStage(registry())
	require.NoError(t, err)

	res, err := stage.Execute(context.Background(), dragonpos.NewSession("t1", "SGD"), []dragonpos.ToolInvocation{
		{FunctionName: "process_payment"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Mutated)
	assert.Equal(t, []string{"process_payment: There is no transaction to pay for."}, res.Errors)
}

func TestExecutionStage_InvalidArgumentsDoNotRun(t *testing.T) {
	stage, err := NewExecutionStage(registry())
	require.NoError(t, err)

	res, err := stage.Execute(context.Background(), dragonpos.NewSession("t1", "SGD"), []dragonpos.ToolInvocation{
		{FunctionName: "add_item_to_transaction", Arguments: map[string]any{"item": "Kopi C"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Mutated)
	assert.Contains(t, res.Errors[0], "TOOL_EXECUTION_ERROR")
}

func TestExecutionStage_Cancelled(t *testing.T) {
	stage, err := NewExecutionStage(registry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stage.Execute(ctx, dragonpos.NewSession("t1", "SGD"), []dragonpos.ToolInvocation{
		{FunctionName: "add_item_to_transaction", Arguments: map[string]any{"item_description": "Kopi"}},
	})
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeCancelled))

	_, err = NewExecutionStage(nil)
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))
}
