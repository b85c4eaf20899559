package dragonpos

import "context"

// Reasoner explains the customer's intent in natural language.
type Reasoner interface {
	Reason(ctx context.Context, input ReasoningInput) (*ReasoningResult, error)
}

// ToolSelector turns a reasoning summary into zero or more tool invocations.
type ToolSelector interface {
	Select(ctx context.Context, input SelectionInput) (*ToolSelectionResult, error)
}

// Validator reviews a selection independently and approves or rejects it.
type Validator interface {
	Validate(ctx context.Context, input ValidationInput) (*ValidationResult, error)
}

// Executor runs approved invocations against the tool execution provider.
type Executor interface {
	Execute(ctx context.Context, session *Session, invocations []ToolInvocation) (*ExecutionResult, error)
}

// Responder phrases the customer-facing reply.
type Responder interface {
	Respond(ctx context.Context, input ResponseInput) (string, error)
}

// SelectionInput contains the information needed by the tool selection stage.
type SelectionInput struct {
	Utterance        string
	Reasoning        *ReasoningResult
	TransactionState string
}

// Tool represents a named, schema-described action the oracle can request.
type Tool interface {
	// Name returns the tool's name. It must equal Definition().Name.
	Name() string

	// Definition returns the schema shown to the oracle.
	Definition() ToolDefinition

	// Validate checks the arguments against the schema.
	// Returns nil if valid, error otherwise.
	Validate(args map[string]any) error

	// Execute performs the tool's action against the session's transaction.
	Execute(ctx context.Context, session *Session, args map[string]any) (ToolResult, error)
}

// Cache provides storage for frequently accessed strings, like SKU display names.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
}
