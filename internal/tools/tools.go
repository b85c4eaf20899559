package tools

import (
	"context"
	"fmt"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/adapters"
)

// Tool names. The parameter keys below are the ones the oracle is shown and
// the ones the handlers read.
const (
	ToolAddItem          = "add_item_to_transaction"
	ToolApplyModifier    = "apply_modification"
	ToolSearchProducts   = "search_products"
	ToolPopularItems     = "get_popular_items"
	ToolGetTransaction   = "get_transaction"
	ToolProcessPayment   = "process_payment"
	ToolReferenceContext = "load_reference_context"
)

const (
	ArgItemDescription = "item_description"
	ArgQuantity        = "quantity"
	ArgConfidence      = "confidence"
	ArgModification    = "modification_description"
	ArgParentLine      = "parent_line_number"
	ArgQuery           = "query"
	ArgMaxResults      = "max_results"
	ArgCount           = "count"
	ArgPaymentMethod   = "payment_method"
	ArgAmount          = "amount"
)

const maxQuantity = 99

// setupTools creates the tool catalog backed by the provider.
func (p *Provider) setupTools() map[string]dragonpos.Tool {
	list := []*adapters.GoToolAdapter{
		adapters.NewGoToolAdapter(ToolAddItem,
			func(ctx context.Context, s *dragonpos.Session, args map[string]any) (dragonpos.ToolResult, error) {
				confidence, _ := dragonpos.FloatArg(args, ArgConfidence)
				return p.AddItem(ctx, s, dragonpos.StringArg(args, ArgItemDescription), dragonpos.IntArg(args, ArgQuantity, 1), confidence)
			},
			adapters.WithDescription("Adds a product to the current transaction. Asks the customer to choose when the description is ambiguous."),
			adapters.WithCategory("ordering"),
			adapters.WithParameter(ArgItemDescription, dragonpos.ParameterSpec{Type: dragonpos.TypeString, Description: "What the customer asked for, e.g. \"Kopi C\"", Required: true}),
			adapters.WithParameter(ArgQuantity, dragonpos.ParameterSpec{Type: dragonpos.TypeInteger, Description: "How many, default 1"}),
			adapters.WithParameter(ArgConfidence, dragonpos.ParameterSpec{Type: dragonpos.TypeNumber, Description: "Your confidence from 0 to 1 that the description names one product"}),
			adapters.WithValidator(validateAddItem),
			adapters.WithMutating(),
		),
		adapters.NewGoToolAdapter(ToolApplyModifier,
			func(ctx context.Context, s *dragonpos.Session, args map[string]any) (dragonpos.ToolResult, error) {
				return p.ApplyModification(ctx, s, dragonpos.StringArg(args, ArgModification), dragonpos.IntArg(args, ArgParentLine, 0))
			},
			adapters.WithDescription("Applies a modification (e.g. less sugar) to a line already in the transaction."),
			adapters.WithCategory("ordering"),
			adapters.WithParameter(ArgModification, dragonpos.ParameterSpec{Type: dragonpos.TypeString, Description: "The modification, e.g. \"less sugar\"", Required: true}),
			adapters.WithParameter(ArgParentLine, dragonpos.ParameterSpec{Type: dragonpos.TypeInteger, Description: "Line number to modify, default the last item"}),
			adapters.WithMutating(),
		),
		adapters.NewGoToolAdapter(ToolSearchProducts,
			func(ctx context.Context, _ *dragonpos.Session, args map[string]any) (dragonpos.ToolResult, error) {
				return p.SearchProducts(ctx, dragonpos.StringArg(args, ArgQuery), dragonpos.IntArg(args, ArgMaxResults, 5))
			},
			adapters.WithDescription("Searches the product catalog."),
			adapters.WithCategory("catalog"),
			adapters.WithParameter(ArgQuery, dragonpos.ParameterSpec{Type: dragonpos.TypeString, Description: "Free-text search", Required: true}),
			adapters.WithParameter(ArgMaxResults, dragonpos.ParameterSpec{Type: dragonpos.TypeInteger, Description: "Maximum results, default 5"}),
		),
		adapters.NewGoToolAdapter(ToolPopularItems,
			func(ctx context.Context, _ *dragonpos.Session, args map[string]any) (dragonpos.ToolResult, error) {
				return p.PopularItems(ctx, dragonpos.IntArg(args, ArgCount, 5))
			},
			adapters.WithDescription("Lists the most popular items."),
			adapters.WithCategory("catalog"),
			adapters.WithParameter(ArgCount, dragonpos.ParameterSpec{Type: dragonpos.TypeInteger, Description: "How many, default 5"}),
		),
		adapters.NewGoToolAdapter(ToolGetTransaction,
			func(ctx context.Context, s *dragonpos.Session, _ map[string]any) (dragonpos.ToolResult, error) {
				return p.DescribeTransaction(ctx, s)
			},
			adapters.WithDescription("Shows the current transaction with its lines and total."),
			adapters.WithCategory("transaction"),
		),
		adapters.NewGoToolAdapter(ToolProcessPayment,
			func(ctx context.Context, s *dragonpos.Session, args map[string]any) (dragonpos.ToolResult, error) {
				var amount *float64
				if v, ok := dragonpos.FloatArg(args, ArgAmount); ok {
					amount = &v
				}
				return p.ProcessPayment(ctx, s, dragonpos.StringArg(args, ArgPaymentMethod), amount)
			},
			adapters.WithDescription("Pays the current transaction. Omit amount to tender the exact total."),
			adapters.WithCategory("payment"),
			adapters.WithParameter(ArgPaymentMethod, dragonpos.ParameterSpec{Type: dragonpos.TypeString, Description: "Payment method", Required: true}),
			adapters.WithParameter(ArgAmount, dragonpos.ParameterSpec{Type: dragonpos.TypeNumber, Description: "Amount tendered"}),
			adapters.WithValidator(validatePayment),
			adapters.WithMutating(),
		),
		adapters.NewGoToolAdapter(ToolReferenceContext,
			func(ctx context.Context, s *dragonpos.Session, _ map[string]any) (dragonpos.ToolResult, error) {
				return p.ReferenceContext(ctx, s)
			},
			adapters.WithDescription("Loads store identity, currency, the open transaction and popular items."),
			adapters.WithCategory("context"),
		),
	}

	tools := make(map[string]dragonpos.Tool, len(list))
	for _, t := range list {
		tools[t.Name()] = t
	}
	return tools
}

func validateAddItem(args map[string]any) error {
	qty := dragonpos.IntArg(args, ArgQuantity, 1)
	if qty < 1 || qty > maxQuantity {
		return fmt.Errorf("quantity must be between 1 and %d, got %d", maxQuantity, qty)
	}
	if c, ok := dragonpos.FloatArg(args, ArgConfidence); ok && (c < 0 || c > 1) {
		return fmt.Errorf("confidence must be between 0 and 1, got %v", c)
	}
	return nil
}

func validatePayment(args map[string]any) error {
	if amount, ok := dragonpos.FloatArg(args, ArgAmount); ok && !(amount > 0) {
		return fmt.Errorf("amount must be positive, got %v", amount)
	}
	return nil
}
