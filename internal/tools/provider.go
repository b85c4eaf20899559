// Package tools is the Tool Execution Provider: the fixed catalog of named
// operations the oracle may request, each backed by a kernel or catalog call.
package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/catalog"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/kernel"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
)

const inventoryHintKey = "inventory:hint"

// NameCacheKey is the cache key holding the display name of a SKU.
func NameCacheKey(sku string) string {
	return "sku:" + sku
}

// Store identifies the shop the agent is serving.
type Store struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Currency string `mapstructure:"currency"`
}

// Provider owns the kernel contract and exposes the tool catalog. Session
// and transaction handles live on the *dragonpos.Session passed to every
// call, so one Provider serves any number of conversations.
type Provider struct {
	kernel   kernel.Client
	opener   kernel.Opener
	catalog  catalog.Catalog
	policy   *Policy
	cache    dragonpos.Cache
	audit    *logging.AuditLogger
	logger   *zap.Logger
	store    Store
	methods  []string
	hintSize int

	tools map[string]dragonpos.Tool
}

// Option configures a Provider.
type Option func(*Provider)

// WithCache sets the SKU name and inventory hint cache.
func WithCache(c dragonpos.Cache) Option {
	return func(p *Provider) {
		p.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithAudit records payments in the audit log.
func WithAudit(a *logging.AuditLogger) Option {
	return func(p *Provider) {
		p.audit = a
	}
}

// WithPaymentMethods restricts process_payment to the given methods.
func WithPaymentMethods(methods ...string) Option {
	return func(p *Provider) {
		p.methods = methods
	}
}

// WithInventoryHintSize sets how many popular items the inventory hint lists.
func WithInventoryHintSize(n int) Option {
	return func(p *Provider) {
		p.hintSize = n
	}
}

// NewProvider creates a provider over a kernel client and product catalog.
func NewProvider(k kernel.Client, cat catalog.Catalog, policy *Policy, store Store, opts ...Option) (*Provider, error) {
	switch {
	case k == nil:
		return nil, dragonpos.NewConfigurationError("tool provider requires a kernel client", nil)
	case cat == nil:
		return nil, dragonpos.NewConfigurationError("tool provider requires a product catalog", nil)
	case policy == nil:
		return nil, dragonpos.NewConfigurationError("tool provider requires a disambiguation policy", nil)
	case store.ID == "" || store.Currency == "":
		return nil, dragonpos.NewConfigurationError("store.id and store.currency are required", nil)
	}

	p := &Provider{
		kernel:   k,
		opener:   kernel.Opener{Client: k},
		catalog:  cat,
		policy:   policy,
		logger:   zap.NewNop(),
		store:    store,
		hintSize: 5,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tools = p.setupTools()
	return p, nil
}

// Store returns the store identity.
func (p *Provider) Store() Store {
	return p.store
}

// NewSession creates a conversation handle for this store.
func (p *Provider) NewSession(terminalID string) *dragonpos.Session {
	return dragonpos.NewSession(terminalID, p.store.Currency)
}

// Tool returns the named tool.
func (p *Provider) Tool(name string) (dragonpos.Tool, bool) {
	t, ok := p.tools[name]
	return t, ok
}

// Definitions returns the tool catalog in name order.
func (p *Provider) Definitions() []dragonpos.ToolDefinition {
	names := make([]string, 0, len(p.tools))
	for name := range p.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]dragonpos.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, p.tools[name].Definition())
	}
	return defs
}

// AddItem searches the catalog and applies the disambiguation policy before
// adding a line.
func (p *Provider) AddItem(ctx context.Context, s *dragonpos.Session, description string, quantity int, confidence float64) (dragonpos.ToolResult, error) {
	results, err := p.catalog.Search(ctx, catalog.Query{Text: description, Max: 10})
	if err != nil {
		return dragonpos.ToolResult{}, fmt.Errorf("search %q: %w", description, err)
	}
	if len(results) == 0 {
		return dragonpos.ToolResult{
			Status: dragonpos.ToolStatusNotFound,
			Output: fmt.Sprintf("No products match %q.", description),
		}, nil
	}

	res, err := p.policy.Resolve(description, results, confidence)
	if err != nil {
		return dragonpos.ToolResult{}, err
	}
	p.logger.Debug("add item resolved",
		zap.String("query", description),
		zap.String("action", string(res.Action)),
		zap.Int("rule", res.Rule),
		zap.Int("results", len(results)),
		zap.Float64("confidence", confidence))

	if res.Action == ActionClarify {
		return clarification(description, res.Options), nil
	}
	return p.addLine(ctx, s, *res.Product, quantity, nil)
}

// ApplyModification adds a modifier as a child of the given line number, or
// of the last top-level line when lineNumber is zero.
func (p *Provider) ApplyModification(ctx context.Context, s *dragonpos.Session, description string, lineNumber int) (dragonpos.ToolResult, error) {
	snap, err := p.Transaction(ctx, s)
	if err != nil {
		return dragonpos.ToolResult{}, err
	}
	if snap == nil || len(snap.LineItems) == 0 {
		return dragonpos.ToolResult{Status: dragonpos.ToolStatusFailed, Output: "There is no item to modify yet."}, nil
	}
	parent := parentLine(snap.LineItems, lineNumber)
	if parent == nil {
		return dragonpos.ToolResult{Status: dragonpos.ToolStatusFailed, Output: fmt.Sprintf("Line %d does not exist.", lineNumber)}, nil
	}

	mods, err := p.catalog.Search(ctx, catalog.Query{Text: description, Max: p.policy.MaxOptions(), Modifiers: true})
	if err != nil {
		return dragonpos.ToolResult{}, fmt.Errorf("search modifier %q: %w", description, err)
	}
	if len(mods) == 0 {
		return dragonpos.ToolResult{
			Status: dragonpos.ToolStatusNotFound,
			Output: fmt.Sprintf("No modification matches %q.", description),
		}, nil
	}
	exact, _ := classify(description, mods)
	switch {
	case len(exact) == 1:
		return p.addLine(ctx, s, exact[0], 1, parent)
	case len(mods) == 1:
		return p.addLine(ctx, s, mods[0], 1, parent)
	default:
		return clarification(description, mods), nil
	}
}

func (p *Provider) addLine(ctx context.Context, s *dragonpos.Session, product catalog.Product, quantity int, parent *kernel.LineItem) (dragonpos.ToolResult, error) {
	if quantity <= 0 {
		quantity = 1
	}
	var parentID string
	if parent != nil {
		parentID = parent.LineItemID
	}
	sid, tid, err := s.EnsureTransaction(ctx, p.opener)
	if err != nil {
		return dragonpos.ToolResult{}, dragonpos.NewKernelError("open transaction", err)
	}
	line, err := p.kernel.AddLineItem(ctx, sid, tid, kernel.AddLineItemRequest{
		SKU:              product.SKU,
		Name:             product.Name,
		Quantity:         quantity,
		UnitPrice:        product.Price,
		ParentLineItemID: parentID,
	})
	if err != nil {
		return dragonpos.ToolResult{}, dragonpos.NewKernelError("add line item", err)
	}
	p.rememberName(ctx, product.SKU, product.Name)

	out := fmt.Sprintf("Added %d x %s (%s) at %.2f %s as line %d.", quantity, product.Name, product.SKU, product.Price, p.store.Currency, line.LineNumber)
	if parent != nil {
		out = fmt.Sprintf("Applied %s (%s) to line %d as line %d.", product.Name, product.SKU, parent.LineNumber, line.LineNumber)
	}
	return dragonpos.ToolResult{Status: dragonpos.ToolStatusOK, Output: out}, nil
}

// SearchProducts lists catalog matches.
func (p *Provider) SearchProducts(ctx context.Context, query string, limit int) (dragonpos.ToolResult, error) {
	if limit <= 0 {
		limit = 5
	}
	results, err := p.catalog.Search(ctx, catalog.Query{Text: query, Max: limit})
	if err != nil {
		return dragonpos.ToolResult{}, fmt.Errorf("search %q: %w", query, err)
	}
	if len(results) == 0 {
		return dragonpos.ToolResult{Status: dragonpos.ToolStatusNotFound, Output: fmt.Sprintf("No products match %q.", query)}, nil
	}
	return dragonpos.ToolResult{Status: dragonpos.ToolStatusOK, Output: p.productLines(results), Options: productNames(results)}, nil
}

// PopularItems lists the most popular items.
func (p *Provider) PopularItems(ctx context.Context, count int) (dragonpos.ToolResult, error) {
	if count <= 0 {
		count = 5
	}
	results, err := p.catalog.Popular(ctx, count)
	if err != nil {
		return dragonpos.ToolResult{}, fmt.Errorf("popular items: %w", err)
	}
	return dragonpos.ToolResult{Status: dragonpos.ToolStatusOK, Output: p.productLines(results), Options: productNames(results)}, nil
}

// Transaction returns the kernel snapshot of the session's transaction, or
// nil when no transaction has been started.
func (p *Provider) Transaction(ctx context.Context, s *dragonpos.Session) (*kernel.TransactionSnapshot, error) {
	sid, tid := s.Handles()
	if sid == "" || tid == "" {
		return nil, nil
	}
	snap, err := p.kernel.GetTransaction(ctx, sid, tid)
	if err != nil {
		return nil, dragonpos.NewKernelError("get transaction", err)
	}
	return snap, nil
}

// DescribeTransaction renders the current transaction for the oracle.
func (p *Provider) DescribeTransaction(ctx context.Context, s *dragonpos.Session) (dragonpos.ToolResult, error) {
	snap, err := p.Transaction(ctx, s)
	if err != nil {
		return dragonpos.ToolResult{}, err
	}
	return dragonpos.ToolResult{Status: dragonpos.ToolStatusOK, Output: p.summarize(snap)}, nil
}

// TransactionState is the short state label shown to the stages.
func (p *Provider) TransactionState(ctx context.Context, s *dragonpos.Session) string {
	snap, err := p.Transaction(ctx, s)
	if err != nil {
		p.logger.Warn("transaction state unavailable", zap.Error(err))
		return "unknown"
	}
	if snap == nil {
		return "no transaction"
	}
	return fmt.Sprintf("%s, %d line(s), total %.2f %s", snap.State, len(snap.LineItems), snap.Total, snap.Currency)
}

// ProcessPayment pays the session's transaction. A nil amount tenders the
// kernel total. Payment never opens a transaction.
func (p *Provider) ProcessPayment(ctx context.Context, s *dragonpos.Session, method string, amount *float64) (dragonpos.ToolResult, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	if len(p.methods) > 0 && !containsString(p.methods, method) {
		return dragonpos.ToolResult{
			Status: dragonpos.ToolStatusFailed,
			Output: fmt.Sprintf("Payment method %q is not accepted. Accepted: %s.", method, strings.Join(p.methods, ", ")),
		}, nil
	}

	snap, err := p.Transaction(ctx, s)
	if err != nil {
		return dragonpos.ToolResult{}, err
	}
	if snap == nil || len(snap.LineItems) == 0 {
		return dragonpos.ToolResult{Status: dragonpos.ToolStatusFailed, Output: "There is no transaction to pay for."}, nil
	}

	tendered := snap.Total
	if amount != nil {
		tendered = *amount
	}
	sid, tid := s.Handles()
	res, err := p.kernel.ProcessPayment(ctx, sid, tid, kernel.PaymentRequest{Amount: tendered, Method: method})
	p.audit.Record(logging.AuditPayment, map[string]interface{}{
		"transaction_id": tid,
		"method":         method,
		"tendered":       tendered,
		"accepted":       err == nil && res != nil && res.Accepted,
	})
	if errors.Is(err, kernel.ErrInsufficientTender) {
		return dragonpos.ToolResult{
			Status: dragonpos.ToolStatusFailed,
			Output: fmt.Sprintf("%.2f %s is less than the total of %.2f %s.", tendered, p.store.Currency, snap.Total, p.store.Currency),
		}, nil
	}
	if err != nil {
		return dragonpos.ToolResult{}, dragonpos.NewKernelError("process payment", err)
	}

	change := math.Max(0, kernel.Round2(tendered-res.Total))
	p.logger.Info("payment completed",
		zap.String("transaction_id", tid),
		zap.String("method", method),
		zap.Float64("total", res.Total),
		zap.Float64("change", change))
	return dragonpos.ToolResult{
		Status: dragonpos.ToolStatusOK,
		Output: fmt.Sprintf("Payment of %.2f %s by %s accepted. Total %.2f, change %.2f.", tendered, p.store.Currency, method, res.Total, change),
	}, nil
}

// ReferenceContext describes the store, the open transaction and the
// inventory hint.
func (p *Provider) ReferenceContext(ctx context.Context, s *dragonpos.Session) (dragonpos.ToolResult, error) {
	hint, err := p.InventoryHint(ctx)
	if err != nil {
		return dragonpos.ToolResult{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Store: %s (%s)\n", p.store.Name, p.store.ID)
	fmt.Fprintf(&b, "Currency: %s\n", p.store.Currency)
	fmt.Fprintf(&b, "Transaction: %s\n", p.TransactionState(ctx, s))
	fmt.Fprintf(&b, "Popular: %s", hint)
	return dragonpos.ToolResult{Status: dragonpos.ToolStatusOK, Output: b.String()}, nil
}

// InventoryHint returns the cached list of popular item names.
func (p *Provider) InventoryHint(ctx context.Context) (string, error) {
	if p.cache != nil {
		if hint, err := p.cache.Get(ctx, inventoryHintKey); err == nil {
			return hint, nil
		}
	}
	hint, err := p.catalog.InventoryHint(ctx, p.hintSize)
	if err != nil {
		return "", fmt.Errorf("inventory hint: %w", err)
	}
	if p.cache != nil {
		if err := p.cache.Set(ctx, inventoryHintKey, hint); err != nil {
			p.logger.Debug("inventory hint not cached", zap.Error(err))
		}
	}
	return hint, nil
}

// CloseSession closes the kernel session, if any, and forgets the handles.
func (p *Provider) CloseSession(ctx context.Context, s *dragonpos.Session) error {
	sid := s.Reset()
	if sid == "" {
		return nil
	}
	if err := p.kernel.CloseSession(ctx, sid); err != nil && !errors.Is(err, kernel.ErrSessionNotFound) {
		return dragonpos.NewKernelError("close session", err)
	}
	return nil
}

func (p *Provider) rememberName(ctx context.Context, sku, name string) {
	if p.cache == nil || name == "" {
		return
	}
	if err := p.cache.Set(ctx, NameCacheKey(sku), name); err != nil {
		p.logger.Debug("sku name not cached", zap.String("sku", sku), zap.Error(err))
	}
}

func (p *Provider) summarize(snap *kernel.TransactionSnapshot) string {
	if snap == nil {
		return "No transaction has been started."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction %s (%s)\n", snap.TransactionID, snap.State)
	for _, li := range snap.LineItems {
		indent := ""
		if li.ParentLineItemID != "" {
			indent = "  + "
		}
		name := li.Name
		if name == "" {
			name = li.SKU
		}
		fmt.Fprintf(&b, "%s%d. %d x %s @ %.2f\n", indent, li.LineNumber, li.Quantity, name, li.UnitPrice)
	}
	fmt.Fprintf(&b, "Subtotal %.2f, total %.2f %s", snap.Subtotal(), snap.Total, snap.Currency)
	return b.String()
}

func (p *Provider) productLines(products []catalog.Product) string {
	lines := make([]string, len(products))
	for i, pr := range products {
		lines[i] = fmt.Sprintf("%s - %s - %.2f %s", pr.SKU, pr.Name, pr.Price, p.store.Currency)
	}
	return strings.Join(lines, "\n")
}

func clarification(query string, options []catalog.Product) dragonpos.ToolResult {
	names := productNames(options)
	return dragonpos.ToolResult{
		Status:  dragonpos.ToolStatusClarification,
		Output:  fmt.Sprintf("%q matches several items. Which one: %s?", query, strings.Join(names, ", ")),
		Options: names,
	}
}

func productNames(products []catalog.Product) []string {
	names := make([]string, len(products))
	for i, pr := range products {
		names[i] = pr.Name
	}
	return names
}

func parentLine(lines []kernel.LineItem, lineNumber int) *kernel.LineItem {
	if lineNumber > 0 {
		for i := range lines {
			if lines[i].LineNumber == lineNumber {
				return &lines[i]
			}
		}
		return nil
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].ParentLineItemID == "" {
			return &lines[i]
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
