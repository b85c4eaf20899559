// Package receipt keeps the local, UI-facing receipt in step with the
// kernel. The receipt is always rebuilt wholesale from a kernel snapshot and
// every change notification carries the complete receipt.
package receipt

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/catalog"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/kernel"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/tools"
)

// ChangeType classifies what a synchronization pass changed.
type ChangeType string

const (
	ItemsUpdated     ChangeType = "ItemsUpdated"
	StatusChanged    ChangeType = "StatusChanged"
	PaymentCompleted ChangeType = "PaymentCompleted"
	Cleared          ChangeType = "Cleared"
	Updated          ChangeType = "Updated"
)

// Change is delivered to listeners after every pass.
type Change struct {
	Type    ChangeType
	Receipt *dragonpos.Receipt
	Context string
}

// Listener receives receipt changes synchronously.
type Listener func(Change)

// Source reads the kernel's view of the session's transaction. A nil
// snapshot with a nil error means no transaction exists.
type Source interface {
	Transaction(ctx context.Context, s *dragonpos.Session) (*kernel.TransactionSnapshot, error)
}

// NameLookup resolves a SKU to its product on a cache miss.
type NameLookup interface {
	Lookup(ctx context.Context, sku string) (*catalog.Product, error)
}

// Observer receives synchronization measurements.
type Observer interface {
	SyncCompleted(change ChangeType, elapsed time.Duration)
	SyncFailed()
}

type nopObserver struct{}

func (nopObserver) SyncCompleted(ChangeType, time.Duration) {}
func (nopObserver) SyncFailed()                             {}

// Store identifies the shop printed on the receipt.
type Store struct {
	ID       string
	Name     string
	Currency string
}

// Synchronizer owns the local receipt.
type Synchronizer struct {
	source   Source
	names    dragonpos.Cache
	lookup   NameLookup
	store    Store
	workers  int
	logger   *zap.Logger
	audit    *logging.AuditLogger
	eventBus eventbus.EventBus
	observer Observer

	mu      sync.Mutex
	receipt *dragonpos.Receipt

	lmu       sync.RWMutex
	listeners map[string]Listener
	order     []string
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithNameCache sets the SKU display-name cache.
func WithNameCache(c dragonpos.Cache) Option {
	return func(s *Synchronizer) {
		s.names = c
	}
}

// WithNameLookup sets the fallback used on a name cache miss.
func WithNameLookup(l NameLookup) Option {
	return func(s *Synchronizer) {
		s.lookup = l
	}
}

// WithWorkers bounds concurrent name resolution.
func WithWorkers(n int) Option {
	return func(s *Synchronizer) {
		s.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithAudit records sync passes on the audit trail.
func WithAudit(a *logging.AuditLogger) Option {
	return func(s *Synchronizer) {
		s.audit = a
	}
}

// WithEventBus publishes receipt events.
func WithEventBus(eb eventbus.EventBus) Option {
	return func(s *Synchronizer) {
		s.eventBus = eb
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Synchronizer) {
		s.observer = o
	}
}

// NewSynchronizer creates a synchronizer with an empty receipt.
func NewSynchronizer(source Source, store Store, opts ...Option) (*Synchronizer, error) {
	if source == nil {
		return nil, dragonpos.NewConfigurationError("receipt synchronizer requires a transaction source", nil)
	}
	if store.ID == "" || store.Currency == "" {
		return nil, dragonpos.NewConfigurationError("receipt synchronizer requires store id and currency", nil)
	}
	s := &Synchronizer{
		source:    source,
		store:     store,
		workers:   4,
		logger:    zap.NewNop(),
		observer:  nopObserver{},
		listeners: make(map[string]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	s.receipt = s.empty()
	return s, nil
}

// Receipt returns a copy of the current receipt.
func (s *Synchronizer) Receipt() *dragonpos.Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipt.Clone()
}

// Subscribe registers a listener and returns its id.
func (s *Synchronizer) Subscribe(l Listener) string {
	id := uuid.New().String()
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners[id] = l
	s.order = append(s.order, id)
	return id
}

// Unsubscribe removes a listener.
func (s *Synchronizer) Unsubscribe(id string) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return
	}
	delete(s.listeners, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Sync rebuilds the receipt from the kernel. hint is the status implied by
// the conversation state; a kernel Completed state always wins over it. On
// failure the receipt is left unchanged and a SYNC_ERROR is returned.
func (s *Synchronizer) Sync(ctx context.Context, session *dragonpos.Session, hint dragonpos.ReceiptStatus) (*Change, error) {
	start := time.Now()

	snap, err := s.source.Transaction(ctx, session)
	if err == nil && snap != nil {
		err = snap.Validate()
	}
	if err != nil {
		return nil, s.failed(ctx, err)
	}

	if snap == nil || snap.IsEmptyStart() || snap.State == kernel.StateVoided {
		change := s.replace(s.empty(), Cleared, "no open transaction")
		s.finish(ctx, change, start)
		return change, nil
	}

	items, err := s.items(ctx, snap.LineItems)
	if err != nil {
		return nil, s.failed(ctx, err)
	}

	next := s.empty()
	next.TransactionID = snap.TransactionID
	if snap.Currency != "" {
		next.Currency = snap.Currency
	}
	next.Items = items
	next.Subtotal = snap.Subtotal()
	next.Total = kernel.Round2(snap.Total)
	next.Tax = math.Max(0, kernel.Round2(next.Total-next.Subtotal))
	next.Status = status(snap.State, hint)

	s.mu.Lock()
	prev := s.receipt
	s.mu.Unlock()

	kind := classify(prev, next)
	change := s.replace(next, kind, "")
	s.finish(ctx, change, start)
	return change, nil
}

// Clear empties the receipt and notifies Cleared.
func (s *Synchronizer) Clear(ctx context.Context, reason string) *Change {
	change := s.replace(s.empty(), Cleared, reason)
	s.finish(ctx, change, time.Now())
	return change
}

// SetStatus changes only the status, notifying StatusChanged or
// PaymentCompleted when it differs. It is used when the conversation state
// moves without a tool touching the kernel.
func (s *Synchronizer) SetStatus(ctx context.Context, st dragonpos.ReceiptStatus) *Change {
	s.mu.Lock()
	if s.receipt.Status == st {
		s.mu.Unlock()
		return nil
	}
	next := s.receipt.Clone()
	s.mu.Unlock()

	next.Status = st
	kind := StatusChanged
	if st == dragonpos.ReceiptCompleted {
		kind = PaymentCompleted
	}
	change := s.replace(next, kind, "")
	s.finish(ctx, change, time.Now())
	return change
}

func (s *Synchronizer) empty() *dragonpos.Receipt {
	return dragonpos.NewReceipt(s.store.ID, s.store.Name, s.store.Currency)
}

// replace installs next and notifies listeners with a copy of it.
func (s *Synchronizer) replace(next *dragonpos.Receipt, kind ChangeType, note string) *Change {
	s.mu.Lock()
	s.receipt = next
	s.mu.Unlock()

	change := &Change{Type: kind, Receipt: next.Clone(), Context: note}
	s.notify(*change)
	return change
}

func (s *Synchronizer) notify(change Change) {
	s.lmu.RLock()
	listeners := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		listeners = append(listeners, s.listeners[id])
	}
	s.lmu.RUnlock()

	for _, l := range listeners {
		s.deliver(l, Change{Type: change.Type, Receipt: change.Receipt.Clone(), Context: change.Context})
	}
}

// deliver runs one listener; its panic never reaches the caller.
func (s *Synchronizer) deliver(l Listener, change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("receipt listener panicked", zap.Any("panic", r), zap.String("change", string(change.Type)))
		}
	}()
	l(change)
}

func (s *Synchronizer) finish(ctx context.Context, change *Change, start time.Time) {
	elapsed := time.Since(start)
	s.observer.SyncCompleted(change.Type, elapsed)
	s.audit.Record(logging.AuditReceiptSync, map[string]interface{}{
		"change":      string(change.Type),
		"transaction": change.Receipt.TransactionID,
		"items":       len(change.Receipt.Items),
		"total":       change.Receipt.Total,
		"duration_ms": elapsed.Milliseconds(),
	})
	if s.eventBus != nil {
		_ = s.eventBus.Publish(context.WithoutCancel(ctx), eventbus.NewEvent(eventbus.EventReceiptChanged, change.Receipt, "receipt.Synchronizer", map[string]interface{}{
			"change": string(change.Type),
		}))
	}
	s.logger.Debug("receipt synchronized",
		zap.String("change", string(change.Type)),
		zap.Int("items", len(change.Receipt.Items)),
		zap.Float64("total", change.Receipt.Total))
}

func (s *Synchronizer) failed(ctx context.Context, err error) error {
	s.observer.SyncFailed()
	s.logger.Warn("receipt synchronization failed", zap.Error(err))
	s.audit.Record(logging.AuditReceiptSync, map[string]interface{}{
		"ok":    false,
		"error": err.Error(),
	})
	if s.eventBus != nil {
		_ = s.eventBus.Publish(context.WithoutCancel(ctx), eventbus.NewEvent(eventbus.EventReceiptSyncFailed, err.Error(), "receipt.Synchronizer", nil))
	}
	return dragonpos.NewSyncError(err)
}

// items converts kernel lines, resolving display names concurrently.
func (s *Synchronizer) items(ctx context.Context, lines []kernel.LineItem) ([]dragonpos.ReceiptLineItem, error) {
	items := make([]dragonpos.ReceiptLineItem, len(lines))
	p := pool.New().WithMaxGoroutines(s.workers).WithContext(ctx)
	for i, li := range lines {
		p.Go(func(ctx context.Context) error {
			items[i] = dragonpos.ReceiptLineItem{
				LineItemID:       li.LineItemID,
				LineNumber:       li.LineNumber,
				ProductSKU:       li.SKU,
				ProductName:      s.resolveName(ctx, li),
				Quantity:         li.Quantity,
				UnitPrice:        li.UnitPrice,
				ParentLineItemID: li.ParentLineItemID,
			}
			return ctx.Err()
		})
	}
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("resolving line names: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].LineNumber < items[j].LineNumber })
	return items, nil
}

// resolveName tries the cache, then the name on the kernel line, then the
// catalog, and finally falls back to the SKU itself.
func (s *Synchronizer) resolveName(ctx context.Context, li kernel.LineItem) string {
	key := tools.NameCacheKey(li.SKU)
	if s.names != nil {
		if name, err := s.names.Get(ctx, key); err == nil && name != "" {
			return name
		}
	}
	if li.Name != "" {
		s.remember(ctx, key, li.Name)
		return li.Name
	}
	if s.lookup != nil {
		product, err := s.lookup.Lookup(ctx, li.SKU)
		if err == nil && product != nil && product.Name != "" {
			s.remember(ctx, key, product.Name)
			return product.Name
		}
		if err != nil {
			s.logger.Debug("name lookup failed", zap.String("sku", li.SKU), zap.Error(err))
		}
	}
	return li.SKU
}

func (s *Synchronizer) remember(ctx context.Context, key, name string) {
	if s.names == nil {
		return
	}
	if err := s.names.Set(ctx, key, name); err != nil {
		s.logger.Debug("name cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// status derives the receipt status. The kernel is authoritative for
// completion; otherwise the conversation hint decides between building and
// ready for payment.
func status(state kernel.TransactionState, hint dragonpos.ReceiptStatus) dragonpos.ReceiptStatus {
	if state == kernel.StateCompleted {
		return dragonpos.ReceiptCompleted
	}
	if hint == dragonpos.ReceiptReadyForPayment || hint == dragonpos.ReceiptCompleted {
		return dragonpos.ReceiptReadyForPayment
	}
	return dragonpos.ReceiptBuilding
}

// classify names the difference between two receipts.
func classify(prev, next *dragonpos.Receipt) ChangeType {
	if next.Status == dragonpos.ReceiptCompleted && prev.Status != dragonpos.ReceiptCompleted {
		return PaymentCompleted
	}
	if prev.TransactionID != next.TransactionID || !sameItems(prev.Items, next.Items) {
		return ItemsUpdated
	}
	if prev.Status != next.Status {
		return StatusChanged
	}
	return Updated
}

func sameItems(a, b []dragonpos.ReceiptLineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
