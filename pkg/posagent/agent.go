// Package posagent assembles a complete point-of-sale agent from
// configuration: oracle gateway, pipeline stages, tool provider, kernel,
// catalog, cache, receipt synchronizer and chat orchestrator.
package posagent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/adapters"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/catalog"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/config"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/gateway"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/kernel"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/metrics"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/orchestrator"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/prompt"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/receipt"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/tools"
)

// Reply is the outcome of one customer turn.
type Reply = orchestrator.Reply

// Agent is one wired point-of-sale agent serving a single conversation at
// a time.
type Agent struct {
	config *config.Config
	logger *zap.Logger

	backend gateway.Backend
	kernel  kernel.Client
	cache   dragonpos.Cache
	metrics *metrics.Collectors

	audit        *logging.AuditLogger
	bus          *eventbus.ChannelEventBus
	catalog      *catalog.SQLiteCatalog
	provider     *tools.Provider
	receipts     *receipt.Synchronizer
	orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger instead of building one from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithBackend sets the oracle backend instead of the configured provider.
func WithBackend(b gateway.Backend) Option {
	return func(a *Agent) {
		a.backend = b
	}
}

// WithKernel sets the kernel client instead of the configured one.
func WithKernel(k kernel.Client) Option {
	return func(a *Agent) {
		a.kernel = k
	}
}

// WithCache sets the SKU name cache instead of the configured one.
func WithCache(c dragonpos.Cache) Option {
	return func(a *Agent) {
		a.cache = c
	}
}

// WithMetrics shares a metrics registry with the caller.
func WithMetrics(m *metrics.Collectors) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// New wires an agent. On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, dragonpos.NewConfigurationError("agent configuration is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build(ctx context.Context) error {
	cfg := a.config

	if a.logger == nil {
		logger, err := logging.New(cfg.Logging.Config)
		if err != nil {
			return dragonpos.NewConfigurationError("invalid logging configuration", err)
		}
		a.logger = logger
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	if err := a.openAudit(); err != nil {
		return err
	}

	a.bus = eventbus.NewChannelEventBus(eventbus.WithLogger(a.logger))
	a.closers = append(a.closers, a.bus.Close)
	if _, err := a.bus.SubscribeAll(a.logEvent); err != nil {
		return dragonpos.NewInternalError("agent", "event logger subscription failed", err)
	}
	if _, err := a.metrics.Subscribe(a.bus); err != nil {
		return dragonpos.NewInternalError("agent", "metrics subscription failed", err)
	}

	prompts, err := prompt.Load(cfg.Prompts.File)
	if err != nil {
		return err
	}
	if err := prompts.Require(cfg.Prompts.Personality, prompt.Required...); err != nil {
		return err
	}

	if err := a.openCatalog(ctx); err != nil {
		return err
	}
	if err := a.openCache(ctx); err != nil {
		return err
	}
	a.openKernel()

	policy, err := tools.NewPolicy(cfg.Disambiguation)
	if err != nil {
		return err
	}
	a.provider, err = tools.NewProvider(a.kernel, a.catalog, policy, cfg.Store,
		tools.WithCache(a.cache),
		tools.WithLogger(a.logger.Named("tools")),
		tools.WithAudit(a.audit),
		tools.WithPaymentMethods(methodNames(cfg.Payment.Methods)...),
		tools.WithInventoryHintSize(cfg.Catalog.InventoryHintSize),
	)
	if err != nil {
		return err
	}

	if a.backend == nil {
		a.backend, err = gateway.NewBackend(ctx, cfg.Oracle.Provider, cfg.Oracle.APIKey, cfg.Oracle.Model)
		if err != nil {
			return dragonpos.NewConfigurationError("oracle backend could not be created", err)
		}
	}
	oracle, err := gateway.New(a.backend,
		gateway.WithTimeout(cfg.Oracle.Timeout),
		gateway.WithLogger(a.logger.Named("gateway")),
		gateway.WithAudit(a.audit),
	)
	if err != nil {
		return err
	}

	execution, err := adapters.NewExecutionStage(a.provider,
		adapters.WithExecutionLogger(a.logger.Named("execution")),
		adapters.WithExecutionAudit(a.audit))
	if err != nil {
		return err
	}
	loop, responder, err := a.pipeline(oracle, prompts, execution)
	if err != nil {
		return err
	}

	a.receipts, err = receipt.NewSynchronizer(a.provider,
		receipt.Store{ID: cfg.Store.ID, Name: cfg.Store.Name, Currency: cfg.Store.Currency},
		receipt.WithNameCache(a.cache),
		receipt.WithNameLookup(a.catalog),
		receipt.WithWorkers(cfg.Receipt.Workers),
		receipt.WithLogger(a.logger.Named("receipt")),
		receipt.WithAudit(a.audit),
		receipt.WithEventBus(a.bus),
		receipt.WithObserver(a.metrics),
	)
	if err != nil {
		return err
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		Mode:              orchestrator.Mode(cfg.Orchestrator.Mode),
		Personality:       cfg.Prompts.Personality,
		StoreName:         cfg.Store.Name,
		TerminalID:        cfg.Orchestrator.TerminalID,
		CompletionPhrases: cfg.Orchestrator.CompletionPhrases,
		PaymentMethods:    cfg.Payment.Methods,
		HistoryWindow:     cfg.Inference.HistoryWindow,
		AutoClearAfter:    cfg.Payment.AutoClearAfter,
	},
		orchestrator.WithProvider(a.provider),
		orchestrator.WithExecutor(execution),
		orchestrator.WithInference(loop),
		orchestrator.WithReceipts(a.receipts),
		orchestrator.WithPrompter(prompts),
		orchestrator.WithSpeaker(responder),
		orchestrator.WithTurnObserver(a.metrics),
		orchestrator.WithEventBus(a.bus),
		orchestrator.WithLogger(a.logger.Named("orchestrator")),
		orchestrator.WithAudit(a.audit),
	)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		a.orchestrator.Close()
		return nil
	})

	a.logger.Info("agent ready",
		zap.String("store", cfg.Store.ID),
		zap.String("oracle", a.backend.Name()),
		zap.String("kernel", cfg.Kernel.Mode),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("mode", cfg.Orchestrator.Mode))
	return nil
}

// pipeline builds the oracle-backed stages and the inference loop over
// them and the shared execution stage.
func (a *Agent) pipeline(oracle *gateway.Gateway, prompts *prompt.Registry, execution *adapters.ExecutionStage) (*dragonpos.InferenceLoop, *adapters.ResponseStage, error) {
	cfg := a.config
	stageOpts := []adapters.StageOption{
		adapters.WithStageLogger(a.logger.Named("stages")),
		adapters.WithStageAudit(a.audit),
	}

	reasoning, err := adapters.NewReasoningStage(oracle, prompts, cfg.Prompts.Personality, adapters.ReasoningConfig{
		StoreName:       cfg.Store.Name,
		SummaryMaxChars: cfg.Inference.SummaryMaxChars,
		Sources: map[string]adapters.ContextSource{
			adapters.ContextInventoryHint: a.provider.InventoryHint,
		},
	}, stageOpts...)
	if err != nil {
		return nil, nil, err
	}
	selection, err := adapters.NewSelectionStage(oracle, prompts, cfg.Prompts.Personality, a.provider, stageOpts...)
	if err != nil {
		return nil, nil, err
	}
	validation, err := adapters.NewValidationStage(oracle, prompts, cfg.Prompts.Personality, cfg.Oracle.DecisionRetries, stageOpts...)
	if err != nil {
		return nil, nil, err
	}
	response, err := adapters.NewResponseStage(oracle, prompts, cfg.Prompts.Personality, stageOpts...)
	if err != nil {
		return nil, nil, err
	}

	loop, err := dragonpos.NewInferenceLoop(
		dragonpos.WithConfig(dragonpos.Config{
			MaxAttempts:      cfg.Inference.MaxAttempts,
			FallbackResponse: cfg.Inference.FallbackResponse,
		}),
		dragonpos.WithReasoner(reasoning),
		dragonpos.WithToolSelector(selection),
		dragonpos.WithValidator(validation),
		dragonpos.WithExecutor(execution),
		dragonpos.WithResponder(response),
		dragonpos.WithObserver(a.metrics),
		dragonpos.WithTransactionState(a.provider.TransactionState),
		dragonpos.WithEventBus(a.bus),
		dragonpos.WithLogger(a.logger.Named("inference")),
	)
	if err != nil {
		return nil, nil, err
	}
	return loop, response, nil
}

func (a *Agent) openAudit() error {
	path := a.config.Logging.Audit.Path
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return dragonpos.NewConfigurationError("audit directory cannot be created", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return dragonpos.NewConfigurationError(fmt.Sprintf("audit file %s cannot be opened", path), err)
	}
	a.audit = logging.NewAuditLogger(f,
		logging.WithQueueSize(a.config.Logging.Audit.QueueSize),
		logging.WithFlushInterval(a.config.Logging.Audit.FlushInterval))
	// the logger drains into f, so it closes first
	a.closers = append(a.closers, f.Close, a.audit.Close)
	return nil
}

func (a *Agent) openCatalog(ctx context.Context) error {
	cat, err := catalog.Open(a.config.Catalog.Path, catalog.WithLogger(a.logger.Named("catalog")))
	if err != nil {
		return dragonpos.NewConfigurationError("catalog cannot be opened", err)
	}
	a.catalog = cat
	a.closers = append(a.closers, cat.Close)

	if a.config.Catalog.Seed == "" {
		return nil
	}
	n, err := cat.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	seeded, err := cat.SeedFile(ctx, a.config.Catalog.Seed)
	if err != nil {
		return dragonpos.NewConfigurationError("catalog seed cannot be loaded", err)
	}
	a.logger.Info("catalog seeded", zap.Int("products", seeded), zap.String("seed", a.config.Catalog.Seed))
	return nil
}

func (a *Agent) openCache(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}
	cc := a.config.Cache
	switch cc.Backend {
	case config.CacheRedis:
		rc := cache.NewRedisCache(cc.Redis.Address, cc.Redis.Password, cc.Redis.DB,
			cache.WithTTL(cc.TTL), cache.WithPrefix(cc.Redis.Prefix))
		a.closers = append(a.closers, rc.Close)
		if err := rc.Ping(ctx); err != nil {
			return dragonpos.NewConfigurationError(fmt.Sprintf("redis at %s is unreachable", cc.Redis.Address), err)
		}
		a.cache = rc
	default:
		mc := cache.NewInMemoryCache(cc.TTL, cache.WithLogger(a.logger.Named("cache")))
		a.closers = append(a.closers, mc.Close)
		a.cache = mc
	}
	return nil
}

func (a *Agent) openKernel() {
	if a.kernel != nil {
		return
	}
	if a.config.Kernel.Mode == config.KernelHTTP {
		a.kernel = kernel.NewHTTPClient(a.config.Kernel.URL)
		return
	}
	a.kernel = kernel.NewMemoryKernel(
		kernel.WithTaxRate(a.config.Kernel.TaxRate),
		kernel.WithLogger(a.logger.Named("kernel")))
}

func (a *Agent) logEvent(_ context.Context, evt eventbus.Event) error {
	a.logger.Debug("event",
		zap.String("type", string(evt.Type())),
		zap.String("source", evt.Source()),
		zap.Any("metadata", evt.Metadata()))
	return nil
}

// Greeting returns the store greeting.
func (a *Agent) Greeting() (string, error) {
	return a.orchestrator.Greeting()
}

// HandleMessage processes one customer turn.
func (a *Agent) HandleMessage(ctx context.Context, text string) (*Reply, error) {
	return a.orchestrator.HandleMessage(ctx, text)
}

// StartNextCustomer abandons or finishes the current order and prepares
// for the next customer.
func (a *Agent) StartNextCustomer(ctx context.Context) error {
	return a.orchestrator.StartNextCustomer(ctx)
}

// Receipt returns a copy of the current receipt.
func (a *Agent) Receipt() *dragonpos.Receipt {
	return a.receipts.Receipt()
}

// PaymentState returns the conversation's payment state.
func (a *Agent) PaymentState() dragonpos.PaymentState {
	return a.orchestrator.PaymentState()
}

// OnReceiptChange registers a receipt listener and returns its id.
func (a *Agent) OnReceiptChange(l receipt.Listener) string {
	return a.receipts.Subscribe(l)
}

// Events returns the pipeline event bus.
func (a *Agent) Events() eventbus.EventBus {
	return a.bus
}

// MetricsHandler serves the agent's Prometheus metrics.
func (a *Agent) MetricsHandler() http.Handler {
	return a.metrics.Handler()
}

// Logger returns the agent's logger.
func (a *Agent) Logger() *zap.Logger {
	return a.logger
}

// Close releases every resource in reverse order of acquisition.
func (a *Agent) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return first
}

func methodNames(methods map[string][]string) []string {
	names := make([]string, 0, len(methods))
	for m := range methods {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

var _ io.Closer = (*Agent)(nil)
