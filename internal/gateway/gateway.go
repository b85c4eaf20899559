// Package gateway is the single chokepoint for calls to the reasoning oracle.
// It renders context and tool schemas as text, calls a backend, and returns
// the raw reply together with any extracted tool invocations.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
	"go.uber.org/zap"
)

// Backend generates text for a system instruction and a prompt.
type Backend interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

// Request is one oracle call.
type Request struct {
	// Stage names the caller for logs and errors (e.g. "reasoning").
	Stage   string
	System  string
	Prompt  string
	Tools   []dragonpos.ToolDefinition
	Context map[string]string
}

// Response is the oracle's reply.
type Response struct {
	Text      string
	ToolCalls []dragonpos.ToolInvocation
	// Display is Text with tool-call lines stripped.
	Display string
}

// Gateway calls the oracle. It holds no cross-turn state.
type Gateway struct {
	backend   Backend
	extractor *Extractor
	timeout   time.Duration
	logger    *zap.Logger
	audit     *logging.AuditLogger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout bounds each backend call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithAudit records every oracle call on the audit trail.
func WithAudit(a *logging.AuditLogger) Option {
	return func(g *Gateway) {
		g.audit = a
	}
}

// New creates a gateway over backend.
func New(backend Backend, opts ...Option) (*Gateway, error) {
	if backend == nil {
		return nil, dragonpos.NewConfigurationError("oracle backend is required", nil)
	}
	g := &Gateway{
		backend: backend,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.extractor = NewExtractor(g.logger)
	return g, nil
}

// Call issues one oracle call. Backend failures are not swallowed: they are
// returned as ORACLE_ERROR and end the turn.
func (g *Gateway) Call(ctx context.Context, req Request) (*Response, error) {
	stage := req.Stage
	if stage == "" {
		stage = "oracle"
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, dragonpos.NewValidationError(stage, "oracle prompt must not be empty", nil)
	}

	text, err := g.generate(ctx, stage, req.System, g.render(req))
	if err != nil {
		return nil, err
	}

	resp := &Response{Text: text, Display: strings.TrimSpace(text)}
	if len(req.Tools) > 0 {
		ext, err := g.extractor.Extract(text, req.Tools)
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = ext.Invocations
		resp.Display = ext.Text
	}
	return resp, nil
}

func (g *Gateway) generate(ctx context.Context, stage, system, prompt string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := g.backend.Generate(ctx, system, prompt)
	elapsed := time.Since(start)

	g.audit.Record(logging.AuditOracleCall, map[string]interface{}{
		"stage":       stage,
		"backend":     g.backend.Name(),
		"duration_ms": elapsed.Milliseconds(),
		"ok":          err == nil,
	})

	if err != nil {
		g.logger.Error("oracle call failed",
			zap.String("stage", stage),
			zap.String("backend", g.backend.Name()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		if ctx.Err() != nil {
			return "", dragonpos.NewCancelledError(stage, ctx.Err())
		}
		return "", dragonpos.NewOracleError(stage, err)
	}

	g.logger.Debug("oracle call",
		zap.String("stage", stage),
		zap.Duration("elapsed", elapsed),
		zap.Int("response_length", len(text)))
	return text, nil
}

// render appends the context bundle and tool catalog to the prompt.
func (g *Gateway) render(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Prompt))

	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nCONTEXT:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Context[k])
		}
	}

	if len(req.Tools) > 0 {
		b.WriteString("\n\nAVAILABLE TOOLS:\n")
		b.WriteString(RenderToolCatalog(req.Tools))
		b.WriteString("\nTo call a tool, write one line per call exactly as:\n")
		b.WriteString(ToolCallMarker + " <function_name> <json_object>\n")
		b.WriteString("Use {} when a tool takes no arguments.\n")
	}
	return b.String()
}

// RenderToolCatalog renders tool definitions as one JSON schema per line.
func RenderToolCatalog(tools []dragonpos.ToolDefinition) string {
	sorted := make([]dragonpos.ToolDefinition, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, def := range sorted {
		raw, err := json.Marshal(def)
		if err != nil {
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
			continue
		}
		fmt.Fprintf(&b, "- %s\n", raw)
	}
	return b.String()
}
