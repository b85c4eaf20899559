package adapters

import (
	"context"
	"strings"

	"go.uber.org/zap"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/gateway"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/prompt"
)

// Oracle is the part of the model gateway the stages use.
type Oracle interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	Decide(ctx context.Context, req gateway.Request, retries int) (*gateway.Decision, error)
}

// Prompter renders named prompt templates for a personality.
type Prompter interface {
	Render(personality, name string, data any) (string, error)
}

// stage carries what every oracle-backed stage needs.
type stage struct {
	oracle      Oracle
	prompts     Prompter
	personality string
	logger      *zap.Logger
	audit       *logging.AuditLogger
}

// StageOption configures an oracle-backed stage.
type StageOption func(*stage)

// WithStageLogger sets the stage logger.
func WithStageLogger(logger *zap.Logger) StageOption {
	return func(s *stage) {
		s.logger = logger
	}
}

// WithStageAudit records stage activity on the audit trail.
func WithStageAudit(a *logging.AuditLogger) StageOption {
	return func(s *stage) {
		s.audit = a
	}
}

func newStage(name string, oracle Oracle, prompts Prompter, personality string, opts []StageOption) (stage, error) {
	s := stage{
		oracle:      oracle,
		prompts:     prompts,
		personality: personality,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	switch {
	case oracle == nil:
		return s, dragonpos.NewConfigurationError(name+" stage requires an oracle", nil)
	case prompts == nil:
		return s, dragonpos.NewConfigurationError(name+" stage requires a prompt provider", nil)
	case personality == "":
		return s, dragonpos.NewConfigurationError(name+" stage requires a personality", nil)
	}
	s.logger = s.logger.With(zap.String("stage", name))
	return s, nil
}

// render returns the system instruction and the stage prompt.
func (s stage) render(name string, data any) (string, string, error) {
	system, err := s.prompts.Render(s.personality, prompt.System, data)
	if err != nil {
		return "", "", err
	}
	body, err := s.prompts.Render(s.personality, name, data)
	if err != nil {
		return "", "", err
	}
	return system, body, nil
}

// formatHistory renders recent turns one per line, oldest first.
func formatHistory(turns []dragonpos.ConversationTurn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, string(t.Sender)+": "+strings.TrimSpace(t.Text))
	}
	return strings.Join(lines, "\n")
}
