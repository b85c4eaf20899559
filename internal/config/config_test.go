package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpos "github.com/ZanzyTHEbar/dragonscale-pos"
	"github.com/ZanzyTHEbar/dragonscale-pos/internal/tools"
)

const validYAML = `
store:
  id: kt-01
  name: Kopitiam Test
  currency: SGD
oracle:
  provider: genai
  model: gemini-2.0-flash
  timeout: 20s
inference:
  max_attempts: 3
  summary_max_chars: 400
  history_window: 2
  fallback_response: Sorry, could you say that again?
prompts:
  file: prompts.yaml
  personality: kopitiam
disambiguation:
  auto_add_confidence: 0.8
  very_high_confidence: 0.9
  max_options: 3
  rules:
    - when: result_count == 1 && exact_count == 1
      action: auto_add_exact
    - when: confidence >= very_high_threshold && result_count > 0
      action: auto_add_best
payment:
  methods:
    cash: [notes]
    card: [visa, credit card]
  auto_clear_after: 5s
orchestrator:
  completion_phrases: ["that's all", "done"]
kernel:
  mode: memory
  tax_rate: 0.09
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "kt-01", cfg.Store.ID)
	assert.Equal(t, 20*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, 1, cfg.Oracle.DecisionRetries)
	assert.Equal(t, 3, cfg.Inference.MaxAttempts)
	assert.Equal(t, 2, cfg.Inference.HistoryWindow)
	assert.Equal(t, 0.8, cfg.Disambiguation.AutoAddConfidence)
	require.Len(t, cfg.Disambiguation.Rules, 2)
	assert.Equal(t, tools.ActionAutoAddBest, cfg.Disambiguation.Rules[1].Action)
	assert.Equal(t, []string{"visa", "credit card"}, cfg.Payment.Methods["card"])
	assert.Equal(t, 5*time.Second, cfg.Payment.AutoClearAfter)
	assert.Equal(t, "inference", cfg.Orchestrator.Mode)
	assert.Equal(t, CacheMemory, cfg.Cache.Backend)
	assert.Equal(t, 4, cfg.Receipt.Workers)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, time.Second, cfg.Logging.Audit.FlushInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POSAGENT_ORACLE_MODEL", "gemini-2.5-pro")
	t.Setenv("POSAGENT_ORACLE_API_KEY", "secret")
	t.Setenv("POSAGENT_KERNEL_MODE", "http")
	t.Setenv("POSAGENT_KERNEL_URL", "http://kernel:8080")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", cfg.Oracle.Model)
	assert.Equal(t, "secret", cfg.Oracle.APIKey)
	assert.Equal(t, KernelHTTP, cfg.Kernel.Mode)
	assert.Equal(t, "http://kernel:8080", cfg.Kernel.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))

	_, err = Load("")
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))
}

func TestValidate_ReportsEveryMissingValue(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  name: nameless\n"))
	require.Error(t, err)
	assert.True(t, dragonpos.IsCode(err, dragonpos.ErrCodeConfiguration))

	for _, key := range []string{
		"store.id",
		"store.currency",
		"oracle.provider",
		"oracle.model",
		"inference.max_attempts",
		"inference.summary_max_chars",
		"prompts.file",
		"disambiguation.auto_add_confidence",
		"disambiguation.very_high_confidence",
		"disambiguation.max_options",
		"disambiguation.rules",
		"payment.methods",
		"kernel.mode",
	} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate_Ranges(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	bad := *cfg
	bad.Inference.MaxAttempts = 6
	assert.ErrorContains(t, bad.Validate(), "inference.max_attempts")

	bad = *cfg
	bad.Kernel.Mode = KernelHTTP
	bad.Kernel.URL = ""
	assert.ErrorContains(t, bad.Validate(), "kernel.url")

	bad = *cfg
	bad.Cache.Backend = CacheRedis
	assert.ErrorContains(t, bad.Validate(), "cache.redis.address")

	bad = *cfg
	bad.Orchestrator.Mode = "psychic"
	assert.ErrorContains(t, bad.Validate(), "orchestrator.mode")
}
