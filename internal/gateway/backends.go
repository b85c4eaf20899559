package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"google.golang.org/genai"
)

// Supported oracle providers
const (
	ProviderGenkit = "genkit"
	ProviderGenAI  = "genai"
)

// GenkitBackend generates text through a Genkit instance.
type GenkitBackend struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitBackend initializes Genkit with the Google AI plugin and model as default.
func NewGenkitBackend(ctx context.Context, apiKey, model string) (*GenkitBackend, error) {
	if model == "" {
		return nil, fmt.Errorf("genkit backend requires a model name")
	}
	g, err := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}),
		genkit.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Genkit: %w", err)
	}
	return &GenkitBackend{g: g, model: model}, nil
}

// Name implements Backend.
func (b *GenkitBackend) Name() string { return "genkit:" + b.model }

// Generate implements Backend.
func (b *GenkitBackend) Generate(ctx context.Context, system, prompt string) (string, error) {
	opts := []ai.GenerateOption{ai.WithPromptFn(literal(prompt))}
	if system != "" {
		opts = append(opts, ai.WithSystemFn(literal(system)))
	}
	return genkit.GenerateText(ctx, b.g, opts...)
}

// literal passes rendered text through unchanged. ai.WithPrompt and
// ai.WithSystem treat their text as a format string, which mangles any
// '%' coming from the customer or the order.
func literal(text string) ai.PromptFn {
	return func(context.Context, any) (string, error) {
		return text, nil
	}
}

// GenAIBackend calls the Gemini API directly.
type GenAIBackend struct {
	client *genai.Client
	model  string
}

// NewGenAIBackend creates a Gemini API client.
func NewGenAIBackend(ctx context.Context, apiKey, model string) (*GenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("genai backend requires a model name")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	// genkit-style names carry a plugin prefix
	model = strings.TrimPrefix(model, "googleai/")
	return &GenAIBackend{client: client, model: model}, nil
}

// Name implements Backend.
func (b *GenAIBackend) Name() string { return "genai:" + b.model }

// Generate implements Backend.
func (b *GenAIBackend) Generate(ctx context.Context, system, prompt string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}
	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("model %s returned no text", b.model)
	}
	return text, nil
}

// NewBackend builds the backend for a configured provider.
func NewBackend(ctx context.Context, provider, apiKey, model string) (Backend, error) {
	switch provider {
	case ProviderGenkit:
		return NewGenkitBackend(ctx, apiKey, model)
	case ProviderGenAI:
		return NewGenAIBackend(ctx, apiKey, model)
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", provider)
	}
}
