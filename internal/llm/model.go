// Package llm provides AI text generation, embeddings and insight parsing.
package llm

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/lakeflow/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Result is the text and token usage of one model invocation.
type Result struct {
	Text         string
	ModelID      string
	InputTokens  int64
	OutputTokens int64
}

// Invoker generates text for a single prompt.
type Invoker interface {
	Invoke(ctx context.Context, prompt, modelID string, maxTokens int) (Result, error)
}

// NewInvoker builds the invoker for the configured provider.
func NewInvoker(ctx context.Context, cfg config.Config) (Invoker, error) {
	if cfg.LLMProvider == config.ProviderBedrock {
		return NewBedrock(ctx, cfg)
	}
	return NewModel(cfg)
}

// Model wraps a langchaingo LLM.
type Model struct {
	llm       llms.Model
	modelName string
}

// NewModel creates a langchaingo model based on configuration.
func NewModel(cfg config.Config) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return &Model{llm: model, modelName: cfg.LLMModel}, nil
}

// Invoke generates a completion for prompt. An empty modelID uses the
// configured model.
func (m *Model) Invoke(ctx context.Context, prompt, modelID string, maxTokens int) (Result, error) {
	if modelID == "" {
		modelID = m.modelName
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	opts := []llms.CallOption{llms.WithModel(modelID)}
	if maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}

	resp, err := retryTransient(ctx, 3, func() (*llms.ContentResponse, error) {
		return m.llm.GenerateContent(ctx, messages, opts...)
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("no response choices")
	}

	choice := resp.Choices[0]
	return Result{
		Text:         choice.Content,
		ModelID:      modelID,
		InputTokens:  tokenCount(choice.GenerationInfo, "InputTokens", "PromptTokens"),
		OutputTokens: tokenCount(choice.GenerationInfo, "OutputTokens", "CompletionTokens"),
	}, nil
}

// tokenCount reads the first present key; providers disagree on naming and
// numeric type.
func tokenCount(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
