package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/config"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder turns query strings into vectors for vector-store search, with
// dimension validation.
type Embedder struct {
	model     embeddings.Embedder
	bedrock   ConverseAPI
	dimension int
	modelName string
}

// NewEmbedder creates an embedder based on configuration.
func NewEmbedder(ctx context.Context, cfg config.Config) (*Embedder, error) {
	switch cfg.EmbedProvider {
	case config.ProviderBedrock:
		client, err := newBedrockClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Embedder{bedrock: client, dimension: cfg.EmbedDimension, modelName: cfg.EmbedModel}, nil

	case config.ProviderOllama:
		llm, err := ollama.New(
			ollama.WithModel(cfg.EmbedModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		model, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return NewEmbedderWithModel(model, cfg.EmbedModel, cfg.EmbedDimension), nil

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		llm, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.EmbedModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		model, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}
		return NewEmbedderWithModel(model, cfg.EmbedModel, cfg.EmbedDimension), nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
	}
}

// NewEmbedderWithModel wraps an existing langchaingo embedder.
func NewEmbedderWithModel(model embeddings.Embedder, modelName string, dimension int) *Embedder {
	return &Embedder{model: model, modelName: modelName, dimension: dimension}
}

// Embed generates an embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	textLen := len(text)
	slog.Debug("embedding text", "model", e.modelName, "text_len", textLen)

	start := time.Now()
	embedding, err := e.embed(ctx, text)
	duration := time.Since(start)
	if err != nil {
		slog.Warn("embedding failed", "model", e.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed: %w", err)
	}

	if len(embedding) != e.dimension {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(embedding), e.dimension)
	}

	slog.Debug("embedding complete", "model", e.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds())
	return embedding, nil
}

func (e *Embedder) embed(ctx context.Context, text string) ([]float32, error) {
	if e.bedrock != nil {
		return titanEmbed(ctx, e.bedrock, e.modelName, text, e.dimension)
	}
	vector, err := e.model.EmbedQuery(ctx, text)
	if err != nil {
		return nil, wrapFatalError(err)
	}
	return vector, nil
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.modelName
}

// Dimension returns the expected embedding dimension.
func (e *Embedder) Dimension() int {
	return e.dimension
}
