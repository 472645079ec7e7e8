package retrieval

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	"xiaorui/internal/config"
)

// Embedder turns text into vectors. langchaingo's embeddings.Embedder
// satisfies it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// NewOllamaEmbedder connects to an Ollama server for the configured model.
func NewOllamaEmbedder(cfg config.KnowledgeConfig) (Embedder, error) {
	llm, err := ollama.New(
		ollama.WithModel(cfg.EmbeddingModel),
		ollama.WithServerURL(cfg.OllamaHost),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(32))
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}
	return emb, nil
}
