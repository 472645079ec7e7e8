package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"xiaorui/internal/config"
)

// Client answers top-k lookups against the currently loaded index. It never
// fails a caller: a missing index, an embedding error or a timeout all yield
// no snippets.
type Client struct {
	index   atomic.Pointer[Index]
	emb     Embedder
	timeout time.Duration
	topK    int
	logger  *slog.Logger
}

// NewClient wraps idx, which may be nil until Reload succeeds.
func NewClient(idx *Index, emb Embedder, cfg config.KnowledgeConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 3
	}
	c := &Client{
		emb:     emb,
		timeout: timeout,
		topK:    topK,
		logger:  logger.With("component", "retrieval"),
	}
	if idx != nil {
		c.index.Store(idx)
	}
	return c
}

// Index returns the loaded index or nil.
func (c *Client) Index() *Index {
	return c.index.Load()
}

// TopK is the configured default result count.
func (c *Client) TopK() int {
	return c.topK
}

// Search returns at most k snippet texts ordered by similarity to query. A
// non-positive k uses the configured default.
func (c *Client) Search(ctx context.Context, query string, k int) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if k <= 0 {
		k = c.topK
	}
	idx := c.index.Load()
	if idx == nil || c.emb == nil {
		c.logger.Debug("retrieval skipped, no index loaded")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vec, err := c.emb.EmbedQuery(ctx, query)
	if err != nil {
		c.logger.Warn("embed query failed", "error", err)
		return nil
	}
	if ctx.Err() != nil {
		c.logger.Warn("embed query timed out", "timeout", c.timeout)
		return nil
	}
	if idx.Meta.Dimension > 0 && len(vec) != idx.Meta.Dimension {
		c.logger.Warn("query embedding dimension mismatch", "got", len(vec), "want", idx.Meta.Dimension)
		return nil
	}

	hits := idx.Search(vec, k)
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Content)
	}
	return out
}

// Reload opens the index at path and swaps it in. On error the previous index
// stays active.
func (c *Client) Reload(path string) error {
	idx, err := OpenIndex(path)
	if err != nil {
		return err
	}
	c.index.Store(idx)
	c.logger.Info("knowledge index loaded",
		"path", path,
		"documents", idx.Meta.Documents,
		"chunks", idx.Meta.Chunks,
		"model", idx.Meta.EmbeddingModel,
	)
	return nil
}
