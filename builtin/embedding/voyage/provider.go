// Package voyage implements the embedding provider on the Voyage AI API,
// reached through its OpenAI-compatible endpoint.
package voyage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/lgrep/lgrep/pkg/provider"
	"github.com/lgrep/lgrep/pkg/types"
)

// Default values
const (
	DefaultModel          = "voyage-code-3"
	DefaultEndpoint       = "https://api.voyageai.com/v1"
	DefaultDimensions     = 1024
	DefaultMaxBatchSize   = 128
	DefaultMaxBatchTokens = 100000 // Voyage allows 120k; leave headroom
	DefaultMaxRetries     = 5

	baseDelay     = time.Second
	charsPerToken = 4 // rough approximation for batch sizing

	// voyage-code-3 pricing with one-shot warning thresholds.
	costPerMillionTokens = 0.18
	costThreshold5       = 5.0
	costThreshold10      = 10.0
)

// Config contains Voyage provider configuration.
type Config struct {
	Model          string
	APIKey         string // if empty, uses VOYAGE_API_KEY
	Endpoint       string
	Dimensions     int
	MaxBatchSize   int
	MaxBatchTokens int
	MaxRetries     int
}

// Provider implements provider.Embedder against Voyage AI. Safe for
// concurrent use.
type Provider struct {
	config Config
	client *openai.Client

	totalTokens atomic.Int64
	warned5     atomic.Bool
	warned10    atomic.Bool
}

// New creates a Voyage embedding provider. It fails when no API key is
// configured or present in the environment.
func New(cfg Config) (*Provider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxBatchTokens == 0 {
		cfg.MaxBatchTokens = DefaultMaxBatchTokens
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("VOYAGE_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, types.ErrMissingAPIKey
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.Endpoint

	return &Provider{
		config: cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

// EmbedDocuments embeds document texts in token-aware batches. It returns
// one vector per input, in order, plus the total tokens billed.
func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, int, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}

	batches := p.buildBatches(texts)
	slog.Debug("embedding documents", "texts", len(texts), "batches", len(batches))

	vectors := make([][]float32, 0, len(texts))
	totalTokens := 0
	for _, batch := range batches {
		vecs, tokens, err := p.embedBatch(ctx, batch)
		if err != nil {
			return nil, 0, err
		}
		vectors = append(vectors, vecs...)
		totalTokens += tokens
	}

	p.recordUsage(totalTokens)
	return vectors, totalTokens, nil
}

// EmbedQuery embeds a single search query.
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, tokens, err := p.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, types.ErrEmbeddingFailed
	}
	p.recordUsage(tokens)
	return vectors[0], nil
}

// Dimensions returns the embedding width.
func (p *Provider) Dimensions() int {
	return p.config.Dimensions
}

// TotalTokens returns the cumulative tokens billed by this provider.
func (p *Provider) TotalTokens() int64 {
	return p.totalTokens.Load()
}

// EstimatedCostUSD returns the estimated spend for the tokens used so far.
func (p *Provider) EstimatedCostUSD() float64 {
	return float64(p.totalTokens.Load()) / 1_000_000 * costPerMillionTokens
}

// Close releases resources. The HTTP client needs no explicit cleanup.
func (p *Provider) Close() error {
	return nil
}

// buildBatches packs texts into batches bounded by both the text count and
// the approximate token limit. A single text over the token limit gets a
// batch of its own.
func (p *Provider) buildBatches(texts []string) [][]string {
	var batches [][]string
	var current []string
	currentTokens := 0

	for _, text := range texts {
		est := len(text) / charsPerToken
		if len(current) > 0 &&
			(len(current) >= p.config.MaxBatchSize || currentTokens+est > p.config.MaxBatchTokens) {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, text)
		currentTokens += est
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// embedBatch embeds one batch with exponential backoff. Batches rejected
// for exceeding the token limit are split in half and retried recursively;
// a single text that still exceeds the limit fails outright.
func (p *Provider) embedBatch(ctx context.Context, batch []string) ([][]float32, int, error) {
	var lastErr error

	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(p.config.Model),
		})
		if err == nil {
			vectors := make([][]float32, len(resp.Data))
			for i, d := range resp.Data {
				vectors[i] = d.Embedding
			}
			return vectors, resp.Usage.TotalTokens, nil
		}

		if isTokenLimit(err) {
			if len(batch) == 1 {
				return nil, 0, fmt.Errorf("text exceeds the embedding token limit: %w", err)
			}
			mid := len(batch) / 2
			slog.Warn("batch over token limit, splitting",
				"batch_size", len(batch), "halves", []int{mid, len(batch) - mid})
			left, leftTokens, err := p.embedBatch(ctx, batch[:mid])
			if err != nil {
				return nil, 0, err
			}
			right, rightTokens, err := p.embedBatch(ctx, batch[mid:])
			if err != nil {
				return nil, 0, err
			}
			return append(left, right...), leftTokens + rightTokens, nil
		}

		if !isRetryable(err) {
			return nil, 0, fmt.Errorf("voyage embedding failed: %w", err)
		}

		lastErr = err
		if attempt == p.config.MaxRetries-1 {
			break
		}

		delay := baseDelay*(1<<attempt) + time.Duration(rand.Float64()*float64(time.Second))
		slog.Warn("embedding request failed, retrying",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}

	return nil, 0, fmt.Errorf("voyage embedding failed after %d attempts: %w",
		p.config.MaxRetries, lastErr)
}

// isTokenLimit matches the API's complaint about an oversized batch.
func isTokenLimit(err error) bool {
	return err != nil && strings.Contains(err.Error(), "max allowed tokens")
}

// isRetryable reports whether an error is worth another attempt. Rate
// limits, server errors, and transport failures are; authentication and
// malformed requests are not.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

// recordUsage accumulates token usage and fires each cost warning once.
func (p *Provider) recordUsage(tokens int) {
	if tokens <= 0 {
		return
	}
	total := p.totalTokens.Add(int64(tokens))
	cost := float64(total) / 1_000_000 * costPerMillionTokens

	switch {
	case cost >= costThreshold10:
		if p.warned10.CompareAndSwap(false, true) {
			slog.Warn("embedding cost threshold crossed",
				"threshold_usd", costThreshold10,
				"estimated_cost_usd", cost,
				"total_tokens", total)
		}
	case cost >= costThreshold5:
		if p.warned5.CompareAndSwap(false, true) {
			slog.Warn("embedding cost threshold crossed",
				"threshold_usd", costThreshold5,
				"estimated_cost_usd", cost,
				"total_tokens", total)
		}
	}
}

var _ provider.Embedder = (*Provider)(nil)
