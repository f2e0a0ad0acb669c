// Package embedding turns titles into dense sentence vectors.
package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/DeafMist/event-dedup/internal/logger"
)

// Embedder maps texts to vectors, one per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client calls an OpenAI-compatible embeddings endpoint, such as a
// text-embeddings-inference server hosting all-MiniLM-L6-v2.
type Client struct {
	api       openai.Client
	model     string
	batchSize int
	log       *slog.Logger
}

// NewClient builds an embeddings client. An empty apiKey is allowed for
// self-hosted servers.
func NewClient(baseURL, apiKey, model string, batchSize int, log *slog.Logger) *Client {
	opts := []option.RequestOption{option.WithBaseURL(baseURL), option.WithMaxRetries(2)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		opts = append(opts, option.WithAPIKey("unused"))
	}
	if batchSize <= 0 {
		batchSize = 512
	}
	return &Client{
		api:       openai.NewClient(opts...),
		model:     model,
		batchSize: batchSize,
		log:       logger.OrDiscard(log).With("component", "embedding"),
	}
}

// Model names the embedding model, used in checkpoint signatures.
func (c *Client) Model() string {
	return c.model
}

// Embed requests vectors batch by batch.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))

		resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model:          c.model,
			Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts[start:end]},
			EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
		})
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embed batch %d-%d: got %d vectors", start, end, len(resp.Data))
		}

		for _, d := range resp.Data {
			i := int(d.Index)
			if i < 0 || i >= end-start {
				return nil, fmt.Errorf("embed batch %d-%d: index %d out of range", start, end, d.Index)
			}
			vec := make([]float32, len(d.Embedding))
			for j, v := range d.Embedding {
				vec[j] = float32(v)
			}
			out[start+i] = vec
		}

		c.log.Debug("embedded batch", slog.Int("from", start), slog.Int("to", end), slog.Int("total", len(texts)))
	}
	return out, nil
}
