package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memloop/memloop/llm/retry"
	"github.com/memloop/memloop/types"
	"go.uber.org/zap"
)

// OpenAIConfig configures the OpenAI-compatible embedding client.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIProvider implements Provider against any OpenAI-compatible
// embeddings endpoint. Transient failures are retried with backoff at the
// call site rather than silently swallowed.
type OpenAIProvider struct {
	cfg     OpenAIConfig
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewOpenAIProvider creates an OpenAI-compatible embedding provider.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	policy := retry.DefaultPolicy()
	if cfg.MaxRetries > 0 {
		policy.MaxRetries = cfg.MaxRetries
	}

	return &OpenAIProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		retryer: retry.New(policy, logger),
		logger:  logger.With(zap.String("component", "embedding_openai")),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai-embedding" }

// Dimensions implements Provider.
func (p *OpenAIProvider) Dimensions() int { return p.cfg.Dimensions }

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// EmbedQuery implements Provider.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, query string) (types.Vector, error) {
	vectors, err := p.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments implements Provider.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, documents []string) ([]types.Vector, error) {
	if len(documents) == 0 {
		return nil, fmt.Errorf("no documents to embed")
	}

	var vectors []types.Vector
	err := p.retryer.Do(ctx, func() error {
		var callErr error
		vectors, callErr = p.embed(ctx, documents)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (p *OpenAIProvider) embed(ctx context.Context, documents []string) ([]types.Vector, error) {
	payload, err := json.Marshal(embedRequest{
		Input:      documents,
		Model:      p.cfg.Model,
		Dimensions: p.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrTransientService, "embedding request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, types.NewError(types.ErrTransientService, "read embedding response").
			WithCause(err).WithRetryable(true)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, types.Errorf(types.ErrTransientService,
			"embedding service returned %d", resp.StatusCode).WithRetryable(retryable)
	}

	var parsed embedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, types.NewError(types.ErrTransientService, "decode embedding response").
			WithCause(err).WithRetryable(true)
	}
	if parsed.Error != nil {
		return nil, types.Errorf(types.ErrTransientService, "embedding error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(documents) {
		return nil, types.Errorf(types.ErrTransientService,
			"embedding count mismatch: got %d want %d", len(parsed.Data), len(documents)).
			WithRetryable(true)
	}

	vectors := make([]types.Vector, len(documents))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, types.Errorf(types.ErrTransientService, "embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != p.cfg.Dimensions {
			return nil, types.Errorf(types.ErrDimensionMismatch,
				"embedding dimension mismatch: got %d want %d", len(d.Embedding), p.cfg.Dimensions)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
