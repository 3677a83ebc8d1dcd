package vecindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memloop/memloop/types"
	"go.uber.org/zap"
)

// QdrantConfig configures the Qdrant-backed Index.
//
// Qdrant point IDs are UUIDs; a stable UUID is derived from each entity ID
// and the original ID is kept in the payload.
type QdrantConfig struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	BaseURL    string        `json:"base_url,omitempty"`
	APIKey     string        `json:"api_key,omitempty"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	AutoCreateCollection bool   `json:"auto_create_collection,omitempty"`
	Distance             string `json:"distance,omitempty"`    // Cosine (default), Dot, Euclid
	VectorSize           int    `json:"vector_size,omitempty"` // required when auto-creating
}

// QdrantIndex implements Index using Qdrant's REST API.
type QdrantIndex struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantIndex creates a Qdrant-backed similarity index.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) *QdrantIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantIndex{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "vecindex_qdrant")),
	}
}

var qdrantNamespace = uuid.MustParse("7f2c3a14-9b6e-4d2a-8c5f-1e0d4b7a6c93")

func pointID(id string) string {
	// Stable UUID derived from the entity ID (supports any string input).
	return uuid.NewSHA1(qdrantNamespace, []byte(id)).String()
}

const payloadIDField = "entity_id"

// Upsert implements Index.
func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector types.Vector, metadata map[string]any) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(vector) == 0 {
		return fmt.Errorf("vector is required")
	}
	if err := q.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}

	payload := map[string]any{payloadIDField: id}
	for k, v := range metadata {
		payload[k] = v
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float64      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	body := struct {
		Points []point `json:"points"`
	}{
		Points: []point{{ID: pointID(id), Vector: vector, Payload: payload}},
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(q.cfg.Collection))
	return q.doJSON(ctx, http.MethodPut, path, body, nil)
}

// Query implements Index.
func (q *QdrantIndex) Query(ctx context.Context, vector types.Vector, filter map[string]any, topK int) ([]Result, error) {
	if topK <= 0 {
		return []Result{}, nil
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is required")
	}

	req := map[string]any{
		"vector":       []float64(vector),
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
	}
	if qf := qdrantFilter(filter); qf != nil {
		req["filter"] = qf
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(q.cfg.Collection))
	if err := q.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(resp.Result))
	for _, r := range resp.Result {
		id := ""
		if v, ok := r.Payload[payloadIDField].(string); ok {
			id = v
		}
		metadata := make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			if k != payloadIDField {
				metadata[k] = v
			}
		}
		out = append(out, Result{ID: id, Score: r.Score, Metadata: metadata})
	}
	return out, nil
}

// Delete implements Index.
func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	body := map[string]any{"points": []string{pointID(id)}}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(q.cfg.Collection))
	return q.doJSON(ctx, http.MethodPost, path, body, nil)
}

func qdrantFilter(filter map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filter))
	for k, v := range filter {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, vectorSize int) error {
	if !q.cfg.AutoCreateCollection {
		return nil
	}
	if strings.TrimSpace(q.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if q.cfg.VectorSize > 0 {
		vectorSize = q.cfg.VectorSize
	}

	q.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     vectorSize,
				"distance": q.cfg.Distance,
			},
		}
		endpoint := fmt.Sprintf("%s/collections/%s", q.baseURL, url.PathEscape(q.cfg.Collection))
		reqBody, _ := json.Marshal(body)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			q.ensureErr = err
			return
		}
		q.applyHeaders(req)

		resp, err := q.client.Do(req)
		if err != nil {
			q.ensureErr = err
			return
		}
		defer resp.Body.Close()

		// Qdrant returns 409 if the collection already exists.
		if resp.StatusCode == http.StatusConflict {
			return
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(resp.Body)
			q.ensureErr = fmt.Errorf("qdrant create collection failed: status=%d body=%s", resp.StatusCode, string(raw))
		}
	})

	return q.ensureErr
}

func (q *QdrantIndex) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(q.cfg.APIKey) != "" {
		req.Header.Set("api-key", q.cfg.APIKey)
	}
}

func (q *QdrantIndex) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return err
	}
	q.applyHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrTransientService, "qdrant request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s",
			method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
