package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/httpclient"
	"github.com/robaikg/gateway/pkg/usercontext"
)

// Chunk is one knowledge-base retrieval hit.
type Chunk struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// RetrievalClient talks to the knowledge-graph REST bridge.
type RetrievalClient struct {
	baseURL string
	token   string
	http    *httpclient.Client
	logger  *slog.Logger
}

func NewRetrievalClient(cfg *config.RetrievalConfig, logger *slog.Logger) *RetrievalClient {
	return &RetrievalClient{
		baseURL: cfg.BaseURL,
		token:   cfg.BearerToken,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithMaxRetries(1),
		),
		logger: logger,
	}
}

type retrievalRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type retrievalResponse struct {
	Results []Chunk `json:"results"`
}

// Search returns up to topK chunks for the query, or nothing when the
// bridge is unreachable.
func (c *RetrievalClient) Search(ctx context.Context, query string, topK int) []Chunk {
	body, err := json.Marshal(retrievalRequest{Query: query, TopK: topK})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	usercontext.Apply(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.logger.Warn("kb retrieval failed", "query", query, "error", err)
		return nil
	}
	defer resp.Body.Close()

	var parsed retrievalResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.logger.Warn("kb retrieval returned malformed body", "error", err)
		return nil
	}
	if len(parsed.Results) > topK {
		parsed.Results = parsed.Results[:topK]
	}
	return parsed.Results
}

// Health probes the bridge's health endpoint.
func (c *RetrievalClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kg bridge health returned HTTP %d", resp.StatusCode)
	}
	return nil
}
