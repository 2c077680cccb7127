// Package clients holds the gateway's auxiliary service clients: web
// search, knowledge-base retrieval, and page crawling. They are all
// best-effort: a failure is logged and surfaces as an empty result set,
// never as a request-level error.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/httpclient"
	"github.com/robaikg/gateway/pkg/usercontext"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// SearchClient queries the external web-search API. The provider rate
// limits aggressively, so 429s are retried with backoff before giving up.
type SearchClient struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
	logger  *slog.Logger
}

func NewSearchClient(cfg *config.SearchConfig, logger *slog.Logger) *SearchClient {
	return &SearchClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
		logger: logger,
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// Search returns up to topK hits, or nothing when the provider is down,
// unconfigured, or still rate limited after retries.
func (c *SearchClient) Search(ctx context.Context, query string, topK int) []SearchResult {
	if c.apiKey == "" {
		c.logger.Debug("web search skipped, no api key configured")
		return nil
	}

	body, err := json.Marshal(searchRequest{Query: query, MaxResults: topK})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	usercontext.Apply(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.logger.Warn("web search failed", "query", query, "error", err)
		return nil
	}
	defer resp.Body.Close()

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.logger.Warn("web search returned malformed body", "error", err)
		return nil
	}
	if len(parsed.Results) > topK {
		parsed.Results = parsed.Results[:topK]
	}
	return parsed.Results
}
