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

// CrawlResult is the extracted content of one page.
type CrawlResult struct {
	URL     string
	Content string
}

// CrawlClient fetches page content through the crawler service. Every URL
// gets its own deadline so one slow page cannot stall an iteration.
type CrawlClient struct {
	baseURL string
	timeout time.Duration
	http    *httpclient.Client
	logger  *slog.Logger
}

func NewCrawlClient(cfg *config.CrawlConfig, logger *slog.Logger) *CrawlClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	return &CrawlClient{
		baseURL: cfg.BaseURL,
		timeout: timeout,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout + 5*time.Second}),
			httpclient.WithMaxRetries(1),
		),
		logger: logger,
	}
}

type crawlRequest struct {
	URLs []string `json:"urls"`
}

type crawlResponse struct {
	Results []struct {
		URL      string `json:"url"`
		Markdown string `json:"markdown"`
		Success  bool   `json:"success"`
	} `json:"results"`
}

// Fetch crawls a single URL. Returns nil on any failure, including the
// per-URL deadline expiring.
func (c *CrawlClient) Fetch(ctx context.Context, url string) *CrawlResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(crawlRequest{URLs: []string{url}})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/crawl", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	usercontext.Apply(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.logger.Warn("crawl failed", "url", url, "error", err)
		return nil
	}
	defer resp.Body.Close()

	var parsed crawlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.logger.Warn("crawl returned malformed body", "url", url, "error", err)
		return nil
	}
	for _, r := range parsed.Results {
		if r.Success && r.Markdown != "" {
			return &CrawlResult{URL: url, Content: r.Markdown}
		}
	}
	c.logger.Debug("crawl produced no content", "url", url)
	return nil
}
