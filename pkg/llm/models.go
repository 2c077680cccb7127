package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ModelList mirrors the backend's GET /v1/models payload.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ListModels fetches the backend model list once.
func (c *Client) ListModels(ctx context.Context) (*ModelList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, body)
	}
	if err != nil {
		return nil, &BackendError{Kind: KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &BackendError{Kind: KindUnavailable, Message: err.Error()}
	}
	return &list, nil
}

// ModelCache keeps the last successful model list. A background poller
// refreshes it aggressively until the first success, then settles into a
// steady interval.
type ModelCache struct {
	client    *Client
	bootstrap time.Duration
	steady    time.Duration
	cached    atomic.Pointer[ModelList]
}

func NewModelCache(client *Client, bootstrap, steady time.Duration) *ModelCache {
	return &ModelCache{client: client, bootstrap: bootstrap, steady: steady}
}

// Get returns the cached list, or an empty list before the first success.
func (m *ModelCache) Get() *ModelList {
	if list := m.cached.Load(); list != nil {
		return list
	}
	return &ModelList{Object: "list", Data: []ModelInfo{}}
}

// Ready reports whether at least one poll has succeeded.
func (m *ModelCache) Ready() bool {
	return m.cached.Load() != nil
}

// Run polls until ctx is cancelled.
func (m *ModelCache) Run(ctx context.Context) {
	interval := m.bootstrap
	for {
		list, err := m.client.ListModels(ctx)
		if err == nil {
			m.cached.Store(list)
			if interval != m.steady {
				slog.Info("model list available", "models", len(list.Data))
				interval = m.steady
			}
		} else if ctx.Err() == nil {
			slog.Debug("model poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
