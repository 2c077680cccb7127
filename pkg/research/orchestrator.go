// Package research runs the multi-iteration research loop: a seed web
// search, then per-iteration query generation with duplicate suppression,
// knowledge-base retrieval, selective crawling, and web search, ending in
// a synthesis call streamed to the client. A context-window overflow
// restarts the loop once with fewer iterations; a second overflow falls
// back to best-effort synthesis on truncated material.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/robaikg/gateway/pkg/clients"
	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/llm"
	"github.com/robaikg/gateway/pkg/protocol"
	"github.com/robaikg/gateway/pkg/sse"
)

// LM is the slice of the backend client the orchestrator needs.
type LM interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*llm.ChatResult, error)
	ChatStream(ctx context.Context, req protocol.ChatRequest, fn func(llm.StreamChunk)) error
	Model(requestModel string) string
}

// Retriever searches the knowledge base.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) []clients.Chunk
}

// WebSearcher searches the web.
type WebSearcher interface {
	Search(ctx context.Context, query string, topK int) []clients.SearchResult
}

// Crawler fetches one page.
type Crawler interface {
	Fetch(ctx context.Context, url string) *clients.CrawlResult
}

// ToolRunner drives tool-assisted synthesis under a point budget. It owns
// terminating the stream.
type ToolRunner interface {
	Run(ctx context.Context, req protocol.ChatRequest, budget int, sink sse.Sink) error
}

// Orchestrator drives the research loop.
type Orchestrator struct {
	lm         LM
	retrieval  Retriever
	web        WebSearcher
	crawler    Crawler
	runner     ToolRunner
	toolBudget int
	cfg        config.ResearchConfig
	logger     *slog.Logger
}

// New builds the orchestrator. A nil runner (or a zero research tool
// budget) makes synthesis a plain streamed completion; otherwise the
// synthesis turn may consult tools, spending from the research budget.
func New(lm LM, retrieval Retriever, web WebSearcher, crawler Crawler, runner ToolRunner, cfg config.ResearchConfig, budgets config.BudgetConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		lm:         lm,
		retrieval:  retrieval,
		web:        web,
		crawler:    crawler,
		runner:     runner,
		toolBudget: budgets.ResearchToolBudget,
		cfg:        cfg,
		logger:     logger,
	}
}

// run is the per-request state: gathered material, query history, and
// crawled URLs all survive an overflow restart.
type run struct {
	topic   string
	store   *Store
	queries []string
	crawled map[string]bool
}

// Run gathers material and streams the synthesized answer to the sink.
// deep doubles the iteration count.
func (o *Orchestrator) Run(ctx context.Context, req protocol.ChatRequest, deep bool, sink sse.Sink) error {
	iterations := o.cfg.StandardIterations
	if deep {
		iterations = o.cfg.DeepIterations
	}

	r := &run{
		topic:   lastUserText(req.Messages),
		store:   NewStore(),
		crawled: make(map[string]bool),
	}
	r.queries = []string{r.topic}

	// Unconditional seed with the raw user query before iteration 0.
	sink.Status("Searching the web...", false, false)
	for _, result := range o.web.Search(ctx, r.topic, o.cfg.SeedTopK) {
		r.store.Add(Entry{Source: SourceWeb, Ref: result.URL, Content: result.Title + "\n" + result.Content})
	}

	err := o.runLoop(ctx, r, iterations, sink)
	if llm.IsContextLength(err) {
		reduced := iterations - o.cfg.RetryDegradeStep
		if reduced < 2 {
			reduced = 2
		}
		sink.Status("Context overflow; restarting with fewer iterations", false, false)
		o.logger.Info("research loop overflowed context, restarting", "iterations", reduced)
		err = o.runLoop(ctx, r, reduced, sink)
	}
	if err != nil && !llm.IsContextLength(err) {
		return err
	}
	truncate := llm.IsContextLength(err)

	sink.Status("done", true, true)
	return o.synthesize(ctx, req, r.store, truncate, sink)
}

// runLoop executes the iteration protocol. It returns a context-length
// backend error as-is so the caller can restart, and swallows nothing
// else silently: auxiliary failures already yield empty results at the
// client layer.
func (o *Orchestrator) runLoop(ctx context.Context, r *run, iterations int, sink sse.Sink) error {
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		turn := i + 1

		sink.Status(fmt.Sprintf("Turn %d: Generating search query...", turn), false, false)
		query, err := o.generateQuery(ctx, r, i)
		if err != nil {
			return err
		}
		r.queries = append(r.queries, query)

		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Status(fmt.Sprintf("Turn %d: Searching knowledge base...", turn), false, false)
		for _, chunk := range o.retrieval.Search(ctx, query, o.cfg.KBTopK) {
			r.store.Add(Entry{Source: SourceKB, Ref: chunk.Source, Content: chunk.Content})
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Status(fmt.Sprintf("Turn %d: Selecting pages to read...", turn), false, false)
		urls, err := o.generateURLs(ctx, r, query)
		if err != nil {
			return err
		}

		if len(urls) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			sink.Status(fmt.Sprintf("Turn %d: Reading %d pages...", turn, len(urls)), false, false)
			o.crawlAll(ctx, urls, r)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Status(fmt.Sprintf("Turn %d: Searching the web...", turn), false, false)
		for _, result := range o.web.Search(ctx, query, o.cfg.WebTopK) {
			r.store.Add(Entry{Source: SourceWeb, Ref: result.URL, Content: result.Title + "\n" + result.Content})
		}
	}
	return nil
}

// generateQuery asks the model for the next search query. A near
// duplicate of an earlier query is rejected once; the second proposal is
// accepted regardless. Non-overflow failures fall back to the topic so
// the iteration still gathers something.
func (o *Orchestrator) generateQuery(ctx context.Context, r *run, iteration int) (string, error) {
	focus := iterationFocus(iteration)

	query, err := o.askForQuery(ctx, queryPrompt(r.topic, focus, r.queries))
	if err != nil {
		if llm.IsContextLength(err) {
			return "", err
		}
		o.logger.Warn("query generation failed, using topic", "error", err)
		return r.topic, nil
	}

	if isDuplicate(query, r.queries, o.cfg.DuplicateQueryThreshold) {
		retried, err := o.askForQuery(ctx, retryQueryPrompt(r.topic, focus, r.queries))
		if err != nil {
			if llm.IsContextLength(err) {
				return "", err
			}
			return query, nil
		}
		return retried, nil
	}
	return query, nil
}

func (o *Orchestrator) askForQuery(ctx context.Context, prompt string) (string, error) {
	result, err := o.lm.Chat(ctx, protocol.ChatRequest{
		Model: o.lm.Model(""),
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: protocol.TextContent(prompt)},
		},
	})
	if err != nil {
		return "", err
	}
	query := strings.TrimSpace(strings.Trim(result.Content, `"`))
	if query == "" {
		return "", fmt.Errorf("empty query generated")
	}
	return query, nil
}

// generateURLs asks the model which pages to read in full, fed with the
// URLs the research has already surfaced. Already-crawled URLs are
// dropped. Non-overflow failures skip the crawl step for this iteration.
func (o *Orchestrator) generateURLs(ctx context.Context, r *run, query string) ([]string, error) {
	limit := o.cfg.CrawlURLsPerIteration

	result, err := o.lm.Chat(ctx, protocol.ChatRequest{
		Model: o.lm.Model(""),
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: protocol.TextContent(
				urlPrompt(query, limit, r.store.RecentURLs(2*limit)),
			)},
		},
	})
	if err != nil {
		if llm.IsContextLength(err) {
			return nil, err
		}
		o.logger.Debug("url generation failed, skipping crawl", "error", err)
		return nil, nil
	}

	var urls []string
	for _, line := range strings.Split(result.Content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if strings.HasPrefix(line, "http") && !r.crawled[line] && len(urls) < limit {
			urls = append(urls, line)
		}
	}
	return urls, nil
}

// crawlAll fetches the selected pages in parallel and records every URL
// as attempted, successful or not, so it is never retried.
func (o *Orchestrator) crawlAll(ctx context.Context, urls []string, r *run) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.CrawlURLsPerIteration)

	for _, url := range urls {
		r.crawled[url] = true
		url := url
		g.Go(func() error {
			if result := o.crawler.Fetch(gctx, url); result != nil {
				r.store.Add(Entry{Source: SourceCrawl, Ref: url, Content: result.Content})
			}
			return nil
		})
	}
	g.Wait()
}

// synthesize streams the final answer. When truncate is set, or when the
// full material still overflows, whole oldest entries are dropped to fit
// the token limit and the model is told the material is incomplete.
func (o *Orchestrator) synthesize(ctx context.Context, req protocol.ChatRequest, store *Store, truncate bool, sink sse.Sink) error {
	if !truncate {
		err := o.streamSynthesis(ctx, req, store.Render(), sink)
		if !llm.IsContextLength(err) {
			return err
		}
		o.logger.Warn("synthesis overflowed context, truncating material", "limit", o.cfg.SynthesisTokenLimit)
	}

	material := store.RenderWithinTokens(o.cfg.SynthesisTokenLimit) + truncationNotice
	return o.streamSynthesis(ctx, req, material, sink)
}

// streamSynthesis emits the answer and terminates the stream. With a tool
// runner configured the model may spend the research tool budget on MCP
// calls while answering; the runner finishes the stream itself.
func (o *Orchestrator) streamSynthesis(ctx context.Context, req protocol.ChatRequest, material string, sink sse.Sink) error {
	messages := append([]protocol.Message{
		{Role: protocol.RoleSystem, Content: protocol.TextContent(synthesisPrompt(material))},
	}, req.Messages...)

	synthReq := req
	synthReq.Model = o.lm.Model(req.Model)
	synthReq.Messages = messages

	if o.runner != nil && o.toolBudget > 0 {
		return o.runner.Run(ctx, synthReq, o.toolBudget, sink)
	}

	synthReq.Tools = nil
	err := o.lm.ChatStream(ctx, synthReq, func(chunk llm.StreamChunk) {
		if chunk.Type == "text" {
			sink.Delta(chunk.Text)
		}
	})
	if err != nil {
		return err
	}
	sink.Finish("stop")
	return nil
}

func lastUserText(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			return messages[i].Content.AsText()
		}
	}
	return ""
}
