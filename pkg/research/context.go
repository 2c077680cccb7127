package research

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Source labels where a context entry came from.
type Source string

const (
	SourceKB    Source = "kb"
	SourceWeb   Source = "web"
	SourceCrawl Source = "crawl"
)

// Entry is one gathered piece of research material.
type Entry struct {
	Source  Source
	Ref     string // URL for crawl entries, document source for kb
	Content string
}

func (e Entry) render() string {
	if e.Ref != "" {
		return fmt.Sprintf("[%s %s]\n%s", e.Source, e.Ref, e.Content)
	}
	return fmt.Sprintf("[%s]\n%s", e.Source, e.Content)
}

// Store accumulates research material across iterations. Entries are
// append-only; rendering decides how much of them to use.
type Store struct {
	mu      sync.Mutex
	entries []Entry
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Add(entry Entry) {
	if strings.TrimSpace(entry.Content) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Render joins every entry in arrival order.
func (s *Store) Render() string {
	s.mu.Lock()
	entries := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.render()
	}
	return strings.Join(parts, "\n\n")
}

// RecentURLs lists the URLs of the newest web entries, newest last, up to
// limit. URL generation feeds on these.
func (s *Store) RecentURLs(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var urls []string
	for _, e := range s.entries {
		if e.Source == SourceWeb && e.Ref != "" {
			urls = append(urls, e.Ref)
		}
	}
	if len(urls) > limit {
		urls = urls[len(urls)-limit:]
	}
	return urls
}

// RenderWithinTokens truncates from the start: the oldest whole entries
// are dropped until the estimate fits the token limit. Entries are never
// cut mid-text, and the newest entry always survives.
func (s *Store) RenderWithinTokens(limit int) string {
	s.mu.Lock()
	entries := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	rendered := make([]string, len(entries))
	tokens := make([]int, len(entries))
	total := 0
	for i, e := range entries {
		rendered[i] = e.render()
		tokens[i] = estimateTokens(rendered[i])
		total += tokens[i]
	}

	start := 0
	for start < len(entries)-1 && total > limit {
		total -= tokens[start]
		start++
	}
	return strings.Join(rendered[start:], "\n\n")
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimateTokens counts tokens with the cl100k_base encoding, falling
// back to a bytes/4 estimate if the encoding is unavailable.
func estimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}
