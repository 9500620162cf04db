package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

const maxExcerpt = 1200

// Enricher fetches the pages behind the top web results and attaches a
// readable excerpt of each. Fetch failures leave the result unchanged.
type Enricher struct {
	topN   int
	client *http.Client
	logger *zap.Logger
}

// NewEnricher creates an enricher for the first topN results.
func NewEnricher(topN int, timeout time.Duration, logger *zap.Logger) *Enricher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		topN: topN,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		logger: logger,
	}
}

// Enrich fills Excerpt for up to topN results concurrently.
func (e *Enricher) Enrich(ctx context.Context, results []tree.WebResult) []tree.WebResult {
	n := min(e.topN, len(results))
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := e.fetch(ctx, results[i].Link)
			if err != nil {
				e.logger.Debug("enrich fetch failed", zap.String("url", results[i].Link), zap.Error(err))
				return
			}
			results[i].Excerpt = excerpt(text)
		}(i)
	}
	wg.Wait()
	return results
}

func (e *Enricher) fetch(ctx context.Context, pageURL string) (string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "AICouncil/1.0 (research assistant)")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetching %s: %s", pageURL, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) <= 100 {
		return "", fmt.Errorf("no extractable content at %s", pageURL)
	}
	return text, nil
}

func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxExcerpt {
		return text
	}
	cut := strings.LastIndex(text[:maxExcerpt], " ")
	if cut <= 0 {
		cut = maxExcerpt
	}
	return text[:cut] + "…"
}

// EnrichedSearcher runs a search and enriches its results.
type EnrichedSearcher struct {
	Searcher
	enricher *Enricher
}

// WithEnrichment wraps s so that its top results carry page excerpts.
func WithEnrichment(s Searcher, e *Enricher) *EnrichedSearcher {
	return &EnrichedSearcher{Searcher: s, enricher: e}
}

func (s *EnrichedSearcher) Search(ctx context.Context, topic string) ([]tree.WebResult, error) {
	results, err := s.Searcher.Search(ctx, topic)
	if err != nil {
		return nil, err
	}
	return s.enricher.Enrich(ctx, results), nil
}
