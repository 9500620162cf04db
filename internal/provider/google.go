package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// GoogleSearcher queries a Google Programmable Search Engine.
type GoogleSearcher struct {
	svc      *customsearch.Service
	engineID string
	results  int64
}

// NewGoogleSearcher creates a searcher. Extra client options (such as an
// endpoint override) are passed through to the API client.
func NewGoogleSearcher(ctx context.Context, apiKey, engineID string, results int, opts ...option.ClientOption) (*GoogleSearcher, error) {
	if apiKey == "" || engineID == "" {
		return nil, fmt.Errorf("google search needs an API key and an engine ID")
	}
	if results <= 0 || results > 10 {
		results = 10
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating custom search client: %w", err)
	}
	return &GoogleSearcher{svc: svc, engineID: engineID, results: int64(results)}, nil
}

func (g *GoogleSearcher) Search(ctx context.Context, topic string) ([]tree.WebResult, error) {
	resp, err := g.svc.Cse.List().Cx(g.engineID).Q(topic).Num(g.results).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("custom search: %w", err)
	}

	results := make([]tree.WebResult, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Link == "" {
			continue
		}
		results = append(results, tree.WebResult{
			Title:   strings.TrimSpace(item.Title),
			Link:    item.Link,
			Snippet: strings.TrimSpace(item.Snippet),
			Source:  displayHost(item.DisplayLink, item.Link),
		})
	}
	return results, nil
}

func displayHost(display, link string) string {
	if display != "" {
		return strings.TrimPrefix(display, "www.")
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
