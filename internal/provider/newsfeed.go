package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// FeedSearcher searches the web through an RSS/Atom search feed such as
// Google News. The query is substituted into the URL template.
type FeedSearcher struct {
	template   string
	maxResults int
	parser     *gofeed.Parser
}

// NewFeedSearcher creates a feed searcher. template must contain one %s.
func NewFeedSearcher(template string, maxResults int) (*FeedSearcher, error) {
	if strings.Count(template, "%s") != 1 {
		return nil, fmt.Errorf("feed url template %q must contain exactly one %%s", template)
	}
	if maxResults <= 0 {
		maxResults = 8
	}
	parser := gofeed.NewParser()
	parser.UserAgent = "AICouncil/1.0 (research assistant)"
	return &FeedSearcher{template: template, maxResults: maxResults, parser: parser}, nil
}

func (f *FeedSearcher) Search(ctx context.Context, topic string) ([]tree.WebResult, error) {
	feedURL := fmt.Sprintf(f.template, url.QueryEscape(topic))
	feed, err := f.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing search feed: %w", err)
	}

	var results []tree.WebResult
	for _, item := range feed.Items {
		if len(results) >= f.maxResults {
			break
		}
		if r := parseItem(item); r != nil {
			results = append(results, *r)
		}
	}
	return results, nil
}

func parseItem(item *gofeed.Item) *tree.WebResult {
	link := item.Link
	if link == "" {
		link = item.GUID
	}
	if link == "" {
		return nil
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil
	}

	var snippet string
	if item.Description != "" {
		snippet = stripHTML(item.Description)
	} else if item.Content != "" {
		snippet = stripHTML(item.Content)
	}

	source := extractSourceName(link)
	if item.Author != nil && item.Author.Name != "" {
		source = item.Author.Name
	}

	return &tree.WebResult{
		Title:   title,
		Link:    link,
		Snippet: snippet,
		Source:  source,
	}
}

func stripHTML(text string) string {
	// Simple HTML tag removal
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	s = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	).Replace(s)

	return strings.Join(strings.Fields(s), " ")
}

func extractSourceName(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds.", "news."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	if name == "" {
		return host
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
