package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const searchFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>search results</title>
  <item>
    <title>Grid storage hits record</title>
    <link>https://www.reuters.com/energy/grid-storage</link>
    <description>&lt;p&gt;Battery &lt;b&gt;installations&lt;/b&gt; doubled.&lt;/p&gt;</description>
  </item>
  <item>
    <title></title>
    <link>https://example.com/untitled</link>
  </item>
  <item>
    <title>Second story</title>
    <link>https://news.example.org/second</link>
  </item>
  <item>
    <title>Third story</title>
    <link>https://example.net/third</link>
  </item>
</channel>
</rss>`

func TestFeedSearcherSearch(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(searchFeed))
	}))
	defer srv.Close()

	f, err := NewFeedSearcher(srv.URL+"/rss?q=%s", 2)
	if err != nil {
		t.Fatalf("NewFeedSearcher: %v", err)
	}
	results, err := f.Search(context.Background(), "grid storage")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if query != "grid storage" {
		t.Errorf("expected escaped query to round-trip, got %q", query)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (max), got %d", len(results))
	}
	first := results[0]
	if first.Source != "Reuters" {
		t.Errorf("expected source Reuters, got %q", first.Source)
	}
	if first.Snippet != "Battery installations doubled." {
		t.Errorf("unexpected snippet %q", first.Snippet)
	}
	if results[1].Title != "Second story" {
		t.Errorf("untitled item should be skipped, got %q", results[1].Title)
	}
}

func TestNewFeedSearcherRejectsBadTemplate(t *testing.T) {
	if _, err := NewFeedSearcher("https://example.com/rss", 5); err == nil {
		t.Error("expected error for template without placeholder")
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<p>Hello <b>world</b></p>", "Hello world"},
		{"Tom &amp; Jerry", "Tom & Jerry"},
		{"plain", "plain"},
		{"  spaced\n\tout  ", "spaced out"},
	}
	for _, tt := range tests {
		if got := stripHTML(tt.in); got != tt.want {
			t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractSourceName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.reuters.com/a", "Reuters"},
		{"https://blog.golang.org/x", "Golang"},
		{"https://localhost/x", "Localhost"},
		{"not a url", ""},
	}
	for _, tt := range tests {
		if got := extractSourceName(tt.in); got != tt.want {
			t.Errorf("extractSourceName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
