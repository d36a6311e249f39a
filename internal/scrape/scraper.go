package scrape

import "context"

// Result holds the text of one fetched policy document.
type Result struct {
	URL        string
	Title      string
	Content    string
	StatusCode int
	Source     string // e.g. "jina", "local_http"
}

// Scraper fetches a single URL and returns its content.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Result, error)
	Name() string
	Supports(url string) bool
}
