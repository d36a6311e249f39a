// Package fetcher retrieves policy documents over HTTP and parses the
// spreadsheet and CSV formats some sources publish.
package fetcher

import (
	"context"
	"strings"
)

// Page is a fetched document with its body decoded to UTF-8.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsSpreadsheet reports whether the page is an XLSX workbook.
func (p *Page) IsSpreadsheet() bool {
	return strings.Contains(p.ContentType, "spreadsheetml") ||
		strings.HasSuffix(strings.ToLower(p.URL), ".xlsx")
}

// Fetcher retrieves a single document. Implementations make exactly one
// attempt; retries are the caller's concern.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}
