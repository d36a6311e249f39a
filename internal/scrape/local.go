package scrape

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/policy-engine/internal/fetcher"
)

// LocalScraper fetches pages directly, detects blocks, and converts HTML
// to plain text. Spreadsheet preferred drug lists are rendered row by row.
type LocalScraper struct {
	fetcher fetcher.Fetcher
}

// NewLocalScraper creates a LocalScraper on top of f.
func NewLocalScraper(f fetcher.Fetcher) *LocalScraper {
	return &LocalScraper{fetcher: f}
}

func (l *LocalScraper) Name() string           { return "local_http" }
func (l *LocalScraper) Supports(_ string) bool { return true }

// Scrape fetches a URL, detects blocks, strips HTML to plaintext.
func (l *LocalScraper) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	page, err := l.fetcher.Fetch(ctx, targetURL)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: fetch")
	}

	if page.IsSpreadsheet() {
		header, rows, err := fetcher.ReadPDLWorkbook(page.Body, fetcher.XLSXOptions{})
		if err != nil {
			return nil, eris.Wrap(err, "local_http: parse workbook")
		}
		return &Result{
			URL:        targetURL,
			Content:    fetcher.RowsToText(header, rows),
			StatusCode: page.StatusCode,
			Source:     "local_xlsx",
		}, nil
	}

	if blocked, blockType := DetectBlock(page.Body); blocked {
		return nil, eris.Errorf("local_http: blocked (%s)", blockType)
	}

	if len(page.Body) < 100 {
		return nil, eris.New("local_http: empty page")
	}

	return &Result{
		URL:        targetURL,
		Title:      extractTitle(page.Body),
		Content:    stripHTML(string(page.Body)),
		StatusCode: page.StatusCode,
		Source:     "local_http",
	}, nil
}

var (
	titleRe = regexp.MustCompile(`(?i)<title[^>]*>(.*?)</title>`)
	blockRe = map[string]*regexp.Regexp{}
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`[ \t]+`)
	nlRe    = regexp.MustCompile(`\n{3,}`)
)

func init() {
	for _, tag := range []string{"script", "style", "nav", "footer", "header"} {
		blockRe[tag] = regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
	}
}

// extractTitle pulls the <title> from HTML.
func extractTitle(body []byte) string {
	m := titleRe.FindSubmatch(body)
	if len(m) > 1 {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

// stripHTML removes page chrome, strips tags, decodes entities, and
// collapses whitespace.
func stripHTML(html string) string {
	for _, re := range blockRe {
		html = re.ReplaceAllString(html, "")
	}

	html = tagRe.ReplaceAllString(html, " ")

	r := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&ge;", "≥",
		"&le;", "≤",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	html = r.Replace(html)

	html = spaceRe.ReplaceAllString(html, " ")
	html = nlRe.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
