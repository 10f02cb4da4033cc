// Package scrape implements web content retrieval for agent runs: a
// DuckDuckGo HTML search per target query followed by paragraph extraction
// from each result page.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonathan/brandpulse/internal/executor"
	"github.com/jonathan/brandpulse/internal/types"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultUserAgent is the user agent string for HTTP requests.
const DefaultUserAgent = "Mozilla/5.0 (compatible; BrandPulse/1.0)"

const searchURL = "https://duckduckgo.com/html/?q="

// Error represents a failure fetching or parsing a URL.
type Error struct {
	URL        string
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("scrape error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("scrape error for %s: %s", e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures the scraper.
type Options struct {
	Timeout           time.Duration
	UserAgent         string
	MaxResultsPerTerm int
	MaxPages          int
	// UseBrowser enables headless-browser rendering for pages whose static
	// HTML yields too little text.
	UseBrowser bool
}

// DefaultOptions returns sensible defaults for scraping.
func DefaultOptions() *Options {
	return &Options{
		Timeout:           DefaultTimeout,
		UserAgent:         DefaultUserAgent,
		MaxResultsPerTerm: 3,
		MaxPages:          10,
	}
}

// Scraper searches and scrapes pages for a single target query.
type Scraper struct {
	client *http.Client
	opts   Options
}

// New creates a Scraper. A nil opts uses DefaultOptions.
func New(opts *Options) *Scraper {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxResultsPerTerm == 0 {
		opts.MaxResultsPerTerm = 3
	}
	if opts.MaxPages == 0 {
		opts.MaxPages = 10
	}
	return &Scraper{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   *opts,
	}
}

// Fetch searches for the target query and scrapes the result pages. Failures
// are classified so callers can distinguish retryable conditions from
// permanent ones.
func (s *Scraper) Fetch(ctx context.Context, target types.Target) ([]types.Page, error) {
	links, err := s.Search(ctx, target.Query)
	if err != nil {
		return nil, classify(err)
	}
	if len(links) == 0 {
		return nil, executor.Transient(fmt.Errorf("no search results for %q", target.Query))
	}

	var pages []types.Page
	for _, link := range links {
		if len(pages) >= s.opts.MaxPages {
			break
		}
		text, err := s.ScrapePage(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				return nil, classify(err)
			}
			log.Printf("skipping %s: %v", link, err)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, types.Page{
			URL:      link,
			Text:     text,
			TaskType: target.TaskType,
		})
	}

	if len(pages) == 0 {
		return nil, executor.Transient(fmt.Errorf("no pages scraped for %q", target.Query))
	}
	return pages, nil
}

// Search returns result links from DuckDuckGo for the query, skipping
// duckduckgo-internal links.
func (s *Scraper) Search(ctx context.Context, query string) ([]string, error) {
	html, err := s.get(ctx, searchURL+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	var links []string
	doc.Find("a.result__a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		if !strings.HasPrefix(href, "http") || strings.Contains(href, "duckduckgo.com") {
			return true
		}
		links = append(links, href)
		return len(links) < s.opts.MaxResultsPerTerm
	})
	return links, nil
}

// ScrapePage fetches a page and returns its paragraph text. Pages whose
// static HTML yields too little text are optionally re-rendered in a
// headless browser.
func (s *Scraper) ScrapePage(ctx context.Context, pageURL string) (string, error) {
	html, err := s.get(ctx, pageURL)
	if err != nil {
		return "", err
	}

	text, err := ExtractText(html)
	if err != nil {
		return "", &Error{URL: pageURL, Message: "failed to extract text", Cause: err}
	}

	if s.opts.UseBrowser && ShouldUseBrowser(text) {
		rendered, berr := RenderWithBrowser(ctx, pageURL, s.opts.Timeout)
		if berr != nil {
			log.Printf("browser fallback failed for %s: %v", pageURL, berr)
			return text, nil
		}
		if rtext, rerr := ExtractText(rendered); rerr == nil && len(rtext) > len(text) {
			return rtext, nil
		}
	}
	return text, nil
}

// ExtractText parses HTML and returns the joined paragraph text, falling
// back to the full document text when the page has no paragraphs.
func ExtractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("nav, footer, header, script, style, noscript").Remove()

	var paragraphs []string
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) > 0 {
		return strings.Join(paragraphs, "\n"), nil
	}
	return strings.TrimSpace(doc.Find("body").Text()), nil
}

func (s *Scraper) get(ctx context.Context, urlStr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", &Error{URL: urlStr, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &Error{URL: urlStr, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{URL: urlStr, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			URL:        urlStr,
			Message:    fmt.Sprintf("HTTP status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	return string(body), nil
}

// classify maps a scrape failure to a retry class. Client errors other than
// timeouts and rate limits are permanent; server errors, network failures,
// and timeouts are worth retrying.
func classify(err error) error {
	var serr *Error
	if errors.As(err, &serr) && serr.StatusCode != 0 {
		code := serr.StatusCode
		if code >= 400 && code < 500 &&
			code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return executor.Terminal(err)
		}
		return executor.Transient(err)
	}
	return executor.Transient(err)
}
