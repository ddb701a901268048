// Package websearch searches the web and extracts readable page text.
// Clean Architecture: Adapter implementing ports.WebSearcher.
package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// DefaultEndpoint is the DuckDuckGo HTML-only search page.
const DefaultEndpoint = "https://html.duckduckgo.com/html/"

const userAgent = "Mozilla/5.0 (compatible; fgo-agent/1.0)"

// Config configures the searcher.
type Config struct {
	Endpoint    string
	Region      string // DuckDuckGo kl parameter, e.g. "cn-zh"
	MaxResults  int
	MaxChars    int // per extracted page
	Timeout     time.Duration
	FetchPages  bool
	Concurrency int
}

// DuckDuckGo implements ports.WebSearcher by scraping the HTML results page
// and fetching each hit.
type DuckDuckGo struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

var _ ports.WebSearcher = (*DuckDuckGo)(nil)

// New creates a DuckDuckGo searcher.
func New(cfg Config, logger zerolog.Logger) *DuckDuckGo {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 4000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &DuckDuckGo{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "websearch").Logger(),
	}
}

// Search returns up to MaxResults pages. Pages whose body cannot be fetched,
// or whose extracted text is shorter than the search snippet, keep the
// snippet as content.
func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]entities.WebPage, error) {
	pages, err := d.searchResults(ctx, query)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Str("query", query).Int("results", len(pages)).Msg("search finished")

	if !d.cfg.FetchPages || len(pages) == 0 {
		for i := range pages {
			pages[i].Content = pages[i].Snippet
		}
		return pages, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i := range pages {
		p := &pages[i]
		g.Go(func() error {
			text, err := d.extract(gctx, p.URL)
			if err != nil || utf8.RuneCountInString(text) < utf8.RuneCountInString(p.Snippet) {
				d.logger.Debug().Err(err).Str("url", p.URL).Msg("extraction failed, using snippet")
				p.Content = p.Snippet
				return nil
			}
			p.Content = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

func (d *DuckDuckGo) searchResults(ctx context.Context, query string) ([]entities.WebPage, error) {
	form := url.Values{"q": {query}}
	if d.cfg.Region != "" {
		form.Set("kl", d.cfg.Region)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing search results: %w", err)
	}
	return parseResults(doc, d.cfg.MaxResults), nil
}

func parseResults(doc *goquery.Document, limit int) []entities.WebPage {
	var pages []entities.WebPage
	doc.Find("div.result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find("a.result__a").First()
		title := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		target := resolveRedirect(href)
		if title == "" || target == "" {
			return true
		}
		pages = append(pages, entities.WebPage{
			Title:   title,
			URL:     target,
			Snippet: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
		})
		return len(pages) < limit
	})
	return pages
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return href
}

// extract fetches url and returns its main text, collapsed and truncated.
func (d *DuckDuckGo) extract(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	return truncate(mainText(doc), d.cfg.MaxChars), nil
}

// mainText strips page chrome and prefers article or main content.
func mainText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()

	for _, sel := range []string{"article", "main", "#mw-content-text", "body"} {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if text := collapse(s.Text()); text != "" {
			return text
		}
	}
	return collapse(doc.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
