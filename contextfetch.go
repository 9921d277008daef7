package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// HTTP timeout for each fetch
	FetchTimeout = 30 * time.Second

	// FetchMaxContentLength caps imported page text so one URL cannot
	// dominate a business context
	FetchMaxContentLength = 20000
)

// PageContent is the readable text extracted from a fetched web page
type PageContent struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	FetchedAt time.Time `json:"fetched_at"`
}

var whitespacePattern = regexp.MustCompile(`[ \t]+`)
var blankLinesPattern = regexp.MustCompile(`\n{3,}`)

// FetchURLContent downloads a page and extracts its readable text.
// Script, style, and navigation chrome are stripped before extraction.
func FetchURLContent(ctx context.Context, rawURL string) (*PageContent, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers to mimic a browser
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	client := &http.Client{
		Timeout: FetchTimeout,
	}

	// One retry for transient network failures
	var resp *http.Response
	maxRetries := 2
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err = client.Do(req)
		if err == nil {
			break
		}
		if attempt < maxRetries-1 {
			log.Printf("Fetch attempt %d for %s failed, retrying in 2s: %v", attempt+1, rawURL, err)
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s after %d attempts: %w", rawURL, maxRetries, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, rawURL)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	return extractPageContent(doc, rawURL), nil
}

// extractPageContent pulls the title and readable text from a parsed page
func extractPageContent(doc *goquery.Document, pageURL string) *PageContent {
	title := strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, noscript, nav, header, footer, iframe, svg").Remove()

	// Prefer the main content region when the page marks one
	region := doc.Find("main, article, [role='main']").First()
	if region.Length() == 0 {
		region = doc.Find("body").First()
	}

	text := region.Text()
	text = whitespacePattern.ReplaceAllString(text, " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	text = strings.Join(lines, "\n")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	if len(text) > FetchMaxContentLength {
		text = text[:FetchMaxContentLength] + "\n\n[content truncated]"
	}

	return &PageContent{
		URL:       pageURL,
		Title:     title,
		Text:      text,
		FetchedAt: time.Now(),
	}
}

// ImportURLIntoContext fetches a page and appends its text to a business's
// context file as a dated reference section
func ImportURLIntoContext(ctx context.Context, businessID string, rawURL string) (*PageContent, error) {
	page, err := FetchURLContent(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if page.Text == "" {
		return nil, fmt.Errorf("no readable content found at %s", rawURL)
	}

	heading := page.Title
	if heading == "" {
		heading = page.URL
	}

	section := fmt.Sprintf("\n\n## Imported: %s\n\nSource: %s (fetched %s)\n\n%s\n",
		heading, page.URL, page.FetchedAt.Format("2006-01-02"), page.Text)

	if err := AppendToBusinessContext(businessID, section); err != nil {
		return nil, err
	}

	log.Printf("Imported %d chars from %s into business %s", len(page.Text), page.URL, businessID)
	return page, nil
}
