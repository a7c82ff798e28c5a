// Package fetcher retrieves page content for ingestion.
//
// Two implementations exist: a plain HTTP fetcher built on colly and a
// headless-browser fetcher built on chromedp for pages that only render
// under JavaScript. Both reject non-2xx responses and empty bodies;
// those are terminal conditions for an ingestion run, not retry fodder.
package fetcher

import (
	"context"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrBadStatus is returned when the target answered with a non-2xx status.
	ErrBadStatus = errors.New("fetcher: non-success status")

	// ErrEmptyBody is returned when the target answered 2xx with no usable text.
	ErrEmptyBody = errors.New("fetcher: empty body")
)

// Page is the fetched, text-extracted content of a URL.
type Page struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Text       string `json:"text"`
}

// Fetcher retrieves the textual content of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// extractText pulls visible text out of an HTML document. Paragraph
// breaks survive as blank lines so the chunker's separator hierarchy
// still has structure to work with. Non-HTML input passes through.
func extractText(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return strings.TrimSpace(body)
	}
	doc.Find("script, style, noscript").Remove()
	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	return normalizeWhitespace(text)
}

// normalizeWhitespace trims every line and collapses runs of blank
// lines into a single paragraph break.
func normalizeWhitespace(text string) string {
	var b strings.Builder
	blank := true // swallow leading blank lines
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				b.WriteString("\n\n")
				blank = true
			}
			continue
		}
		if !blank {
			b.WriteString("\n")
		}
		b.WriteString(line)
		blank = false
	}
	return strings.TrimRight(b.String(), "\n")
}
