package crawler

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/sitewatch/internal/domain"
)

// ExtractPage parses HTML content into a page capture plus the absolute
// same-host links it references.
func ExtractPage(pageURL, htmlContent string) (*domain.Page, []string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, nil, err
	}

	page := &domain.Page{
		URL:       pageURL,
		FetchedAt: time.Now().UTC(),
	}

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		page.Title = &title
	}
	doc.Find("meta").Each(func(i int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		if content == "" {
			return
		}
		switch {
		case name == "description" && page.Description == nil:
			page.Description = &content
		case property == "og:image" && page.OGImage == nil:
			page.OGImage = &content
		}
	})

	// Collect same-host links before the body is stripped down.
	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			return
		}
		abs, err := ResolveLink(pageURL, href)
		if err != nil || !SameHost(pageURL, abs) {
			return
		}
		norm, err := NormalizeURL(abs)
		if err != nil || seen[norm] {
			return
		}
		seen[norm] = true
		links = append(links, norm)
	})

	doc.Find("script, style, noscript, nav, footer").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	page.Markdown = renderMarkdown(doc)

	return page, links, nil
}

// renderMarkdown walks the block elements of the document body and emits a
// plain markdown rendition: headings, paragraphs, and list items. The exact
// fidelity does not matter to the pipeline; what matters is that the same
// page renders to the same text on every capture.
func renderMarkdown(doc *goquery.Document) string {
	var b strings.Builder
	doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(collapseSpace(s.Text()))
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1":
			b.WriteString("# " + text + "\n\n")
		case "h2":
			b.WriteString("## " + text + "\n\n")
		case "h3":
			b.WriteString("### " + text + "\n\n")
		case "h4", "h5", "h6":
			b.WriteString("#### " + text + "\n\n")
		case "li":
			b.WriteString("- " + text + "\n")
		case "pre":
			b.WriteString("```\n" + strings.TrimSpace(s.Text()) + "\n```\n\n")
		case "blockquote":
			b.WriteString("> " + text + "\n\n")
		default:
			b.WriteString(text + "\n\n")
		}
	})
	out := strings.TrimSpace(b.String())
	if out == "" {
		// Fall back to the raw body text for pages without block structure.
		out = strings.TrimSpace(collapseSpace(doc.Find("body").Text()))
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
