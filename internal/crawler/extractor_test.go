package crawler

import (
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title> Release Notes </title>
  <meta name="description" content="What changed in each release.">
  <meta property="og:image" content="https://example.com/banner.png">
</head>
<body>
  <nav><a href="/home">Home</a></nav>
  <h1>Release Notes</h1>
  <p>All notable changes are listed here.</p>
  <ul>
    <li>Added export endpoint</li>
    <li>Fixed pagination bug</li>
  </ul>
  <script>console.log("tracking")</script>
  <a href="/v2">Version 2</a>
  <a href="/v2#changes">Version 2 anchor</a>
  <a href="https://example.com/v1/">Version 1</a>
  <a href="https://other.example.org/v3">Elsewhere</a>
  <a href="mailto:team@example.com">Contact</a>
  <a href="javascript:void(0)">Noop</a>
  <footer>© Example</footer>
</body>
</html>`

func TestExtractPageMetadata(t *testing.T) {
	page, _, err := ExtractPage("https://example.com/releases", samplePage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if page.Title == nil || *page.Title != "Release Notes" {
		t.Errorf("title = %v, want Release Notes", page.Title)
	}
	if page.Description == nil || *page.Description != "What changed in each release." {
		t.Errorf("description = %v", page.Description)
	}
	if page.OGImage == nil || *page.OGImage != "https://example.com/banner.png" {
		t.Errorf("og image = %v", page.OGImage)
	}
}

func TestExtractPageMarkdown(t *testing.T) {
	page, _, err := ExtractPage("https://example.com/releases", samplePage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, want := range []string{
		"# Release Notes",
		"All notable changes are listed here.",
		"- Added export endpoint",
		"- Fixed pagination bug",
	} {
		if !strings.Contains(page.Markdown, want) {
			t.Errorf("markdown missing %q:\n%s", want, page.Markdown)
		}
	}
	for _, banned := range []string{"console.log", "Home", "© Example"} {
		if strings.Contains(page.Markdown, banned) {
			t.Errorf("markdown should strip %q:\n%s", banned, page.Markdown)
		}
	}
}

func TestExtractPageLinks(t *testing.T) {
	_, links, err := ExtractPage("https://example.com/releases", samplePage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := map[string]bool{
		"https://example.com/home": true,
		"https://example.com/v2":   true,
		"https://example.com/v1":   true,
	}
	if len(links) != len(want) {
		t.Fatalf("links = %v, want %d same-host links", links, len(want))
	}
	for _, l := range links {
		if !want[l] {
			t.Errorf("unexpected link %q", l)
		}
	}
}

func TestExtractPageDeterministic(t *testing.T) {
	first, _, err := ExtractPage("https://example.com/releases", samplePage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	second, _, err := ExtractPage("https://example.com/releases", samplePage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if first.Markdown != second.Markdown {
		t.Fatal("same HTML must render to the same markdown")
	}
}

func TestExtractPagePlainBodyFallback(t *testing.T) {
	page, _, err := ExtractPage("https://example.com/plain",
		`<html><body>just   some
		text</body></html>`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if page.Markdown != "just some text" {
		t.Fatalf("markdown = %q, want collapsed body text", page.Markdown)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/", "http://example.com/"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"https://example.com", "https://example.com/"},
		{"  https://example.com/a  ", "https://example.com/a"},
	}
	for _, c := range cases {
		got, err := NormalizeURL(c.in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeURLRejectsSchemes(t *testing.T) {
	for _, in := range []string{"ftp://example.com/file", "file:///etc/passwd", "/relative/only"} {
		if _, err := NormalizeURL(in); err == nil {
			t.Errorf("NormalizeURL(%q) should fail", in)
		}
	}
}

func TestSameHost(t *testing.T) {
	if !SameHost("https://example.com/a", "http://EXAMPLE.com/b") {
		t.Error("hosts differing only in case and scheme are the same host")
	}
	if SameHost("https://example.com/a", "https://sub.example.com/a") {
		t.Error("a subdomain is a different host")
	}
}

func TestResolveLink(t *testing.T) {
	got, err := ResolveLink("https://example.com/docs/intro", "../api")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "https://example.com/api" {
		t.Fatalf("resolved = %q, want https://example.com/api", got)
	}
}
