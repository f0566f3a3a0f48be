package crawler

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/user/sitewatch/internal/domain"
)

// Fetcher is the content-fetching capability consumed by the orchestrator.
// Fetch captures a single page; Discover additionally returns the same-host
// links found on it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*domain.Page, error)
	Discover(ctx context.Context, url string) (*domain.Page, []string, error)
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

func randomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// HTTPFetcher fetches pages with a retrying HTTP client and parses them
// statically. The default backend; sites needing a JS runtime use the
// rendered fetcher instead.
type HTTPFetcher struct {
	client  *retryablehttp.Client
	maxBody int64
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return &HTTPFetcher{client: client, maxBody: 10 << 20}
}

func (f *HTTPFetcher) fetchHTML(ctx context.Context, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrFetch, err)
	}
	req.Header.Set("User-Agent", randomUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: %s returned status %d", domain.ErrFetch, url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", domain.ErrFetch, err)
	}
	return string(body), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*domain.Page, error) {
	page, _, err := f.Discover(ctx, url)
	return page, err
}

func (f *HTTPFetcher) Discover(ctx context.Context, url string) (*domain.Page, []string, error) {
	html, err := f.fetchHTML(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	page, links, err := ExtractPage(url, html)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse %s: %v", domain.ErrFetch, url, err)
	}
	return page, links, nil
}
