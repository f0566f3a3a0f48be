package crawler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/user/sitewatch/internal/domain"
)

// RenderedFetcher captures pages through headless Chrome so client-rendered
// content is visible to the diff engine.
type RenderedFetcher struct {
	timeout time.Duration
	ctxPool sync.Pool
}

func NewRenderedFetcher(timeout time.Duration) *RenderedFetcher {
	f := &RenderedFetcher{timeout: timeout}
	f.ctxPool.New = func() interface{} {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(randomUserAgent()),
		)
		allocCtx, _ := chromedp.NewExecAllocator(context.Background(), opts...)
		return allocCtx
	}
	return f
}

func (f *RenderedFetcher) render(ctx context.Context, url string) (string, error) {
	allocCtx := f.ctxPool.Get().(context.Context)
	defer f.ctxPool.Put(allocCtx)

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, f.timeout)
	defer cancelTimeout()

	// Honor the caller's deadline as well as the per-page one.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	var htmlContent string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitVisible("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &htmlContent),
	)
	if err != nil {
		return "", fmt.Errorf("%w: render %s: %v", domain.ErrFetch, url, err)
	}
	return htmlContent, nil
}

func (f *RenderedFetcher) Fetch(ctx context.Context, url string) (*domain.Page, error) {
	page, _, err := f.Discover(ctx, url)
	return page, err
}

func (f *RenderedFetcher) Discover(ctx context.Context, url string) (*domain.Page, []string, error) {
	html, err := f.render(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	page, links, err := ExtractPage(url, html)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse %s: %v", domain.ErrFetch, url, err)
	}
	return page, links, nil
}
