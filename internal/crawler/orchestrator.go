package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/sitewatch/internal/diff"
	"github.com/user/sitewatch/internal/domain"
	"github.com/user/sitewatch/internal/monitoring"
)

// Store is the slice of persistence the orchestrator needs.
type Store interface {
	CreateSession(ctx context.Context, cs *domain.CrawlSession) error
	FinalizeSession(ctx context.Context, cs *domain.CrawlSession) error
	CreateScrapeResult(ctx context.Context, r *domain.ScrapeResult) error
	FinalizeScrapeResult(ctx context.Context, r *domain.ScrapeResult) error
	LatestResultForURL(ctx context.Context, websiteID, url string) (*domain.ScrapeResult, error)
	TrackedURLs(ctx context.Context, websiteID string) ([]string, error)
	UpdateWebsiteAfterCheck(ctx context.Context, id string, checkedAt time.Time, crawlAt *time.Time, totalPages *int) error
	SettingsForUser(ctx context.Context, userID string) (*domain.UserSettings, error)
}

// HashCache holds the content hash of each page's latest capture so an
// unchanged page can be classified without running the normalizer chain.
type HashCache interface {
	GetContentHash(ctx context.Context, websiteID, url string) (string, error)
	SetContentHash(ctx context.Context, websiteID, url, hash string, ttl time.Duration) error
}

// Scorer judges whether a diff represents a meaningful change.
type Scorer interface {
	Score(ctx context.Context, d *domain.DiffPayload, settings *domain.UserSettings) (*domain.AIAnalysis, error)
}

// Notifier consumes qualifying persisted results.
type Notifier interface {
	Dispatch(ctx context.Context, site *domain.Website, settings *domain.UserSettings, res *domain.ScrapeResult) error
}

// Limits bounds a full-site crawl when the website record leaves them unset.
type Limits struct {
	DefaultCrawlLimit int
	DefaultCrawlDepth int
	HashTTL           time.Duration
}

// Orchestrator drives one website check end to end: session bookkeeping,
// page fetches, diffing, scoring, and notification hand-off.
type Orchestrator struct {
	store    Store
	cache    HashCache
	fetcher  Fetcher
	differ   *diff.Engine
	scorer   Scorer
	notifier Notifier
	limits   Limits
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

func NewOrchestrator(store Store, cache HashCache, fetcher Fetcher, differ *diff.Engine, scorer Scorer, notifier Notifier, limits Limits, m *monitoring.Metrics, l *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		cache:    cache,
		fetcher:  fetcher,
		differ:   differ,
		scorer:   scorer,
		notifier: notifier,
		limits:   limits,
		metrics:  m,
		logger:   l,
	}
}

type sessionCounts struct {
	found   int
	changed int
	added   int
	removed int
	failed  int
}

// Check runs one crawl session for the website. The session is created in
// running state before any fetch and finalized exactly once. Per-page
// failures are counted but never abort the session; only a completely
// unreachable origin or a persistence failure marks it failed.
func (o *Orchestrator) Check(ctx context.Context, site *domain.Website) error {
	jobID := uuid.NewString()
	session := &domain.CrawlSession{
		WebsiteID: site.ID,
		UserID:    site.UserID,
		StartedAt: time.Now().UTC(),
		Status:    domain.CrawlStatusRunning,
		JobID:     &jobID,
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		o.metrics.IncErrorsTotal("db_save_failed")
		return fmt.Errorf("create crawl session for %s: %w", site.URL, err)
	}

	settings, err := o.store.SettingsForUser(ctx, site.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		settings = domain.DefaultSettings(site.UserID)
	} else if err != nil {
		return o.failSession(site, session, err)
	}

	var counts sessionCounts
	switch site.MonitorType {
	case domain.MonitorFullSite:
		err = o.crawlSite(ctx, site, settings, &counts)
	default:
		err = o.checkSinglePage(ctx, site, settings, &counts)
	}
	if err != nil {
		return o.failSession(site, session, err)
	}

	session.Status = domain.CrawlStatusCompleted
	now := time.Now().UTC()
	session.CompletedAt = &now
	session.PagesFound = counts.found
	session.PagesChanged = counts.changed
	session.PagesAdded = counts.added
	session.PagesRemoved = counts.removed
	if err := o.store.FinalizeSession(ctx, session); err != nil {
		o.metrics.IncErrorsTotal("db_save_failed")
		return fmt.Errorf("finalize session %s: %w", session.ID, err)
	}

	var crawlAt *time.Time
	var totalPages *int
	if site.MonitorType == domain.MonitorFullSite {
		crawlAt = &now
		totalPages = &counts.found
	}
	if err := o.store.UpdateWebsiteAfterCheck(ctx, site.ID, now, crawlAt, totalPages); err != nil {
		o.logger.Error("failed to stamp website after check",
			zap.String("website", site.URL), zap.Error(err))
	}

	o.metrics.IncCheck("completed")
	o.logger.Info("check completed",
		zap.String("website", site.URL),
		zap.Int("pages_found", counts.found),
		zap.Int("pages_changed", counts.changed),
		zap.Int("pages_failed", counts.failed))
	return nil
}

// failSession marks the session failed with the error message and stamps
// lastChecked so the website is not immediately re-admitted. Partial results
// already persisted are kept.
func (o *Orchestrator) failSession(site *domain.Website, session *domain.CrawlSession, cause error) error {
	msg := cause.Error()
	now := time.Now().UTC()
	session.Status = domain.CrawlStatusFailed
	session.CompletedAt = &now
	session.Error = &msg

	// Finalize on a fresh context: the check's own context may already be
	// cancelled, and a failed session must never be left running.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.FinalizeSession(ctx, session); err != nil {
		o.metrics.IncErrorsTotal("db_save_failed")
		o.logger.Error("failed to finalize failed session",
			zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := o.store.UpdateWebsiteAfterCheck(ctx, site.ID, now, nil, nil); err != nil {
		o.logger.Error("failed to stamp website after failed check",
			zap.String("website", site.URL), zap.Error(err))
	}
	o.metrics.IncCheck("failed")
	return fmt.Errorf("check %s: %w", site.URL, cause)
}

func (o *Orchestrator) checkSinglePage(ctx context.Context, site *domain.Website, settings *domain.UserSettings, counts *sessionCounts) error {
	pageURL, err := NormalizeURL(site.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	page, err := o.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		o.metrics.IncErrorsTotal("fetch_failed")
		return err
	}
	return o.recordPage(ctx, site, settings, page, counts)
}

type crawlItem struct {
	url   string
	depth int
}

// crawlSite performs a bounded breadth-first crawl from the website URL.
// Hitting the page cap or depth cap is normal completion. A start URL that
// cannot be fetched at all fails the session; any later per-page failure is
// only counted.
func (o *Orchestrator) crawlSite(ctx context.Context, site *domain.Website, settings *domain.UserSettings, counts *sessionCounts) error {
	limit := o.limits.DefaultCrawlLimit
	if site.CrawlLimit != nil && *site.CrawlLimit > 0 {
		limit = *site.CrawlLimit
	}
	maxDepth := o.limits.DefaultCrawlDepth
	if site.CrawlDepth != nil && *site.CrawlDepth > 0 {
		maxDepth = *site.CrawlDepth
	}

	start, err := NormalizeURL(site.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	queue := []crawlItem{{url: start, depth: 0}}
	seen := map[string]bool{start: true}
	visited := make(map[string]bool)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("check timed out: %w", err)
		}
		item := queue[0]
		queue = queue[1:]

		page, links, err := o.fetcher.Discover(ctx, item.url)
		if err != nil {
			o.metrics.IncErrorsTotal("fetch_failed")
			if item.depth == 0 && counts.found == 0 {
				// Origin unreachable: nothing was crawled, fail the session.
				return err
			}
			o.logger.Warn("page fetch failed during crawl",
				zap.String("website", site.URL), zap.String("page", item.url), zap.Error(err))
			counts.failed++
			continue
		}
		visited[item.url] = true

		if err := o.recordPage(ctx, site, settings, page, counts); err != nil {
			return err
		}

		if item.depth >= maxDepth {
			continue
		}
		for _, link := range links {
			if len(seen) >= limit {
				break
			}
			if seen[link] {
				continue
			}
			seen[link] = true
			queue = append(queue, crawlItem{url: link, depth: item.depth + 1})
		}
	}

	return o.recordRemovedPages(ctx, site, settings, visited, counts)
}

// recordRemovedPages emits a removed result for every previously tracked URL
// absent from this crawl's result set.
func (o *Orchestrator) recordRemovedPages(ctx context.Context, site *domain.Website, settings *domain.UserSettings, visited map[string]bool, counts *sessionCounts) error {
	tracked, err := o.store.TrackedURLs(ctx, site.ID)
	if err != nil {
		return err
	}
	for _, url := range tracked {
		if visited[url] {
			continue
		}
		prior, err := o.store.LatestResultForURL(ctx, site.ID, url)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		res := &domain.ScrapeResult{
			WebsiteID:        site.ID,
			UserID:           site.UserID,
			URL:              url,
			Markdown:         prior.Markdown,
			ChangeStatus:     domain.ChangeStatusRemoved,
			Visibility:       domain.VisibilityVisible,
			ScrapedAt:        time.Now().UTC(),
			PreviousScrapeAt: &prior.ScrapedAt,
		}
		if err := o.store.CreateScrapeResult(ctx, res); err != nil {
			o.metrics.IncErrorsTotal("db_save_failed")
			return err
		}
		counts.removed++
		o.metrics.IncChangeStatus(string(domain.ChangeStatusRemoved))
		o.dispatch(ctx, site, settings, res)
	}
	return nil
}

// recordPage classifies one page capture, persists the result, and hands
// qualifying results to the notifier. The capture is inserted as a transient
// 'checking' row before classification and finalized once the status is
// known, so a crash mid-check never leaves a half-classified row that later
// diffs would treat as a real capture. Scorer failure degrades to an unscored
// result; only a persistence failure propagates.
func (o *Orchestrator) recordPage(ctx context.Context, site *domain.Website, settings *domain.UserSettings, page *domain.Page, counts *sessionCounts) error {
	o.metrics.IncPageScraped()

	prior, err := o.store.LatestResultForURL(ctx, site.ID, page.URL)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		prior = nil
	}

	res := &domain.ScrapeResult{
		WebsiteID:    site.ID,
		UserID:       site.UserID,
		URL:          page.URL,
		Markdown:     page.Markdown,
		ChangeStatus: domain.ChangeStatusChecking,
		Visibility:   domain.VisibilityVisible,
		ScrapedAt:    page.FetchedAt,
		Title:        page.Title,
		Description:  page.Description,
		OGImage:      page.OGImage,
	}
	if prior != nil {
		res.PreviousScrapeAt = &prior.ScrapedAt
	}
	if err := o.store.CreateScrapeResult(ctx, res); err != nil {
		o.metrics.IncErrorsTotal("db_save_failed")
		return err
	}

	hash := contentHash(page.Markdown)
	var status domain.ChangeStatus
	var payload *domain.DiffPayload
	cached, cacheErr := o.cache.GetContentHash(ctx, site.ID, page.URL)
	if cacheErr != nil {
		o.logger.Warn("content hash lookup failed", zap.String("page", page.URL), zap.Error(cacheErr))
	}
	if prior != nil && cached != "" && cached == hash {
		// Byte-identical to the previous capture, skip the normalizer chain.
		status = domain.ChangeStatusSame
	} else {
		status, payload = o.differ.Classify(prior, page.Markdown)
	}

	var analysis *domain.AIAnalysis
	if status == domain.ChangeStatusChanged && settings.AIAnalysisEnabled {
		analysis, err = o.scorer.Score(ctx, payload, settings)
		if err != nil {
			o.metrics.IncErrorsTotal("oracle_failed")
			o.logger.Warn("change scoring failed, persisting unscored result",
				zap.String("page", page.URL), zap.Error(err))
			analysis = nil
		}
	}

	res.ChangeStatus = status
	res.Diff = payload
	res.AIAnalysis = analysis
	if err := o.store.FinalizeScrapeResult(ctx, res); err != nil {
		o.metrics.IncErrorsTotal("db_save_failed")
		return err
	}
	if err := o.cache.SetContentHash(ctx, site.ID, page.URL, hash, o.limits.HashTTL); err != nil {
		o.logger.Warn("content hash store failed", zap.String("page", page.URL), zap.Error(err))
	}

	counts.found++
	o.metrics.IncChangeStatus(string(status))
	switch status {
	case domain.ChangeStatusNew:
		counts.added++
	case domain.ChangeStatusChanged:
		counts.changed++
	}

	if status != domain.ChangeStatusSame {
		o.dispatch(ctx, site, settings, res)
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, site *domain.Website, settings *domain.UserSettings, res *domain.ScrapeResult) {
	if err := o.notifier.Dispatch(ctx, site, settings, res); err != nil {
		o.metrics.IncErrorsTotal("dispatch_failed")
		o.logger.Error("notification dispatch failed",
			zap.String("website", site.URL), zap.String("page", res.URL), zap.Error(err))
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
