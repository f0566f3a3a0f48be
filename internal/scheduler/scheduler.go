// Package scheduler runs the process-wide check loop: each tick it selects
// the websites due for a check and admits them to the orchestrator under a
// bounded concurrency gate.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/sitewatch/internal/domain"
	"github.com/user/sitewatch/internal/monitoring"
)

var (
	// ErrSaturated means the concurrency gate is full. Not a failure: the
	// website is simply retried on the next tick.
	ErrSaturated = errors.New("scheduler saturated")

	// ErrCheckInFlight means the website already has a running crawl
	// session; a second check is never admitted alongside it.
	ErrCheckInFlight = errors.New("check already in flight")
)

// Store is the slice of persistence the scheduler needs.
type Store interface {
	ListActiveWebsites(ctx context.Context) ([]domain.Website, error)
	RunningSession(ctx context.Context, websiteID string) (*domain.CrawlSession, error)
}

// Checker executes one website check; the orchestrator implements it.
type Checker interface {
	Check(ctx context.Context, site *domain.Website) error
}

// Scheduler is the tick loop plus its admission gate. The gate is a buffered
// channel of size K; admission never blocks the tick loop.
type Scheduler struct {
	store        Store
	checker      Checker
	sem          chan struct{}
	tick         time.Duration
	checkTimeout time.Duration
	metrics      *monitoring.Metrics
	logger       *zap.Logger
	stopChan     chan struct{}
	wg           sync.WaitGroup
	now          func() time.Time
}

func New(store Store, checker Checker, maxConcurrent int, tick, checkTimeout time.Duration, m *monitoring.Metrics, l *zap.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		checker:      checker,
		sem:          make(chan struct{}, maxConcurrent),
		tick:         tick,
		checkTimeout: checkTimeout,
		metrics:      m,
		logger:       l,
		stopChan:     make(chan struct{}),
		now:          time.Now,
	}
}

// Start launches the tick loop. One tick runs immediately.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		s.runTick(context.Background())
		for {
			select {
			case <-ticker.C:
				s.runTick(context.Background())
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop ends the tick loop and waits for in-flight checks to drain.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// runTick admits every due website it can. A saturated gate ends the tick
// early; the remaining eligible websites wait for the next one. No website
// failure ever aborts the tick.
func (s *Scheduler) runTick(ctx context.Context) {
	sites, err := s.store.ListActiveWebsites(ctx)
	if err != nil {
		s.logger.Error("could not list websites for tick", zap.Error(err))
		return
	}

	now := s.now()
	for i := range sites {
		site := sites[i]
		if !site.Due(now) {
			continue
		}
		switch err := s.Admit(ctx, &site); {
		case err == nil:
		case errors.Is(err, ErrSaturated):
			s.logger.Debug("admission gate full, deferring remaining websites")
			return
		case errors.Is(err, ErrCheckInFlight):
			s.logger.Debug("skipping website with running session", zap.String("website", site.URL))
		default:
			s.logger.Warn("admission failed", zap.String("website", site.URL), zap.Error(err))
		}
	}
}

// Admit starts a check for the website on its own worker goroutine. The
// running crawl session is itself the in-flight marker: while one exists,
// no second check is admitted. Manual triggers go through here too.
func (s *Scheduler) Admit(ctx context.Context, site *domain.Website) error {
	if _, err := s.store.RunningSession(ctx, site.ID); err == nil {
		return ErrCheckInFlight
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return ErrSaturated
	}

	s.wg.Add(1)
	s.metrics.ActiveChecks.Inc()
	go func() {
		defer func() {
			<-s.sem
			s.metrics.ActiveChecks.Dec()
			s.wg.Done()
		}()
		checkCtx, cancel := context.WithTimeout(context.Background(), s.checkTimeout)
		defer cancel()
		if err := s.checker.Check(checkCtx, site); err != nil {
			s.logger.Warn("website check failed", zap.String("website", site.URL), zap.Error(err))
		}
	}()
	return nil
}
