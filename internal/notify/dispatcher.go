// Package notify turns qualifying scrape results into change alerts and
// delivers them over the user's configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/sitewatch/internal/domain"
	"github.com/user/sitewatch/internal/monitoring"
)

// AlertStore is the slice of persistence the dispatcher needs.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *domain.ChangeAlert) (bool, error)
	VerifiedEmail(ctx context.Context, userID string) (string, bool, error)
}

// EmailSender delivers a rendered notification email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// WebhookPoster delivers the notification payload to a webhook URL.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload any) (int, error)
}

// AttemptCounter tracks webhook delivery attempts per alert.
type AttemptCounter interface {
	IncrementDeliveryAttempts(ctx context.Context, alertID string) (int64, error)
}

// WebhookPayload is the body posted to the user's webhook.
type WebhookPayload struct {
	WebsiteID      string             `json:"websiteId"`
	WebsiteName    string             `json:"websiteName"`
	URL            string             `json:"url"`
	ChangeStatus   string             `json:"changeStatus"`
	Summary        string             `json:"summary"`
	ScrapeResultID string             `json:"scrapeResultId"`
	ScrapedAt      time.Time          `json:"scrapedAt"`
	AIAnalysis     *domain.AIAnalysis `json:"aiAnalysis,omitempty"`
}

// Dispatcher applies the per-channel decision table and creates at most one
// ChangeAlert per scrape result, before any delivery attempt.
type Dispatcher struct {
	store    AlertStore
	email    EmailSender
	webhook  WebhookPoster
	attempts AttemptCounter
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

func NewDispatcher(store AlertStore, email EmailSender, webhook WebhookPoster, attempts AttemptCounter, m *monitoring.Metrics, l *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		email:    email,
		webhook:  webhook,
		attempts: attempts,
		metrics:  m,
		logger:   l,
	}
}

// shouldSend implements one row of the decision table: without the
// only-if-meaningful filter everything passes; with it, a missing analysis
// fails open (no score means nothing can suppress), and a present analysis
// decides.
func shouldSend(onlyIfMeaningful bool, analysis *domain.AIAnalysis) bool {
	if !onlyIfMeaningful {
		return true
	}
	if analysis == nil {
		return true
	}
	return analysis.IsMeaningfulChange
}

// Summary renders the human line stored on the alert.
func Summary(site *domain.Website, res *domain.ScrapeResult) string {
	switch res.ChangeStatus {
	case domain.ChangeStatusNew:
		return fmt.Sprintf("New page captured on %s: %s", site.Name, res.URL)
	case domain.ChangeStatusChanged:
		return fmt.Sprintf("Content changed on %s: %s", site.Name, res.URL)
	case domain.ChangeStatusRemoved:
		return fmt.Sprintf("Page removed from %s: %s", site.Name, res.URL)
	default:
		return fmt.Sprintf("%s on %s: %s", res.ChangeStatus, site.Name, res.URL)
	}
}

// Dispatch handles one persisted scrape result. It decides the channel set,
// records the alert when at least one channel will fire, then attempts
// delivery. Delivery failure is logged and counted but never unwinds the
// alert or re-triggers scoring.
func (d *Dispatcher) Dispatch(ctx context.Context, site *domain.Website, settings *domain.UserSettings, res *domain.ScrapeResult) error {
	switch res.ChangeStatus {
	case domain.ChangeStatusNew, domain.ChangeStatusChanged, domain.ChangeStatusRemoved:
	default:
		return nil
	}

	pref := site.NotificationPreference
	wantEmail := pref.WantsEmail() && settings.EmailNotificationsEnabled &&
		shouldSend(settings.EmailOnlyIfMeaningful, res.AIAnalysis)

	// A missing or unverified address removes email from the channel set
	// before the alert decision, so no alert is recorded for a channel that
	// can never deliver.
	emailAddr := ""
	if wantEmail {
		address, verified, err := d.store.VerifiedEmail(ctx, site.UserID)
		switch {
		case err != nil:
			if !errors.Is(err, domain.ErrNotFound) {
				d.logger.Error("email address lookup failed",
					zap.String("user_id", site.UserID), zap.Error(err))
				d.metrics.IncNotification("email", "failed")
			} else {
				d.metrics.IncNotification("email", "suppressed")
			}
			wantEmail = false
		case !verified:
			d.logger.Info("skipping email to unverified address", zap.String("user_id", site.UserID))
			d.metrics.IncNotification("email", "suppressed")
			wantEmail = false
		default:
			emailAddr = address
		}
	}

	webhookURL := ""
	if site.WebhookURL != nil && *site.WebhookURL != "" {
		webhookURL = *site.WebhookURL
	} else if settings.DefaultWebhookURL != nil {
		webhookURL = *settings.DefaultWebhookURL
	}
	wantWebhook := pref.WantsWebhook() && webhookURL != "" &&
		shouldSend(settings.WebhookOnlyIfMeaningful, res.AIAnalysis)

	if !wantEmail && !wantWebhook {
		d.metrics.IncNotification("none", "suppressed")
		return nil
	}

	summary := Summary(site, res)
	alert := &domain.ChangeAlert{
		WebsiteID:      site.ID,
		UserID:         site.UserID,
		ScrapeResultID: res.ID,
		ChangeType:     res.ChangeStatus,
		Summary:        summary,
		CreatedAt:      time.Now().UTC(),
	}
	created, err := d.store.CreateAlert(ctx, alert)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	if !created {
		// An alert for this result already exists, so dispatch already ran.
		d.logger.Debug("alert already recorded, skipping delivery",
			zap.String("scrape_result_id", res.ID))
		return nil
	}

	if wantEmail {
		d.deliverEmail(ctx, site, settings, res, summary, emailAddr)
	}
	if wantWebhook {
		d.deliverWebhook(ctx, site, res, alert.ID, webhookURL, summary)
	}
	return nil
}

func (d *Dispatcher) deliverEmail(ctx context.Context, site *domain.Website, settings *domain.UserSettings, res *domain.ScrapeResult, summary, address string) {
	body := renderEmailBody(site, settings, res, summary)
	if err := d.email.Send(ctx, address, "[sitewatch] "+summary, body); err != nil {
		d.logger.Warn("email delivery failed",
			zap.String("website", site.URL), zap.Error(err))
		d.metrics.IncNotification("email", "failed")
		return
	}
	d.metrics.IncNotification("email", "sent")
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, site *domain.Website, res *domain.ScrapeResult, alertID, url, summary string) {
	payload := WebhookPayload{
		WebsiteID:      site.ID,
		WebsiteName:    site.Name,
		URL:            res.URL,
		ChangeStatus:   string(res.ChangeStatus),
		Summary:        summary,
		ScrapeResultID: res.ID,
		ScrapedAt:      res.ScrapedAt,
		AIAnalysis:     res.AIAnalysis,
	}
	status, err := d.webhook.Post(ctx, url, payload)
	if err != nil || status >= 300 {
		fields := []zap.Field{
			zap.String("url", url), zap.Int("status", status), zap.Error(err),
		}
		if d.attempts != nil {
			if n, cerr := d.attempts.IncrementDeliveryAttempts(ctx, alertID); cerr == nil {
				fields = append(fields, zap.Int64("attempts", n))
			}
		}
		d.logger.Warn("webhook delivery failed", fields...)
		d.metrics.IncNotification("webhook", "failed")
		return
	}
	d.metrics.IncNotification("webhook", "sent")
}
