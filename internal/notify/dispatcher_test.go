package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/user/sitewatch/internal/domain"
	"github.com/user/sitewatch/internal/monitoring"
)

var testMetrics = monitoring.NewMetrics()

type fakeAlertStore struct {
	mu       sync.Mutex
	alerts   []domain.ChangeAlert
	email    string
	verified bool
	emailErr error
	storeErr error
}

func (f *fakeAlertStore) CreateAlert(ctx context.Context, a *domain.ChangeAlert) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return false, f.storeErr
	}
	for _, existing := range f.alerts {
		if existing.ScrapeResultID == a.ScrapeResultID {
			return false, nil
		}
	}
	a.ID = "alert-" + a.ScrapeResultID
	f.alerts = append(f.alerts, *a)
	return true, nil
}

func (f *fakeAlertStore) VerifiedEmail(ctx context.Context, userID string) (string, bool, error) {
	if f.emailErr != nil {
		return "", false, f.emailErr
	}
	return f.email, f.verified, nil
}

type fakeEmailSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeEmailSender) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeWebhookPoster struct {
	mu     sync.Mutex
	posted []string
	status int
	err    error
}

func (f *fakeWebhookPoster) Post(ctx context.Context, url string, payload any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.posted = append(f.posted, url)
	if f.status == 0 {
		return 200, nil
	}
	return f.status, nil
}

type fakeAttempts struct {
	count int64
	err   error
}

func (f *fakeAttempts) IncrementDeliveryAttempts(ctx context.Context, alertID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.count++
	return f.count, nil
}

func testSite(pref domain.NotificationPreference) *domain.Website {
	hook := "https://hooks.example.com/x"
	return &domain.Website{
		ID:                     "w1",
		URL:                    "https://example.com/",
		Name:                   "Example",
		UserID:                 "u1",
		NotificationPreference: pref,
		WebhookURL:             &hook,
	}
}

func testResult(status domain.ChangeStatus, analysis *domain.AIAnalysis) *domain.ScrapeResult {
	return &domain.ScrapeResult{
		ID:           "r1",
		WebsiteID:    "w1",
		UserID:       "u1",
		URL:          "https://example.com/",
		ChangeStatus: status,
		ScrapedAt:    time.Now().UTC(),
		AIAnalysis:   analysis,
	}
}

func newTestDispatcher(store *fakeAlertStore, email *fakeEmailSender, webhook *fakeWebhookPoster) *Dispatcher {
	return NewDispatcher(store, email, webhook, &fakeAttempts{}, testMetrics, zap.NewNop())
}

func analysisWith(meaningful bool) *domain.AIAnalysis {
	score := 10
	if meaningful {
		score = 90
	}
	return &domain.AIAnalysis{
		MeaningfulChangeScore: score,
		IsMeaningfulChange:    meaningful,
		Model:                 "test-model",
		AnalyzedAt:            time.Now().UTC(),
	}
}

// TestDecisionTable walks every combination of channel preference,
// only-if-meaningful flag, and analysis presence/value.
func TestDecisionTable(t *testing.T) {
	cases := []struct {
		name        string
		pref        domain.NotificationPreference
		onlyIfMean  bool
		analysis    *domain.AIAnalysis
		wantEmail   bool
		wantWebhook bool
	}{
		{"none never dispatches", domain.NotifyNone, false, nil, false, false},
		{"none never dispatches even meaningful", domain.NotifyNone, true, analysisWith(true), false, false},
		{"email no filter", domain.NotifyEmail, false, nil, true, false},
		{"email no filter with analysis", domain.NotifyEmail, false, analysisWith(false), true, false},
		{"email filter no analysis fails open", domain.NotifyEmail, true, nil, true, false},
		{"email filter not meaningful suppressed", domain.NotifyEmail, true, analysisWith(false), false, false},
		{"email filter meaningful", domain.NotifyEmail, true, analysisWith(true), true, false},
		{"webhook no filter", domain.NotifyWebhook, false, nil, false, true},
		{"webhook filter no analysis fails open", domain.NotifyWebhook, true, nil, false, true},
		{"webhook filter not meaningful suppressed", domain.NotifyWebhook, true, analysisWith(false), false, false},
		{"webhook filter meaningful", domain.NotifyWebhook, true, analysisWith(true), false, true},
		{"both no filter", domain.NotifyBoth, false, nil, true, true},
		{"both filter not meaningful suppressed", domain.NotifyBoth, true, analysisWith(false), false, false},
		{"both filter meaningful", domain.NotifyBoth, true, analysisWith(true), true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeAlertStore{email: "user@example.com", verified: true}
			email := &fakeEmailSender{}
			webhook := &fakeWebhookPoster{}
			d := newTestDispatcher(store, email, webhook)

			settings := &domain.UserSettings{
				UserID:                    "u1",
				EmailNotificationsEnabled: true,
				EmailOnlyIfMeaningful:     tc.onlyIfMean,
				WebhookOnlyIfMeaningful:   tc.onlyIfMean,
			}
			res := testResult(domain.ChangeStatusChanged, tc.analysis)
			if err := d.Dispatch(context.Background(), testSite(tc.pref), settings, res); err != nil {
				t.Fatalf("dispatch: %v", err)
			}

			if got := len(email.sent) > 0; got != tc.wantEmail {
				t.Errorf("email dispatched=%v, want %v", got, tc.wantEmail)
			}
			if got := len(webhook.posted) > 0; got != tc.wantWebhook {
				t.Errorf("webhook dispatched=%v, want %v", got, tc.wantWebhook)
			}

			// An alert exists exactly when at least one channel dispatched.
			wantAlert := tc.wantEmail || tc.wantWebhook
			if got := len(store.alerts) == 1; got != wantAlert {
				t.Errorf("alert recorded=%v, want %v", got, wantAlert)
			}
		})
	}
}

func TestAlertCreatedAtMostOncePerResult(t *testing.T) {
	store := &fakeAlertStore{email: "user@example.com", verified: true}
	email := &fakeEmailSender{}
	d := newTestDispatcher(store, email, &fakeWebhookPoster{})

	settings := &domain.UserSettings{UserID: "u1", EmailNotificationsEnabled: true}
	res := testResult(domain.ChangeStatusChanged, nil)
	site := testSite(domain.NotifyEmail)

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(context.Background(), site, settings, res); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	if len(store.alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(store.alerts))
	}
	if len(email.sent) != 1 {
		t.Fatalf("re-dispatch must not re-deliver, got %d sends", len(email.sent))
	}
}

func TestDeliveryFailureKeepsAlert(t *testing.T) {
	store := &fakeAlertStore{email: "user@example.com", verified: true}
	email := &fakeEmailSender{err: errors.New("smtp down")}
	webhook := &fakeWebhookPoster{err: errors.New("connection refused")}
	d := newTestDispatcher(store, email, webhook)

	settings := &domain.UserSettings{UserID: "u1", EmailNotificationsEnabled: true}
	res := testResult(domain.ChangeStatusChanged, nil)
	if err := d.Dispatch(context.Background(), testSite(domain.NotifyBoth), settings, res); err != nil {
		t.Fatalf("delivery failure must not surface as dispatch error: %v", err)
	}
	if len(store.alerts) != 1 {
		t.Fatalf("alert must be recorded before delivery is attempted, got %d", len(store.alerts))
	}
}

func TestUnverifiedEmailSuppressed(t *testing.T) {
	store := &fakeAlertStore{email: "user@example.com", verified: false}
	email := &fakeEmailSender{}
	d := newTestDispatcher(store, email, &fakeWebhookPoster{})

	settings := &domain.UserSettings{UserID: "u1", EmailNotificationsEnabled: true}
	res := testResult(domain.ChangeStatusNew, nil)
	if err := d.Dispatch(context.Background(), testSite(domain.NotifyEmail), settings, res); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(email.sent) != 0 {
		t.Fatal("unverified address must never receive mail")
	}
	if len(store.alerts) != 0 {
		t.Fatalf("no alert may be recorded when email was the only channel and it cannot deliver, got %d", len(store.alerts))
	}
}

func TestUnverifiedEmailStillAllowsWebhook(t *testing.T) {
	store := &fakeAlertStore{email: "user@example.com", verified: false}
	email := &fakeEmailSender{}
	webhook := &fakeWebhookPoster{}
	d := newTestDispatcher(store, email, webhook)

	settings := &domain.UserSettings{UserID: "u1", EmailNotificationsEnabled: true}
	res := testResult(domain.ChangeStatusChanged, nil)
	if err := d.Dispatch(context.Background(), testSite(domain.NotifyBoth), settings, res); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(email.sent) != 0 {
		t.Fatal("unverified address must never receive mail")
	}
	if len(webhook.posted) != 1 {
		t.Fatalf("webhook channel must still deliver, got %d posts", len(webhook.posted))
	}
	if len(store.alerts) != 1 {
		t.Fatalf("expected one alert for the webhook delivery, got %d", len(store.alerts))
	}
}

func TestWebhookFallsBackToUserDefault(t *testing.T) {
	store := &fakeAlertStore{}
	webhook := &fakeWebhookPoster{}
	d := newTestDispatcher(store, &fakeEmailSender{}, webhook)

	site := testSite(domain.NotifyWebhook)
	site.WebhookURL = nil
	fallback := "https://hooks.example.com/default"
	settings := &domain.UserSettings{UserID: "u1", DefaultWebhookURL: &fallback}

	res := testResult(domain.ChangeStatusChanged, nil)
	if err := d.Dispatch(context.Background(), site, settings, res); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(webhook.posted) != 1 || webhook.posted[0] != fallback {
		t.Fatalf("expected post to user default webhook, got %v", webhook.posted)
	}
}

func TestSameStatusNeverDispatches(t *testing.T) {
	store := &fakeAlertStore{email: "user@example.com", verified: true}
	email := &fakeEmailSender{}
	d := newTestDispatcher(store, email, &fakeWebhookPoster{})

	settings := &domain.UserSettings{UserID: "u1", EmailNotificationsEnabled: true}
	res := testResult(domain.ChangeStatusSame, nil)
	if err := d.Dispatch(context.Background(), testSite(domain.NotifyBoth), settings, res); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(store.alerts) != 0 || len(email.sent) != 0 {
		t.Fatal("a 'same' result must never produce an alert or delivery")
	}
}

func TestDefaultSettingsAllowEmail(t *testing.T) {
	store := &fakeAlertStore{email: "user@example.com", verified: true}
	email := &fakeEmailSender{}
	d := newTestDispatcher(store, email, &fakeWebhookPoster{})

	// A user who never saved a settings row gets the stored defaults, which
	// leave email notifications on.
	settings := domain.DefaultSettings("u1")
	res := testResult(domain.ChangeStatusChanged, nil)
	if err := d.Dispatch(context.Background(), testSite(domain.NotifyEmail), settings, res); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(email.sent) != 1 {
		t.Fatalf("expected one email under default settings, got %d", len(email.sent))
	}
	if len(store.alerts) != 1 {
		t.Fatalf("expected one alert under default settings, got %d", len(store.alerts))
	}
}

func TestWebhookFailureWarnsWithoutAttemptCounter(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := &fakeAlertStore{}
	webhook := &fakeWebhookPoster{status: 502}
	attempts := &fakeAttempts{err: errors.New("redis down")}
	d := NewDispatcher(store, &fakeEmailSender{}, webhook, attempts, testMetrics, zap.New(core))

	settings := &domain.UserSettings{UserID: "u1"}
	res := testResult(domain.ChangeStatusChanged, nil)
	if err := d.Dispatch(context.Background(), testSite(domain.NotifyWebhook), settings, res); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	failures := logs.FilterMessage("webhook delivery failed")
	if failures.Len() != 1 {
		t.Fatalf("expected the failure to be logged even with the attempt counter down, got %d entries", failures.Len())
	}
	fields := failures.All()[0].ContextMap()
	if _, ok := fields["attempts"]; ok {
		t.Fatal("attempts field must be omitted when the counter is unavailable")
	}
	if fields["status"] != int64(502) {
		t.Fatalf("status field = %v, want 502", fields["status"])
	}
}
