package domain

import "time"

// ChangeStatus classifies a scrape result relative to the immediately
// preceding result for the same URL.
type ChangeStatus string

const (
	ChangeStatusNew      ChangeStatus = "new"
	ChangeStatusSame     ChangeStatus = "same"
	ChangeStatusChanged  ChangeStatus = "changed"
	ChangeStatusRemoved  ChangeStatus = "removed"
	ChangeStatusChecking ChangeStatus = "checking" // transient, only while a check is in flight
)

func (s ChangeStatus) Valid() bool {
	switch s {
	case ChangeStatusNew, ChangeStatusSame, ChangeStatusChanged, ChangeStatusRemoved, ChangeStatusChecking:
		return true
	}
	return false
}

type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
)

type CrawlStatus string

const (
	CrawlStatusRunning   CrawlStatus = "running"
	CrawlStatusCompleted CrawlStatus = "completed"
	CrawlStatusFailed    CrawlStatus = "failed"
)

func (s CrawlStatus) Valid() bool {
	switch s {
	case CrawlStatusRunning, CrawlStatusCompleted, CrawlStatusFailed:
		return true
	}
	return false
}

type MonitorType string

const (
	MonitorSinglePage MonitorType = "single_page"
	MonitorFullSite   MonitorType = "full_site"
)

func (m MonitorType) Valid() bool {
	return m == MonitorSinglePage || m == MonitorFullSite
}

type NotificationPreference string

const (
	NotifyNone    NotificationPreference = "none"
	NotifyEmail   NotificationPreference = "email"
	NotifyWebhook NotificationPreference = "webhook"
	NotifyBoth    NotificationPreference = "both"
)

func (p NotificationPreference) Valid() bool {
	switch p {
	case NotifyNone, NotifyEmail, NotifyWebhook, NotifyBoth:
		return true
	}
	return false
}

func (p NotificationPreference) WantsEmail() bool {
	return p == NotifyEmail || p == NotifyBoth
}

func (p NotificationPreference) WantsWebhook() bool {
	return p == NotifyWebhook || p == NotifyBoth
}

// Website is a monitored target owned by a user.
type Website struct {
	ID                     string
	URL                    string
	Name                   string
	UserID                 string
	IsActive               bool
	IsPaused               bool
	CheckInterval          time.Duration
	LastChecked            *time.Time
	NotificationPreference NotificationPreference
	WebhookURL             *string
	MonitorType            MonitorType
	CrawlLimit             *int
	CrawlDepth             *int
	LastCrawlAt            *time.Time
	TotalPages             *int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Due reports whether the website is eligible for a scheduled check at now.
func (w *Website) Due(now time.Time) bool {
	if !w.IsActive || w.IsPaused {
		return false
	}
	if w.LastChecked == nil {
		return true
	}
	return now.Sub(*w.LastChecked) >= w.CheckInterval
}

// DiffPayload carries both the human-readable and the structured form of a
// content diff.
type DiffPayload struct {
	Text string   `json:"text"`
	Ops  []DiffOp `json:"ops"`
}

type DiffOp struct {
	Op   string `json:"op"` // "insert", "delete", "equal"
	Text string `json:"text"`
}

// AIAnalysis is the outcome of one scoring-oracle call for a changed result.
type AIAnalysis struct {
	MeaningfulChangeScore int       `json:"meaningfulChangeScore"` // 0-100
	IsMeaningfulChange    bool      `json:"isMeaningfulChange"`
	Reasoning             string    `json:"reasoning"`
	Model                 string    `json:"model"`
	AnalyzedAt            time.Time `json:"analyzedAt"`
}

// ScrapeResult is one captured snapshot of one URL. Append-only once
// finalized; history for a URL is ordered by ScrapedAt.
type ScrapeResult struct {
	ID               string
	WebsiteID        string
	UserID           string
	URL              string
	Markdown         string
	ChangeStatus     ChangeStatus
	Visibility       Visibility
	ScrapedAt        time.Time
	PreviousScrapeAt *time.Time
	Title            *string
	Description      *string
	OGImage          *string
	Diff             *DiffPayload
	AIAnalysis       *AIAnalysis
}

// CrawlSession is one execution of checking a website, single page or many.
type CrawlSession struct {
	ID           string      `json:"id"`
	WebsiteID    string      `json:"websiteId"`
	UserID       string      `json:"userId"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	Status       CrawlStatus `json:"status"`
	PagesFound   int         `json:"pagesFound"`
	PagesChanged int         `json:"pagesChanged"`
	PagesAdded   int         `json:"pagesAdded"`
	PagesRemoved int         `json:"pagesRemoved"`
	Error        *string     `json:"error,omitempty"`
	JobID        *string     `json:"jobId,omitempty"`
}

// ChangeAlert is the user-visible record of a dispatched notification.
type ChangeAlert struct {
	ID             string       `json:"id"`
	WebsiteID      string       `json:"websiteId"`
	UserID         string       `json:"userId"`
	ScrapeResultID string       `json:"scrapeResultId"`
	ChangeType     ChangeStatus `json:"changeType"`
	Summary        string       `json:"summary"`
	IsRead         bool         `json:"isRead"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// UserSettings holds per-user defaults for scoring and notification
// behavior. Read-only input to the pipeline.
type UserSettings struct {
	UserID                      string
	DefaultWebhookURL           *string
	EmailNotificationsEnabled   bool
	EmailTemplate               *string
	AIAnalysisEnabled           bool
	AIModel                     *string
	AIBaseURL                   *string
	AISystemPrompt              *string
	AIMeaningfulChangeThreshold *int
	AIAPIKey                    *string // encrypted at rest
	EmailOnlyIfMeaningful       bool
	WebhookOnlyIfMeaningful     bool
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// DefaultSettings mirrors the stored column defaults for a user who never
// saved a settings row: email notifications on, everything else off or unset.
func DefaultSettings(userID string) *UserSettings {
	return &UserSettings{
		UserID:                    userID,
		EmailNotificationsEnabled: true,
	}
}

// Threshold returns the user's meaningful-change threshold, or def when unset.
func (s *UserSettings) Threshold(def int) int {
	if s != nil && s.AIMeaningfulChangeThreshold != nil {
		return *s.AIMeaningfulChangeThreshold
	}
	return def
}

// EmailConfig is a user's verified (or pending) notification address.
type EmailConfig struct {
	UserID             string
	Email              string
	IsVerified         bool
	VerificationToken  *string
	VerificationExpiry *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// APIKey authenticates calls to the HTTP surface.
type APIKey struct {
	ID        string
	UserID    string
	Key       string
	Name      string
	LastUsed  *time.Time
	CreatedAt time.Time
}

// Page is a single capture returned by a content fetcher.
type Page struct {
	URL         string
	Markdown    string
	Title       *string
	Description *string
	OGImage     *string
	FetchedAt   time.Time
}
