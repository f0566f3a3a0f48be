package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/sitewatch/internal/domain"
)

// PostgresStore handles interactions with the PostgreSQL database.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrPersistence, err)
}

// --- Websites ---

const websiteColumns = `id, url, name, user_id, is_active, is_paused, check_interval_minutes,
	last_checked, notification_preference, webhook_url, monitor_type, crawl_limit,
	crawl_depth, last_crawl_at, total_pages, created_at, updated_at`

func scanWebsite(row pgx.Row) (*domain.Website, error) {
	var w domain.Website
	var intervalMinutes int
	err := row.Scan(&w.ID, &w.URL, &w.Name, &w.UserID, &w.IsActive, &w.IsPaused,
		&intervalMinutes, &w.LastChecked, &w.NotificationPreference, &w.WebhookURL,
		&w.MonitorType, &w.CrawlLimit, &w.CrawlDepth, &w.LastCrawlAt, &w.TotalPages,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.CheckInterval = time.Duration(intervalMinutes) * time.Minute
	return &w, nil
}

func (s *PostgresStore) CreateWebsite(ctx context.Context, w *domain.Website) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO websites (id, url, name, user_id, is_active, is_paused, check_interval_minutes,
		 notification_preference, webhook_url, monitor_type, crawl_limit, crawl_depth)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		w.ID, w.URL, w.Name, w.UserID, w.IsActive, w.IsPaused,
		int(w.CheckInterval/time.Minute), w.NotificationPreference, w.WebhookURL,
		w.MonitorType, w.CrawlLimit, w.CrawlDepth)
	return wrapErr("create website", err)
}

func (s *PostgresStore) GetWebsite(ctx context.Context, id string) (*domain.Website, error) {
	w, err := scanWebsite(s.db.QueryRow(ctx,
		`SELECT `+websiteColumns+` FROM websites WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr("get website", err)
	}
	return w, nil
}

// ListActiveWebsites returns every website with is_active = TRUE. The
// scheduler applies pause and interval eligibility on top of this.
func (s *PostgresStore) ListActiveWebsites(ctx context.Context) ([]domain.Website, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+websiteColumns+` FROM websites WHERE is_active = TRUE`)
	if err != nil {
		return nil, wrapErr("list active websites", err)
	}
	defer rows.Close()
	return collectWebsites(rows)
}

func (s *PostgresStore) ListWebsitesByUser(ctx context.Context, userID string) ([]domain.Website, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+websiteColumns+` FROM websites WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, wrapErr("list websites by user", err)
	}
	defer rows.Close()
	return collectWebsites(rows)
}

func collectWebsites(rows pgx.Rows) ([]domain.Website, error) {
	var out []domain.Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, wrapErr("scan website", err)
		}
		out = append(out, *w)
	}
	return out, wrapErr("iterate websites", rows.Err())
}

// UpdateWebsiteAfterCheck stamps the bookkeeping fields a finished check
// produces. lastCrawlAt and totalPages are only set for full-site checks.
func (s *PostgresStore) UpdateWebsiteAfterCheck(ctx context.Context, id string, checkedAt time.Time, crawlAt *time.Time, totalPages *int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE websites SET
		   last_checked = $2,
		   last_crawl_at = COALESCE($3, last_crawl_at),
		   total_pages = COALESCE($4, total_pages),
		   updated_at = NOW()
		 WHERE id = $1`,
		id, checkedAt, crawlAt, totalPages)
	return wrapErr("update website after check", err)
}

// --- Crawl sessions ---

// RunningSession returns the in-flight session for a website, or
// domain.ErrNotFound when none is running.
func (s *PostgresStore) RunningSession(ctx context.Context, websiteID string) (*domain.CrawlSession, error) {
	var cs domain.CrawlSession
	err := s.db.QueryRow(ctx,
		`SELECT id, website_id, user_id, started_at, completed_at, status,
		        pages_found, pages_changed, pages_added, pages_removed, error, job_id
		 FROM crawl_sessions WHERE website_id = $1 AND status = 'running'
		 ORDER BY started_at DESC LIMIT 1`, websiteID,
	).Scan(&cs.ID, &cs.WebsiteID, &cs.UserID, &cs.StartedAt, &cs.CompletedAt, &cs.Status,
		&cs.PagesFound, &cs.PagesChanged, &cs.PagesAdded, &cs.PagesRemoved, &cs.Error, &cs.JobID)
	if err != nil {
		return nil, wrapErr("running session", err)
	}
	return &cs, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, cs *domain.CrawlSession) error {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO crawl_sessions (id, website_id, user_id, started_at, status, job_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cs.ID, cs.WebsiteID, cs.UserID, cs.StartedAt, cs.Status, cs.JobID)
	return wrapErr("create session", err)
}

// FinalizeSession moves a running session to completed or failed exactly
// once; a session already finalized is left untouched.
func (s *PostgresStore) FinalizeSession(ctx context.Context, cs *domain.CrawlSession) error {
	_, err := s.db.Exec(ctx,
		`UPDATE crawl_sessions SET
		   status = $2, completed_at = $3, pages_found = $4, pages_changed = $5,
		   pages_added = $6, pages_removed = $7, error = $8
		 WHERE id = $1 AND status = 'running'`,
		cs.ID, cs.Status, cs.CompletedAt, cs.PagesFound, cs.PagesChanged,
		cs.PagesAdded, cs.PagesRemoved, cs.Error)
	return wrapErr("finalize session", err)
}

func (s *PostgresStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]domain.CrawlSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, website_id, user_id, started_at, completed_at, status,
		        pages_found, pages_changed, pages_added, pages_removed, error, job_id
		 FROM crawl_sessions WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, wrapErr("list sessions", err)
	}
	defer rows.Close()

	var out []domain.CrawlSession
	for rows.Next() {
		var cs domain.CrawlSession
		if err := rows.Scan(&cs.ID, &cs.WebsiteID, &cs.UserID, &cs.StartedAt, &cs.CompletedAt,
			&cs.Status, &cs.PagesFound, &cs.PagesChanged, &cs.PagesAdded, &cs.PagesRemoved,
			&cs.Error, &cs.JobID); err != nil {
			return nil, wrapErr("scan session", err)
		}
		out = append(out, cs)
	}
	return out, wrapErr("iterate sessions", rows.Err())
}

// --- Scrape results ---

const resultColumns = `id, website_id, user_id, url, markdown, change_status, visibility,
	scraped_at, previous_scrape_at, title, description, og_image, diff, ai_analysis`

func scanResult(row pgx.Row) (*domain.ScrapeResult, error) {
	var r domain.ScrapeResult
	var diffJSON, aiJSON []byte
	err := row.Scan(&r.ID, &r.WebsiteID, &r.UserID, &r.URL, &r.Markdown, &r.ChangeStatus,
		&r.Visibility, &r.ScrapedAt, &r.PreviousScrapeAt, &r.Title, &r.Description,
		&r.OGImage, &diffJSON, &aiJSON)
	if err != nil {
		return nil, err
	}
	if len(diffJSON) > 0 {
		r.Diff = &domain.DiffPayload{}
		if err := json.Unmarshal(diffJSON, r.Diff); err != nil {
			return nil, err
		}
	}
	if len(aiJSON) > 0 {
		r.AIAnalysis = &domain.AIAnalysis{}
		if err := json.Unmarshal(aiJSON, r.AIAnalysis); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (s *PostgresStore) CreateScrapeResult(ctx context.Context, r *domain.ScrapeResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	var diffJSON, aiJSON []byte
	var err error
	if r.Diff != nil {
		if diffJSON, err = json.Marshal(r.Diff); err != nil {
			return fmt.Errorf("marshal diff: %w", err)
		}
	}
	if r.AIAnalysis != nil {
		if aiJSON, err = json.Marshal(r.AIAnalysis); err != nil {
			return fmt.Errorf("marshal ai analysis: %w", err)
		}
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO scrape_results (id, website_id, user_id, url, markdown, change_status,
		   visibility, scraped_at, previous_scrape_at, title, description, og_image, diff, ai_analysis)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.WebsiteID, r.UserID, r.URL, r.Markdown, r.ChangeStatus, r.Visibility,
		r.ScrapedAt, r.PreviousScrapeAt, r.Title, r.Description, r.OGImage, diffJSON, aiJSON)
	return wrapErr("create scrape result", err)
}

// FinalizeScrapeResult replaces a transient 'checking' row's classification
// once diffing and analysis have run.
func (s *PostgresStore) FinalizeScrapeResult(ctx context.Context, r *domain.ScrapeResult) error {
	var diffJSON, aiJSON []byte
	var err error
	if r.Diff != nil {
		if diffJSON, err = json.Marshal(r.Diff); err != nil {
			return fmt.Errorf("marshal diff: %w", err)
		}
	}
	if r.AIAnalysis != nil {
		if aiJSON, err = json.Marshal(r.AIAnalysis); err != nil {
			return fmt.Errorf("marshal ai analysis: %w", err)
		}
	}
	_, err = s.db.Exec(ctx,
		`UPDATE scrape_results SET change_status = $2, diff = $3, ai_analysis = $4
		 WHERE id = $1`,
		r.ID, r.ChangeStatus, diffJSON, aiJSON)
	return wrapErr("finalize scrape result", err)
}

// LatestResultForURL returns the most recent finalized result for a URL
// within a website, skipping transient 'checking' rows.
func (s *PostgresStore) LatestResultForURL(ctx context.Context, websiteID, url string) (*domain.ScrapeResult, error) {
	r, err := scanResult(s.db.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM scrape_results
		 WHERE website_id = $1 AND url = $2 AND change_status <> 'checking'
		 ORDER BY scraped_at DESC LIMIT 1`, websiteID, url))
	if err != nil {
		return nil, wrapErr("latest result for url", err)
	}
	return r, nil
}

func (s *PostgresStore) LatestResultForWebsite(ctx context.Context, websiteID string) (*domain.ScrapeResult, error) {
	r, err := scanResult(s.db.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM scrape_results
		 WHERE website_id = $1 AND change_status <> 'checking'
		 ORDER BY scraped_at DESC LIMIT 1`, websiteID))
	if err != nil {
		return nil, wrapErr("latest result for website", err)
	}
	return r, nil
}

// TrackedURLs lists the URLs whose most recent result is not 'removed';
// full-site crawls use it to detect pages that vanished.
func (s *PostgresStore) TrackedURLs(ctx context.Context, websiteID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT ON (url) url, change_status FROM scrape_results
		 WHERE website_id = $1 AND change_status <> 'checking'
		 ORDER BY url, scraped_at DESC`, websiteID)
	if err != nil {
		return nil, wrapErr("tracked urls", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var url string
		var status domain.ChangeStatus
		if err := rows.Scan(&url, &status); err != nil {
			return nil, wrapErr("scan tracked url", err)
		}
		if status != domain.ChangeStatusRemoved {
			out = append(out, url)
		}
	}
	return out, wrapErr("iterate tracked urls", rows.Err())
}

// --- Change alerts ---

// CreateAlert inserts the alert unless one already exists for the same
// scrape result. Returns true when a row was actually created.
func (s *PostgresStore) CreateAlert(ctx context.Context, a *domain.ChangeAlert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO change_alerts (id, website_id, user_id, scrape_result_id, change_type, summary, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		 ON CONFLICT (scrape_result_id) DO NOTHING`,
		a.ID, a.WebsiteID, a.UserID, a.ScrapeResultID, a.ChangeType, a.Summary, a.CreatedAt)
	if err != nil {
		return false, wrapErr("create alert", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, userID string, unreadOnly bool) ([]domain.ChangeAlert, error) {
	query := `SELECT id, website_id, user_id, scrape_result_id, change_type, summary, is_read, created_at
	          FROM change_alerts WHERE user_id = $1`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, wrapErr("list alerts", err)
	}
	defer rows.Close()

	var out []domain.ChangeAlert
	for rows.Next() {
		var a domain.ChangeAlert
		if err := rows.Scan(&a.ID, &a.WebsiteID, &a.UserID, &a.ScrapeResultID,
			&a.ChangeType, &a.Summary, &a.IsRead, &a.CreatedAt); err != nil {
			return nil, wrapErr("scan alert", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("iterate alerts", rows.Err())
}

func (s *PostgresStore) MarkAlertRead(ctx context.Context, userID, alertID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE change_alerts SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		alertID, userID)
	if err != nil {
		return wrapErr("mark alert read", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark alert read: %w", domain.ErrNotFound)
	}
	return nil
}

// --- User settings ---

func (s *PostgresStore) SettingsForUser(ctx context.Context, userID string) (*domain.UserSettings, error) {
	var u domain.UserSettings
	err := s.db.QueryRow(ctx,
		`SELECT user_id, default_webhook_url, email_notifications_enabled, email_template,
		        ai_analysis_enabled, ai_model, ai_base_url, ai_system_prompt,
		        ai_meaningful_change_threshold, ai_api_key, email_only_if_meaningful,
		        webhook_only_if_meaningful, created_at, updated_at
		 FROM user_settings WHERE user_id = $1`, userID,
	).Scan(&u.UserID, &u.DefaultWebhookURL, &u.EmailNotificationsEnabled, &u.EmailTemplate,
		&u.AIAnalysisEnabled, &u.AIModel, &u.AIBaseURL, &u.AISystemPrompt,
		&u.AIMeaningfulChangeThreshold, &u.AIAPIKey, &u.EmailOnlyIfMeaningful,
		&u.WebhookOnlyIfMeaningful, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, wrapErr("settings for user", err)
	}
	return &u, nil
}

// SaveUserSettings validates and upserts. Malformed settings never reach the
// pipeline; they are rejected here with domain.ErrConfiguration.
func (s *PostgresStore) SaveUserSettings(ctx context.Context, u *domain.UserSettings) error {
	if u.AIMeaningfulChangeThreshold != nil {
		if t := *u.AIMeaningfulChangeThreshold; t < 0 || t > 100 {
			return fmt.Errorf("%w: threshold %d out of [0,100]", domain.ErrConfiguration, t)
		}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_settings (user_id, default_webhook_url, email_notifications_enabled,
		   email_template, ai_analysis_enabled, ai_model, ai_base_url, ai_system_prompt,
		   ai_meaningful_change_threshold, ai_api_key, email_only_if_meaningful, webhook_only_if_meaningful)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (user_id) DO UPDATE SET
		   default_webhook_url = EXCLUDED.default_webhook_url,
		   email_notifications_enabled = EXCLUDED.email_notifications_enabled,
		   email_template = EXCLUDED.email_template,
		   ai_analysis_enabled = EXCLUDED.ai_analysis_enabled,
		   ai_model = EXCLUDED.ai_model,
		   ai_base_url = EXCLUDED.ai_base_url,
		   ai_system_prompt = EXCLUDED.ai_system_prompt,
		   ai_meaningful_change_threshold = EXCLUDED.ai_meaningful_change_threshold,
		   ai_api_key = EXCLUDED.ai_api_key,
		   email_only_if_meaningful = EXCLUDED.email_only_if_meaningful,
		   webhook_only_if_meaningful = EXCLUDED.webhook_only_if_meaningful,
		   updated_at = NOW()`,
		u.UserID, u.DefaultWebhookURL, u.EmailNotificationsEnabled, u.EmailTemplate,
		u.AIAnalysisEnabled, u.AIModel, u.AIBaseURL, u.AISystemPrompt,
		u.AIMeaningfulChangeThreshold, u.AIAPIKey, u.EmailOnlyIfMeaningful,
		u.WebhookOnlyIfMeaningful)
	return wrapErr("save user settings", err)
}

// --- Email config ---

// VerifiedEmail returns the user's notification address and whether it has
// been verified. ErrNotFound when the user never configured one.
func (s *PostgresStore) VerifiedEmail(ctx context.Context, userID string) (string, bool, error) {
	var email string
	var verified bool
	err := s.db.QueryRow(ctx,
		`SELECT email, is_verified FROM email_config WHERE user_id = $1`, userID,
	).Scan(&email, &verified)
	if err != nil {
		return "", false, wrapErr("verified email", err)
	}
	return email, verified, nil
}

func (s *PostgresStore) EmailConfigByToken(ctx context.Context, token string) (*domain.EmailConfig, error) {
	var e domain.EmailConfig
	err := s.db.QueryRow(ctx,
		`SELECT user_id, email, is_verified, verification_token, verification_expiry, created_at, updated_at
		 FROM email_config WHERE verification_token = $1`, token,
	).Scan(&e.UserID, &e.Email, &e.IsVerified, &e.VerificationToken, &e.VerificationExpiry,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, wrapErr("email config by token", err)
	}
	return &e, nil
}

// MarkEmailVerified flips the verified flag and clears the token. The token
// expiry has already been checked by the caller.
func (s *PostgresStore) MarkEmailVerified(ctx context.Context, userID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE email_config SET is_verified = TRUE, verification_token = NULL,
		   verification_expiry = NULL, updated_at = NOW()
		 WHERE user_id = $1`, userID)
	if err != nil {
		return wrapErr("mark email verified", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark email verified: %w", domain.ErrNotFound)
	}
	return nil
}

// --- API keys ---

func (s *PostgresStore) APIKeyByKey(ctx context.Context, key string) (*domain.APIKey, error) {
	var k domain.APIKey
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, key, name, last_used, created_at FROM api_keys WHERE key = $1`, key,
	).Scan(&k.ID, &k.UserID, &k.Key, &k.Name, &k.LastUsed, &k.CreatedAt)
	if err != nil {
		return nil, wrapErr("api key lookup", err)
	}
	return &k, nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE api_keys SET last_used = NOW() WHERE id = $1`, id)
	return wrapErr("touch api key", err)
}
