package storage

// Schema is the DDL for the monitoring tables. Index definitions mirror the
// access paths the pipeline and the API actually take: by owner, by website,
// by website+time, by owner+time, by read status, by token/key.
const Schema = `
CREATE TABLE IF NOT EXISTS websites (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	name TEXT NOT NULL,
	user_id TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	is_paused BOOLEAN NOT NULL DEFAULT FALSE,
	check_interval_minutes INT NOT NULL,
	last_checked TIMESTAMPTZ,
	notification_preference TEXT NOT NULL DEFAULT 'none',
	webhook_url TEXT,
	monitor_type TEXT NOT NULL DEFAULT 'single_page',
	crawl_limit INT,
	crawl_depth INT,
	last_crawl_at TIMESTAMPTZ,
	total_pages INT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_websites_by_user ON websites (user_id);
CREATE INDEX IF NOT EXISTS idx_websites_by_active ON websites (is_active);

CREATE TABLE IF NOT EXISTS scrape_results (
	id TEXT PRIMARY KEY,
	website_id TEXT NOT NULL REFERENCES websites(id),
	user_id TEXT NOT NULL,
	url TEXT NOT NULL,
	markdown TEXT NOT NULL,
	change_status TEXT NOT NULL,
	visibility TEXT NOT NULL DEFAULT 'visible',
	scraped_at TIMESTAMPTZ NOT NULL,
	previous_scrape_at TIMESTAMPTZ,
	title TEXT,
	description TEXT,
	og_image TEXT,
	diff JSONB,
	ai_analysis JSONB
);
CREATE INDEX IF NOT EXISTS idx_results_by_website ON scrape_results (website_id);
CREATE INDEX IF NOT EXISTS idx_results_by_website_time ON scrape_results (website_id, scraped_at);
CREATE INDEX IF NOT EXISTS idx_results_by_website_url_time ON scrape_results (website_id, url, scraped_at);
CREATE INDEX IF NOT EXISTS idx_results_by_user_time ON scrape_results (user_id, scraped_at);

CREATE TABLE IF NOT EXISTS crawl_sessions (
	id TEXT PRIMARY KEY,
	website_id TEXT NOT NULL REFERENCES websites(id),
	user_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	pages_found INT NOT NULL DEFAULT 0,
	pages_changed INT NOT NULL DEFAULT 0,
	pages_added INT NOT NULL DEFAULT 0,
	pages_removed INT NOT NULL DEFAULT 0,
	error TEXT,
	job_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_by_website ON crawl_sessions (website_id);
CREATE INDEX IF NOT EXISTS idx_sessions_by_user_time ON crawl_sessions (user_id, started_at);

CREATE TABLE IF NOT EXISTS change_alerts (
	id TEXT PRIMARY KEY,
	website_id TEXT NOT NULL REFERENCES websites(id),
	user_id TEXT NOT NULL,
	scrape_result_id TEXT NOT NULL UNIQUE REFERENCES scrape_results(id),
	change_type TEXT NOT NULL,
	summary TEXT NOT NULL,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_alerts_by_user ON change_alerts (user_id);
CREATE INDEX IF NOT EXISTS idx_alerts_by_website ON change_alerts (website_id);
CREATE INDEX IF NOT EXISTS idx_alerts_by_read_status ON change_alerts (user_id, is_read);

CREATE TABLE IF NOT EXISTS user_settings (
	user_id TEXT PRIMARY KEY,
	default_webhook_url TEXT,
	email_notifications_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	email_template TEXT,
	ai_analysis_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	ai_model TEXT,
	ai_base_url TEXT,
	ai_system_prompt TEXT,
	ai_meaningful_change_threshold INT,
	ai_api_key TEXT,
	email_only_if_meaningful BOOLEAN NOT NULL DEFAULT FALSE,
	webhook_only_if_meaningful BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS email_config (
	user_id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	is_verified BOOLEAN NOT NULL DEFAULT FALSE,
	verification_token TEXT,
	verification_expiry TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_email_config_by_email ON email_config (email);
CREATE INDEX IF NOT EXISTS idx_email_config_by_token ON email_config (verification_token);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	last_used TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_api_keys_by_user ON api_keys (user_id);
`
