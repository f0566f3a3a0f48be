package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/sitewatch/internal/crawler"
	"github.com/user/sitewatch/internal/domain"
	"github.com/user/sitewatch/internal/scheduler"
)

type contextKey string

const userIDKey contextKey = "userID"

// apiKeyAuth resolves the X-API-Key header to a user and stamps the key's
// last-used time.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			s.respondWithError(w, http.StatusUnauthorized, "X-API-Key header is required")
			return
		}
		apiKey, err := s.pgStore.APIKeyByKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.respondWithError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			s.logger.Error("api key lookup failed", zap.Error(err))
			s.respondWithError(w, http.StatusInternalServerError, "Could not authenticate")
			return
		}
		if err := s.pgStore.TouchAPIKey(r.Context(), apiKey.ID); err != nil {
			s.logger.Warn("could not stamp api key usage", zap.Error(err))
		}
		ctx := context.WithValue(r.Context(), userIDKey, apiKey.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

type websiteResponse struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Name           string     `json:"name"`
	IsActive       bool       `json:"isActive"`
	IsPaused       bool       `json:"isPaused"`
	MonitorType    string     `json:"monitorType"`
	CheckInterval  int        `json:"checkIntervalMinutes"`
	LastChecked    *time.Time `json:"lastChecked,omitempty"`
	LastCrawlAt    *time.Time `json:"lastCrawlAt,omitempty"`
	TotalPages     *int       `json:"totalPages,omitempty"`
	Due            bool       `json:"due"`
	OverdueMinutes int        `json:"overdueMinutes"`
}

func (s *Server) handleListWebsites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.pgStore.ListWebsitesByUser(r.Context(), userID(r))
	if err != nil {
		s.logger.Error("failed to list websites", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list websites")
		return
	}

	now := time.Now().UTC()
	out := make([]websiteResponse, 0, len(sites))
	for _, site := range sites {
		resp := websiteResponse{
			ID:            site.ID,
			URL:           site.URL,
			Name:          site.Name,
			IsActive:      site.IsActive,
			IsPaused:      site.IsPaused,
			MonitorType:   string(site.MonitorType),
			CheckInterval: int(site.CheckInterval / time.Minute),
			LastChecked:   site.LastChecked,
			LastCrawlAt:   site.LastCrawlAt,
			TotalPages:    site.TotalPages,
			Due:           site.Due(now),
		}
		if resp.Due && site.LastChecked != nil {
			resp.OverdueMinutes = int((now.Sub(*site.LastChecked) - site.CheckInterval) / time.Minute)
		}
		out = append(out, resp)
	}
	s.respondWithJSON(w, http.StatusOK, out)
}

type createWebsiteRequest struct {
	URL                    string  `json:"url"`
	Name                   string  `json:"name"`
	CheckIntervalMinutes   int     `json:"checkIntervalMinutes"`
	MonitorType            string  `json:"monitorType"`
	NotificationPreference string  `json:"notificationPreference"`
	WebhookURL             *string `json:"webhookUrl"`
	CrawlLimit             *int    `json:"crawlLimit"`
	CrawlDepth             *int    `json:"crawlDepth"`
}

func (s *Server) handleCreateWebsite(w http.ResponseWriter, r *http.Request) {
	var req createWebsiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	normalized, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid website URL")
		return
	}
	if req.Name == "" || req.CheckIntervalMinutes <= 0 {
		s.respondWithError(w, http.StatusBadRequest, "name and a positive checkIntervalMinutes are required")
		return
	}
	monitorType := domain.MonitorType(req.MonitorType)
	if req.MonitorType == "" {
		monitorType = domain.MonitorSinglePage
	} else if !monitorType.Valid() {
		s.respondWithError(w, http.StatusBadRequest, "monitorType must be single_page or full_site")
		return
	}
	pref := domain.NotificationPreference(req.NotificationPreference)
	if req.NotificationPreference == "" {
		pref = domain.NotifyNone
	} else if !pref.Valid() {
		s.respondWithError(w, http.StatusBadRequest, "notificationPreference must be none, email, webhook or both")
		return
	}

	site := &domain.Website{
		URL:                    normalized,
		Name:                   req.Name,
		UserID:                 userID(r),
		IsActive:               true,
		CheckInterval:          time.Duration(req.CheckIntervalMinutes) * time.Minute,
		NotificationPreference: pref,
		WebhookURL:             req.WebhookURL,
		MonitorType:            monitorType,
		CrawlLimit:             req.CrawlLimit,
		CrawlDepth:             req.CrawlDepth,
	}
	if err := s.pgStore.CreateWebsite(r.Context(), site); err != nil {
		s.logger.Error("failed to create website", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not create website")
		return
	}
	s.respondWithJSON(w, http.StatusCreated, map[string]string{"id": site.ID, "url": site.URL})
}

// ownedWebsite loads the website and enforces that it belongs to the caller.
func (s *Server) ownedWebsite(w http.ResponseWriter, r *http.Request) *domain.Website {
	site, err := s.pgStore.GetWebsite(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Website not found")
			return nil
		}
		s.logger.Error("failed to load website", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not load website")
		return nil
	}
	if site.UserID != userID(r) {
		s.respondWithError(w, http.StatusNotFound, "Website not found")
		return nil
	}
	return site
}

func (s *Server) handleLatestResult(w http.ResponseWriter, r *http.Request) {
	site := s.ownedWebsite(w, r)
	if site == nil {
		return
	}
	res, err := s.pgStore.LatestResultForWebsite(r.Context(), site.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "No scrape results yet")
			return
		}
		s.logger.Error("failed to load latest result", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not load result")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]any{
		"id":           res.ID,
		"url":          res.URL,
		"changeStatus": res.ChangeStatus,
		"scrapedAt":    res.ScrapedAt,
		"title":        res.Title,
		"description":  res.Description,
		"markdown":     res.Markdown,
		"diff":         res.Diff,
		"aiAnalysis":   res.AIAnalysis,
	})
}

func (s *Server) handleTriggerCheck(w http.ResponseWriter, r *http.Request) {
	site := s.ownedWebsite(w, r)
	if site == nil {
		return
	}
	switch err := s.scheduler.Admit(r.Context(), site); {
	case err == nil:
		s.respondWithJSON(w, http.StatusAccepted, map[string]string{"message": "Check started"})
	case errors.Is(err, scheduler.ErrCheckInFlight):
		s.respondWithError(w, http.StatusConflict, "A check is already running for this website")
	case errors.Is(err, scheduler.ErrSaturated):
		s.respondWithError(w, http.StatusServiceUnavailable, "Too many checks in flight, try again shortly")
	default:
		s.logger.Error("manual check admission failed", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not start check")
	}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "1"
	alerts, err := s.pgStore.ListAlerts(r.Context(), userID(r), unreadOnly)
	if err != nil {
		s.logger.Error("failed to list alerts", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list alerts")
		return
	}
	s.respondWithJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleMarkAlertRead(w http.ResponseWriter, r *http.Request) {
	err := s.pgStore.MarkAlertRead(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Alert not found")
			return
		}
		s.logger.Error("failed to mark alert read", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not update alert")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"message": "Alert marked read"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			s.respondWithError(w, http.StatusBadRequest, "limit must be in [1,100]")
			return
		}
		limit = n
	}
	sessions, err := s.pgStore.ListSessionsByUser(r.Context(), userID(r), limit)
	if err != nil {
		s.logger.Error("failed to list sessions", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list sessions")
		return
	}
	s.respondWithJSON(w, http.StatusOK, sessions)
}

type settingsResponse struct {
	DefaultWebhookURL           *string `json:"defaultWebhookUrl"`
	EmailNotificationsEnabled   bool    `json:"emailNotificationsEnabled"`
	EmailTemplate               *string `json:"emailTemplate"`
	AIAnalysisEnabled           bool    `json:"aiAnalysisEnabled"`
	AIModel                     *string `json:"aiModel"`
	AIBaseURL                   *string `json:"aiBaseUrl"`
	AISystemPrompt              *string `json:"aiSystemPrompt"`
	AIMeaningfulChangeThreshold *int    `json:"aiMeaningfulChangeThreshold"`
	HasAIAPIKey                 bool    `json:"hasAiApiKey"`
	EmailOnlyIfMeaningful       bool    `json:"emailOnlyIfMeaningful"`
	WebhookOnlyIfMeaningful     bool    `json:"webhookOnlyIfMeaningful"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.pgStore.SettingsForUser(r.Context(), userID(r))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			settings = domain.DefaultSettings(userID(r))
		} else {
			s.logger.Error("failed to load settings", zap.Error(err))
			s.respondWithError(w, http.StatusInternalServerError, "Could not load settings")
			return
		}
	}
	s.respondWithJSON(w, http.StatusOK, settingsResponse{
		DefaultWebhookURL:           settings.DefaultWebhookURL,
		EmailNotificationsEnabled:   settings.EmailNotificationsEnabled,
		EmailTemplate:               settings.EmailTemplate,
		AIAnalysisEnabled:           settings.AIAnalysisEnabled,
		AIModel:                     settings.AIModel,
		AIBaseURL:                   settings.AIBaseURL,
		AISystemPrompt:              settings.AISystemPrompt,
		AIMeaningfulChangeThreshold: settings.AIMeaningfulChangeThreshold,
		HasAIAPIKey:                 settings.AIAPIKey != nil,
		EmailOnlyIfMeaningful:       settings.EmailOnlyIfMeaningful,
		WebhookOnlyIfMeaningful:     settings.WebhookOnlyIfMeaningful,
	})
}

type updateSettingsRequest struct {
	DefaultWebhookURL           *string `json:"defaultWebhookUrl"`
	EmailNotificationsEnabled   bool    `json:"emailNotificationsEnabled"`
	EmailTemplate               *string `json:"emailTemplate"`
	AIAnalysisEnabled           bool    `json:"aiAnalysisEnabled"`
	AIModel                     *string `json:"aiModel"`
	AIBaseURL                   *string `json:"aiBaseUrl"`
	AISystemPrompt              *string `json:"aiSystemPrompt"`
	AIMeaningfulChangeThreshold *int    `json:"aiMeaningfulChangeThreshold"`
	AIAPIKey                    *string `json:"aiApiKey"` // plaintext, encrypted before storage
	EmailOnlyIfMeaningful       bool    `json:"emailOnlyIfMeaningful"`
	WebhookOnlyIfMeaningful     bool    `json:"webhookOnlyIfMeaningful"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	settings := &domain.UserSettings{
		UserID:                      userID(r),
		DefaultWebhookURL:           req.DefaultWebhookURL,
		EmailNotificationsEnabled:   req.EmailNotificationsEnabled,
		EmailTemplate:               req.EmailTemplate,
		AIAnalysisEnabled:           req.AIAnalysisEnabled,
		AIModel:                     req.AIModel,
		AIBaseURL:                   req.AIBaseURL,
		AISystemPrompt:              req.AISystemPrompt,
		AIMeaningfulChangeThreshold: req.AIMeaningfulChangeThreshold,
		EmailOnlyIfMeaningful:       req.EmailOnlyIfMeaningful,
		WebhookOnlyIfMeaningful:     req.WebhookOnlyIfMeaningful,
	}
	if req.AIAPIKey != nil && *req.AIAPIKey != "" {
		encrypted, err := s.cipher.Encrypt(*req.AIAPIKey)
		if err != nil {
			s.logger.Error("failed to encrypt api key", zap.Error(err))
			s.respondWithError(w, http.StatusInternalServerError, "Could not store API key")
			return
		}
		settings.AIAPIKey = &encrypted
	}

	if err := s.pgStore.SaveUserSettings(r.Context(), settings); err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			s.respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to save settings", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not save settings")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"message": "Settings saved"})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.respondWithError(w, http.StatusBadRequest, "token query parameter is required")
		return
	}
	cfg, err := s.pgStore.EmailConfigByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Unknown verification token")
			return
		}
		s.logger.Error("email verification lookup failed", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not verify email")
		return
	}
	if cfg.VerificationExpiry != nil && time.Now().After(*cfg.VerificationExpiry) {
		s.respondWithError(w, http.StatusGone, "Verification token expired")
		return
	}
	if err := s.pgStore.MarkEmailVerified(r.Context(), cfg.UserID); err != nil {
		s.logger.Error("email verification update failed", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not verify email")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"message": "Email verified"})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	healthStatus := make(map[string]string)

	if err := s.pgStore.Ping(ctx); err != nil {
		healthStatus["postgres"] = "unhealthy"
		s.logger.Error("health check failed for postgres", zap.Error(err))
	} else {
		healthStatus["postgres"] = "healthy"
	}

	if err := s.redisStore.Ping(ctx); err != nil {
		healthStatus["redis"] = "unhealthy"
		s.logger.Error("health check failed for redis", zap.Error(err))
	} else {
		healthStatus["redis"] = "healthy"
	}

	isHealthy := healthStatus["postgres"] == "healthy" && healthStatus["redis"] == "healthy"
	if !isHealthy {
		s.respondWithJSON(w, http.StatusServiceUnavailable, healthStatus)
		return
	}
	s.respondWithJSON(w, http.StatusOK, healthStatus)
}

// --- Helper Functions ---

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
