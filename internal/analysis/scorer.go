// Package analysis calls the external scoring oracle to judge whether a
// content change is meaningful to the user.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/user/sitewatch/internal/domain"
	"github.com/user/sitewatch/internal/secrets"
)

const defaultSystemPrompt = `You review diffs of monitored web pages. ` +
	`Rate how meaningful the change is to a reader on a 0-100 scale, where ` +
	`cosmetic or boilerplate churn scores low and substantive content changes score high. ` +
	`Respond with a JSON object: {"score": <0-100>, "reasoning": "<one or two sentences>"}.`

// Scorer invokes an OpenAI-compatible chat-completions endpoint with the
// user's model, base URL and (encrypted) API key.
type Scorer struct {
	client           *retryablehttp.Client
	cipher           secrets.Cipher
	logger           *zap.Logger
	defaultModel     string
	defaultBaseURL   string
	defaultThreshold int
}

func NewScorer(cipher secrets.Cipher, logger *zap.Logger, defaultModel, defaultBaseURL string, defaultThreshold int, timeout time.Duration) *Scorer {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return &Scorer{
		client:           client,
		cipher:           cipher,
		logger:           logger,
		defaultModel:     defaultModel,
		defaultBaseURL:   defaultBaseURL,
		defaultThreshold: defaultThreshold,
	}
}

// Score submits the diff to the oracle and converts its reply into an
// AIAnalysis. Every failure mode returns a wrapped domain.ErrOracle; the
// caller persists the result without an analysis in that case.
func (s *Scorer) Score(ctx context.Context, diff *domain.DiffPayload, settings *domain.UserSettings) (*domain.AIAnalysis, error) {
	model := s.defaultModel
	if settings.AIModel != nil && *settings.AIModel != "" {
		model = *settings.AIModel
	}
	baseURL := s.defaultBaseURL
	if settings.AIBaseURL != nil && *settings.AIBaseURL != "" {
		baseURL = *settings.AIBaseURL
	}
	systemPrompt := defaultSystemPrompt
	if settings.AISystemPrompt != nil && *settings.AISystemPrompt != "" {
		systemPrompt = *settings.AISystemPrompt
	}

	var apiKey string
	if settings.AIAPIKey != nil && *settings.AIAPIKey != "" {
		decrypted, err := s.cipher.Decrypt(*settings.AIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt api key: %v", domain.ErrOracle, err)
		}
		apiKey = decrypted
	}

	body, err := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": "Page diff:\n\n" + diff.Text},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrOracle, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrOracle, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOracle, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrOracle, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", domain.ErrOracle, resp.StatusCode)
	}

	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() {
		return nil, fmt.Errorf("%w: no completion in response", domain.ErrOracle)
	}
	scoreField := gjson.Get(content.String(), "score")
	if !scoreField.Exists() {
		return nil, fmt.Errorf("%w: completion carries no score", domain.ErrOracle)
	}
	score := int(scoreField.Int())
	if score < 0 || score > 100 {
		return nil, fmt.Errorf("%w: score %d out of range", domain.ErrOracle, score)
	}

	threshold := settings.Threshold(s.defaultThreshold)
	return &domain.AIAnalysis{
		MeaningfulChangeScore: score,
		IsMeaningfulChange:    score >= threshold,
		Reasoning:             gjson.Get(content.String(), "reasoning").String(),
		Model:                 model,
		AnalyzedAt:            time.Now().UTC(),
	}, nil
}
