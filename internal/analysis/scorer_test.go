package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/user/sitewatch/internal/domain"
	"github.com/user/sitewatch/internal/secrets"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	cipher, err := secrets.NewAESGCM(testKeyHex)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return NewScorer(cipher, zap.NewNop(), "default-model", "https://unused.invalid", 70, 5*time.Second)
}

func oracleServer(t *testing.T, score int, reasoning string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		content, _ := json.Marshal(map[string]any{"score": score, "reasoning": reasoning})
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": string(content)}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func settingsFor(baseURL string, threshold *int) *domain.UserSettings {
	return &domain.UserSettings{
		UserID:                      "u1",
		AIAnalysisEnabled:           true,
		AIBaseURL:                   &baseURL,
		AIMeaningfulChangeThreshold: threshold,
	}
}

func testDiff() *domain.DiffPayload {
	return &domain.DiffPayload{
		Text: "- old headline\n+ new headline\n",
		Ops: []domain.DiffOp{
			{Op: "delete", Text: "old headline\n"},
			{Op: "insert", Text: "new headline\n"},
		},
	}
}

func TestScoreMeaningfulAboveThreshold(t *testing.T) {
	ts := oracleServer(t, 85, "headline rewritten")
	defer ts.Close()

	got, err := newTestScorer(t).Score(context.Background(), testDiff(), settingsFor(ts.URL, nil))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.MeaningfulChangeScore != 85 {
		t.Errorf("score = %d, want 85", got.MeaningfulChangeScore)
	}
	if !got.IsMeaningfulChange {
		t.Error("85 >= default threshold 70, expected meaningful")
	}
	if got.Reasoning != "headline rewritten" {
		t.Errorf("reasoning = %q", got.Reasoning)
	}
	if got.Model != "default-model" {
		t.Errorf("model = %q, want default-model", got.Model)
	}
}

func TestScoreBelowCustomThreshold(t *testing.T) {
	ts := oracleServer(t, 40, "boilerplate churn")
	defer ts.Close()

	threshold := 30
	got, err := newTestScorer(t).Score(context.Background(), testDiff(), settingsFor(ts.URL, &threshold))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !got.IsMeaningfulChange {
		t.Error("40 >= custom threshold 30, expected meaningful")
	}

	threshold = 70
	got, err = newTestScorer(t).Score(context.Background(), testDiff(), settingsFor(ts.URL, &threshold))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.IsMeaningfulChange {
		t.Error("40 < threshold 70, expected not meaningful")
	}
}

func TestScoreUsesUserModel(t *testing.T) {
	var gotModel string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"score\":50,\"reasoning\":\"ok\"}"}}]}`)
	}))
	defer ts.Close()

	settings := settingsFor(ts.URL, nil)
	model := "custom-model"
	settings.AIModel = &model
	if _, err := newTestScorer(t).Score(context.Background(), testDiff(), settings); err != nil {
		t.Fatalf("score: %v", err)
	}
	if gotModel != "custom-model" {
		t.Errorf("oracle received model %q, want custom-model", gotModel)
	}
}

func TestScoreOracleErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json at all")
		}},
		{"no score in completion", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"verdict\":\"fine\"}"}}]}`)
		}},
		{"score out of range", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"score\":150,\"reasoning\":\"x\"}"}}]}`)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(tc.handler)
			defer ts.Close()

			_, err := newTestScorer(t).Score(context.Background(), testDiff(), settingsFor(ts.URL, nil))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, domain.ErrOracle) {
				t.Fatalf("error %v should wrap domain.ErrOracle", err)
			}
		})
	}
}

func TestScoreSendsDecryptedKey(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"score\":10,\"reasoning\":\"x\"}"}}]}`)
	}))
	defer ts.Close()

	cipher, err := secrets.NewAESGCM(testKeyHex)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	encrypted, err := cipher.Encrypt("sk-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	settings := settingsFor(ts.URL, nil)
	settings.AIAPIKey = &encrypted
	scorer := NewScorer(cipher, zap.NewNop(), "m", "https://unused.invalid", 70, 5*time.Second)
	if _, err := scorer.Score(context.Background(), testDiff(), settings); err != nil {
		t.Fatalf("score: %v", err)
	}
	if gotAuth != "Bearer sk-secret" {
		t.Errorf("Authorization = %q, want decrypted bearer token", gotAuth)
	}
}
