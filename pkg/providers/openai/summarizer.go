package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/resilience"
	"github.com/NikoToRA/telreq-sub001/pkg/summarize"
)

const systemPrompt = `You summarize phone call transcripts. Respond with a JSON object:
{"summary": string, "key_points": [string], "action_items": [string], "confidence": number between 0 and 1}.
Keep the summary under the requested length. Write in the transcript's language.`

// Summarizer produces call summaries through the OpenAI chat completions API.
type Summarizer struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewSummarizer(apiKey, model string) *Summarizer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Summarizer{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *Summarizer) Name() string { return "openai" }

func (s *Summarizer) Summarize(ctx context.Context, text string, cfg summarize.Config) (summarize.AIResult, error) {
	body, err := s.buildRequest(text, cfg)
	if err != nil {
		return summarize.AIResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/chat/completions", body)
	if err != nil {
		return summarize.AIResult{}, err
	}
	s.applyHeaders(req)
	resp, err := s.client().Do(req)
	if err != nil {
		return summarize.AIResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		payload, _ := io.ReadAll(resp.Body)
		return summarize.AIResult{}, resilience.RateLimitError{Provider: "openai", Message: string(payload)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return summarize.AIResult{}, errors.New(string(payload))
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return summarize.AIResult{}, err
	}
	return parseResponse(payload)
}

func (s *Summarizer) buildRequest(text string, cfg summarize.Config) (*bytes.Buffer, error) {
	user := fmt.Sprintf("Maximum summary length: %d characters. Transcript:\n%s", cfg.MaxLength, text)
	req := map[string]any{
		"model": s.Model,
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": user},
		},
		"response_format": map[string]any{"type": "json_object"},
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func parseResponse(payload map[string]any) (summarize.AIResult, error) {
	choices, _ := payload["choices"].([]any)
	if len(choices) == 0 {
		return summarize.AIResult{}, errors.New("no choices")
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)
	content, _ := msg["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return summarize.AIResult{}, errors.New("empty completion")
	}

	var parsed struct {
		Summary     string   `json:"summary"`
		KeyPoints   []string `json:"key_points"`
		ActionItems []string `json:"action_items"`
		Confidence  float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return summarize.AIResult{}, fmt.Errorf("malformed completion: %w", err)
	}
	return summarize.AIResult{
		Summary:     parsed.Summary,
		KeyPoints:   parsed.KeyPoints,
		ActionItems: parsed.ActionItems,
		Confidence:  parsed.Confidence,
	}, nil
}

func (s *Summarizer) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
}

func (s *Summarizer) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

var _ summarize.AIBackend = (*Summarizer)(nil)
