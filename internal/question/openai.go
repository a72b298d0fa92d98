package question

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/victornm/livequiz/internal/domain"
)

const systemPrompt = `You write short, rigorous multiple-choice trivia questions.
Always answer with a single JSON object and nothing else:
{"question": "...", "options": ["A", "B", "C", "D"], "correct": 0, "explanation": "..."}
The question has at most 15 words, the explanation at most 40 words, exactly one option is correct.`

// ChatSupplier asks an OpenAI compatible chat-completions endpoint for questions.
type ChatSupplier struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func NewChatSupplier(apiKey, baseURL, model string, timeout time.Duration) *ChatSupplier {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &ChatSupplier{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *ChatSupplier) Generate(ctx context.Context, spec Spec) (domain.Question, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt(spec)},
		},
		"temperature":     0.7,
		"max_tokens":      400,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return domain.Question{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.Question{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Question{}, fmt.Errorf("chat completions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return domain.Question{}, fmt.Errorf("chat completions: status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Question{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) != 1 {
		return domain.Question{}, fmt.Errorf("chat completions: %d choices, want 1", len(out.Choices))
	}

	return Parse([]byte(out.Choices[0].Message.Content), spec)
}

func prompt(spec Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", orDefault(spec.Topic, "general science"))
	fmt.Fprintf(&b, "Difficulty: %s\n", orDefault(spec.Difficulty, "medium"))
	if spec.Total > 0 {
		fmt.Fprintf(&b, "This is question %d of %d in the session.\n", spec.Index, spec.Total)
	}
	b.WriteString("Avoid trick questions and keep the four options plausible and distinct.")
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
