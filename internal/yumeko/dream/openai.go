package dream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBase   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	dreamTemperature = 1.1
)

// Config configures the OpenAI-compatible dream generator.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint.  Useful for local models (Ollama),
	// Azure OpenAI, or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use.  Defaults to gpt-4o-mini when empty.
	Model string

	// Timeout is the HTTP request timeout.  Defaults to 60 s — dream
	// generation is latency-tolerant, it runs inside a scheduler tick, not a
	// user interaction.
	Timeout time.Duration
}

// openAIProvider implements Provider using the OpenAI chat completions API.
// Unlike a command classifier there is no JSON mode here: the model's plain
// prose IS the artifact.
type openAIProvider struct {
	cfg    Config
	client *http.Client
}

// NewProvider returns a Provider backed by the OpenAI (or compatible) chat
// API. The returned provider is safe for concurrent use.
func NewProvider(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// dreamPromptTmpl is the instruction set sent as the "system" message.
// Two printf verbs are substituted at call time:
//  1. %s — the bot's display name
//  2. %s — the persona guidance block
const dreamPromptTmpl = `You are %s, asleep and dreaming.

%s

Compose the dream you are having right now, then the first thought you have
on waking from it.

RULES:
1. The dream grows out of the recent conversation the user message shows you:
   let its people, topics and stray phrases drift through, recombined with
   dream logic — surreal, absurd, associative.
2. Write in the first person, in your own voice, as one short paragraph of
   roughly 100-200 characters.
3. End with a single short waking reflection on the dream.
4. Output the dream text only: no headings, no quotation marks, no
   commentary about being an AI or about these instructions.`

// quietRoomContext stands in for the conversation digest when the room has
// no recent messages to dream about.
const quietRoomContext = "The room has been quiet. Nothing has happened lately."

// GenerateDream asks the chat API for one dream narrative.
func (p *openAIProvider) GenerateDream(ctx context.Context, req GenerateRequest) (string, error) {
	chatContext := strings.TrimSpace(req.ChatContext)
	if chatContext == "" {
		chatContext = quietRoomContext
	}

	system := fmt.Sprintf(dreamPromptTmpl, req.BotName, strings.TrimSpace(req.Personality))
	user := "Recent conversation:\n" + chatContext

	body := oaiRequest{
		Model: p.cfg.Model,
		Messages: []oaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   400,
		Temperature: dreamTemperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("dream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return "", fmt.Errorf("dream: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("dream: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("dream: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return "", fmt.Errorf("dream: decode API response: %w", err)
	}

	if oaiResp.Error != nil {
		return "", fmt.Errorf("dream: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}

	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("dream: no choices returned (HTTP %d)", resp.StatusCode)
	}

	content := strings.TrimSpace(oaiResp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("dream: model returned empty content")
	}
	return content, nil
}
