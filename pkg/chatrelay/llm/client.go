// Package llm talks to an OpenAI-compatible chat completions endpoint.
// The default target is Gemini's OpenAI-compatible API; any provider that
// speaks POST /chat/completions works.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

const (
	// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

	// DefaultModel is the model used when none is configured.
	DefaultModel = "gemini-2.0-flash"

	// DefaultTimeout bounds a single backend call.
	DefaultTimeout = 60 * time.Second
)

// Config configures the backend client.
type Config struct {
	// BaseURL is the API root; "/chat/completions" is appended.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests. Usually a ${VAR} reference or resolved
	// from the keyring.
	APIKey string `yaml:"api_key"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// Timeout bounds each completion call.
	Timeout time.Duration `yaml:"timeout"`

	// SystemPrompt is prepended to every conversation when set.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is optional; nil leaves the provider default.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens caps the reply length; 0 leaves the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// DefaultConfig returns the backend defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Model:   DefaultModel,
		Timeout: DefaultTimeout,
	}
}

// Client handles communication with the chat completions API.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	temperature  *float64
	maxTokens    int
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a client from cfg.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		httpClient: &http.Client{
			// Each call is bounded by its context deadline instead.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "model", model),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Configured reports whether an API key is available.
func (c *Client) Configured() bool { return c.apiKey != "" }

// StartSession prepares a conversation for key. The chat completions API is
// stateless, so this only verifies the client can serve requests at all.
func (c *Client) StartSession(_ context.Context, key session.Key) error {
	if !c.Configured() {
		return &Error{Kind: KindNotConfigured, Err: ErrNotConfigured}
	}
	c.logger.Debug("conversation started", "session", key.String())
	return nil
}

// ---------- Wire Types ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// ---------- Completion ----------

// buildMessages turns the session history plus the new user text into the
// request message list.
func (c *Client) buildMessages(history []session.Turn, text string) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+2)
	if c.systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: c.systemPrompt})
	}
	for _, turn := range history {
		if turn.Content == "" {
			continue
		}
		messages = append(messages, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return append(messages, chatMessage{Role: "user", Content: text})
}

// Complete sends the history and the new user text and returns the reply.
// Errors are *Error values carrying an ErrorKind.
func (c *Client) Complete(ctx context.Context, history []session.Turn, text string) (string, error) {
	if !c.Configured() {
		return "", &Error{Kind: KindNotConfigured, Err: ErrNotConfigured}
	}

	messages := c.buildMessages(history, text)
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion", "messages", len(messages), "endpoint", endpoint)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || KindOf(err) == KindTimeout {
			return "", &Error{Kind: KindTimeout, Model: c.model, Err: err}
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", &Error{Kind: KindUnavailable, Model: c.model, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Kind: KindTimeout, Model: c.model, Err: err}
		}
		return "", fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{
			Kind:       classifyAPIError(resp.StatusCode, bodyStr),
			StatusCode: resp.StatusCode,
			Body:       bodyStr,
			Model:      c.model,
		}
		c.logger.Error("API error",
			"status", resp.StatusCode,
			"kind", apiErr.Kind,
			"body", truncate(bodyStr, 500),
		)
		return "", apiErr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", &Error{Kind: KindUnknown, Model: c.model, Err: fmt.Errorf("parsing response: %w", err)}
	}

	if chatResp.Error != nil {
		return "", &Error{
			Kind:       classifyAPIError(resp.StatusCode, chatResp.Error.Message),
			StatusCode: resp.StatusCode,
			Body:       chatResp.Error.Message,
			Model:      c.model,
		}
	}

	if len(chatResp.Choices) == 0 {
		return "", &Error{Kind: KindEmptyResponse, Model: c.model, Err: errors.New("no choices in response")}
	}

	choice := chatResp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", &Error{
			Kind:  KindEmptyResponse,
			Model: c.model,
			Err:   fmt.Errorf("empty content (finish_reason=%q)", choice.FinishReason),
		}
	}

	c.logger.Info("chat completion done",
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)

	return content, nil
}
