package llm

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
	defaultHTTPTimeout = 30 * time.Second
	defaultChatPath    = "/v1/chat/completions"
)

// HTTPConfig configures the OpenAI-compatible provider.
type HTTPConfig struct {
	// BaseURL is the API root (e.g., "https://api.openai.com"). The
	// chat-completions path is appended.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Model is the model identifier sent with every request.
	Model string
	// Timeout sets the HTTP call timeout. Default: 30s.
	Timeout time.Duration
}

// HTTPProvider talks to any endpoint that speaks the OpenAI chat-completions
// dialect, which covers the hosted APIs as well as local gateways.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPProvider creates a provider for an OpenAI-compatible endpoint.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Provider.
func (p *HTTPProvider) Complete(ctx context.Context, msgs []Message, opts *Options) (*Completion, error) {
	api := make([]Message, 0, len(msgs)+1)
	if sys := opts.system(); sys != "" {
		api = append(api, Message{Role: "system", Content: sys})
	}
	for _, m := range msgs {
		if m.Role == "system" && opts.system() != "" {
			continue
		}
		api = append(api, m)
	}

	body, err := json.Marshal(chatRequest{
		Model:     p.cfg.Model,
		Messages:  api,
		MaxTokens: opts.maxTokens(),
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+defaultChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm: api status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty choices in response")
	}

	model := cr.Model
	if model == "" {
		model = p.cfg.Model
	}
	return &Completion{
		Content: cr.Choices[0].Message.Content,
		Model:   model,
		Usage: Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
		StopReason: cr.Choices[0].FinishReason,
	}, nil
}

// CompleteStructured implements Provider.
func (p *HTTPProvider) CompleteStructured(ctx context.Context, msgs []Message, schemaJSON string, out any, opts *Options) error {
	completion, err := p.Complete(ctx, appendSchema(msgs, schemaJSON), opts)
	if err != nil {
		return err
	}
	return decodeStructured(completion.Content, schemaJSON, out)
}
