package client

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

	"golang.org/x/time/rate"

	"projectbot-core/internal/domain/entity"
)

const (
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultOpenAIBaseURL = "https://api.openai.com"

	openAIMaxTokens   = 500
	openAITemperature = 0.3
)

type OpenAIConfig struct {
	APIKey  string `json:"-"`
	Model   string
	BaseURL string
	// RequestsPerSecond paces outgoing calls; zero means 2.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// OpenAIProvider speaks the chat completions API. It does not retry; the
// orchestrator owns retry and fallback.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (o *OpenAIProvider) Name() entity.ProviderName { return entity.ProviderOpenAI }

func (o *OpenAIProvider) Invoke(ctx context.Context, inv entity.Invocation) (string, error) {
	if o.apiKey == "" {
		return "", entity.NewProviderError(entity.ProviderOpenAI, entity.KindAuth, 0, errMissingKey)
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return "", o.transportError(ctx, fmt.Errorf("rate limiter: %w", err))
	}

	messages := make([]chatMessage, 0, len(inv.History)+2)
	messages = append(messages, chatMessage{Role: "system", Content: SystemPrompt(inv)})
	for _, t := range inv.History {
		role := "assistant"
		if t.Role == entity.RoleUser {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: t.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: inv.Prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   openAIMaxTokens,
		Temperature: openAITemperature,
	})
	if err != nil {
		return "", entity.NewProviderError(entity.ProviderOpenAI, entity.KindOther, 0, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", entity.NewProviderError(entity.ProviderOpenAI, entity.KindOther, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", o.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", o.transportError(ctx, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var eb openAIErrorBody
		detail := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &eb) == nil && eb.Error.Message != "" {
			detail = eb.Error.Code + " " + eb.Error.Type + ": " + eb.Error.Message
		}
		kind := kindForStatus(resp.StatusCode, detail)
		return "", entity.NewProviderError(entity.ProviderOpenAI, kind, resp.StatusCode, errors.New(detail))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", entity.NewProviderError(entity.ProviderOpenAI, entity.KindOther, resp.StatusCode, fmt.Errorf("parse response: %w", err))
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return "", entity.NewProviderError(entity.ProviderOpenAI, entity.KindOther, resp.StatusCode, errors.New("empty response"))
	}
	return cr.Choices[0].Message.Content, nil
}

func (o *OpenAIProvider) transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return entity.NewProviderError(entity.ProviderOpenAI, entity.KindTimeout, 0, err)
	}
	return entity.NewProviderError(entity.ProviderOpenAI, entity.KindOther, 0, err)
}
