package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"projectbot-core/internal/domain/entity"
)

const (
	DefaultGeminiModel = "gemini-2.5-flash"

	geminiTemperature = 0.3
	geminiTopP        = 0.95
	geminiTopK        = 40
	geminiMaxTokens   = 500
)

var errMissingKey = errors.New("API key is not configured")

type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider connects to the Gemini API. An empty key is not an
// error here; every call then fails as an authentication error.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	if apiKey == "" {
		return &GeminiProvider{model: model}, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GeminiProvider{client: c, model: model}, nil
}

func NewGeminiProviderFromClient(c *genai.Client, model string) *GeminiProvider {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiProvider{client: c, model: model}
}

func (g *GeminiProvider) Name() entity.ProviderName { return entity.ProviderGemini }

func (g *GeminiProvider) Invoke(ctx context.Context, inv entity.Invocation) (string, error) {
	if g.client == nil {
		return "", entity.NewProviderError(entity.ProviderGemini, entity.KindAuth, 0, errMissingKey)
	}

	contents := make([]*genai.Content, 0, len(inv.History)+1)
	for _, t := range inv.History {
		role := genai.Role(genai.RoleUser)
		if t.Role != entity.RoleUser {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(inv.Prompt, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(inv), genai.RoleUser),
		Temperature:       genai.Ptr[float32](geminiTemperature),
		TopP:              genai.Ptr[float32](geminiTopP),
		TopK:              genai.Ptr[float32](geminiTopK),
		MaxOutputTokens:   geminiMaxTokens,
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", entity.NewProviderError(entity.ProviderGemini, entity.KindOther, 0, errors.New("empty response"))
	}
	return text, nil
}

// classifyGeminiError maps genai failures onto the provider taxonomy.
func classifyGeminiError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return entity.NewProviderError(entity.ProviderGemini, entity.KindTimeout, 0, err)
	}

	var code int
	var msg string
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code, msg = apiErr.Code, apiErr.Message+" "+apiErr.Status
	case errors.As(err, &apiErrPtr):
		code, msg = apiErrPtr.Code, apiErrPtr.Message+" "+apiErrPtr.Status
	default:
		return entity.NewProviderError(entity.ProviderGemini, entity.KindOther, 0, err)
	}

	return entity.NewProviderError(entity.ProviderGemini, kindForStatus(code, msg), code, err)
}

// kindForStatus is shared by the HTTP-speaking providers.
func kindForStatus(code int, msg string) entity.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return entity.KindAuth
	case code == http.StatusBadRequest && strings.Contains(lower, "api key"):
		return entity.KindAuth
	case code == http.StatusTooManyRequests || strings.Contains(lower, "resource_exhausted"):
		return entity.KindRateLimit
	case code == http.StatusRequestEntityTooLarge || isContextLength(lower):
		return entity.KindContextTooLarge
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout || strings.Contains(lower, "deadline_exceeded"):
		return entity.KindTimeout
	default:
		return entity.KindOther
	}
}

func isContextLength(lower string) bool {
	for _, marker := range []string{"context_length_exceeded", "too many tokens", "token count", "maximum context length", "input token", "too long"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
