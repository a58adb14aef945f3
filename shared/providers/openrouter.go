package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/logger"
)

const (
	openRouterURL      = "https://openrouter.ai/api/v1/chat/completions"
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
)

type OpenRouterConfig struct {
	URL     string
	Referer string
	Title   string
	Transport
}

// OpenRouterAdapter speaks the OpenAI-compatible chat completions API.
type OpenRouterAdapter struct {
	cfg  OpenRouterConfig
	keys KeySource
	http transport
	log  zerolog.Logger
}

func NewOpenRouter(keys KeySource, cfg OpenRouterConfig) *OpenRouterAdapter {
	if cfg.URL == "" {
		cfg.URL = openRouterURL
	}
	return &OpenRouterAdapter{
		cfg:  cfg,
		keys: keys,
		http: newTransport(OpenRouter, cfg.HTTPClient, cfg.Limiter),
		log:  logger.New("openrouter"),
	}
}

func (a *OpenRouterAdapter) Kind() Kind { return OpenRouter }

type orMessage struct {
	Role    chat.Role    `json:"role"`
	Content chat.Content `json:"content"`
}

type orRequest struct {
	Model       string      `json:"model"`
	Messages    []orMessage `json:"messages"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens"`
}

type orResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (a *OpenRouterAdapter) Send(ctx context.Context, req Request) (chat.Message, error) {
	provider := OpenRouter.String()
	cred, err := a.keys.Resolve(ctx, provider)
	if err != nil {
		if ctx.Err() != nil {
			return chat.Message{}, ctxFailure(ctx, provider)
		}
		return chat.Message{}, credentialMissing(provider, err)
	}

	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return chat.Message{}, chat.WrapAPIError(chat.KindTransportFailure, provider, err)
	}

	headers := map[string]string{"Authorization": "Bearer " + cred.Value}
	if a.cfg.Referer != "" {
		headers["HTTP-Referer"] = a.cfg.Referer
	}
	if a.cfg.Title != "" {
		headers["X-Title"] = a.cfg.Title
	}

	a.log.Debug().Str("model", req.ModelID).Str("key", cred.ID).Int("turns", len(req.Conversation)+1).Msg("sending")
	raw, err := a.http.post(ctx, a.cfg.URL, headers, body)
	if err != nil {
		return chat.Message{}, err
	}

	var resp orResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return chat.Message{}, malformed(provider, "decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		return chat.Message{}, malformed(provider, "no choices in response")
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, malformed(provider, "empty completion")
	}
	return reply(text, req.Model), nil
}

func (a *OpenRouterAdapter) buildRequest(req Request) orRequest {
	history := turns(req)
	msgs := make([]orMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, orMessage{Role: m.Role, Content: m.Content})
	}
	maxTokens := req.Model.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return orRequest{
		Model:       req.ModelID,
		Messages:    msgs,
		Temperature: a.cfg.temperature(),
		MaxTokens:   maxTokens,
	}
}
