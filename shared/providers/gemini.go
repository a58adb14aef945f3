package providers

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/attach"
	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/logger"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type GeminiConfig struct {
	BaseURL string
	Transport
}

// GeminiAdapter speaks the generateContent API. Assistant turns become the
// "model" role and system turns are folded into systemInstruction.
type GeminiAdapter struct {
	cfg  GeminiConfig
	keys KeySource
	http transport
	log  zerolog.Logger
}

func NewGemini(keys KeySource, cfg GeminiConfig) *GeminiAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &GeminiAdapter{
		cfg:  cfg,
		keys: keys,
		http: newTransport(Gemini, cfg.HTTPClient, cfg.Limiter),
		log:  logger.New("gemini"),
	}
}

func (a *GeminiAdapter) Kind() Kind { return Gemini }

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (a *GeminiAdapter) Send(ctx context.Context, req Request) (chat.Message, error) {
	provider := Gemini.String()
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
	endpoint := a.cfg.BaseURL + "/models/" + url.PathEscape(req.ModelID) +
		":generateContent?key=" + url.QueryEscape(cred.Value)

	a.log.Debug().Str("model", req.ModelID).Str("key", cred.ID).Int("turns", len(req.Conversation)+1).Msg("sending")
	raw, err := a.http.post(ctx, endpoint, nil, body)
	if err != nil {
		return chat.Message{}, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return chat.Message{}, malformed(provider, "decode response: %v", err)
	}
	if len(resp.Candidates) == 0 {
		if reason := resp.PromptFeedback.BlockReason; reason != "" {
			return chat.Message{}, malformed(provider, "prompt blocked: %s", reason)
		}
		return chat.Message{}, malformed(provider, "no candidates in response")
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return chat.Message{}, malformed(provider, "empty candidate (finish reason %q)", resp.Candidates[0].FinishReason)
	}
	return reply(sb.String(), req.Model), nil
}

func (a *GeminiAdapter) buildRequest(req Request) geminiRequest {
	out := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature:     a.cfg.temperature(),
			MaxOutputTokens: req.Model.MaxTokens,
		},
	}

	var system []geminiPart
	for _, m := range turns(req) {
		parts := a.parts(m.Content)
		if len(parts) == 0 {
			continue
		}
		switch m.Role {
		case chat.RoleSystem:
			system = append(system, parts...)
		case chat.RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: parts})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: parts})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	return out
}

// parts keeps the turn's part order; every part lands in one parts array.
func (a *GeminiAdapter) parts(c chat.Content) []geminiPart {
	if !c.IsParts() {
		if c.Text == "" {
			return nil
		}
		return []geminiPart{{Text: c.Text}}
	}
	out := make([]geminiPart, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case chat.PartText:
			if p.Text != "" {
				out = append(out, geminiPart{Text: p.Text})
			}
		case chat.PartImageURL:
			if p.ImageURL == nil {
				continue
			}
			mime, data, err := attach.Split(p.ImageURL.URL)
			if err != nil {
				a.log.Warn().Err(err).Msg("skipping image that is not a data url")
				continue
			}
			out = append(out, geminiPart{InlineData: &geminiInlineData{MimeType: mime, Data: data}})
		}
	}
	return out
}
