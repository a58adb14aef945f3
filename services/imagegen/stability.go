package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/keys"
)

const (
	defaultStabilityURL = "https://api.stability.ai"
	defaultEngine       = "stable-diffusion-xl-1024-v1-0"
	providerName        = "stability"
)

// Generation defaults applied when the request leaves a field unset.
const (
	defaultSize     = 1024
	defaultSteps    = 30
	defaultCfgScale = 7
	defaultSamples  = 1
)

type keySource interface {
	Resolve(ctx context.Context, provider string) (keys.Credential, error)
}

// TextToImage is one text-to-image call. Zero fields take the defaults above.
type TextToImage struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	CfgScale       float64
	Samples        int
	StylePreset    string
}

type Artifact struct {
	Base64       string `json:"base64"`
	Seed         uint64 `json:"seed"`
	FinishReason string `json:"finishReason"`
}

// Stability talks to the v1 generation API with the dream_studio key.
type Stability struct {
	baseURL string
	engine  string
	keys    keySource
	client  *http.Client
	limiter *rate.Limiter
}

func NewStability(baseURL, engine string, keys keySource, client *http.Client, limiter *rate.Limiter) *Stability {
	if baseURL == "" {
		baseURL = defaultStabilityURL
	}
	if engine == "" {
		engine = defaultEngine
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Stability{
		baseURL: strings.TrimRight(baseURL, "/"),
		engine:  engine,
		keys:    keys,
		client:  client,
		limiter: limiter,
	}
}

type textPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type textToImageBody struct {
	TextPrompts []textPrompt `json:"text_prompts"`
	CfgScale    float64      `json:"cfg_scale"`
	Height      int          `json:"height"`
	Width       int          `json:"width"`
	Samples     int          `json:"samples"`
	Steps       int          `json:"steps"`
	StylePreset string       `json:"style_preset,omitempty"`
}

func (s *Stability) Generate(ctx context.Context, req TextToImage) ([]Artifact, error) {
	cred, err := s.keys.Resolve(ctx, keys.ProviderDreamStudio)
	if err != nil {
		return nil, chat.WrapAPIError(chat.KindCredentialMissing, providerName, err)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	b, err := json.Marshal(bodyFor(req))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/generation/%s/text-to-image", s.baseURL, url.PathEscape(s.engine))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Value)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, chat.WrapAPIError(chat.KindTransportFailure, providerName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, chat.WrapAPIError(chat.KindTransportFailure, providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, rejection(resp.StatusCode, raw)
	}

	var out struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, chat.WrapAPIError(chat.KindMalformedResponse, providerName, err)
	}
	if len(out.Artifacts) == 0 {
		return nil, chat.NewAPIError(chat.KindMalformedResponse, providerName, "no artifacts in response")
	}
	return out.Artifacts, nil
}

// rejection reads the {id, name, message} error body.
func rejection(status int, raw []byte) *chat.APIError {
	msg := gjson.GetBytes(raw, "message").String()
	if msg == "" {
		msg = http.StatusText(status)
	}
	apiErr := chat.NewAPIError(chat.KindProviderRejected, providerName, msg)
	apiErr.Code = gjson.GetBytes(raw, "name").String()
	if apiErr.Code == "" {
		apiErr.Code = fmt.Sprint(status)
	}
	return apiErr
}

func bodyFor(req TextToImage) textToImageBody {
	b := textToImageBody{
		TextPrompts: []textPrompt{{Text: req.Prompt, Weight: 1}},
		CfgScale:    req.CfgScale,
		Height:      req.Height,
		Width:       req.Width,
		Samples:     req.Samples,
		Steps:       req.Steps,
		StylePreset: req.StylePreset,
	}
	if strings.TrimSpace(req.NegativePrompt) != "" {
		b.TextPrompts = append(b.TextPrompts, textPrompt{Text: req.NegativePrompt, Weight: -1})
	}
	if b.CfgScale <= 0 {
		b.CfgScale = defaultCfgScale
	}
	if b.Height <= 0 {
		b.Height = defaultSize
	}
	if b.Width <= 0 {
		b.Width = defaultSize
	}
	if b.Samples <= 0 {
		b.Samples = defaultSamples
	}
	if b.Steps <= 0 {
		b.Steps = defaultSteps
	}
	return b
}
