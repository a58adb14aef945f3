package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/keys"
)

type staticKeys map[string]string

func (s staticKeys) Resolve(_ context.Context, provider string) (keys.Credential, error) {
	v, ok := s[provider]
	if !ok {
		return keys.Credential{}, keys.ErrNotFound
	}
	return keys.Credential{Provider: provider, Value: v}, nil
}

func TestGenerateRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generation/sdxl/text-to-image", r.URL.Path)
		assert.Equal(t, "Bearer sk-ds", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		var body textToImageBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.TextPrompts, 2)
		assert.Equal(t, "a red fox", body.TextPrompts[0].Text)
		assert.Equal(t, float64(-1), body.TextPrompts[1].Weight)
		assert.Equal(t, 1024, body.Width)
		assert.Equal(t, 512, body.Height)
		assert.Equal(t, defaultSteps, body.Steps)
		assert.Equal(t, float64(defaultCfgScale), body.CfgScale)
		assert.Equal(t, 1, body.Samples)
		assert.Equal(t, "pixel-art", body.StylePreset)

		w.Write([]byte(`{"artifacts":[{"base64":"AAAA","seed":42,"finishReason":"SUCCESS"}]}`))
	}))
	defer srv.Close()

	s := NewStability(srv.URL+"/", "sdxl", staticKeys{keys.ProviderDreamStudio: "sk-ds"}, srv.Client(), nil)
	arts, err := s.Generate(context.Background(), TextToImage{
		Prompt: "a red fox", NegativePrompt: "blurry", Height: 512, StylePreset: "pixel-art",
	})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, uint64(42), arts[0].Seed)
	assert.Equal(t, "SUCCESS", arts[0].FinishReason)
}

func TestGenerateErrors(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantKind chat.ErrorKind
		wantCode string
		wantMsg  string
	}{
		{"api error", 400, `{"id":"x","name":"invalid_prompts","message":"prompt is flagged"}`, chat.KindProviderRejected, "invalid_prompts", "prompt is flagged"},
		{"bare status", 401, ``, chat.KindProviderRejected, "401", "Unauthorized"},
		{"no artifacts", 200, `{"artifacts":[]}`, chat.KindMalformedResponse, "", "no artifacts"},
		{"not json", 200, `<html>`, chat.KindMalformedResponse, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s := NewStability(srv.URL, "", staticKeys{keys.ProviderDreamStudio: "k"}, srv.Client(), nil)
			_, err := s.Generate(context.Background(), TextToImage{Prompt: "x"})

			var apiErr *chat.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.wantKind, apiErr.Kind)
			assert.Equal(t, tc.wantCode, apiErr.Code)
			assert.Contains(t, apiErr.Message, tc.wantMsg)
		})
	}
}

func TestGenerateWithoutKeyMakesNoCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := NewStability(srv.URL, "", staticKeys{}, srv.Client(), nil)
	_, err := s.Generate(context.Background(), TextToImage{Prompt: "x"})

	assert.Equal(t, chat.KindCredentialMissing, chat.KindOf(err))
	assert.ErrorIs(t, err, keys.ErrNotFound)
	assert.False(t, called)
}
