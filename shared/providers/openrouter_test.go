package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-ai/codeforge/shared/chat"
)

func newOpenRouterServer(t *testing.T, h http.HandlerFunc) *OpenRouterAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOpenRouter(staticKeys{"openrouter": "sk-or"}, OpenRouterConfig{
		URL:     srv.URL,
		Referer: "https://forge.test",
		Title:   "Forge",
	})
}

func TestOpenRouterRequestShape(t *testing.T) {
	a := newOpenRouterServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-or", r.Header.Get("Authorization"))
		assert.Equal(t, "https://forge.test", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Forge", r.Header.Get("X-Title"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "anthropic/claude-3.5-sonnet", body["model"])
		assert.Equal(t, 0.7, body["temperature"])
		assert.Equal(t, float64(2048), body["max_tokens"])

		msgs := body["messages"].([]any)
		require.Len(t, msgs, 3)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		assert.Equal(t, "be terse", msgs[0].(map[string]any)["content"])

		last := msgs[2].(map[string]any)
		assert.Equal(t, "user", last["role"])
		parts := last["content"].([]any)
		require.Len(t, parts, 2)
		assert.Equal(t, "image_url", parts[0].(map[string]any)["type"])
		assert.Equal(t, "text", parts[1].(map[string]any)["type"])
		assert.Equal(t, "make a button", parts[1].(map[string]any)["text"])

		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})

	msg, err := a.Send(context.Background(), Request{
		Conversation: []chat.Message{
			chat.NewText(chat.RoleSystem, "be terse"),
			chat.NewText(chat.RoleUser, "hi"),
			{Role: chat.RoleAssistant, Content: chat.Content{Text: "Generating…"}, Placeholder: true},
		},
		Text:    "make a button",
		Images:  []string{"data:image/png;base64,AAAA"},
		Model:   chat.ModelSelection{ID: "claude", DisplayName: "Claude 3.5", MaxTokens: 2048},
		ModelID: "anthropic/claude-3.5-sonnet",
	})
	require.NoError(t, err)
	assert.Equal(t, chat.RoleAssistant, msg.Role)
	assert.Equal(t, "ok", msg.Content.String())
	assert.Equal(t, "Claude 3.5", msg.Model)
}

func TestOpenRouterErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   chat.ErrorKind
		code   string
		text   string
	}{
		{"error payload", 200, `{"error":{"message":"Rate limit exceeded","code":429}}`, chat.KindProviderRejected, "429", "Rate limit exceeded"},
		{"error type only", 400, `{"error":{"message":"bad model","type":"invalid_request_error"}}`, chat.KindProviderRejected, "invalid_request_error", "bad model"},
		{"error string", 200, `{"error":"quota"}`, chat.KindProviderRejected, "", "quota"},
		{"empty choices", 200, `{"choices":[]}`, chat.KindMalformedResponse, "", "no choices"},
		{"not json", 200, `<html>oops</html>`, chat.KindMalformedResponse, "", "decode response"},
		{"bare status", 502, ``, chat.KindProviderRejected, "502", "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newOpenRouterServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := a.Send(context.Background(), Request{Text: "x", ModelID: "m"})
			require.Error(t, err)

			var apiErr *chat.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.kind, apiErr.Kind)
			assert.Equal(t, "openrouter", apiErr.Provider)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Contains(t, apiErr.Message, tt.text)
		})
	}
}

func TestOpenRouterMissingKeyMakesNoCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	a := NewOpenRouter(staticKeys{}, OpenRouterConfig{URL: srv.URL})
	_, err := a.Send(context.Background(), Request{Text: "x", ModelID: "m"})
	assert.Equal(t, chat.KindCredentialMissing, chat.KindOf(err))
	assert.False(t, called)
}

func TestOpenRouterTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	a := NewOpenRouter(staticKeys{"openrouter": "k"}, OpenRouterConfig{URL: url})
	_, err := a.Send(context.Background(), Request{Text: "x", ModelID: "m"})
	assert.Equal(t, chat.KindTransportFailure, chat.KindOf(err))
}

func TestOpenRouterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newOpenRouterServer(t, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	})
	_, err := a.Send(ctx, Request{Text: "x", ModelID: "m"})
	assert.ErrorIs(t, err, chat.ErrCancelled)
	assert.Empty(t, chat.KindOf(err))
}
