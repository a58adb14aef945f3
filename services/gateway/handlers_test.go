package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-ai/codeforge/shared/catalog"
	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/keys"
	"github.com/forge-ai/codeforge/shared/logger"
	"github.com/forge-ai/codeforge/shared/ratelimit"
	"github.com/forge-ai/codeforge/shared/supabase"
)

type emitted struct {
	key     string
	payload any
}

type fakePublisher struct {
	mu  sync.Mutex
	out []emitted
	err error
}

func (f *fakePublisher) Emit(_ context.Context, key string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, emitted{key, payload})
	return nil
}

func newTestGateway(t *testing.T, db *supabase.Client, km keys.Manager) (*gateway, *fakePublisher) {
	t.Helper()
	models, err := catalog.Load("")
	require.NoError(t, err)
	if db == nil {
		db = supabase.New("", "")
	}
	pub := &fakePublisher{}
	return &gateway{
		pub:    pub,
		hub:    newHub(),
		db:     db,
		models: models,
		keys:   km,
		log:    logger.New("gateway"),
	}, pub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestSendMessagePublishesChatSend(t *testing.T) {
	gw, pub := newTestGateway(t, nil, nil)
	mux := gw.routes(nil, "")

	rec := do(t, mux, http.MethodPost, "/api/chats/c1/messages", `{"model_id":"gpt-4o","text":"a navbar"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp["request_id"])

	require.Len(t, pub.out, 1)
	assert.Equal(t, events.ChatSend, pub.out[0].key)
	p := pub.out[0].payload.(events.ChatSendPayload)
	assert.Equal(t, "c1", p.ChatID)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "gpt-4o", p.ModelID)
	assert.Equal(t, resp["request_id"], p.RequestID)
}

func TestSendMessageValidation(t *testing.T) {
	gw, pub := newTestGateway(t, nil, nil)
	mux := gw.routes(nil, "")

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"empty", `{"text":"  "}`},
		{"too many images", `{"text":"x","images":["data:a","data:b","data:c"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, mux, http.MethodPost, "/api/chats/c1/messages", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, pub.out)
}

func TestRegenerateDefaultsToLatestReply(t *testing.T) {
	gw, pub := newTestGateway(t, nil, nil)
	mux := gw.routes(nil, "")

	rec := do(t, mux, http.MethodPost, "/api/chats/c1/regenerate", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, mux, http.MethodPost, "/api/chats/c1/regenerate", `{"index":0}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, pub.out, 2)
	assert.Equal(t, -1, pub.out[0].payload.(events.ChatRegeneratePayload).Index)
	assert.Equal(t, 0, pub.out[1].payload.(events.ChatRegeneratePayload).Index)
}

func TestStopPublishes(t *testing.T) {
	gw, pub := newTestGateway(t, nil, nil)

	rec := do(t, gw.routes(nil, ""), http.MethodPost, "/api/chats/c1/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.out, 1)
	assert.Equal(t, events.ChatStop, pub.out[0].key)
}

func TestPublishFailure(t *testing.T) {
	gw, pub := newTestGateway(t, nil, nil)
	pub.err = errors.New("channel closed")

	rec := do(t, gw.routes(nil, ""), http.MethodPost, "/api/chats/c1/stop", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestImagesAndReports(t *testing.T) {
	gw, pub := newTestGateway(t, nil, nil)
	mux := gw.routes(nil, "")

	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/images", `{"prompt":""}`).Code)
	assert.Equal(t, http.StatusAccepted, do(t, mux, http.MethodPost, "/api/images", `{"prompt":"a fox","samples":2}`).Code)

	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/reports", `{"message":"broken"}`).Code)
	assert.Equal(t, http.StatusAccepted, do(t, mux, http.MethodPost, "/api/reports", `{"reference":"cq1","message":"broken"}`).Code)

	require.Len(t, pub.out, 2)
	img := pub.out[0].payload.(events.ImageRequestedPayload)
	assert.Equal(t, "a fox", img.Prompt)
	assert.NotEmpty(t, img.RequestID)
	rep := pub.out[1].payload.(events.ReportRequestedPayload)
	assert.Equal(t, "cq1", rep.Reference)
	assert.Equal(t, "u1", rep.UserID)
}

func TestListModels(t *testing.T) {
	gw, _ := newTestGateway(t, nil, nil)

	rec := do(t, gw.routes(nil, ""), http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
		Defaults map[string]string `json:"defaults"`
	}
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.Models)
	assert.Equal(t, "gemini", resp.Models[0].ID)
	assert.Equal(t, "openai/gpt-4o-mini", resp.Defaults["openrouter"])
}

func TestGetProjectHidesSystemAndPlaceholders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/projects", r.URL.Path)
		assert.Equal(t, "eq.c1", r.URL.Query().Get("id"))
		w.Write([]byte(`[{"id":"c1","conversation":[
			{"role":"system","content":"write code"},
			{"role":"user","content":"a navbar"},
			{"role":"assistant","content":"Generating…","placeholder":true}
		],"generated_code":{"html":"<nav></nav>"}}]`))
	}))
	defer srv.Close()

	gw, _ := newTestGateway(t, supabase.New(srv.URL, "k"), nil)
	rec := do(t, gw.routes(nil, ""), http.MethodGet, "/api/projects/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []map[string]any `json:"messages"`
		Code     map[string]any   `json:"code"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "user", resp.Messages[0]["role"])
	assert.Equal(t, "<nav></nav>", resp.Code["html"])
}

func TestGetProjectWithoutStorage(t *testing.T) {
	gw, _ := newTestGateway(t, nil, nil)
	rec := do(t, gw.routes(nil, ""), http.MethodGet, "/api/projects/c1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeyManagement(t *testing.T) {
	store, err := keys.OpenSQL(context.Background(), "sqlite", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw, _ := newTestGateway(t, nil, store)
	mux := gw.routes(nil, "")

	rec := do(t, mux, http.MethodPost, "/api/keys/gemini", `{"api_key":"AIza-first-1111","priority":5}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first keyView
	decode(t, rec, &first)
	assert.Equal(t, "••••••••1111", first.Masked)

	rec = do(t, mux, http.MethodPost, "/api/keys/gemini", `{"api_key":"AIza-second-2222","priority":9}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var second keyView
	decode(t, rec, &second)

	rec = do(t, mux, http.MethodPut, "/api/keys/gemini/order", `{"ids":["`+second.ID+`","`+first.ID+`"]}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/keys/gemini", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "AIza")
	var list []keyView
	decode(t, rec, &list)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	assert.Equal(t, http.StatusNoContent, do(t, mux, http.MethodDelete, "/api/keys/gemini/"+first.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodDelete, "/api/keys/gemini/"+first.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/keys/anthropic", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/keys/gemini", `{"api_key":" "}`).Code)
}

func TestKeyManagementWithoutStore(t *testing.T) {
	gw, _ := newTestGateway(t, nil, nil)
	rec := do(t, gw.routes(nil, ""), http.MethodGet, "/api/keys/gemini", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitedRoutes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gw, pub := newTestGateway(t, nil, nil)
	mux := gw.routes(ratelimit.New(rdb, "test", 1, time.Hour), "")

	body := `{"text":"a navbar"}`
	assert.Equal(t, http.StatusAccepted, do(t, mux, http.MethodPost, "/api/chats/c1/messages", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, mux, http.MethodPost, "/api/chats/c1/messages", body).Code)
	assert.Equal(t, http.StatusAccepted, do(t, mux, http.MethodPost, "/api/chats/c1/stop", "").Code, "stop is never limited")
	assert.Len(t, pub.out, 2)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "•••", mask("abc"))
	assert.Equal(t, "••••••••wxyz", mask("sk-or-v1-abcdwxyz"))
}

func TestCORSOrigins(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	cases := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"any origin when unset", nil, "https://evil.example", "*"},
		{"listed origin echoed", []string{"https://app.example", "http://localhost:5173"}, "http://localhost:5173", "http://localhost:5173"},
		{"unlisted origin refused", []string{"https://app.example"}, "https://evil.example", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			cors(tc.origins, ok).ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestConfigReadsCORSOrigins(t *testing.T) {
	t.Setenv("CORS_ORIGINS", " https://app.example, ,http://localhost:5173 ")
	assert.Equal(t, []string{"https://app.example", "http://localhost:5173"}, ConfigFromEnv().CORSOrigins)
}
