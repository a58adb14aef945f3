package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/attach"
	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/codeparse"
	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/keys"
	"github.com/forge-ai/codeforge/shared/supabase"
)

type publisher interface {
	Emit(ctx context.Context, routingKey string, payload any) error
}

type modelLister interface {
	List() []chat.ModelSelection
	Defaults() map[string]string
}

type gateway struct {
	pub    publisher
	hub    *hub
	db     *supabase.Client
	models modelLister
	// keys is nil when no credential store is configured.
	keys keys.Manager
	log  zerolog.Logger
}

// ── Chat commands ─────────────────────────────────────────────────────────────

func (gw *gateway) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string   `json:"request_id"`
		ModelID   string   `json:"model_id"`
		Text      string   `json:"text"`
		Images    []string `json:"images"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		jsonErr(w, "text or images required", http.StatusBadRequest)
		return
	}
	if len(req.Images) > attach.MaxImages {
		jsonErr(w, attach.ErrTooMany.Error(), http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	p := events.ChatSendPayload{
		ChatID:    r.PathValue("id"),
		RequestID: req.RequestID,
		UserID:    r.Header.Get("X-User-ID"),
		ModelID:   req.ModelID,
		Text:      req.Text,
		Images:    req.Images,
	}
	gw.publish(w, r, events.ChatSend, p, map[string]any{"request_id": p.RequestID, "status": "queued"})
}

func (gw *gateway) regenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		ModelID   string `json:"model_id"`
		Index     *int   `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	p := events.ChatRegeneratePayload{
		ChatID:    r.PathValue("id"),
		RequestID: req.RequestID,
		UserID:    r.Header.Get("X-User-ID"),
		ModelID:   req.ModelID,
		Index:     index,
	}
	gw.publish(w, r, events.ChatRegenerate, p, map[string]any{"request_id": p.RequestID, "status": "queued"})
}

func (gw *gateway) stop(w http.ResponseWriter, r *http.Request) {
	p := events.ChatStopPayload{ChatID: r.PathValue("id"), UserID: r.Header.Get("X-User-ID")}
	gw.publish(w, r, events.ChatStop, p, map[string]any{"status": "stopping"})
}

// ── Reads ─────────────────────────────────────────────────────────────────────

type projectView struct {
	ID            string                  `json:"id"`
	Conversation  []chat.Message          `json:"conversation"`
	GeneratedCode codeparse.GeneratedCode `json:"generated_code"`
}

func (gw *gateway) getProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var rows []projectView
	err := gw.db.Select(r.Context(), "projects?id=eq."+url.QueryEscape(id)+"&limit=1", &rows)
	switch {
	case errors.Is(err, supabase.ErrDisabled):
		jsonErr(w, "project storage not configured", http.StatusNotFound)
		return
	case err != nil:
		gw.log.Error().Err(err).Str("chat", id).Msg("load project")
		jsonErr(w, "project lookup failed", http.StatusBadGateway)
		return
	case len(rows) == 0:
		jsonErr(w, "not found", http.StatusNotFound)
		return
	}

	p := rows[0]
	var msgs []chat.Message
	for _, m := range chat.Visible(p.Conversation) {
		if !m.Placeholder {
			msgs = append(msgs, m)
		}
	}
	jsonOK(w, map[string]any{"id": p.ID, "messages": msgs, "code": p.GeneratedCode}, http.StatusOK)
}

func (gw *gateway) listModels(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]any{"models": gw.models.List(), "defaults": gw.models.Defaults()}, http.StatusOK)
}

func (gw *gateway) status(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]any{
		"status":    "online",
		"clients":   gw.hub.clientCount(),
		"key_store": gw.keys != nil,
	}, http.StatusOK)
}

// ── Images and reports ────────────────────────────────────────────────────────

func (gw *gateway) generateImage(w http.ResponseWriter, r *http.Request) {
	var p events.ImageRequestedPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		jsonErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(p.Prompt) == "" {
		jsonErr(w, "prompt required", http.StatusBadRequest)
		return
	}
	if p.Samples > 4 {
		jsonErr(w, "at most 4 samples", http.StatusBadRequest)
		return
	}
	p.RequestID = uuid.New().String()
	p.UserID = r.Header.Get("X-User-ID")
	gw.publish(w, r, events.ImageRequested, p, map[string]any{"request_id": p.RequestID, "status": "queued"})
}

func (gw *gateway) report(w http.ResponseWriter, r *http.Request) {
	var p events.ReportRequestedPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		jsonErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	if p.Reference == "" || strings.TrimSpace(p.Message) == "" {
		jsonErr(w, "reference and message required", http.StatusBadRequest)
		return
	}
	p.UserID = r.Header.Get("X-User-ID")
	p.UserAgent = r.UserAgent()
	gw.publish(w, r, events.ReportRequested, p, map[string]any{"reference": p.Reference, "status": "sent"})
}

func (gw *gateway) publish(w http.ResponseWriter, r *http.Request, key string, payload, resp any) {
	if err := gw.pub.Emit(r.Context(), key, payload); err != nil {
		gw.log.Error().Err(err).Str("key", key).Msg("publish")
		jsonErr(w, "queue publish failed", http.StatusInternalServerError)
		return
	}
	jsonOK(w, resp, http.StatusAccepted)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// cors allows any origin when origins is empty, otherwise only the listed ones.
func cors(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(origins) == 0 {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if o := r.Header.Get("Origin"); slices.Contains(origins, o) {
			w.Header().Set("Access-Control-Allow-Origin", o)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
