package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/forge-ai/codeforge/shared/keys"
)

var knownProviders = map[string]bool{
	keys.ProviderOpenRouter:  true,
	keys.ProviderGemini:      true,
	keys.ProviderDreamStudio: true,
}

// keyView never carries the full key back to the browser.
type keyView struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Masked    string `json:"masked"`
	Priority  int    `json:"priority"`
	IsDefault bool   `json:"is_default"`
	Active    bool   `json:"is_active"`
}

func viewOf(c keys.Credential) keyView {
	return keyView{
		ID:        c.ID,
		Provider:  c.Provider,
		Masked:    mask(c.Value),
		Priority:  c.Priority,
		IsDefault: c.IsDefault,
		Active:    c.Active,
	}
}

func mask(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("•", len(v))
	}
	return strings.Repeat("•", 8) + v[len(v)-4:]
}

// provider validates the path provider and the store. It writes the error
// response itself.
func (gw *gateway) provider(w http.ResponseWriter, r *http.Request) (string, bool) {
	if gw.keys == nil {
		jsonErr(w, "key store not configured", http.StatusServiceUnavailable)
		return "", false
	}
	p := r.PathValue("provider")
	if !knownProviders[p] {
		jsonErr(w, "unknown provider", http.StatusNotFound)
		return "", false
	}
	return p, true
}

func (gw *gateway) listKeys(w http.ResponseWriter, r *http.Request) {
	provider, ok := gw.provider(w, r)
	if !ok {
		return
	}
	list, err := gw.keys.List(r.Context(), provider)
	if err != nil {
		gw.log.Error().Err(err).Str("provider", provider).Msg("list keys")
		jsonErr(w, "key store error", http.StatusBadGateway)
		return
	}
	out := make([]keyView, 0, len(list))
	for _, c := range list {
		out = append(out, viewOf(c))
	}
	jsonOK(w, out, http.StatusOK)
}

func (gw *gateway) addKey(w http.ResponseWriter, r *http.Request) {
	provider, ok := gw.provider(w, r)
	if !ok {
		return
	}
	var req struct {
		Value     string `json:"api_key"`
		Priority  int    `json:"priority"`
		IsDefault bool   `json:"is_default"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		jsonErr(w, "api_key required", http.StatusBadRequest)
		return
	}
	c, err := gw.keys.Add(r.Context(), keys.Credential{
		Provider:  provider,
		Value:     strings.TrimSpace(req.Value),
		Priority:  req.Priority,
		IsDefault: req.IsDefault,
	})
	if err != nil {
		gw.log.Error().Err(err).Str("provider", provider).Msg("add key")
		jsonErr(w, "key store error", http.StatusBadGateway)
		return
	}
	gw.log.Info().Str("provider", provider).Str("id", c.ID).Msg("key added")
	jsonOK(w, viewOf(c), http.StatusCreated)
}

func (gw *gateway) removeKey(w http.ResponseWriter, r *http.Request) {
	provider, ok := gw.provider(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	err := gw.keys.Remove(r.Context(), provider, id)
	switch {
	case errors.Is(err, keys.ErrNotFound):
		jsonErr(w, "not found", http.StatusNotFound)
	case err != nil:
		gw.log.Error().Err(err).Str("provider", provider).Msg("remove key")
		jsonErr(w, "key store error", http.StatusBadGateway)
	default:
		gw.log.Info().Str("provider", provider).Str("id", id).Msg("key removed")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (gw *gateway) reorderKeys(w http.ResponseWriter, r *http.Request) {
	provider, ok := gw.provider(w, r)
	if !ok {
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		jsonErr(w, "ids required", http.StatusBadRequest)
		return
	}
	if err := gw.keys.Reorder(r.Context(), provider, req.IDs); err != nil {
		gw.log.Error().Err(err).Str("provider", provider).Msg("reorder keys")
		jsonErr(w, "key store error", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
