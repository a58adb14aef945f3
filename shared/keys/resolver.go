// Package keys resolves the API key a provider call should use.
//
// Keys live in an external store (Supabase or SQL) and are managed by users
// and admins outside the dispatch path. The resolver only reads: every call
// lists the active keys for a provider, orders them and returns the first
// usable one. Nothing is cached between calls.
package keys

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/logger"
)

const (
	ProviderOpenRouter  = "openrouter"
	ProviderGemini      = "gemini"
	ProviderDreamStudio = "dream_studio"
)

// ErrNotFound means no usable key exists for the provider. It is a hard
// precondition failure: no provider call should be attempted.
var ErrNotFound = errors.New("no active api key")

type Credential struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Value     string `json:"api_key"`
	Priority  int    `json:"priority"`
	IsDefault bool   `json:"is_default"`
	Active    bool   `json:"is_active"`
}

// Store lists the active keys of one provider.
type Store interface {
	ListActive(ctx context.Context, provider string) ([]Credential, error)
}

// Manager is the write side used by key management, never by dispatch.
type Manager interface {
	Store
	List(ctx context.Context, provider string) ([]Credential, error)
	Add(ctx context.Context, c Credential) (Credential, error)
	Remove(ctx context.Context, provider, id string) error
	// Reorder assigns priorities 0..n-1 following ids.
	Reorder(ctx context.Context, provider string, ids []string) error
}

type Resolver struct {
	store     Store
	defaults  map[string]string
	userFirst map[string]bool
	log       zerolog.Logger
}

// NewResolver builds a resolver over store. defaults holds admin keys from
// the environment, used after every stored key. store may be nil.
func NewResolver(store Store, defaults map[string]string) *Resolver {
	d := make(map[string]string, len(defaults))
	for p, v := range defaults {
		if strings.TrimSpace(v) != "" {
			d[p] = strings.TrimSpace(v)
		}
	}
	return &Resolver{
		store:     store,
		defaults:  d,
		userFirst: map[string]bool{ProviderOpenRouter: true},
		log:       logger.New("keys"),
	}
}

// Resolve returns the first usable key for provider or ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, provider string) (Credential, error) {
	cands, err := r.Candidates(ctx, provider)
	if err != nil {
		return Credential{}, err
	}
	if len(cands) == 0 {
		return Credential{}, fmt.Errorf("%s: %w", provider, ErrNotFound)
	}
	return cands[0], nil
}

// Candidates returns every usable key for provider in the order they should
// be tried.
func (r *Resolver) Candidates(ctx context.Context, provider string) ([]Credential, error) {
	var stored []Credential
	if r.store != nil {
		list, err := r.store.ListActive(ctx, provider)
		switch {
		case err == nil:
			stored = list
		case r.defaults[provider] != "":
			r.log.Warn().Err(err).Str("provider", provider).Msg("key store unavailable, using default key")
		default:
			return nil, fmt.Errorf("list %s keys: %w", provider, err)
		}
	}

	cands := make([]Credential, 0, len(stored)+1)
	for _, c := range stored {
		if strings.TrimSpace(c.Value) == "" {
			continue
		}
		c.Provider = provider
		cands = append(cands, c)
	}
	Order(cands, r.userFirst[provider])

	if v, ok := r.defaults[provider]; ok {
		cands = append(cands, Credential{
			ID:        "env",
			Provider:  provider,
			Value:     v,
			Priority:  math.MaxInt32,
			IsDefault: true,
			Active:    true,
		})
	}
	return cands, nil
}

// Order sorts by ascending priority. With userFirst set and at least one
// user-added key present, user-added keys go before defaults so the caller
// never leans only on shared keys once a user supplied their own.
func Order(cands []Credential, userFirst bool) {
	hasUser := false
	for _, c := range cands {
		if !c.IsDefault {
			hasUser = true
			break
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if userFirst && hasUser && cands[i].IsDefault != cands[j].IsDefault {
			return !cands[i].IsDefault
		}
		return cands[i].Priority < cands[j].Priority
	})
}
