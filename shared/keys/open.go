package keys

import (
	"context"
	"fmt"
	"strings"

	"github.com/forge-ai/codeforge/shared/crypto"
	"github.com/forge-ai/codeforge/shared/supabase"
)

// StoreConfig selects where stored keys live.
type StoreConfig struct {
	// Backend is "supabase", "postgres", "sqlite" or "none". Empty picks
	// supabase when a URL is set and none otherwise.
	Backend     string
	SupabaseURL string
	SupabaseKey string
	DSN         string
	// SealKeys is "id:base64key,..." and SealKeyID the id used for new values.
	SealKeys  string
	SealKeyID string
}

// OpenManager returns the configured store, or nil when keys come only from
// the environment. closeFn is never nil.
func OpenManager(ctx context.Context, cfg StoreConfig) (m Manager, closeFn func() error, err error) {
	noop := func() error { return nil }
	backend := strings.ToLower(cfg.Backend)
	if backend == "" {
		backend = "none"
		if cfg.SupabaseURL != "" {
			backend = "supabase"
		}
	}

	switch backend {
	case "none":
		return nil, noop, nil
	case "supabase":
		return NewSupabaseStore(supabase.New(cfg.SupabaseURL, cfg.SupabaseKey)), noop, nil
	case "postgres", "pgx", "sqlite", "sqlite3":
		var kr *crypto.Keyring
		if cfg.SealKeys != "" {
			ks, err := crypto.ParseKeys(cfg.SealKeys)
			if err != nil {
				return nil, noop, fmt.Errorf("parse seal keys: %w", err)
			}
			if kr, err = crypto.NewKeyring(cfg.SealKeyID, ks); err != nil {
				return nil, noop, err
			}
		}
		s, err := OpenSQL(ctx, backend, cfg.DSN, kr)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown key store backend %q", cfg.Backend)
	}
}
