package keys

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/forge-ai/codeforge/shared/supabase"
)

const keysTable = "api_keys"

// SupabaseStore keeps keys in the api_keys table of the hosted project.
type SupabaseStore struct {
	db *supabase.Client
}

func NewSupabaseStore(db *supabase.Client) *SupabaseStore {
	return &SupabaseStore{db: db}
}

var _ Manager = (*SupabaseStore)(nil)

func (s *SupabaseStore) ListActive(ctx context.Context, provider string) ([]Credential, error) {
	var rows []Credential
	path := fmt.Sprintf("%s?provider=eq.%s&is_active=eq.true&order=priority.asc",
		keysTable, url.QueryEscape(provider))
	if err := s.db.Select(ctx, path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SupabaseStore) List(ctx context.Context, provider string) ([]Credential, error) {
	var rows []Credential
	path := fmt.Sprintf("%s?provider=eq.%s&order=priority.asc", keysTable, url.QueryEscape(provider))
	if err := s.db.Select(ctx, path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SupabaseStore) Add(ctx context.Context, c Credential) (Credential, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Active = true
	if err := s.db.Insert(ctx, keysTable, c); err != nil {
		return Credential{}, fmt.Errorf("add %s key: %w", c.Provider, err)
	}
	return c, nil
}

func (s *SupabaseStore) Remove(ctx context.Context, provider, id string) error {
	path := fmt.Sprintf("%s?id=eq.%s&provider=eq.%s", keysTable, url.QueryEscape(id), url.QueryEscape(provider))
	return s.db.Delete(ctx, path)
}

func (s *SupabaseStore) Reorder(ctx context.Context, provider string, ids []string) error {
	for i, id := range ids {
		path := fmt.Sprintf("%s?id=eq.%s&provider=eq.%s", keysTable, url.QueryEscape(id), url.QueryEscape(provider))
		if err := s.db.Update(ctx, path, map[string]any{"priority": i}); err != nil {
			return fmt.Errorf("reorder %s key %s: %w", provider, id, err)
		}
	}
	return nil
}
