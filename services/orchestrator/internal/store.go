package internal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/codeparse"
	"github.com/forge-ai/codeforge/shared/supabase"
)

// Project is one chat as persisted in the projects table.
type Project struct {
	ID            string                  `json:"id"`
	Conversation  []chat.Message          `json:"conversation"`
	GeneratedCode codeparse.GeneratedCode `json:"generated_code"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

type ProjectStore interface {
	// Load returns nil, nil when the project does not exist yet.
	Load(ctx context.Context, id string) (*Project, error)
	Save(ctx context.Context, p Project) error
}

// Store keeps projects in Supabase. Without a configured URL it remembers
// nothing and every chat starts fresh.
type Store struct {
	db *supabase.Client
}

func NewStore(db *supabase.Client) *Store {
	return &Store{db: db}
}

func (s *Store) Load(ctx context.Context, id string) (*Project, error) {
	var rows []Project
	err := s.db.Select(ctx, "projects?id=eq."+url.QueryEscape(id)+"&limit=1", &rows)
	if errors.Is(err, supabase.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *Store) Save(ctx context.Context, p Project) error {
	if !s.db.Enabled() {
		return nil
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.db.Upsert(ctx, "projects", p); err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return nil
}
