package providers

import (
	"context"

	"github.com/forge-ai/codeforge/shared/keys"
)

type staticKeys map[string]string

func (s staticKeys) Resolve(_ context.Context, provider string) (keys.Credential, error) {
	v, ok := s[provider]
	if !ok {
		return keys.Credential{}, keys.ErrNotFound
	}
	return keys.Credential{ID: provider + "-key", Provider: provider, Value: v}, nil
}
