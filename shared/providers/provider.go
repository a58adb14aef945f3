// Package providers talks to the upstream LLM vendors. Each vendor has one
// Adapter; the Dispatcher picks a primary and falls back to the other.
package providers

import (
	"context"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/keys"
)

// Kind is the closed set of chat providers.
type Kind int

const (
	OpenRouter Kind = iota
	Gemini
)

func (k Kind) String() string {
	switch k {
	case OpenRouter:
		return keys.ProviderOpenRouter
	case Gemini:
		return keys.ProviderGemini
	default:
		return "unknown"
	}
}

// Alternate is the provider tried when k fails.
func (k Kind) Alternate() Kind {
	if k == Gemini {
		return OpenRouter
	}
	return Gemini
}

// KindFor routes a model selection: the "gemini" id goes to Gemini,
// everything else to OpenRouter.
func KindFor(m chat.ModelSelection) Kind {
	if m.ID == chat.GeminiModelID {
		return Gemini
	}
	return OpenRouter
}

// Request is one provider-agnostic send. Conversation excludes the new user
// turn; the adapter appends Text and Images itself.
type Request struct {
	Conversation []chat.Message
	Text         string
	Images       []string
	Model        chat.ModelSelection
	// ModelID is the provider-native model to call.
	ModelID string
}

// Adapter translates Requests into one vendor's wire format. Adapters never
// retry and never fall back.
type Adapter interface {
	Kind() Kind
	Send(ctx context.Context, req Request) (chat.Message, error)
}

// KeySource resolves the credential for a provider name.
type KeySource interface {
	Resolve(ctx context.Context, provider string) (keys.Credential, error)
}

// turns returns the provider-bound history: the conversation without
// placeholders, followed by the new user turn.
func turns(req Request) []chat.Message {
	out := make([]chat.Message, 0, len(req.Conversation)+1)
	for _, m := range req.Conversation {
		if m.Placeholder {
			continue
		}
		out = append(out, m)
	}
	return append(out, chat.UserTurn(req.Text, req.Images))
}

func reply(text string, m chat.ModelSelection) chat.Message {
	msg := chat.NewText(chat.RoleAssistant, text)
	msg.Model = m.Name()
	return msg
}
