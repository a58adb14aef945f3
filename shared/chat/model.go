package chat

// GeminiModelID is the ModelSelection id that routes to the Gemini adapter.
const GeminiModelID = "gemini"

// ModelSelection identifies the model picked in the UI. ProviderModelID is
// native to the provider the selection routes to; Alternates names the
// equivalent model on every other provider, keyed by provider name.
type ModelSelection struct {
	ID              string            `json:"id" toml:"id"`
	ProviderModelID string            `json:"provider_model_id" toml:"provider_model_id"`
	DisplayName     string            `json:"display_name" toml:"display_name"`
	Version         string            `json:"version,omitempty" toml:"version"`
	VisionCapable   bool              `json:"vision_capable" toml:"vision_capable"`
	MaxTokens       int               `json:"max_tokens" toml:"max_tokens"`
	ContextTokens   int               `json:"context_tokens" toml:"context_tokens"`
	Alternates      map[string]string `json:"alternates,omitempty" toml:"alternates"`
}

// Name is what the UI attributes a reply to.
func (m ModelSelection) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ID
}
