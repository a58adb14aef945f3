// Package events defines the message contract published on RabbitMQ.
// Services only talk to each other through these payloads.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/codeparse"
)

// ── Routing keys (RabbitMQ topic exchange: codeforge.events) ─────────────────
const (
	ChatSend         = "chat.send"
	ChatRegenerate   = "chat.regenerate"
	ChatStop         = "chat.stop"
	ChatState        = "chat.state"
	ChatError        = "chat.error"
	CodegenRequested = "codegen.requested"
	CodegenCancel    = "codegen.cancel"
	CodegenComplete  = "codegen.complete"
	CodegenFailed    = "codegen.failed"
	CodegenCancelled = "codegen.cancelled"
	ImageRequested   = "image.requested"
	ImageComplete    = "image.complete"
	ImageFailed      = "image.failed"
	ReportRequested  = "report.requested"
	LogEvent         = "log.event"
)

// ── Envelope wraps every message ─────────────────────────────────────────────

type Envelope struct {
	ID         string          `json:"id"`
	RoutingKey string          `json:"routing_key"`
	Timestamp  time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func Wrap(routingKey string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		ID:         uuid.New().String(),
		RoutingKey: routingKey,
		Timestamp:  time.Now(),
		Payload:    p,
	})
}

func Unwrap[T any](raw []byte) (*T, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var t T
	return &t, json.Unmarshal(env.Payload, &t)
}

func UnwrapEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	return &env, json.Unmarshal(raw, &env)
}

// ── Chat commands (gateway → orchestrator) ───────────────────────────────────

type ChatSendPayload struct {
	ChatID    string   `json:"chat_id"`
	RequestID string   `json:"request_id"`
	UserID    string   `json:"user_id,omitempty"`
	ModelID   string   `json:"model_id,omitempty"`
	Text      string   `json:"text"`
	Images    []string `json:"images,omitempty"`
}

type ChatRegeneratePayload struct {
	ChatID    string `json:"chat_id"`
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
	// Index is the visible message to regenerate; negative means the latest reply.
	Index int `json:"index"`
}

type ChatStopPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id,omitempty"`
}

// ── Dispatch (orchestrator ↔ codegen) ────────────────────────────────────────

type CodegenRequestedPayload struct {
	ChatID       string              `json:"chat_id"`
	RequestID    string              `json:"request_id"`
	Model        chat.ModelSelection `json:"model"`
	Conversation []chat.Message      `json:"conversation"`
	Text         string              `json:"text"`
	Images       []string            `json:"images,omitempty"`
}

type CodegenCancelPayload struct {
	ChatID    string `json:"chat_id"`
	RequestID string `json:"request_id"`
}

type CodegenCompletePayload struct {
	ChatID    string       `json:"chat_id"`
	RequestID string       `json:"request_id"`
	Message   chat.Message `json:"message"`
}

type CodegenFailedPayload struct {
	ChatID    string         `json:"chat_id"`
	RequestID string         `json:"request_id"`
	Kind      chat.ErrorKind `json:"kind"`
	Provider  string         `json:"provider"`
	Error     string         `json:"error"`
	Reference string         `json:"reference"`
}

type CodegenCancelledPayload struct {
	ChatID    string `json:"chat_id"`
	RequestID string `json:"request_id"`
}

// ── UI updates (orchestrator → gateway → browser) ────────────────────────────

type ChatStatePayload struct {
	ChatID     string                  `json:"chat_id"`
	Messages   []chat.Message          `json:"messages"`
	Code       codeparse.GeneratedCode `json:"code"`
	Generating bool                    `json:"generating"`
}

// ChatErrorPayload is a dismissible toast. Reference is set when the user
// can file an error report for it.
type ChatErrorPayload struct {
	ChatID    string         `json:"chat_id"`
	Kind      chat.ErrorKind `json:"kind,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Message   string         `json:"message"`
	Reference string         `json:"reference,omitempty"`
}

// ── Images (gateway ↔ imagegen) ──────────────────────────────────────────────

type ImageRequestedPayload struct {
	RequestID      string  `json:"request_id"`
	UserID         string  `json:"user_id,omitempty"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CfgScale       float64 `json:"cfg_scale,omitempty"`
	Samples        int     `json:"samples,omitempty"`
	StylePreset    string  `json:"style_preset,omitempty"`
}

type GeneratedImage struct {
	// Base64 PNG as returned by the engine.
	Base64       string `json:"base64"`
	Thumbnail    string `json:"thumbnail"`
	Seed         uint64 `json:"seed"`
	FinishReason string `json:"finish_reason"`
}

type ImageCompletePayload struct {
	RequestID string           `json:"request_id"`
	UserID    string           `json:"user_id,omitempty"`
	Images    []GeneratedImage `json:"images"`
}

type ImageFailedPayload struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id,omitempty"`
	Error     string `json:"error"`
	Reference string `json:"reference"`
}

// ── Reports and logs ─────────────────────────────────────────────────────────

type ReportRequestedPayload struct {
	Reference string `json:"reference"`
	ChatID    string `json:"chat_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Note      string `json:"note,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type LogEventPayload struct {
	ChatID  string         `json:"chat_id,omitempty"`
	Level   string         `json:"level"`
	Step    string         `json:"step"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
