// Package chat holds the provider-agnostic conversation model shared by the
// gateway, the orchestrator and the codegen workers.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is either a text part or an image reference. The JSON shape is
// the OpenAI-compatible one so it can travel to OpenRouter untouched.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: url}}
}

// Content is plain text or an ordered list of parts. It encodes as a JSON
// string when Parts is nil and as an array otherwise.
type Content struct {
	Text  string
	Parts []ContentPart
}

func (c Content) IsParts() bool { return c.Parts != nil }

// String returns the text carried by the content. For part lists that is the
// text parts joined by newlines.
func (c Content) String() string {
	if c.Parts == nil {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Images returns the image URLs carried by the content, in order.
func (c Content) Images() []string {
	var urls []string
	for _, p := range c.Parts {
		if p.Type == PartImageURL && p.ImageURL != nil {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

func (c *Content) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []ContentPart{}
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("content: expected string or array, got %q", b[:1])
	}
}

// Message is one turn of a conversation. Model carries the display name of
// the model that produced an assistant turn. Placeholder marks the transient
// "Generating…" turn the orchestrator shows while a dispatch is in flight.
type Message struct {
	Role        Role    `json:"role"`
	Content     Content `json:"content"`
	Model       string  `json:"model,omitempty"`
	Placeholder bool    `json:"placeholder,omitempty"`
}

func NewText(role Role, text string) Message {
	return Message{Role: role, Content: Content{Text: text}}
}

// UserTurn builds a user message: image parts first, then exactly one text
// part. Without images the content stays plain text.
func UserTurn(text string, images []string) Message {
	if len(images) == 0 {
		return NewText(RoleUser, text)
	}
	parts := make([]ContentPart, 0, len(images)+1)
	for _, u := range images {
		parts = append(parts, ImagePart(u))
	}
	parts = append(parts, TextPart(text))
	return Message{Role: RoleUser, Content: Content{Parts: parts}}
}

// Visible drops system messages. The returned slice never aliases msgs.
func Visible(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
