// Package session holds the per-chat conversation state and the pure
// transitions a send, regenerate or stop cycle goes through. Every function
// returns a new State; inputs are never mutated.
package session

import (
	"errors"
	"strings"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/codeparse"
)

const (
	GeneratingText   = "Generating…"
	RegeneratingText = "Regenerating…"
)

var (
	ErrBusy       = errors.New("a reply is already being generated")
	ErrEmpty      = errors.New("message is empty")
	ErrNoUserTurn = errors.New("no user message to regenerate")
	ErrIndex      = errors.New("message index out of range")
)

type PendingKind string

const (
	PendingSend       PendingKind = "send"
	PendingRegenerate PendingKind = "regenerate"
)

// Pending is the dispatch currently in flight. Index points at its
// placeholder in Messages.
type Pending struct {
	RequestID string      `json:"request_id"`
	Kind      PendingKind `json:"kind"`
	Index     int         `json:"index"`
}

type State struct {
	ChatID     string                  `json:"chat_id"`
	Messages   []chat.Message          `json:"messages"`
	Code       codeparse.GeneratedCode `json:"code"`
	Generating bool                    `json:"generating"`
	Pending    *Pending                `json:"pending,omitempty"`
}

// Dispatch is what a transition asks the caller to send. Conversation never
// contains the turn carried by Text and Images.
type Dispatch struct {
	RequestID    string
	Conversation []chat.Message
	Text         string
	Images       []string
}

// New starts a chat, seeding the system prompt when one is given.
func New(chatID, system string) State {
	s := State{ChatID: chatID}
	if strings.TrimSpace(system) != "" {
		s.Messages = []chat.Message{chat.NewText(chat.RoleSystem, system)}
	}
	return s
}

// Restore rebuilds a chat from persisted messages. Leftover placeholders
// from an interrupted run are dropped.
func Restore(chatID string, msgs []chat.Message, code codeparse.GeneratedCode) State {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Placeholder {
			out = append(out, m)
		}
	}
	return State{ChatID: chatID, Messages: out, Code: code}
}

// Send appends the user turn and a placeholder.
func Send(s State, requestID, text string, images []string) (State, Dispatch, error) {
	if s.Generating {
		return s, Dispatch{}, ErrBusy
	}
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return s, Dispatch{}, ErrEmpty
	}

	history := clone(s.Messages)
	next := s
	next.Messages = append(clone(history), chat.UserTurn(text, images), placeholder(GeneratingText))
	next.Generating = true
	next.Pending = &Pending{RequestID: requestID, Kind: PendingSend, Index: len(next.Messages) - 1}

	return next, Dispatch{
		RequestID:    requestID,
		Conversation: history,
		Text:         text,
		Images:       images,
	}, nil
}

// Regenerate re-asks the user turn behind the visible message at index
// (negative means the latest reply). Everything after that user turn is
// dropped, so a turn never ends up with two replies.
func Regenerate(s State, requestID string, index int) (State, Dispatch, error) {
	if s.Generating {
		return s, Dispatch{}, ErrBusy
	}
	userAt, err := userTurnFor(s.Messages, index)
	if err != nil {
		return s, Dispatch{}, err
	}

	user := s.Messages[userAt]
	next := s
	next.Messages = append(clone(s.Messages[:userAt+1]), placeholder(RegeneratingText))
	next.Generating = true
	next.Pending = &Pending{RequestID: requestID, Kind: PendingRegenerate, Index: len(next.Messages) - 1}

	return next, Dispatch{
		RequestID:    requestID,
		Conversation: clone(s.Messages[:userAt]),
		Text:         user.Content.String(),
		Images:       user.Content.Images(),
	}, nil
}

// Complete swaps the placeholder for reply. A reply for any request other
// than the pending one is stale and ignored. Generated code is recomputed
// from the reply whenever it carries fenced blocks.
func Complete(s State, requestID string, reply chat.Message) (State, bool) {
	if !isPending(s, requestID) {
		return s, false
	}
	next := s
	next.Messages = clone(s.Messages)
	reply.Role = chat.RoleAssistant
	reply.Placeholder = false
	next.Messages[s.Pending.Index] = reply
	if text := reply.Content.String(); codeparse.HasCodeBlocks(text) {
		next.Code = codeparse.Parse(text)
	}
	next.Generating = false
	next.Pending = nil
	return next, true
}

// Fail drops the placeholder and keeps the user turn.
func Fail(s State, requestID string) (State, bool) {
	if !isPending(s, requestID) {
		return s, false
	}
	return settle(s), true
}

// Cancel stops whatever is in flight and returns its request id so the
// caller can abort the dispatch.
func Cancel(s State) (State, string, bool) {
	if !s.Generating || s.Pending == nil {
		return s, "", false
	}
	return settle(s), s.Pending.RequestID, true
}

// Visible is the state the UI may see: system turns stripped.
func Visible(s State) State {
	s.Messages = chat.Visible(s.Messages)
	if s.Pending != nil {
		p := *s.Pending
		p.Index = len(s.Messages) - 1
		s.Pending = &p
	}
	return s
}

func settle(s State) State {
	next := s
	next.Messages = removeAt(s.Messages, s.Pending.Index)
	next.Generating = false
	next.Pending = nil
	return next
}

func isPending(s State, requestID string) bool {
	return s.Pending != nil && s.Pending.RequestID == requestID &&
		s.Pending.Index >= 0 && s.Pending.Index < len(s.Messages)
}

// userTurnFor maps a visible index to the absolute index of the user turn
// that produced it.
func userTurnFor(msgs []chat.Message, visibleIndex int) (int, error) {
	at := -1
	if visibleIndex < 0 {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role != chat.RoleSystem {
				at = i
				break
			}
		}
	} else {
		seen := 0
		for i, m := range msgs {
			if m.Role == chat.RoleSystem {
				continue
			}
			if seen == visibleIndex {
				at = i
				break
			}
			seen++
		}
		if at < 0 {
			return 0, ErrIndex
		}
	}
	for i := at; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return i, nil
		}
	}
	return 0, ErrNoUserTurn
}

func placeholder(text string) chat.Message {
	m := chat.NewText(chat.RoleAssistant, text)
	m.Placeholder = true
	return m
}

func clone(msgs []chat.Message) []chat.Message {
	return append([]chat.Message(nil), msgs...)
}

func removeAt(msgs []chat.Message, i int) []chat.Message {
	out := make([]chat.Message, 0, len(msgs)-1)
	out = append(out, msgs[:i]...)
	return append(out, msgs[i+1:]...)
}
