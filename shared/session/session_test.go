package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/codeparse"
)

const buttonReply = "```html\n<button>Hi</button>\n```"

func assistant(text string) chat.Message {
	m := chat.NewText(chat.RoleAssistant, text)
	m.Model = "Gemini"
	return m
}

func TestSendAppendsUserAndPlaceholder(t *testing.T) {
	s := New("c1", "you write code")

	next, d, err := Send(s, "r1", "make a button", nil)
	require.NoError(t, err)

	require.Len(t, next.Messages, 3)
	assert.Equal(t, chat.RoleUser, next.Messages[1].Role)
	assert.Equal(t, "make a button", next.Messages[1].Content.String())
	assert.True(t, next.Messages[2].Placeholder)
	assert.Equal(t, GeneratingText, next.Messages[2].Content.String())
	assert.True(t, next.Generating)
	assert.Equal(t, "r1", next.Pending.RequestID)

	assert.Equal(t, "r1", d.RequestID)
	assert.Len(t, d.Conversation, 1, "conversation excludes the new user turn")
	assert.Equal(t, chat.RoleSystem, d.Conversation[0].Role)
	assert.Len(t, s.Messages, 1, "input state untouched")
}

func TestSendWhileGeneratingIsBusy(t *testing.T) {
	s, _, err := Send(New("c1", ""), "r1", "one", nil)
	require.NoError(t, err)
	_, _, err = Send(s, "r2", "two", nil)
	assert.ErrorIs(t, err, ErrBusy)
	_, _, err = Regenerate(s, "r2", -1)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSendRejectsEmpty(t *testing.T) {
	_, _, err := Send(New("c1", ""), "r1", "  ", nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestSendWithImages(t *testing.T) {
	next, d, err := Send(New("c1", ""), "r1", "like this", []string{"data:image/png;base64,AA"})
	require.NoError(t, err)
	user := next.Messages[0]
	require.True(t, user.Content.IsParts())
	assert.Equal(t, []string{"data:image/png;base64,AA"}, user.Content.Images())
	assert.Equal(t, "like this", user.Content.String())
	assert.Equal(t, []string{"data:image/png;base64,AA"}, d.Images)
}

func TestCompleteReplacesPlaceholderAndParses(t *testing.T) {
	s, _, err := Send(New("c1", ""), "r1", "make a button", nil)
	require.NoError(t, err)

	next, ok := Complete(s, "r1", assistant(buttonReply))
	require.True(t, ok)
	require.Len(t, next.Messages, 2)
	assert.Equal(t, buttonReply, next.Messages[1].Content.String())
	assert.False(t, next.Messages[1].Placeholder)
	assert.Equal(t, "Gemini", next.Messages[1].Model)
	assert.False(t, next.Generating)
	assert.Nil(t, next.Pending)
	assert.Equal(t, "<button>Hi</button>", next.Code.HTML)
	assert.Contains(t, next.Code.Preview, "<button>Hi</button>")
}

func TestCompleteWithoutCodeKeepsPreviousCode(t *testing.T) {
	s := New("c1", "")
	s.Code = codeparse.Parse(buttonReply)
	s, _, err := Send(s, "r1", "what does it do?", nil)
	require.NoError(t, err)

	next, ok := Complete(s, "r1", assistant("It greets you."))
	require.True(t, ok)
	assert.Equal(t, "<button>Hi</button>", next.Code.HTML)
}

func TestCompleteRecomputesCode(t *testing.T) {
	s := New("c1", "")
	s.Code = codeparse.GeneratedCode{HTML: "<p>old</p>", CSS: "p{}"}
	s, _, err := Send(s, "r1", "new", nil)
	require.NoError(t, err)

	next, ok := Complete(s, "r1", assistant(buttonReply))
	require.True(t, ok)
	assert.Equal(t, "<button>Hi</button>", next.Code.HTML)
	assert.Empty(t, next.Code.CSS, "code is replaced, never merged")
}

func TestCompleteIgnoresStaleRequest(t *testing.T) {
	s, _, err := Send(New("c1", ""), "r1", "one", nil)
	require.NoError(t, err)
	s, _, ok := Cancel(s)
	require.True(t, ok)

	next, ok := Complete(s, "r1", assistant("late"))
	assert.False(t, ok)
	assert.Equal(t, s, next)
}

func TestFailRemovesPlaceholderOnly(t *testing.T) {
	s, _, err := Send(New("c1", ""), "r1", "make a button", nil)
	require.NoError(t, err)

	next, ok := Fail(s, "r1")
	require.True(t, ok)
	require.Len(t, next.Messages, 1)
	assert.Equal(t, chat.RoleUser, next.Messages[0].Role)
	assert.False(t, next.Generating)

	_, ok = Fail(next, "r1")
	assert.False(t, ok)
}

func TestCancelRollsBack(t *testing.T) {
	s, _, err := Send(New("c1", ""), "r1", "make a button", nil)
	require.NoError(t, err)

	next, id, ok := Cancel(s)
	require.True(t, ok)
	assert.Equal(t, "r1", id)
	assert.False(t, next.Generating)
	for _, m := range next.Messages {
		assert.False(t, m.Placeholder)
	}

	_, _, ok = Cancel(next)
	assert.False(t, ok)
}

func TestRegenerateTruncatesAfterUserTurn(t *testing.T) {
	s := New("c1", "sys")
	s, _, _ = Send(s, "r1", "first", nil)
	s, _ = Complete(s, "r1", assistant("reply one"))
	s, _, _ = Send(s, "r2", "second", []string{"data:image/png;base64,AA"})
	s, _ = Complete(s, "r2", assistant("reply two"))
	require.Len(t, s.Messages, 5)

	// visible index 1 is "reply one"
	next, d, err := Regenerate(s, "r3", 1)
	require.NoError(t, err)
	require.Len(t, next.Messages, 3)
	assert.Equal(t, "first", next.Messages[1].Content.String())
	assert.Equal(t, RegeneratingText, next.Messages[2].Content.String())
	assert.Equal(t, PendingRegenerate, next.Pending.Kind)

	assert.Equal(t, "first", d.Text)
	assert.Len(t, d.Conversation, 1)

	next, ok := Complete(next, "r3", assistant("reply one again"))
	require.True(t, ok)
	assert.Len(t, next.Messages, 3)
	assert.Equal(t, chat.RoleUser, next.Messages[1].Role)
	assert.Equal(t, chat.RoleAssistant, next.Messages[2].Role)
}

func TestRegenerateLatestCarriesImages(t *testing.T) {
	s := New("c1", "")
	s, _, _ = Send(s, "r1", "like this", []string{"data:image/png;base64,AA"})
	s, _ = Complete(s, "r1", assistant("ok"))

	_, d, err := Regenerate(s, "r2", -1)
	require.NoError(t, err)
	assert.Equal(t, "like this", d.Text)
	assert.Equal(t, []string{"data:image/png;base64,AA"}, d.Images)
	assert.Empty(t, d.Conversation)
}

func TestRegenerateErrors(t *testing.T) {
	_, _, err := Regenerate(New("c1", "sys"), "r1", -1)
	assert.ErrorIs(t, err, ErrNoUserTurn)

	s := New("c1", "")
	s, _, _ = Send(s, "r1", "hi", nil)
	s, _ = Complete(s, "r1", assistant("ok"))
	_, _, err = Regenerate(s, "r2", 9)
	assert.ErrorIs(t, err, ErrIndex)
}

func TestVisibleHidesSystem(t *testing.T) {
	s, _, err := Send(New("c1", "secret instructions"), "r1", "hi", nil)
	require.NoError(t, err)

	v := Visible(s)
	require.Len(t, v.Messages, 2)
	assert.Equal(t, 1, v.Pending.Index)
	assert.Equal(t, 2, s.Pending.Index)
}

func TestRestoreDropsPlaceholders(t *testing.T) {
	msgs := []chat.Message{
		chat.NewText(chat.RoleUser, "hi"),
		{Role: chat.RoleAssistant, Content: chat.Content{Text: GeneratingText}, Placeholder: true},
	}
	s := Restore("c1", msgs, codeparse.GeneratedCode{})
	assert.Len(t, s.Messages, 1)
	assert.False(t, s.Generating)
}
