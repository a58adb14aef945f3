package main

import (
	"fmt"
	"html"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/logger"
	"github.com/forge-ai/codeforge/shared/metrics"
)

// maxNote keeps a report well under Telegram's 4096 character limit.
const maxNote = 1500

// sender is the part of *gotgbot.Bot the notifier needs.
type sender interface {
	SendMessage(chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

type notifier struct {
	bot    sender
	chatID int64
	log    zerolog.Logger
}

func newNotifier(bot sender, chatID int64) *notifier {
	return &notifier{bot: bot, chatID: chatID, log: logger.New("notifier")}
}

// report forwards one error report. Without a bot the report is only logged.
func (n *notifier) report(p events.ReportRequestedPayload) error {
	log := n.log.With().Str("ref", p.Reference).Str("chat", p.ChatID).Logger()
	if n.bot == nil {
		log.Warn().Str("message", p.Message).Msg("TELEGRAM_BOT_TOKEN not set, report only logged")
		return nil
	}

	_, err := n.bot.SendMessage(n.chatID, formatReport(p), &gotgbot.SendMessageOpts{
		ParseMode:          gotgbot.ParseModeHTML,
		LinkPreviewOptions: &gotgbot.LinkPreviewOptions{IsDisabled: true},
	})
	if err != nil {
		return fmt.Errorf("send report %s: %w", p.Reference, err)
	}
	metrics.Global().ReportsTotal.Inc()
	log.Info().Msg("report forwarded")
	return nil
}

func formatReport(p events.ReportRequestedPayload) string {
	var sb strings.Builder
	sb.WriteString("🐞 <b>Error report</b>\n")
	fmt.Fprintf(&sb, "Reference: <code>%s</code>\n", html.EscapeString(p.Reference))
	if p.Kind != "" {
		fmt.Fprintf(&sb, "Kind: <code>%s</code>\n", html.EscapeString(p.Kind))
	}
	if p.ChatID != "" {
		fmt.Fprintf(&sb, "Chat: <code>%s</code>\n", html.EscapeString(p.ChatID))
	}
	if p.UserID != "" {
		fmt.Fprintf(&sb, "User: <code>%s</code>\n", html.EscapeString(p.UserID))
	}
	fmt.Fprintf(&sb, "\n<pre>%s</pre>\n", html.EscapeString(truncate(p.Message, maxNote)))
	if note := strings.TrimSpace(p.Note); note != "" {
		fmt.Fprintf(&sb, "\n<i>%s</i>\n", html.EscapeString(truncate(note, maxNote)))
	}
	if p.UserAgent != "" {
		fmt.Fprintf(&sb, "\n%s", html.EscapeString(truncate(p.UserAgent, 200)))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
