package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	tg "github.com/go-telegram/bot"
	"github.com/posthog/posthog-go"
	"github.com/resend/resend-go/v2"
)

// Slog is always part of the fanout so a run finishing leaves a trace
// even when no external channel is configured.
type Slog struct {
	L *slog.Logger
}

func (s *Slog) RunFinished(ctx context.Context, report *Report) {
	l := s.L.With("run", report.RunId, "workflow", report.Workflow, "status", report.Status)
	for _, j := range report.Jobs {
		l = l.With(j.Instance, j.Status)
	}
	l.Info("run finished")
}

type Email struct {
	Client *resend.Client
	From   string
	To     string
	L      *slog.Logger
}

func NewEmail(apiKey, from, to string, l *slog.Logger) *Email {
	return &Email{
		Client: resend.NewClient(apiKey),
		From:   from,
		To:     to,
		L:      l,
	}
}

func (e *Email) RunFinished(ctx context.Context, report *Report) {
	verdict := "passed"
	if report.Failed() {
		verdict = "failed"
	}
	_, err := e.Client.Emails.Send(&resend.SendEmailRequest{
		From:    e.From,
		To:      []string{e.To},
		Subject: fmt.Sprintf("[loom] %s %s", report.Workflow, verdict),
		Text:    report.Summary(),
	})
	if err != nil {
		e.L.Error("failed to send email", "run", report.RunId, "err", err)
	}
}

type Discord struct {
	Session   *discordgo.Session
	ChannelID string
	L         *slog.Logger
}

func NewDiscord(token, channelID string, l *slog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Discord{Session: session, ChannelID: channelID, L: l}, nil
}

func (d *Discord) RunFinished(ctx context.Context, report *Report) {
	_, err := d.Session.ChannelMessageSend(d.ChannelID, report.Summary())
	if err != nil {
		d.L.Error("failed to send discord message", "run", report.RunId, "err", err)
	}
}

type Telegram struct {
	Bot    *tg.Bot
	ChatID string
	L      *slog.Logger
}

func NewTelegram(token, chatID string, l *slog.Logger) (*Telegram, error) {
	b, err := tg.New(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Telegram{Bot: b, ChatID: chatID, L: l}, nil
}

func (t *Telegram) RunFinished(ctx context.Context, report *Report) {
	_, err := t.Bot.SendMessage(ctx, &tg.SendMessageParams{
		ChatID: t.ChatID,
		Text:   report.Summary(),
	})
	if err != nil {
		t.L.Error("failed to send telegram message", "run", report.RunId, "err", err)
	}
}

// Posthog records run outcomes as analytics events keyed by the
// controller owner.
type Posthog struct {
	Client posthog.Client
	Owner  string
	L      *slog.Logger
}

func (p *Posthog) RunFinished(ctx context.Context, report *Report) {
	err := p.Client.Enqueue(posthog.Capture{
		DistinctId: p.Owner,
		Event:      "run_finished",
		Properties: posthog.Properties{
			"run":      report.RunId,
			"workflow": report.Workflow,
			"status":   report.Status,
			"duration": report.Duration.Seconds(),
		},
	})
	if err != nil {
		p.L.Error("failed to enqueue posthog event", "run", report.RunId, "err", err)
	}
}
