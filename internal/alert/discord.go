package alert

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var severityEmbedColors = map[Severity]int{
	SeverityWarning: 0xDAA038,
	SeverityError:   0xCC0000,
	SeverityFatal:   0x4A154B,
}

// webhookExecutor abstracts the discordgo session method we use.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSink posts alerts through a Discord channel webhook.
type DiscordSink struct {
	id      string
	token   string
	session webhookExecutor
}

// NewDiscordSink parses a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscordSink(webhookURL string) (*DiscordSink, error) {
	id, token, err := parseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	return &DiscordSink{id: id, token: token, session: session}, nil
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) Send(ctx context.Context, a Alert) error {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Kind", Value: string(a.Kind), Inline: true},
		{Name: "Severity", Value: string(a.Severity), Inline: true},
	}
	if a.File != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "File", Value: a.File, Inline: true})
	}
	if a.BatchID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Batch", Value: a.BatchID, Inline: true})
	}
	params := &discordgo.WebhookParams{
		Username: "DropWatch",
		Embeds: []*discordgo.MessageEmbed{{
			Title:       fmt.Sprintf("%s alert: %s", a.Severity, a.Kind),
			Description: a.Message,
			Color:       severityEmbedColors[a.Severity],
			Fields:      fields,
		}},
	}
	if _, err := d.session.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: execute webhook: %w", err)
	}
	return nil
}

func parseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("discord: parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Expect .../webhooks/{id}/{token}
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord: webhook url %q has no /webhooks/{id}/{token} path", raw)
}
