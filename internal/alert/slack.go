package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
)

// severityColors are the attachment sidebar colors per severity.
var severityColors = map[Severity]string{
	SeverityWarning: "#daa038",
	SeverityError:   "#cc0000",
	SeverityFatal:   "#4a154b",
}

// SlackSink posts alerts to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	channel    string
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlackSink creates a SlackSink. Channel may be empty to use the webhook's
// default channel.
func NewSlackSink(webhookURL, channel string) (*SlackSink, error) {
	if webhookURL == "" {
		return nil, errors.New("slack: webhook url is required")
	}
	return &SlackSink{
		webhookURL: webhookURL,
		channel:    channel,
		post:       slack.PostWebhookContext,
	}, nil
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, a Alert) error {
	if err := s.post(ctx, s.webhookURL, slackMessage(a, s.channel)); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

func slackMessage(a Alert, channel string) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Kind", Value: string(a.Kind), Short: true},
		{Title: "Severity", Value: string(a.Severity), Short: true},
	}
	if a.File != "" {
		fields = append(fields, slack.AttachmentField{Title: "File", Value: a.File, Short: true})
	}
	if a.BatchID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Batch", Value: a.BatchID, Short: true})
	}
	return &slack.WebhookMessage{
		Channel: channel,
		Text:    fmt.Sprintf("DropWatch %s alert", a.Severity),
		Attachments: []slack.Attachment{{
			Color:  severityColors[a.Severity],
			Title:  string(a.Kind),
			Text:   a.Message,
			Fields: fields,
			Ts:     jsonTimestamp(a),
		}},
	}
}

func jsonTimestamp(a Alert) json.Number {
	if a.At.IsZero() {
		return ""
	}
	return json.Number(strconv.FormatInt(a.At.Unix(), 10))
}
