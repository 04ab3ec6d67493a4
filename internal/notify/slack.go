// Package notify announces newly created tickets to the operations
// channel. Notifications are fire-and-forget: the intake flow never
// fails because Slack did.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/opsdesk-io/opsdesk/internal/session"
	"github.com/opsdesk-io/opsdesk/internal/tracker"
)

// SlackNotifier posts ticket announcements to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier wraps an already-configured Slack client.
func NewSlackNotifier(api *slack.Client, channel string, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{api: api, channel: channel, logger: logger}
}

var priorityLabels = map[int]string{
	1: "Urgent",
	2: "High",
	3: "Medium",
	4: "Low",
}

// TicketCreated posts a block-formatted announcement for the new issue.
func (n *SlackNotifier) TicketCreated(ctx context.Context, issue *tracker.Issue, sess *session.Session) error {
	reporter := sess.UserName
	if reporter == "" {
		reporter = sess.UserEmail
	}
	priority := priorityLabels[issue.Priority]
	if priority == "" {
		priority = fmt.Sprintf("P%d", issue.Priority)
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Ticket:*\n%s", issue.Identifier), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Priority:*\n%s", priority), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Reporter:*\n%s", reporter), false, false),
	}
	if sess.Team != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Team:*\n%s", sess.Team), false, false))
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, "New ticket filed", false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*", issue.Title), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(nil, fields, nil),
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fmt.Sprintf("New ticket %s: %s", issue.Identifier, issue.Title), false),
	)
	if err != nil {
		return fmt.Errorf("notify: post to %s: %w", n.channel, err)
	}

	n.logger.Debug("ticket announced", "issue", issue.Identifier, "channel", n.channel)
	return nil
}
