package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter posts notifications to one Slack channel.
type SlackAdapter struct {
	client    *slack.Client
	channelID string
	username  string
	emoji     string
	logger    *zap.Logger
}

// NewSlackAdapter creates a Slack adapter. botToken is the Bot User OAuth
// Token (xoxb-...). opts are passed through to slack.New.
func NewSlackAdapter(botToken, channelID string, logger *zap.Logger, opts ...slack.Option) *SlackAdapter {
	return &SlackAdapter{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
		username:  "sprintloop",
		emoji:     ":robot_face:",
		logger:    logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect verifies the token.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	a.logger.Info("slack adapter connected", zap.String("team", resp.Team), zap.String("user", resp.User))
	return nil
}

// Send posts msg to the configured channel.
func (a *SlackAdapter) Send(ctx context.Context, msg *Message) error {
	_, _, err := a.client.PostMessageContext(ctx, a.channelID,
		slack.MsgOptionText(msg.Text("*"), false),
		slack.MsgOptionUsername(a.username),
		slack.MsgOptionIconEmoji(a.emoji),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// Close is a no-op; the web API client holds no connection.
func (a *SlackAdapter) Close() error { return nil }
