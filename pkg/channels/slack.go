package channels

import (
	"context"
	"errors"

	"github.com/slack-go/slack"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/delivery"
	"github.com/icified/icebot/pkg/logger"
)

// Slack API error strings that retrying cannot fix.
var slackPermanentErrors = map[string]bool{
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"msg_too_long":      true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"token_revoked":     true,
}

// SlackChannel posts replies through the Slack Web API.
type SlackChannel struct {
	client *slack.Client
}

func NewSlackChannel(botToken string) *SlackChannel {
	return &SlackChannel{client: slack.New(botToken)}
}

func (c *SlackChannel) Name() string {
	return "slack"
}

func (c *SlackChannel) Start(ctx context.Context) error {
	resp, err := c.client.AuthTestContext(ctx)
	if err != nil {
		return err
	}
	logger.InfoCF("slack", "Slack channel ready", map[string]interface{}{
		"bot": resp.User,
	})
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	logger.InfoC("slack", "Slack channel stopped")
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, chatID string, msg bus.OutboundMessage) delivery.Result {
	for _, path := range msg.Media {
		_, err := c.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:        chatID,
			File:           path,
			Filename:       path,
			InitialComment: msg.Body,
		})
		if err != nil {
			logger.ErrorCF("slack", "File upload failed", map[string]interface{}{
				"channel": chatID,
				"error":   err.Error(),
			})
			return classifySlackError(err)
		}
	}
	if len(msg.Media) > 0 {
		return delivery.Delivered
	}

	_, _, err := c.client.PostMessageContext(ctx, chatID, slack.MsgOptionText(msg.Body, false))
	if err != nil {
		logger.ErrorCF("slack", "Post message failed", map[string]interface{}{
			"channel": chatID,
			"error":   err.Error(),
		})
		return classifySlackError(err)
	}
	return delivery.Delivered
}

func classifySlackError(err error) delivery.Result {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return delivery.TransientFailure
	}
	if slackPermanentErrors[err.Error()] {
		return delivery.PermanentFailure
	}
	return delivery.TransientFailure
}
