package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/delivery"
	"github.com/icified/icebot/pkg/logger"
)

// DiscordChannel sends replies through the Discord REST API. It never
// opens a gateway socket; inbound traffic arrives via webhooks like
// every other source.
type DiscordChannel struct {
	session *discordgo.Session
}

func NewDiscordChannel(token string) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &DiscordChannel{session: session}, nil
}

func (c *DiscordChannel) Name() string {
	return "discord"
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	user, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("discord identity check: %w", err)
	}
	logger.InfoCF("discord", "Discord channel ready", map[string]interface{}{
		"username": user.Username,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Discord channel stopped")
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, chatID string, msg bus.OutboundMessage) delivery.Result {
	for _, path := range msg.Media {
		f, err := os.Open(path)
		if err != nil {
			logger.ErrorCF("discord", "Failed to open file for sending", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			return delivery.PermanentFailure
		}
		_, err = c.session.ChannelFileSendWithMessage(chatID, msg.Body, filepath.Base(path), f)
		f.Close()
		if err != nil {
			return classifyDiscordError(err)
		}
	}
	if len(msg.Media) > 0 {
		return delivery.Delivered
	}

	if _, err := c.session.ChannelMessageSend(chatID, msg.Body); err != nil {
		logger.ErrorCF("discord", "Send failed", map[string]interface{}{
			"channel": chatID,
			"error":   err.Error(),
		})
		return classifyDiscordError(err)
	}
	return delivery.Delivered
}

func classifyDiscordError(err error) delivery.Result {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return delivery.TransientFailure
		}
		return delivery.PermanentFailure
	}
	return delivery.TransientFailure
}
