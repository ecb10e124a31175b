package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/delivery"
	"github.com/icified/icebot/pkg/logger"
)

// Channel is one outbound provider adapter.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, chatID string, msg bus.OutboundMessage) delivery.Result
}

// Mux routes outbound messages to the channel named by the
// conversation id prefix ("telegram:12345" -> telegram). It implements
// delivery.Transport.
type Mux struct {
	channels map[string]Channel
}

func NewMux() *Mux {
	return &Mux{channels: make(map[string]Channel)}
}

func (m *Mux) Register(ch Channel) {
	m.channels[ch.Name()] = ch
}

func (m *Mux) Get(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Mux) StartAll(ctx context.Context) error {
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("starting channel %s: %w", name, err)
		}
	}
	return nil
}

func (m *Mux) StopAll(ctx context.Context) {
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			logger.WarnCF("channels", "Channel stop failed", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Mux) Send(ctx context.Context, msg bus.OutboundMessage) delivery.Result {
	source, chatID, ok := strings.Cut(msg.ConversationID, ":")
	if !ok || chatID == "" {
		logger.ErrorCF("channels", "Unaddressable conversation id", map[string]interface{}{
			"conversation": msg.ConversationID,
		})
		return delivery.PermanentFailure
	}
	ch, registered := m.channels[source]
	if !registered {
		logger.ErrorCF("channels", "No channel for source", map[string]interface{}{
			"source": source,
		})
		return delivery.PermanentFailure
	}
	return ch.Send(ctx, chatID, msg)
}
