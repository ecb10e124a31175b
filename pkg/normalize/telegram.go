package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/icified/icebot/pkg/bus"
)

// TelegramNormalizer parses Telegram webhook updates. Event ids reuse
// Telegram's update_id, which repeats when Telegram retries a delivery.
type TelegramNormalizer struct {
	now func() time.Time
}

func NewTelegramNormalizer() *TelegramNormalizer {
	return &TelegramNormalizer{now: time.Now}
}

func (n *TelegramNormalizer) Source() string {
	return "telegram"
}

func (n *TelegramNormalizer) Normalize(raw []byte) (bus.Command, error) {
	var update telego.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return bus.Command{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if update.Message != nil {
		return n.fromMessage(update, raw)
	}
	if cmd, ok := n.fromCallback(raw); ok {
		return cmd, nil
	}
	if update.UpdateID == 0 {
		return bus.Command{}, fmt.Errorf("%w: update carries no id", ErrMalformedPayload)
	}

	// Update kinds the bot has no feature for (edits, reactions, member
	// changes) still get a success ack; Telegram redelivers anything
	// answered non-2xx.
	return bus.Command{
		Name: UnhandledCommand,
		Event: bus.Event{
			ID:         fmt.Sprintf("telegram:%d", update.UpdateID),
			Source:     "telegram",
			Payload:    append([]byte(nil), raw...),
			ReceivedAt: n.now(),
		},
	}, nil
}

func (n *TelegramNormalizer) fromMessage(update telego.Update, raw []byte) (bus.Command, error) {
	message := update.Message
	if message.Chat.ID == 0 {
		return bus.Command{}, fmt.Errorf("%w: message without chat id", ErrMalformedPayload)
	}

	event := bus.Event{
		ID:             fmt.Sprintf("telegram:%d", update.UpdateID),
		Source:         "telegram",
		ConversationID: "telegram:" + strconv.FormatInt(message.Chat.ID, 10),
		Payload:        append([]byte(nil), raw...),
		ReceivedAt:     n.now(),
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
		},
	}
	if message.From != nil {
		event.Metadata["user_id"] = strconv.FormatInt(message.From.ID, 10)
		if message.From.Username != "" {
			event.Metadata["username"] = message.From.Username
		}
	}

	// Photos map to the icify command, the bot's primary operation.
	// The highest-resolution rendition is last in the slice.
	if len(message.Photo) > 0 {
		photo := message.Photo[len(message.Photo)-1]
		return bus.Command{Name: "/icify", Args: []string{photo.FileID}, Event: event}, nil
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}
	name, args := splitCommand(text)
	return bus.Command{Name: name, Args: args, Event: event}, nil
}

// telegramCallback is the slice of a callback_query update the pipeline
// needs: enough to address the originating chat and carry the data tag.
type telegramCallback struct {
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

func (n *TelegramNormalizer) fromCallback(raw []byte) (bus.Command, bool) {
	var envelope telegramCallback
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.CallbackQuery == nil {
		return bus.Command{}, false
	}
	query := envelope.CallbackQuery
	if query.Message.Chat.ID == 0 {
		return bus.Command{}, false
	}

	event := bus.Event{
		ID:             "telegram:cb:" + query.ID,
		Source:         "telegram",
		ConversationID: "telegram:" + strconv.FormatInt(query.Message.Chat.ID, 10),
		Payload:        append([]byte(nil), raw...),
		ReceivedAt:     n.now(),
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(query.From.ID, 10),
		},
	}
	return bus.Command{Name: "/callback", Args: []string{query.Data}, Event: event}, true
}
