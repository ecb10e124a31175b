package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/slack-go/slack/slackevents"

	"github.com/icified/icebot/pkg/bus"
)

// SlackNormalizer parses Slack Events API callbacks. Slack assigns each
// callback an event_id and retries deliveries that are not acked within
// 3 seconds, so the id doubles as the idempotency key.
type SlackNormalizer struct {
	now func() time.Time
}

func NewSlackNormalizer() *SlackNormalizer {
	return &SlackNormalizer{now: time.Now}
}

func (n *SlackNormalizer) Source() string {
	return "slack"
}

func (n *SlackNormalizer) Normalize(raw []byte) (bus.Command, error) {
	apiEvent, err := slackevents.ParseEvent(json.RawMessage(raw), slackevents.OptionNoVerifyToken())
	if err != nil {
		return bus.Command{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if apiEvent.Type != slackevents.CallbackEvent {
		return bus.Command{}, fmt.Errorf("%w: unexpected slack event type %q", ErrMalformedPayload, apiEvent.Type)
	}

	callback, ok := apiEvent.Data.(*slackevents.EventsAPICallbackEvent)
	if !ok || callback.EventID == "" {
		return bus.Command{}, fmt.Errorf("%w: slack callback without event_id", ErrMalformedPayload)
	}

	var channel, user, text string
	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Bot echoes would loop the pipeline back onto itself.
		if inner.BotID != "" {
			text = ""
		} else {
			text = inner.Text
		}
		channel = inner.Channel
		user = inner.User
	case *slackevents.AppMentionEvent:
		channel = inner.Channel
		user = inner.User
		text = inner.Text
	default:
		// Event types the bot has no feature for (reactions, joins,
		// file shares) are acked and dropped; repeated non-2xx answers
		// get the endpoint disabled.
		return n.unhandled(callback, apiEvent, raw), nil
	}
	if channel == "" {
		return n.unhandled(callback, apiEvent, raw), nil
	}

	event := bus.Event{
		ID:             "slack:" + callback.EventID,
		Source:         "slack",
		ConversationID: "slack:" + channel,
		Payload:        append([]byte(nil), raw...),
		ReceivedAt:     n.now(),
		Metadata: map[string]string{
			"user_id": user,
			"team_id": apiEvent.TeamID,
		},
	}
	name, args := splitCommand(text)
	return bus.Command{Name: name, Args: args, Event: event}, nil
}

func (n *SlackNormalizer) unhandled(callback *slackevents.EventsAPICallbackEvent, apiEvent slackevents.EventsAPIEvent, raw []byte) bus.Command {
	return bus.Command{
		Name: UnhandledCommand,
		Event: bus.Event{
			ID:         "slack:" + callback.EventID,
			Source:     "slack",
			Payload:    append([]byte(nil), raw...),
			ReceivedAt: n.now(),
			Metadata: map[string]string{
				"team_id": apiEvent.TeamID,
			},
		},
	}
}

// ChallengeResponse extracts the url_verification challenge Slack sends
// when a webhook endpoint is first registered. The gateway answers it
// inline without entering the pipeline.
func ChallengeResponse(raw []byte) (string, bool) {
	var peek struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", false
	}
	if peek.Type != "url_verification" || peek.Challenge == "" {
		return "", false
	}
	return peek.Challenge, true
}
