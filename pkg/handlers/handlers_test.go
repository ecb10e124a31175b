package handlers

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/icify"
	"github.com/icified/icebot/pkg/router"
)

func testCommand(name string, args ...string) bus.Command {
	return bus.Command{
		Name: name,
		Args: args,
		Event: bus.Event{
			ID:             "test:e1",
			Source:         "test",
			ConversationID: "test:c1",
		},
	}
}

func TestRegisterBindsBuiltins(t *testing.T) {
	table := router.NewTable()
	if err := Register(table, Deps{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	table.Seal()

	for _, name := range []string{"/start", "/help", "/ping", "/callback", "/icify"} {
		if _, err := table.Resolve(name); err != nil {
			t.Errorf("Resolve(%q) failed: %v", name, err)
		}
	}
}

func TestStartRepliesWithWelcome(t *testing.T) {
	msgs, err := Start(context.Background(), testCommand("/start"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected one reply, got %d", len(msgs))
	}
	if msgs[0].ConversationID != "test:c1" {
		t.Errorf("Reply addressed to %q", msgs[0].ConversationID)
	}
	if !strings.Contains(msgs[0].Body, "Welcome") {
		t.Errorf("Welcome text missing, got %q", msgs[0].Body)
	}
}

func TestHelpRepliesWithUsage(t *testing.T) {
	msgs, err := Help(context.Background(), testCommand("/help"))
	if err != nil {
		t.Fatalf("Help failed: %v", err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0].Body, "How to use") {
		t.Fatalf("Usage text missing, got %v", msgs)
	}
}

func TestPing(t *testing.T) {
	msgs, err := Ping(context.Background(), testCommand("/ping"))
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "pong" {
		t.Fatalf("Expected pong, got %v", msgs)
	}
}

func TestCallbackSendPhoto(t *testing.T) {
	msgs, err := Callback(context.Background(), testCommand("/callback", "send_photo"))
	if err != nil {
		t.Fatalf("Callback failed: %v", err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0].Body, "photo") {
		t.Fatalf("Photo prompt missing, got %v", msgs)
	}
}

// TestCallbackUnknownDataIsSilent verifies unrecognized callback tags
// produce no output and no error.
func TestCallbackUnknownDataIsSilent(t *testing.T) {
	msgs, err := Callback(context.Background(), testCommand("/callback", "mystery"))
	if err != nil {
		t.Fatalf("Callback failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Expected silence, got %v", msgs)
	}
}

// TestIcifyWithoutFetcherApologizes verifies a photo command from a
// source that cannot serve files answers the user like every other
// processing failure instead of erroring out silently.
func TestIcifyWithoutFetcherApologizes(t *testing.T) {
	client := icify.NewClient("tok", "http://unused.invalid", "owner/model", time.Second)
	handler := Icify(Deps{Icify: client})

	msgs, err := handler(context.Background(), testCommand("/icify", "file-1"))
	if err != nil {
		t.Fatalf("Icify failed: %v", err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0].Body, "went wrong") {
		t.Fatalf("Expected failure reply, got %v", msgs)
	}
}

func TestIcifyWithoutClientExplains(t *testing.T) {
	handler := Icify(Deps{})

	msgs, err := handler(context.Background(), testCommand("/icify", "file-1"))
	if err != nil {
		t.Fatalf("Icify failed: %v", err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0].Body, "not configured") {
		t.Fatalf("Expected configuration notice, got %v", msgs)
	}
}
