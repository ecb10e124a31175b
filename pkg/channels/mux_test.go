package channels

import (
	"context"
	"testing"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/delivery"
)

type fakeChannel struct {
	name    string
	started bool
	stopped bool
	sends   []string
	result  delivery.Result
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(ctx context.Context) error {
	f.started = true
	return nil
}

func (f *fakeChannel) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, chatID string, msg bus.OutboundMessage) delivery.Result {
	f.sends = append(f.sends, chatID)
	return f.result
}

func TestMuxRoutesByConversationPrefix(t *testing.T) {
	tg := &fakeChannel{name: "telegram", result: delivery.Delivered}
	sl := &fakeChannel{name: "slack", result: delivery.Delivered}
	m := NewMux()
	m.Register(tg)
	m.Register(sl)

	res := m.Send(context.Background(), bus.OutboundMessage{ConversationID: "telegram:12345", Body: "hi"})
	if res != delivery.Delivered {
		t.Fatalf("result = %v", res)
	}
	if len(tg.sends) != 1 || tg.sends[0] != "12345" {
		t.Errorf("telegram sends = %v", tg.sends)
	}
	if len(sl.sends) != 0 {
		t.Errorf("slack should not receive telegram traffic, got %v", sl.sends)
	}
}

// TestMuxUnknownSourceIsPermanent verifies a message addressed to an
// unregistered channel fails without retries.
func TestMuxUnknownSourceIsPermanent(t *testing.T) {
	m := NewMux()
	m.Register(&fakeChannel{name: "telegram", result: delivery.Delivered})

	res := m.Send(context.Background(), bus.OutboundMessage{ConversationID: "matrix:room", Body: "hi"})
	if res != delivery.PermanentFailure {
		t.Fatalf("result = %v, want PermanentFailure", res)
	}
}

func TestMuxUnaddressableConversation(t *testing.T) {
	m := NewMux()
	m.Register(&fakeChannel{name: "telegram", result: delivery.Delivered})

	for _, convo := range []string{"", "telegram", "telegram:"} {
		if res := m.Send(context.Background(), bus.OutboundMessage{ConversationID: convo}); res != delivery.PermanentFailure {
			t.Errorf("conversation %q: result = %v, want PermanentFailure", convo, res)
		}
	}
}

func TestMuxPropagatesChannelResult(t *testing.T) {
	ch := &fakeChannel{name: "telegram", result: delivery.TransientFailure}
	m := NewMux()
	m.Register(ch)

	res := m.Send(context.Background(), bus.OutboundMessage{ConversationID: "telegram:1"})
	if res != delivery.TransientFailure {
		t.Fatalf("result = %v, want TransientFailure", res)
	}
}

func TestStartAllStopAll(t *testing.T) {
	a := &fakeChannel{name: "telegram"}
	b := &fakeChannel{name: "slack"}
	m := NewMux()
	m.Register(a)
	m.Register(b)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if !a.started || !b.started {
		t.Error("All channels should be started")
	}

	m.StopAll(context.Background())
	if !a.stopped || !b.stopped {
		t.Error("All channels should be stopped")
	}
}

func TestMuxGet(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	m := NewMux()
	m.Register(ch)

	if got, ok := m.Get("telegram"); !ok || got != Channel(ch) {
		t.Error("Get should return the registered channel")
	}
	if _, ok := m.Get("slack"); ok {
		t.Error("Get should miss on unregistered name")
	}
}
